// Package source serves source text for files referenced by the debug info of
// a resolved address.
package source

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/charmbracelet/log"

	"symq/internal/provider"
	"symq/internal/resolver"
)

// ErrFileNotReferenced is returned when the requested file does not appear in
// the frames of the requested address. Only referenced files are served.
var ErrFileNotReferenced = errors.New("file not referenced by debug info for this address")

// Result is the text of one source file.
type Result struct {
	Key     provider.ModuleKey
	Address uint64
	File    string
	Source  []byte
}

// Lookup serves source files referenced by the debug info of resolved frames.
type Lookup struct {
	resolver *resolver.Resolver
	sources  provider.SourceProvider
	logger   *log.Logger
}

// New returns a Lookup resolving through r and reading files from sources.
func New(r *resolver.Resolver, sources provider.SourceProvider, logger *log.Logger) *Lookup {
	if logger == nil {
		logger = log.Default()
	}
	return &Lookup{resolver: r, sources: sources, logger: logger}
}

// Lookup resolves addr in key and returns the text of file if the resulting
// frame or one of its inline frames references it.
func (l *Lookup) Lookup(ctx context.Context, key provider.ModuleKey, addr uint64, file string) (*Result, error) {
	o := l.resolver.Resolve(ctx, key, []uint64{addr}).Outcome(addr)
	if o.IsError() {
		if o.Err != nil {
			return nil, o.Err
		}
		return nil, provider.Fail(o.Reason, nil)
	}

	if !slices.Contains(o.Frame.Files(), file) {
		return nil, fmt.Errorf("%s at 0x%x in %s: %w", file, addr, key, ErrFileNotReferenced)
	}

	src, err := l.sources.ReadSource(ctx, key, file)
	if err != nil {
		return nil, err
	}
	l.logger.Debug("served source", "module", key, "file", file, "bytes", len(src))
	return &Result{Key: key, Address: addr, File: file, Source: src}, nil
}
