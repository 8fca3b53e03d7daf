// Package asm produces instruction listings for address ranges of a module.
package asm

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/charmbracelet/log"

	"symq/internal/disasm"
	"symq/internal/provider"
)

// ErrRangeOverflow is returned when start+length wraps the address space.
var ErrRangeOverflow = errors.New("address range wraps around")

// Result is a complete listing of a requested range. Instruction offsets are
// absolute addresses.
type Result struct {
	Key          provider.ModuleKey
	Arch         disasm.Arch
	Syntax       disasm.Syntax
	StartAddress uint64
	Length       uint64
	Instructions disasm.Stream
}

// Covered returns the number of bytes described by the listing.
func (r *Result) Covered() uint64 {
	return uint64(r.Instructions.Covered())
}

// Engine disassembles ranges read from a ByteProvider.
type Engine struct {
	bytes  provider.ByteProvider
	logger *log.Logger
}

// New returns an Engine reading from bytes.
func New(bytes provider.ByteProvider, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{bytes: bytes, logger: logger}
}

// CheckRange reports whether [start, start+length) is representable.
func CheckRange(start, length uint64) error {
	if length > math.MaxUint64-start {
		return fmt.Errorf("start 0x%x length 0x%x: %w", start, length, ErrRangeOverflow)
	}
	return nil
}

// Disassemble reads exactly length bytes at start and decodes them with the
// module's architecture. A short read fails with reason truncated_range; a
// successful result always covers the full range.
func (e *Engine) Disassemble(ctx context.Context, key provider.ModuleKey, start, length uint64, syntax disasm.Syntax) (*Result, error) {
	if err := CheckRange(start, length); err != nil {
		return nil, err
	}

	arch, err := e.bytes.Arch(ctx, key)
	if err != nil {
		return nil, err
	}
	dec, err := disasm.NewDecoder(arch, disasm.WithSyntax(syntax))
	if err != nil {
		return nil, provider.Fail(provider.ReasonUnsupportedArch, err)
	}

	code, err := e.bytes.ReadRange(ctx, key, start, length)
	switch {
	case errors.Is(err, provider.ErrAddressOutOfRange):
		return nil, provider.Fail(provider.ReasonTruncated, err)
	case err != nil:
		return nil, err
	case uint64(len(code)) < length:
		return nil, provider.Failf(provider.ReasonTruncated, "requested 0x%x bytes at 0x%x, provider returned 0x%x", length, start, len(code))
	}
	code = code[:length]

	res := &Result{
		Key:          key,
		Arch:         arch,
		Syntax:       syntax,
		StartAddress: start,
		Length:       length,
		Instructions: dec.Collect(code, start),
	}
	for i := range res.Instructions {
		res.Instructions[i].Offset += start
	}

	if got := res.Covered(); got != length {
		return nil, provider.Failf(provider.ReasonInternal, "listing covers 0x%x of 0x%x bytes", got, length)
	}

	e.logger.Debug("disassembled range", "module", key, "arch", arch, "start", fmt.Sprintf("0x%x", start),
		"length", length, "instructions", len(res.Instructions), "undecodable", res.Instructions.Undecodable())
	return res, nil
}
