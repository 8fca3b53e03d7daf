// Package provider declares the capabilities the query engine consumes: symbol
// lookup, raw byte access and source text. Implementations live elsewhere;
// Memory is a deterministic in-memory implementation.
package provider

import (
	"context"
	"fmt"

	"symq/internal/disasm"
)

// ModuleKey names one binary/debug-info pair.
type ModuleKey struct {
	DebugName string
	DebugID   string
}

func (k ModuleKey) String() string {
	return fmt.Sprintf("%s/%s", k.DebugName, k.DebugID)
}

// Frame is the symbol information for one address.
//
// Function, File and Line describe the outermost (non-inlined) function. When
// the address lies in inlined code, File and Line are the call site of the
// first inline frame, and Inlines lists the inlined functions from outermost to
// innermost, each carrying its own location.
type Frame struct {
	Function       *string
	FunctionOffset *uint64
	FunctionSize   *uint64
	File           *string
	Line           *uint32
	Inlines        []InlineFrame
}

// InlineFrame is one level of inlined code.
type InlineFrame struct {
	Function *string
	File     *string
	Line     *uint32
}

// IsEmpty reports whether the frame carries no symbol information at all.
func (f *Frame) IsEmpty() bool {
	return f == nil || (f.Function == nil && f.File == nil && f.Line == nil && len(f.Inlines) == 0)
}

// Files returns every file path referenced by the frame and its inline frames.
func (f *Frame) Files() []string {
	if f == nil {
		return nil
	}
	var out []string
	if f.File != nil {
		out = append(out, *f.File)
	}
	for _, in := range f.Inlines {
		if in.File != nil {
			out = append(out, *in.File)
		}
	}
	return out
}

// SymbolProvider resolves addresses within a module.
type SymbolProvider interface {
	// CheckModule returns ErrModuleNotFound when the module is unknown, or a
	// *Failure when its debug data cannot be used.
	CheckModule(ctx context.Context, key ModuleKey) error
	// Lookup returns ErrAddressNotFound or ErrAddressOutOfRange when the module
	// has no symbol for addr.
	Lookup(ctx context.Context, key ModuleKey, addr uint64) (*Frame, error)
}

// ByteProvider reads raw bytes from a module's mapped image.
type ByteProvider interface {
	Arch(ctx context.Context, key ModuleKey) (disasm.Arch, error)
	// ReadRange may return fewer than length bytes when the range runs past
	// the end of a mapped section.
	ReadRange(ctx context.Context, key ModuleKey, addr, length uint64) ([]byte, error)
}

// SourceProvider returns the text of a source file referenced by a module's
// debug info.
type SourceProvider interface {
	ReadSource(ctx context.Context, key ModuleKey, path string) ([]byte, error)
}

// Provider bundles all capabilities.
type Provider interface {
	SymbolProvider
	ByteProvider
	SourceProvider
}

// String returns a pointer to s.
func String(s string) *string { return &s }

// Uint32 returns a pointer to v.
func Uint32(v uint32) *uint32 { return &v }

// Uint64 returns a pointer to v.
func Uint64(v uint64) *uint64 { return &v }
