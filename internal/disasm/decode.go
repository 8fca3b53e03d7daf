package disasm

import (
	"fmt"
	"iter"

	"golang.org/x/arch/arm/armasm"
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// backend decodes a single instruction at the start of code. pc is the
// address the instruction would have when rendered.
type backend interface {
	minLen() int
	decodeOne(code []byte, pc uint64) (text string, n int, err error)
}

// Decoder turns raw bytes into a sequence of instructions for one Arch.
type Decoder struct {
	arch Arch
	be   backend
}

// Option customises a Decoder.
type Option func(*options)

type options struct {
	syntax Syntax
}

// WithSyntax selects the x86 rendering syntax.
func WithSyntax(s Syntax) Option {
	return func(o *options) { o.syntax = s }
}

// NewDecoder returns the decoder for arch.
func NewDecoder(arch Arch, opts ...Option) (*Decoder, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	var be backend
	switch arch {
	case X86_16:
		be = x86Backend{mode: 16, syntax: o.syntax}
	case X86_32:
		be = x86Backend{mode: 32, syntax: o.syntax}
	case X86_64:
		be = x86Backend{mode: 64, syntax: o.syntax}
	case ARM:
		be = armBackend{}
	case ARM64:
		be = arm64Backend{}
	default:
		return nil, fmt.Errorf("no decoder for architecture %s", arch)
	}
	return &Decoder{arch: arch, be: be}, nil
}

// Arch returns the architecture this decoder was built for.
func (d *Decoder) Arch() Arch { return d.arch }

// Decode returns a lazy sequence of instructions covering code from offset 0
// until exhausted. The sequence can be ranged over any number of times.
// base is only used to render pc-relative operands.
//
// A failed decode yields an undecodable marker of exactly one byte. When fewer
// bytes remain than the shortest instruction of the architecture, the
// remainder is yielded as a single undecodable marker.
func (d *Decoder) Decode(code []byte, base uint64) iter.Seq[Inst] {
	return func(yield func(Inst) bool) {
		minLen := d.be.minLen()
		off := 0
		for off < len(code) {
			rest := code[off:]
			if len(rest) < minLen {
				yield(undecodable(uint64(off), rest))
				return
			}

			text, n, err := safeDecode(d.be, rest, base+uint64(off))
			var in Inst
			if err != nil || n <= 0 || n > len(rest) {
				in = undecodable(uint64(off), rest[:1])
			} else {
				in = Inst{Offset: uint64(off), Len: n, Text: text, Raw: rest[:n]}
			}
			if !yield(in) {
				return
			}
			off += in.Len
		}
	}
}

// Collect materialises the full sequence.
func (d *Decoder) Collect(code []byte, base uint64) Stream {
	out := make(Stream, 0, len(code)/max(d.be.minLen(), 2)+1)
	for in := range d.Decode(code, base) {
		out = append(out, in)
	}
	return out
}

// Decode is a convenience wrapper around NewDecoder(arch).Decode(code, 0).
func Decode(arch Arch, code []byte, opts ...Option) (iter.Seq[Inst], error) {
	d, err := NewDecoder(arch, opts...)
	if err != nil {
		return nil, err
	}
	return d.Decode(code, 0), nil
}

func undecodable(off uint64, raw []byte) Inst {
	return Inst{Offset: off, Len: len(raw), Undecodable: true, Raw: raw}
}

// safeDecode shields the caller from panics inside the x/arch tables.
func safeDecode(be backend, code []byte, pc uint64) (text string, n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			text, n, err = "", 0, fmt.Errorf("decoder panic: %v", r)
		}
	}()
	return be.decodeOne(code, pc)
}

type x86Backend struct {
	mode   int
	syntax Syntax
}

func (x86Backend) minLen() int { return 1 }

func (b x86Backend) decodeOne(code []byte, pc uint64) (string, int, error) {
	inst, err := x86asm.Decode(code, b.mode)
	if err != nil {
		return "", 0, err
	}
	if b.syntax == SyntaxATT {
		return x86asm.GNUSyntax(inst, pc, nil), inst.Len, nil
	}
	return x86asm.IntelSyntax(inst, pc, nil), inst.Len, nil
}

type armBackend struct{}

func (armBackend) minLen() int { return 4 }

func (armBackend) decodeOne(code []byte, _ uint64) (string, int, error) {
	inst, err := armasm.Decode(code, armasm.ModeARM)
	if err != nil {
		return "", 0, err
	}
	return armasm.GNUSyntax(inst), inst.Len, nil
}

type arm64Backend struct{}

func (arm64Backend) minLen() int { return 4 }

func (arm64Backend) decodeOne(code []byte, _ uint64) (string, int, error) {
	inst, err := arm64asm.Decode(code)
	if err != nil {
		return "", 0, err
	}
	return arm64asm.GNUSyntax(inst), 4, nil
}
