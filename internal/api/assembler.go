package api

import (
	"encoding/hex"
	"fmt"

	"symq/internal/asm"
	"symq/internal/provider"
	"symq/internal/resolver"
	"symq/internal/source"
)

// Assembler renders internal results into the wire schema of one version.
type Assembler struct {
	version int
}

func NewAssembler(version int) (*Assembler, error) {
	if version == 0 {
		version = DefaultVersion
	}
	if version < MinVersion || version > MaxVersion {
		return nil, fmt.Errorf("unsupported schema version %d", version)
	}
	return &Assembler{version: version}, nil
}

func (a *Assembler) Version() int { return a.version }

func (a *Assembler) explicitNulls() bool { return a.version >= 2 }

// Section is the resolved form of one symbolicate request section, with one
// outcome per requested address in request order.
type Section struct {
	Module      Module
	Outcomes    []resolver.Outcome
	ModuleError *resolver.Outcome
}

// Symbolicate renders sections in order.
func (a *Assembler) Symbolicate(sections []Section) *SymbolicateResponse {
	resp := &SymbolicateResponse{Version: a.version, Modules: make([]ModuleResults, len(sections))}
	for i, s := range sections {
		mr := ModuleResults{
			Name:    s.Module.Name,
			ID:      s.Module.ID,
			Results: make([]any, len(s.Outcomes)),
		}
		if s.ModuleError != nil {
			mr.Error = OutcomeError(*s.ModuleError)
		}
		for j, o := range s.Outcomes {
			mr.Results[j] = a.Item(o)
		}
		resp.Modules[i] = mr
	}
	return resp
}

// Item renders one outcome as a Frame or an *ErrorObject.
func (a *Assembler) Item(o resolver.Outcome) any {
	if e := OutcomeError(o); e != nil {
		return e
	}
	return a.Frame(o.Frame)
}

// Frame renders a provider frame. Empty frames render as {} in version 1.
func (a *Assembler) Frame(f *provider.Frame) Frame {
	out := Frame{explicitNulls: a.explicitNulls()}
	if f == nil {
		return out
	}
	out.Name = f.Function
	out.File = f.File
	out.Line = f.Line
	if f.FunctionOffset != nil {
		v := Address(*f.FunctionOffset)
		out.FunctionOffset = &v
	}
	if f.FunctionSize != nil {
		v := Address(*f.FunctionSize)
		out.FunctionSize = &v
	}
	if len(f.Inlines) > 0 {
		out.InlineFrames = make([]InlineFrame, len(f.Inlines))
		for i, in := range f.Inlines {
			out.InlineFrames[i] = InlineFrame{
				Name:          in.Function,
				File:          in.File,
				Line:          in.Line,
				explicitNulls: a.explicitNulls(),
			}
		}
	}
	return out
}

// Disassembly renders a complete listing.
func (a *Assembler) Disassembly(res *asm.Result) *DisassembleResponse {
	resp := &DisassembleResponse{
		Version:      a.version,
		Module:       ModuleFromKey(res.Key),
		Arch:         res.Arch.String(),
		StartAddress: Address(res.StartAddress),
		Length:       res.Length,
		Instructions: make([]Instruction, len(res.Instructions)),
	}
	if res.Arch.IsX86() {
		resp.Syntax = res.Syntax.String()
	}
	for i, in := range res.Instructions {
		out := Instruction{Offset: Address(in.Offset), Length: in.Len}
		if in.Undecodable {
			out.Undecodable = true
			out.Bytes = hex.EncodeToString(in.Raw)
		} else {
			out.Text = in.Text
		}
		resp.Instructions[i] = out
	}
	return resp
}

// Source renders source text.
func (a *Assembler) Source(res *source.Result) *SourceResponse {
	return &SourceResponse{
		Version: a.version,
		Module:  ModuleFromKey(res.Key),
		Address: Address(res.Address),
		File:    res.File,
		Source:  string(res.Source),
	}
}

// Error renders a whole-request failure. module may be nil.
func (a *Assembler) Error(module *Module, err error) *ErrorResponse {
	return &ErrorResponse{Version: a.version, Module: module, Error: NewErrorObject(err)}
}
