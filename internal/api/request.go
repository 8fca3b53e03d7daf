package api

import (
	"errors"
	"fmt"

	"symq/internal/asm"
	"symq/internal/disasm"
	"symq/internal/provider"
)

// Request kinds.
const (
	KindSymbolicate = "symbolicate"
	KindDisassemble = "disassemble"
	KindSource      = "source"
)

// Supported schema versions. Version 2 renders absent optional frame fields
// as explicit nulls.
const (
	MinVersion     = 1
	MaxVersion     = 2
	DefaultVersion = 1
)

// ErrMalformedRequest marks structurally invalid envelopes. Such requests are
// rejected before any provider call.
var ErrMalformedRequest = errors.New("malformed request")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedRequest, fmt.Sprintf(format, args...))
}

// Module identifies a binary/debug-info pair on the wire.
type Module struct {
	Name string `json:"name" jsonschema:"description=Debug name of the module, e.g. libxul.so or xul.pdb"`
	ID   string `json:"id" jsonschema:"description=Debug identifier (breakpad id or build id)"`
}

func (m Module) Key() provider.ModuleKey {
	return provider.ModuleKey{DebugName: m.Name, DebugID: m.ID}
}

// ModuleFromKey converts back to the wire form.
func ModuleFromKey(k provider.ModuleKey) Module {
	return Module{Name: k.DebugName, ID: k.DebugID}
}

// SymbolicateModule is one section of a symbolicate request.
type SymbolicateModule struct {
	Name      string    `json:"name"`
	ID        string    `json:"id"`
	Addresses []Address `json:"addresses"`
}

func (m SymbolicateModule) Module() Module { return Module{Name: m.Name, ID: m.ID} }

// Request is the envelope of every query. Fields not used by Kind are
// ignored, as are unknown fields.
type Request struct {
	Version int    `json:"version,omitempty" jsonschema:"enum=1,enum=2"`
	Kind    string `json:"kind" jsonschema:"enum=symbolicate,enum=disassemble,enum=source"`

	// symbolicate
	Modules []SymbolicateModule `json:"modules,omitempty"`

	// disassemble and source
	Module *Module `json:"module,omitempty"`

	// disassemble
	StartAddress *Address `json:"start_address,omitempty"`
	Length       *Address `json:"length,omitempty"`
	Syntax       string   `json:"syntax,omitempty" jsonschema:"enum=intel,enum=att"`

	// source
	Address *Address `json:"address,omitempty"`
	File    string   `json:"file,omitempty"`
}

// DecodeRequest parses and validates an envelope. impliedKind is used when
// the transport already determines the kind (e.g. by URL path); it must agree
// with an explicit kind field.
func DecodeRequest(body []byte, impliedKind string) (*Request, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, malformed("%v", err)
	}
	switch {
	case req.Kind == "":
		req.Kind = impliedKind
	case impliedKind != "" && req.Kind != impliedKind:
		return nil, malformed("kind %q does not match endpoint %q", req.Kind, impliedKind)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// Validate checks the envelope structure. It sets Version to DefaultVersion
// when omitted.
func (r *Request) Validate() error {
	if r.Version == 0 {
		r.Version = DefaultVersion
	}
	if r.Version < MinVersion || r.Version > MaxVersion {
		return malformed("unsupported version %d", r.Version)
	}

	switch r.Kind {
	case KindSymbolicate:
		for i, m := range r.Modules {
			if m.Name == "" {
				return malformed("modules[%d]: missing name", i)
			}
		}
	case KindDisassemble:
		if err := r.validateModule(); err != nil {
			return err
		}
		if r.StartAddress == nil {
			return malformed("missing start_address")
		}
		if r.Length == nil {
			return malformed("missing length")
		}
		if err := asm.CheckRange(uint64(*r.StartAddress), uint64(*r.Length)); err != nil {
			return malformed("%v", err)
		}
		if _, err := disasm.ParseSyntax(r.Syntax); err != nil {
			return malformed("%v", err)
		}
	case KindSource:
		if err := r.validateModule(); err != nil {
			return err
		}
		if r.Address == nil {
			return malformed("missing address")
		}
		if r.File == "" {
			return malformed("missing file")
		}
	case "":
		return malformed("missing kind")
	default:
		return malformed("unknown kind %q", r.Kind)
	}
	return nil
}

func (r *Request) validateModule() error {
	if r.Module == nil {
		return malformed("missing module")
	}
	if r.Module.Name == "" {
		return malformed("module: missing name")
	}
	return nil
}

// AddressCount is the number of addresses in a symbolicate request.
func (r *Request) AddressCount() int {
	n := 0
	for _, m := range r.Modules {
		n += len(m.Addresses)
	}
	return n
}
