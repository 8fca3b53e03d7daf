package provider

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"symq/internal/disasm"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Fixture is the JSON form of a Memory provider, used to run the engine
// without real debug files.
type Fixture struct {
	Modules []FixtureModule `json:"modules"`
}

type FixtureModule struct {
	Name       string            `json:"name"`
	ID         string            `json:"id"`
	Arch       string            `json:"arch,omitempty"`
	Base       string            `json:"base,omitempty"`
	Code       string            `json:"code,omitempty"` // hex
	MappedSize string            `json:"mapped_size,omitempty"`
	Symbols    []FixtureSymbol   `json:"symbols,omitempty"`
	Sources    map[string]string `json:"sources,omitempty"`
	Fail       string            `json:"fail,omitempty"` // reason code, or "module_not_found"
}

type FixtureSymbol struct {
	Address string          `json:"address"`
	Size    string          `json:"size,omitempty"`
	Name    string          `json:"name"`
	File    string          `json:"file,omitempty"`
	Line    uint32          `json:"line,omitempty"`
	Inlines []FixtureInline `json:"inlines,omitempty"`
}

type FixtureInline struct {
	Name string `json:"name,omitempty"`
	File string `json:"file,omitempty"`
	Line uint32 `json:"line,omitempty"`
}

// LoadFixture decodes a Fixture and builds the Memory provider it describes.
func LoadFixture(r io.Reader) (*Memory, error) {
	var fx Fixture
	if err := json.NewDecoder(r).Decode(&fx); err != nil {
		return nil, fmt.Errorf("decode fixture: %w", err)
	}
	return fx.Build()
}

// Build converts the fixture into a Memory provider.
func (fx *Fixture) Build() (*Memory, error) {
	m := NewMemory()
	for i, fm := range fx.Modules {
		key := ModuleKey{DebugName: fm.Name, DebugID: fm.ID}
		mod, err := fm.build()
		if err != nil {
			return nil, fmt.Errorf("module %d (%s): %w", i, key, err)
		}
		m.Add(key, mod)

		switch fm.Fail {
		case "":
		case "module_not_found":
			m.FailModule(key, ErrModuleNotFound)
		default:
			m.FailModule(key, Failf(fm.Fail, "fixture failure"))
		}
	}
	return m, nil
}

func (fm *FixtureModule) build() (*MemoryModule, error) {
	mod := &MemoryModule{Sources: fm.Sources}

	if fm.Arch != "" {
		arch, err := disasm.ParseArch(fm.Arch)
		if err != nil {
			return nil, err
		}
		mod.Arch = arch
	}

	var err error
	if mod.Base, err = parseOptionalUint(fm.Base); err != nil {
		return nil, fmt.Errorf("base: %w", err)
	}
	if mod.MappedSize, err = parseOptionalUint(fm.MappedSize); err != nil {
		return nil, fmt.Errorf("mapped_size: %w", err)
	}
	if fm.Code != "" {
		if mod.Code, err = hex.DecodeString(strings.ReplaceAll(fm.Code, " ", "")); err != nil {
			return nil, fmt.Errorf("code: %w", err)
		}
	}

	for _, fs := range fm.Symbols {
		sym := Symbol{Name: fs.Name, File: fs.File, Line: fs.Line}
		if sym.Address, err = parseOptionalUint(fs.Address); err != nil {
			return nil, fmt.Errorf("symbol %s address: %w", fs.Name, err)
		}
		if sym.Size, err = parseOptionalUint(fs.Size); err != nil {
			return nil, fmt.Errorf("symbol %s size: %w", fs.Name, err)
		}
		for _, in := range fs.Inlines {
			var f InlineFrame
			if in.Name != "" {
				f.Function = String(in.Name)
			}
			if in.File != "" {
				f.File = String(in.File)
			}
			if in.Line != 0 {
				f.Line = Uint32(in.Line)
			}
			sym.Inlines = append(sym.Inlines, f)
		}
		mod.Symbols = append(mod.Symbols, sym)
	}
	return mod, nil
}

func parseOptionalUint(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 0, 64)
}
