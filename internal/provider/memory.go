package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"symq/internal/disasm"
)

// Symbol is a function range known to a MemoryModule.
type Symbol struct {
	Address uint64
	Size    uint64
	Name    string
	File    string
	Line    uint32
	Inlines []InlineFrame
}

// MemoryModule is the in-memory debug data of one module.
type MemoryModule struct {
	Arch disasm.Arch
	// Base is the address of Code[0].
	Base uint64
	Code []byte
	// MappedSize bounds valid addresses; zero means unbounded.
	MappedSize uint64
	Symbols    []Symbol
	// Frames override symbol lookup for exact addresses.
	Frames map[uint64]Frame
	// LookupErrors fail lookups of exact addresses.
	LookupErrors map[uint64]error
	Sources      map[string]string
}

// CallStats counts provider calls for one module.
type CallStats struct {
	CheckModule int
	Lookup      int
	Arch        int
	ReadRange   int
	ReadSource  int
}

// Memory is a deterministic in-memory Provider. It is safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	modules  map[ModuleKey]*MemoryModule
	failures map[ModuleKey]error
	delays   map[ModuleKey]time.Duration
	calls    map[ModuleKey]*CallStats
}

var _ Provider = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		modules:  make(map[ModuleKey]*MemoryModule),
		failures: make(map[ModuleKey]error),
		delays:   make(map[ModuleKey]time.Duration),
		calls:    make(map[ModuleKey]*CallStats),
	}
}

// Add registers a module. Symbols are sorted by address.
func (m *Memory) Add(key ModuleKey, mod *MemoryModule) *Memory {
	sort.Slice(mod.Symbols, func(i, j int) bool { return mod.Symbols[i].Address < mod.Symbols[j].Address })
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modules[key] = mod
	return m
}

// FailModule makes every call for key return err.
func (m *Memory) FailModule(key ModuleKey, err error) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[key] = err
	return m
}

// Delay makes every call for key block for d or until its context ends.
func (m *Memory) Delay(key ModuleKey, d time.Duration) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delays[key] = d
	return m
}

// Calls returns a snapshot of the call counters for key.
func (m *Memory) Calls(key ModuleKey) CallStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.calls[key]; ok {
		return *s
	}
	return CallStats{}
}

func (m *Memory) enter(ctx context.Context, key ModuleKey, count func(*CallStats)) (*MemoryModule, error) {
	m.mu.Lock()
	stats, ok := m.calls[key]
	if !ok {
		stats = &CallStats{}
		m.calls[key] = stats
	}
	count(stats)
	delay := m.delays[key]
	failure := m.failures[key]
	mod := m.modules[key]
	m.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failure != nil {
		return nil, failure
	}
	if mod == nil {
		return nil, ErrModuleNotFound
	}
	return mod, nil
}

func (m *Memory) CheckModule(ctx context.Context, key ModuleKey) error {
	_, err := m.enter(ctx, key, func(s *CallStats) { s.CheckModule++ })
	return err
}

func (m *Memory) Lookup(ctx context.Context, key ModuleKey, addr uint64) (*Frame, error) {
	mod, err := m.enter(ctx, key, func(s *CallStats) { s.Lookup++ })
	if err != nil {
		return nil, err
	}
	if err, ok := mod.LookupErrors[addr]; ok {
		return nil, err
	}
	if mod.MappedSize != 0 && addr >= mod.MappedSize {
		return nil, ErrAddressOutOfRange
	}
	if f, ok := mod.Frames[addr]; ok {
		return &f, nil
	}

	i := sort.Search(len(mod.Symbols), func(i int) bool { return mod.Symbols[i].Address > addr }) - 1
	if i < 0 {
		return nil, ErrAddressNotFound
	}
	sym := mod.Symbols[i]
	if sym.Size != 0 && addr >= sym.Address+sym.Size {
		return nil, ErrAddressNotFound
	}

	f := &Frame{
		Function:       String(sym.Name),
		FunctionOffset: Uint64(addr - sym.Address),
		Inlines:        append([]InlineFrame(nil), sym.Inlines...),
	}
	if sym.Size != 0 {
		f.FunctionSize = Uint64(sym.Size)
	}
	if sym.File != "" {
		f.File = String(sym.File)
	}
	if sym.Line != 0 {
		f.Line = Uint32(sym.Line)
	}
	return f, nil
}

func (m *Memory) Arch(ctx context.Context, key ModuleKey) (disasm.Arch, error) {
	mod, err := m.enter(ctx, key, func(s *CallStats) { s.Arch++ })
	if err != nil {
		return disasm.ArchUnknown, err
	}
	return mod.Arch, nil
}

func (m *Memory) ReadRange(ctx context.Context, key ModuleKey, addr, length uint64) ([]byte, error) {
	mod, err := m.enter(ctx, key, func(s *CallStats) { s.ReadRange++ })
	if err != nil {
		return nil, err
	}
	end := mod.Base + uint64(len(mod.Code))
	if addr < mod.Base || addr >= end {
		return nil, ErrAddressOutOfRange
	}
	off := addr - mod.Base
	n := min(length, uint64(len(mod.Code))-off)
	out := make([]byte, n)
	copy(out, mod.Code[off:off+n])
	return out, nil
}

func (m *Memory) ReadSource(ctx context.Context, key ModuleKey, path string) ([]byte, error) {
	mod, err := m.enter(ctx, key, func(s *CallStats) { s.ReadSource++ })
	if err != nil {
		return nil, err
	}
	src, ok := mod.Sources[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrSourceNotFound)
	}
	return []byte(src), nil
}
