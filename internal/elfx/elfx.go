// Package elfx provides helpers for opening ELF binaries, reading their symbol
// tables and build ids, and mapping virtual addresses to file offsets.
package elfx

import (
	"bytes"
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"syscall"

	"symq/internal/disasm"
)

// ntGNUBuildID is the ELF note type of a GNU build id (NT_GNU_BUILD_ID).
const ntGNUBuildID = 3

type Image struct {
	Path  string
	File  *elf.File
	All   []byte
	Loads []Seg
	Text  Section
	// Funcs holds function symbols sorted by address, one per address.
	Funcs   []Func
	BuildID []byte
	f       *os.File
	mmapped bool
}

type Seg struct {
	Vaddr, Off, Filesz, Memsz uint64
	Flags                     elf.ProgFlag
}

type Section struct {
	Name          string
	VA, Off, Size uint64
}

// Func is a function symbol. Size is taken from the symbol table, or from the
// distance to the next function when the table records none.
type Func struct {
	Name string
	Addr uint64
	Size uint64
}

// Open maps the file at path read-only.
func Open(path string) (*Image, error) {
	of, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	fi, err := of.Stat()
	if err != nil {
		of.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if fi.Size() == 0 {
		of.Close()
		return nil, fmt.Errorf("open elf %s: empty file", path)
	}

	all, err := syscall.Mmap(int(of.Fd()), 0, int(fi.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		of.Close()
		return nil, fmt.Errorf("mmap file: %w", err)
	}

	im, err := newImage(path, all)
	if err != nil {
		syscall.Munmap(all)
		of.Close()
		return nil, err
	}
	im.f = of
	im.mmapped = true
	return im, nil
}

// NewImage parses an ELF held in memory, e.g. a decompressed debug file.
func NewImage(name string, data []byte) (*Image, error) {
	return newImage(name, data)
}

func newImage(name string, all []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(all))
	if err != nil {
		return nil, fmt.Errorf("open elf %s: %w", name, err)
	}

	im := &Image{Path: name, File: f, All: all}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		im.Loads = append(im.Loads, Seg{
			Vaddr:  p.Vaddr,
			Off:    p.Off,
			Filesz: p.Filesz,
			Memsz:  p.Memsz,
			Flags:  p.Flags,
		})
	}

	// Use true sections if present.
	for _, s := range f.Sections {
		if s.Name == ".text" {
			im.Text = Section{s.Name, s.Addr, s.Offset, s.Size}
		}
	}
	// Fallback if stripped.
	if im.Text.Size == 0 {
		for _, l := range im.Loads {
			if l.Flags&elf.PF_X != 0 && l.Filesz > 0 {
				im.Text = Section{"LOAD(exec)", l.Vaddr, l.Off, l.Filesz}
				break
			}
		}
	}

	im.BuildID = im.readBuildID()
	im.loadFuncs()
	return im, nil
}

// Close unmaps the memory and closes the underlying files.
func (im *Image) Close() error {
	var err1, err2 error
	if im.All != nil && im.mmapped {
		err1 = syscall.Munmap(im.All)
	}
	im.All = nil
	if im.f != nil {
		err2 = im.f.Close()
		im.f = nil
	}
	if im.File != nil {
		err3 := im.File.Close()
		if err3 != nil && err2 == nil {
			err2 = err3
		}
		im.File = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

// HasCode reports whether the file carries the bytes of its executable code.
// Split debug files keep section headers for .text but not its contents.
func (im *Image) HasCode() bool {
	if s := im.File.Section(".text"); s != nil {
		return s.Type != elf.SHT_NOBITS
	}
	return im.Text.Size != 0
}

// Arch maps the ELF machine to a decoder architecture.
func (im *Image) Arch() disasm.Arch {
	switch im.File.Machine {
	case elf.EM_X86_64:
		return disasm.X86_64
	case elf.EM_386:
		return disasm.X86_32
	case elf.EM_ARM:
		return disasm.ARM
	case elf.EM_AARCH64:
		return disasm.ARM64
	}
	return disasm.ArchUnknown
}

// Base is the virtual address that corresponds to file offset zero of the
// first PT_LOAD segment. Module-relative addresses are taken from it.
func (im *Image) Base() uint64 {
	if len(im.Loads) == 0 {
		return 0
	}
	l := im.Loads[0]
	if l.Off > l.Vaddr {
		return 0
	}
	return l.Vaddr - l.Off
}

// Mapped reports whether va lies in the memory image of any PT_LOAD segment,
// including parts not backed by file data.
func (im *Image) Mapped(va uint64) bool {
	for _, l := range im.Loads {
		if va >= l.Vaddr && va < l.Vaddr+max(l.Memsz, l.Filesz) {
			return true
		}
	}
	return false
}

// DWARF returns the debug data, or an error if the file carries none.
func (im *Image) DWARF() (*dwarf.Data, error) {
	return im.File.DWARF()
}

// VA2Off translates a virtual address into a file offset
// using PT_LOAD segments. It returns false if VA is unmapped.
func (im *Image) VA2Off(va uint64) (uint64, bool) {
	_, off, ok := im.seg(va)
	return off, ok
}

func (im *Image) seg(va uint64) (Seg, uint64, bool) {
	for _, l := range im.Loads {
		if va >= l.Vaddr && va < l.Vaddr+l.Filesz {
			return l, l.Off + (va - l.Vaddr), true
		}
	}
	return Seg{}, 0, false
}

// SliceVA returns a subslice of the mapped file corresponding to the virtual address range [va, va+size).
// It returns (nil, false) if the VA is unmapped or the range is out of bounds.
func (im *Image) SliceVA(va uint64, size uint64) ([]byte, bool) {
	off, ok := im.VA2Off(va)
	if !ok {
		return nil, false
	}
	if size == 0 {
		return []byte{}, true
	}
	end := off + size
	if end < off || end > uint64(len(im.All)) {
		return nil, false
	}
	return im.All[off:end], true
}

// ReadRangeVA returns up to size bytes at va, stopping at the end of the
// segment that contains va. It returns false if va is unmapped.
func (im *Image) ReadRangeVA(va, size uint64) ([]byte, bool) {
	l, off, ok := im.seg(va)
	if !ok {
		return nil, false
	}
	n := min(size, l.Vaddr+l.Filesz-va)
	if off+n > uint64(len(im.All)) {
		n = uint64(len(im.All)) - off
	}
	return im.All[off : off+n], true
}

// FuncAt returns the function symbol covering va.
func (im *Image) FuncAt(va uint64) (Func, bool) {
	i, found := slices.BinarySearchFunc(im.Funcs, va, func(f Func, va uint64) int {
		switch {
		case f.Addr < va:
			return -1
		case f.Addr > va:
			return 1
		}
		return 0
	})
	if !found {
		i--
	}
	if i < 0 {
		return Func{}, false
	}
	fn := im.Funcs[i]
	if va >= fn.Addr+fn.Size {
		return Func{}, false
	}
	return fn, true
}

// loadFuncs collects STT_FUNC symbols from .symtab and .dynsym.
func (im *Image) loadFuncs() {
	var syms []elf.Symbol
	if s, err := im.File.Symbols(); err == nil {
		syms = append(syms, s...)
	}
	if s, err := im.File.DynamicSymbols(); err == nil {
		syms = append(syms, s...)
	}

	for _, sym := range syms {
		// Skip undefined symbols
		if sym.Value == 0 || elf.ST_TYPE(sym.Info) != elf.STT_FUNC || sym.Section == elf.SHN_UNDEF {
			continue
		}
		im.Funcs = append(im.Funcs, Func{
			Name: strings.TrimSuffix(sym.Name, "@plt"),
			Addr: sym.Value,
			Size: sym.Size,
		})
	}

	// Prefer sized entries when several symbols share an address.
	slices.SortStableFunc(im.Funcs, func(a, b Func) int {
		switch {
		case a.Addr != b.Addr:
			if a.Addr < b.Addr {
				return -1
			}
			return 1
		case a.Size != b.Size:
			if a.Size > b.Size {
				return -1
			}
			return 1
		}
		return 0
	})
	im.Funcs = slices.CompactFunc(im.Funcs, func(a, b Func) bool { return a.Addr == b.Addr })

	for i := range im.Funcs {
		if im.Funcs[i].Size != 0 {
			continue
		}
		if i+1 < len(im.Funcs) {
			im.Funcs[i].Size = im.Funcs[i+1].Addr - im.Funcs[i].Addr
		} else if im.Text.Size != 0 && im.Funcs[i].Addr < im.Text.VA+im.Text.Size {
			im.Funcs[i].Size = im.Text.VA + im.Text.Size - im.Funcs[i].Addr
		}
	}
}

var errNoBuildID = errors.New("no build id note")

// readBuildID reads the NT_GNU_BUILD_ID note from section headers or, for
// files without them, from PT_NOTE segments.
func (im *Image) readBuildID() []byte {
	if s := im.File.Section(".note.gnu.build-id"); s != nil {
		if data, err := s.Data(); err == nil {
			if id, err := parseBuildIDNote(data, im.File.ByteOrder); err == nil {
				return id
			}
		}
	}
	for _, p := range im.File.Progs {
		if p.Type != elf.PT_NOTE {
			continue
		}
		data := make([]byte, p.Filesz)
		if _, err := p.ReadAt(data, 0); err != nil {
			continue
		}
		if id, err := parseBuildIDNote(data, im.File.ByteOrder); err == nil {
			return id
		}
	}
	return nil
}

func parseBuildIDNote(data []byte, order binary.ByteOrder) ([]byte, error) {
	align4 := func(n uint32) uint32 { return (n + 3) &^ 3 }
	for len(data) >= 12 {
		namesz := order.Uint32(data[0:4])
		descsz := order.Uint32(data[4:8])
		typ := order.Uint32(data[8:12])
		data = data[12:]

		nameEnd := align4(namesz)
		descEnd := nameEnd + align4(descsz)
		if uint64(descEnd) > uint64(len(data)) || nameEnd+descsz > uint32(len(data)) {
			break
		}
		name := data[:namesz]
		desc := data[nameEnd : nameEnd+descsz]
		if typ == uint32(ntGNUBuildID) && string(bytes.TrimRight(name, "\x00")) == "GNU" {
			return slices.Clone(desc), nil
		}
		data = data[descEnd:]
	}
	return nil, errNoBuildID
}

// DebugID renders a build id the way breakpad names ELF modules: the first
// 16 bytes read as a little-endian GUID, upper-case, followed by age 0.
func DebugID(buildID []byte) string {
	if len(buildID) == 0 {
		return ""
	}
	var guid [16]byte
	copy(guid[:], buildID)
	slices.Reverse(guid[0:4])
	slices.Reverse(guid[4:6])
	slices.Reverse(guid[6:8])
	return strings.ToUpper(hex.EncodeToString(guid[:])) + "0"
}

// MatchesID reports whether id names this image: either the breakpad debug id
// or the hex build id, compared case-insensitively.
func (im *Image) MatchesID(id string) bool {
	if len(im.BuildID) == 0 {
		return true
	}
	return strings.EqualFold(id, DebugID(im.BuildID)) || strings.EqualFold(id, hex.EncodeToString(im.BuildID))
}
