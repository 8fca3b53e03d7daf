// Package elfxtest builds small ELF64 little-endian shared objects for tests.
package elfxtest

import (
	"debug/elf"
	"encoding/binary"
)

// ntGNUBuildID is the ELF note type of a GNU build id (NT_GNU_BUILD_ID).
const ntGNUBuildID = 3

// TextAddr is the virtual address (and file offset) of .text.
const TextAddr = 0x100

type Symbol struct {
	Name string
	Addr uint64
	Size uint64
}

type Options struct {
	Machine elf.Machine
	Code    []byte
	Symbols []Symbol
	BuildID []byte
}

var le = binary.LittleEndian

// Build returns the bytes of an ELF file with one PT_LOAD segment that maps
// the file from offset 0 at address 0 and ends with .text.
func Build(o Options) []byte {
	if o.Machine == 0 {
		o.Machine = elf.EM_X86_64
	}

	buf := make([]byte, TextAddr)
	buf = append(buf, o.Code...)
	textEnd := uint64(len(buf))

	buf = pad(buf, 4)
	noteOff := uint64(len(buf))
	if len(o.BuildID) > 0 {
		buf = le.AppendUint32(buf, 4)
		buf = le.AppendUint32(buf, uint32(len(o.BuildID)))
		buf = le.AppendUint32(buf, uint32(ntGNUBuildID))
		buf = append(buf, "GNU\x00"...)
		buf = append(buf, o.BuildID...)
		buf = pad(buf, 4)
	}
	noteSize := uint64(len(buf)) - noteOff

	strtab := []byte{0}
	buf = pad(buf, 8)
	symOff := uint64(len(buf))
	buf = append(buf, make([]byte, 24)...)
	for _, s := range o.Symbols {
		name := uint32(len(strtab))
		strtab = append(append(strtab, s.Name...), 0)
		buf = le.AppendUint32(buf, name)
		buf = append(buf, byte(elf.STB_GLOBAL)<<4|byte(elf.STT_FUNC), 0)
		buf = le.AppendUint16(buf, 1)
		buf = le.AppendUint64(buf, s.Addr)
		buf = le.AppendUint64(buf, s.Size)
	}
	symSize := uint64(len(buf)) - symOff

	strOff := uint64(len(buf))
	buf = append(buf, strtab...)

	shstrtab := []byte{0}
	names := map[string]uint32{}
	for _, n := range []string{".text", ".note.gnu.build-id", ".symtab", ".strtab", ".shstrtab"} {
		names[n] = uint32(len(shstrtab))
		shstrtab = append(append(shstrtab, n...), 0)
	}
	shstrOff := uint64(len(buf))
	buf = append(buf, shstrtab...)

	buf = pad(buf, 8)
	shOff := uint64(len(buf))
	type shdr struct {
		name, typ   uint32
		flags, addr uint64
		off, size   uint64
		link, info  uint32
		align, ent  uint64
	}
	shdrs := []shdr{
		{},
		{names[".text"], uint32(elf.SHT_PROGBITS), uint64(elf.SHF_ALLOC | elf.SHF_EXECINSTR), TextAddr, TextAddr, textEnd - TextAddr, 0, 0, 16, 0},
		{names[".note.gnu.build-id"], uint32(elf.SHT_NOTE), uint64(elf.SHF_ALLOC), 0, noteOff, noteSize, 0, 0, 4, 0},
		{names[".symtab"], uint32(elf.SHT_SYMTAB), 0, 0, symOff, symSize, 4, 1, 8, 24},
		{names[".strtab"], uint32(elf.SHT_STRTAB), 0, 0, strOff, uint64(len(strtab)), 0, 0, 1, 0},
		{names[".shstrtab"], uint32(elf.SHT_STRTAB), 0, 0, shstrOff, uint64(len(shstrtab)), 0, 0, 1, 0},
	}
	for _, s := range shdrs {
		buf = le.AppendUint32(buf, s.name)
		buf = le.AppendUint32(buf, s.typ)
		buf = le.AppendUint64(buf, s.flags)
		buf = le.AppendUint64(buf, s.addr)
		buf = le.AppendUint64(buf, s.off)
		buf = le.AppendUint64(buf, s.size)
		buf = le.AppendUint32(buf, s.link)
		buf = le.AppendUint32(buf, s.info)
		buf = le.AppendUint64(buf, s.align)
		buf = le.AppendUint64(buf, s.ent)
	}

	// ELF header.
	h := buf[:0:64]
	h = append(h, 0x7f, 'E', 'L', 'F', byte(elf.ELFCLASS64), byte(elf.ELFDATA2LSB), byte(elf.EV_CURRENT))
	h = append(h, make([]byte, 9)...)
	h = le.AppendUint16(h, uint16(elf.ET_DYN))
	h = le.AppendUint16(h, uint16(o.Machine))
	h = le.AppendUint32(h, uint32(elf.EV_CURRENT))
	h = le.AppendUint64(h, TextAddr)
	h = le.AppendUint64(h, 64) // phoff
	h = le.AppendUint64(h, shOff)
	h = le.AppendUint32(h, 0)
	h = le.AppendUint16(h, 64)
	h = le.AppendUint16(h, 56)
	h = le.AppendUint16(h, 1)
	h = le.AppendUint16(h, 64)
	h = le.AppendUint16(h, uint16(len(shdrs)))
	_ = le.AppendUint16(h, uint16(len(shdrs)-1))

	// Program header.
	p := buf[64:64:120]
	p = le.AppendUint32(p, uint32(elf.PT_LOAD))
	p = le.AppendUint32(p, uint32(elf.PF_R|elf.PF_X))
	p = le.AppendUint64(p, 0)
	p = le.AppendUint64(p, 0)
	p = le.AppendUint64(p, 0)
	p = le.AppendUint64(p, textEnd)
	p = le.AppendUint64(p, textEnd)
	_ = le.AppendUint64(p, 0x1000)

	return buf
}

func pad(b []byte, align int) []byte {
	for len(b)%align != 0 {
		b = append(b, 0)
	}
	return b
}
