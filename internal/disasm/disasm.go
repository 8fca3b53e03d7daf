// Package disasm defines a common instruction representation and the
// architecture-specific decoders that produce it.
package disasm

// Inst is a simplified decoded instruction.
type Inst struct {
	Offset      uint64 // byte offset of the instruction within the decoded buffer
	Len         int    // bytes consumed, always >= 1
	Text        string // formatted disassembly string, empty when Undecodable
	Undecodable bool   // bytes could not be decoded
	Raw         []byte // raw encoding, aliases the decoded buffer
}

// Stream is a linear sequence of instructions.
type Stream []Inst

// Covered returns the number of bytes consumed by the stream.
func (s Stream) Covered() int {
	n := 0
	for _, in := range s {
		n += in.Len
	}
	return n
}

// Undecodable returns the number of bytes that were emitted as undecodable markers.
func (s Stream) Undecodable() int {
	n := 0
	for _, in := range s {
		if in.Undecodable {
			n += in.Len
		}
	}
	return n
}
