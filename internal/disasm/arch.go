package disasm

import (
	"fmt"
	"strings"
)

// Arch selects the instruction set used to decode a buffer. It is always
// supplied by the caller and never guessed from the bytes.
type Arch uint8

const (
	ArchUnknown Arch = iota
	X86_16
	X86_32
	X86_64
	ARM
	ARM64
)

var archNames = map[Arch]string{
	ArchUnknown: "unknown",
	X86_16:      "x86_16",
	X86_32:      "x86",
	X86_64:      "x86_64",
	ARM:         "arm",
	ARM64:       "arm64",
}

func (a Arch) String() string {
	if s, ok := archNames[a]; ok {
		return s
	}
	return fmt.Sprintf("arch(%d)", uint8(a))
}

// ParseArch accepts the names produced by String plus a few common aliases.
func ParseArch(s string) (Arch, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "x86_16", "i8086", "16":
		return X86_16, nil
	case "x86", "i386", "i686", "x86_32":
		return X86_32, nil
	case "x86_64", "amd64", "x64":
		return X86_64, nil
	case "arm", "arm32", "armv7":
		return ARM, nil
	case "arm64", "aarch64":
		return ARM64, nil
	}
	return ArchUnknown, fmt.Errorf("unknown architecture %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (a Arch) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Arch) UnmarshalText(b []byte) error {
	v, err := ParseArch(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Syntax selects the operand rendering for x86. ARM targets always use GNU syntax.
type Syntax uint8

const (
	SyntaxIntel Syntax = iota
	SyntaxATT
)

func (s Syntax) String() string {
	if s == SyntaxATT {
		return "att"
	}
	return "intel"
}

// ParseSyntax maps "intel" and "att"/"gnu" to a Syntax. Empty means Intel.
func ParseSyntax(s string) (Syntax, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "intel":
		return SyntaxIntel, nil
	case "att", "gnu", "at&t":
		return SyntaxATT, nil
	}
	return SyntaxIntel, fmt.Errorf("unknown syntax %q", s)
}

// IsX86 reports whether a has selectable operand syntax.
func (a Arch) IsX86() bool {
	return a == X86_16 || a == X86_32 || a == X86_64
}
