// Package colorize renders disassembly listings for terminals.
package colorize

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/charmbracelet/lipgloss/v2"
	"github.com/charmbracelet/x/exp/charmtone"

	"symq/internal/disasm"
)

// NoColorEnv disables colors when set to any non-empty value.
const NoColorEnv = "SYMQ_NO_COLOR"

var (
	addrStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	bytesStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(charmtone.Squid.Hex()))
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color(charmtone.Cherry.Hex()))
)

// Line is one entry of a listing.
type Line struct {
	Addr uint64
	// Bytes is the hex encoding shown next to the address. May be empty.
	Bytes string
	Text  string
	// Undecodable lines print Bytes as a data directive.
	Undecodable bool
}

// Enabled reports whether colors are on for this process.
func Enabled() bool {
	return os.Getenv(NoColorEnv) == ""
}

// lexer picks the chroma lexer matching the text the decoder emits for arch.
func lexer(arch disasm.Arch, syntax disasm.Syntax) chroma.Lexer {
	var candidates []string
	switch {
	case arch.IsX86() && syntax == disasm.SyntaxATT:
		candidates = []string{"gas", "nasm"}
	case arch.IsX86():
		candidates = []string{"nasm", "gas"}
	default:
		candidates = []string{"armasm", "gas"}
	}
	for _, name := range candidates {
		if l := lexers.Get(name); l != nil {
			return l
		}
	}
	return nil
}

func style() *chroma.Style {
	for _, name := range []string{DisasmDark.Name, "dracula", "monokai"} {
		if s := styles.Get(name); s != nil {
			return s
		}
	}
	return styles.Fallback
}

func formatter() chroma.Formatter {
	for _, name := range []string{"terminal16m", "terminal256"} {
		if f := formatters.Get(name); f != nil {
			return f
		}
	}
	return formatters.Fallback
}

// Code highlights assembly text for arch. It returns code unchanged when
// colors are disabled or no lexer is available.
func Code(arch disasm.Arch, syntax disasm.Syntax, code string) (string, error) {
	if !Enabled() {
		return code, nil
	}
	l := lexer(arch, syntax)
	if l == nil {
		return code, nil
	}
	it, err := l.Tokenise(nil, code)
	if err != nil {
		return code, err
	}
	var buf strings.Builder
	if err := formatter().Format(&buf, style(), it); err != nil {
		return code, err
	}
	return buf.String(), nil
}

// Listing renders lines as "address  bytes  text", one per row, with the
// bytes column padded to the widest entry.
func Listing(arch disasm.Arch, syntax disasm.Syntax, lines []Line) string {
	color := Enabled()
	width := 0
	for _, ln := range lines {
		width = max(width, len(ln.Bytes))
	}

	var b strings.Builder
	for _, ln := range lines {
		addr := fmt.Sprintf("%016x", ln.Addr)
		raw := ln.Bytes
		pad := strings.Repeat(" ", width-len(ln.Bytes))
		text := ln.Text
		if ln.Undecodable {
			text = "(bad)"
		}

		if color {
			addr = addrStyle.Render(addr)
			if raw != "" {
				raw = bytesStyle.Render(raw)
			}
			if ln.Undecodable {
				text = badStyle.Render(text)
			} else if colored, err := Code(arch, syntax, text); err == nil {
				text = strings.TrimRight(colored, "\n")
			}
		}
		fmt.Fprintf(&b, "%s  %s%s  %s\n", addr, raw, pad, text)
	}
	return b.String()
}

// StripANSI removes SGR escape sequences.
func StripANSI(s string) string {
	var b strings.Builder
	inEscape := false
	for _, r := range s {
		switch {
		case r == '\x1b':
			inEscape = true
		case inEscape:
			if r == 'm' {
				inEscape = false
			}
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// VisibleWidth counts the runes of s outside escape sequences.
func VisibleWidth(s string) int {
	return len([]rune(StripANSI(s)))
}
