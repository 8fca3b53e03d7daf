package colorize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"symq/internal/disasm"
)

var listing = []Line{
	{Addr: 0x2000, Bytes: "4889e5", Text: "mov rbp, rsp"},
	{Addr: 0x2003, Bytes: "0f", Undecodable: true},
	{Addr: 0x2004, Bytes: "c3", Text: "ret"},
}

func TestListingPlain(t *testing.T) {
	t.Setenv(NoColorEnv, "1")
	assert.False(t, Enabled())

	out := Listing(disasm.X86_64, disasm.SyntaxIntel, listing)
	assert.Equal(t, ""+
		"0000000000002000  4889e5  mov rbp, rsp\n"+
		"0000000000002003  0f      (bad)\n"+
		"0000000000002004  c3      ret\n", out)
}

func TestListingColored(t *testing.T) {
	t.Setenv(NoColorEnv, "")
	require.True(t, Enabled())

	colored := Listing(disasm.X86_64, disasm.SyntaxIntel, listing)
	assert.Contains(t, colored, "\x1b[")

	t.Setenv(NoColorEnv, "1")
	plain := Listing(disasm.X86_64, disasm.SyntaxIntel, listing)
	assert.Equal(t, plain, StripANSI(colored))
}

func TestCodePerArch(t *testing.T) {
	t.Setenv(NoColorEnv, "")
	for _, tc := range []struct {
		arch   disasm.Arch
		syntax disasm.Syntax
		code   string
	}{
		{disasm.X86_64, disasm.SyntaxIntel, "mov rbp, rsp"},
		{disasm.X86_64, disasm.SyntaxATT, "mov %rsp, %rbp"},
		{disasm.ARM64, disasm.SyntaxIntel, "add x0, x1, #0x10"},
		{disasm.ARM, disasm.SyntaxIntel, "bx lr"},
	} {
		out, err := Code(tc.arch, tc.syntax, tc.code)
		require.NoError(t, err)
		assert.Equal(t, tc.code, strings.TrimRight(StripANSI(out), "\n"), tc.arch.String())
	}
}

func TestVisibleWidth(t *testing.T) {
	assert.Equal(t, 3, VisibleWidth("\x1b[38;2;1;2;3mabc\x1b[0m"))
	assert.Equal(t, 0, VisibleWidth(""))
}
