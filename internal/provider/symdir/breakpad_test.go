package symdir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"symq/internal/disasm"
	"symq/internal/provider"
)

const appSym = `MODULE Linux x86_64 0123456789ABCDEF0123456789ABCDEF0 app
INFO CODE_ID 0123456789abcdef
FILE 0 /src/main.c
FILE 1 /src/util.h
INLINE_ORIGIN 0 helper
INLINE_ORIGIN 1 inner
FUNC 1000 40 0 main
INLINE 0 12 0 0 1010 20
INLINE 1 30 1 1 1018 8
1000 10 10 0
1010 8 31 1
1018 8 40 1
1020 20 14 0
FUNC m 2000 10 0 _ZN3foo3barEv
2000 10 7 0
PUBLIC 3000 0 exported_thing
STACK CFI INIT 1000 40 .cfa: $rsp 8 +
`

func TestParseBreakpad(t *testing.T) {
	tbl, err := parseBreakpad([]byte(appSym))
	require.NoError(t, err)

	assert.Equal(t, "0123456789ABCDEF0123456789ABCDEF0", tbl.id)
	assert.Equal(t, "app", tbl.name)
	assert.Equal(t, disasm.X86_64, tbl.arch())
	require.Len(t, tbl.funcs, 2)
	assert.Len(t, tbl.funcs[0].lines, 4)
	assert.Len(t, tbl.funcs[0].inlines, 2)
	require.Len(t, tbl.publics, 1)
}

func TestParseBreakpadErrors(t *testing.T) {
	tests := map[string]string{
		"missing module": "FILE 0 a.c\n",
		"bad func":       "MODULE Linux x86_64 ID app\nFUNC zz 10 0 f\n",
		"orphan line":    "MODULE Linux x86_64 ID app\n1000 10 1 0\n",
		"orphan inline":  "MODULE Linux x86_64 ID app\nINLINE 0 1 0 0 10 4\n",
		"short inline":   "MODULE Linux x86_64 ID app\nFUNC 10 10 0 f\nINLINE 0 1 0 0 10\n",
		"bad module":     "MODULE Linux\n",
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := parseBreakpad([]byte(in))
			assert.Error(t, err)
		})
	}
}

func TestBreakpadLookup(t *testing.T) {
	tbl, err := parseBreakpad([]byte(appSym))
	require.NoError(t, err)

	t.Run("inlined", func(t *testing.T) {
		f, err := tbl.lookup(0x101a)
		require.NoError(t, err)
		assert.Equal(t, "main", *f.Function)
		assert.Equal(t, uint64(0x1a), *f.FunctionOffset)
		assert.Equal(t, uint64(0x40), *f.FunctionSize)
		assert.Equal(t, "/src/main.c", *f.File)
		assert.Equal(t, uint32(12), *f.Line)

		require.Len(t, f.Inlines, 2)
		assert.Equal(t, "helper", *f.Inlines[0].Function)
		assert.Equal(t, "/src/util.h", *f.Inlines[0].File)
		assert.Equal(t, uint32(30), *f.Inlines[0].Line)
		assert.Equal(t, "inner", *f.Inlines[1].Function)
		assert.Equal(t, "/src/util.h", *f.Inlines[1].File)
		assert.Equal(t, uint32(40), *f.Inlines[1].Line)
	})

	t.Run("one level", func(t *testing.T) {
		f, err := tbl.lookup(0x1024)
		require.NoError(t, err)
		require.Len(t, f.Inlines, 1)
		assert.Equal(t, uint32(12), *f.Line)
		assert.Equal(t, "helper", *f.Inlines[0].Function)
		assert.Equal(t, uint32(14), *f.Inlines[0].Line)
	})

	t.Run("plain", func(t *testing.T) {
		f, err := tbl.lookup(0x1004)
		require.NoError(t, err)
		assert.Equal(t, "main", *f.Function)
		assert.Equal(t, "/src/main.c", *f.File)
		assert.Equal(t, uint32(10), *f.Line)
		assert.Empty(t, f.Inlines)
	})

	t.Run("demangled", func(t *testing.T) {
		f, err := tbl.lookup(0x2004)
		require.NoError(t, err)
		assert.Equal(t, "foo::bar()", *f.Function)
		assert.Equal(t, uint32(7), *f.Line)
	})

	t.Run("public", func(t *testing.T) {
		f, err := tbl.lookup(0x3010)
		require.NoError(t, err)
		assert.Equal(t, "exported_thing", *f.Function)
		assert.Equal(t, uint64(0x10), *f.FunctionOffset)
		assert.Nil(t, f.FunctionSize)
		assert.Nil(t, f.File)
	})

	for _, addr := range []uint64{0x500, 0x1040, 0x2014} {
		_, err := tbl.lookup(addr)
		assert.ErrorIs(t, err, provider.ErrAddressNotFound, "0x%x", addr)
	}
}
