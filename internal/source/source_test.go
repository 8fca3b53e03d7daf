package source

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"symq/internal/provider"
	"symq/internal/resolver"
)

var key = provider.ModuleKey{DebugName: "libfoo", DebugID: "ABCD1234"}

func newLookup() *Lookup {
	mem := provider.NewMemory().Add(key, &provider.MemoryModule{
		Symbols: []provider.Symbol{
			{Address: 0x100, Size: 0x40, Name: "foo", File: "foo.c", Line: 10, Inlines: []provider.InlineFrame{
				{Function: provider.String("helper"), File: provider.String("helper.h"), Line: provider.Uint32(2)},
			}},
			{Address: 0x200, Size: 0x10, Name: "bar", File: "bar.c", Line: 1},
		},
		Sources: map[string]string{
			"foo.c":    "int foo(void) { return helper(); }\n",
			"helper.h": "static inline int helper(void) { return 1; }\n",
		},
	})
	return New(resolver.New(mem, nil), mem, nil)
}

func TestLookup(t *testing.T) {
	l := newLookup()
	ctx := context.Background()

	res, err := l.Lookup(ctx, key, 0x104, "foo.c")
	require.NoError(t, err)
	assert.Contains(t, string(res.Source), "int foo")

	res, err = l.Lookup(ctx, key, 0x104, "helper.h")
	require.NoError(t, err)
	assert.Equal(t, "helper.h", res.File)
}

func TestLookupErrors(t *testing.T) {
	l := newLookup()
	ctx := context.Background()

	_, err := l.Lookup(ctx, key, 0x104, "/etc/passwd")
	assert.ErrorIs(t, err, ErrFileNotReferenced)

	_, err = l.Lookup(ctx, key, 0x500, "foo.c")
	assert.ErrorIs(t, err, ErrFileNotReferenced, "unsymbolized address references no files")

	_, err = l.Lookup(ctx, key, 0x200, "bar.c")
	assert.ErrorIs(t, err, provider.ErrSourceNotFound)

	_, err = l.Lookup(ctx, provider.ModuleKey{DebugName: "nope"}, 0x100, "foo.c")
	assert.ErrorIs(t, err, provider.ErrModuleNotFound)
}
