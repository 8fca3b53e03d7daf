package symdir

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDemangler(t *testing.T) {
	d := newDemangler(2)

	assert.Equal(t, "bar()", d.demangle("_Z3barv"))
	assert.Equal(t, "bar()", d.demangle("_Z3barv"))
	assert.Equal(t, "main", d.demangle("main"))
	assert.Equal(t, "foo()", d.demangle("_Z3foov.cold"))

	entries, hits, total := d.stats()
	assert.Equal(t, 2, entries)
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(4), total)
}
