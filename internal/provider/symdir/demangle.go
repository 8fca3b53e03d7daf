package symdir

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/ianlancetaylor/demangle"
)

const demangleCacheSize = 1 << 14

// demangler memoizes demangled names.
type demangler struct {
	mu    sync.Mutex
	cache *simplelru.LRU[string, string]
	hits  uint64
	total uint64
}

var names = newDemangler(demangleCacheSize)

func newDemangler(size int) *demangler {
	cache, err := simplelru.NewLRU[string, string](size, nil)
	if err != nil {
		panic(err)
	}
	return &demangler{cache: cache}
}

func (d *demangler) demangle(mangled string) string {
	d.mu.Lock()
	d.total++
	if s, ok := d.cache.Get(mangled); ok {
		d.hits++
		d.mu.Unlock()
		return s
	}
	d.mu.Unlock()

	s := demangle.Filter(mangled, demangle.NoClones)

	d.mu.Lock()
	d.cache.Add(mangled, s)
	d.mu.Unlock()
	return s
}

func (d *demangler) stats() (entries int, hits, total uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache.Len(), d.hits, d.total
}

// demangleName returns the readable form of a linkage name, or name itself
// when it is not mangled.
func demangleName(name string) string {
	return names.demangle(name)
}
