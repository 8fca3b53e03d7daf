// Package symdir implements the provider interfaces over directories of
// binaries and debug files laid out by module name and debug id.
package symdir

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"symq/internal/disasm"
	"symq/internal/elfx"
	"symq/internal/provider"
)

const DefaultCacheSize = 64

type Config struct {
	// Dirs are searched in order for each module.
	Dirs []string
	// SourceRoots are searched in order for source files. When empty, source
	// paths are read as they are.
	SourceRoots []string
	// CacheSize bounds the number of open modules.
	CacheSize int
	// Fs defaults to the OS filesystem, which also enables mmap.
	Fs afero.Fs
}

var (
	errParse = errors.New("parse debug file")
	errSkip  = errors.New("candidate does not match module")
)

type role uint8

const (
	roleSymbols role = iota
	roleBytes
)

type cacheKey struct {
	key  provider.ModuleKey
	role role
}

func (k cacheKey) String() string {
	if k.role == roleBytes {
		return k.key.String() + "#bytes"
	}
	return k.key.String()
}

type symbolTable interface {
	// lookup resolves a module-relative address.
	lookup(rel uint64) (*provider.Frame, error)
	arch() disasm.Arch
	close() error
}

// module is one cache entry. Either table or image is set, or err for a
// negative entry.
type module struct {
	path  string
	table symbolTable
	image *elfx.Image
	err   error

	// mu serializes table lookups.
	mu sync.Mutex

	// Guarded by Provider.mu.
	refs    int
	evicted bool
	closed  bool
}

func (m *module) close() error {
	switch {
	case m.table != nil:
		return m.table.close()
	case m.image != nil:
		return m.image.Close()
	}
	return nil
}

// Provider serves symbols, code bytes and source files from symbol
// directories. Open modules are cached; a module evicted while in use is
// closed when its last user releases it.
type Provider struct {
	cfg     Config
	fs      afero.Fs
	mmap    bool
	sources []afero.Fs
	logger  *log.Logger

	mu    sync.Mutex
	cache *lru.Cache[cacheKey, *module]
	loads singleflight.Group
}

var _ provider.Provider = (*Provider)(nil)

func New(cfg Config, logger *log.Logger) (*Provider, error) {
	if len(cfg.Dirs) == 0 {
		return nil, errors.New("symdir: no symbol directories configured")
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultCacheSize
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = log.Default()
	}

	p := &Provider{
		cfg:     cfg,
		fs:      cfg.Fs,
		sources: sourceRoots(cfg.Fs, cfg.SourceRoots),
		logger:  logger,
	}
	_, p.mmap = cfg.Fs.(*afero.OsFs)

	cache, err := lru.NewWithEvict(cfg.CacheSize, p.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create module cache: %w", err)
	}
	p.cache = cache
	return p, nil
}

// Close evicts every cached module.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Purge()

	entries, hits, total := names.stats()
	p.logger.Debug("closed symbol provider", "demangled_names", entries, "demangle_hits", hits, "demangle_lookups", total)
	return nil
}

// onEvict runs inside cache calls, which are made with p.mu held.
func (p *Provider) onEvict(_ cacheKey, m *module) {
	m.evicted = true
	if m.refs == 0 {
		p.closeModule(m)
	}
}

func (p *Provider) closeModule(m *module) {
	if m.closed {
		return
	}
	m.closed = true
	if err := m.close(); err != nil {
		p.logger.Warn("close module", "path", m.path, "err", err)
	}
}

func (p *Provider) ref(ck cacheKey) (*module, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.cache.Get(ck)
	if !ok {
		return nil, false
	}
	return m, p.refLocked(m)
}

func (p *Provider) refModule(m *module) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refLocked(m)
}

func (p *Provider) refLocked(m *module) bool {
	if m.closed {
		return false
	}
	m.refs++
	return true
}

func (p *Provider) release(m *module) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m.refs--
	if m.refs == 0 && m.evicted {
		p.closeModule(m)
	}
}

// acquire returns a referenced module; callers must release it.
func (p *Provider) acquire(ctx context.Context, ck cacheKey) (*module, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m, ok := p.ref(ck)
		if !ok {
			ch := p.loads.DoChan(ck.String(), func() (any, error) {
				return p.loadAndCache(ck)
			})
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case r := <-ch:
				if r.Err != nil {
					return nil, r.Err
				}
				m = r.Val.(*module)
			}
			// Evicted and closed before we could use it; load again.
			if !p.refModule(m) {
				continue
			}
		}
		if m.err != nil {
			p.release(m)
			return nil, m.err
		}
		return m, nil
	}
}

// loadAndCache opens ck and caches the result. Missing and unparsable modules
// are cached as negative entries; other errors are returned uncached.
func (p *Provider) loadAndCache(ck cacheKey) (*module, error) {
	m, err := p.load(ck)
	if err != nil {
		if !errors.Is(err, provider.ErrModuleNotFound) && provider.ReasonOf(err) != provider.ReasonParse {
			return nil, err
		}
		m = &module{err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.cache.Peek(ck); ok && !cur.closed {
		p.closeModule(m)
		return cur, nil
	}
	p.cache.Add(ck, m)
	return m, nil
}

func (p *Provider) load(ck cacheKey) (*module, error) {
	var parseErr error
	for _, dir := range p.cfg.Dirs {
		cands := symbolCandidates(dir, ck.key)
		if ck.role == roleBytes {
			cands = binaryCandidates(dir, ck.key)
		}
		for _, c := range cands {
			m, err := p.open(c, ck)
			switch {
			case err == nil:
				p.logger.Debug("opened module", "module", ck, "path", c.path, "kind", c.kind)
				return m, nil
			case errors.Is(err, fs.ErrNotExist):
			case errors.Is(err, errSkip):
				p.logger.Debug("skipping candidate", "module", ck, "path", c.path, "err", err)
			case errors.Is(err, errParse):
				p.logger.Warn("unreadable debug file", "module", ck, "path", c.path, "err", err)
				parseErr = err
			default:
				return nil, provider.Fail(provider.ReasonIO, err)
			}
		}
	}
	if parseErr != nil {
		return nil, provider.Fail(provider.ReasonParse, parseErr)
	}
	return nil, provider.ErrModuleNotFound
}

func (p *Provider) open(c candidate, ck cacheKey) (*module, error) {
	fi, err := p.fs.Stat(c.path)
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		return nil, fs.ErrNotExist
	}

	if c.kind == kindELF && p.mmap && !hasCompressedSuffix(c.path) {
		im, err := elfx.Open(c.path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %w", errParse, err)
		}
		return p.openELF(c, ck, im)
	}

	data, err := afero.ReadFile(p.fs, c.path)
	if err != nil {
		return nil, err
	}
	if data, err = decompress(data); err != nil {
		return nil, fmt.Errorf("%w: %w", errParse, err)
	}

	switch c.kind {
	case kindBreakpad:
		t, err := parseBreakpad(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errParse, err)
		}
		if ck.key.DebugID != "" && !strings.EqualFold(t.id, ck.key.DebugID) {
			return nil, fmt.Errorf("%w: breakpad id %s", errSkip, t.id)
		}
		return &module{path: c.path, table: t}, nil

	case kindLidia:
		t, err := openLidia(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errParse, err)
		}
		return &module{path: c.path, table: t}, nil
	}

	im, err := elfx.NewImage(c.path, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errParse, err)
	}
	return p.openELF(c, ck, im)
}

func (p *Provider) openELF(c candidate, ck cacheKey, im *elfx.Image) (*module, error) {
	if ck.key.DebugID != "" && !im.MatchesID(ck.key.DebugID) {
		im.Close()
		return nil, fmt.Errorf("%w: build id %x", errSkip, im.BuildID)
	}
	if ck.role == roleBytes {
		if !im.HasCode() {
			im.Close()
			return nil, fmt.Errorf("%w: no code bytes", errSkip)
		}
		return &module{path: c.path, image: im}, nil
	}
	return &module{path: c.path, table: newELFTable(im)}, nil
}

func hasCompressedSuffix(path string) bool {
	for _, s := range compressedSuffixes {
		if strings.HasSuffix(path, s) {
			return true
		}
	}
	return false
}

func (p *Provider) CheckModule(ctx context.Context, key provider.ModuleKey) error {
	m, err := p.acquire(ctx, cacheKey{key, roleSymbols})
	if err != nil {
		return err
	}
	p.release(m)
	return nil
}

func (p *Provider) Lookup(ctx context.Context, key provider.ModuleKey, addr uint64) (*provider.Frame, error) {
	m, err := p.acquire(ctx, cacheKey{key, roleSymbols})
	if err != nil {
		return nil, err
	}
	defer p.release(m)

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table.lookup(addr)
}

// Arch reports the architecture of the module binary, or of its symbol file
// when no binary is available.
func (p *Provider) Arch(ctx context.Context, key provider.ModuleKey) (disasm.Arch, error) {
	m, err := p.acquire(ctx, cacheKey{key, roleBytes})
	if err == nil {
		defer p.release(m)
		return m.image.Arch(), nil
	}
	if !errors.Is(err, provider.ErrModuleNotFound) {
		return disasm.ArchUnknown, err
	}

	m, err = p.acquire(ctx, cacheKey{key, roleSymbols})
	if err != nil {
		return disasm.ArchUnknown, err
	}
	defer p.release(m)
	return m.table.arch(), nil
}

// ReadRange reads from the loaded image of the module binary. addr is
// relative to the image base. Reads stop at the end of the containing
// segment.
func (p *Provider) ReadRange(ctx context.Context, key provider.ModuleKey, addr, length uint64) ([]byte, error) {
	m, err := p.acquire(ctx, cacheKey{key, roleBytes})
	if err != nil {
		return nil, err
	}
	defer p.release(m)

	va := addr + m.image.Base()
	if va < addr {
		return nil, provider.ErrAddressOutOfRange
	}
	b, ok := m.image.ReadRangeVA(va, length)
	if !ok {
		return nil, provider.ErrAddressOutOfRange
	}
	// The image may be unmapped once released.
	return bytes.Clone(b), nil
}
