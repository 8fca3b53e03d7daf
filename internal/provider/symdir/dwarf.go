package symdir

import (
	"debug/dwarf"
	"errors"
	"io"
	"sort"

	"symq/internal/disasm"
	"symq/internal/elfx"
	"symq/internal/provider"
)

// elfTable resolves addresses from DWARF when present and from the ELF
// symbol tables otherwise. Addresses are module-relative. It is not safe for
// concurrent use.
type elfTable struct {
	image *elfx.Image
	dw    *dwarf.Data
	base  uint64

	cuRanges []cuRange
	cuCache  map[dwarf.Offset]*parsedCU
	subCache map[dwarf.Offset][]subprogram
}

type cuRange struct {
	low, high uint64
	entry     *dwarf.Entry
}

type parsedCU struct {
	entries []dwarf.LineEntry
	files   []*dwarf.LineFile
}

type subprogram struct {
	low, high uint64
	entry     *dwarf.Entry
}

func newELFTable(im *elfx.Image) *elfTable {
	t := &elfTable{
		image:    im,
		base:     im.Base(),
		cuCache:  make(map[dwarf.Offset]*parsedCU),
		subCache: make(map[dwarf.Offset][]subprogram),
	}
	if dw, err := im.DWARF(); err == nil {
		t.dw = dw
		t.buildIndex()
	}
	return t
}

func (t *elfTable) arch() disasm.Arch { return t.image.Arch() }

func (t *elfTable) close() error { return t.image.Close() }

func (t *elfTable) hasDWARF() bool { return t.dw != nil && len(t.cuRanges) > 0 }

func (t *elfTable) buildIndex() {
	r := t.dw.Reader()
	for {
		entry, err := r.Next()
		if err != nil || entry == nil {
			break
		}
		if entry.Tag != dwarf.TagCompileUnit {
			r.SkipChildren()
			continue
		}
		ranges, err := t.dw.Ranges(entry)
		if err != nil {
			r.SkipChildren()
			continue
		}
		for _, rng := range ranges {
			t.cuRanges = append(t.cuRanges, cuRange{low: rng[0], high: rng[1], entry: entry})
		}
		r.SkipChildren()
	}
	sort.Slice(t.cuRanges, func(i, j int) bool { return t.cuRanges[i].low < t.cuRanges[j].low })
}

func (t *elfTable) lookup(rel uint64) (*provider.Frame, error) {
	pc := rel + t.base
	if !t.image.Mapped(pc) {
		if _, ok := t.image.FuncAt(pc); !ok {
			return nil, provider.ErrAddressOutOfRange
		}
	}

	var f *provider.Frame
	if t.hasDWARF() {
		f = t.lookupDWARF(pc)
	}
	if fn, ok := t.image.FuncAt(pc); ok {
		if f == nil {
			f = &provider.Frame{}
		}
		if f.Function == nil {
			f.Function = provider.String(demangleName(fn.Name))
		}
		if f.FunctionOffset == nil {
			f.FunctionOffset = provider.Uint64(pc - fn.Addr)
			f.FunctionSize = provider.Uint64(fn.Size)
		}
	}
	if f.IsEmpty() {
		return nil, provider.ErrAddressNotFound
	}
	return f, nil
}

func (t *elfTable) findCU(pc uint64) *dwarf.Entry {
	i := sort.Search(len(t.cuRanges), func(i int) bool { return t.cuRanges[i].high > pc })
	if i < len(t.cuRanges) && t.cuRanges[i].low <= pc {
		return t.cuRanges[i].entry
	}
	return nil
}

func (t *elfTable) parsedCU(cu *dwarf.Entry) (*parsedCU, error) {
	if p, ok := t.cuCache[cu.Offset]; ok {
		return p, nil
	}

	lr, err := t.dw.LineReader(cu)
	if err != nil {
		return nil, err
	}
	if lr == nil {
		return nil, errors.New("no line table")
	}
	var (
		entries []dwarf.LineEntry
		entry   dwarf.LineEntry
	)
	for {
		if err := lr.Next(&entry); err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Address < entries[j].Address })

	p := &parsedCU{entries: entries, files: lr.Files()}
	t.cuCache[cu.Offset] = p
	return p, nil
}

func (t *elfTable) subprograms(cu *dwarf.Entry) []subprogram {
	if subs, ok := t.subCache[cu.Offset]; ok {
		return subs
	}

	var subs []subprogram
	r := t.dw.Reader()
	r.Seek(cu.Offset)
	r.Next()
	t.collectSubprograms(r, &subs)
	sort.Slice(subs, func(i, j int) bool { return subs[i].low < subs[j].low })

	t.subCache[cu.Offset] = subs
	return subs
}

// collectSubprograms gathers subprograms with code, descending into
// namespaces and types where C++ compilers may nest definitions.
func (t *elfTable) collectSubprograms(r *dwarf.Reader, subs *[]subprogram) {
	for {
		entry, err := r.Next()
		if err != nil || entry == nil || entry.Tag == 0 {
			return
		}
		switch entry.Tag {
		case dwarf.TagSubprogram:
			if ranges, err := t.dw.Ranges(entry); err == nil {
				for _, rng := range ranges {
					*subs = append(*subs, subprogram{low: rng[0], high: rng[1], entry: entry})
				}
			}
		case dwarf.TagNamespace, dwarf.TagClassType, dwarf.TagStructType:
			if entry.Children {
				t.collectSubprograms(r, subs)
				continue
			}
		}
		if entry.Children {
			r.SkipChildren()
		}
	}
}

func (t *elfTable) lineAt(p *parsedCU, pc uint64) (dwarf.LineEntry, bool) {
	i := sort.Search(len(p.entries), func(i int) bool { return p.entries[i].Address > pc })
	if i == 0 {
		return dwarf.LineEntry{}, false
	}
	e := p.entries[i-1]
	if e.EndSequence {
		return dwarf.LineEntry{}, false
	}
	return e, true
}

func (t *elfTable) lookupDWARF(pc uint64) *provider.Frame {
	cu := t.findCU(pc)
	if cu == nil {
		return nil
	}
	p, err := t.parsedCU(cu)
	if err != nil {
		return nil
	}

	f := &provider.Frame{}
	line, hasLine := t.lineAt(p, pc)

	var fn *subprogram
	subs := t.subprograms(cu)
	i := sort.Search(len(subs), func(i int) bool { return subs[i].high > pc })
	if i < len(subs) && subs[i].low <= pc {
		fn = &subs[i]
	}
	if fn == nil {
		if hasLine {
			f.File = fileName(line.File)
			f.Line = lineNumber(line.Line)
		}
		return f
	}

	f.Function = t.name(fn.entry)
	f.FunctionOffset = provider.Uint64(pc - fn.low)
	f.FunctionSize = provider.Uint64(fn.high - fn.low)

	// Inlined subroutines covering pc, outermost first.
	var chain []*dwarf.Entry
	if fn.entry.Children {
		r := t.dw.Reader()
		r.Seek(fn.entry.Offset)
		r.Next()
		t.findInlined(r, pc, &chain)
	}

	if len(chain) == 0 {
		if hasLine {
			f.File = fileName(line.File)
			f.Line = lineNumber(line.Line)
		}
		return f
	}

	f.File, f.Line = callSite(chain[0], p.files)
	f.Inlines = make([]provider.InlineFrame, len(chain))
	for i, e := range chain {
		in := provider.InlineFrame{Function: t.name(e)}
		if i+1 < len(chain) {
			in.File, in.Line = callSite(chain[i+1], p.files)
		} else if hasLine {
			in.File = fileName(line.File)
			in.Line = lineNumber(line.Line)
		}
		f.Inlines[i] = in
	}
	return f
}

// findInlined appends the inlined subroutines covering pc below the current
// reader position. Lexical blocks are searched but not recorded.
func (t *elfTable) findInlined(r *dwarf.Reader, pc uint64, chain *[]*dwarf.Entry) {
	for {
		entry, err := r.Next()
		if err != nil || entry == nil || entry.Tag == 0 {
			return
		}
		if !t.covers(entry, pc) {
			if entry.Children {
				r.SkipChildren()
			}
			continue
		}
		if entry.Tag == dwarf.TagInlinedSubroutine {
			*chain = append(*chain, entry)
		}
		if entry.Children {
			t.findInlined(r, pc, chain)
		}
		return
	}
}

func (t *elfTable) covers(e *dwarf.Entry, pc uint64) bool {
	if e.Tag != dwarf.TagInlinedSubroutine && e.Tag != dwarf.TagLexDwarfBlock {
		return false
	}
	ranges, err := t.dw.Ranges(e)
	if err != nil {
		return false
	}
	for _, rng := range ranges {
		if pc >= rng[0] && pc < rng[1] {
			return true
		}
	}
	return false
}

// name prefers the demangled linkage name and follows abstract origins and
// specifications to find one.
func (t *elfTable) name(e *dwarf.Entry) *string {
	var plain string
	for range 4 {
		if ln, ok := e.Val(dwarf.AttrLinkageName).(string); ok && ln != "" {
			return provider.String(demangleName(ln))
		}
		if n, ok := e.Val(dwarf.AttrName).(string); ok && plain == "" {
			plain = n
		}
		off, ok := e.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset)
		if !ok {
			off, ok = e.Val(dwarf.AttrSpecification).(dwarf.Offset)
		}
		if !ok {
			break
		}
		r := t.dw.Reader()
		r.Seek(off)
		next, err := r.Next()
		if err != nil || next == nil {
			break
		}
		e = next
	}
	if plain == "" {
		return nil
	}
	return provider.String(plain)
}

func callSite(e *dwarf.Entry, files []*dwarf.LineFile) (*string, *uint32) {
	var (
		file *string
		line *uint32
	)
	if idx, ok := e.Val(dwarf.AttrCallFile).(int64); ok && idx >= 0 && int(idx) < len(files) {
		file = fileName(files[idx])
	}
	if l, ok := e.Val(dwarf.AttrCallLine).(int64); ok && l > 0 {
		line = provider.Uint32(uint32(l))
	}
	return file, line
}

func fileName(f *dwarf.LineFile) *string {
	if f == nil || f.Name == "" {
		return nil
	}
	return provider.String(f.Name)
}

func lineNumber(n int) *uint32 {
	if n <= 0 {
		return nil
	}
	return provider.Uint32(uint32(n))
}
