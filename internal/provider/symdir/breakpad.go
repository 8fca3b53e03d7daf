package symdir

import (
	"bufio"
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"symq/internal/disasm"
	"symq/internal/provider"
)

// breakpadTable is a parsed breakpad text symbol file. Addresses in the file
// are module-relative. It is read-only after parsing.
type breakpadTable struct {
	id, name string
	cpu      disasm.Arch
	files    map[int]string
	origins  map[int]string
	funcs    []bpFunc
	publics  []bpPublic
}

type bpFunc struct {
	addr, size uint64
	name       string
	lines      []bpLine
	inlines    []bpInline
}

type bpLine struct {
	addr, size uint64
	line       uint32
	file       int
}

type bpInline struct {
	depth    int
	callLine uint32
	callFile int
	origin   int
	ranges   [][2]uint64
}

type bpPublic struct {
	addr uint64
	name string
}

func parseBreakpad(data []byte) (*breakpadTable, error) {
	t := &breakpadTable{
		files:   make(map[int]string),
		origins: make(map[int]string),
	}

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 16<<20)

	var (
		cur *bpFunc
		n   int
	)
	for sc.Scan() {
		n++
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		record, rest, _ := strings.Cut(line, " ")
		var err error
		switch record {
		case "MODULE":
			err = t.parseModule(rest)
		case "INFO", "STACK":
		case "FILE":
			err = parseNumbered(rest, t.files)
		case "INLINE_ORIGIN":
			err = parseNumbered(rest, t.origins)
		case "FUNC":
			var fn bpFunc
			fn, err = parseFunc(rest)
			if err == nil {
				t.funcs = append(t.funcs, fn)
				cur = &t.funcs[len(t.funcs)-1]
			}
		case "INLINE":
			if cur == nil {
				err = fmt.Errorf("INLINE outside FUNC")
				break
			}
			var in bpInline
			in, err = parseInline(rest)
			cur.inlines = append(cur.inlines, in)
		case "PUBLIC":
			var pub bpPublic
			pub, err = parsePublic(rest)
			t.publics = append(t.publics, pub)
			cur = nil
		default:
			if cur == nil {
				err = fmt.Errorf("unknown record %q", record)
				break
			}
			var l bpLine
			l, err = parseLine(line)
			cur.lines = append(cur.lines, l)
		}
		if err != nil {
			return nil, fmt.Errorf("breakpad line %d: %w", n, err)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read breakpad symbols: %w", err)
	}
	if t.id == "" {
		return nil, fmt.Errorf("breakpad symbols: missing MODULE record")
	}

	sort.Slice(t.funcs, func(i, j int) bool { return t.funcs[i].addr < t.funcs[j].addr })
	for i := range t.funcs {
		fn := &t.funcs[i]
		sort.Slice(fn.lines, func(i, j int) bool { return fn.lines[i].addr < fn.lines[j].addr })
		sort.SliceStable(fn.inlines, func(i, j int) bool { return fn.inlines[i].depth < fn.inlines[j].depth })
	}
	sort.Slice(t.publics, func(i, j int) bool { return t.publics[i].addr < t.publics[j].addr })
	return t, nil
}

// parseModule reads "os arch id name".
func (t *breakpadTable) parseModule(rest string) error {
	f := strings.SplitN(rest, " ", 4)
	if len(f) != 4 {
		return fmt.Errorf("malformed MODULE record")
	}
	t.cpu = breakpadArch(f[1])
	t.id = f[2]
	t.name = f[3]
	return nil
}

func breakpadArch(s string) disasm.Arch {
	switch strings.ToLower(s) {
	case "x86_64", "amd64":
		return disasm.X86_64
	case "x86", "i386", "i686":
		return disasm.X86_32
	case "arm", "armv7":
		return disasm.ARM
	case "arm64", "aarch64", "arm64e":
		return disasm.ARM64
	}
	return disasm.ArchUnknown
}

func parseNumbered(rest string, into map[int]string) error {
	num, name, ok := strings.Cut(rest, " ")
	if !ok {
		return fmt.Errorf("malformed record %q", rest)
	}
	i, err := strconv.Atoi(num)
	if err != nil {
		return err
	}
	into[i] = name
	return nil
}

func trimMulti(rest string) string {
	if r, ok := strings.CutPrefix(rest, "m "); ok {
		return r
	}
	return rest
}

// parseFunc reads "[m] address size parameter_size name".
func parseFunc(rest string) (bpFunc, error) {
	f := strings.SplitN(trimMulti(rest), " ", 4)
	if len(f) != 4 {
		return bpFunc{}, fmt.Errorf("malformed FUNC record")
	}
	addr, err := strconv.ParseUint(f[0], 16, 64)
	if err != nil {
		return bpFunc{}, err
	}
	size, err := strconv.ParseUint(f[1], 16, 64)
	if err != nil {
		return bpFunc{}, err
	}
	return bpFunc{addr: addr, size: size, name: f[3]}, nil
}

// parsePublic reads "[m] address parameter_size name".
func parsePublic(rest string) (bpPublic, error) {
	f := strings.SplitN(trimMulti(rest), " ", 3)
	if len(f) != 3 {
		return bpPublic{}, fmt.Errorf("malformed PUBLIC record")
	}
	addr, err := strconv.ParseUint(f[0], 16, 64)
	if err != nil {
		return bpPublic{}, err
	}
	return bpPublic{addr: addr, name: f[2]}, nil
}

// parseLine reads "address size line filenum".
func parseLine(line string) (bpLine, error) {
	f := strings.Fields(line)
	if len(f) != 4 {
		return bpLine{}, fmt.Errorf("malformed line record")
	}
	addr, err := strconv.ParseUint(f[0], 16, 64)
	if err != nil {
		return bpLine{}, err
	}
	size, err := strconv.ParseUint(f[1], 16, 64)
	if err != nil {
		return bpLine{}, err
	}
	num, err := strconv.ParseUint(f[2], 10, 32)
	if err != nil {
		return bpLine{}, err
	}
	file, err := strconv.Atoi(f[3])
	if err != nil {
		return bpLine{}, err
	}
	return bpLine{addr: addr, size: size, line: uint32(num), file: file}, nil
}

// parseInline reads "depth call_line call_file origin [address size]+".
func parseInline(rest string) (bpInline, error) {
	f := strings.Fields(rest)
	if len(f) < 6 || len(f)%2 != 0 {
		return bpInline{}, fmt.Errorf("malformed INLINE record")
	}
	var (
		in  bpInline
		err error
	)
	if in.depth, err = strconv.Atoi(f[0]); err != nil {
		return in, err
	}
	callLine, err := strconv.ParseUint(f[1], 10, 32)
	if err != nil {
		return in, err
	}
	in.callLine = uint32(callLine)
	if in.callFile, err = strconv.Atoi(f[2]); err != nil {
		return in, err
	}
	if in.origin, err = strconv.Atoi(f[3]); err != nil {
		return in, err
	}
	for i := 4; i < len(f); i += 2 {
		addr, err := strconv.ParseUint(f[i], 16, 64)
		if err != nil {
			return in, err
		}
		size, err := strconv.ParseUint(f[i+1], 16, 64)
		if err != nil {
			return in, err
		}
		in.ranges = append(in.ranges, [2]uint64{addr, addr + size})
	}
	return in, nil
}

func (t *breakpadTable) arch() disasm.Arch { return t.cpu }

func (t *breakpadTable) close() error { return nil }

func (t *breakpadTable) lookup(rel uint64) (*provider.Frame, error) {
	i := sort.Search(len(t.funcs), func(i int) bool { return t.funcs[i].addr > rel }) - 1
	if i >= 0 && rel < t.funcs[i].addr+t.funcs[i].size {
		return t.lookupFunc(&t.funcs[i], rel), nil
	}

	// A PUBLIC symbol covers addresses up to the next FUNC or PUBLIC.
	j := sort.Search(len(t.publics), func(j int) bool { return t.publics[j].addr > rel }) - 1
	if j < 0 {
		return nil, provider.ErrAddressNotFound
	}
	pub := t.publics[j]
	if i >= 0 && t.funcs[i].addr > pub.addr {
		return nil, provider.ErrAddressNotFound
	}
	return &provider.Frame{
		Function:       provider.String(demangleName(pub.name)),
		FunctionOffset: provider.Uint64(rel - pub.addr),
	}, nil
}

func (t *breakpadTable) lookupFunc(fn *bpFunc, rel uint64) *provider.Frame {
	f := &provider.Frame{
		Function:       provider.String(demangleName(fn.name)),
		FunctionOffset: provider.Uint64(rel - fn.addr),
		FunctionSize:   provider.Uint64(fn.size),
	}

	var (
		file *string
		line *uint32
	)
	k := sort.Search(len(fn.lines), func(k int) bool { return fn.lines[k].addr > rel }) - 1
	if k >= 0 && rel < fn.lines[k].addr+fn.lines[k].size {
		file = t.file(fn.lines[k].file)
		line = lineNumber(int(fn.lines[k].line))
	}

	var chain []*bpInline
	for n := range fn.inlines {
		in := &fn.inlines[n]
		if in.depth == len(chain) && in.covers(rel) {
			chain = append(chain, in)
		}
	}
	if len(chain) == 0 {
		f.File, f.Line = file, line
		return f
	}

	f.File, f.Line = t.file(chain[0].callFile), lineNumber(int(chain[0].callLine))
	f.Inlines = make([]provider.InlineFrame, len(chain))
	for n, in := range chain {
		frame := provider.InlineFrame{}
		if name, ok := t.origins[in.origin]; ok {
			frame.Function = provider.String(demangleName(name))
		}
		if n+1 < len(chain) {
			frame.File, frame.Line = t.file(chain[n+1].callFile), lineNumber(int(chain[n+1].callLine))
		} else {
			frame.File, frame.Line = file, line
		}
		f.Inlines[n] = frame
	}
	return f
}

func (t *breakpadTable) file(n int) *string {
	if name, ok := t.files[n]; ok && name != "" {
		return provider.String(name)
	}
	return nil
}

func (in *bpInline) covers(rel uint64) bool {
	for _, r := range in.ranges {
		if rel >= r[0] && rel < r[1] {
			return true
		}
	}
	return false
}
