package symdir

import (
	"path/filepath"
	"strings"

	"symq/internal/provider"
)

type fileKind uint8

const (
	kindELF fileKind = iota
	kindBreakpad
	kindLidia
)

func (k fileKind) String() string {
	switch k {
	case kindBreakpad:
		return "breakpad"
	case kindLidia:
		return "lidia"
	}
	return "elf"
}

type candidate struct {
	path string
	kind fileKind
}

// compressedSuffixes are tried after each plain candidate path.
var compressedSuffixes = []string{".gz", ".zst"}

// symbolCandidates lists the files that may hold symbols for key in dir, most
// specific first: split debug files, dSYM bundles, breakpad and lidia tables
// stored under the debug id, and finally the binary itself.
func symbolCandidates(dir string, key provider.ModuleKey) []candidate {
	name := key.DebugName
	if !validName(name) {
		return nil
	}

	var out []candidate
	if strings.HasSuffix(name, ".so") || strings.Contains(name, ".so.") {
		out = append(out, candidate{filepath.Join(dir, name+".dbg"), kindELF})
	}
	if !strings.HasSuffix(name, ".pdb") {
		out = append(out, candidate{filepath.Join(dir, name+".dSYM", "Contents", "Resources", "DWARF", name), kindELF})
	}
	if validName(key.DebugID) {
		base := strings.TrimSuffix(name, ".pdb")
		out = append(out,
			candidate{filepath.Join(dir, name, key.DebugID, base+".sym"), kindBreakpad},
			candidate{filepath.Join(dir, name, key.DebugID, base+".lidia"), kindLidia},
			candidate{filepath.Join(dir, name, key.DebugID, name), kindELF},
		)
	}
	out = append(out, candidate{filepath.Join(dir, name), kindELF})
	return withCompressed(out)
}

// binaryCandidates lists the files that may hold the code bytes of key,
// preferring full binaries over split debug files whose text is stripped.
func binaryCandidates(dir string, key provider.ModuleKey) []candidate {
	name := key.DebugName
	if !validName(name) {
		return nil
	}

	out := []candidate{{filepath.Join(dir, name), kindELF}}
	if validName(key.DebugID) {
		out = append(out, candidate{filepath.Join(dir, name, key.DebugID, name), kindELF})
	}
	return withCompressed(out)
}

func withCompressed(in []candidate) []candidate {
	out := make([]candidate, 0, len(in)*(1+len(compressedSuffixes)))
	for _, c := range in {
		out = append(out, c)
		for _, s := range compressedSuffixes {
			out = append(out, candidate{c.path + s, c.kind})
		}
	}
	return out
}

// validName rejects names that would escape the symbol directory.
func validName(s string) bool {
	if s == "" || s == "." || s == ".." {
		return false
	}
	return !strings.ContainsAny(s, `/\`) && !strings.Contains(s, "\x00")
}
