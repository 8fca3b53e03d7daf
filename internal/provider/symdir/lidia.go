package symdir

import (
	"bytes"
	"fmt"
	"io"
	"slices"

	"github.com/grafana/pyroscope/lidia"

	"symq/internal/disasm"
	"symq/internal/provider"
)

// readerAtCloser serves a lidia table from memory.
type readerAtCloser struct {
	*bytes.Reader
	io.Closer
}

func newReaderAtCloser(data []byte) *readerAtCloser {
	return &readerAtCloser{
		Reader: bytes.NewReader(data),
		Closer: io.NopCloser(nil),
	}
}

// lidiaTable resolves addresses from a lidia file. Lidia tables are built
// from the module with its link-time addresses, so lookups take
// module-relative addresses as they are. Not safe for concurrent use.
type lidiaTable struct {
	table  *lidia.Table
	frames []lidia.SourceInfoFrame
}

func openLidia(data []byte) (*lidiaTable, error) {
	t, err := lidia.OpenReader(newReaderAtCloser(data), lidia.WithCRC())
	if err != nil {
		return nil, fmt.Errorf("open lidia table: %w", err)
	}
	return &lidiaTable{table: t}, nil
}

func (t *lidiaTable) arch() disasm.Arch { return disasm.ArchUnknown }

func (t *lidiaTable) close() error {
	t.table.Close()
	return nil
}

func (t *lidiaTable) lookup(rel uint64) (*provider.Frame, error) {
	frames, err := t.table.Lookup(t.frames, rel)
	t.frames = frames
	if err != nil {
		return nil, provider.Fail(provider.ReasonParse, err)
	}
	if len(frames) == 0 {
		return nil, provider.ErrAddressNotFound
	}

	// Lidia reports the innermost frame first.
	chain := slices.Clone(frames)
	slices.Reverse(chain)

	f := &provider.Frame{
		Function: symbolName(chain[0].FunctionName),
		File:     nonEmpty(chain[0].FilePath),
		Line:     lidiaLine(chain[0].LineNumber),
	}
	for _, fr := range chain[1:] {
		f.Inlines = append(f.Inlines, provider.InlineFrame{
			Function: symbolName(fr.FunctionName),
			File:     nonEmpty(fr.FilePath),
			Line:     lidiaLine(fr.LineNumber),
		})
	}
	if f.IsEmpty() {
		return nil, provider.ErrAddressNotFound
	}
	return f, nil
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return provider.String(s)
}

func symbolName(s string) *string {
	if s == "" {
		return nil
	}
	return provider.String(demangleName(s))
}

func lidiaLine(n uint64) *uint32 {
	if n == 0 || n > 1<<32-1 {
		return nil
	}
	return provider.Uint32(uint32(n))
}
