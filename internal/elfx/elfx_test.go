package elfx

import (
	"debug/elf"
	"encoding/binary"
	"os"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"symq/internal/disasm"
	"symq/internal/elfx/elfxtest"
)

func TestOpenSelf(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("test binary is not ELF")
	}
	exe, err := os.Executable()
	require.NoError(t, err)

	im, err := Open(exe)
	require.NoError(t, err)
	defer im.Close()

	want := map[string]disasm.Arch{"amd64": disasm.X86_64, "386": disasm.X86_32, "arm64": disasm.ARM64, "arm": disasm.ARM}
	if a, ok := want[runtime.GOARCH]; ok {
		assert.Equal(t, a, im.Arch())
	}
	require.NotEmpty(t, im.Loads)
	require.NotZero(t, im.Text.Size)

	// Test binaries are linked without symbols, so read code from .text.
	code, ok := im.SliceVA(im.Text.VA, 4)
	require.True(t, ok)
	assert.Len(t, code, 4)
	assert.True(t, im.Mapped(im.Text.VA))
}

func TestNewImage(t *testing.T) {
	id := []byte{0xde, 0xad, 0xbe, 0xef, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	data := elfxtest.Build(elfxtest.Options{
		Machine: elf.EM_AARCH64,
		Code:    make([]byte, 0x40),
		Symbols: []elfxtest.Symbol{
			{Name: "first", Addr: elfxtest.TextAddr, Size: 0x10},
			{Name: "second", Addr: elfxtest.TextAddr + 0x20},
		},
		BuildID: id,
	})

	im, err := NewImage("mem", data)
	require.NoError(t, err)
	defer im.Close()

	assert.Equal(t, disasm.ARM64, im.Arch())
	assert.Equal(t, uint64(0), im.Base())
	assert.Equal(t, id, im.BuildID)
	assert.True(t, im.MatchesID(DebugID(id)))
	require.Len(t, im.Funcs, 2)
	assert.Equal(t, uint64(0x20), im.Funcs[1].Size, "unsized symbol runs to end of .text")

	fn, ok := im.FuncAt(elfxtest.TextAddr + 0x25)
	require.True(t, ok)
	assert.Equal(t, "second", fn.Name)
	_, ok = im.FuncAt(elfxtest.TextAddr + 0x18)
	assert.False(t, ok)

	b, ok := im.ReadRangeVA(elfxtest.TextAddr+0x3c, 0x10)
	require.True(t, ok)
	assert.Len(t, b, 4)
	assert.False(t, im.Mapped(elfxtest.TextAddr+0x40))
}

func TestReadRangeVA(t *testing.T) {
	im := &Image{
		All: make([]byte, 0x300),
		Loads: []Seg{
			{Vaddr: 0x1000, Off: 0x100, Filesz: 0x100},
			{Vaddr: 0x3000, Off: 0x200, Filesz: 0x80},
		},
	}
	for i := range im.All {
		im.All[i] = byte(i)
	}

	b, ok := im.ReadRangeVA(0x1010, 4)
	require.True(t, ok)
	assert.Equal(t, []byte{0x10, 0x11, 0x12, 0x13}, b)

	b, ok = im.ReadRangeVA(0x10f0, 0x40)
	require.True(t, ok)
	assert.Len(t, b, 0x10, "read stops at segment end")

	_, ok = im.ReadRangeVA(0x2000, 1)
	assert.False(t, ok)

	_, ok = im.SliceVA(0x3070, 0x100)
	assert.False(t, ok)

	assert.Equal(t, uint64(0xf00), im.Base())
}

func TestFuncAt(t *testing.T) {
	im := &Image{Funcs: []Func{
		{Name: "a", Addr: 0x100, Size: 0x10},
		{Name: "b", Addr: 0x120, Size: 0x20},
	}}
	tests := []struct {
		va   uint64
		want string
	}{
		{0x0ff, ""},
		{0x100, "a"},
		{0x10f, "a"},
		{0x110, ""},
		{0x120, "b"},
		{0x13f, "b"},
		{0x140, ""},
	}
	for _, tt := range tests {
		fn, ok := im.FuncAt(tt.va)
		assert.Equal(t, tt.want != "", ok, "0x%x", tt.va)
		assert.Equal(t, tt.want, fn.Name, "0x%x", tt.va)
	}
}

func TestBuildIDNote(t *testing.T) {
	id := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}

	var note []byte
	le := binary.LittleEndian
	// An unrelated note first.
	note = le.AppendUint32(note, 4)
	note = le.AppendUint32(note, 4)
	note = le.AppendUint32(note, 1)
	note = append(note, "Go\x00\x00"...)
	note = append(note, 0xaa, 0xbb, 0xcc, 0xdd)
	note = le.AppendUint32(note, 4)
	note = le.AppendUint32(note, uint32(len(id)))
	note = le.AppendUint32(note, 3)
	note = append(note, "GNU\x00"...)
	note = append(note, id...)

	got, err := parseBuildIDNote(note, le)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = parseBuildIDNote(note[:20], le)
	assert.Error(t, err)

	assert.Equal(t, "0403020106050807090A0B0C0D0E0F100", DebugID(id))
	assert.Equal(t, "", DebugID(nil))

	im := &Image{BuildID: id}
	assert.True(t, im.MatchesID("0403020106050807090a0b0c0d0e0f100"))
	assert.True(t, im.MatchesID("0102030405060708090a0b0c0d0e0f1011121314"))
	assert.False(t, im.MatchesID("DEADBEEF"))
	assert.True(t, (&Image{}).MatchesID("anything"))
}
