package symdir

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// maxDecompressedSize bounds the output of a compressed debug file.
const maxDecompressedSize = 1 << 30

// isCompressed reports whether data starts with a gzip or zstd magic.
func isCompressed(data []byte) bool {
	return isGzip(data) || isZstd(data)
}

func isGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

func isZstd(data []byte) bool {
	return len(data) >= 4 && data[0] == 0x28 && data[1] == 0xb5 && data[2] == 0x2f && data[3] == 0xfd
}

// decompress inflates gzip or zstd data and returns anything else unchanged.
func decompress(data []byte) ([]byte, error) {
	switch {
	case isGzip(data):
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("create gzip reader: %w", err)
		}
		defer r.Close()
		return readLimited(r, "gzip")

	case isZstd(data):
		r, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("create zstd reader: %w", err)
		}
		defer r.Close()
		return readLimited(r, "zstd")
	}
	return data, nil
}

func readLimited(r io.Reader, format string) ([]byte, error) {
	out, err := io.ReadAll(io.LimitReader(r, maxDecompressedSize+1))
	if err != nil {
		return nil, fmt.Errorf("decompress %s data: %w", format, err)
	}
	if len(out) > maxDecompressedSize {
		return nil, fmt.Errorf("decompress %s data: output exceeds %d bytes", format, maxDecompressedSize)
	}
	return out, nil
}
