package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProfileAddr(t *testing.T) {
	tests := map[string]string{
		"":               "",
		"0":              "",
		"false":          "",
		"1":              defaultProfileAddr,
		"TRUE":           defaultProfileAddr,
		"127.0.0.1:7070": "127.0.0.1:7070",
	}
	for in, want := range tests {
		assert.Equal(t, want, profileAddr(in), in)
	}
}
