package log

import (
	"bytes"
	"log/slog"
	"testing"

	charmlog "github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
)

func TestSetupAndRecoverPanic(t *testing.T) {
	var buf bytes.Buffer
	Setup(charmlog.New(&buf))
	assert.True(t, Initialized())

	slog.Info("routed", "module", "libfoo")
	assert.Contains(t, buf.String(), "routed")
	assert.Contains(t, buf.String(), "module=libfoo")

	called := false
	func() {
		defer RecoverPanic("worker", func() { called = true })
		panic("boom")
	}()
	assert.True(t, called)
	assert.Contains(t, buf.String(), "Panic in worker")

	// No panic, no cleanup.
	called = false
	func() {
		defer RecoverPanic("worker", func() { called = true })
	}()
	assert.False(t, called)
}
