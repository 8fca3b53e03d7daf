// Package log routes the process-wide slog default through the symq logger
// and reports panics that reach the top of a goroutine.
package log

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	charmlog "github.com/charmbracelet/log"
)

var (
	initOnce    sync.Once
	initialized atomic.Bool
)

// Setup makes handler the backend of slog.Default. Only the first call has
// an effect.
func Setup(handler *charmlog.Logger) {
	initOnce.Do(func() {
		slog.SetDefault(slog.New(handler))
		initialized.Store(true)
	})
}

func Initialized() bool {
	return initialized.Load()
}

// RecoverPanic logs a recovered panic with its stack and runs cleanup. It
// must be deferred directly.
func RecoverPanic(name string, cleanup func()) {
	if r := recover(); r != nil {
		if Initialized() {
			slog.Error(fmt.Sprintf("Panic in %s", name),
				"panic", r,
				"stack", string(debug.Stack()))
		}
		if cleanup != nil {
			cleanup()
		}
	}
}
