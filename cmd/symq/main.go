package main

import (
	"log/slog"
	"net/http"
	"os"
	"strings"

	_ "net/http/pprof" // profiling

	"symq/internal/symq/cmd"
	"symq/internal/symq/log"
)

const defaultProfileAddr = "localhost:6060"

func main() {
	defer log.RecoverPanic("main", func() {
		slog.Error("symq terminated by an unhandled panic")
		os.Exit(2)
	})

	if addr := profileAddr(os.Getenv("SYMQ_PROFILE")); addr != "" {
		go func() {
			slog.Info("Serving pprof", "addr", addr)
			if err := http.ListenAndServe(addr, nil); err != nil {
				slog.Error("pprof listener stopped", "addr", addr, "error", err)
			}
		}()
	}

	os.Exit(cmd.Execute())
}

// profileAddr maps SYMQ_PROFILE to a pprof listen address. "1" and "true"
// select the default; any other non-false value is used as the address.
func profileAddr(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "0", "false":
		return ""
	case "1", "true":
		return defaultProfileAddr
	}
	return v
}
