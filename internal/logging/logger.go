// Package logging builds the charm loggers handed to symq components.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Environment variables read when building a logger.
const (
	EnvLevel  = "SYMQ_LOG_LEVEL"
	EnvPrefix = "SYMQ_LOG_PREFIX"
	EnvToFile = "SYMQ_LOG_TO_FILE"
)

// Options selects where a logger writes and how much.
type Options struct {
	// Level is a level name as accepted by ParseLevel.
	Level string
	// File is appended to when set. When empty and SYMQ_LOG_TO_FILE is "1",
	// a timestamped file in the working directory is used instead.
	File string
	// Fallback receives the log when no file applies. Defaults to stderr.
	Fallback io.Writer
	// Debug forces the debug level and reports callers.
	Debug bool
}

// LoggerCloser is a logger that may own its output file.
type LoggerCloser struct {
	*log.Logger
	closer io.Closer
}

// Close closes the log file, if any.
func (lc *LoggerCloser) Close() error {
	if lc.closer != nil {
		return lc.closer.Close()
	}
	return nil
}

// ParseLevel maps a level name to a log level. Unknown names yield info.
func ParseLevel(s string) log.Level {
	switch strings.ToLower(s) {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	}
	return log.InfoLevel
}

// IsDebug reports whether SYMQ_LOG_LEVEL asks for debug output.
func IsDebug() bool {
	return strings.EqualFold(os.Getenv(EnvLevel), "debug")
}

// New opens the output chosen by opts and returns a logger writing to it.
// The prefix comes from SYMQ_LOG_PREFIX and defaults to "symq".
func New(opts Options) (*LoggerCloser, error) {
	out, closer, err := opts.output()
	if err != nil {
		return nil, err
	}

	level := ParseLevel(opts.Level)
	if opts.Debug {
		level = log.DebugLevel
	}
	prefix := os.Getenv(EnvPrefix)
	if prefix == "" {
		prefix = "symq"
	}

	lg := log.NewWithOptions(out, log.Options{
		Level:           level,
		Prefix:          prefix,
		ReportTimestamp: true,
		ReportCaller:    opts.Debug,
		TimeFormat:      time.Kitchen,
	})
	return &LoggerCloser{Logger: lg, closer: closer}, nil
}

func (o Options) output() (io.Writer, io.Closer, error) {
	path := o.File
	if path == "" && os.Getenv(EnvToFile) == "1" {
		path = fmt.Sprintf("symq-%s.log", time.Now().Format("20060102-150405"))
	}
	if path == "" {
		if o.Fallback == nil {
			return os.Stderr, nil, nil
		}
		return o.Fallback, nil, nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return f, f, nil
}
