package query

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"symq/internal/disasm"
)

const (
	DefaultTimeout              = 10 * time.Second
	DefaultMaxConcurrency       = 8
	DefaultMaxDisassembleLength = 1 << 20
)

// Config bounds the work done for a single request.
type Config struct {
	// Timeout is the overall deadline of one request. Modules that have not
	// finished by then are answered with a timeout error.
	Timeout time.Duration
	// MaxConcurrency bounds the number of modules resolved in parallel.
	MaxConcurrency int
	// MaxDisassembleLength is the largest accepted disassembly span in bytes.
	MaxDisassembleLength uint64
	// DefaultSyntax is used for x86 when a request names none.
	DefaultSyntax disasm.Syntax
}

func DefaultConfig() Config {
	return Config{
		Timeout:              DefaultTimeout,
		MaxConcurrency:       DefaultMaxConcurrency,
		MaxDisassembleLength: DefaultMaxDisassembleLength,
		DefaultSyntax:        disasm.SyntaxIntel,
	}
}

func (c *Config) Validate() error {
	var errs *multierror.Error
	if c.Timeout <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("timeout must be positive, got %s", c.Timeout))
	}
	if c.MaxConcurrency < 1 {
		errs = multierror.Append(errs, fmt.Errorf("max concurrency must be at least 1, got %d", c.MaxConcurrency))
	}
	if c.MaxDisassembleLength == 0 {
		errs = multierror.Append(errs, fmt.Errorf("max disassemble length must be positive"))
	}
	return errs.ErrorOrNil()
}
