package provider

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrModuleNotFound    = errors.New("module not found")
	ErrAddressNotFound   = errors.New("no symbol for address")
	ErrAddressOutOfRange = errors.New("address outside mapped range")
	ErrSourceNotFound    = errors.New("source file not found")
)

// Stable reason codes carried by a Failure.
const (
	ReasonProvider        = "provider_error"
	ReasonIO              = "io_error"
	ReasonParse           = "parse_error"
	ReasonTimeout         = "timeout"
	ReasonCanceled        = "canceled"
	ReasonTruncated       = "truncated_range"
	ReasonUnsupportedArch = "unsupported_arch"
	ReasonInternal        = "internal"
)

// Failure is a provider error with a machine-readable reason.
type Failure struct {
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return f.Reason
	}
	return fmt.Sprintf("%s: %v", f.Reason, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Fail wraps err in a Failure with the given reason.
func Fail(reason string, err error) error {
	return &Failure{Reason: reason, Err: err}
}

// Failf builds a Failure from a format string.
func Failf(reason, format string, args ...any) error {
	return &Failure{Reason: reason, Err: fmt.Errorf(format, args...)}
}

// ReasonOf classifies any error into a reason code.
func ReasonOf(err error) string {
	var f *Failure
	switch {
	case err == nil:
		return ""
	case errors.As(err, &f):
		return f.Reason
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, context.Canceled):
		return ReasonCanceled
	}
	return ReasonProvider
}
