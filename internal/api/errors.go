package api

import (
	"errors"

	"symq/internal/asm"
	"symq/internal/provider"
	"symq/internal/resolver"
	"symq/internal/source"
)

// Error codes. Provider reason codes (provider.Reason*) are used verbatim.
const (
	CodeMalformedRequest  = "malformed_request"
	CodeModuleNotFound    = "module_not_found"
	CodeFileNotReferenced = "file_not_referenced"
	CodeSourceNotFound    = "source_not_found"
)

// ErrorObject is the wire form of every error.
type ErrorObject struct {
	Code    string `json:"error_code"`
	Message string `json:"message"`
}

// CodeOf maps an error to its stable code.
func CodeOf(err error) string {
	switch {
	case errors.Is(err, ErrMalformedRequest), errors.Is(err, asm.ErrRangeOverflow):
		return CodeMalformedRequest
	case errors.Is(err, provider.ErrModuleNotFound):
		return CodeModuleNotFound
	case errors.Is(err, source.ErrFileNotReferenced):
		return CodeFileNotReferenced
	case errors.Is(err, provider.ErrSourceNotFound):
		return CodeSourceNotFound
	}
	return provider.ReasonOf(err)
}

// NewErrorObject renders err.
func NewErrorObject(err error) *ErrorObject {
	return &ErrorObject{Code: CodeOf(err), Message: err.Error()}
}

// OutcomeError renders an error outcome; it returns nil for resolved ones.
func OutcomeError(o resolver.Outcome) *ErrorObject {
	switch o.Kind {
	case resolver.ModuleNotFound:
		return &ErrorObject{Code: CodeModuleNotFound, Message: o.Message()}
	case resolver.ProviderError:
		code := o.Reason
		if code == "" {
			code = provider.ReasonProvider
		}
		return &ErrorObject{Code: code, Message: o.Message()}
	}
	return nil
}
