package resolver

import (
	"symq/internal/provider"
)

// Kind tags an Outcome.
type Kind uint8

const (
	Resolved Kind = iota
	ModuleNotFound
	AddressOutOfRange
	ProviderError
)

func (k Kind) String() string {
	switch k {
	case Resolved:
		return "resolved"
	case ModuleNotFound:
		return "module_not_found"
	case AddressOutOfRange:
		return "address_out_of_range"
	case ProviderError:
		return "provider_error"
	}
	return "unknown"
}

// Outcome is the answer for one address. Exactly one is produced per query.
type Outcome struct {
	Kind Kind
	// Frame is set for Resolved outcomes. It is empty, not nil, when the
	// address is in the module but has no symbol.
	Frame *provider.Frame
	// Reason is the stable reason code of a ProviderError.
	Reason string
	Err    error
}

// IsError reports whether the outcome is rendered as an error object.
func (o Outcome) IsError() bool {
	return o.Kind == ModuleNotFound || o.Kind == ProviderError
}

// Message is a human-readable description of an error outcome.
func (o Outcome) Message() string {
	if o.Err != nil {
		return o.Err.Error()
	}
	switch o.Kind {
	case ModuleNotFound:
		return provider.ErrModuleNotFound.Error()
	case ProviderError:
		return o.Reason
	}
	return ""
}

// ResolvedOutcome wraps a frame.
func ResolvedOutcome(f *provider.Frame) Outcome {
	if f == nil {
		f = &provider.Frame{}
	}
	return Outcome{Kind: Resolved, Frame: f}
}

// ErrorOutcome classifies err into ModuleNotFound or ProviderError.
func ErrorOutcome(err error) Outcome {
	if isModuleNotFound(err) {
		return Outcome{Kind: ModuleNotFound, Err: err}
	}
	return Outcome{Kind: ProviderError, Reason: provider.ReasonOf(err), Err: err}
}

// ModuleOutcome classifies a module-level failure. Debug info that cannot be
// parsed leaves the module unusable, so it is reported as ModuleNotFound with
// the parse detail kept in the message.
func ModuleOutcome(err error) Outcome {
	if provider.ReasonOf(err) == provider.ReasonParse {
		return Outcome{Kind: ModuleNotFound, Err: err}
	}
	return ErrorOutcome(err)
}

// FailureOutcome builds a ProviderError outcome with an explicit reason.
func FailureOutcome(reason string, err error) Outcome {
	return Outcome{Kind: ProviderError, Reason: reason, Err: err}
}
