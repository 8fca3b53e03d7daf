package api

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/invopop/jsonschema"
)

// Address is a module-relative or absolute address. It is decoded from a JSON
// integer, a decimal string or a 0x-prefixed hex string, and always encoded as
// a lower-case 0x-prefixed hex string.
type Address uint64

func (a Address) String() string {
	return "0x" + strconv.FormatUint(uint64(a), 16)
}

func (a Address) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

func (a *Address) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return fmt.Errorf("address must not be null")
	}
	if b[0] == '"' {
		s, err := strconv.Unquote(string(b))
		if err != nil {
			return fmt.Errorf("invalid address %s: %w", b, err)
		}
		v, err := ParseAddress(s)
		if err != nil {
			return err
		}
		*a = v
		return nil
	}
	v, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid address %s: must be a non-negative integer", b)
	}
	*a = Address(v)
	return nil
}

// ParseAddress parses "0x..." as hex and anything else as decimal.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	var (
		v   uint64
		err error
	)
	if rest, ok := strings.CutPrefix(strings.ToLower(s), "0x"); ok {
		v, err = strconv.ParseUint(rest, 16, 64)
	} else {
		v, err = strconv.ParseUint(s, 10, 64)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return Address(v), nil
}

// JSONSchema describes the accepted encodings.
func (Address) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Description: "address as a 0x-prefixed hex string, a decimal string, or an integer",
		OneOf: []*jsonschema.Schema{
			{Type: "string", Pattern: "^(0[xX][0-9a-fA-F]{1,16}|[0-9]+)$"},
			{Type: "integer", Minimum: "0"},
		},
	}
}
