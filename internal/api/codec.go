package api

import (
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Encode renders a response body.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// EncodeIndent renders a response body for humans.
func EncodeIndent(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}
