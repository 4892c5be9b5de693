// Package jsonutil provides JSON encoding/decoding utilities with proper error handling.
package jsonutil

import "encoding/json"

// MarshalOrEmpty marshals the given value to JSON, returning an empty JSON object "{}"
// if marshaling fails. This is useful when you need a valid JSON value regardless.
func MarshalOrEmpty(v any) []byte {
	result, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return result
}

// Remarshal converts src into dst by a marshal/unmarshal round trip. Used to
// move values between typed records and untyped event payloads without
// hand-written field copies.
func Remarshal(src, dst any) error {
	b, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

// ToMap converts a struct into its JSON object form. Fields tagged omitempty
// that hold zero values are absent from the result.
func ToMap(src any) (map[string]any, error) {
	var m map[string]any
	if err := Remarshal(src, &m); err != nil {
		return nil, err
	}
	return m, nil
}
