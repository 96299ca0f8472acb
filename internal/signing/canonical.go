// Package signing implements the canonical-JSON-then-Ed25519 discipline shared
// by the client agent and the licensing service. Both sides serialize payloads
// to the same canonical byte string (keys sorted lexicographically, no
// insignificant whitespace, UTF-8) before signing or verifying, so a signature
// is always over exactly what the sender intended, independent of transport
// reordering or formatting.
package signing

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Canonical serializes v to its canonical JSON form: object keys sorted
// lexicographically, compact separators, no HTML escaping, no trailing
// newline. Numbers pass through as their original literals so re-encoding
// never changes them.
func Canonical(v any) ([]byte, error) {
	raw, err := marshalCompact(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}

	// Round-trip through an untyped decode so struct field order collapses
	// into map ordering, which encoding/json emits sorted.
	var node any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&node); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}

	out, err := marshalCompact(node)
	if err != nil {
		return nil, fmt.Errorf("canonical re-marshal: %w", err)
	}
	return out, nil
}

// CanonicalString is Canonical with a string result, for logging and tests.
func CanonicalString(v any) (string, error) {
	b, err := Canonical(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func marshalCompact(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
