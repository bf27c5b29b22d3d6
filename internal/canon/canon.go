// Package canon provides the canonical JSON encoding used everywhere a
// payload must hash or sign identically across runs and platforms:
// sorted object keys, minimal separators, UTF-8 without a byte-order mark.
//
// Go's encoding/json already sorts map[string]any keys and uses the
// shortest round-trip float representation, both deterministically; this
// package only has to guarantee struct values go through a map first so
// field order in the Go type never leaks into the wire form.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Marshal returns the canonical JSON encoding of v: object keys sorted
// lexicographically, no insignificant whitespace, trailing newline
// omitted. v is round-tripped through map[string]any so a Go struct's
// field order never affects the output.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: marshal input: %w", err)
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canon: decode for canonicalization: %w", err)
	}

	var buf bytes.Buffer
	if err := encode(&buf, generic); err != nil {
		return nil, fmt.Errorf("canon: encode canonical form: %w", err)
	}
	return buf.Bytes(), nil
}

// MarshalExcept is Marshal for a JSON object with the named top-level
// fields removed first. Used to compute a signed or hashed payload that
// excludes its own signature/digest fields.
func MarshalExcept(v any, omit ...string) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: marshal input: %w", err)
	}

	var obj map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("canon: expected a JSON object: %w", err)
	}
	for _, key := range omit {
		delete(obj, key)
	}

	var buf bytes.Buffer
	if err := encode(&buf, obj); err != nil {
		return nil, fmt.Errorf("canon: encode canonical form: %w", err)
	}
	return buf.Bytes(), nil
}

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// encode writes v as canonical JSON into buf. Objects are emitted with
// lexicographically sorted keys; everything else defers to
// encoding/json, which already produces minimal, deterministic output
// for strings, json.Number, bools, null, and arrays.
func encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(keyJSON)
			buf.WriteByte(':')
			if err := encode(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil

	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encode(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil

	default:
		out, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(out)
		return nil
	}
}
