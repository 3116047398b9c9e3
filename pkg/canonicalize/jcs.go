// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// style deterministic serialization for hashing and signing TGA execution
// records and capability payloads.
//
// The canonicalizer operates on a closed value grammar: maps with string
// keys, ordered sequences, strings, integers in [-2^53, 2^53], booleans,
// and null. Any value outside that domain — notably floating point numbers
// — is rejected with ErrUnsupported rather than silently coerced, because a
// signature computed over an ambiguous numeric representation is worthless.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrUnsupported is returned when a value falls outside the closed grammar
// this canonicalizer supports (CANONICAL_UNSUPPORTED in spec terms).
var ErrUnsupported = errors.New("canonicalize: CANONICAL_UNSUPPORTED")

// maxSafeInteger bounds the integer domain at 2^53, matching spec.md §4.1's
// "integers in [-2^53, 2^53]".
const maxSafeInteger = int64(1) << 53
const minSafeInteger = -maxSafeInteger

// JCS returns the canonical byte representation of v.
//
// v is first marshaled with the standard library (so struct `json` tags are
// respected), then decoded into the closed value grammar and re-encoded
// deterministically: map keys sorted lexicographically by UTF-8 byte order,
// no insignificant whitespace, no HTML escaping, integers rendered without a
// fractional part. Any json.Number that is not an integer in
// [-2^53, 2^53], or any bare float64 (a Go float passed without routing
// through json.Number), causes ErrUnsupported.
func JCS(v interface{}) ([]byte, error) {
	// Strategy: marshal to intermediate JSON via the standard library (so
	// struct json tags are honored), decode into the closed grammar with
	// UseNumber so integers survive as json.Number, then recursively
	// re-encode under strict canonicalization rules.
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}

	var generic interface{}
	decoder := json.NewDecoder(bytes.NewReader(intermediate))
	decoder.UseNumber()
	if err := decoder.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: intermediate decode failed: %w", err)
	}

	var buf bytes.Buffer
	if err := encodeValue(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// JCSString returns the canonical form as a string.
func JCSString(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical
// representation of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashBytesRaw computes the raw 32-byte SHA-256 digest of data, for callers
// (hashchain, statestore) that persist digests as bytes rather than hex.
func HashBytesRaw(data []byte) [32]byte {
	return sha256.Sum256(data)
}

func encodeValue(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		return encodeNumber(buf, t)
	case float64:
		// A bare float64 only appears when the caller builds the value
		// without json.Number (e.g. a map literal with a Go float). There is
		// no way to distinguish "3" the integer from "3.0" the float once
		// it has collapsed to float64, so reject unconditionally.
		return fmt.Errorf("%w: floating point value %v", ErrUnsupported, t)
	case string:
		return encodeString(buf, t)
	case []interface{}:
		return encodeArray(buf, t)
	case map[string]interface{}:
		return encodeObject(buf, t)
	default:
		return fmt.Errorf("%w: unsupported type %T", ErrUnsupported, v)
	}
}

func encodeNumber(buf *bytes.Buffer, n json.Number) error {
	s := n.String()
	for _, r := range s {
		if r == '.' || r == 'e' || r == 'E' {
			return fmt.Errorf("%w: non-integer number %q", ErrUnsupported, s)
		}
	}
	i, err := n.Int64()
	if err != nil {
		return fmt.Errorf("%w: number %q out of int64 range", ErrUnsupported, s)
	}
	if i > maxSafeInteger || i < minSafeInteger {
		return fmt.Errorf("%w: integer %d outside [-2^53, 2^53]", ErrUnsupported, i)
	}
	buf.WriteString(s)
	return nil
}

func encodeString(buf *bytes.Buffer, s string) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false) // RFC 8785 forbids HTML escaping
	before := buf.Len()
	if err := enc.Encode(s); err != nil {
		return err
	}
	// json.Encoder.Encode appends a trailing newline; trim it in place.
	encoded := buf.Bytes()
	if n := len(encoded); n > before && encoded[n-1] == '\n' {
		buf.Truncate(n - 1)
	}
	return nil
}

func encodeArray(buf *bytes.Buffer, arr []interface{}) error {
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeValue(buf, elem); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

func encodeObject(buf *bytes.Buffer, obj map[string]interface{}) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys) // lexicographic by code point; matches Go's byte order for valid UTF-8

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encodeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := encodeValue(buf, obj[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}
