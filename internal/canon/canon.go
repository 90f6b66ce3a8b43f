// Package canon implements the canonicalization contract that content
// hashing, cache keys, and idempotency fingerprints all depend on:
// NFC-normalize strings, collapse interior whitespace runs to one space,
// recursively sort map keys, and encode as canonical JSON before SHA-256.
//
// The byte output of Canonicalize is a stable contract. Cache hits and
// duplicate detection break if it changes between releases.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// HashPrefix is prepended to every emitted content hash.
const HashPrefix = "sha256:"

// NormalizeString applies NFC normalization and collapses interior
// whitespace runs to a single space. Leading and trailing whitespace is
// trimmed. Idempotent.
func NormalizeString(s string) string {
	s = norm.NFC.String(s)
	var b strings.Builder
	b.Grow(len(s))
	inSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		inSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

// Canonicalize renders any JSON-serializable value to its canonical byte
// form. Struct values are first flattened through their JSON encoding so tag
// names, omitempty and embedding behave exactly as they do on the wire.
func Canonicalize(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: value not serializable: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber() // keep integers out of float formatting
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: reparse failed: %w", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case json.Number:
		buf.WriteString(val.String())
	case string:
		return writeJSONString(buf, NormalizeString(val))
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]interface{}:
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
			// Keys are identifiers chosen by us; they get the same
			// normalization as values so lookups stay symmetric.
			if err := writeJSONString(buf, NormalizeString(k)); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("canonicalize: unsupported type %T", v)
	}
	return nil
}

// writeJSONString emits a JSON string without HTML escaping so the canonical
// form is independent of encoder defaults.
func writeJSONString(buf *bytes.Buffer, s string) error {
	var tmp bytes.Buffer
	enc := json.NewEncoder(&tmp)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return err
	}
	// Encode appends a newline; strip it.
	b := tmp.Bytes()
	buf.Write(bytes.TrimRight(b, "\n"))
	return nil
}

// HashBytes returns the prefixed SHA-256 of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return HashPrefix + hex.EncodeToString(sum[:])
}

// Hash canonicalizes a value and returns its prefixed SHA-256.
func Hash(v interface{}) (string, error) {
	data, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return HashBytes(data), nil
}

// Key builds a typed cache key: "<keyType>:<64 hex digits>".
func Key(keyType string, content interface{}) (string, error) {
	h, err := Hash(content)
	if err != nil {
		return "", err
	}
	return keyType + ":" + strings.TrimPrefix(h, HashPrefix), nil
}

// IsContentHash reports whether s has the emitted hash shape.
func IsContentHash(s string) bool {
	if !strings.HasPrefix(s, HashPrefix) {
		return false
	}
	hexPart := strings.TrimPrefix(s, HashPrefix)
	if len(hexPart) != 64 {
		return false
	}
	_, err := hex.DecodeString(hexPart)
	return err == nil
}
