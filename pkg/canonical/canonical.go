// Package canonical produces a stable JSON encoding used for integrity hashes.
//
// Object keys are sorted, strings are NFC-normalized, null object members are
// dropped and floating point numbers are rejected so that the same logical
// value always yields the same bytes regardless of Go map iteration order or
// struct field layout.
package canonical

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	// ErrFloatNotAllowed is returned when a value contains a non-integer number.
	ErrFloatNotAllowed = errors.New("canonical: floating point numbers are not allowed")

	// ErrKeyCollision is returned when two keys normalize to the same string.
	ErrKeyCollision = errors.New("canonical: normalized key collision")

	// ErrUnsupportedType is returned for values that have no JSON form.
	ErrUnsupportedType = errors.New("canonical: unsupported type")
)

// Marshal encodes v as canonical JSON.
//
// Structs are first passed through encoding/json so their json tags (and any
// custom MarshalJSON) are honoured; the generic result is then re-emitted in
// canonical form.
func Marshal(v any) ([]byte, error) {
	generic, err := toGeneric(v)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := writeValue(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// toGeneric converts v into maps, slices, strings, bools and json.Number.
func toGeneric(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal input: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("canonical: decode input: %w", err)
	}
	return out, nil
}

func writeValue(buf *bytes.Buffer, v any) error {
	if v == nil {
		buf.WriteString("null")
		return nil
	}

	switch value := v.(type) {
	case json.Number:
		return writeNumber(buf, value)
	case string:
		return writeString(buf, value)
	case bool:
		if value {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case map[string]any:
		return writeObject(buf, value)
	case []any:
		return writeArray(buf, value)
	}

	return ErrUnsupportedType
}

func writeString(buf *bytes.Buffer, s string) error {
	encoded, err := json.Marshal(norm.NFC.String(s))
	if err != nil {
		return err
	}
	buf.Write(encoded)
	return nil
}

func writeNumber(buf *bytes.Buffer, n json.Number) error {
	if strings.ContainsAny(n.String(), ".eE") {
		return ErrFloatNotAllowed
	}
	value, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return ErrFloatNotAllowed
	}
	buf.WriteString(strconv.FormatInt(value, 10))
	return nil
}

type member struct {
	key   string
	value any
}

func writeObject(buf *bytes.Buffer, obj map[string]any) error {
	members := make([]member, 0, len(obj))
	seen := make(map[string]struct{}, len(obj))

	for k, v := range obj {
		key := norm.NFC.String(k)
		if _, dup := seen[key]; dup {
			return ErrKeyCollision
		}
		seen[key] = struct{}{}

		if v == nil {
			continue
		}
		members = append(members, member{key: key, value: v})
	}

	sort.Slice(members, func(i, j int) bool {
		return members[i].key < members[j].key
	})

	buf.WriteByte('{')
	for i, m := range members {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeString(buf, m.key); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := writeValue(buf, m.value); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeArray(buf *bytes.Buffer, arr []any) error {
	buf.WriteByte('[')
	for i, item := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := writeValue(buf, item); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}
