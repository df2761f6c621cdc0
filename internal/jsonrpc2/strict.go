package jsonrpc2

import (
	"bytes"
	"fmt"
	"reflect"
	"strings"

	json "github.com/segmentio/encoding/json"
)

// StrictUnmarshal unmarshals JSON data into v with strict validation:
//   - rejects duplicate keys that differ only by case (e.g. "id" and "Id")
//   - rejects JSON field names that don't exactly match a struct tag
//     (case-sensitive)
//   - rejects fields unknown to v's struct tags
//
// This exists because Go's JSON unmarshaling is case-insensitive by
// default, which the JSON-RPC 2.0 spec's field names are not; a peer could
// otherwise smuggle a second "id" or "method" past naive validation by
// varying its case.
func StrictUnmarshal(data []byte, v any) error {
	if err := validateNoDuplicateKeys(data); err != nil {
		return fmt.Errorf("strict unmarshal: %w", err)
	}
	if err := validateFieldCase(data, v); err != nil {
		return fmt.Errorf("strict unmarshal: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("strict unmarshal: %w", err)
	}
	return nil
}

func validateNoDuplicateKeys(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil // not an object; nothing to check
	}

	seen := make(map[string]string)
	for key := range raw {
		lower := strings.ToLower(key)
		if original, ok := seen[lower]; ok && original != key {
			return fmt.Errorf("duplicate key with different case: %q and %q", original, key)
		}
		seen[lower] = key
	}
	for key, val := range raw {
		if err := validateNoDuplicateKeysRecursive(val); err != nil {
			return fmt.Errorf("in field %q: %w", key, err)
		}
	}
	return nil
}

func validateNoDuplicateKeysRecursive(data json.RawMessage) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err == nil {
		seen := make(map[string]string)
		for key := range obj {
			lower := strings.ToLower(key)
			if original, ok := seen[lower]; ok && original != key {
				return fmt.Errorf("duplicate key with different case: %q and %q", original, key)
			}
			seen[lower] = key
		}
		for key, val := range obj {
			if err := validateNoDuplicateKeysRecursive(val); err != nil {
				return fmt.Errorf("in field %q: %w", key, err)
			}
		}
		return nil
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err == nil {
		for i, elem := range arr {
			if err := validateNoDuplicateKeysRecursive(elem); err != nil {
				return fmt.Errorf("in array index %d: %w", i, err)
			}
		}
		return nil
	}

	return nil
}

// validateFieldCase ensures every top-level JSON key in data matches one of
// v's struct tags exactly, catching case-smuggling attempts before
// DisallowUnknownFields would otherwise just report "unknown field".
func validateFieldCase(data []byte, v any) error {
	expected := extractExpectedFields(v)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}

	for key := range raw {
		if expected[key] {
			continue
		}
		lower := strings.ToLower(key)
		for want := range expected {
			if strings.ToLower(want) == lower {
				return fmt.Errorf("field name case mismatch: got %q, expected %q", key, want)
			}
		}
	}
	return nil
}

func extractExpectedFields(v any) map[string]bool {
	fields := make(map[string]bool)

	t := reflect.TypeOf(v)
	if t == nil {
		return fields
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return fields
	}

	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("json")
		if tag == "" || tag == "-" {
			continue
		}
		name := tag
		if idx := strings.Index(tag, ","); idx != -1 {
			name = tag[:idx]
		}
		if name != "" {
			fields[name] = true
		}
	}
	return fields
}
