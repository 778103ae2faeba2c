// Package jsonptr evaluates JSON Pointers (RFC 6901) against decoded JSON
// values for index definitions, built on github.com/go-openapi/jsonpointer
// rather than a hand-rolled tokenizer.
package jsonptr

import (
	"errors"
	"fmt"

	"github.com/go-openapi/jsonpointer"
)

// ErrInvalidPointer is returned only when the pointer string itself is
// syntactically malformed, never when a row simply doesn't have a value at
// an otherwise well-formed pointer.
var ErrInvalidPointer = errors.New("jsonptr: invalid pointer syntax")

// Validate checks pointer syntax up front, at create_index time, so a typo
// fails fast instead of silently skipping every row.
func Validate(pointer string) error {
	if _, err := jsonpointer.New(pointer); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidPointer, pointer, err)
	}
	return nil
}

// Eval navigates value (already decoded into Go's generic JSON
// representation: map[string]interface{}, []interface{}, string, float64,
// bool, nil) by pointer. It returns ok=false -- never an error -- when the
// target is missing, so a non-matching row is silently skipped rather than
// treated as a failure. An invalid pointer syntax also yields ok=false;
// CreateIndex's Validate call rejects such pointers before they get here.
func Eval(value interface{}, pointer string) (target interface{}, ok bool) {
	ptr, err := jsonpointer.New(pointer)
	if err != nil {
		return nil, false
	}
	result, _, err := ptr.Get(value)
	if err != nil {
		return nil, false
	}
	return result, true
}

// StringTargets extracts index entries from a pointer's target: if the
// target is a string, one entry; if an array, one entry per string element
// (non-string elements are skipped); anything else yields no entries.
// Duplicate strings within one value collapse to one entry, first
// occurrence wins.
func StringTargets(value interface{}, pointer string) ([]string, bool) {
	target, ok := Eval(value, pointer)
	if !ok {
		return nil, false
	}
	switch t := target.(type) {
	case string:
		return []string{t}, true
	case []interface{}:
		seen := make(map[string]struct{}, len(t))
		var out []string
		for _, elem := range t {
			s, ok := elem.(string)
			if !ok {
				continue
			}
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
		if out == nil {
			return nil, false
		}
		return out, true
	default:
		return nil, false
	}
}
