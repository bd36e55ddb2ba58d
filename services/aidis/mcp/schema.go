// Copyright (C) 2025 AIDIS Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package mcp

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Field Specifications
// =============================================================================

// FieldType enumerates the JSON shapes a tool argument may take.
type FieldType string

const (
	FieldString     FieldType = "string"
	FieldInt        FieldType = "integer"
	FieldFloat      FieldType = "number"
	FieldBool       FieldType = "boolean"
	FieldStringList FieldType = "string[]"
	FieldObject     FieldType = "object"
	FieldObjectList FieldType = "object[]"
)

// FieldSpec declares one argument of a tool schema.
//
// Constraints are expressed two ways: Enum for closed value sets (checked
// here so the message can list the options), and Tag for everything
// go-playground/validator can express (length, ranges, uuid, patterns).
type FieldSpec struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`

	// Enum restricts a string field to a closed value set.
	Enum []string `json:"enum,omitempty"`

	// Tag is a validator/v10 tag applied to the coerced value,
	// e.g. "max=500", "gte=0,lte=1", "uuid".
	Tag string `json:"constraint,omitempty"`

	// FromString permits numeric parse from a JSON string, for clients
	// that quote numbers.
	FromString bool `json:"-"`

	// Description feeds GET /mcp/tools/schemas.
	Description string `json:"description,omitempty"`
}

// Schema is the declared input contract of one tool.
type Schema struct {
	Fields []FieldSpec `json:"fields"`
}

// validate is the shared validator instance. FieldSpec tags only use
// stateless built-ins, so one instance is safe for concurrent use.
var validate = validator.New()

// =============================================================================
// Args
// =============================================================================

// Args holds validated, coerced tool arguments.
type Args map[string]any

// Has reports whether the argument was supplied.
func (a Args) Has(key string) bool {
	_, ok := a[key]
	return ok
}

// String returns the string argument or "".
func (a Args) String(key string) string {
	s, _ := a[key].(string)
	return s
}

// StringOr returns the string argument or def when absent or empty.
func (a Args) StringOr(key, def string) string {
	if s := a.String(key); s != "" {
		return s
	}
	return def
}

// Int returns the integer argument or def.
func (a Args) Int(key string, def int) int {
	switch v := a[key].(type) {
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// Float returns the numeric argument or def.
func (a Args) Float(key string, def float64) float64 {
	switch v := a[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	default:
		return def
	}
}

// Bool returns the boolean argument or def.
func (a Args) Bool(key string, def bool) bool {
	if b, ok := a[key].(bool); ok {
		return b
	}
	return def
}

// StringList returns the string-list argument or nil.
func (a Args) StringList(key string) []string {
	l, _ := a[key].([]string)
	return l
}

// Object returns the object argument or nil.
func (a Args) Object(key string) map[string]any {
	m, _ := a[key].(map[string]any)
	return m
}

// ObjectList returns the object-list argument or nil.
func (a Args) ObjectList(key string) []map[string]any {
	l, _ := a[key].([]map[string]any)
	return l
}

// =============================================================================
// Validation
// =============================================================================

// Validate checks raw JSON arguments against the schema and returns coerced
// Args. The function is pure: the same schema and payload always produce
// the same result.
//
// Rules, in order:
//  1. Unknown fields are rejected.
//  2. Required fields must be present and non-null.
//  3. Values are coerced trivially only: strings trimmed and stripped of
//     control characters, numerics parsed from strings where the field
//     declares FromString.
//  4. Enum membership and validator tags are checked on the coerced value.
//
// Errors carry CodeInvalidInput and name the first offending field.
func (s *Schema) Validate(raw json.RawMessage) (Args, error) {
	payload := map[string]json.RawMessage{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, Errf(CodeInvalidInput, "arguments must be a JSON object: %v", err)
		}
	}

	specs := make(map[string]*FieldSpec, len(s.Fields))
	for i := range s.Fields {
		specs[s.Fields[i].Name] = &s.Fields[i]
	}

	for name := range payload {
		if _, ok := specs[name]; !ok {
			return nil, Errf(CodeInvalidInput, "unknown field %q", name)
		}
	}

	args := Args{}
	for i := range s.Fields {
		spec := &s.Fields[i]
		rawVal, present := payload[spec.Name]
		if !present || string(rawVal) == "null" {
			if spec.Required {
				return nil, Errf(CodeInvalidInput, "field %q is required", spec.Name)
			}
			continue
		}

		val, err := spec.coerce(rawVal)
		if err != nil {
			return nil, err
		}
		if err := spec.check(val); err != nil {
			return nil, err
		}
		args[spec.Name] = val
	}

	return args, nil
}

// coerce decodes one raw value into the field's Go shape.
func (f *FieldSpec) coerce(raw json.RawMessage) (any, error) {
	switch f.Type {
	case FieldString:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, Errf(CodeInvalidInput, "field %q must be a string", f.Name)
		}
		return sanitizeString(s), nil

	case FieldInt:
		var n int64
		if err := json.Unmarshal(raw, &n); err == nil {
			return n, nil
		}
		if f.FromString {
			var s string
			if err := json.Unmarshal(raw, &s); err == nil {
				if n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
					return n, nil
				}
			}
		}
		return nil, Errf(CodeInvalidInput, "field %q must be an integer", f.Name)

	case FieldFloat:
		var x float64
		if err := json.Unmarshal(raw, &x); err == nil {
			return x, nil
		}
		if f.FromString {
			var s string
			if err := json.Unmarshal(raw, &s); err == nil {
				if x, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
					return x, nil
				}
			}
		}
		return nil, Errf(CodeInvalidInput, "field %q must be a number", f.Name)

	case FieldBool:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, Errf(CodeInvalidInput, "field %q must be a boolean", f.Name)
		}
		return b, nil

	case FieldStringList:
		var l []string
		if err := json.Unmarshal(raw, &l); err != nil {
			return nil, Errf(CodeInvalidInput, "field %q must be a list of strings", f.Name)
		}
		for i := range l {
			l[i] = sanitizeString(l[i])
		}
		return l, nil

	case FieldObject:
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, Errf(CodeInvalidInput, "field %q must be an object", f.Name)
		}
		return m, nil

	case FieldObjectList:
		var l []map[string]any
		if err := json.Unmarshal(raw, &l); err != nil {
			return nil, Errf(CodeInvalidInput, "field %q must be a list of objects", f.Name)
		}
		return l, nil

	default:
		return nil, Errf(CodeInternal, "field %q has unknown type %q", f.Name, f.Type)
	}
}

// check applies enum membership and the validator tag.
func (f *FieldSpec) check(val any) error {
	if len(f.Enum) > 0 {
		s, _ := val.(string)
		found := false
		for _, e := range f.Enum {
			if s == e {
				found = true
				break
			}
		}
		if !found {
			return Errf(CodeInvalidInput, "field %q must be one of [%s]",
				f.Name, strings.Join(f.Enum, ", "))
		}
	}

	if f.Tag != "" {
		if err := validate.Var(val, f.Tag); err != nil {
			return Errf(CodeInvalidInput, "field %q violates constraint %q", f.Name, f.Tag)
		}
	}

	return nil
}

// sanitizeString trims surrounding whitespace and strips non-printing
// control characters. Newlines and tabs inside content survive.
func sanitizeString(s string) string {
	s = strings.TrimSpace(s)
	if !strings.ContainsFunc(s, isBannedControl) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if !isBannedControl(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isBannedControl(r rune) bool {
	return unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r'
}

// describeField renders a compact human-readable constraint summary for
// the schema listing endpoints.
func describeField(f *FieldSpec) string {
	parts := []string{string(f.Type)}
	if f.Required {
		parts = append(parts, "required")
	}
	if len(f.Enum) > 0 {
		parts = append(parts, "one of "+strings.Join(f.Enum, "|"))
	}
	if f.Tag != "" {
		parts = append(parts, f.Tag)
	}
	return fmt.Sprintf("%s (%s)", f.Name, strings.Join(parts, ", "))
}
