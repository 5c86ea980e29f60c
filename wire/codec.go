// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"
	"strconv"
)

// Codec translates between typed parameters and positional wire arrays,
// driven by a [SchemaTable]. A Codec is immutable and safe for
// concurrent use.
type Codec struct {
	table *SchemaTable

	// eventsByTag indexes event shapes by their numeric discriminator
	// for DecodeEvent.
	eventsByTag map[int64]taggedShape
}

type taggedShape struct {
	name  string
	shape *EventShape
}

// NewCodec creates a Codec over the given schema table.
func NewCodec(table *SchemaTable) *Codec {
	byTag := make(map[int64]taggedShape, len(table.Events))
	for name, shape := range table.Events {
		byTag[shape.Tag] = taggedShape{name: name, shape: shape}
	}
	return &Codec{table: table, eventsByTag: byTag}
}

// RPCID returns the opaque wire code for a logical method name.
func (c *Codec) RPCID(method string) (string, error) {
	m, err := c.table.Method(method)
	if err != nil {
		return "", err
	}
	return m.ID, nil
}

// Encode places the named parameters at their schema positions and
// returns the request payload array. Absent optional fields encode as
// null; a missing required field is an error. Parameters with no schema
// position are an error too — silently dropping a field would be
// indistinguishable from sending it, from the caller's point of view.
func (c *Codec) Encode(method string, params map[string]any) ([]any, error) {
	m, err := c.table.Method(method)
	if err != nil {
		return nil, err
	}
	arr, err := encodeFields(m.Request, params)
	if err != nil {
		return nil, fmt.Errorf("wire: encoding %s: %w", method, err)
	}

	// Reject stray parameters: they indicate a caller/schema mismatch.
	known := make(map[string]bool, len(m.Request))
	for _, field := range m.Request {
		known[field.Name] = true
	}
	for name := range params {
		if !known[name] {
			return nil, fmt.Errorf("wire: encoding %s: parameter %q has no schema position", method, name)
		}
	}
	return arr, nil
}

// Decode walks a response payload array against the method's response
// schema. Shape mismatches at the top level fail the decode with a
// [*ProtocolError]; failures scoped to one element of a list are
// contained as [Fault] values on the result.
func (c *Codec) Decode(method string, arr []any) (*Result, error) {
	m, err := c.table.Method(method)
	if err != nil {
		return nil, err
	}
	return decodeArray(method, m.Response, arr)
}

// DecodeEvent matches a push event array against the table's event
// shapes by its numeric tag at position 0. Returns the event's logical
// name alongside the decoded result. If no shape matches, returns
// [ErrUnknownShape] — callers log and skip.
func (c *Codec) DecodeEvent(arr []any) (string, *Result, error) {
	if len(arr) == 0 {
		return "", nil, &ProtocolError{Method: "event", Message: "empty event array"}
	}
	tag, err := toInt64(arr[0])
	if err != nil {
		return "", nil, &ProtocolError{Method: "event", Path: "[0]", Message: "tag: " + err.Error()}
	}
	tagged, ok := c.eventsByTag[tag]
	if !ok {
		return "", nil, fmt.Errorf("%w: tag %d", ErrUnknownShape, tag)
	}

	// Event fields are positioned relative to the array past the tag.
	result, err := decodeArray(tagged.name, tagged.shape.Fields, arr[1:])
	if err != nil {
		return "", nil, err
	}
	return tagged.name, result, nil
}

// Result is a decoded wire array: named fields plus any contained
// per-element faults.
type Result struct {
	// Fields maps schema field names to decoded values: string, int64,
	// bool, ID, []any (array elements), or map[string]any (objects).
	// Absent optional fields have no key.
	Fields map[string]any
	// Faults lists elements that failed to decode and were dropped.
	Faults []Fault
}

// String returns the named field as a string, or "" if absent.
func (r *Result) String(name string) string {
	s, _ := r.Fields[name].(string)
	return s
}

// Int64 returns the named field as an int64, or 0 if absent.
func (r *Result) Int64(name string) int64 {
	n, _ := r.Fields[name].(int64)
	return n
}

// Bool returns the named field as a bool, or false if absent.
func (r *Result) Bool(name string) bool {
	b, _ := r.Fields[name].(bool)
	return b
}

// ID returns the named field as an ID, or the zero ID if absent.
func (r *Result) ID(name string) ID {
	id, _ := r.Fields[name].(ID)
	return id
}

// Array returns the named field's elements, or nil if absent.
func (r *Result) Array(name string) []any {
	arr, _ := r.Fields[name].([]any)
	return arr
}

// Object returns the named object field's decoded fields, or nil.
func (r *Result) Object(name string) map[string]any {
	obj, _ := r.Fields[name].(map[string]any)
	return obj
}

// encodeFields builds a positional array from named parameters.
func encodeFields(fields []Field, params map[string]any) ([]any, error) {
	width := 0
	for _, field := range fields {
		if field.Index+1 > width {
			width = field.Index + 1
		}
	}
	out := make([]any, width)

	for _, field := range fields {
		value, present := params[field.Name]
		if !present || value == nil {
			if !field.Optional {
				return nil, fmt.Errorf("missing required parameter %q", field.Name)
			}
			continue // position stays null
		}
		encoded, err := encodeValue(field, value)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", field.Name, err)
		}
		out[field.Index] = encoded
	}
	return out, nil
}

func encodeValue(field Field, value any) (any, error) {
	switch field.Type {
	case KindString:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", value)
		}
		return s, nil
	case KindInt:
		n, err := toInt64(value)
		if err != nil {
			return nil, err
		}
		return n, nil
	case KindBigInt:
		n, err := toInt64(value)
		if err != nil {
			return nil, err
		}
		return strconv.FormatInt(n, 10), nil
	case KindBool:
		b, ok := value.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", value)
		}
		return b, nil
	case KindID:
		id, ok := value.(ID)
		if !ok {
			return nil, fmt.Errorf("expected wire.ID, got %T", value)
		}
		return encodeID(id), nil
	case KindObject:
		obj, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected map[string]any, got %T", value)
		}
		return encodeFields(field.Fields, obj)
	case KindArray:
		elems, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("expected []any, got %T", value)
		}
		out := make([]any, len(elems))
		for i, elem := range elems {
			encoded, err := encodeValue(*field.Elem, elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = encoded
		}
		return out, nil
	case KindRaw:
		return value, nil
	default:
		return nil, fmt.Errorf("unknown field type %q", field.Type)
	}
}

// decodeArray decodes a positional array against a field list. The
// top-level shape must hold: the value must be an array long enough for
// every required field. Faults from list elements are collected, not
// propagated.
func decodeArray(method string, fields []Field, arr []any) (*Result, error) {
	result := &Result{Fields: make(map[string]any, len(fields))}
	for _, field := range fields {
		if field.Index >= len(arr) || arr[field.Index] == nil {
			if !field.Optional {
				return nil, &ProtocolError{
					Method:  method,
					Path:    field.Name,
					Message: fmt.Sprintf("required field absent (array has %d elements, field at index %d)", len(arr), field.Index),
				}
			}
			continue
		}
		value, faults, err := decodeValue(method, field.Name, field, arr[field.Index])
		if err != nil {
			return nil, err
		}
		result.Faults = append(result.Faults, faults...)
		result.Fields[field.Name] = value
	}
	return result, nil
}

// decodeValue decodes one position. Scalar conversion failures are
// returned as a ProtocolError carrying the path; list element failures
// come back as contained faults.
func decodeValue(method, path string, field Field, value any) (any, []Fault, error) {
	switch field.Type {
	case KindString:
		s, err := toString(value)
		if err != nil {
			return nil, nil, &ProtocolError{Method: method, Path: path, Message: err.Error()}
		}
		return s, nil, nil
	case KindInt, KindBigInt:
		n, err := toInt64(value)
		if err != nil {
			return nil, nil, &ProtocolError{Method: method, Path: path, Message: err.Error()}
		}
		return n, nil, nil
	case KindBool:
		b, err := toBool(value)
		if err != nil {
			return nil, nil, &ProtocolError{Method: method, Path: path, Message: err.Error()}
		}
		return b, nil, nil
	case KindID:
		id, err := decodeID(value)
		if err != nil {
			return nil, nil, &ProtocolError{Method: method, Path: path, Message: err.Error()}
		}
		return id, nil, nil
	case KindObject:
		sub, ok := value.([]any)
		if !ok {
			return nil, nil, &ProtocolError{Method: method, Path: path, Message: fmt.Sprintf("expected nested array, got %T", value)}
		}
		nested, err := decodeArray(method, field.Fields, sub)
		if err != nil {
			return nil, nil, err
		}
		var faults []Fault
		for _, fault := range nested.Faults {
			faults = append(faults, Fault{Path: path + "." + fault.Path, Err: fault.Err})
		}
		return nested.Fields, faults, nil
	case KindArray:
		elems, ok := value.([]any)
		if !ok {
			return nil, nil, &ProtocolError{Method: method, Path: path, Message: fmt.Sprintf("expected array, got %T", value)}
		}
		// Elements decode independently: a bad element becomes a fault
		// and is dropped, its siblings are unaffected.
		out := make([]any, 0, len(elems))
		var faults []Fault
		for i, elem := range elems {
			elemPath := fmt.Sprintf("%s[%d]", path, i)
			decoded, elemFaults, err := decodeValue(method, elemPath, *field.Elem, elem)
			if err != nil {
				faults = append(faults, Fault{Path: elemPath, Err: err})
				continue
			}
			faults = append(faults, elemFaults...)
			out = append(out, decoded)
		}
		return out, faults, nil
	case KindRaw:
		return value, nil, nil
	default:
		return nil, nil, &ProtocolError{Method: method, Path: path, Message: fmt.Sprintf("unknown field type %q", field.Type)}
	}
}
