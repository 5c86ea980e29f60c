// Copyright 2026 The Chatwire Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

// Kind is a schema field type.
type Kind string

// Schema field types. BigInt is an int64 that crosses the wire as a
// decimal string; Int is a plain JSON number. Raw passes the decoded
// value through untouched for positions whose meaning is not yet
// understood.
const (
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindBigInt Kind = "bigint"
	KindBool   Kind = "bool"
	KindID     Kind = "id"
	KindObject Kind = "object"
	KindArray  Kind = "array"
	KindRaw    Kind = "raw"
)

// Field describes one position of a wire array. Composite kinds nest:
// an object field carries its own positional Fields, an array field
// carries the shape of its elements in Elem.
type Field struct {
	// Index is the zero-based position within the enclosing array.
	Index int `json:"index"`
	// Name is the field's logical name, used as the key in decoded
	// results and encode parameters.
	Name string `json:"name"`
	// Type is the field's kind.
	Type Kind `json:"type"`
	// Optional marks fields that may be null or absent. Absent optional
	// fields encode as null and decode as a missing map key.
	Optional bool `json:"optional,omitempty"`
	// Fields is the positional layout of an object field.
	Fields []Field `json:"fields,omitempty"`
	// Elem is the shape of an array field's elements.
	Elem *Field `json:"elem,omitempty"`
}

// Method is the request/response schema for one remote procedure. The
// wire ID is the opaque code the service uses to route the call; the
// logical name is ours.
type Method struct {
	// ID is the opaque alphanumeric RPC code observed in captured
	// traffic.
	ID string `json:"id"`
	// Request is the positional layout of the request payload array.
	Request []Field `json:"request"`
	// Response is the positional layout of the response payload array.
	Response []Field `json:"response"`
}

// EventShape describes one asynchronous push event. Event arrays carry
// a numeric tag at position 0; Fields lays out the positions after it.
type EventShape struct {
	// Tag is the numeric discriminator at position 0 of the event array.
	Tag int64 `json:"tag"`
	// Fields is the positional layout of the event array past the tag.
	Fields []Field `json:"fields"`
}

// SchemaTable is a complete description of the service's wire surface:
// callable methods keyed by logical name, and push event shapes keyed by
// event name. Tables are data, not code — they are authored as JSONC
// files where the comments hold the empirical observations behind each
// position, and can be swapped at runtime when the service drifts.
type SchemaTable struct {
	Methods map[string]*Method     `json:"methods"`
	Events  map[string]*EventShape `json:"events"`
}

//go:embed schema/builtin.jsonc
var builtinSchema []byte

// Builtin returns the schema table shipped with this module, matching
// the service deployment current at the time of capture. Panics if the
// embedded table is malformed, which is a build defect.
func Builtin() *SchemaTable {
	table, err := ParseSchemas(builtinSchema)
	if err != nil {
		panic("wire: embedded schema table is malformed: " + err.Error())
	}
	return table
}

// ParseSchemas parses a JSONC schema table. The input is JSON extended
// with // line comments, /* block comments */, and trailing commas;
// comments are stripped before unmarshaling.
func ParseSchemas(data []byte) (*SchemaTable, error) {
	stripped := jsonc.ToJSON(data)

	var table SchemaTable
	if err := json.Unmarshal(stripped, &table); err != nil {
		return nil, fmt.Errorf("wire: parsing schema table: %w", err)
	}
	if err := table.validate(); err != nil {
		return nil, err
	}
	return &table, nil
}

// ReadSchemasFile reads and parses a JSONC schema table from disk. This
// is the drift-override path: operators drop an updated table next to
// the config when the service changes shape, without rebuilding.
func ReadSchemasFile(path string) (*SchemaTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wire: reading schema table: %w", err)
	}
	table, err := ParseSchemas(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return table, nil
}

// Method returns the schema for a logical method name.
func (t *SchemaTable) Method(name string) (*Method, error) {
	method, ok := t.Methods[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, name)
	}
	return method, nil
}

// validate checks structural requirements the JSON shape cannot express.
func (t *SchemaTable) validate() error {
	for name, method := range t.Methods {
		if method == nil || method.ID == "" {
			return fmt.Errorf("wire: method %q has no rpc id", name)
		}
		if err := validateFields(name, method.Request); err != nil {
			return err
		}
		if err := validateFields(name, method.Response); err != nil {
			return err
		}
	}
	seenTags := make(map[int64]string)
	for name, shape := range t.Events {
		if shape == nil {
			return fmt.Errorf("wire: event %q has no shape", name)
		}
		if prior, dup := seenTags[shape.Tag]; dup {
			return fmt.Errorf("wire: events %q and %q share tag %d", prior, name, shape.Tag)
		}
		seenTags[shape.Tag] = name
		if err := validateFields(name, shape.Fields); err != nil {
			return err
		}
	}
	return nil
}

func validateFields(owner string, fields []Field) error {
	seenIndex := make(map[int]string)
	for _, field := range fields {
		if field.Name == "" {
			return fmt.Errorf("wire: %s: field at index %d has no name", owner, field.Index)
		}
		if field.Index < 0 {
			return fmt.Errorf("wire: %s: field %q has negative index", owner, field.Name)
		}
		if prior, dup := seenIndex[field.Index]; dup {
			return fmt.Errorf("wire: %s: fields %q and %q share index %d", owner, prior, field.Name, field.Index)
		}
		seenIndex[field.Index] = field.Name
		switch field.Type {
		case KindString, KindInt, KindBigInt, KindBool, KindID, KindRaw:
		case KindObject:
			if len(field.Fields) == 0 {
				return fmt.Errorf("wire: %s: object field %q has no fields", owner, field.Name)
			}
			if err := validateFields(owner+"."+field.Name, field.Fields); err != nil {
				return err
			}
		case KindArray:
			if field.Elem == nil {
				return fmt.Errorf("wire: %s: array field %q has no element shape", owner, field.Name)
			}
			if err := validateFields(owner+"."+field.Name, []Field{*field.Elem}); err != nil {
				return err
			}
		default:
			return fmt.Errorf("wire: %s: field %q has unknown type %q", owner, field.Name, field.Type)
		}
	}
	return nil
}
