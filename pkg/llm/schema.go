// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package llm

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ResponseSchema describes the JSON object a structured generation must
// return. It is always derived from a Go prototype struct via
// NewResponseSchema; raw map-shaped schemas are rejected so that every
// structured output in the codebase has a typed decoding target.
type ResponseSchema struct {
	name        string
	description string
	document    map[string]interface{}
	prototype   reflect.Type
}

// NewResponseSchema derives a JSON schema from the prototype struct.
// Field names come from json tags; fields tagged omitempty are optional,
// all others are required. Supported field kinds: string, bool, integers,
// floats, slices, string-keyed maps, nested structs and pointers to structs.
func NewResponseSchema(name, description string, prototype interface{}) (*ResponseSchema, error) {
	if prototype == nil {
		return nil, fmt.Errorf("schema %q: prototype must not be nil", name)
	}
	t := reflect.TypeOf(prototype)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("schema %q: prototype must be a struct, got %s", name, t.Kind())
	}
	doc, err := schemaForType(t)
	if err != nil {
		return nil, fmt.Errorf("schema %q: %w", name, err)
	}
	return &ResponseSchema{
		name:        name,
		description: description,
		document:    doc,
		prototype:   t,
	}, nil
}

// MustResponseSchema is NewResponseSchema that panics on error. Used for
// package-level schema declarations, which are exercised by tests.
func MustResponseSchema(name, description string, prototype interface{}) *ResponseSchema {
	s, err := NewResponseSchema(name, description, prototype)
	if err != nil {
		panic(err)
	}
	return s
}

// Name returns the schema name (used as the tool/function name on the wire).
func (s *ResponseSchema) Name() string { return s.name }

// Description returns the schema description.
func (s *ResponseSchema) Description() string { return s.description }

// Document returns the JSON-schema document to send to the provider.
func (s *ResponseSchema) Document() map[string]interface{} { return s.document }

// Validate checks raw JSON against the schema and unmarshals it into out.
// A validation failure is reported as ErrSchemaViolation.
func (s *ResponseSchema) Validate(raw []byte, out interface{}) error {
	docJSON, err := json.Marshal(s.document)
	if err != nil {
		return fmt.Errorf("marshal schema document: %w", err)
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(docJSON),
		gojsonschema.NewBytesLoader(raw),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchemaViolation, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrSchemaViolation, strings.Join(msgs, "; "))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrSchemaViolation, err)
	}
	return nil
}

// schemaForType builds a JSON-schema fragment for a Go type.
func schemaForType(t reflect.Type) (map[string]interface{}, error) {
	switch t.Kind() {
	case reflect.String:
		return map[string]interface{}{"type": "string"}, nil
	case reflect.Bool:
		return map[string]interface{}{"type": "boolean"}, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return map[string]interface{}{"type": "integer"}, nil
	case reflect.Float32, reflect.Float64:
		return map[string]interface{}{"type": "number"}, nil
	case reflect.Slice, reflect.Array:
		items, err := schemaForType(t.Elem())
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"type": "array", "items": items}, nil
	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return nil, fmt.Errorf("unsupported map key kind %s", t.Key().Kind())
		}
		values, err := schemaForType(t.Elem())
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"type": "object", "additionalProperties": values}, nil
	case reflect.Ptr:
		return schemaForType(t.Elem())
	case reflect.Interface:
		// Free-form value (metadata blobs).
		return map[string]interface{}{}, nil
	case reflect.Struct:
		properties := map[string]interface{}{}
		var required []string
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.PkgPath != "" { // unexported
				continue
			}
			tag := f.Tag.Get("json")
			if tag == "-" {
				continue
			}
			name := f.Name
			optional := false
			if tag != "" {
				parts := strings.Split(tag, ",")
				if parts[0] != "" {
					name = parts[0]
				}
				for _, p := range parts[1:] {
					if p == "omitempty" {
						optional = true
					}
				}
			}
			fieldSchema, err := schemaForType(f.Type)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", f.Name, err)
			}
			if desc := f.Tag.Get("description"); desc != "" {
				fieldSchema["description"] = desc
			}
			properties[name] = fieldSchema
			if !optional {
				required = append(required, name)
			}
		}
		doc := map[string]interface{}{
			"type":                 "object",
			"properties":           properties,
			"additionalProperties": false,
		}
		if len(required) > 0 {
			doc["required"] = required
		}
		return doc, nil
	default:
		return nil, fmt.Errorf("unsupported kind %s", t.Kind())
	}
}
