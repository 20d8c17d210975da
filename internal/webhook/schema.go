package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/gitmirror/internal/mirror"
)

// envelopeSchemas validates raw event bodies before they are decoded into
// payload variants. Each event type gets its own compiled schema naming the
// objects it must carry.
type envelopeSchemas struct {
	byEvent map[string]*jsonschema.Schema
}

type schemaField struct {
	name string
	typ  string
}

func compileEnvelopeSchemas(provider string, fields []schemaField, required map[string][]string) (*envelopeSchemas, error) {
	compiler := jsonschema.NewCompiler()
	events := make([]string, 0, len(required))
	for event := range required {
		events = append(events, event)
	}
	sort.Strings(events)

	out := &envelopeSchemas{byEvent: make(map[string]*jsonschema.Schema, len(events))}
	for _, event := range events {
		doc, err := envelopeSchemaDocument(fields, required[event])
		if err != nil {
			return nil, err
		}
		url := fmt.Sprintf("mem://gitmirror/%s/%s.json", provider, event)
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s schema for %s: %w", provider, event, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema for %s: %w", provider, event, err)
		}
		out.byEvent[event] = schema
	}
	return out, nil
}

// envelopeSchemaDocument renders the schema through JSON so the compiler
// sees the same value shapes it gets from a parsed document.
func envelopeSchemaDocument(fields []schemaField, required []string) (any, error) {
	properties := make(map[string]any, len(fields))
	for _, field := range fields {
		properties[field.name] = map[string]any{"type": []string{field.typ, "null"}}
	}
	for _, name := range required {
		for _, field := range fields {
			if field.name == name {
				properties[name] = map[string]any{"type": field.typ}
			}
		}
	}
	raw, err := json.Marshal(map[string]any{
		"type":       "object",
		"required":   required,
		"properties": properties,
	})
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}

// validate checks data against the schema for eventType. Event types
// without a schema only have to be a JSON object.
func (s *envelopeSchemas) validate(eventType string, data []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", mirror.ErrMalformedEnvelope, err)
	}
	schema, ok := s.byEvent[eventType]
	if !ok {
		if _, isObject := instance.(map[string]any); !isObject {
			return fmt.Errorf("%w: body is not a JSON object", mirror.ErrMalformedEnvelope)
		}
		return nil
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %s: %v", mirror.ErrMalformedEnvelope, eventType, err)
	}
	return nil
}
