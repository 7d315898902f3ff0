// Package toolconv converts tool input schemas into Gemini function declarations.
package toolconv

import (
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// FunctionDeclaration builds a declaration from a JSON Schema document.
// An empty schema becomes an object with no properties.
func FunctionDeclaration(name, description string, schema json.RawMessage) (*genai.FunctionDeclaration, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("function name is required")
	}

	decl := &genai.FunctionDeclaration{
		Name:        name,
		Description: description,
	}
	if len(schema) == 0 || string(schema) == "null" {
		decl.Parameters = &genai.Schema{Type: genai.TypeObject}
		return decl, nil
	}

	var schemaMap map[string]any
	if err := json.Unmarshal(schema, &schemaMap); err != nil {
		return nil, fmt.Errorf("tool %s: invalid input schema: %w", name, err)
	}
	decl.Parameters = ToGeminiSchema(schemaMap)
	if decl.Parameters.Type == "" {
		decl.Parameters.Type = genai.TypeObject
	}
	return decl, nil
}

// ToGeminiSchema converts a JSON Schema map to Gemini's Schema type.
// Keywords Gemini does not understand ($schema, additionalProperties, ...) are dropped.
func ToGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}

	schema := &genai.Schema{}

	switch t := schemaMap["type"].(type) {
	case string:
		schema.Type = genai.Type(strings.ToUpper(t))
	case []any:
		// ["string", "null"] style unions collapse to the first non-null type.
		for _, entry := range t {
			if s, ok := entry.(string); ok && s != "null" {
				schema.Type = genai.Type(strings.ToUpper(s))
				break
			}
		}
		for _, entry := range t {
			if s, ok := entry.(string); ok && s == "null" {
				nullable := true
				schema.Nullable = &nullable
			}
		}
	}

	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if format, ok := schemaMap["format"].(string); ok && (format == "enum" || format == "date-time") {
		schema.Format = format
	}

	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
		if schema.Type == "" {
			schema.Type = genai.TypeString
		}
	}

	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = ToGeminiSchema(propMap)
			}
		}
		if schema.Type == "" {
			schema.Type = genai.TypeObject
		}
	}

	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}

	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = ToGeminiSchema(items)
		if schema.Type == "" {
			schema.Type = genai.TypeArray
		}
	}

	return schema
}
