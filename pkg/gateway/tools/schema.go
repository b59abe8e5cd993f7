package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Schema is the JSON Schema subset used to describe tool parameters.
type Schema struct {
	Type                 string            `json:"type"`
	Properties           map[string]Schema `json:"properties,omitempty"`
	Required             []string          `json:"required,omitempty"`
	Description          string            `json:"description,omitempty"`
	Enum                 []string          `json:"enum,omitempty"`
	Items                *Schema           `json:"items,omitempty"`
	AdditionalProperties *bool             `json:"additionalProperties,omitempty"`
}

// ArgumentError describes why call arguments do not match a tool's schema.
type ArgumentError struct {
	Param   string
	Message string
}

func (e *ArgumentError) Error() string {
	if e.Param == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Param, e.Message)
}

// ValidateArguments decodes raw call arguments and checks them against s.
// Arguments must be a JSON object.
func (s Schema) ValidateArguments(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, &ArgumentError{Message: "arguments must be valid JSON"}
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, &ArgumentError{Message: "arguments must be a JSON object"}
	}
	if err := s.validate(obj, ""); err != nil {
		return nil, err
	}
	return obj, nil
}

func (s Schema) validate(value any, path string) error {
	switch s.Type {
	case "", "any":
		return nil
	case "object":
		obj, ok := value.(map[string]any)
		if !ok {
			return &ArgumentError{Param: path, Message: "must be an object"}
		}
		for _, name := range s.Required {
			if _, present := obj[name]; !present {
				return &ArgumentError{Param: join(path, name), Message: "is required"}
			}
		}
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			prop, known := s.Properties[k]
			if !known {
				if s.AdditionalProperties != nil && !*s.AdditionalProperties {
					return &ArgumentError{Param: join(path, k), Message: "unknown field"}
				}
				continue
			}
			if err := prop.validate(obj[k], join(path, k)); err != nil {
				return err
			}
		}
		return nil
	case "array":
		items, ok := value.([]any)
		if !ok {
			return &ArgumentError{Param: path, Message: "must be an array"}
		}
		if s.Items == nil {
			return nil
		}
		for i, item := range items {
			if err := s.Items.validate(item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		return nil
	case "string":
		str, ok := value.(string)
		if !ok {
			return &ArgumentError{Param: path, Message: "must be a string"}
		}
		if len(s.Enum) > 0 {
			for _, allowed := range s.Enum {
				if str == allowed {
					return nil
				}
			}
			return &ArgumentError{Param: path, Message: "is not an allowed value"}
		}
		return nil
	case "integer":
		n, ok := value.(float64)
		if !ok || n != math.Trunc(n) {
			return &ArgumentError{Param: path, Message: "must be an integer"}
		}
		return nil
	case "number":
		if _, ok := value.(float64); !ok {
			return &ArgumentError{Param: path, Message: "must be a number"}
		}
		return nil
	case "boolean":
		if _, ok := value.(bool); !ok {
			return &ArgumentError{Param: path, Message: "must be a boolean"}
		}
		return nil
	default:
		return &ArgumentError{Param: path, Message: fmt.Sprintf("unsupported schema type %q", s.Type)}
	}
}

func join(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}
