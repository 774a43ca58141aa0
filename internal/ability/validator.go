package ability

import (
	"encoding/json"
	"fmt"
	"reflect"

	heroErrors "github.com/th317erd/hero/internal/errors"
)

// ValidateInput checks params against the subset of JSON Schema abilities
// use: required, properties, type, items, enum and additionalProperties=false.
func ValidateInput(schema map[string]any, params json.RawMessage) error {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	var input map[string]any
	if err := json.Unmarshal(params, &input); err != nil {
		return heroErrors.Validation(fmt.Sprintf("params must be a JSON object: %v", err))
	}
	if len(schema) == 0 {
		return nil
	}
	if err := validateObject("", schema, input); err != nil {
		return heroErrors.Validation(err.Error())
	}
	return nil
}

func validateObject(path string, schema map[string]any, input map[string]any) error {
	for _, field := range requiredFields(schema["required"]) {
		if _, exists := input[field]; !exists {
			return fmt.Errorf("missing required field: %s", join(path, field))
		}
	}

	properties, _ := schema["properties"].(map[string]any)
	strict := schema["additionalProperties"] == false

	for key, value := range input {
		propSchema, defined := properties[key]
		if !defined {
			if strict {
				return fmt.Errorf("unknown field: %s", join(path, key))
			}
			continue
		}
		propMap, ok := propSchema.(map[string]any)
		if !ok {
			continue
		}
		if err := validateValue(join(path, key), propMap, value); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(field string, schema map[string]any, value any) error {
	if enum, ok := schema["enum"].([]any); ok && !inEnum(enum, value) {
		return fmt.Errorf("field '%s' must be one of %v", field, enum)
	}
	if enum, ok := schema["enum"].([]string); ok {
		s, isString := value.(string)
		if !isString || !containsString(enum, s) {
			return fmt.Errorf("field '%s' must be one of %v", field, enum)
		}
	}

	expected, ok := schema["type"].(string)
	if !ok {
		return nil
	}

	switch expected {
	case "string":
		if _, ok := value.(string); !ok {
			return fmt.Errorf("field '%s' expected string, got %T", field, value)
		}
	case "number":
		if _, ok := value.(float64); !ok {
			return fmt.Errorf("field '%s' expected number, got %T", field, value)
		}
	case "integer":
		n, ok := value.(float64)
		if !ok || n != float64(int64(n)) {
			return fmt.Errorf("field '%s' expected integer, got %v", field, value)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("field '%s' expected boolean, got %T", field, value)
		}
	case "array":
		arr, ok := value.([]any)
		if !ok {
			return fmt.Errorf("field '%s' expected array, got %T", field, value)
		}
		if items, ok := schema["items"].(map[string]any); ok {
			for i, item := range arr {
				if err := validateValue(fmt.Sprintf("%s[%d]", field, i), items, item); err != nil {
					return err
				}
			}
		}
	case "object":
		obj, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("field '%s' expected object, got %T", field, value)
		}
		return validateObject(field, schema, obj)
	}
	return nil
}

func requiredFields(v any) []string {
	switch req := v.(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, f := range req {
			if s, ok := f.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func inEnum(enum []any, value any) bool {
	for _, candidate := range enum {
		if reflect.DeepEqual(candidate, value) {
			return true
		}
		// Schemas written in Go use int literals; JSON numbers decode as float64.
		if i, ok := candidate.(int); ok {
			if f, ok := value.(float64); ok && float64(i) == f {
				return true
			}
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func join(path, field string) string {
	if path == "" {
		return field
	}
	return path + "." + field
}
