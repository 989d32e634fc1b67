package toolexecutor

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// compileSchema compiles a JSON Schema document. An empty document yields a nil schema.
func compileSchema(doc map[string]interface{}) (*gojsonschema.Schema, error) {
	if len(doc) == 0 {
		return nil, nil
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, err
	}
	return schema, nil
}

// validateAgainst validates a Go value against a compiled schema.
func validateAgainst(schema *gojsonschema.Schema, value interface{}) error {
	if schema == nil {
		return nil
	}

	if value == nil {
		value = map[string]interface{}{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(value))
	if err != nil {
		return err
	}

	if !result.Valid() {
		errs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return fmt.Errorf("schema validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// cloneSchema deep-copies a schema document. Nested maps and slices are
// copied; other values are JSON scalars and are shared.
func cloneSchema(doc map[string]interface{}) map[string]interface{} {
	if doc == nil {
		return nil
	}
	return cloneJSONValue(doc).(map[string]interface{})
}

func cloneJSONValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = cloneJSONValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = cloneJSONValue(val)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
