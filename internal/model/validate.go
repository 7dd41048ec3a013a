package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MaxConfigDepth bounds how deeply configuration objects may nest
const MaxConfigDepth = 8

var ErrInvalidConfig = errors.New("invalid config")

// ValidateConfig checks that cfg only holds the value shapes the substitution
// engine understands: strings, booleans, numbers, arrays of strings and
// nested objects.
func ValidateConfig(cfg map[string]any) error {
	if len(cfg) == 0 {
		return fmt.Errorf("%w: config is empty", ErrInvalidConfig)
	}
	return validateObject(cfg, "", 1)
}

func validateObject(obj map[string]any, prefix string, depth int) error {
	if depth > MaxConfigDepth {
		return fmt.Errorf("%w: %s nests deeper than %d levels", ErrInvalidConfig, prefix, MaxConfigDepth)
	}

	for key, value := range obj {
		if key == "" {
			return fmt.Errorf("%w: empty key under %q", ErrInvalidConfig, prefix)
		}
		if strings.Contains(key, "{{") || strings.Contains(key, "}}") {
			return fmt.Errorf("%w: key %q contains placeholder braces", ErrInvalidConfig, key)
		}

		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		if err := validateValue(value, path, depth); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(value any, path string, depth int) error {
	switch v := value.(type) {
	case string, bool, float64, json.Number, int, int64:
		return nil
	case map[string]any:
		return validateObject(v, path, depth+1)
	case []string:
		return nil
	case []any:
		for i, item := range v {
			if _, ok := item.(string); !ok {
				return fmt.Errorf("%w: %s[%d] must be a string", ErrInvalidConfig, path, i)
			}
		}
		return nil
	case nil:
		return fmt.Errorf("%w: %s is null", ErrInvalidConfig, path)
	default:
		return fmt.Errorf("%w: %s has unsupported type %T", ErrInvalidConfig, path, value)
	}
}
