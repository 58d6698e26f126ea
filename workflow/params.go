package workflow

import (
	"fmt"
)

// Params is the variant tree passed to providers: JSON-representable
// scalars, sequences and string-keyed mappings only.
type Params map[string]any

// CloneParams returns a deep copy of the params tree.
func CloneParams(p Params) Params {
	if p == nil {
		return nil
	}
	return Params(CloneMap(map[string]any(p)))
}

// CloneMap returns a deep copy of a string-keyed mapping.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	dup := make(map[string]any, len(m))
	for k, v := range m {
		dup[k] = CloneValue(v)
	}
	return dup
}

// CloneValue returns a deep copy of a variant tree value.
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneMap(val)
	case Params:
		return CloneParams(val)
	case []any:
		dup := make([]any, len(val))
		for i, item := range val {
			dup[i] = CloneValue(item)
		}
		return dup
	default:
		return val
	}
}

// ValidateTree checks that the params tree contains only representable
// values: nil, booleans, strings, numbers, []any and map[string]any.
func ValidateTree(p Params) error {
	return validateValue("params", map[string]any(p))
}

func validateValue(path string, v any) error {
	switch val := v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return nil
	case map[string]any:
		for k, item := range val {
			if err := validateValue(path+"."+k, item); err != nil {
				return err
			}
		}
		return nil
	case Params:
		return validateValue(path, map[string]any(val))
	case []any:
		for i, item := range val {
			if err := validateValue(fmt.Sprintf("%s[%d]", path, i), item); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%s: unsupported value type %T", path, v)
	}
}

// VisitStrings walks the tree and calls fn for every string value.
// Traversal stops at the first error.
func VisitStrings(v any, fn func(s string) error) error {
	switch val := v.(type) {
	case string:
		return fn(val)
	case map[string]any:
		for _, item := range val {
			if err := VisitStrings(item, fn); err != nil {
				return err
			}
		}
		return nil
	case Params:
		return VisitStrings(map[string]any(val), fn)
	case []any:
		for _, item := range val {
			if err := VisitStrings(item, fn); err != nil {
				return err
			}
		}
		return nil
	default:
		return nil
	}
}
