package canon

import (
	"fmt"
	"sort"
)

// Value is a sealed interface for canonicalizable values.
// Only Null, String, Int, Bool, Array, and Object implement it.
// There is no float variant: floats are forbidden because their
// serialization is not deterministic across platforms and nothing
// in a member record needs one.
type Value interface {
	canonValue()
}

// Null represents an explicitly-null field value.
//
// Null is distinct from an absent key and from the empty string.
// Canonicalization preserves that distinction: whatever shape the
// payload construction produced is the shape that gets hashed.
type Null struct{}

func (Null) canonValue() {}

// String represents a string value.
type String string

func (String) canonValue() {}

// Int represents an integer value. Always int64.
type Int int64

func (Int) canonValue() {}

// Bool represents a boolean value.
type Bool bool

func (Bool) canonValue() {}

// Array represents an ordered list of values.
// Order is semantically meaningful (e.g. contact entries) and is
// preserved by canonicalization.
type Array []Value

func (Array) canonValue() {}

// Object represents a map of string keys to values.
// Use SortedKeys for deterministic iteration.
type Object map[string]Value

func (Object) canonValue() {}

// SortedKeys returns the object's keys in lexicographic byte order.
func (o Object) SortedKeys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FromAny converts a plain Go value (as produced by YAML or JSON
// decoding) into a Value. Floats are rejected.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case int:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case bool:
		return Bool(val), nil
	case float64, float32:
		return nil, fmt.Errorf("floats are forbidden in canonical values: %v", val)
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			cv, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = cv
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(val))
		for k, elem := range val {
			cv, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			obj[k] = cv
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported type for canonical value: %T", v)
	}
}
