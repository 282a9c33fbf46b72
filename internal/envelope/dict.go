package envelope

import (
	"math"
	"time"
)

// Dict is a decoded plist dictionary with typed accessors. Accessors
// report absence and type mismatch the same way: a zero value, or false
// for the two-value forms.
type Dict map[string]any

// String returns the string value at key, or "".
func (d Dict) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// Bytes returns the data value at key.
func (d Dict) Bytes(key string) ([]byte, bool) {
	b, ok := d[key].([]byte)
	return b, ok
}

// Int returns the integer value at key. The plist decoder yields uint64
// for non-negative integers and int64 for negative ones.
func (d Dict) Int(key string) (int64, bool) {
	return asInt64(d[key])
}

// Bool returns the boolean value at key.
func (d Dict) Bool(key string) (bool, bool) {
	b, ok := d[key].(bool)
	return b, ok
}

// Time returns the date value at key.
func (d Dict) Time(key string) (time.Time, bool) {
	t, ok := d[key].(time.Time)
	return t, ok
}

// Dict returns the nested dictionary at key.
func (d Dict) Dict(key string) (Dict, bool) {
	return asDict(d[key])
}

// Dicts returns the array at key, keeping only dictionary elements.
func (d Dict) Dicts(key string) ([]Dict, bool) {
	arr, ok := d[key].([]any)
	if !ok {
		return nil, false
	}

	out := make([]Dict, 0, len(arr))
	for _, v := range arr {
		if m, ok := asDict(v); ok {
			out = append(out, m)
		}
	}

	return out, true
}

func asDict(v any) (Dict, bool) {
	switch m := v.(type) {
	case map[string]any:
		return Dict(m), true
	case Dict:
		return m, true
	}

	return nil, false
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}

		return int64(n), true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint32:
		return int64(n), true
	}

	return 0, false
}
