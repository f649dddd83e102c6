package config

import (
	"time"
)

// Values is a free-form settings map with typed accessors. Every accessor
// returns its default when the key is missing or holds a value that cannot
// be converted. Handler settings use it, since each handler defines its own
// keys.
type Values struct {
	data map[string]any
}

// NewValues wraps data. A nil map gives empty Values.
func NewValues(data map[string]any) Values {
	if data == nil {
		data = make(map[string]any)
	}
	return Values{data: data}
}

// String returns the string at key.
func (v Values) String(key, def string) string {
	if s, ok := v.data[key].(string); ok {
		return s
	}
	return def
}

// Duration returns the duration at key. Strings are parsed with
// time.ParseDuration; bare numbers are seconds.
func (v Values) Duration(key string, def time.Duration) time.Duration {
	switch val := v.data[key].(type) {
	case string:
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	case float64:
		return time.Duration(val * float64(time.Second))
	case int:
		return time.Duration(val) * time.Second
	case int64:
		return time.Duration(val) * time.Second
	case time.Duration:
		return val
	}
	return def
}

// Bool returns the boolean at key.
func (v Values) Bool(key string, def bool) bool {
	if b, ok := v.data[key].(bool); ok {
		return b
	}
	return def
}

// Int returns the integer at key. Floats convert only without a fraction.
func (v Values) Int(key string, def int) int {
	switch val := v.data[key].(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		if val == float64(int(val)) {
			return int(val)
		}
	}
	return def
}

// Float returns the number at key.
func (v Values) Float(key string, def float64) float64 {
	switch val := v.data[key].(type) {
	case float64:
		return val
	case int:
		return float64(val)
	case int64:
		return float64(val)
	}
	return def
}

// Strings returns the string list at key. A list with any non-string
// element yields def.
func (v Values) Strings(key string, def []string) []string {
	switch val := v.data[key].(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return def
			}
			out = append(out, s)
		}
		return out
	}
	return def
}

// Section returns the nested map at key as Values.
func (v Values) Section(key string) Values {
	switch val := v.data[key].(type) {
	case map[string]any:
		return NewValues(val)
	case map[any]any:
		m := make(map[string]any, len(val))
		for k, item := range val {
			if s, ok := k.(string); ok {
				m[s] = item
			}
		}
		return NewValues(m)
	}
	return NewValues(nil)
}

// Has reports whether key is set.
func (v Values) Has(key string) bool {
	_, ok := v.data[key]
	return ok
}

// Raw returns the underlying map. Callers must not modify it.
func (v Values) Raw() map[string]any {
	return v.data
}
