package node

import (
	"fmt"
	"strconv"
)

// ToNumber coerces a port value to a float64. Ports are dynamically typed,
// so numbers arrive as any numeric Go type (JSON decoding yields float64)
// and occasionally as strings.
func ToNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}

		return 0, true
	case string:
		f, err := strconv.ParseFloat(n, 64)

		return f, err == nil
	default:
		return 0, false
	}
}

// Number is ToNumber with a fallback for absent or unconvertible values.
func Number(v any, fallback float64) float64 {
	if n, ok := ToNumber(v); ok {
		return n
	}

	return fallback
}

// ToBool coerces a port value to a boolean. Numbers are true when non-zero.
func ToBool(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "true" || b == "1"
	case nil:
		return false
	default:
		if n, ok := ToNumber(v); ok {
			return n != 0
		}

		return false
	}
}

// ParamString reads a string param with a fallback.
func ParamString(params map[string]any, key, fallback string) string {
	if s, ok := params[key].(string); ok {
		return s
	}

	return fallback
}

// ParamFloat reads a numeric param with a fallback.
func ParamFloat(params map[string]any, key string, fallback float64) float64 {
	if v, ok := params[key]; ok {
		if n, ok := ToNumber(v); ok {
			return n
		}
	}

	return fallback
}

// ParamInt reads an integer param with a fallback.
func ParamInt(params map[string]any, key string, fallback int) int {
	return int(ParamFloat(params, key, float64(fallback)))
}

// ParamBool reads a boolean param with a fallback.
func ParamBool(params map[string]any, key string, fallback bool) bool {
	if v, ok := params[key]; ok {
		return ToBool(v)
	}

	return fallback
}

// ToString renders a port value for display.
func ToString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
