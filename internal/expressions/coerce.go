package expressions

import (
	"bytes"
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/spf13/cast"
)

// leadingNumber matches the numeric prefix of strings like "12px" or " 3.5 stars".
var leadingNumber = regexp.MustCompile(`^[-+]?(\d+\.?\d*|\.\d+)([eE][-+]?\d+)?`)

// toNumber coerces v to a float64 the best-effort way: numbers pass through,
// booleans become 0/1, strings are parsed (falling back to their numeric
// prefix). ok is false when no number could be found.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case nil:
		return 0, false
	case float64:
		return n, true
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, false
		}
		if f, err := cast.ToFloat64E(s); err == nil {
			return f, true
		}
		if m := leadingNumber.FindString(s); m != "" {
			if f, err := strconv.ParseFloat(m, 64); err == nil {
				return f, true
			}
		}
		return 0, false
	case map[string]any, []any:
		return 0, false
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, false
	}
	return f, true
}

// toInt parses an integer parameter; "3.0" style values are truncated.
func toInt(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, true
	}
	f, err := cast.ToFloat64E(s)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int(f), true
}

// formatNumber renders a float the way a JSON-minded reader expects: 15, 2.5, -0.125.
func formatNumber(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0:
		return "0"
	case math.Abs(f) >= 1e21 || math.Abs(f) < 1e-6:
		return strconv.FormatFloat(f, 'g', -1, 64)
	default:
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
}

// displayString is the natural text form of a value: strings verbatim, numbers
// without trailing zeros, null as "null", composites as compact JSON.
func displayString(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return formatNumber(val)
	case json.Number:
		return val.String()
	case map[string]any, []any:
		return compactJSON(normalize(val))
	}
	if f, ok := toNumber(v); ok {
		switch v.(type) {
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32:
			return formatNumber(f)
		}
	}
	return compactJSON(normalize(v))
}

// compactJSON encodes v without HTML escaping. Unencodable values render as null.
func compactJSON(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "null"
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

// truthy follows the usual template notion of truth for predicate results.
func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case float64:
		return val != 0 && !math.IsNaN(val)
	}
	if f, ok := toNumber(v); ok {
		return f != 0
	}
	if l, ok := asList(v); ok {
		return len(l) > 0
	}
	return true
}

// normalize converts engine results into the engine's value shapes: all
// numbers become float64 and nested containers become []any / map[string]any.
// A container met again on its own branch is cut to nil.
func normalize(v any) any {
	return normalizeValue(v, make(map[identity]bool))
}

func normalizeValue(v any, trail map[identity]bool) any {
	switch val := v.(type) {
	case nil, string, bool, float64:
		return v
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32:
		f, _ := toNumber(val)
		return f
	}

	if id, ok := identityOf(v); ok {
		if trail[id] {
			return nil
		}
		trail[id] = true
		defer delete(trail, id)
	}

	if m, ok := asObject(v); ok {
		out := make(map[string]any, len(m))
		for k, item := range m {
			out[k] = normalizeValue(item, trail)
		}
		return out
	}
	if l, ok := asList(v); ok {
		out := make([]any, len(l))
		for i, item := range l {
			out[i] = normalizeValue(item, trail)
		}
		return out
	}
	return v
}

// valueKey is a canonical text key used for value-equality (unique, eq filters).
func valueKey(v any) string {
	return compactJSON(normalize(v))
}
