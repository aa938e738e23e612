// Package docvalue provides typed projection helpers over the untyped
// document trees produced by the gather script and the LLM (§9 Design
// Notes: "Implementers should model them as a tagged variant ... with typed
// projection helpers, not as pervasive dynamic types").
package docvalue

import (
	"encoding/json"
	"strconv"
)

// Doc is one node of a decoded JSON document: null, bool, number, string,
// array or object. We represent it with Go's native decode target
// (map[string]interface{} / []interface{} / string / float64 / bool / nil)
// and never pass interface{} further than this package's boundary —
// callers work through the typed helpers below.
type Doc = interface{}

// Decode parses raw JSON into a Doc tree.
func Decode(raw []byte) (Doc, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// ExpectObject returns d as a map, or an empty map if d is not an object.
// The gather script's contract (§4.3.2) is that a missing/failed section is
// an empty array or null, never a malformed object, so callers can treat a
// non-object the same as "absent" without raising.
func ExpectObject(d Doc) map[string]interface{} {
	if m, ok := d.(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{}
}

// ExpectArray returns d as a slice, or nil if d is not an array.
func ExpectArray(d Doc) []interface{} {
	if a, ok := d.([]interface{}); ok {
		return a
	}
	return nil
}

// Field looks up a key in an object Doc, returning nil if absent or d is
// not an object.
func Field(d Doc, key string) Doc {
	m, ok := d.(map[string]interface{})
	if !ok {
		return nil
	}
	return m[key]
}

// Path walks a dotted field path through nested objects, returning nil as
// soon as a segment is absent or not an object.
func Path(d Doc, dotted string) Doc {
	cur := d
	start := 0
	for i := 0; i <= len(dotted); i++ {
		if i == len(dotted) || dotted[i] == '.' {
			if i > start {
				cur = Field(cur, dotted[start:i])
			}
			start = i + 1
		}
	}
	return cur
}

// SafeString coerces d to a string, returning def when d is absent or not
// a string.
func SafeString(d Doc, def string) string {
	if s, ok := d.(string); ok {
		return s
	}
	return def
}

// SafeInt coerces d (JSON number or numeric string) to an int, returning
// def on failure; any other type, bool included, yields def. JSON numbers decode to float64, so this is the
// common path for every numeric gather-script field.
func SafeInt(d Doc, def int) int {
	switch v := d.(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return def
		}
		return n
	default:
		return def
	}
}

// SafeIntPtr is like SafeInt but returns nil when the field is absent,
// matching §4.4's "safe coercion ... with fallbacks" while preserving the
// unset-vs-zero distinction the mount severity mapping (§9) needs.
func SafeIntPtr(d Doc) *int {
	if d == nil {
		return nil
	}
	switch v := d.(type) {
	case float64:
		n := int(v)
		return &n
	case int:
		return &v
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil
		}
		return &n
	default:
		return nil
	}
}

// SafeFloat coerces d to a float64, returning def on failure.
func SafeFloat(d Doc, def float64) float64 {
	switch v := d.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return def
		}
		return f
	default:
		return def
	}
}

// SafeBool coerces d to a bool, returning def on failure.
func SafeBool(d Doc, def bool) bool {
	if b, ok := d.(bool); ok {
		return b
	}
	return def
}

// SafeStringSlice coerces d (a JSON array of strings) to a []string,
// skipping non-string elements.
func SafeStringSlice(d Doc) []string {
	arr := ExpectArray(d)
	if arr == nil {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Truncate shortens s to at most n runes, matching §4.4's "string
// truncation to declared limits" and §7's "first 2000 chars" requirement
// for failure reasons.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
