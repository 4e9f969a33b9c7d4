package email

import (
	"encoding/json"
	"math"
)

// Metadata travels with a message between queues. It is serialized as JSON
// in the switchboard, so numbers come back as float64 and string lists as
// []any; the accessors accept both forms.
type Metadata map[string]any

func (md Metadata) Has(key string) bool {
	_, ok := md[key]
	return ok
}

func (md Metadata) String(key string) string {
	if s, ok := md[key].(string); ok {
		return s
	}
	return ""
}

func (md Metadata) Bool(key string) bool {
	switch v := md[key].(type) {
	case bool:
		return v
	case string:
		return v == "true" || v == "1"
	case float64:
		return v != 0
	case int:
		return v != 0
	}
	return false
}

// Int returns the integer value of key and whether it was present.
func (md Metadata) Int(key string) (int, bool) {
	switch v := md[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		if math.IsNaN(v) {
			return 0, false
		}
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		return int(n), err == nil
	}
	return 0, false
}

func (md Metadata) Strings(key string) []string {
	switch v := md[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}

// Append adds values to the string list stored under key.
func (md Metadata) Append(key string, values ...string) {
	md[key] = append(md.Strings(key), values...)
}

// Copy returns a copy whose string lists can be appended to independently.
func (md Metadata) Copy() Metadata {
	out := make(Metadata, len(md))
	for k, v := range md {
		switch list := v.(type) {
		case []string:
			out[k] = append([]string(nil), list...)
		case []any:
			out[k] = append([]any(nil), list...)
		default:
			out[k] = v
		}
	}
	return out
}
