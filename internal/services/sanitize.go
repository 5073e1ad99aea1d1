package services

import "strings"

// Sanitizer strips fields whose names contain any of Fields and rewrites
// substrings in string values. It is applied to downstream response data
// before it enters an execution context.
type Sanitizer struct {
	// Fields are matched case-insensitively as substrings of map keys.
	Fields       []string
	Replacements map[string]string
}

// Apply returns a sanitized copy of v. Nested maps and slices are walked.
func (s *Sanitizer) Apply(v any) any {
	if s == nil {
		return v
	}
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if s.dropKey(k) {
				continue
			}
			out[k] = s.Apply(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = s.Apply(item)
		}
		return out
	case string:
		for from, to := range s.Replacements {
			val = strings.ReplaceAll(val, from, to)
		}
		return val
	default:
		return v
	}
}

func (s *Sanitizer) dropKey(key string) bool {
	lower := strings.ToLower(key)
	for _, f := range s.Fields {
		if f != "" && strings.Contains(lower, strings.ToLower(f)) {
			return true
		}
	}
	return false
}
