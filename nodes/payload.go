package nodes

import (
	"encoding/json"
)

// toMap converts a struct into the JSON-shaped map form payloads use.
func toMap(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

// mediaURL picks a clip URL out of a payload: the string itself or the
// "media" field of an event map.
func mediaURL(payload any) string {
	switch p := payload.(type) {
	case string:
		return p
	case map[string]any:
		if u, ok := p["media"].(string); ok {
			return u
		}
	}
	return ""
}

// withField returns a shallow copy of an event map with key set, or a new
// map holding only key when payload is not a map.
func withField(payload any, key string, v any) map[string]any {
	src, _ := payload.(map[string]any)
	out := make(map[string]any, len(src)+1)
	for k, x := range src {
		out[k] = x
	}
	out[key] = v
	return out
}
