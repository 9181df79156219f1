package types

import (
	"encoding/json"
	"strings"
)

// RawApObj is a duck-typed view over untrusted activity JSON. Remote
// servers disagree on whether fields like actor and object are bare id
// strings or embedded objects, so call sites re-derive what they need
// through the accessors instead of trusting a fixed shape.
type RawApObj struct {
	data map[string]any
}

func NewRawApObj(data map[string]any) *RawApObj {
	return &RawApObj{data}
}

func LoadAsRawApObj(body []byte) (*RawApObj, error) {
	var data map[string]any
	err := json.Unmarshal(body, &data)
	return &RawApObj{data}, err
}

func (r *RawApObj) GetData() map[string]any {
	return r.data
}

func (r *RawApObj) get(key string) (any, bool) {
	keys := strings.Split(key, ".")
	var value any = r.data
	for _, k := range keys {
		m, ok := value.(map[string]any)
		if !ok {
			return nil, false
		}
		value, ok = m[k]
		if !ok {
			return nil, false
		}
	}
	return value, true
}

func (r *RawApObj) GetRaw(key string) (*RawApObj, bool) {
	value, ok := r.get(key)
	if !ok {
		return nil, false
	}
	m, ok := value.(map[string]any)
	if !ok {
		return nil, false
	}
	return &RawApObj{m}, true
}

func (r *RawApObj) GetString(key string) (string, bool) {
	value, ok := r.get(key)
	if !ok {
		return "", false
	}

	if arr, ok := value.([]any); ok {
		if len(arr) == 0 {
			return "", false
		}
		value = arr[0]
	}

	str, ok := value.(string)
	return str, ok
}

func (r *RawApObj) MustGetString(key string) string {
	str, _ := r.GetString(key)
	return str
}

// GetStringSlice flattens a field that may be absent, a single string or
// a JSON array into a slice of strings. Used for to/cc audience lists.
func (r *RawApObj) GetStringSlice(key string) []string {
	value, ok := r.get(key)
	if !ok {
		return nil
	}

	switch v := value.(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// GetID resolves a field that may be a bare id string or an embedded
// object carrying its own id.
func (r *RawApObj) GetID(key string) (string, bool) {
	value, ok := r.get(key)
	if !ok {
		return "", false
	}

	switch v := value.(type) {
	case string:
		return v, v != ""
	case map[string]any:
		id, ok := v["id"].(string)
		return id, ok && id != ""
	}
	return "", false
}
