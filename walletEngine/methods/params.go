package methods

import (
	"bytes"
	"encoding/json"

	"github.com/spf13/cast"

	apperrors "github.com/iosh/arx-sub004/walletEngine/errors"
)

// positional decodes params as a JSON array. Missing params are an empty
// array.
func positional(raw json.RawMessage) ([]json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var out []json.RawMessage
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, apperrors.NewInvalidParams("params must be an array")
	}
	return out, nil
}

// named decodes params given either as an object or as a one-element array
// holding the object.
func named(raw json.RawMessage) (map[string]interface{}, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return map[string]interface{}{}, nil
	}
	if raw[0] == '[' {
		items, err := positional(raw)
		if err != nil {
			return nil, err
		}
		if len(items) == 0 {
			return map[string]interface{}{}, nil
		}
		raw = items[0]
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return nil, apperrors.NewInvalidParams("params must be an object")
	}
	return out, nil
}

// toPositional converts params into the []interface{} shape of an RPC call.
func toPositional(raw json.RawMessage) ([]interface{}, error) {
	items, err := positional(raw)
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out, nil
}

func stringAt(items []json.RawMessage, i int, name string) (string, error) {
	if i >= len(items) {
		return "", apperrors.NewInvalidParams("missing " + name)
	}
	var s string
	if err := json.Unmarshal(items[i], &s); err != nil || s == "" {
		return "", apperrors.NewInvalidParams(name + " must be a non-empty string")
	}
	return s, nil
}

func requiredString(p map[string]interface{}, key string) (string, error) {
	s, err := cast.ToStringE(p[key])
	if err != nil || s == "" {
		return "", apperrors.NewInvalidParams(key + " is required")
	}
	return s, nil
}

func optionalString(p map[string]interface{}, key string) string {
	return cast.ToString(p[key])
}
