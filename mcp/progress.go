package mcp

import (
	"encoding/json"
	"fmt"
)

// ProgressToken is an identifier used to correlate progress updates with the
// request that asked for them. It may be a string or a number.
type ProgressToken any // string | number

// progressTokenMetaKey is the reserved _meta key carrying the token.
const progressTokenMetaKey = "progressToken"

// ProgressTokenKey normalizes a token to the string form used as a map key,
// so numeric tokens sent as JSON numbers and received back as float64 still
// route to the same waiter.
func ProgressTokenKey(tok ProgressToken) string {
	switch v := tok.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// InjectProgressToken returns params with _meta.progressToken set, preserving
// any other params fields and _meta entries. Nil params become a fresh object.
func InjectProgressToken(params json.RawMessage, tok ProgressToken) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &obj); err != nil {
			return nil, fmt.Errorf("params must be an object to carry a progress token: %w", err)
		}
	}

	meta := map[string]json.RawMessage{}
	if raw, ok := obj["_meta"]; ok {
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("invalid _meta in params: %w", err)
		}
	}

	tokRaw, err := json.Marshal(tok)
	if err != nil {
		return nil, fmt.Errorf("marshal progress token: %w", err)
	}
	meta[progressTokenMetaKey] = tokRaw

	metaRaw, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	obj["_meta"] = metaRaw

	return json.Marshal(obj)
}

// ExtractProgressToken returns the _meta.progressToken from params, if any.
func ExtractProgressToken(params json.RawMessage) (ProgressToken, bool) {
	if len(params) == 0 {
		return nil, false
	}
	var envelope struct {
		Meta map[string]json.RawMessage `json:"_meta"`
	}
	if err := json.Unmarshal(params, &envelope); err != nil {
		return nil, false
	}
	raw, ok := envelope.Meta[progressTokenMetaKey]
	if !ok {
		return nil, false
	}
	var tok ProgressToken
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, false
	}
	switch tok.(type) {
	case string, float64:
		return tok, true
	default:
		return nil, false
	}
}
