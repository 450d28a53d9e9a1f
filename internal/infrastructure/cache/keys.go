package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// maxKeyMessages bounds how many trailing messages participate in a
// fingerprint so keys stay stable as conversations grow at the head.
const maxKeyMessages = 10

// GenerateKey builds a deterministic cache key. Objects are canonicalized
// (sorted keys at every level, last maxKeyMessages messages only) and hashed
// with SHA-256 into "sha256-<hex>". Primitive inputs are stringified and
// joined with the extras.
func GenerateKey(input any, extras ...string) string {
	switch input.(type) {
	case nil, string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		parts := append([]string{fmt.Sprint(input)}, extras...)
		return strings.Join(parts, "-")
	}

	canonical := canonicalize(input)
	if m, ok := canonical.(map[string]any); ok {
		if msgs, ok := m["messages"].([]any); ok {
			if len(msgs) > maxKeyMessages {
				msgs = msgs[len(msgs)-maxKeyMessages:]
			}
			m["messages"] = flattenMessages(msgs)
		}
	}

	// encoding/json emits map keys in sorted order, which makes the
	// serialization canonical once everything is map[string]any.
	b, err := json.Marshal(canonical)
	if err != nil {
		b = []byte(fmt.Sprintf("%v", canonical))
	}
	sum := sha256.Sum256(b)
	return "sha256-" + hex.EncodeToString(sum[:])
}

// canonicalize round-trips a value through JSON so every object becomes a
// map[string]any and serializes with sorted keys.
func canonicalize(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return string(b)
	}
	return out
}

// flattenMessages reduces each message to "role:contentStr" so the key does
// not depend on how the content was structured beyond its canonical form.
func flattenMessages(msgs []any) []string {
	out := make([]string, 0, len(msgs))
	for _, raw := range msgs {
		m, ok := raw.(map[string]any)
		if !ok {
			out = append(out, fmt.Sprint(raw))
			continue
		}
		role, _ := m["role"].(string)
		var contentStr string
		switch c := m["content"].(type) {
		case string:
			contentStr = c
		default:
			b, err := json.Marshal(c) // sorted keys for nested objects
			if err != nil {
				contentStr = fmt.Sprint(c)
			} else {
				contentStr = string(b)
			}
		}
		out = append(out, role+":"+contentStr)
	}
	return out
}
