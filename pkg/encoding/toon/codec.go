// Package toon shrinks structured tool results before they are placed in a
// prompt. TOON drops the quoting and repeated keys of JSON arrays of
// objects, which is where most tool output tokens go.
package toon

import (
	"encoding/json"
	"strings"

	"github.com/alpkeskin/gotoon"
)

// Codec rewrites JSON results as TOON when enabled. A nil Codec is
// disabled.
type Codec struct {
	enabled bool
}

// New returns a codec; enabled false makes Compact the identity.
func New(enabled bool) *Codec {
	return &Codec{enabled: enabled}
}

// Enabled reports whether Compact rewrites anything.
func (c *Codec) Enabled() bool {
	return c != nil && c.enabled
}

// Compact re-encodes a JSON object or array as TOON. Text, invalid JSON and
// encoder failures come back unchanged; the scratchpad keeps the original
// either way.
func (c *Codec) Compact(raw string) string {
	if !c.Enabled() {
		return raw
	}
	v, ok := decodeStructured(raw)
	if !ok {
		return raw
	}
	out, err := gotoon.Encode(v)
	if err != nil || strings.TrimSpace(out) == "" {
		return raw
	}
	return out
}

func decodeStructured(raw string) (any, bool) {
	s := strings.TrimSpace(raw)
	if s == "" || (s[0] != '{' && s[0] != '[') {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	return v, true
}
