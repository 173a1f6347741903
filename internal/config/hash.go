package config

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"slices"
)

// Fingerprint identifies the effective configuration as 16 hex digits.
// Formatting, source format and key order inside trigger params do not
// affect it. A nil config has an empty fingerprint.
func (c *Config) Fingerprint() string {
	if c == nil {
		return ""
	}
	cp := *c
	cp.Triggers.Items = slices.Clone(c.Triggers.Items)
	for i := range cp.Triggers.Items {
		cp.Triggers.Items[i].Params = canonicalJSON(cp.Triggers.Items[i].Params)
	}
	b, err := json.Marshal(&cp)
	if err != nil {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return fmt.Sprintf("%016x", h.Sum64())
}

// canonicalJSON re-encodes raw with sorted object keys and no whitespace.
// Invalid JSON is returned as is.
func canonicalJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return b
}
