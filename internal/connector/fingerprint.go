package connector

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// ephemeralKeys are excluded from the pool fingerprint: they vary per
// call site but do not affect the underlying engine.
var ephemeralKeys = map[string]struct{}{
	"execution_context": {},
	"ui":                {},
	"connection_id":     {},
}

// Fingerprint computes the engine-pool key: SHA-256 of the canonical
// JSON of (kind, config minus ephemeral keys, options). json.Marshal
// sorts map keys at every level, so any permutation of the input yields
// the same fingerprint.
func Fingerprint(kind string, cfg map[string]any, opts map[string]any) string {
	scrubbed := make(map[string]any, len(cfg))
	for k, v := range cfg {
		if _, skip := ephemeralKeys[k]; skip {
			continue
		}
		scrubbed[k] = v
	}
	payload, _ := json.Marshal(map[string]any{
		"kind":    kind,
		"config":  scrubbed,
		"options": opts,
	})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
