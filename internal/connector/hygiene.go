package connector

import "strings"

// internalKeys are pipeline-metadata keys that must never reach a
// backend library call.
var internalKeys = map[string]struct{}{
	"ui":                      {},
	"connection_id":           {},
	"batch_size":              {},
	"incremental":             {},
	"incremental_filter":      {},
	"watermark_column":        {},
	"table":                   {},
	"write_mode":              {},
	"write_strategy":          {},
	"target_table":            {},
	"schema_evolution_policy": {},
	"chunksize":               {},
	"sync_mode":               {},
	"cdc_config":              {},
}

// StripInternalKeys returns a copy of cfg without pipeline-metadata keys.
func StripInternalKeys(cfg map[string]any) map[string]any {
	out := make(map[string]any, len(cfg))
	for k, v := range cfg {
		if _, internal := internalKeys[k]; internal {
			continue
		}
		out[k] = v
	}
	return out
}

// SplitAsset normalizes an asset identifier into (schema, name). An
// identifier containing a dot splits on the last dot; otherwise the
// configured default schema applies. Names are never quoted or
// transformed beyond the split.
func SplitAsset(asset, defaultSchema string) (schema, name string) {
	if i := strings.LastIndex(asset, "."); i >= 0 {
		return asset[:i], asset[i+1:]
	}
	return defaultSchema, asset
}
