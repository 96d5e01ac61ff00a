// Package operator implements the transform node library. Operators are
// registered by class and instantiated per step from the node config.
//
// An operator consumes chunks one at a time; streaming operators emit
// their result from Transform, buffering operators accumulate and emit
// from Flush at end of stream. Multi-input operators receive their
// secondary streams before the primary stream starts.
package operator

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/synqx/synqx/internal/chunk"
	"github.com/synqx/synqx/internal/connector"
	"github.com/synqx/synqx/internal/errdefs"
)

// Operator transforms a chunk stream. Transform may return a nil chunk
// when the operator buffers; Flush drains whatever remains once the
// input is exhausted and may also return nil.
type Operator interface {
	Class() string
	Transform(ctx context.Context, ch *chunk.Chunk) (*chunk.Chunk, error)
	Flush(ctx context.Context) (*chunk.Chunk, error)
}

// MultiInput is implemented by operators that join additional streams
// (join, union, merge, scd_type_2). The executor materializes each
// secondary edge and binds it before streaming the primary input.
type MultiInput interface {
	BindSecondary(name string, it connector.ChunkIterator) error
}

// Quarantiner is implemented by operators that divert failing rows.
// TakeQuarantine returns rows diverted since the last call, or nil.
type Quarantiner interface {
	TakeQuarantine() *chunk.Chunk
}

// LineageMapper reports output-column provenance as output -> inputs.
type LineageMapper interface {
	LineageMap() map[string][]string
}

// Factory builds an operator from its node configuration.
type Factory func(cfg map[string]any) (Operator, error)

var (
	registryMu sync.RWMutex
	factories  = make(map[string]Factory)
)

// Register adds an operator factory under the lower-cased class.
func Register(class string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[strings.ToLower(class)] = factory
}

// New instantiates an operator of the given class.
func New(class string, cfg map[string]any) (Operator, error) {
	registryMu.RLock()
	factory, ok := factories[strings.ToLower(class)]
	registryMu.RUnlock()
	if !ok {
		return nil, errdefs.Newf(errdefs.KindConfiguration, "unknown operator class %q", class)
	}
	return factory(cfg)
}

// Classes returns the registered classes, sorted.
func Classes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	classes := make([]string, 0, len(factories))
	for c := range factories {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	return classes
}

func init() {
	Register("pass_through", func(map[string]any) (Operator, error) {
		return passThrough{}, nil
	})
	Register("noop", func(map[string]any) (Operator, error) {
		return passThrough{}, nil
	})
}

type passThrough struct{}

func (passThrough) Class() string { return "pass_through" }

func (passThrough) Transform(_ context.Context, ch *chunk.Chunk) (*chunk.Chunk, error) {
	return ch, nil
}

func (passThrough) Flush(context.Context) (*chunk.Chunk, error) { return nil, nil }

// config access helpers shared by the operator implementations

func stringOpt(cfg map[string]any, key, def string) string {
	if v, ok := cfg[key].(string); ok && v != "" {
		return v
	}
	return def
}

func stringsOpt(cfg map[string]any, key string) []string {
	switch v := cfg[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func mapOpt(cfg map[string]any, key string) map[string]any {
	if v, ok := cfg[key].(map[string]any); ok {
		return v
	}
	return nil
}

func floatOpt(cfg map[string]any, key string, def float64) float64 {
	if f, ok := chunk.ToFloat(cfg[key]); ok {
		return f
	}
	return def
}

func boolOpt(cfg map[string]any, key string, def bool) bool {
	if v, ok := cfg[key].(bool); ok {
		return v
	}
	return def
}
