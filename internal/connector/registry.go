package connector

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/synqx/synqx/internal/errdefs"
	"github.com/synqx/synqx/internal/logger"
	"github.com/synqx/synqx/internal/logger/tag"
)

// Factory builds a connector from its decoded configuration. The
// returned connector must have validated its config.
type Factory func(cfg map[string]any) (Connector, error)

type registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

var defaultRegistry = &registry{factories: make(map[string]Factory)}

// Register adds a connector factory under the lower-cased kind.
// Typically called from a connector package's init.
func Register(kind string, factory Factory) {
	defaultRegistry.mu.Lock()
	defer defaultRegistry.mu.Unlock()
	defaultRegistry.factories[strings.ToLower(kind)] = factory
}

// RegisterUnavailable records a kind whose backend library is missing.
// A single warning is logged at registration; the kind is served by a
// factory that errors only when a consumer requests it.
func RegisterUnavailable(kind, reason string) {
	logger.Warn(context.Background(), "Connector backend unavailable, kind skipped",
		tag.Connector(kind), "reason", reason)
	Register(kind, func(map[string]any) (Connector, error) {
		return nil, errdefs.Newf(errdefs.KindConfiguration,
			"connector kind %q is unavailable: %s", kind, reason)
	})
}

// New instantiates a connector of the given kind.
func New(kind string, cfg map[string]any) (Connector, error) {
	defaultRegistry.mu.RLock()
	factory, ok := defaultRegistry.factories[strings.ToLower(kind)]
	defaultRegistry.mu.RUnlock()
	if !ok {
		return nil, errdefs.Newf(errdefs.KindConfiguration, "unknown connector kind %q", kind)
	}
	return factory(cfg)
}

// Kinds returns the registered kinds, sorted.
func Kinds() []string {
	defaultRegistry.mu.RLock()
	defer defaultRegistry.mu.RUnlock()
	kinds := make([]string, 0, len(defaultRegistry.factories))
	for k := range defaultRegistry.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
