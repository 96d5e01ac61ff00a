package connector

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/synqx/synqx/internal/errdefs"
	"github.com/synqx/synqx/internal/logger"
	"github.com/synqx/synqx/internal/logger/tag"
)

// Pool caches connected engines per host, keyed by config fingerprint,
// so concurrent jobs using the same Connection share one backend handle.
// Entries above the cap are evicted least-recently-used and closed;
// remaining entries are disposed on process shutdown via Close.
type Pool struct {
	mu       sync.Mutex
	cache    *lru.Cache[string, Connector]
	inflight map[string]*connectCall
	closed   bool
}

// connectCall is one in-progress connect shared by every waiter on the
// same fingerprint.
type connectCall struct {
	done   chan struct{}
	engine Connector
	err    error
}

// DefaultPoolSize bounds the number of live engines per host.
const DefaultPoolSize = 64

// NewPool creates an engine pool holding at most size engines.
func NewPool(size int) (*Pool, error) {
	if size <= 0 {
		size = DefaultPoolSize
	}
	cache, err := lru.NewWithEvict(size, func(key string, c Connector) {
		logger.Debug(context.Background(), "Evicting pooled engine", "fingerprint", key, tag.Connector(c.Kind()))
		_ = c.Close(context.Background())
	})
	if err != nil {
		return nil, err
	}
	return &Pool{cache: cache, inflight: make(map[string]*connectCall)}, nil
}

// Get returns the pooled engine for (kind, cfg, opts), connecting a new
// one on miss. Connect runs outside the pool lock; concurrent misses on
// the same fingerprint share one connect attempt, and misses on other
// fingerprints proceed unblocked.
func (p *Pool) Get(ctx context.Context, kind string, cfg map[string]any, opts map[string]any) (Connector, error) {
	key := Fingerprint(kind, cfg, opts)

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errdefs.New(errdefs.KindConnectionFailed, "engine pool is closed")
		}
		if c, ok := p.cache.Get(key); ok {
			p.mu.Unlock()
			return c, nil
		}
		if call, ok := p.inflight[key]; ok {
			p.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-call.done:
			}
			if call.err != nil {
				return nil, call.err
			}
			// a leader's engine can be evicted before a slow waiter wakes;
			// re-check the cache rather than hand out a closed handle
			p.mu.Lock()
			if c, ok := p.cache.Get(key); ok {
				p.mu.Unlock()
				return c, nil
			}
			p.mu.Unlock()
			continue
		}
		call := &connectCall{done: make(chan struct{})}
		p.inflight[key] = call
		p.mu.Unlock()

		call.engine, call.err = p.connect(ctx, kind, cfg)

		p.mu.Lock()
		delete(p.inflight, key)
		if call.err == nil {
			if p.closed {
				call.err = errdefs.New(errdefs.KindConnectionFailed, "engine pool is closed")
				_ = call.engine.Close(context.Background())
				call.engine = nil
			} else {
				p.cache.Add(key, call.engine)
			}
		}
		p.mu.Unlock()
		close(call.done)
		return call.engine, call.err
	}
}

func (p *Pool) connect(ctx context.Context, kind string, cfg map[string]any) (Connector, error) {
	c, err := New(kind, cfg)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, errdefs.Wrap(errdefs.KindConnectionFailed, err, "failed to connect engine")
	}
	return c, nil
}

// Len returns the number of live engines.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cache.Len()
}

// Close disposes every pooled engine. Called once at process shutdown.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	// Purge triggers the evict callback, which closes each engine.
	p.cache.Purge()
	return nil
}
