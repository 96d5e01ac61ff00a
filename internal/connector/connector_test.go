package connector_test

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqx/synqx/internal/connector"
	"github.com/synqx/synqx/internal/connector/memconn"
)

func TestFingerprintStability(t *testing.T) {
	t.Parallel()

	cfg1 := map[string]any{"host": "db", "port": 5432, "execution_context": "job-1", "ui": map[string]any{"x": 1}}
	cfg2 := map[string]any{"port": 5432, "host": "db", "execution_context": "job-2", "connection_id": "c9"}

	fp1 := connector.Fingerprint("postgresql", cfg1, nil)
	fp2 := connector.Fingerprint("postgresql", cfg2, nil)
	assert.Equal(t, fp1, fp2, "ephemeral keys and map order must not affect the fingerprint")

	fp3 := connector.Fingerprint("postgresql", map[string]any{"host": "db", "port": 5433}, nil)
	assert.NotEqual(t, fp1, fp3)

	fp4 := connector.Fingerprint("mysql", cfg1, nil)
	assert.NotEqual(t, fp1, fp4, "kind is part of the identity")
}

func TestStripInternalKeys(t *testing.T) {
	t.Parallel()

	raw := map[string]any{
		"host":              "db",
		"execution_context": "x",
		"quarantine_config": map[string]any{},
		"write_strategy":    "append",
	}
	clean := connector.StripInternalKeys(raw)
	assert.Equal(t, map[string]any{"host": "db"}, clean)
	assert.Contains(t, raw, "execution_context", "input map is not mutated")
}

func TestSplitAsset(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		asset, def, schema, name string
	}{
		{"public.users", "", "public", "users"},
		{"analytics.public.users", "", "analytics.public", "users"},
		{"users", "public", "public", "users"},
		{"users", "", "", "users"},
	} {
		schema, name := connector.SplitAsset(tc.asset, tc.def)
		assert.Equal(t, tc.schema, schema, tc.asset)
		assert.Equal(t, tc.name, name, tc.asset)
	}
}

func TestPoolReusesEngineByFingerprint(t *testing.T) {
	memconn.RegisterDataset("pool-ds", map[string][]map[string]any{
		"t": {{"id": int64(1)}},
	})

	pool, err := connector.NewPool(4)
	require.NoError(t, err)
	defer func() { _ = pool.Close() }()

	ctx := context.Background()
	cfg := map[string]any{"dataset": "pool-ds"}

	c1, err := pool.Get(ctx, "memory", cfg, nil)
	require.NoError(t, err)
	c2, err := pool.Get(ctx, "memory", map[string]any{"dataset": "pool-ds", "execution_context": "j"}, nil)
	require.NoError(t, err)
	assert.Same(t, c1, c2, "same fingerprint shares one engine")
	assert.Equal(t, 1, pool.Len())

	_, err = pool.Get(ctx, "memory", map[string]any{"dataset": "pool-ds", "chunk_size": 10}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, pool.Len())
}

// blockingConnector parks in Connect until released, so tests can hold a
// connect in flight.
type blockingConnector struct {
	kind    string
	release <-chan struct{}
	started chan<- struct{}
}

func (b *blockingConnector) Kind() string                         { return b.kind }
func (b *blockingConnector) ValidateConfig() error                { return nil }
func (b *blockingConnector) Close(context.Context) error          { return nil }
func (b *blockingConnector) TestConnection(context.Context) error { return nil }

func (b *blockingConnector) Connect(ctx context.Context) error {
	b.started <- struct{}{}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-b.release:
		return nil
	}
}

func TestPoolConnectDoesNotBlockOtherKeys(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	connector.Register("pool-blocking", func(map[string]any) (connector.Connector, error) {
		return &blockingConnector{kind: "pool-blocking", release: release, started: started}, nil
	})
	memconn.RegisterDataset("pool-free", map[string][]map[string]any{"t": {}})

	pool, err := connector.NewPool(4)
	require.NoError(t, err)
	defer func() { _ = pool.Close() }()

	ctx := context.Background()
	slowDone := make(chan error, 1)
	go func() {
		_, err := pool.Get(ctx, "pool-blocking", map[string]any{"n": 1}, nil)
		slowDone <- err
	}()
	<-started

	// a different fingerprint connects while the first is still dialing
	_, err = pool.Get(ctx, "memory", map[string]any{"dataset": "pool-free"}, nil)
	require.NoError(t, err)

	close(release)
	require.NoError(t, <-slowDone)
	assert.Equal(t, 2, pool.Len())
}

func TestPoolSharesOneConnectPerFingerprint(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 8)
	connects := 0
	connector.Register("pool-shared", func(map[string]any) (connector.Connector, error) {
		connects++
		return &blockingConnector{kind: "pool-shared", release: release, started: started}, nil
	})

	pool, err := connector.NewPool(4)
	require.NoError(t, err)
	defer func() { _ = pool.Close() }()

	ctx := context.Background()
	cfg := map[string]any{"n": 1}
	results := make(chan error, 2)
	go func() {
		_, err := pool.Get(ctx, "pool-shared", cfg, nil)
		results <- err
	}()
	<-started
	go func() {
		_, err := pool.Get(ctx, "pool-shared", cfg, nil)
		results <- err
	}()

	close(release)
	require.NoError(t, <-results)
	require.NoError(t, <-results)
	assert.Equal(t, 1, connects, "waiters share the leader's connect")
	assert.Equal(t, 1, pool.Len())
}

func TestPoolClosedRejectsGet(t *testing.T) {
	pool, err := connector.NewPool(2)
	require.NoError(t, err)
	require.NoError(t, pool.Close())

	_, err = pool.Get(context.Background(), "memory", map[string]any{"dataset": "x"}, nil)
	assert.Error(t, err)
}

func TestUnknownKind(t *testing.T) {
	t.Parallel()

	_, err := connector.New("no-such-kind", nil)
	assert.ErrorContains(t, err, "unknown connector kind")
}

func TestMemConnectorReadChunking(t *testing.T) {
	rows := make([]map[string]any, 0, 25)
	for i := 1; i <= 25; i++ {
		rows = append(rows, map[string]any{"id": int64(i)})
	}
	memconn.RegisterDataset("read-ds", map[string][]map[string]any{"nums": rows})

	c, err := connector.New("memory", map[string]any{"dataset": "read-ds", "chunk_size": 10})
	require.NoError(t, err)
	reader := c.(connector.BatchReader)

	it, err := reader.ReadBatch(context.Background(), "nums", connector.ReadOptions{})
	require.NoError(t, err)
	defer func() { _ = it.Close() }()

	var sizes []int
	for {
		ch, err := it.Next(context.Background())
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		sizes = append(sizes, ch.NumRows())
	}
	assert.Equal(t, []int{10, 10, 5}, sizes)
}

func TestMemConnectorIncrementalRead(t *testing.T) {
	memconn.RegisterDataset("incr-ds", map[string][]map[string]any{
		"events": {
			{"id": int64(1), "ts": int64(100)},
			{"id": int64(2), "ts": int64(200)},
			{"id": int64(3), "ts": int64(300)},
		},
	})

	c, err := connector.New("memory", map[string]any{"dataset": "incr-ds"})
	require.NoError(t, err)
	it, err := c.(connector.BatchReader).ReadBatch(context.Background(), "events", connector.ReadOptions{
		IncrementalFilter: &connector.IncrementalFilter{Column: "ts", Above: int64(100)},
	})
	require.NoError(t, err)

	ch, err := it.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, ch.NumRows())
}

func TestMemConnectorEmptyTableYieldsOneEmptyChunk(t *testing.T) {
	memconn.RegisterDataset("empty-ds", map[string][]map[string]any{"void": {}})

	c, err := connector.New("memory", map[string]any{"dataset": "empty-ds"})
	require.NoError(t, err)
	it, err := c.(connector.BatchReader).ReadBatch(context.Background(), "void", connector.ReadOptions{})
	require.NoError(t, err)

	ch, err := it.Next(context.Background())
	require.NoError(t, err)
	assert.True(t, ch.IsEmpty())

	_, err = it.Next(context.Background())
	assert.Equal(t, io.EOF, err)
}
