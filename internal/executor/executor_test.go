package executor_test

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synqx/synqx/internal/chunk"
	"github.com/synqx/synqx/internal/connector"
	"github.com/synqx/synqx/internal/connector/memconn"
	"github.com/synqx/synqx/internal/dag"
	"github.com/synqx/synqx/internal/errdefs"
	"github.com/synqx/synqx/internal/executor"
	"github.com/synqx/synqx/internal/models"
	"github.com/synqx/synqx/internal/persistence/memory"
)

func newHarness(t *testing.T, dataset string, tables map[string][]map[string]any) (*executor.Executor, *memory.Store) {
	t.Helper()
	memconn.RegisterDataset(dataset, tables)

	store := memory.New()
	require.NoError(t, store.CreateConnection(context.Background(), &models.Connection{
		ID:            "conn-" + dataset,
		WorkspaceID:   "ws",
		Name:          dataset,
		ConnectorKind: "memory",
		Config:        map[string]any{"dataset": dataset, "chunk_size": 2},
	}))

	pool, err := connector.NewPool(8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	ex := executor.New(pool, store,
		executor.WithWatermarkStore(store),
		executor.WithChunkBuffer(2),
	)
	return ex, store
}

func versionOf(nodes []models.Node, edges []models.Edge) *models.PipelineVersion {
	return &models.PipelineVersion{
		ID:         "v1",
		PipelineID: "p1",
		Nodes:      nodes,
		Edges:      edges,
	}
}

func testJob() *models.Job {
	return &models.Job{ID: "job-1", PipelineID: "p1", PipelineVersionID: "v1"}
}

func sourceRows(n int) []map[string]any {
	rows := make([]map[string]any, 0, n)
	for i := 1; i <= n; i++ {
		rows = append(rows, map[string]any{"id": int64(i), "amount": int64(i * 10)})
	}
	return rows
}

func TestExecuteLinearPipeline(t *testing.T) {
	ex, _ := newHarness(t, "lin", map[string][]map[string]any{
		"src":  sourceRows(7),
		"dest": {},
	})

	version := versionOf(
		[]models.Node{
			{NodeID: "e", OperatorType: models.OperatorExtract, ConnectionID: "conn-lin", SourceAssetID: "src"},
			{NodeID: "f", OperatorType: models.OperatorTransform, OperatorClass: "filter",
				Config: map[string]any{"predicate": "amount > 30"}},
			{NodeID: "l", OperatorType: models.OperatorLoad, ConnectionID: "conn-lin",
				DestinationAssetID: "dest", WriteStrategy: models.WriteAppend},
		},
		[]models.Edge{{FromNodeID: "e", ToNodeID: "f"}, {FromNodeID: "f", ToNodeID: "l"}},
	)
	plan, err := dag.BuildPlan(version)
	require.NoError(t, err)

	result, err := ex.Execute(context.Background(), testJob(), plan)
	require.NoError(t, err)

	assert.Equal(t, int64(7), result.Run.RecordsIn)
	assert.Equal(t, int64(4), result.Run.RecordsOut)
	assert.Empty(t, result.Run.FailedStepID)
	for _, step := range result.Steps {
		assert.Equal(t, models.StepSuccess, step.State, step.NodeID)
	}

	written := memconn.TableRows("lin", "dest")
	require.Len(t, written, 4)
	// chunk order is preserved end to end
	for i, row := range written {
		assert.Equal(t, int64(4+i), row["id"], "rows arrive in extract order")
	}
}

func TestExecuteDiamondFanOut(t *testing.T) {
	ex, _ := newHarness(t, "dia", map[string][]map[string]any{
		"src": sourceRows(4),
		"a":   {},
		"b":   {},
	})

	version := versionOf(
		[]models.Node{
			{NodeID: "e", OperatorType: models.OperatorExtract, ConnectionID: "conn-dia", SourceAssetID: "src"},
			{NodeID: "la", OperatorType: models.OperatorLoad, ConnectionID: "conn-dia", DestinationAssetID: "a"},
			{NodeID: "lb", OperatorType: models.OperatorLoad, ConnectionID: "conn-dia", DestinationAssetID: "b"},
		},
		[]models.Edge{{FromNodeID: "e", ToNodeID: "la"}, {FromNodeID: "e", ToNodeID: "lb"}},
	)
	plan, err := dag.BuildPlan(version)
	require.NoError(t, err)

	result, err := ex.Execute(context.Background(), testJob(), plan)
	require.NoError(t, err)
	assert.Equal(t, int64(8), result.Run.RecordsOut, "both branches receive every row")
	assert.Len(t, memconn.TableRows("dia", "a"), 4)
	assert.Len(t, memconn.TableRows("dia", "b"), 4)
}

func TestCollapsedNodeReportsSuccessWithZeroRecords(t *testing.T) {
	ex, _ := newHarness(t, "col", map[string][]map[string]any{
		"src":  sourceRows(3),
		"dest": {},
	})

	version := versionOf(
		[]models.Node{
			{NodeID: "e", OperatorType: models.OperatorExtract, ConnectionID: "conn-col", SourceAssetID: "src"},
			{NodeID: "f", OperatorType: models.OperatorTransform, OperatorClass: "filter",
				Config: map[string]any{"predicate": "true", dag.ConfigCollapsedInto: "e"}},
			{NodeID: "l", OperatorType: models.OperatorLoad, ConnectionID: "conn-col", DestinationAssetID: "dest"},
		},
		// the optimizer rewired the absorbed node's out-edge to the extract
		[]models.Edge{{FromNodeID: "e", ToNodeID: "f"}, {FromNodeID: "e", ToNodeID: "l"}},
	)
	plan, err := dag.BuildPlan(version)
	require.NoError(t, err)

	result, err := ex.Execute(context.Background(), testJob(), plan)
	require.NoError(t, err)

	var collapsed *models.StepRun
	for _, step := range result.Steps {
		if step.NodeID == "f" {
			collapsed = step
		}
	}
	require.NotNil(t, collapsed)
	assert.Equal(t, models.StepSuccess, collapsed.State)
	assert.Zero(t, collapsed.RecordsIn)
	assert.Zero(t, collapsed.RecordsOut)
	assert.Len(t, memconn.TableRows("col", "dest"), 3)
}

func TestWatermarkAdvancesOnlyOnSuccess(t *testing.T) {
	ctx := context.Background()
	ex, store := newHarness(t, "wm", map[string][]map[string]any{
		"src":  sourceRows(5),
		"dest": {},
	})

	extract := models.Node{
		NodeID: "e", OperatorType: models.OperatorExtract, ConnectionID: "conn-wm",
		SourceAssetID: "src", IncrementalCapable: true, WatermarkColumn: "id",
	}
	load := models.Node{NodeID: "l", OperatorType: models.OperatorLoad, ConnectionID: "conn-wm", DestinationAssetID: "dest"}
	edges := []models.Edge{{FromNodeID: "e", ToNodeID: "l"}}

	plan, err := dag.BuildPlan(versionOf([]models.Node{extract, load}, edges))
	require.NoError(t, err)
	_, err = ex.Execute(ctx, testJob(), plan)
	require.NoError(t, err)

	w, err := store.GetWatermark(ctx, "v1", "e", "src")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, int64(5), w.Value)

	// a failing run must not advance the mark
	memconn.RegisterDataset("wm", map[string][]map[string]any{
		"src":  sourceRows(9),
		"dest": {},
	})
	badLoad := models.Node{NodeID: "l", OperatorType: models.OperatorLoad, ConnectionID: "conn-wm", DestinationAssetID: "dest"}
	failing := models.Node{NodeID: "v", OperatorType: models.OperatorTransform, OperatorClass: "validate",
		Config: map[string]any{
			"rules":          []any{map[string]any{"column": "id", "check": "max", "value": 6}},
			"max_error_rows": 0,
		}}
	plan2, err := dag.BuildPlan(versionOf(
		[]models.Node{extract, failing, badLoad},
		[]models.Edge{{FromNodeID: "e", ToNodeID: "v"}, {FromNodeID: "v", ToNodeID: "l"}},
	))
	require.NoError(t, err)
	result, err := ex.Execute(ctx, testJob(), plan2)
	require.Error(t, err)
	assert.Equal(t, "v", result.Run.FailedStepID)

	w2, err := store.GetWatermark(ctx, "v1", "e", "src")
	require.NoError(t, err)
	assert.Equal(t, int64(5), w2.Value, "failed run leaves the previous mark")
}

func TestIncrementalExtractReadsAboveWatermark(t *testing.T) {
	ctx := context.Background()
	ex, store := newHarness(t, "inc", map[string][]map[string]any{
		"src":  sourceRows(4),
		"dest": {},
	})
	require.NoError(t, store.SaveWatermark(ctx, &models.Watermark{
		PipelineVersionID: "v1", NodeID: "e", AssetID: "src", Column: "id", Value: int64(2),
	}))

	plan, err := dag.BuildPlan(versionOf(
		[]models.Node{
			{NodeID: "e", OperatorType: models.OperatorExtract, ConnectionID: "conn-inc",
				SourceAssetID: "src", IncrementalCapable: true, WatermarkColumn: "id"},
			{NodeID: "l", OperatorType: models.OperatorLoad, ConnectionID: "conn-inc", DestinationAssetID: "dest"},
		},
		[]models.Edge{{FromNodeID: "e", ToNodeID: "l"}},
	))
	require.NoError(t, err)

	result, err := ex.Execute(ctx, testJob(), plan)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Run.RecordsIn, "only rows above the mark are read")
	assert.Len(t, memconn.TableRows("inc", "dest"), 2)
}

func TestGuardrailBreachFailsRun(t *testing.T) {
	ex, _ := newHarness(t, "gr", map[string][]map[string]any{
		"src":  sourceRows(10),
		"dest": {},
	})

	plan, err := dag.BuildPlan(versionOf(
		[]models.Node{
			{NodeID: "e", OperatorType: models.OperatorExtract, ConnectionID: "conn-gr",
				SourceAssetID: "src", Guardrails: []models.Guardrail{{MaxRows: 4}}},
			{NodeID: "l", OperatorType: models.OperatorLoad, ConnectionID: "conn-gr", DestinationAssetID: "dest"},
		},
		[]models.Edge{{FromNodeID: "e", ToNodeID: "l"}},
	))
	require.NoError(t, err)

	result, err := ex.Execute(context.Background(), testJob(), plan)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "guardrail")
	assert.Equal(t, "e", result.Run.FailedStepID)
}

func TestQuarantineRowsWrittenToAsset(t *testing.T) {
	ex, _ := newHarness(t, "qr", map[string][]map[string]any{
		"src": {
			{"id": int64(1), "email": "a@x.io"},
			{"id": int64(2), "email": nil},
			{"id": int64(3), "email": "c@x.io"},
		},
		"dest": {},
		"bad":  {},
	})

	plan, err := dag.BuildPlan(versionOf(
		[]models.Node{
			{NodeID: "e", OperatorType: models.OperatorExtract, ConnectionID: "conn-qr", SourceAssetID: "src"},
			{NodeID: "v", OperatorType: models.OperatorTransform, OperatorClass: "validate",
				ConnectionID: "conn-qr", QuarantineAssetID: "bad",
				Config: map[string]any{
					"rules": []any{map[string]any{"column": "email", "check": "not_null"}},
				}},
			{NodeID: "l", OperatorType: models.OperatorLoad, ConnectionID: "conn-qr", DestinationAssetID: "dest"},
		},
		[]models.Edge{{FromNodeID: "e", ToNodeID: "v"}, {FromNodeID: "v", ToNodeID: "l"}},
	))
	require.NoError(t, err)

	result, err := ex.Execute(context.Background(), testJob(), plan)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Run.RecordsError)

	assert.Len(t, memconn.TableRows("qr", "dest"), 2)
	bad := memconn.TableRows("qr", "bad")
	require.Len(t, bad, 1)
	assert.Equal(t, int64(2), bad[0]["id"])
	assert.Equal(t, "email:not_null", bad[0]["__synqx_quarantine_reason__"])
	assert.NotNil(t, bad[0]["__synqx_quarantine_at__"])
}

// fakeEngine satisfies the base Connector interface for test doubles.
type fakeEngine struct{ kind string }

func (f *fakeEngine) Kind() string                        { return f.kind }
func (f *fakeEngine) ValidateConfig() error               { return nil }
func (f *fakeEngine) Connect(context.Context) error       { return nil }
func (f *fakeEngine) Close(context.Context) error         { return nil }
func (f *fakeEngine) TestConnection(context.Context) error { return nil }

// trickleSource emits one row at a time forever, so a run over it only
// ends when the run context is torn down.
type trickleSource struct{ fakeEngine }

func (s *trickleSource) ReadBatch(context.Context, string, connector.ReadOptions) (connector.ChunkIterator, error) {
	return &trickleIterator{}, nil
}

type trickleIterator struct{ n int }

func (it *trickleIterator) Next(ctx context.Context) (*chunk.Chunk, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(2 * time.Millisecond):
	}
	it.n++
	return chunk.FromRows([]string{"id"}, []map[string]any{{"id": int64(it.n)}}), nil
}

func (it *trickleIterator) Close() error { return nil }

func TestCancelRequestAbortsRunBetweenChunks(t *testing.T) {
	ctx := context.Background()
	connector.Register("trickle-cancel", func(map[string]any) (connector.Connector, error) {
		return &trickleSource{fakeEngine{kind: "trickle-cancel"}}, nil
	})
	memconn.RegisterDataset("cancel", map[string][]map[string]any{"dest": {}})

	store := memory.New()
	require.NoError(t, store.CreateConnection(ctx, &models.Connection{
		ID: "conn-src", WorkspaceID: "ws", Name: "src", ConnectorKind: "trickle-cancel",
	}))
	require.NoError(t, store.CreateConnection(ctx, &models.Connection{
		ID: "conn-dest", WorkspaceID: "ws", Name: "dest", ConnectorKind: "memory",
		Config: map[string]any{"dataset": "cancel"},
	}))

	job := testJob()
	job.Status = models.JobCancelling
	require.NoError(t, store.CreateJob(ctx, job))

	pool, err := connector.NewPool(8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	ex := executor.New(pool, store,
		executor.WithJobWatcher(store),
		executor.WithCancelPoll(5*time.Millisecond),
		executor.WithChunkBuffer(2))

	plan, err := dag.BuildPlan(versionOf(
		[]models.Node{
			{NodeID: "e", OperatorType: models.OperatorExtract, ConnectionID: "conn-src", SourceAssetID: "src"},
			{NodeID: "l", OperatorType: models.OperatorLoad, ConnectionID: "conn-dest", DestinationAssetID: "dest"},
		},
		[]models.Edge{{FromNodeID: "e", ToNodeID: "l"}},
	))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := ex.Execute(ctx, job, plan)
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorContains(t, err, "cancelled")
	case <-time.After(5 * time.Second):
		t.Fatal("run did not abort after the cancel request")
	}
}

// stagedSink records whether the load went through the staging path.
type stagedSink struct {
	fakeEngine
	mu        sync.Mutex
	stageKind string
	direct    bool
	rows      int64
}

func (s *stagedSink) SupportsStaging() bool { return true }

func (s *stagedSink) WriteStaged(ctx context.Context, chunks connector.ChunkIterator, _ string, stage connector.Connector, _ models.WriteMode) (int64, error) {
	s.mu.Lock()
	s.stageKind = stage.Kind()
	s.mu.Unlock()
	var n int64
	for {
		ch, err := chunks.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return n, err
		}
		n += int64(ch.NumRows())
	}
	s.mu.Lock()
	s.rows = n
	s.mu.Unlock()
	return n, nil
}

func (s *stagedSink) WriteBatch(ctx context.Context, chunks connector.ChunkIterator, _ string, _ models.WriteMode) (int64, error) {
	s.mu.Lock()
	s.direct = true
	s.mu.Unlock()
	var n int64
	for {
		ch, err := chunks.Next(ctx)
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n += int64(ch.NumRows())
	}
}

func TestLoadUsesStagingWhenConfigured(t *testing.T) {
	ctx := context.Background()
	sink := &stagedSink{fakeEngine: fakeEngine{kind: "staged-dw"}}
	connector.Register("staged-dw", func(map[string]any) (connector.Connector, error) {
		return sink, nil
	})
	connector.Register("stage-store", func(map[string]any) (connector.Connector, error) {
		return &fakeEngine{kind: "stage-store"}, nil
	})
	memconn.RegisterDataset("stg", map[string][]map[string]any{"src": sourceRows(3)})

	store := memory.New()
	require.NoError(t, store.CreateConnection(ctx, &models.Connection{
		ID: "conn-src", WorkspaceID: "ws", Name: "src", ConnectorKind: "memory",
		Config: map[string]any{"dataset": "stg"},
	}))
	require.NoError(t, store.CreateConnection(ctx, &models.Connection{
		ID: "conn-stage", WorkspaceID: "ws", Name: "stage", ConnectorKind: "stage-store",
	}))
	require.NoError(t, store.CreateConnection(ctx, &models.Connection{
		ID: "conn-dw", WorkspaceID: "ws", Name: "dw", ConnectorKind: "staged-dw",
		StagingConnectionID: "conn-stage",
	}))

	pool, err := connector.NewPool(8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	ex := executor.New(pool, store, executor.WithChunkBuffer(2))
	plan, err := dag.BuildPlan(versionOf(
		[]models.Node{
			{NodeID: "e", OperatorType: models.OperatorExtract, ConnectionID: "conn-src", SourceAssetID: "src"},
			{NodeID: "l", OperatorType: models.OperatorLoad, ConnectionID: "conn-dw", DestinationAssetID: "dw.orders"},
		},
		[]models.Edge{{FromNodeID: "e", ToNodeID: "l"}},
	))
	require.NoError(t, err)

	result, err := ex.Execute(ctx, testJob(), plan)
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.Run.RecordsOut)
	assert.Equal(t, "stage-store", sink.stageKind, "staged path receives the staging engine")
	assert.False(t, sink.direct, "direct write path is bypassed")
	assert.Equal(t, int64(3), sink.rows)
}

// flakyWriter fails its first connect with a retryable error.
type flakyWriter struct {
	fakeEngine
	attempts *int
}

func (f *flakyWriter) Connect(context.Context) error {
	*f.attempts++
	if *f.attempts == 1 {
		return errdefs.New(errdefs.KindConnectionFailed, "backend warming up")
	}
	return nil
}

func (f *flakyWriter) WriteBatch(ctx context.Context, chunks connector.ChunkIterator, _ string, _ models.WriteMode) (int64, error) {
	var n int64
	for {
		ch, err := chunks.Next(ctx)
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n += int64(ch.NumRows())
	}
}

func TestLoadRetriesEngineConnect(t *testing.T) {
	ctx := context.Background()
	attempts := 0
	connector.Register("flaky-sink", func(map[string]any) (connector.Connector, error) {
		return &flakyWriter{fakeEngine: fakeEngine{kind: "flaky-sink"}, attempts: &attempts}, nil
	})
	memconn.RegisterDataset("flk", map[string][]map[string]any{"src": sourceRows(2)})

	store := memory.New()
	require.NoError(t, store.CreateConnection(ctx, &models.Connection{
		ID: "conn-src", WorkspaceID: "ws", Name: "src", ConnectorKind: "memory",
		Config: map[string]any{"dataset": "flk"},
	}))
	require.NoError(t, store.CreateConnection(ctx, &models.Connection{
		ID: "conn-sink", WorkspaceID: "ws", Name: "sink", ConnectorKind: "flaky-sink",
	}))

	pool, err := connector.NewPool(8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	ex := executor.New(pool, store, executor.WithChunkBuffer(2))
	plan, err := dag.BuildPlan(versionOf(
		[]models.Node{
			{NodeID: "e", OperatorType: models.OperatorExtract, ConnectionID: "conn-src", SourceAssetID: "src"},
			{NodeID: "l", OperatorType: models.OperatorLoad, ConnectionID: "conn-sink",
				DestinationAssetID: "out", RetryDelaySeconds: 1},
		},
		[]models.Edge{{FromNodeID: "e", ToNodeID: "l"}},
	))
	require.NoError(t, err)

	result, err := ex.Execute(ctx, testJob(), plan)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts, "second connect attempt succeeds")
	for _, step := range result.Steps {
		if step.NodeID == "l" {
			assert.Equal(t, 1, step.RetryCount)
		}
	}
}

func TestChunkOrderPreservedUnderSmallBuffers(t *testing.T) {
	const total = 50
	rows := make([]map[string]any, 0, total)
	for i := 1; i <= total; i++ {
		rows = append(rows, map[string]any{"id": int64(i), "amount": int64(i)})
	}
	ex, _ := newHarness(t, "fifo", map[string][]map[string]any{"src": rows, "dest": {}})

	plan, err := dag.BuildPlan(versionOf(
		[]models.Node{
			{NodeID: "e", OperatorType: models.OperatorExtract, ConnectionID: "conn-fifo", SourceAssetID: "src"},
			{NodeID: "p", OperatorType: models.OperatorTransform, OperatorClass: "pass_through"},
			{NodeID: "l", OperatorType: models.OperatorLoad, ConnectionID: "conn-fifo", DestinationAssetID: "dest"},
		},
		[]models.Edge{{FromNodeID: "e", ToNodeID: "p"}, {FromNodeID: "p", ToNodeID: "l"}},
	))
	require.NoError(t, err)

	_, err = ex.Execute(context.Background(), testJob(), plan)
	require.NoError(t, err)

	written := memconn.TableRows("fifo", "dest")
	require.Len(t, written, total)
	for i, row := range written {
		require.Equal(t, int64(i+1), row["id"], fmt.Sprintf("row %d out of order", i))
	}
}
