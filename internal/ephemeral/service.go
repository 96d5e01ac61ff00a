// Package ephemeral executes short-lived interactive tasks: explorer
// queries, schema inference, connection tests. Results live on the job
// record; query results additionally hit a Redis cache keyed by the
// request payload.
package ephemeral

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/synqx/synqx/internal/connector"
	"github.com/synqx/synqx/internal/errdefs"
	"github.com/synqx/synqx/internal/eventbus"
	"github.com/synqx/synqx/internal/logger"
	"github.com/synqx/synqx/internal/logger/tag"
	"github.com/synqx/synqx/internal/models"
	"github.com/synqx/synqx/internal/persistence"
)

// MaxSampleRows caps how many rows an ephemeral result carries back.
const MaxSampleRows = 1000

// ConnectionResolver resolves a connection ID to its record.
type ConnectionResolver interface {
	GetConnection(ctx context.Context, id string) (*models.Connection, error)
}

// Service runs ephemeral jobs.
type Service struct {
	store       persistence.EphemeralJobStore
	connections ConnectionResolver
	engines     *connector.Pool
	cache       *ResultCache
	events      eventbus.Publisher
	now         func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithResultCache enables the Redis-backed query result cache.
func WithResultCache(cache *ResultCache) ServiceOption {
	return func(s *Service) { s.cache = cache }
}

// WithEvents publishes ephemeral job transitions.
func WithEvents(pub eventbus.Publisher) ServiceOption {
	return func(s *Service) { s.events = pub }
}

// NewService creates the ephemeral job service.
func NewService(store persistence.EphemeralJobStore, connections ConnectionResolver, engines *connector.Pool, opts ...ServiceOption) *Service {
	s := &Service{
		store:       store,
		connections: connections,
		engines:     engines,
		events:      eventbus.NopPublisher{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit queues an ephemeral job.
func (s *Service) Submit(ctx context.Context, workspaceID, userID, connectionID string, jobType models.EphemeralJobType, payload map[string]any) (*models.EphemeralJob, error) {
	job := &models.EphemeralJob{
		ID:           uuid.New().String(),
		WorkspaceID:  workspaceID,
		UserID:       userID,
		ConnectionID: connectionID,
		JobType:      jobType,
		Status:       models.JobQueued,
		Payload:      payload,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.CreateEphemeralJob(ctx, job); err != nil {
		return nil, err
	}
	s.publish(ctx, job)
	return job, nil
}

// Execute runs the job to completion and records the outcome.
func (s *Service) Execute(ctx context.Context, job *models.EphemeralJob) error {
	job.Status = models.JobRunning
	job.StartedAt = s.now().UTC()
	if err := s.store.UpdateEphemeralJob(ctx, job); err != nil {
		return err
	}
	s.publish(ctx, job)

	err := s.run(ctx, job)
	job.CompletedAt = s.now().UTC()
	if err != nil {
		job.Status = models.JobFailed
		job.Error = err.Error()
		logger.Error(ctx, "Ephemeral job failed", tag.Job(job.ID), "type", string(job.JobType), tag.Error(err))
	} else {
		job.Status = models.JobSuccess
	}
	if updateErr := s.store.UpdateEphemeralJob(ctx, job); updateErr != nil {
		return updateErr
	}
	s.publish(ctx, job)
	return err
}

func (s *Service) run(ctx context.Context, job *models.EphemeralJob) error {
	switch job.JobType {
	case models.EphemeralExplorer:
		return s.runExplorer(ctx, job)
	case models.EphemeralMetadata:
		return s.runMetadata(ctx, job)
	case models.EphemeralTest:
		return s.runTest(ctx, job)
	case models.EphemeralSystem:
		return errdefs.New(errdefs.KindConfiguration, "SYSTEM jobs are reserved for server-internal housekeeping and cannot be submitted")
	case models.EphemeralFile:
		return errdefs.New(errdefs.KindConfiguration, "FILE jobs need an uploaded payload, which this runner does not accept; read the file through a connection instead")
	case models.EphemeralPipeline:
		return errdefs.New(errdefs.KindConfiguration, "PIPELINE runs go through the job control plane, not the ephemeral runner")
	default:
		return errdefs.Newf(errdefs.KindConfiguration, "unsupported ephemeral job type %q", job.JobType)
	}
}

func (s *Service) engineFor(ctx context.Context, job *models.EphemeralJob) (connector.Connector, error) {
	conn, err := s.connections.GetConnection(ctx, job.ConnectionID)
	if err != nil {
		return nil, err
	}
	return s.engines.Get(ctx, conn.ConnectorKind, conn.Config, nil)
}

// runExplorer serves an interactive query, cache first. Engines without
// a query runner (or with one that cannot serve this query) fall back
// to sampling the asset.
func (s *Service) runExplorer(ctx context.Context, job *models.EphemeralJob) error {
	query, _ := job.Payload["query"].(string)
	if query == "" {
		return errdefs.New(errdefs.KindConfiguration, "explorer job requires a query")
	}
	limit := intPayload(job.Payload, "limit", MaxSampleRows)
	if limit > MaxSampleRows {
		limit = MaxSampleRows
	}
	offset := intPayload(job.Payload, "offset", 0)

	key := CacheKey(job.ConnectionID, job.Payload)
	if rows, metadata, err := s.cache.Get(ctx, key); err == nil && metadata != nil {
		logger.Debug(ctx, "Explorer result served from cache", tag.Job(job.ID), "key", key)
		job.ResultSample = rows
		job.ResultSummary = metadata
		job.Truncated, _ = metadata["truncated"].(bool)
		return nil
	}

	engine, err := s.engineFor(ctx, job)
	if err != nil {
		return err
	}

	rows, total, err := s.executeQuery(ctx, engine, query, limit, offset)
	if err != nil {
		return err
	}

	truncated := false
	if len(rows) > MaxSampleRows {
		rows = rows[:MaxSampleRows]
		truncated = true
	}
	job.ResultSample = rows
	job.Truncated = truncated
	job.ResultSummary = map[string]any{
		"count":       len(rows),
		"total_count": total,
		"columns":     rowColumns(rows),
		"truncated":   truncated,
	}

	if err := s.cache.Put(ctx, key, rows, job.ResultSummary); err != nil {
		logger.Warn(ctx, "Failed to cache explorer result", tag.Job(job.ID), tag.Error(err))
	}
	return nil
}

func (s *Service) executeQuery(ctx context.Context, engine connector.Connector, query string, limit, offset int) ([]map[string]any, int64, error) {
	if runner, ok := engine.(connector.QueryRunner); ok {
		rows, err := runner.ExecuteQuery(ctx, query, limit, offset)
		if err == nil {
			total, countErr := runner.TotalCount(ctx, query)
			if countErr != nil {
				total = int64(len(rows))
			}
			return rows, total, nil
		}
		if !errors.Is(err, connector.ErrNotImplemented) {
			return nil, 0, err
		}
	}
	sampler, ok := engine.(connector.Sampler)
	if !ok {
		return nil, 0, errdefs.Newf(errdefs.KindConfiguration,
			"connector %q cannot serve interactive queries", engine.Kind())
	}
	rows, err := sampler.FetchSample(ctx, query, limit)
	if err != nil {
		return nil, 0, err
	}
	return rows, int64(len(rows)), nil
}

func (s *Service) runMetadata(ctx context.Context, job *models.EphemeralJob) error {
	engine, err := s.engineFor(ctx, job)
	if err != nil {
		return err
	}
	op, _ := job.Payload["operation"].(string)
	switch op {
	case "infer_schema":
		asset, _ := job.Payload["asset"].(string)
		inferrer, ok := engine.(connector.SchemaInferrer)
		if !ok {
			return errdefs.Newf(errdefs.KindConfiguration, "connector %q cannot infer schemas", engine.Kind())
		}
		schema, err := inferrer.InferSchema(ctx, asset, intPayload(job.Payload, "sample_size", 100), connector.SchemaAuto)
		if err != nil {
			return err
		}
		cols := make([]map[string]any, 0, len(schema.Columns))
		for _, col := range schema.Columns {
			cols = append(cols, map[string]any{
				"name": col.Name, "data_type": col.DataType, "nullable": col.Nullable,
			})
		}
		job.ResultSummary = map[string]any{"columns": cols}
		return nil
	default: // discover
		discoverer, ok := engine.(connector.Discoverer)
		if !ok {
			return errdefs.Newf(errdefs.KindConfiguration, "connector %q cannot discover assets", engine.Kind())
		}
		pattern, _ := job.Payload["pattern"].(string)
		assets, err := discoverer.DiscoverAssets(ctx, pattern, false)
		if err != nil {
			return err
		}
		names := make([]string, 0, len(assets))
		for _, a := range assets {
			names = append(names, a.Name)
		}
		job.ResultSummary = map[string]any{"assets": names, "count": len(assets)}
		return nil
	}
}

func (s *Service) runTest(ctx context.Context, job *models.EphemeralJob) error {
	engine, err := s.engineFor(ctx, job)
	if err != nil {
		return err
	}
	if err := engine.TestConnection(ctx); err != nil {
		return err
	}
	job.ResultSummary = map[string]any{"ok": true}
	return nil
}

func (s *Service) publish(ctx context.Context, job *models.EphemeralJob) {
	_ = s.events.Publish(ctx, eventbus.TopicEphemeralJob(job.ID), eventbus.NewEvent("ephemeral_job_state", map[string]any{
		"job_id": job.ID,
		"status": string(job.Status),
	}))
}

func intPayload(payload map[string]any, key string, def int) int {
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// rowColumns collects the sorted set of columns across the rows.
func rowColumns(rows []map[string]any) []string {
	seen := make(map[string]struct{})
	var cols []string
	for _, row := range rows {
		for col := range row {
			if _, ok := seen[col]; !ok {
				seen[col] = struct{}{}
				cols = append(cols, col)
			}
		}
	}
	sort.Strings(cols)
	return cols
}
