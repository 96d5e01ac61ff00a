package frontend

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/synqx/synqx/internal/build"
	"github.com/synqx/synqx/internal/controlplane"
	"github.com/synqx/synqx/internal/ephemeral"
	"github.com/synqx/synqx/internal/errdefs"
	"github.com/synqx/synqx/internal/gitops"
	"github.com/synqx/synqx/internal/metrics"
	"github.com/synqx/synqx/internal/models"
	"github.com/synqx/synqx/internal/persistence"
)

// maxLeaseWait caps how long a lease request may hang before returning
// empty; agents poll again immediately after.
const maxLeaseWait = 30 * time.Second

// Stores groups the persistence interfaces the API reads directly.
type Stores struct {
	Jobs          persistence.JobStore
	Pipelines     persistence.PipelineStore
	Agents        persistence.AgentStore
	Connections   persistence.ConnectionStore
	Runs          persistence.RunStore
	EphemeralJobs persistence.EphemeralJobStore
}

// API exposes the control plane over HTTP.
type API struct {
	control         *controlplane.Service
	fleet           *controlplane.Fleet
	ephemeral       *ephemeral.Service
	stores          Stores
	metricsOnce     sync.Once
	metricsRegistry *prometheus.Registry
}

// NewAPI creates the API over the control plane services.
func NewAPI(control *controlplane.Service, fleet *controlplane.Fleet, eph *ephemeral.Service, stores Stores) *API {
	return &API{
		control:   control,
		fleet:     fleet,
		ephemeral: eph,
		stores:    stores,
	}
}

// ConfigureRoutes registers all API routes on the router.
func (a *API) ConfigureRoutes(r chi.Router) {
	r.Get("/health", a.handleHealth)
	r.Get("/metrics", a.handleMetrics)

	r.Route("/pipelines", func(r chi.Router) {
		r.Get("/", a.handleListPipelines)
		r.Post("/import", a.handleImportPipeline)
		r.Get("/{pipelineID}", a.handleGetPipeline)
		r.Get("/{pipelineID}/export", a.handleExportPipeline)
		r.Post("/{pipelineID}/jobs", a.handleSubmitJob)
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", a.handleListJobs)
		r.Get("/{jobID}", a.handleGetJob)
		r.Post("/{jobID}/cancel", a.handleCancelJob)
		r.Post("/{jobID}/retry", a.handleRetryJob)
	})

	r.Route("/connections", func(r chi.Router) {
		r.Get("/", a.handleListConnections)
		r.Post("/", a.handleCreateConnection)
	})

	r.Route("/ephemeral-jobs", func(r chi.Router) {
		r.Post("/", a.handleSubmitEphemeralJob)
		r.Get("/{jobID}", a.handleGetEphemeralJob)
	})

	r.Route("/agents", func(r chi.Router) {
		r.Get("/", a.handleListAgents)
		r.Post("/register", a.handleRegisterAgent)

		r.Group(func(r chi.Router) {
			r.Use(a.agentAuth)
			r.Post("/heartbeat", a.handleHeartbeat)
			r.Post("/lease", a.handleLease)
			r.Post("/jobs/{jobID}/progress", a.handleJobProgress)
			r.Post("/jobs/{jobID}/complete", a.handleCompleteJob)
			r.Post("/ephemeral-jobs/lease", a.handleLeaseEphemeralJob)
			r.Post("/ephemeral-jobs/{jobID}/result", a.handleEphemeralJobResult)
			r.Get("/versions/{versionID}", a.handleGetVersion)
			r.Get("/connections/{connectionID}", a.handleGetAgentConnection)
		})
	})
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"version": build.Version,
		"uptime":  metrics.GetUptime(),
	})
}

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	a.metricsOnce.Do(func() {
		collector := metrics.NewCollector(build.Version, a.stores.Jobs, a.stores.Agents, a.stores.Pipelines)
		a.metricsRegistry = metrics.NewRegistry(collector)
	})
	promhttp.HandlerFor(a.metricsRegistry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func (a *API) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	pipelines, err := a.stores.Pipelines.ListPipelines(r.Context(), r.URL.Query().Get("workspace_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pipelines": pipelines})
}

func (a *API) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := a.stores.Pipelines.GetPipeline(r.Context(), chi.URLParam(r, "pipelineID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleExportPipeline renders the pipeline's published version (or the
// one named by version_id) as a declarative manifest.
func (a *API) handleExportPipeline(w http.ResponseWriter, r *http.Request) {
	p, err := a.stores.Pipelines.GetPipeline(r.Context(), chi.URLParam(r, "pipelineID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	versionID := r.URL.Query().Get("version_id")
	if versionID == "" {
		versionID = p.PublishedVersionID
	}
	if versionID == "" {
		badRequest(w, r, "pipeline has no published version to export")
		return
	}
	version, err := a.stores.Pipelines.GetVersion(r.Context(), versionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	data, err := gitops.NewExporter(a.stores.Connections).Export(r.Context(), p, version)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleImportPipeline materializes a manifest into a pipeline with an
// unpublished draft version. A name match within the workspace updates
// the existing pipeline instead of creating a duplicate.
func (a *API) handleImportPipeline(w http.ResponseWriter, r *http.Request) {
	workspaceID := r.URL.Query().Get("workspace_id")
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		badRequest(w, r, "failed to read manifest body")
		return
	}
	pipeline, version, err := gitops.NewImporter(a.stores.Connections).Import(r.Context(), workspaceID, data)
	if err != nil {
		writeError(w, r, err)
		return
	}

	existing, err := a.stores.Pipelines.ListPipelines(r.Context(), workspaceID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	var matched *models.Pipeline
	for _, p := range existing {
		if p.Name == pipeline.Name {
			matched = p
			break
		}
	}
	if matched != nil {
		matched.Description = pipeline.Description
		matched.Tags = pipeline.Tags
		if err := a.stores.Pipelines.UpdatePipeline(r.Context(), matched); err != nil {
			writeError(w, r, err)
			return
		}
		pipeline = matched
		version.PipelineID = matched.ID
		status = http.StatusOK
	} else if err := a.stores.Pipelines.CreatePipeline(r.Context(), pipeline); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.stores.Pipelines.CreateVersion(r.Context(), version); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, status, map[string]any{
		"pipeline": pipeline,
		"version":  version,
	})
}

func (a *API) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Parameters     map[string]any `json:"parameters"`
		CorrelationID  string         `json:"correlation_id"`
		Backfill       bool           `json:"backfill"`
		BackfillConfig map[string]any `json:"backfill_config"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &body); err != nil {
			writeError(w, r, err)
			return
		}
	}

	var opts []models.JobOption
	if body.Parameters != nil {
		opts = append(opts, models.WithParameters(body.Parameters))
	}
	if body.CorrelationID != "" {
		opts = append(opts, models.WithCorrelationID(body.CorrelationID))
	}
	if body.Backfill {
		opts = append(opts, models.WithBackfill(body.BackfillConfig))
	}

	job, err := a.control.Submit(r.Context(), chi.URLParam(r, "pipelineID"), opts...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (a *API) handleListJobs(w http.ResponseWriter, r *http.Request) {
	opts := persistence.ListJobsOptions{
		WorkspaceID: r.URL.Query().Get("workspace_id"),
		PipelineID:  r.URL.Query().Get("pipeline_id"),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		opts.Statuses = []models.JobStatus{models.JobStatus(status)}
	}
	jobs, err := a.stores.Jobs.ListJobs(r.Context(), opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.control.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.control.Cancel(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.control.Retry(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) handleListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := a.stores.Connections.ListConnections(r.Context(), r.URL.Query().Get("workspace_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": conns})
}

func (a *API) handleCreateConnection(w http.ResponseWriter, r *http.Request) {
	var conn models.Connection
	if err := decodeBody(r, &conn); err != nil {
		writeError(w, r, err)
		return
	}
	if conn.ConnectorKind == "" {
		badRequest(w, r, "connector_kind is required")
		return
	}
	if conn.ID == "" {
		conn.ID = uuid.New().String()
	}
	if err := a.stores.Connections.CreateConnection(r.Context(), &conn); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, conn)
}

func (a *API) handleSubmitEphemeralJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkspaceID  string         `json:"workspace_id"`
		UserID       string         `json:"user_id"`
		ConnectionID string         `json:"connection_id"`
		JobType      string         `json:"job_type"`
		Payload      map[string]any `json:"payload"`
		Sync         bool           `json:"sync"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if body.ConnectionID == "" {
		badRequest(w, r, "connection_id is required")
		return
	}

	job, err := a.ephemeral.Submit(r.Context(), body.WorkspaceID, body.UserID,
		body.ConnectionID, models.EphemeralJobType(body.JobType), body.Payload)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if body.Sync {
		// outcome lands on the job record either way
		_ = a.ephemeral.Execute(r.Context(), job)
	}
	writeJSON(w, http.StatusCreated, job)
}

func (a *API) handleGetEphemeralJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.stores.EphemeralJobs.GetEphemeralJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := a.fleet.List(r.Context(), r.URL.Query().Get("workspace_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

func (a *API) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WorkspaceID string   `json:"workspace_id"`
		Name        string   `json:"name"`
		Groups      []string `json:"groups"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if body.Name == "" {
		badRequest(w, r, "name is required")
		return
	}
	agent, apiKey, err := a.fleet.Register(r.Context(), body.WorkspaceID, body.Name, body.Groups)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"agent":   agent,
		"api_key": apiKey,
	})
}

type agentCtxKey struct{}

// agentAuth authenticates agent requests by client ID and API key.
func (a *API) agentAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID := r.Header.Get("X-Synqx-Client-Id")
		apiKey := r.Header.Get("X-Synqx-Api-Key")
		agent, err := a.fleet.Authenticate(r.Context(), clientID, apiKey)
		if err != nil {
			writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), agentCtxKey{}, agent)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func agentFrom(r *http.Request) *models.Agent {
	agent, _ := r.Context().Value(agentCtxKey{}).(*models.Agent)
	return agent
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Version    string         `json:"version"`
		SystemInfo map[string]any `json:"system_info"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &body); err != nil {
			writeError(w, r, err)
			return
		}
	}
	agent := agentFrom(r)
	if err := a.fleet.Heartbeat(r.Context(), agent.ClientID, r.RemoteAddr, body.Version, body.SystemInfo); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleLease hands the next eligible job to the agent. With a wait the
// request hangs until a job shows up or the window closes; an empty 204
// tells the agent to poll again.
func (a *API) handleLease(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Groups      []string `json:"groups"`
		WaitSeconds int      `json:"wait_seconds"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &body); err != nil {
			writeError(w, r, err)
			return
		}
	}
	agent := agentFrom(r)
	groups := body.Groups
	if len(groups) == 0 {
		groups = agent.Tags.Groups
	}
	// group-less jobs are internal to the server's embedded worker and
	// never leave the process over the agent protocol
	if len(groups) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	wait := time.Duration(body.WaitSeconds) * time.Second
	if wait > maxLeaseWait {
		wait = maxLeaseWait
	}
	deadline := time.Now().Add(wait)

	for {
		job, err := a.control.Lease(r.Context(), agent.ClientID, groups)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if job != nil {
			writeJSON(w, http.StatusOK, job)
			return
		}
		if time.Now().After(deadline) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		select {
		case <-r.Context().Done():
			w.WriteHeader(http.StatusNoContent)
			return
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// handleJobProgress stores run and step telemetry reported mid-flight.
func (a *API) handleJobProgress(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Run   *models.PipelineRun `json:"run"`
		Steps []*models.StepRun   `json:"steps"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	if body.Run != nil {
		if _, err := a.stores.Runs.GetRun(r.Context(), body.Run.ID); err != nil {
			if !errdefs.IsKind(err, errdefs.KindNotFound) {
				writeError(w, r, err)
				return
			}
			if err := a.stores.Runs.CreateRun(r.Context(), body.Run); err != nil {
				writeError(w, r, err)
				return
			}
		} else if err := a.stores.Runs.UpdateRun(r.Context(), body.Run); err != nil {
			writeError(w, r, err)
			return
		}
	}
	for _, step := range body.Steps {
		if err := a.stores.Runs.PutStepRun(r.Context(), step); err != nil {
			writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleCompleteJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Success         bool   `json:"success"`
		Error           string `json:"error"`
		ExecutionTimeMS int64  `json:"execution_time_ms"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	job, err := a.control.Complete(r.Context(), chi.URLParam(r, "jobID"),
		body.Success, body.Error, time.Duration(body.ExecutionTimeMS)*time.Millisecond)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) handleLeaseEphemeralJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Groups []string `json:"groups"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &body); err != nil {
			writeError(w, r, err)
			return
		}
	}
	agent := agentFrom(r)
	groups := body.Groups
	if len(groups) == 0 {
		groups = agent.Tags.Groups
	}
	if len(groups) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	job, err := a.stores.EphemeralJobs.LeaseNextEphemeralJob(r.Context(), agent.ClientID, groups)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleGetVersion serves the immutable pipeline version an agent needs
// to build its local execution plan.
func (a *API) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	version, err := a.stores.Pipelines.GetVersion(r.Context(), chi.URLParam(r, "versionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

func (a *API) handleGetAgentConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := a.stores.Connections.GetConnection(r.Context(), chi.URLParam(r, "connectionID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

// handleEphemeralJobResult stores the outcome an agent produced for a
// leased ephemeral job.
func (a *API) handleEphemeralJobResult(w http.ResponseWriter, r *http.Request) {
	job, err := a.stores.EphemeralJobs.GetEphemeralJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	var body struct {
		Status        string           `json:"status"`
		ResultSummary map[string]any   `json:"result_summary"`
		ResultSample  []map[string]any `json:"result_sample"`
		Truncated     bool             `json:"truncated"`
		Error         string           `json:"error"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, r, err)
		return
	}
	job.Status = models.JobStatus(body.Status)
	job.ResultSummary = body.ResultSummary
	job.ResultSample = body.ResultSample
	job.Truncated = body.Truncated
	job.Error = body.Error
	if job.Status.IsTerminal() {
		job.CompletedAt = time.Now().UTC()
	}
	if err := a.stores.EphemeralJobs.UpdateEphemeralJob(r.Context(), job); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}
