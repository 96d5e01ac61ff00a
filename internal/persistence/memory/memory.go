// Package memory implements the persistence interfaces with in-process
// maps. It backs tests and the single-binary deployment mode.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/synqx/synqx/internal/chunk"
	"github.com/synqx/synqx/internal/errdefs"
	"github.com/synqx/synqx/internal/models"
	"github.com/synqx/synqx/internal/persistence"
)

// Store implements every persistence interface over guarded maps.
// Values are copied on write and read so callers never alias stored
// records.
type Store struct {
	mu          sync.Mutex
	jobs        map[string]*models.Job
	pipelines   map[string]*models.Pipeline
	versions    map[string]*models.PipelineVersion
	agents      map[string]*models.Agent
	runs        map[string]*models.PipelineRun
	stepRuns    map[string]*models.StepRun
	watermarks  map[string]*models.Watermark
	connections map[string]*models.Connection
	ephemeral   map[string]*models.EphemeralJob
}

// New creates an empty store.
func New() *Store {
	return &Store{
		jobs:        make(map[string]*models.Job),
		pipelines:   make(map[string]*models.Pipeline),
		versions:    make(map[string]*models.PipelineVersion),
		agents:      make(map[string]*models.Agent),
		runs:        make(map[string]*models.PipelineRun),
		stepRuns:    make(map[string]*models.StepRun),
		watermarks:  make(map[string]*models.Watermark),
		connections: make(map[string]*models.Connection),
		ephemeral:   make(map[string]*models.EphemeralJob),
	}
}

func notFound(kind, id string) error {
	return errdefs.Newf(errdefs.KindNotFound, "%s %q not found", kind, id)
}

// groupMatches reports whether a job routed to group is servable by a
// worker carrying groups. Jobs without a group are internal: only the
// embedded worker, which leases with no groups, may claim them. Matching
// is case-insensitive.
func groupMatches(group string, groups []string) bool {
	if group == "" {
		return len(groups) == 0
	}
	for _, g := range groups {
		if strings.EqualFold(g, group) {
			return true
		}
	}
	return false
}

func (s *Store) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *Store) GetJob(_ context.Context, id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, notFound("job", id)
	}
	cp := *job
	return &cp, nil
}

func (s *Store) UpdateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return notFound("job", job.ID)
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *Store) ListJobs(_ context.Context, opts persistence.ListJobsOptions) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, job := range s.jobs {
		if opts.WorkspaceID != "" && job.WorkspaceID != opts.WorkspaceID {
			continue
		}
		if opts.PipelineID != "" && job.PipelineID != opts.PipelineID {
			continue
		}
		if len(opts.Statuses) > 0 && !statusIn(job.Status, opts.Statuses) {
			continue
		}
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func statusIn(s models.JobStatus, set []models.JobStatus) bool {
	for _, st := range set {
		if st == s {
			return true
		}
	}
	return false
}

func (s *Store) LeaseNextJob(_ context.Context, workerID string, groups []string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var oldest *models.Job
	for _, job := range s.jobs {
		if job.Status != models.JobQueued && job.Status != models.JobPending {
			continue
		}
		if !job.NextAttemptAt.IsZero() && job.NextAttemptAt.After(now) {
			continue
		}
		if !groupMatches(job.AgentGroup, groups) {
			continue
		}
		if oldest == nil || job.CreatedAt.Before(oldest.CreatedAt) {
			oldest = job
		}
	}
	if oldest == nil {
		return nil, nil
	}
	oldest.Status = models.JobRunning
	oldest.WorkerID = workerID
	oldest.StartedAt = now
	cp := *oldest
	return &cp, nil
}

func (s *Store) CreatePipeline(_ context.Context, p *models.Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.pipelines[p.ID] = &cp
	return nil
}

func (s *Store) GetPipeline(_ context.Context, id string) (*models.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[id]
	if !ok {
		return nil, notFound("pipeline", id)
	}
	cp := *p
	return &cp, nil
}

func (s *Store) UpdatePipeline(_ context.Context, p *models.Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pipelines[p.ID]; !ok {
		return notFound("pipeline", p.ID)
	}
	cp := *p
	s.pipelines[p.ID] = &cp
	return nil
}

func (s *Store) ListPipelines(_ context.Context, workspaceID string) ([]*models.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Pipeline
	for _, p := range s.pipelines {
		if workspaceID != "" && p.WorkspaceID != workspaceID {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) CreateVersion(_ context.Context, v *models.PipelineVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *v
	s.versions[v.ID] = &cp
	return nil
}

func (s *Store) GetVersion(_ context.Context, id string) (*models.PipelineVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[id]
	if !ok {
		return nil, notFound("pipeline version", id)
	}
	cp := *v
	return &cp, nil
}

func (s *Store) PutAgent(_ context.Context, a *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.agents[a.ClientID] = &cp
	return nil
}

func (s *Store) GetAgent(_ context.Context, clientID string) (*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[clientID]
	if !ok {
		return nil, notFound("agent", clientID)
	}
	cp := *a
	return &cp, nil
}

func (s *Store) ListAgents(_ context.Context, workspaceID string) ([]*models.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Agent
	for _, a := range s.agents {
		if workspaceID != "" && a.WorkspaceID != workspaceID {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
}

func (s *Store) CreateRun(_ context.Context, run *models.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *Store) UpdateRun(_ context.Context, run *models.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return notFound("run", run.ID)
	}
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *Store) GetRun(_ context.Context, id string) (*models.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, notFound("run", id)
	}
	cp := *run
	return &cp, nil
}

func (s *Store) PutStepRun(_ context.Context, step *models.StepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *step
	s.stepRuns[step.ID] = &cp
	return nil
}

func (s *Store) ListStepRuns(_ context.Context, runID string) ([]*models.StepRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.StepRun
	for _, step := range s.stepRuns {
		if step.RunID != runID {
			continue
		}
		cp := *step
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

func watermarkKey(versionID, nodeID, assetID string) string {
	return versionID + "\x1f" + nodeID + "\x1f" + assetID
}

func (s *Store) GetWatermark(_ context.Context, versionID, nodeID, assetID string) (*models.Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.watermarks[watermarkKey(versionID, nodeID, assetID)]
	if !ok {
		return nil, nil
	}
	cp := *w
	return &cp, nil
}

// SaveWatermark persists a watermark. Column watermarks never move
// backwards: a save whose value orders below the stored one is rejected.
// Token-only watermarks are opaque and always accepted.
func (s *Store) SaveWatermark(_ context.Context, w *models.Watermark) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := watermarkKey(w.PipelineVersionID, w.NodeID, w.AssetID)
	if prev, ok := s.watermarks[key]; ok && prev.Value != nil && w.Value != nil {
		if chunk.Compare(w.Value, prev.Value) < 0 {
			return errdefs.Newf(errdefs.KindPipelineExecution,
				"watermark for %s/%s would regress from %v to %v",
				w.NodeID, w.AssetID, prev.Value, w.Value)
		}
	}
	cp := *w
	cp.UpdatedAt = time.Now().UTC()
	s.watermarks[key] = &cp
	return nil
}

func (s *Store) CreateConnection(_ context.Context, c *models.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.connections[c.ID] = &cp
	return nil
}

func (s *Store) GetConnection(_ context.Context, id string) (*models.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[id]
	if !ok {
		return nil, notFound("connection", id)
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListConnections(_ context.Context, workspaceID string) ([]*models.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Connection
	for _, c := range s.connections {
		if workspaceID != "" && c.WorkspaceID != workspaceID {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) FindConnectionByName(_ context.Context, workspaceID, name string) (*models.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.connections {
		if c.WorkspaceID == workspaceID && c.Name == name {
			cp := *c
			return &cp, nil
		}
	}
	return nil, notFound("connection", name)
}

func (s *Store) CreateEphemeralJob(_ context.Context, job *models.EphemeralJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.ephemeral[job.ID] = &cp
	return nil
}

func (s *Store) GetEphemeralJob(_ context.Context, id string) (*models.EphemeralJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.ephemeral[id]
	if !ok {
		return nil, notFound("ephemeral job", id)
	}
	cp := *job
	return &cp, nil
}

func (s *Store) UpdateEphemeralJob(_ context.Context, job *models.EphemeralJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ephemeral[job.ID]; !ok {
		return notFound("ephemeral job", job.ID)
	}
	cp := *job
	s.ephemeral[job.ID] = &cp
	return nil
}

func (s *Store) LeaseNextEphemeralJob(_ context.Context, workerID string, groups []string) (*models.EphemeralJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *models.EphemeralJob
	for _, job := range s.ephemeral {
		if job.Status != models.JobQueued && job.Status != models.JobPending {
			continue
		}
		if !groupMatches(job.AgentGroup, groups) {
			continue
		}
		if oldest == nil || job.CreatedAt.Before(oldest.CreatedAt) {
			oldest = job
		}
	}
	if oldest == nil {
		return nil, nil
	}
	oldest.Status = models.JobRunning
	oldest.WorkerID = workerID
	oldest.StartedAt = time.Now().UTC()
	cp := *oldest
	return &cp, nil
}
