package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/synqx/synqx/internal/errdefs"
	"github.com/synqx/synqx/internal/models"
)

const defaultTimeout = 60 * time.Second

// Client talks to the control plane's agent API.
type Client struct {
	http *resty.Client
}

// NewClient creates an authenticated API client for the agent.
func NewClient(serverURL, clientID, apiKey string) *Client {
	client := resty.New().
		SetBaseURL(strings.TrimRight(serverURL, "/") + "/api/v1").
		SetTimeout(defaultTimeout).
		SetHeader("X-Synqx-Client-Id", clientID).
		SetHeader("X-Synqx-Api-Key", apiKey).
		SetHeader("User-Agent", "synqx-agent")
	return &Client{http: client}
}

// classifyResponse turns a non-2xx response into a classified error by
// decoding the API error envelope.
func classifyResponse(resp *resty.Response) error {
	if resp.IsSuccess() || resp.StatusCode() == http.StatusNoContent {
		return nil
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	msg := resp.Status()
	if err := json.Unmarshal(resp.Body(), &envelope); err == nil && envelope.Error.Message != "" {
		msg = envelope.Error.Message
	}
	switch resp.StatusCode() {
	case http.StatusUnauthorized:
		return errdefs.New(errdefs.KindAuthentication, msg)
	case http.StatusForbidden:
		return errdefs.New(errdefs.KindForbidden, msg)
	case http.StatusNotFound:
		return errdefs.New(errdefs.KindNotFound, msg)
	case http.StatusBadRequest:
		return errdefs.New(errdefs.KindConfiguration, msg)
	default:
		return errdefs.New(errdefs.KindConnectionFailed, msg)
	}
}

// Heartbeat reports liveness and system info.
func (c *Client) Heartbeat(ctx context.Context, version string, systemInfo map[string]any) error {
	resp, err := c.http.R().SetContext(ctx).
		SetBody(map[string]any{"version": version, "system_info": systemInfo}).
		Post("/agents/heartbeat")
	if err != nil {
		return errdefs.Wrap(errdefs.KindConnectionFailed, err, "heartbeat failed")
	}
	return classifyResponse(resp)
}

// Lease asks for the next job, hanging server-side up to waitSeconds.
// Returns nil when nothing is queued.
func (c *Client) Lease(ctx context.Context, groups []string, waitSeconds int) (*models.Job, error) {
	var job models.Job
	resp, err := c.http.R().SetContext(ctx).
		SetBody(map[string]any{"groups": groups, "wait_seconds": waitSeconds}).
		SetResult(&job).
		Post("/agents/lease")
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindConnectionFailed, err, "lease failed")
	}
	if resp.StatusCode() == http.StatusNoContent {
		return nil, nil
	}
	if err := classifyResponse(resp); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJob fetches the current job record. The executor polls this during
// a run to observe cancellation requests.
func (c *Client) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	resp, err := c.http.R().SetContext(ctx).SetResult(&job).
		Get("/jobs/" + jobID)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindConnectionFailed, err, "fetch job failed")
	}
	if err := classifyResponse(resp); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetVersion fetches the immutable pipeline version for plan building.
func (c *Client) GetVersion(ctx context.Context, versionID string) (*models.PipelineVersion, error) {
	var version models.PipelineVersion
	resp, err := c.http.R().SetContext(ctx).SetResult(&version).
		Get("/agents/versions/" + versionID)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindConnectionFailed, err, "fetch version failed")
	}
	if err := classifyResponse(resp); err != nil {
		return nil, err
	}
	return &version, nil
}

// GetConnection fetches a connection with its resolved config.
func (c *Client) GetConnection(ctx context.Context, id string) (*models.Connection, error) {
	var conn models.Connection
	resp, err := c.http.R().SetContext(ctx).SetResult(&conn).
		Get("/agents/connections/" + id)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindConnectionFailed, err, "fetch connection failed")
	}
	if err := classifyResponse(resp); err != nil {
		return nil, err
	}
	return &conn, nil
}

// ReportProgress uploads run and step telemetry for a job.
func (c *Client) ReportProgress(ctx context.Context, jobID string, run *models.PipelineRun, steps []*models.StepRun) error {
	resp, err := c.http.R().SetContext(ctx).
		SetBody(map[string]any{"run": run, "steps": steps}).
		Post("/agents/jobs/" + jobID + "/progress")
	if err != nil {
		return errdefs.Wrap(errdefs.KindConnectionFailed, err, "report progress failed")
	}
	return classifyResponse(resp)
}

// Complete finishes the job attempt on the server.
func (c *Client) Complete(ctx context.Context, jobID string, success bool, jobErr string, executionTime time.Duration) error {
	resp, err := c.http.R().SetContext(ctx).
		SetBody(map[string]any{
			"success":           success,
			"error":             jobErr,
			"execution_time_ms": executionTime.Milliseconds(),
		}).
		Post("/agents/jobs/" + jobID + "/complete")
	if err != nil {
		return errdefs.Wrap(errdefs.KindConnectionFailed, err, "complete failed")
	}
	return classifyResponse(resp)
}

// LeaseEphemeral asks for the next ephemeral job. Returns nil when the
// queue is empty.
func (c *Client) LeaseEphemeral(ctx context.Context, groups []string) (*models.EphemeralJob, error) {
	var job models.EphemeralJob
	resp, err := c.http.R().SetContext(ctx).
		SetBody(map[string]any{"groups": groups}).
		SetResult(&job).
		Post("/agents/ephemeral-jobs/lease")
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindConnectionFailed, err, "ephemeral lease failed")
	}
	if resp.StatusCode() == http.StatusNoContent {
		return nil, nil
	}
	if err := classifyResponse(resp); err != nil {
		return nil, err
	}
	return &job, nil
}

// PostEphemeralResult uploads the outcome of a leased ephemeral job.
func (c *Client) PostEphemeralResult(ctx context.Context, job *models.EphemeralJob) error {
	resp, err := c.http.R().SetContext(ctx).
		SetBody(map[string]any{
			"status":         string(job.Status),
			"result_summary": job.ResultSummary,
			"result_sample":  job.ResultSample,
			"truncated":      job.Truncated,
			"error":          job.Error,
		}).
		Post("/agents/ephemeral-jobs/" + job.ID + "/result")
	if err != nil {
		return errdefs.Wrap(errdefs.KindConnectionFailed, err, "post ephemeral result failed")
	}
	return classifyResponse(resp)
}
