// Package metrics exposes Prometheus metrics for the control plane.
// The collector queries the stores at scrape time instead of keeping
// counters in sync with every transition.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/synqx/synqx/internal/logger"
	"github.com/synqx/synqx/internal/logger/tag"
	"github.com/synqx/synqx/internal/models"
	"github.com/synqx/synqx/internal/persistence"
)

// Collector implements prometheus.Collector over the persistence layer.
type Collector struct {
	version   string
	jobs      persistence.JobStore
	agents    persistence.AgentStore
	pipelines persistence.PipelineStore

	infoDesc      *prometheus.Desc
	uptimeDesc    *prometheus.Desc
	jobsDesc      *prometheus.Desc
	agentsDesc    *prometheus.Desc
	pipelinesDesc *prometheus.Desc
}

// NewCollector creates a collector reporting build info, job counts by
// status, agent liveness and pipeline counts.
func NewCollector(version string, jobs persistence.JobStore, agents persistence.AgentStore, pipelines persistence.PipelineStore) *Collector {
	return &Collector{
		version:   version,
		jobs:      jobs,
		agents:    agents,
		pipelines: pipelines,
		infoDesc: prometheus.NewDesc(
			"synqx_info",
			"Build information",
			[]string{"version"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"synqx_uptime_seconds",
			"Seconds since the server started",
			nil, nil,
		),
		jobsDesc: prometheus.NewDesc(
			"synqx_jobs_total",
			"Jobs by status",
			[]string{"status"}, nil,
		),
		agentsDesc: prometheus.NewDesc(
			"synqx_agents_total",
			"Registered agents by status",
			[]string{"status"}, nil,
		),
		pipelinesDesc: prometheus.NewDesc(
			"synqx_pipelines_total",
			"Registered pipelines",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.infoDesc
	ch <- c.uptimeDesc
	ch <- c.jobsDesc
	ch <- c.agentsDesc
	ch <- c.pipelinesDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch <- prometheus.MustNewConstMetric(c.infoDesc, prometheus.GaugeValue, 1, c.version)
	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, float64(GetUptime()))

	c.collectJobs(ctx, ch)
	c.collectAgents(ctx, ch)
	c.collectPipelines(ctx, ch)
}

func (c *Collector) collectJobs(ctx context.Context, ch chan<- prometheus.Metric) {
	jobs, err := c.jobs.ListJobs(ctx, persistence.ListJobsOptions{})
	if err != nil {
		logger.Error(ctx, "Metrics scrape failed to list jobs", tag.Error(err))
		return
	}
	byStatus := make(map[models.JobStatus]int)
	for _, job := range jobs {
		byStatus[job.Status]++
	}
	for status, n := range byStatus {
		ch <- prometheus.MustNewConstMetric(c.jobsDesc, prometheus.GaugeValue, float64(n), string(status))
	}
}

func (c *Collector) collectAgents(ctx context.Context, ch chan<- prometheus.Metric) {
	agents, err := c.agents.ListAgents(ctx, "")
	if err != nil {
		logger.Error(ctx, "Metrics scrape failed to list agents", tag.Error(err))
		return
	}
	byStatus := make(map[models.AgentStatus]int)
	for _, a := range agents {
		byStatus[a.Status]++
	}
	for status, n := range byStatus {
		ch <- prometheus.MustNewConstMetric(c.agentsDesc, prometheus.GaugeValue, float64(n), string(status))
	}
}

func (c *Collector) collectPipelines(ctx context.Context, ch chan<- prometheus.Metric) {
	pipelines, err := c.pipelines.ListPipelines(ctx, "")
	if err != nil {
		logger.Error(ctx, "Metrics scrape failed to list pipelines", tag.Error(err))
		return
	}
	ch <- prometheus.MustNewConstMetric(c.pipelinesDesc, prometheus.GaugeValue, float64(len(pipelines)))
}

// NewRegistry creates a registry with the collector plus the standard
// process and Go runtime collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(c)
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return registry
}
