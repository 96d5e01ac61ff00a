// Package tag provides standardized tag functions for structured logging.
//
// All tag keys use kebab-case naming. Use these functions instead of raw
// strings to keep log output consistent across the codebase.
package tag

import (
	"log/slog"
	"time"
)

// Error creates a tag for error objects.
func Error(err any) slog.Attr {
	return slog.Any("err", err)
}

// Job creates a tag for job IDs.
func Job(id string) slog.Attr {
	return slog.String("job-id", id)
}

// Pipeline creates a tag for pipeline IDs.
func Pipeline(id string) slog.Attr {
	return slog.String("pipeline-id", id)
}

// Node creates a tag for DAG node IDs.
func Node(id string) slog.Attr {
	return slog.String("node-id", id)
}

// RunID creates a tag for pipeline run IDs.
func RunID(id string) slog.Attr {
	return slog.String("run-id", id)
}

// Agent creates a tag for agent client IDs.
func Agent(id string) slog.Attr {
	return slog.String("agent-id", id)
}

// Workspace creates a tag for workspace IDs.
func Workspace(id string) slog.Attr {
	return slog.String("workspace-id", id)
}

// Connector creates a tag for connector kinds.
func Connector(kind string) slog.Attr {
	return slog.String("connector", kind)
}

// Operator creates a tag for operator classes.
func Operator(class string) slog.Attr {
	return slog.String("operator", class)
}

// Attempt creates a tag for attempt numbers.
func Attempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}

// Rows creates a tag for row counts.
func Rows(n int64) slog.Attr {
	return slog.Int64("rows", n)
}

// Duration creates a tag for elapsed durations.
func Duration(d time.Duration) slog.Attr {
	return slog.Duration("duration", d)
}
