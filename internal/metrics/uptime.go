package metrics

import (
	"context"
	"sync/atomic"
	"time"
)

var uptime atomic.Int64

// StartUptime starts the uptime counter. It runs until ctx is done.
func StartUptime(ctx context.Context) {
	start := time.Now()
	go func() {
		for {
			uptime.Store(int64(time.Since(start).Seconds()))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}()
}

// GetUptime returns the current uptime in seconds.
func GetUptime() int64 {
	return uptime.Load()
}
