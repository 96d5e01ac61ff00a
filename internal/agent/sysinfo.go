package agent

import (
	"context"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// collectSystemInfo gathers the host stats shipped with each heartbeat.
// Individual probe failures leave their fields out rather than failing
// the heartbeat.
func collectSystemInfo(ctx context.Context) map[string]any {
	info := map[string]any{
		"go_version": runtime.Version(),
		"num_cpu":    runtime.NumCPU(),
	}

	if h, err := host.InfoWithContext(ctx); err == nil {
		info["hostname"] = h.Hostname
		info["os"] = h.OS
		info["platform"] = h.Platform
		info["uptime_seconds"] = h.Uptime
	}
	if m, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info["memory_total"] = m.Total
		info["memory_used_percent"] = m.UsedPercent
	}
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		info["cpu_percent"] = pct[0]
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		info["load_1m"] = avg.Load1
	}
	return info
}
