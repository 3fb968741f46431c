package posture

import (
	"context"
	"runtime"
	"time"
)

// SystemMetrics is a point-in-time resource usage sample.
type SystemMetrics struct {
	CPUs             int        `json:"cpus"`
	Load1            float64    `json:"load_1"`
	Load5            float64    `json:"load_5"`
	Load15           float64    `json:"load_15"`
	MemoryTotalBytes uint64     `json:"memory_total_bytes"`
	MemoryFreeBytes  uint64     `json:"memory_free_bytes"`
	DiskPath         string     `json:"disk_path"`
	DiskTotalBytes   uint64     `json:"disk_total_bytes"`
	DiskFreeBytes    uint64     `json:"disk_free_bytes"`
	UptimeSeconds    int64      `json:"uptime_seconds"`
	BootTime         *time.Time `json:"boot_time,omitempty"`

	CollectedAt time.Time         `json:"collected_at"`
	Errors      map[string]string `json:"errors,omitempty"`
}

// DiskUsagePercent returns used disk space as a percentage, or 0 when unknown.
func (m SystemMetrics) DiskUsagePercent() float64 {
	if m.DiskTotalBytes == 0 {
		return 0
	}
	return float64(m.DiskTotalBytes-m.DiskFreeBytes) / float64(m.DiskTotalBytes) * 100
}

func (h *HostInspector) GetSystemMetrics(ctx context.Context) (SystemMetrics, error) {
	m := SystemMetrics{
		CPUs:        runtime.NumCPU(),
		DiskPath:    rootPath(),
		CollectedAt: time.Now().UTC(),
	}
	m.Errors = h.runProbes(ctx, []probe{
		{"memory", func(context.Context) error { return collectMemory(&m) }},
		{"disk", func(context.Context) error { return collectDisk(&m) }},
	})
	if m.UptimeSeconds > 0 {
		boot := m.CollectedAt.Add(-time.Duration(m.UptimeSeconds) * time.Second)
		m.BootTime = &boot
	}
	return m, nil
}

func rootPath() string {
	if runtime.GOOS == "windows" {
		return `C:\`
	}
	return "/"
}
