package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

/* SystemMetrics represents current host metrics for the diagnostics endpoint */
type SystemMetrics struct {
	Timestamp time.Time      `json:"timestamp"`
	CPU       CPUMetrics     `json:"cpu"`
	Memory    MemoryMetrics  `json:"memory"`
	Disk      DiskMetrics    `json:"disk"`
	Process   ProcessMetrics `json:"process"`
}

/* CPUMetrics contains CPU usage information */
type CPUMetrics struct {
	UsagePercent float64 `json:"usage_percent"`
	Count        int     `json:"count"`
}

/* MemoryMetrics contains memory usage information */
type MemoryMetrics struct {
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	Available   uint64  `json:"available"`
	UsedPercent float64 `json:"used_percent"`
}

/* DiskMetrics contains usage of the volume holding report exports */
type DiskMetrics struct {
	Path        string  `json:"path"`
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	UsedPercent float64 `json:"used_percent"`
}

/* ProcessMetrics contains Go runtime information for this process */
type ProcessMetrics struct {
	Goroutines   int    `json:"goroutines"`
	HeapAlloc    uint64 `json:"heap_alloc"`
	HeapSys      uint64 `json:"heap_sys"`
	NumGC        uint32 `json:"num_gc"`
	GoVersion    string `json:"go_version"`
	NumCPUThread int    `json:"gomaxprocs"`
}

// CollectSystemMetrics gathers host and process metrics. Individual probe
// failures leave that section zeroed rather than failing the whole snapshot.
func CollectSystemMetrics(ctx context.Context, reportDir string) SystemMetrics {
	m := SystemMetrics{Timestamp: time.Now().UTC()}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		m.CPU.UsagePercent = percents[0]
	}
	if count, err := cpu.CountsWithContext(ctx, true); err == nil {
		m.CPU.Count = count
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		m.Memory = MemoryMetrics{
			Total:       vm.Total,
			Used:        vm.Used,
			Available:   vm.Available,
			UsedPercent: vm.UsedPercent,
		}
	}

	if reportDir == "" {
		reportDir = "/"
	}
	if usage, err := disk.UsageWithContext(ctx, reportDir); err == nil {
		m.Disk = DiskMetrics{
			Path:        reportDir,
			Total:       usage.Total,
			Free:        usage.Free,
			UsedPercent: usage.UsedPercent,
		}
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.Process = ProcessMetrics{
		Goroutines:   runtime.NumGoroutine(),
		HeapAlloc:    ms.HeapAlloc,
		HeapSys:      ms.HeapSys,
		NumGC:        ms.NumGC,
		GoVersion:    runtime.Version(),
		NumCPUThread: runtime.GOMAXPROCS(0),
	}
	return m
}
