package metrics

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/process"
)

// Usage is a point-in-time resource sample of one process.
type Usage struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryRSS  uint64  `json:"memory_rss"`
	NumThreads int32   `json:"num_threads"`
}

// Sample reads the resource usage of pid.
func Sample(pid int) (Usage, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return Usage{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return Usage{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	u := Usage{MemoryRSS: mem.RSS}
	if cpu, err := proc.CPUPercent(); err == nil {
		u.CPUPercent = cpu
	}
	if n, err := proc.NumThreads(); err == nil {
		u.NumThreads = n
	}
	return u, nil
}

// ObserveUsage publishes a sample for a running service.
func ObserveUsage(kind, name string, u Usage) {
	if regOK.Load() {
		serviceCPUPercent.WithLabelValues(kind, name).Set(u.CPUPercent)
		serviceMemoryBytes.WithLabelValues(kind, name).Set(float64(u.MemoryRSS))
	}
}

// ForgetUsage drops the gauges of a service that is no longer running.
func ForgetUsage(kind, name string) {
	if regOK.Load() {
		serviceCPUPercent.DeleteLabelValues(kind, name)
		serviceMemoryBytes.DeleteLabelValues(kind, name)
	}
}
