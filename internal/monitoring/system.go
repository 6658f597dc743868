package monitoring

import (
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemSnapshot holds one sample of process resource usage.
type SystemSnapshot struct {
	CPUPercent float64
	MemoryMB   float64
	Goroutines int
	Timestamp  time.Time
}

// SystemMonitor samples process CPU and memory via gopsutil. One
// instance serves the whole server; the metrics task queries it on
// its own cadence.
type SystemMonitor struct {
	proc   *process.Process
	logger zerolog.Logger
}

func NewSystemMonitor(logger zerolog.Logger) *SystemMonitor {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn().Err(err).Msg("Process handle unavailable, system metrics disabled")
		proc = nil
	}
	return &SystemMonitor{
		proc:   proc,
		logger: logger.With().Str("component", "system_monitor").Logger(),
	}
}

// Sample captures a snapshot and updates the process gauges.
func (m *SystemMonitor) Sample() SystemSnapshot {
	snap := SystemSnapshot{
		Goroutines: runtime.NumGoroutine(),
		Timestamp:  time.Now(),
	}
	if m.proc != nil {
		if cpu, err := m.proc.CPUPercent(); err == nil {
			snap.CPUPercent = cpu
		}
		if mem, err := m.proc.MemoryInfo(); err == nil && mem != nil {
			snap.MemoryMB = float64(mem.RSS) / (1024 * 1024)
		}
	}
	CPUPercent.Set(snap.CPUPercent)
	MemoryMB.Set(snap.MemoryMB)
	return snap
}
