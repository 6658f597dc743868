package server

import (
	"time"

	"github.com/odin-stream/streamgate/internal/monitoring"
)

// startPeriodicTasks launches the housekeeping goroutines. Each tick
// runs under panic recovery so one broken pass cannot kill its task.
func (s *Server) startPeriodicTasks() {
	s.runTask("inactivity_sweep", s.cfg.InactivitySweepInterval, func() {
		if swept := s.registry.SweepInactive(s.cfg.InactivityThreshold); swept > 0 {
			s.logger.Info().Int("swept", swept).Msg("Swept inactive connections")
		}
	})

	if s.queue != nil {
		s.runTask("queue_processor", s.cfg.QueueInterval, func() {
			s.queue.ProcessAll()
		})
		s.runTask("queue_cleanup", s.cfg.QueueCleanupInterval, func() {
			s.queue.CleanupExpired()
		})
	}

	s.runTask("metrics_snapshot", s.cfg.MetricsInterval, func() {
		snap := s.sysmon.Sample()
		s.logger.Debug().
			Float64("cpu_percent", snap.CPUPercent).
			Float64("memory_mb", snap.MemoryMB).
			Int("goroutines", snap.Goroutines).
			Int("connections", s.registry.Count()).
			Int("subscriptions", s.channels.SubscriptionCount()).
			Msg("Resource snapshot")
	})
}

func (s *Server) runTask(name string, interval time.Duration, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				func() {
					defer monitoring.RecoverPanic(s.logger, name, nil)
					fn()
				}()
			case <-s.ctx.Done():
				return
			}
		}
	}()
}
