package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/odin-stream/streamgate/internal/monitoring"
)

// AdmissionLimiter rate-limits connection attempts before the global
// connection cap is consulted.
//
// Two levels:
//   - per-IP token bucket: one flooding client cannot exhaust slots
//   - global token bucket: bounds system-wide accept rate under
//     distributed reconnect storms
type AdmissionLimiter struct {
	ipLimiters map[string]*ipEntry
	ipMu       sync.Mutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	global *rate.Limiter

	logger zerolog.Logger

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// AdmissionConfig holds limiter tuning. Zero values select defaults:
// per-IP 10 burst / 1 conn/s with 5 min TTL, global 300 burst /
// 50 conn/s.
type AdmissionConfig struct {
	IPBurst     int
	IPRate      float64
	IPTTL       time.Duration
	GlobalBurst int
	GlobalRate  float64
	Logger      zerolog.Logger
}

func NewAdmissionLimiter(cfg AdmissionConfig) *AdmissionLimiter {
	if cfg.IPBurst == 0 {
		cfg.IPBurst = 10
	}
	if cfg.IPRate == 0 {
		cfg.IPRate = 1.0
	}
	if cfg.IPTTL == 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	if cfg.GlobalBurst == 0 {
		cfg.GlobalBurst = 300
	}
	if cfg.GlobalRate == 0 {
		cfg.GlobalRate = 50.0
	}

	l := &AdmissionLimiter{
		ipLimiters:  make(map[string]*ipEntry),
		ipBurst:     cfg.IPBurst,
		ipRate:      cfg.IPRate,
		ipTTL:       cfg.IPTTL,
		global:      rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		logger:      cfg.Logger.With().Str("component", "admission_limiter").Logger(),
		stopCleanup: make(chan struct{}),
	}

	l.cleanupTicker = time.NewTicker(time.Minute)
	go l.cleanupLoop()

	return l
}

// Allow reports whether a connection attempt from ip may proceed.
// The global bucket is checked first so the map lookup is skipped
// under system-wide pressure.
func (l *AdmissionLimiter) Allow(ip string) bool {
	if !l.global.Allow() {
		monitoring.AdmissionRejects.WithLabelValues("global").Inc()
		l.logger.Debug().Str("ip", ip).Msg("Connection rejected by global admission bucket")
		return false
	}
	if !l.ipLimiter(ip).Allow() {
		monitoring.AdmissionRejects.WithLabelValues("per_ip").Inc()
		l.logger.Debug().Str("ip", ip).Msg("Connection rejected by per-IP admission bucket")
		return false
	}
	return true
}

func (l *AdmissionLimiter) ipLimiter(ip string) *rate.Limiter {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	if entry, ok := l.ipLimiters[ip]; ok {
		entry.lastAccess = time.Now()
		return entry.limiter
	}

	limiter := rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst)
	l.ipLimiters[ip] = &ipEntry{limiter: limiter, lastAccess: time.Now()}
	return limiter
}

func (l *AdmissionLimiter) cleanupLoop() {
	for {
		select {
		case <-l.cleanupTicker.C:
			l.cleanup()
		case <-l.stopCleanup:
			l.cleanupTicker.Stop()
			return
		}
	}
}

// cleanup drops IP buckets idle past the TTL so the map stays bounded.
func (l *AdmissionLimiter) cleanup() {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()

	now := time.Now()
	removed := 0
	for ip, entry := range l.ipLimiters {
		if now.Sub(entry.lastAccess) > l.ipTTL {
			delete(l.ipLimiters, ip)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(l.ipLimiters)).
			Msg("Cleaned up idle IP buckets")
	}
}

// TrackedIPs returns the number of live per-IP buckets.
func (l *AdmissionLimiter) TrackedIPs() int {
	l.ipMu.Lock()
	defer l.ipMu.Unlock()
	return len(l.ipLimiters)
}

// Stop terminates the cleanup goroutine.
func (l *AdmissionLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}
