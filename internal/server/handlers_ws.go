package server

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/ws"

	"github.com/odin-stream/streamgate/internal/monitoring"
	"github.com/odin-stream/streamgate/internal/wire"
)

// handleWebSocket is the accept path: shutdown gate, origin check,
// admission limiter, connection cap, then the upgrade. Every rejection
// happens before the upgrade so refused clients cost no socket state.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := clientIP(r)

	if s.shuttingDown.Load() {
		monitoring.ConnectionsRejected.WithLabelValues("shutting_down").Inc()
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if !s.originAllowed(r.Header.Get("Origin")) {
		monitoring.ConnectionsRejected.WithLabelValues("origin").Inc()
		s.logger.Warn().
			Str("client_ip", clientIP).
			Str("origin", r.Header.Get("Origin")).
			Msg("Connection rejected: origin not allowed")
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	if s.admission != nil && !s.admission.Allow(clientIP) {
		monitoring.ConnectionsRejected.WithLabelValues("admission").Inc()
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	if s.registry.Count() >= s.cfg.MaxConnections {
		monitoring.ConnectionsRejected.WithLabelValues("capacity").Inc()
		s.logger.Warn().
			Str("client_ip", clientIP).
			Int("max_connections", s.cfg.MaxConnections).
			Msg("Connection rejected: at capacity")
		http.Error(w, string(wire.CodeConnectionLimitExceeded), http.StatusServiceUnavailable)
		return
	}

	transport, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		monitoring.ConnectionsRejected.WithLabelValues("upgrade_failed").Inc()
		s.logger.Debug().Err(err).Str("client_ip", clientIP).Msg("WebSocket upgrade failed")
		return
	}

	c := s.registry.Register(transport)

	s.logger.Info().
		Str("conn_id", c.ID()).
		Str("client_ip", clientIP).
		Msg("Client connected")

	go s.writePump(c)
	go s.readPump(c)

	s.sendFrame(c, wire.FrameConnectionStatus, wire.ConnectionStatus{
		ConnectionID: c.ID(),
		Status:       "connected",
		AuthRequired: s.cfg.AuthRequired,
	}, wire.PriorityHigh)

	if s.cfg.AuthRequired {
		// The timer outlives a normal disconnect harmlessly: the check
		// no-ops once the connection left the registry.
		time.AfterFunc(s.cfg.AuthTimeout, func() {
			if !s.registry.IsLive(c.ID()) || c.Authenticated() {
				return
			}
			s.sendError(c, wire.CodeAuthenticationFailed, "authentication timeout", 0)
			s.disconnect(c, "auth_timeout", "server")
		})
	}
}

// originAllowed applies the configured allow-list. An empty list
// admits every origin, including non-browser clients that send none.
func (s *Server) originAllowed(origin string) bool {
	if len(s.cfg.AllowedOrigins) == 0 || origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// clientIP prefers X-Forwarded-For so per-IP admission works behind a
// load balancer.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
