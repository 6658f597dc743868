package server

import (
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/odin-stream/streamgate/internal/monitoring"
	"github.com/odin-stream/streamgate/internal/registry"
	"github.com/odin-stream/streamgate/internal/wire"
)

// readPump is the single reader for one connection. It owns the read
// deadline and the inbound rate window; frame handling runs inline so
// a connection's frames are processed in order.
func (s *Server) readPump(c *registry.Connection) {
	defer monitoring.RecoverPanic(s.logger, "readPump", map[string]any{
		"conn_id": c.ID(),
	})

	reason := "read_error"
	initiatedBy := "client"
	defer func() {
		s.disconnect(c, reason, initiatedBy)
	}()

	transport := c.Transport()
	transport.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(transport)
		if err != nil {
			return
		}
		transport.SetReadDeadline(time.Now().Add(pongWait))
		c.Touch()

		monitoring.MessagesReceived.Inc()
		monitoring.BytesReceived.Add(float64(len(msg)))

		switch op {
		case ws.OpText:
			if ok, retry := c.AllowFrame(time.Now(), s.cfg.RateWindow); !ok {
				monitoring.RateLimitedFrames.Inc()
				s.logger.Warn().
					Str("conn_id", c.ID()).
					Int("limit", c.RateLimit()).
					Dur("retry_after", retry).
					Msg("Inbound frame rate limited")
				s.sendError(c, wire.CodeRateLimitExceeded, "message rate limit exceeded", retry)
				continue
			}
			s.handleFrame(c, msg)

		case ws.OpPing:
			// wsutil answers pongs itself.

		case ws.OpClose:
			reason = "client_close"
			return
		}
	}
}
