package server

import (
	"bufio"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/odin-stream/streamgate/internal/monitoring"
	"github.com/odin-stream/streamgate/internal/registry"
)

// writePump is the single writer for one connection. It drains the
// outbound queue through a buffered writer so a burst of fan-out
// messages flushes in one syscall, and sends keepalive pings.
//
// The pump owns the transport: it closes the socket on exit, which
// unblocks the read pump.
func (s *Server) writePump(c *registry.Connection) {
	defer monitoring.RecoverPanic(s.logger, "writePump", map[string]any{
		"conn_id": c.ID(),
	})

	transport := c.Transport()
	writer := bufio.NewWriter(transport)
	out := c.Out()
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		transport.Close()
	}()

	for {
		select {
		case <-out.Done():
			// Best-effort close frame; the peer may already be gone.
			transport.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			wsutil.WriteServerMessage(transport, ws.OpClose, []byte{})
			return

		case <-out.Ready():
			if !s.drainOutbound(c, writer) {
				return
			}

		case <-ticker.C:
			transport.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := wsutil.WriteServerMessage(transport, ws.OpPing, nil); err != nil {
				s.logger.Debug().Err(err).Str("conn_id", c.ID()).Msg("Keepalive ping failed")
				s.disconnect(c, "write_error", "server")
				return
			}
		}
	}
}

// drainOutbound writes every queued buffer and flushes once. Returns
// false when the transport failed and the pump must exit.
func (s *Server) drainOutbound(c *registry.Connection, writer *bufio.Writer) bool {
	c.Transport().SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))

	for {
		buf := c.Out().Pop()
		if buf == nil {
			break
		}
		err := wsutil.WriteServerMessage(writer, ws.OpText, buf.Bytes())
		n := buf.Len()
		buf.Release()
		if err != nil {
			s.logger.Debug().Err(err).Str("conn_id", c.ID()).Msg("Outbound write failed")
			s.disconnect(c, "write_error", "server")
			return false
		}
		monitoring.MessagesSent.Inc()
		monitoring.BytesSent.Add(float64(n))
	}

	if err := writer.Flush(); err != nil {
		s.logger.Debug().Err(err).Str("conn_id", c.ID()).Msg("Outbound flush failed")
		s.disconnect(c, "write_error", "server")
		return false
	}
	return true
}
