package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/tradeforge/levscan/internal/progress"
)

const (
	// Time allowed to write a message to the peer
	wsWriteWait = 10 * time.Second

	// Push cadence of the progress stream
	wsPushInterval = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// progressFrame is one message of the /ws/executions/:id stream
type progressFrame struct {
	ExecutionID     string              `json:"execution_id"`
	Status          string              `json:"status"`
	ProgressPercent float64             `json:"progress_percent"`
	CurrentOp       string              `json:"current_operation,omitempty"`
	Tasks           []progress.Snapshot `json:"tasks,omitempty"`
	Timestamp       time.Time           `json:"timestamp"`
}

// handleProgressStream pushes the ledger view plus per-task snapshots every
// two seconds until the execution reaches a terminal state. Snapshot files
// may lag; the ledger row is authoritative for status.
func (s *Server) handleProgressStream(c *gin.Context) {
	id := c.Param("id")

	if _, err := s.cfg.Ledger.GetExecution(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	// Drain client frames so pings and close handshakes are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPushInterval)
	defer ticker.Stop()

	for {
		exec, err := s.cfg.Ledger.GetExecution(c.Request.Context(), id)
		if err != nil {
			return
		}

		frame := progressFrame{
			ExecutionID:     exec.ID,
			Status:          string(exec.Status),
			ProgressPercent: exec.ProgressPercent,
			CurrentOp:       exec.CurrentOperation,
			Tasks:           progress.ReadAll(s.cfg.ProgressRoot, id),
			Timestamp:       time.Now().UTC(),
		}

		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(frame); err != nil {
			return
		}
		if exec.Status.Terminal() {
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(exec.Status)))
			return
		}

		select {
		case <-ticker.C:
		case <-c.Request.Context().Done():
			return
		}
	}
}
