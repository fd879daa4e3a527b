package handler

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/obot-platform/mcprunner/server/internal/middleware"
)

const (
	logsWriteWait    = 10 * time.Second
	logsPingInterval = 30 * time.Second
)

// StreamLogs sends the deployment's captured stderr over a websocket, then
// follows new output until the client disconnects.
// GET /api/deployment/{deploymentId}/logs
func (h *Handler) StreamLogs(w http.ResponseWriter, r *http.Request) {
	d := middleware.GetDeployment(r.Context())
	log := h.logger.With(zap.String("deployment_id", d.ID))

	// Subscribe before reading the buffer so no chunk falls in between.
	chunks, unsubscribe := h.deployments.SubscribeStderr(d.ID)
	defer unsubscribe()

	buffered, err := h.deployments.Stderr(r.Context(), d.ID)
	if err != nil {
		log.Warn("Failed to read stderr", zap.Error(err))
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// The client never sends data; reading surfaces its close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(data string) bool {
		conn.SetWriteDeadline(time.Now().Add(logsWriteWait))
		return conn.WriteMessage(websocket.TextMessage, []byte(data)) == nil
	}

	if buffered != "" && !write(buffered) {
		return
	}

	ping := time.NewTicker(logsPingInterval)
	defer ping.Stop()

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			if !write(chunk) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(logsWriteWait)); err != nil {
				return
			}
		case <-gone:
			return
		case <-r.Context().Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(time.Second))
			return
		}
	}
}
