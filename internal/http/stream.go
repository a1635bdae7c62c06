package httpx

import (
	"net/http"
	"time"

	"github.com/stackd/stackd/internal/ws"
)

const sseHeartbeatInterval = 15 * time.Second

// handleSSE streams deployment events as server-sent events until the
// client disconnects.
func (r *Router) handleSSE(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	deploymentID := req.PathValue("id")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, r.logger)
	r.hub.Register(deploymentID, client)
	defer r.hub.Unregister(deploymentID, client)

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

// handleWebSocket upgrades the connection and subscribes it to one
// deployment's event stream. Inbound messages are discarded; the read
// loop only detects disconnects.
func (r *Router) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	deploymentID := req.PathValue("id")

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "deployment_id", deploymentID, "error", err)
		return
	}

	client := ws.NewClient(conn, r.logger)
	r.hub.Register(deploymentID, client)
	defer func() {
		r.hub.Unregister(deploymentID, client)
		client.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
