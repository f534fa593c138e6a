package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // dev-friendly, secure via proxy in prod
}

const (
	wsReadLimit     = 512
	wsReadDeadline  = 60 * time.Second
	wsPingInterval  = 20 * time.Second
	wsWriteDeadline = 10 * time.Second
)

// handleWS streams run events over a WebSocket.
// GET /stream/ws?run_id=<id>[&types=a,b][&last_event_id=N]
func (h *StreamingHandler) handleWS(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		http.Error(w, "run_id required", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	typeFilter := parseTypeFilter(r.URL.Query().Get("types"))
	var lastID uint64
	if q := r.URL.Query().Get("last_event_id"); q != "" {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			lastID = n
		}
	}

	ch := h.mgr.Subscribe(runID, 256)
	defer h.mgr.Unsubscribe(runID, ch)

	// Replay backlog
	if lastID > 0 {
		for _, ev := range h.mgr.ReplaySince(runID, lastID) {
			if !typeFilter.allows(ev.Type) {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}

	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		return nil
	})

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	// Reader pump: clients send nothing meaningful, but reads must run
	// for pong handling and close detection.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			if !typeFilter.allows(ev.Type) {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("WS write failed, closing",
					zap.String("run_id", runID), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteDeadline)); err != nil {
				return
			}
		}
	}
}
