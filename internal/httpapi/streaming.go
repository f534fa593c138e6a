// Package httpapi exposes the run event stream and the plan approval
// endpoint over HTTP. It is a thin view over internal/streaming and
// internal/approval; front-ends driving the pipeline consume these
// endpoints without touching the core packages.
package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quarrylab/quarry/internal/streaming"
)

// heartbeatInterval keeps SSE connections alive through proxies.
const heartbeatInterval = 15 * time.Second

// StreamingHandler serves SSE and WebSocket views of a run's event stream.
type StreamingHandler struct {
	mgr    *streaming.Manager
	logger *zap.Logger
}

func NewStreamingHandler(mgr *streaming.Manager, logger *zap.Logger) *StreamingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamingHandler{mgr: mgr, logger: logger}
}

// RegisterRoutes registers the streaming routes on the provided mux.
func (h *StreamingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/stream/sse", h.handleSSE)
	mux.HandleFunc("/stream/ws", h.handleWS)
}

// handleSSE streams run events via Server-Sent Events.
// GET /stream/sse?run_id=<id>[&types=a,b][&last_event_id=N]
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		http.Error(w, `{"error":"run_id required"}`, http.StatusBadRequest)
		return
	}
	typeFilter := parseTypeFilter(r.URL.Query().Get("types"))

	// Last-Event-ID header wins over the query param so standard SSE
	// reconnects replay from the right place.
	var lastID uint64
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			lastID = n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" && lastID == 0 {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			lastID = n
		}
	}

	// CORS (dev-friendly; lock down via proxy in prod)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch := h.mgr.Subscribe(runID, 256)
	defer h.mgr.Unsubscribe(runID, ch)

	fmt.Fprintf(w, ": connected to run %s\n\n", runID)
	flusher.Flush()

	// Replay backlog since lastID, best-effort within the ring capacity.
	if lastID > 0 {
		for _, ev := range h.mgr.ReplaySince(runID, lastID) {
			if !typeFilter.allows(ev.Type) {
				continue
			}
			writeSSE(w, ev)
		}
		flusher.Flush()
	}

	hb := time.NewTicker(heartbeatInterval)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("run_id", runID))
			return
		case evt := <-ch:
			if !typeFilter.allows(evt.Type) {
				continue
			}
			writeSSE(w, evt)
			flusher.Flush()
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev streaming.Event) {
	if ev.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", ev.Seq)
	}
	if ev.Type != "" {
		fmt.Fprintf(w, "event: %s\n", ev.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", string(ev.Marshal()))
}

// typeFilter is an optional allow-set of event types.
type typeFilter map[string]struct{}

func parseTypeFilter(s string) typeFilter {
	f := typeFilter{}
	for _, t := range strings.Split(s, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			f[t] = struct{}{}
		}
	}
	return f
}

func (f typeFilter) allows(eventType string) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[eventType]
	return ok
}
