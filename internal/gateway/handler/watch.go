package handler

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"reviewstream/internal/analysis"
)

const (
	watchWSWriteWait = 10 * time.Second
	watchWSPongWait  = 60 * time.Second
	watchWSPingEvery = (watchWSPongWait * 9) / 10
)

var watchWSUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// WatchHandler streams analysis events over a websocket. Each analysis
// has a single event channel, so at most one watcher is admitted at a
// time; a second concurrent watcher would otherwise steal frames from
// the first.
type WatchHandler struct {
	svc *analysis.Service

	mu     sync.Mutex
	active map[string]struct{}
}

func NewWatchHandler(svc *analysis.Service) *WatchHandler {
	return &WatchHandler{svc: svc, active: make(map[string]struct{})}
}

// acquire registers the caller as the analysis's sole watcher. It fails
// when another watcher already holds the stream.
func (h *WatchHandler) acquire(analysisID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.active[analysisID]; ok {
		return false
	}
	h.active[analysisID] = struct{}{}
	return true
}

func (h *WatchHandler) release(analysisID string) {
	h.mu.Lock()
	delete(h.active, analysisID)
	h.mu.Unlock()
}

// HandleWatchWS subscribes one client to an analysis's live frames. The
// socket closing — for any reason — only marks the client disconnected;
// the analysis keeps running and its output keeps accumulating in the
// side store. Stopping an analysis is a separate, explicit endpoint.
func (h *WatchHandler) HandleWatchWS(w http.ResponseWriter, r *http.Request) {
	analysisID := strings.TrimSpace(r.URL.Query().Get("analysis_id"))
	if analysisID == "" {
		http.Error(w, "analysis_id is required", http.StatusBadRequest)
		return
	}
	eventCh, ok := h.svc.Broker().Get(analysisID)
	if !ok {
		http.Error(w, "analysis is not streaming", http.StatusNotFound)
		return
	}
	if !h.acquire(analysisID) {
		http.Error(w, "analysis already has a watcher", http.StatusConflict)
		return
	}
	defer h.release(analysisID)

	conn, err := watchWSUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	defer h.svc.NotifyDisconnect(analysisID)

	if err := conn.SetReadDeadline(time.Now().Add(watchWSPongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(watchWSPongWait))
	})

	// Reader goroutine only services control frames; a read error means
	// the client went away.
	readerGone := make(chan struct{})
	go func() {
		defer close(readerGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(watchWSPingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-readerGone:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-eventCh:
			if !ok {
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(watchWSWriteWait)); err != nil {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			// Terminal status is the last frame of a watch stream.
			if ev.Type == analysis.EventStatus && ev.Status.Terminal() {
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(watchWSWriteWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
