package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"lastmile/internal/model"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

const (
	wsPongWait   = 60 * time.Second
	wsPingEvery  = 20 * time.Second
	wsWriteLimit = 10 * time.Second
)

// wsMessage frames everything on a run stream. Clients may send "ping" and
// get "pong"; the server sends "snapshot" once and then "event" frames.
type wsMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RunStream streams events of one run over a WebSocket. The first frame is
// a snapshot of the stored run; a run that already finished gets its final
// event right after it. The stream stays open for later reoptimize events
// until the client closes it.
func (s *Server) RunStream(w http.ResponseWriter, r *http.Request, run model.Run) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	ch := s.Broker.Subscribe(run.ID)
	defer s.Broker.Unsubscribe(run.ID, ch)

	var mu sync.Mutex
	write := func(msgType string, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteLimit))
		return conn.WriteJSON(wsMessage{Type: msgType, Payload: b})
	}

	// Re-read after subscribing so a run finishing in between is not missed.
	if cur, err := s.Store.GetRun(r.Context(), run.TenantID, run.ID); err == nil {
		run = cur
	}
	if err := write("snapshot", run.Summary()); err != nil {
		return
	}
	if evt, ok := finalEvent(run); ok {
		if err := write("event", evt); err != nil {
			return
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(1 << 16)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(wsPongWait)) })
		for {
			var msg wsMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
			if msg.Type == "ping" {
				_ = write("pong", nil)
			}
		}
	}()

	ticker := time.NewTicker(wsPingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := write("event", evt); err != nil {
				return
			}
		case <-ticker.C:
			mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteLimit))
			mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// finalEvent rebuilds the terminal event of a finished run.
func finalEvent(run model.Run) (RunEvent, bool) {
	switch run.Status {
	case model.RunCompleted:
		if run.Result == nil {
			return RunEvent{}, false
		}
		return newRunEvent(model.EventRunCompleted, run.ID, completedData(*run.Result)), true
	case model.RunFailed:
		return newRunEvent(model.EventRunFailed, run.ID, map[string]any{"runId": run.ID, "error": run.Error}), true
	}
	return RunEvent{}, false
}
