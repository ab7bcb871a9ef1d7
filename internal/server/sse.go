package server

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// streamWriteTimeout bounds each SSE write so one stalled monitor
// client cannot pin a handler goroutine.
const streamWriteTimeout = 3 * time.Second

// eventStream is one live-monitor SSE connection. Snapshots and
// heartbeats go out as named events; the client reconnects on its own
// if the connection drops.
type eventStream struct {
	w http.ResponseWriter
	f http.Flusher
}

// newEventStream sets the SSE headers and flushes them so the client
// sees the stream open before the first snapshot is ready.
func newEventStream(w http.ResponseWriter) (*eventStream, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	f.Flush()
	return &eventStream{w: w, f: f}, nil
}

// send writes one event under a write deadline. A false return means
// the client is gone or stalled and the stream should wind down.
func (s *eventStream) send(event, data string) bool {
	rc := http.NewResponseController(s.w)
	_ = rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	defer func() { _ = rc.SetWriteDeadline(time.Time{}) }()

	_, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data)
	if err != nil {
		log.Printf("stream write for %q: %v", event, err)
		return false
	}
	s.f.Flush()
	return true
}

// sendJSON marshals v and sends it as one event.
func (s *eventStream) sendJSON(event string, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("stream marshal for %q: %v", event, err)
		return false
	}
	return s.send(event, string(data))
}
