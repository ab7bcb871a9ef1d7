package server

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/ethomics/rigmonitor/internal/monitor"
	"github.com/ethomics/rigmonitor/internal/timewin"
)

const (
	// heartbeatInterval keeps idle SSE connections alive through
	// proxies.
	heartbeatInterval = 30 * time.Second
)

// watchHub fans store-change notifications out to every connected
// stream. Each subscriber gets its own one-slot channel, so a client
// busy assembling a snapshot coalesces a burst of changes into one
// pending wake instead of missing it.
type watchHub struct {
	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

func newWatchHub() *watchHub {
	return &watchHub{subs: make(map[chan struct{}]struct{})}
}

func (h *watchHub) subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *watchHub) unsubscribe(ch chan struct{}) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

func (h *watchHub) broadcast() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// activityParams pulls the setup and window out of a request. The
// window defaults to the full session when absent.
func activityParams(r *http.Request) (string, timewin.Window, error) {
	setup := r.URL.Query().Get("setup")
	if setup == "" {
		return "", timewin.Window{}, errors.New("missing setup parameter")
	}
	raw := r.URL.Query().Get("window")
	if raw == "" {
		return setup, timewin.Window{All: true}, nil
	}
	w, err := timewin.Parse(raw)
	if err != nil {
		return "", timewin.Window{}, err
	}
	return setup, w, nil
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	setup, win, err := activityParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	snap, err := s.agg.Assemble(r.Context(), setup, win)
	if err != nil {
		s.writeActivityError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// writeActivityError maps aggregation failures onto HTTP statuses.
// Store internals never leak to clients; they go to the log instead.
func (s *Server) writeActivityError(w http.ResponseWriter, err error) {
	switch {
	case handleContextError(w, err):
	case errors.Is(err, monitor.ErrNotFound):
		writeError(w, http.StatusNotFound, "setup not found")
	case errors.Is(err, monitor.ErrNoSession):
		writeError(w, http.StatusNotFound, "no active session")
	default:
		logStoreError("activity", err)
		writeError(w, http.StatusInternalServerError, "store unavailable")
	}
}

// handleWatchActivity streams activity snapshots over SSE. A snapshot
// is sent immediately, then on every poll tick and on every store
// change broadcast. Session-level errors are streamed as error events
// so the client can show state without reconnecting.
func (s *Server) handleWatchActivity(
	w http.ResponseWriter, r *http.Request,
) {
	setup, win, err := activityParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stream, err := newEventStream(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError,
			"streaming not supported")
		return
	}

	s.metrics.WatchClients.Inc()
	defer s.metrics.WatchClients.Dec()

	changes := s.hub.subscribe()
	defer s.hub.unsubscribe(changes)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	send := func() bool {
		snap, err := s.agg.Assemble(r.Context(), setup, win)
		if err != nil {
			if handleContextError(w, err) {
				return false
			}
			return stream.sendJSON("error",
				map[string]string{"error": watchErrorMessage(err)})
		}
		return stream.sendJSON("activity", snap)
	}

	if !send() {
		return
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if !send() {
				return
			}
		case <-changes:
			if !send() {
				return
			}
		case <-heartbeat.C:
			if !stream.send("heartbeat",
				time.Now().UTC().Format(time.RFC3339)) {
				return
			}
		}
	}
}

func watchErrorMessage(err error) string {
	switch {
	case errors.Is(err, monitor.ErrNotFound):
		return "setup not found"
	case errors.Is(err, monitor.ErrNoSession):
		return "no active session"
	default:
		logStoreError("activity watch", err)
		return "store unavailable"
	}
}
