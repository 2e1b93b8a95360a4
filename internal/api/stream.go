package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lybic/mini-agent/internal/model"
)

// handleRunTask starts an execution tied to the caller's connection and
// streams its progress events as SSE. The stream is terminated by the
// task's terminal event; a client disconnect signals cooperative
// cancellation.
func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	rec, opts, ok := s.buildTask(w, r)
	if !ok {
		return
	}

	// Unbuffered: the loop blocks on each event until it is written out,
	// so no more than one event is ever in flight.
	events := make(chan model.Event)
	if err := s.engine.Start(r.Context(), rec, opts, events); err != nil {
		s.startError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable the write timeout for the long-lived SSE connection.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	clientGone := r.Context().Done()
	writable := true
	for {
		select {
		case ev, open := <-events:
			if !open {
				return // terminal event delivered, loop finished
			}
			if !writable {
				continue // draining so the execution can observe the cancel
			}
			if err := writeSSEEvent(w, ev); err != nil {
				s.registry.SignalCancel(rec.ID)
				writable = false
				continue
			}
			if canFlush {
				flusher.Flush()
			}
		case <-clientGone:
			s.registry.SignalCancel(rec.ID)
			clientGone = nil
			writable = false
		}
	}
}

// writeSSEEvent writes one progress event as an SSE data frame.
func writeSSEEvent(w http.ResponseWriter, ev model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}
