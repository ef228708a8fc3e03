package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/compose/internal/model"
)

// handleStreamUpdates relays a composition job's updates as Server-Sent
// Events while it runs, ending with a "done" event.
func (s *Server) handleStreamUpdates(w http.ResponseWriter, r *http.Request) {
	j, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	defer trackStream(streamKindSSE)()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, canFlush := w.(http.Flusher)

	// Terminal jobs have nothing left to stream; history has their updates.
	if model.IsTerminal(j.Status) {
		w.WriteHeader(http.StatusOK)
		_ = writeSSEEvent(w, "done", j.Status)
		return
	}

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// A job that finishes between the status check and Subscribe leaves a
	// closed topic, so the loop below ends immediately.
	ch, unsub := s.dispatcher.Broker().Subscribe(j.ID)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case u, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			data, err := json.Marshal(u)
			if err != nil {
				s.logger.Error("encode update", "job_id", j.ID, "step", u.Step, "error", err)
				return
			}
			if err := writeSSEData(w, data); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// updateHistoryResponse is the JSON response for GET /v1/jobs/{id}/updates/history.
type updateHistoryResponse struct {
	JobID   string               `json:"job_id"`
	Updates []model.StreamUpdate `json:"updates"`
}

func (s *Server) handleGetUpdateHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.lookupJob(w, r); !ok {
		return
	}

	updates, err := s.store.GetUpdates(r.Context(), id)
	if err != nil {
		s.logger.Error("get updates", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get updates")
		return
	}
	if updates == nil {
		updates = []model.StreamUpdate{}
	}

	s.writeJSON(w, http.StatusOK, updateHistoryResponse{JobID: id, Updates: updates})
}

// writeSSEData writes one JSON document as an SSE data event.
func writeSSEData(w http.ResponseWriter, data []byte) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
