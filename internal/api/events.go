package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Syt100/bastion-sub005/internal/jobs"
)

// handleRunEvents returns a run's events after ?after_seq. With ?follow=true
// it switches to server-sent events and streams live updates until the run
// finishes or the client goes away.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	afterSeq, _ := strconv.ParseInt(r.URL.Query().Get("after_seq"), 10, 64)

	run, err := s.Store.GetRun(r.Context(), runID)
	if err != nil {
		mapStoreErr(w, err)
		return
	}

	if r.URL.Query().Get("follow") != "true" || run.Status.Terminal() {
		events, err := s.Store.ListRunEvents(r.Context(), runID, afterSeq)
		if err != nil {
			mapStoreErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events})
		return
	}

	s.streamRunEvents(w, r, runID, afterSeq)
}

func (s *Server) streamRunEvents(w http.ResponseWriter, r *http.Request, runID string, afterSeq int64) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	last := afterSeq
	for {
		// Catch up from the store first: the bus only retains what was
		// published since this hub last saw the run.
		stored, err := s.Store.ListRunEvents(r.Context(), runID, last)
		if err != nil {
			return
		}
		for _, ev := range stored {
			if !writeSSE(w, flusher, ev) {
				return
			}
			last = ev.Seq
			if ev.Kind == jobs.EventRunFinished {
				return
			}
		}

		sub, err := s.Bus.Subscribe(runID, last)
		if err != nil {
			return
		}

	live:
		for {
			select {
			case <-r.Context().Done():
				sub.Cancel()
				return
			case ev, open := <-sub.C:
				if !open {
					// Lagged or forgotten: resume from the store.
					break live
				}
				if ev.Seq <= last {
					continue
				}
				if !writeSSE(w, flusher, ev) {
					sub.Cancel()
					return
				}
				last = ev.Seq
				if ev.Kind == jobs.EventRunFinished {
					sub.Cancel()
					return
				}
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev jobs.RunEvent) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Kind, data); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
