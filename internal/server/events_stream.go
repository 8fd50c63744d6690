package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/aristath/finagent/internal/errs"
	"github.com/aristath/finagent/internal/modules/jobs"
)

const jobEventPollInterval = time.Second

func parseLastEventID(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("last_event_id")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return 0, nil
	}
	lastID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errs.Invalid("last_event_id must be an integer: %s", raw)
	}
	return lastID, nil
}

func jobEventFrame(event *jobs.JobEvent) map[string]interface{} {
	payload := event.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	return map[string]interface{}{
		"id":         event.ID,
		"job_id":     event.JobID,
		"event_type": event.EventType,
		"payload":    payload,
		"created_at": event.CreatedAt,
	}
}

// handleJobEventsSSE streams job lifecycle events as server-sent events. The
// client resumes with last_event_id (or the Last-Event-ID header).
func (s *Server) handleJobEventsSSE(w http.ResponseWriter, r *http.Request) {
	lastID, err := parseLastEventID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, errs.Internal("response writer does not support streaming"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(jobEventPollInterval)
	defer ticker.Stop()

	for {
		events, err := s.deps.JobEvents.ListEventsAfter(r.Context(), lastID)
		if err != nil {
			s.log.Error().Err(err).Msg("Failed to poll job events")
			return
		}
		for _, event := range events {
			data, err := json.Marshal(jobEventFrame(event))
			if err != nil {
				s.log.Error().Err(err).Int64("event_id", event.ID).Msg("Failed to encode job event")
				continue
			}
			fmt.Fprintf(w, "id: %d\nevent: job_event\ndata: %s\n\n", event.ID, data)
			lastID = event.ID
		}
		if len(events) > 0 {
			flusher.Flush()
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// handleJobEventsWS mirrors the SSE stream over a websocket for clients that
// cannot hold an event-stream response open.
func (s *Server) handleJobEventsWS(w http.ResponseWriter, r *http.Request) {
	lastID, err := parseLastEventID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to accept websocket")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	ctx := r.Context()
	ticker := time.NewTicker(jobEventPollInterval)
	defer ticker.Stop()

	for {
		events, err := s.deps.JobEvents.ListEventsAfter(ctx, lastID)
		if err != nil {
			s.log.Error().Err(err).Msg("Failed to poll job events")
			return
		}
		for _, event := range events {
			if err := wsjson.Write(ctx, conn, jobEventFrame(event)); err != nil {
				return
			}
			lastID = event.ID
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
