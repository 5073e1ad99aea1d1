package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rendis/conductor/internal/streaming"
	"github.com/rendis/conductor/pkg/schema"
)

const sseBuffer = 256

// handleEvents streams lifecycle events as Server-Sent Events. The query
// parameters executionId, workflowId and kinds (comma separated wire names)
// narrow the stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		writeError(w, schema.NewError(schema.ErrCodeNotFound, "event stream not configured"))
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, schema.NewError(schema.ErrCodeExecution, "streaming not supported"))
		return
	}

	ch, cancel, err := s.deps.Bus.Subscribe(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, data)
			flusher.Flush()
		}
	}
}

func parseFilter(r *http.Request) (streaming.Filter, error) {
	q := r.URL.Query()
	filter := streaming.Filter{
		ExecutionID: q.Get("executionId"),
		WorkflowID:  q.Get("workflowId"),
		Buffer:      sseBuffer,
	}
	if raw := q.Get("kinds"); raw != "" {
		for name := range strings.SplitSeq(raw, ",") {
			kind, err := schema.ParseEventKind(strings.TrimSpace(name))
			if err != nil {
				return streaming.Filter{}, err
			}
			filter.Kinds = append(filter.Kinds, kind)
		}
	}
	return filter, nil
}
