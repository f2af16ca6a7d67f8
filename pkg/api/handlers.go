package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/harun/sqlsaber/internal/tracing"
	"github.com/harun/sqlsaber/pkg/engine"
	"github.com/harun/sqlsaber/pkg/registry"
	"github.com/harun/sqlsaber/pkg/thread"
)

const (
	maxBodyBytes       = 1 << 20
	defaultThreadLimit = 50
	maxThreadLimit     = 500
)

// turnBody is the body of create and continue requests. Ids stay raw so
// non-integer values can be rejected with a precise message.
type turnBody struct {
	Prompt               string          `json:"prompt"`
	DatabaseConnectionID json.RawMessage `json:"database_connection_id"`
	ModelConfigID        json.RawMessage `json:"model_config_id"`
}

func parseTurnRequest(r *http.Request) (engine.TurnRequest, error) {
	var body turnBody
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		return engine.TurnRequest{}, fmt.Errorf("invalid JSON body")
	}

	dbID, err := optionalID(body.DatabaseConnectionID)
	if err != nil {
		return engine.TurnRequest{}, fmt.Errorf("database_connection_id must be an integer")
	}
	modelID, err := optionalID(body.ModelConfigID)
	if err != nil {
		return engine.TurnRequest{}, fmt.Errorf("model_config_id must be an integer")
	}

	return engine.TurnRequest{
		Prompt:               body.Prompt,
		DatabaseConnectionID: dbID,
		ModelConfigID:        modelID,
	}, nil
}

// optionalID decodes an absent or null id as zero and rejects anything
// that is not a JSON integer
func optionalID(raw json.RawMessage) (int64, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return 0, nil
	}
	return strconv.ParseInt(text, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps engine and store errors onto HTTP statuses
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *thread.ConflictError
	switch {
	case errors.Is(err, engine.ErrEmptyPrompt):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrConfigurationRequired):
		writeError(w, http.StatusConflict, "Configuration required")
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, conflict.UserMessage())
	case errors.Is(err, thread.ErrNotFound):
		writeError(w, http.StatusNotFound, "Thread not found")
	default:
		logger := tracing.LoggerFromContext(r.Context(), s.logger)
		logger.Error().
			Err(err).
			Str("path", r.URL.Path).
			Msg("Request failed")
		writeError(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	req, err := parseTurnRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	th, err := s.service.CreateThread(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": th.ID})
}

func (s *Server) handleContinueThread(w http.ResponseWriter, r *http.Request) {
	req, err := parseTurnRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	th, err := s.service.ContinueThread(r.Context(), r.PathValue("id"), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"id": th.ID, "status": "queued"})
}

func (s *Server) handleCancelThread(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cancelled, err := s.service.CancelThread(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "cancelled": cancelled})
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	th, err := s.service.GetThread(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"thread": newThreadView(th, s.service.Registry(), false),
	})
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	limit := defaultThreadLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit parameter")
			return
		}
		limit = min(n, maxThreadLimit)
	}

	threads, err := s.service.ListThreads(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	snap := s.service.Registry()
	views := make([]ThreadView, len(threads))
	for i := range threads {
		views[i] = newThreadView(&threads[i], snap, true)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"threads": views})
}

// parseAfter reads the message cursor; absent means from the start
func parseAfter(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("after")
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	after, err := parseAfter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid after parameter")
		return
	}

	th, messages, err := s.service.Poll(r.Context(), r.PathValue("id"), after)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, PollResponse{
		Thread:   newThreadView(th, s.service.Registry(), false),
		Messages: newMessageViews(messages),
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, registry.ModelCatalog())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"uptime":    time.Since(s.startTime).Seconds(),
		"queue":     s.service.Queue().Stats(),
		"timestamp": time.Now().UnixMilli(),
	})
}
