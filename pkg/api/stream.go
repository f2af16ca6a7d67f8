package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/sqlsaber/internal/tracing"
	"github.com/harun/sqlsaber/pkg/thread"
)

const streamWriteTimeout = 10 * time.Second

// handleStream upgrades to a WebSocket and pushes PollResponse frames
// whenever new messages or a status change are observed. The stream ends
// after a frame carrying a terminal status.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	after, err := parseAfter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid after parameter")
		return
	}
	if _, err := s.service.GetThread(r.Context(), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	s.streams.Add(1)
	defer s.streams.Done()
	defer conn.Close()

	logger := tracing.LoggerFromContext(r.Context(), s.logger).With().Str("thread_id", id).Logger()
	logger.Debug().Int64("after", after).Msg("Stream opened")

	// reads are only for control frames and client close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					logger.Debug().Err(err).Msg("Stream read error")
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()

	cursor := after
	var lastStatus thread.Status
	var lastUpdate time.Time
	first := true

	for {
		th, messages, err := s.service.Poll(r.Context(), id, cursor)
		if err != nil {
			logger.Error().Err(err).Msg("Stream poll failed")
			s.closeStream(conn, websocket.CloseInternalServerErr, "poll failed")
			return
		}

		changed := first || len(messages) > 0 || th.Status != lastStatus || !th.UpdatedAt.Equal(lastUpdate)
		if changed {
			frame := PollResponse{
				Thread:   newThreadView(th, s.service.Registry(), false),
				Messages: newMessageViews(messages),
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(frame); err != nil {
				logger.Debug().Err(err).Msg("Stream write failed")
				return
			}
			if n := len(messages); n > 0 {
				cursor = messages[n-1].ID
			}
			lastStatus = th.Status
			lastUpdate = th.UpdatedAt
			first = false
		}

		if th.Status.Terminal() {
			s.closeStream(conn, websocket.CloseNormalClosure, string(th.Status))
			return
		}

		select {
		case <-ticker.C:
			if s.shuttingDown() {
				s.closeStream(conn, websocket.CloseGoingAway, "server shutting down")
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) closeStream(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
