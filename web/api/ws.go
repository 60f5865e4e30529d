package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const followPollInterval = 250 * time.Millisecond

// handleFollow streams an attempt's log lines over a websocket: first the
// backlog, then new lines as they are appended, until the attempt reaches
// a terminal status and its log is drained.
func (s *Server) handleFollow(w http.ResponseWriter, r *http.Request, attemptID string) {
	if _, err := s.engine.Store().GetAttempt(attemptID); err != nil {
		writeError(w, http.StatusNotFound, "attempt not found")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var cursor int64
	ticker := time.NewTicker(followPollInterval)
	defer ticker.Stop()

	for {
		lines, next, err := s.engine.Store().ListLogsAfter(attemptID, cursor, 200)
		if err != nil {
			return
		}
		for _, l := range lines {
			msg := LogLineResponse{
				ID:        l.ID,
				Timestamp: formatTime(l.Timestamp),
				Level:     string(l.Level),
				Message:   l.Message,
			}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
			cursor = l.ID
		}
		if next != 0 {
			// More backlog waiting; fetch the next page immediately
			continue
		}

		attempt, err := s.engine.Store().GetAttempt(attemptID)
		if err != nil {
			return
		}
		if attempt.Status.IsTerminal() {
			final := map[string]string{"event": "done", "status": string(attempt.Status)}
			conn.WriteJSON(final)
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
