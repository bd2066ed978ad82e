package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/kozaktomas/smart-attendance/internal/attendance"
	"github.com/kozaktomas/smart-attendance/internal/session"
)

// setupSSEConnection sets the SSE headers and returns the flusher.
// On failure, writes an error response and returns false.
func setupSSEConnection(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return flusher, true
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) {
	jsonData, _ := json.Marshal(data)
	_, _ = io.WriteString(w, "event: "+eventType+"\n")
	_, _ = io.WriteString(w, "data: ")
	_, _ = io.Copy(w, bytes.NewReader(jsonData))
	_, _ = io.WriteString(w, "\n\n")
	flusher.Flush()
}

// streamSessionEvents sends the current session state, then forwards the
// session's events until the session closes, the client disconnects, or
// the event channel closes.
func streamSessionEvents(w http.ResponseWriter, r *http.Request, events *attendance.EventBroadcaster, info session.Info) {
	flusher, ok := setupSSEConnection(w)
	if !ok {
		return
	}

	eventCh := events.AddListener(info.ID)
	defer events.RemoveListener(eventCh)

	sendSSEEvent(w, flusher, "status", info)
	if info.State == session.StateClosed {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			sendSSEEvent(w, flusher, event.Type, event)
			if closed, ok := event.Data.(session.Info); ok && closed.State == session.StateClosed {
				return
			}
		}
	}
}
