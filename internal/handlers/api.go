package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/market-chat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// HandleChatStream answers a JSON chat request with the event stream of one assistant turn. Every event
// is a data-only SSE frame holding the event JSON, and the stream ends with a [DONE] frame. The turn is
// cancelled when the client goes away.
func (m Main) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.logger.Error("Failed to decode chat request", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Messages) == 0 {
		http.Error(w, "Messages are required", http.StatusBadRequest)
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		m.logger.Error("Failed to upgrade connection", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	send := func(data string) bool {
		msg := &sse.Message{}
		msg.AppendData(data)
		if err := sess.Send(msg); err != nil {
			return false
		}
		return sess.Flush() == nil
	}
	sendEvent := func(ev models.Event) bool {
		b, err := json.Marshal(ev)
		if err != nil {
			m.logger.Error("Failed to marshal event",
				slog.String("type", string(ev.Type)),
				slog.String(errLoggerKey, err.Error()))
			return false
		}
		return send(string(b))
	}

	var last models.EventType
	for ev, err := range m.transport.SendMessages(r.Context(), req.Messages) {
		if err != nil {
			if r.Context().Err() != nil {
				return
			}
			// Provider failures were already reported as an error event.
			if last != models.EventError {
				sendEvent(models.Event{Type: models.EventError, ErrorText: err.Error()})
			}
			break
		}
		if !sendEvent(ev) {
			return
		}
		last = ev.Type
	}
	send(models.StreamDone)
}

// HandleHealthz reports that the server is up.
func (m Main) HandleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}
