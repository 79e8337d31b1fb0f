package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/market-chat/internal/chat"
	"github.com/MegaGrindStone/market-chat/internal/render"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// HandleHome renders the page of the caller's conversation, starting a new one when the request
// carries no chat cookie.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	chatID := cookieChatID(r)
	if chatID == "" {
		chatID = uuid.NewString()
		http.SetCookie(w, &http.Cookie{
			Name:     chatCookieName,
			Value:    chatID,
			Path:     "/",
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
	snap := m.session(chatID).Snapshot()

	page := render.Page{
		ChatID:       chatID,
		Conversation: m.renderer.Build(snap.Messages, snap.Status, snap.Error),
	}
	if err := m.renderer.Page(w, page); err != nil {
		m.logger.Error("Failed to render page",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleChats submits the "message" form field to the caller's conversation. The reply streams to the
// page through HandleSSE, so a successful submit answers 202 with no body.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	c, ok := m.requestChat(w, r)
	if !ok {
		return
	}

	err := c.Submit(r.FormValue("message"))
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	case errors.Is(err, chat.ErrBusy):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		m.logger.Error("Failed to submit message",
			slog.String("chatID", c.ID()),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleStop stops the reply in progress of the caller's conversation. Stopping an idle conversation
// is a no-op.
func (m Main) HandleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	c, ok := m.requestChat(w, r)
	if !ok {
		return
	}
	c.Stop()
	w.WriteHeader(http.StatusNoContent)
}

// HandleSSE streams the caller's conversation as "messages" events holding the rendered HTML, each
// followed by a "status" event. The current state is sent on connect, then again after every change.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	chatID := cookieChatID(r)
	if chatID == "" {
		http.Error(w, "Chat not found", http.StatusBadRequest)
		return
	}
	c, release := m.openStream(chatID)
	defer release()

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		m.logger.Error("Failed to upgrade connection", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	updates, unsubscribe := c.Subscribe()
	defer unsubscribe()

	for {
		if err := m.sendConversation(sess, c.Snapshot()); err != nil {
			m.logger.Warn("Stopping conversation stream",
				slog.String("chatID", c.ID()),
				slog.String(errLoggerKey, err.Error()))
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-m.ctx.Done():
			e := &sse.Message{Type: closeSSEType}
			// Events without data are dropped by browsers
			e.AppendData("bye")
			if err := sess.Send(e); err == nil {
				_ = sess.Flush()
			}
			return
		case <-updates:
		}
	}
}

func (m Main) requestChat(w http.ResponseWriter, r *http.Request) (*chat.Chat, bool) {
	chatID := cookieChatID(r)
	if chatID == "" {
		http.Error(w, "Chat not found", http.StatusBadRequest)
		return nil, false
	}
	return m.session(chatID), true
}

// cookieChatID returns the chat ID of the request cookie, or "" if it is missing or malformed.
func cookieChatID(r *http.Request) string {
	cookie, err := r.Cookie(chatCookieName)
	if err != nil {
		return ""
	}
	id, err := uuid.Parse(cookie.Value)
	if err != nil {
		return ""
	}
	return id.String()
}
