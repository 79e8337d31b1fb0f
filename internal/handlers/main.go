package handlers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MegaGrindStone/market-chat/internal/chat"
	"github.com/MegaGrindStone/market-chat/internal/models"
	"github.com/MegaGrindStone/market-chat/internal/render"
	"github.com/tmaxmax/go-sse"
)

// Renderer renders the home page and the conversation fragment.
type Renderer interface {
	Build(messages []models.Message, status models.Status, errText string) render.Conversation
	Page(w io.Writer, p render.Page) error
	ConversationHTML(messages []models.Message, status models.Status, errText string) (string, error)
}

// Main serves the chat page, its form actions, the server-sent conversation updates and the JSON
// event stream used by HTTP clients. Every browser gets its own conversation, keyed by a cookie.
type Main struct {
	renderer  Renderer
	transport chat.Transport

	mu       *sync.Mutex
	sessions map[string]*session
	idleTTL  time.Duration
	now      func() time.Time

	// ctx is cancelled on shutdown to end the open SSE streams.
	ctx    context.Context
	cancel context.CancelFunc

	logger *slog.Logger
}

// session is a conversation with the bookkeeping used to evict it once abandoned.
type session struct {
	chat     *chat.Chat
	lastUsed time.Time
	streams  int
}

// MainOption configures a Main.
type MainOption func(*Main)

const (
	chatCookieName = "chat_id"
	errLoggerKey   = "err"

	// DefaultIdleTTL is how long a conversation is kept after its last request.
	DefaultIdleTTL = 30 * time.Minute
)

// SSE event types of the conversation updates.
var (
	messagesSSEType = sse.Type("messages")
	statusSSEType   = sse.Type("status")
	closeSSEType    = sse.Type("close")
)

// NewMain creates a Main sending every turn through transport. Conversations idle for longer than
// the idle TTL are closed and forgotten.
func NewMain(transport chat.Transport, renderer Renderer, logger *slog.Logger, opts ...MainOption) Main {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	m := Main{
		renderer:  renderer,
		transport: transport,
		mu:        &sync.Mutex{},
		sessions:  make(map[string]*session),
		idleTTL:   DefaultIdleTTL,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(&m)
	}
	m.logger = m.logger.With(slog.String("module", "main"))

	if m.idleTTL > 0 {
		go m.sweep(m.idleTTL / 2)
	}
	return m
}

// WithIdleTTL sets how long a conversation without requests, turns or open streams is kept. Zero
// keeps every conversation until shutdown.
func WithIdleTTL(ttl time.Duration) MainOption {
	return func(m *Main) { m.idleTTL = ttl }
}

// WithClock sets the clock idleness is measured with.
func WithClock(now func() time.Time) MainOption {
	return func(m *Main) { m.now = now }
}

// session returns the conversation with chatID, creating it on first use.
func (m Main) session(chatID string) *chat.Chat {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.touchLocked(chatID).chat
}

// openStream returns the conversation with chatID and holds it against eviction until release is
// called.
func (m Main) openStream(chatID string) (c *chat.Chat, release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.touchLocked(chatID)
	s.streams++
	return s.chat, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		s.streams--
		s.lastUsed = m.now()
	}
}

func (m Main) touchLocked(chatID string) *session {
	s, ok := m.sessions[chatID]
	if !ok {
		s = &session{chat: chat.New(m.transport, chat.WithID(chatID), chat.WithLogger(m.logger))}
		m.sessions[chatID] = s
	}
	s.lastUsed = m.now()
	return s
}

func (m Main) sweep(every time.Duration) {
	if every < time.Second {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if n := m.evictIdle(); n > 0 {
				m.logger.Debug("Evicted idle conversations", slog.Int("count", n))
			}
		}
	}
}

// evictIdle closes the conversations unused for the idle TTL and returns how many it closed. A
// conversation with a turn in progress or an open stream is never evicted.
func (m Main) evictIdle() int {
	now := m.now()

	m.mu.Lock()
	var idle []*chat.Chat
	for id, s := range m.sessions {
		if s.streams > 0 || now.Sub(s.lastUsed) < m.idleTTL || s.chat.Status().Busy() {
			continue
		}
		delete(m.sessions, id)
		idle = append(idle, s.chat)
	}
	m.mu.Unlock()

	for _, c := range idle {
		c.Close()
	}
	return len(idle)
}

// sendConversation renders snap and sends it as a messages event followed by a status event.
func (m Main) sendConversation(sess *sse.Session, snap chat.Snapshot) error {
	html, err := m.renderer.ConversationHTML(snap.Messages, snap.Status, snap.Error)
	if err != nil {
		return fmt.Errorf("failed to render conversation: %w", err)
	}

	messages := &sse.Message{Type: messagesSSEType}
	messages.AppendData(html)
	if err := sess.Send(messages); err != nil {
		return fmt.Errorf("failed to send messages: %w", err)
	}

	status := &sse.Message{Type: statusSSEType}
	status.AppendData(string(snap.Status))
	if err := sess.Send(status); err != nil {
		return fmt.Errorf("failed to send status: %w", err)
	}

	return sess.Flush()
}

// Shutdown gracefully terminates the Main instance. It stops every turn in progress and tells the open
// SSE streams to send a close event and return.
func (m Main) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	chats := make([]*chat.Chat, 0, len(m.sessions))
	for _, s := range m.sessions {
		chats = append(chats, s.chat)
	}
	m.mu.Unlock()

	m.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, c := range chats {
			c.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to stop chats: %w", ctx.Err())
	}
}
