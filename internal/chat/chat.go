// Package chat holds the client side state of one conversation: its messages and its status. A Chat
// submits user text through a Transport and folds the streamed events back into the message list, one
// turn at a time.
package chat

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"strings"
	"sync"

	"github.com/MegaGrindStone/market-chat/internal/models"
	"github.com/google/uuid"
)

// Transport opens the event stream of an assistant turn replying to messages. The stream ends when
// ctx is cancelled.
type Transport interface {
	SendMessages(ctx context.Context, messages []models.Message) iter.Seq2[models.Event, error]
}

// Chat is one conversation. All methods are safe for concurrent use.
type Chat struct {
	id        string
	transport Transport

	mu       sync.Mutex
	messages []models.Message
	status   models.Status
	errText  string
	turn     uint64
	cancel   context.CancelFunc
	subs     map[chan struct{}]struct{}

	wg     sync.WaitGroup
	newID  func() string
	logger *slog.Logger
}

// Snapshot is the state of a Chat at one point in time. Messages is a copy the caller may keep.
type Snapshot struct {
	Messages []models.Message
	Status   models.Status
	Error    string
}

// Option configures a Chat.
type Option func(*Chat)

var (
	// ErrBusy is returned when submitting while a turn is in progress.
	ErrBusy = errors.New("a response is already in progress")
	// ErrEmptyMessage is returned when submitting blank text.
	ErrEmptyMessage = errors.New("message is empty")
)

// New creates an idle, empty Chat sending its turns through transport.
func New(transport Transport, opts ...Option) *Chat {
	c := &Chat{
		transport: transport,
		status:    models.StatusIdle,
		subs:      make(map[chan struct{}]struct{}),
		newID:     uuid.NewString,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.id == "" {
		c.id = c.newID()
	}
	c.logger = c.logger.With(slog.String("module", "chat"), slog.String("chatID", c.id))
	return c
}

// WithID sets the chat ID.
func WithID(id string) Option {
	return func(c *Chat) { c.id = id }
}

// WithMessages seeds the conversation.
func WithMessages(messages []models.Message) Option {
	return func(c *Chat) { c.messages = models.CloneMessages(messages) }
}

// WithIDGenerator replaces the generator of chat and user message IDs.
func WithIDGenerator(newID func() string) Option {
	return func(c *Chat) { c.newID = newID }
}

// WithLogger sets the chat logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Chat) { c.logger = l }
}

// ID returns the chat ID.
func (c *Chat) ID() string {
	return c.id
}

// Submit appends a user message with text and starts a turn with the full history. It returns ErrBusy
// while a turn is submitted or streaming.
func (c *Chat) Submit(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status.Busy() {
		return ErrBusy
	}

	c.messages = append(c.messages, models.NewTextMessage(c.newID(), models.RoleUser, text))
	c.status = models.StatusSubmitted
	c.errText = ""
	c.turn++

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	turn := c.turn
	history := models.CloneMessages(c.messages)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.run(ctx, turn, history)
	}()

	c.notifyLocked()
	return nil
}

// Stop cancels the turn in progress. Parts received so far are kept and the status goes back to idle;
// events of the stopped turn still in flight are dropped.
func (c *Chat) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.status.Busy() {
		return
	}
	c.turn++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.status = models.StatusIdle
	c.notifyLocked()
}

// Status returns the current status.
func (c *Chat) Status() models.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Messages returns a copy of the conversation.
func (c *Chat) Messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return models.CloneMessages(c.messages)
}

// Snapshot returns the messages, the status and the last error together.
func (c *Chat) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Messages: models.CloneMessages(c.messages),
		Status:   c.status,
		Error:    c.errText,
	}
}

// Subscribe returns a channel receiving a value after every change of the chat. Notifications
// coalesce: a slow reader sees one pending value, never a backlog. Call the returned function to
// unsubscribe.
func (c *Chat) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		delete(c.subs, ch)
		c.mu.Unlock()
	}
}

// Wait blocks until no turn goroutine is running.
func (c *Chat) Wait() {
	c.wg.Wait()
}

// Close stops any turn in progress and waits for it to wind down.
func (c *Chat) Close() {
	c.Stop()
	c.Wait()
}

func (c *Chat) run(ctx context.Context, turn uint64, history []models.Message) {
	for ev, err := range c.transport.SendMessages(ctx, history) {
		if err != nil {
			c.fail(ctx, turn, err)
			return
		}
		if !c.apply(turn, ev) {
			return
		}
	}
	c.end(turn)
}

// apply folds ev into the conversation. It reports false once the turn is no longer current.
func (c *Chat) apply(turn uint64, ev models.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if turn != c.turn || !c.status.Busy() {
		return false
	}

	switch ev.Type {
	case models.EventError:
		c.status = models.StatusError
		c.errText = ev.ErrorText
		c.notifyLocked()
		return false
	case models.EventFinish:
		c.status = models.StatusIdle
	case models.EventStart, models.EventStartStep, models.EventFinishStep:
		// No content yet, so a submitted turn stays submitted.
	default:
		c.status = models.StatusStreaming
	}

	messages, err := models.Apply(c.messages, ev)
	if err != nil {
		c.logger.Warn("Dropping event", slog.String("type", string(ev.Type)), slog.String("err", err.Error()))
	} else {
		c.messages = messages
	}
	c.notifyLocked()
	return c.status.Busy()
}

func (c *Chat) fail(ctx context.Context, turn uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if turn != c.turn || !c.status.Busy() || ctx.Err() != nil {
		return
	}
	c.logger.Error("Stream failed", slog.String("err", err.Error()))
	c.status = models.StatusError
	c.errText = err.Error()
	c.notifyLocked()
}

// end settles a turn whose stream closed without a finish event.
func (c *Chat) end(turn uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if turn != c.turn || !c.status.Busy() {
		return
	}
	c.status = models.StatusIdle
	c.notifyLocked()
}

func (c *Chat) notifyLocked() {
	for ch := range c.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
