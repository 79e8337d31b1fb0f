package chat_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/market-chat/internal/chat"
	"github.com/MegaGrindStone/market-chat/internal/models"
)

type scriptTransport struct {
	events []models.Event
	err    error
	holdAt  int
	hold    chan struct{}
	reached chan struct{}

	mu       sync.Mutex
	received [][]models.Message
}

func (s *scriptTransport) SendMessages(ctx context.Context, messages []models.Message) iter.Seq2[models.Event, error] {
	return func(yield func(models.Event, error) bool) {
		s.mu.Lock()
		s.received = append(s.received, messages)
		s.mu.Unlock()

		for i, ev := range s.events {
			if s.hold != nil && i == s.holdAt {
				if s.reached != nil {
					close(s.reached)
				}
				select {
				case <-s.hold:
				case <-ctx.Done():
					return
				}
			}
			if !yield(ev, nil) {
				return
			}
		}
		if s.err != nil {
			yield(models.Event{}, s.err)
		}
	}
}

func helloEvents() []models.Event {
	return []models.Event{
		{Type: models.EventStart, MessageID: "a1"},
		{Type: models.EventStartStep},
		{Type: models.EventTextStart, ID: "t1"},
		{Type: models.EventTextDelta, ID: "t1", Delta: "Hello"},
		{Type: models.EventTextDelta, ID: "t1", Delta: " there."},
		{Type: models.EventTextEnd, ID: "t1"},
		{Type: models.EventFinishStep},
		{Type: models.EventFinish},
	}
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	var n int
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func waitFor(t *testing.T, c *chat.Chat, cond func(chat.Snapshot) bool) chat.Snapshot {
	t.Helper()
	ch, unsubscribe := c.Subscribe()
	defer unsubscribe()

	timeout := time.After(2 * time.Second)
	for {
		snap := c.Snapshot()
		if cond(snap) {
			return snap
		}
		select {
		case <-ch:
		case <-timeout:
			t.Fatalf("condition not met, last snapshot: %+v", snap)
		}
	}
}

func TestSubmit(t *testing.T) {
	tr := &scriptTransport{events: helloEvents()}
	c := chat.New(tr, chat.WithIDGenerator(sequentialIDs()))

	if err := c.Submit("  hi  "); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	c.Wait()

	snap := c.Snapshot()
	if snap.Status != models.StatusIdle {
		t.Errorf("status = %s, want idle", snap.Status)
	}
	if len(snap.Messages) != 2 {
		t.Fatalf("got %d messages, want 2", len(snap.Messages))
	}
	if snap.Messages[0].Role != models.RoleUser || snap.Messages[0].Text() != "hi" {
		t.Errorf("user message = %+v", snap.Messages[0])
	}
	if snap.Messages[1].Text() != "Hello there." {
		t.Errorf("assistant text = %q", snap.Messages[1].Text())
	}

	tr.events = []models.Event{{Type: models.EventStart, MessageID: "a2"}, {Type: models.EventFinish}}
	if err := c.Submit("and MSFT?"); err != nil {
		t.Fatalf("second Submit() error = %v", err)
	}
	c.Wait()

	if len(tr.received) != 2 || len(tr.received[1]) != 3 {
		t.Fatalf("second turn history = %+v", tr.received)
	}
	if tr.received[1][1].ID != "a1" {
		t.Errorf("second turn did not include the first reply: %+v", tr.received[1])
	}
}

func TestSubmitRejectsEmptyAndBusy(t *testing.T) {
	tr := &scriptTransport{events: helloEvents(), hold: make(chan struct{})}
	c := chat.New(tr)
	defer c.Close()

	if err := c.Submit("   "); !errors.Is(err, chat.ErrEmptyMessage) {
		t.Errorf("Submit() error = %v, want ErrEmptyMessage", err)
	}

	if err := c.Submit("What's Apple's stock price?"); err != nil {
		t.Fatal(err)
	}
	if got := c.Status(); got != models.StatusSubmitted {
		t.Errorf("status = %s, want submitted", got)
	}
	if err := c.Submit("again"); !errors.Is(err, chat.ErrBusy) {
		t.Errorf("Submit() while busy error = %v, want ErrBusy", err)
	}
	if n := len(c.Messages()); n != 1 {
		t.Errorf("got %d messages, want 1", n)
	}
}

func TestStatusStaysSubmittedUntilContent(t *testing.T) {
	tr := &scriptTransport{
		events:  helloEvents(),
		holdAt:  2,
		hold:    make(chan struct{}),
		reached: make(chan struct{}),
	}
	c := chat.New(tr)
	defer c.Close()

	if err := c.Submit("hi"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-tr.reached:
	case <-time.After(2 * time.Second):
		t.Fatal("transport never reached the first text event")
	}

	// start and start-step have been applied.
	snap := c.Snapshot()
	if snap.Status != models.StatusSubmitted {
		t.Errorf("status = %s, want submitted before any content", snap.Status)
	}
	if len(snap.Messages) != 2 || snap.Messages[1].ID != "a1" {
		t.Errorf("messages = %+v, want the empty assistant message", snap.Messages)
	}

	close(tr.hold)
	c.Wait()
	if got := c.Status(); got != models.StatusIdle {
		t.Errorf("status = %s, want idle", got)
	}
}

func TestStopMidStream(t *testing.T) {
	tr := &scriptTransport{events: helloEvents(), holdAt: 4, hold: make(chan struct{})}
	c := chat.New(tr)

	if err := c.Submit("hi"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, c, func(s chat.Snapshot) bool {
		return len(s.Messages) == 2 && s.Messages[1].Text() == "Hello"
	})
	if got := c.Status(); got != models.StatusStreaming {
		t.Errorf("status = %s, want streaming", got)
	}

	c.Stop()
	close(tr.hold)
	c.Wait()

	snap := c.Snapshot()
	if snap.Status != models.StatusIdle {
		t.Errorf("status = %s, want idle", snap.Status)
	}
	if got := snap.Messages[1].Text(); got != "Hello" {
		t.Errorf("assistant text = %q, want the text received before stop", got)
	}

	tr.hold = nil
	tr.events = []models.Event{{Type: models.EventStart, MessageID: "a2"}, {Type: models.EventFinish}}
	if err := c.Submit("retry"); err != nil {
		t.Errorf("Submit() after stop error = %v", err)
	}
	c.Wait()
}

func TestErrorEvent(t *testing.T) {
	tr := &scriptTransport{events: []models.Event{
		{Type: models.EventStart, MessageID: "a1"},
		{Type: models.EventError, ErrorText: "rate limited"},
		{Type: models.EventTextDelta, ID: "t1", Delta: "ignored"},
	}}
	c := chat.New(tr)

	if err := c.Submit("hi"); err != nil {
		t.Fatal(err)
	}
	c.Wait()

	snap := c.Snapshot()
	if snap.Status != models.StatusError || snap.Error != "rate limited" {
		t.Errorf("snapshot = %+v, want error status", snap)
	}
	if len(snap.Messages[1].Parts) != 0 {
		t.Errorf("events after error were applied: %+v", snap.Messages[1].Parts)
	}

	tr.events = helloEvents()
	if err := c.Submit("try again"); err != nil {
		t.Errorf("Submit() after error = %v", err)
	}
	c.Wait()
	if got := c.Status(); got != models.StatusIdle {
		t.Errorf("status = %s, want idle", got)
	}
}

func TestTransportFailure(t *testing.T) {
	tr := &scriptTransport{
		events: []models.Event{{Type: models.EventStart, MessageID: "a1"}},
		err:    errors.New("connection reset"),
	}
	c := chat.New(tr)

	if err := c.Submit("hi"); err != nil {
		t.Fatal(err)
	}
	c.Wait()

	snap := c.Snapshot()
	if snap.Status != models.StatusError || snap.Error != "connection reset" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestHTTPTransport(t *testing.T) {
	var got models.ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range helloEvents() {
			b, _ := json.Marshal(ev)
			fmt.Fprintf(w, "data: %s\n\n", b)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := chat.New(chat.HTTPTransport{URL: srv.URL, Client: srv.Client()})
	if err := c.Submit("hi"); err != nil {
		t.Fatal(err)
	}
	c.Wait()

	if len(got.Messages) != 1 || got.Messages[0].Text() != "hi" {
		t.Errorf("request = %+v", got)
	}
	snap := c.Snapshot()
	if snap.Status != models.StatusIdle || snap.Messages[1].Text() != "Hello there." {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestHTTPTransportBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid request body", http.StatusBadRequest)
	}))
	defer srv.Close()

	tr := chat.HTTPTransport{URL: srv.URL}
	var gotErr error
	for _, err := range tr.SendMessages(context.Background(), nil) {
		gotErr = err
	}
	if gotErr == nil {
		t.Error("SendMessages() error = nil, want status error")
	}
}
