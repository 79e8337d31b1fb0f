package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"

	"github.com/MegaGrindStone/market-chat/internal/engine"
	"github.com/MegaGrindStone/market-chat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// EngineTransport runs turns in process.
type EngineTransport struct {
	Engine *engine.Engine
}

// HTTPTransport posts the conversation to a chat endpoint and reads the event stream of the response.
type HTTPTransport struct {
	URL    string
	Client *http.Client
}

// SendMessages implements Transport.
func (t EngineTransport) SendMessages(ctx context.Context, messages []models.Message) iter.Seq2[models.Event, error] {
	return t.Engine.Stream(ctx, messages)
}

// SendMessages implements Transport. The stream ends at the [DONE] frame or when the server closes
// the response.
func (t HTTPTransport) SendMessages(ctx context.Context, messages []models.Message) iter.Seq2[models.Event, error] {
	return func(yield func(models.Event, error) bool) {
		body, err := json.Marshal(models.ChatRequest{Messages: messages})
		if err != nil {
			yield(models.Event{}, fmt.Errorf("error marshaling request: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
		if err != nil {
			yield(models.Event{}, fmt.Errorf("error creating request: %w", err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "text/event-stream")

		client := t.Client
		if client == nil {
			client = http.DefaultClient
		}
		resp, err := client.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			yield(models.Event{}, fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(resp.Body)
			yield(models.Event{}, fmt.Errorf("unexpected status code: %d, body: %s", resp.StatusCode, bytes.TrimSpace(msg)))
			return
		}

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				yield(models.Event{}, fmt.Errorf("error reading response: %w", err))
				return
			}
			if ev.Data == models.StreamDone {
				return
			}

			var e models.Event
			if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
				yield(models.Event{}, fmt.Errorf("error unmarshaling event: %w", err))
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}
