// Package notify delivers best-effort position notifications to an external
// tracking webhook. Delivery failures are logged and swallowed; nothing in
// the order path ever depends on a notification succeeding.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"tradedesk/internal/events"
)

// Webhook posts position events as JSON to a configured URL.
type Webhook struct {
	url    string
	client *http.Client
}

// NewWebhook builds a notifier. An empty URL yields a no-op notifier.
func NewWebhook(url string) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

type payload struct {
	Event  string               `json:"event"`
	Data   events.PositionEvent `json:"data"`
	SentAt time.Time            `json:"sentAt"`
}

// PositionOpened reports an entry fill.
func (w *Webhook) PositionOpened(ctx context.Context, ev events.PositionEvent) {
	w.post(ctx, "position_opened", ev)
}

// PositionClosed reports an exit fill.
func (w *Webhook) PositionClosed(ctx context.Context, ev events.PositionEvent) {
	w.post(ctx, "position_closed", ev)
}

func (w *Webhook) post(ctx context.Context, event string, ev events.PositionEvent) {
	if w.url == "" {
		return
	}

	body, err := json.Marshal(payload{Event: event, Data: ev, SentAt: time.Now()})
	if err != nil {
		log.Warn().Err(err).Str("event", event).Msg("notification encode failed")
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		log.Warn().Err(err).Str("event", event).Msg("notification request failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("event", event).Str("user", ev.UserID).Msg("notification delivery failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Warn().Int("status", resp.StatusCode).Str("event", event).Msg("notification rejected")
	}
}
