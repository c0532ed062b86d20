// Package notify delivers battle notifications to participants. Delivery is
// best-effort: the engine fires notifications after commit and only logs
// failures.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Notification is what participants receive about a battle state change.
type Notification struct {
	Kind             string `json:"kind"`
	BattleID         string `json:"battle_id"`
	RecipientID      string `json:"recipient_id"`
	Message          string `json:"message"`
	WinnerSquadronID string `json:"winner_squadron_id,omitempty"`
	TS               string `json:"ts"`
}

// Sink receives notifications. Errors are advisory.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// Discard drops everything. Default when no sink is configured.
type Discard struct{}

func (Discard) Notify(context.Context, Notification) error { return nil }

// Webhook POSTs notifications as JSON to a single URL.
type Webhook struct {
	URL    string
	Secret string
	Client *http.Client
}

func NewWebhook(url, secret string) *Webhook {
	return &Webhook{
		URL:    url,
		Secret: secret,
		Client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (w *Webhook) Notify(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Skirmish-Notification", n.Kind)
	if strings.TrimSpace(w.Secret) != "" {
		req.Header.Set("X-Skirmish-Secret", w.Secret)
	}
	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
