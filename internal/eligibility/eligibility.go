// Package eligibility answers partner-collection gating questions for group
// battles.
package eligibility

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Checker reports how many assets of a partner collection an actor holds.
// Implementations return an error only on lookup failure, never for a zero
// count.
type Checker interface {
	HolderCount(ctx context.Context, actorID, collectionID string) (int, error)
}

// Static is a fixture checker keyed by "actorID/collectionID". Useful for dev
// workspaces and tests.
type Static struct {
	Counts map[string]int
}

func (s Static) HolderCount(_ context.Context, actorID, collectionID string) (int, error) {
	return s.Counts[actorID+"/"+collectionID], nil
}

// HTTP queries a remote holder-count endpoint:
// GET {base}/holders?actor=…&collection=… → {"count": n}.
type HTTP struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTP(baseURL string) *HTTP {
	return &HTTP{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (h *HTTP) HolderCount(ctx context.Context, actorID, collectionID string) (int, error) {
	u := fmt.Sprintf("%s/holders?actor=%s&collection=%s",
		h.BaseURL, url.QueryEscape(actorID), url.QueryEscape(collectionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("eligibility endpoint returned %s", resp.Status)
	}
	var body struct {
		Count int `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode eligibility response: %w", err)
	}
	return body.Count, nil
}
