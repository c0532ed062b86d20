package skirmishsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Skirmish HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Squadron represents the API squadron model (partial).
type Squadron struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id"`
	Name        string `json:"name"`
	MemberCount int    `json:"member_count"`
	TotalPower  int    `json:"total_power"`
	Locked      bool   `json:"locked"`
}

// Battle represents the API battle model (partial).
type Battle struct {
	ID                 string  `json:"id"`
	BattleType         string  `json:"battle_type"`
	CombatType         string  `json:"combat_type"`
	Status             string  `json:"status"`
	CreatorID          string  `json:"creator_id"`
	CreatorSquadronID  string  `json:"creator_squadron_id"`
	OpponentID         *string `json:"opponent_id,omitempty"`
	OpponentSquadronID *string `json:"opponent_squadron_id,omitempty"`
	WinnerSquadronID   *string `json:"winner_squadron_id,omitempty"`
	DecisionReason     string  `json:"decision_reason,omitempty"`
}

// Move represents a recorded battle move.
type Move struct {
	ID          int64  `json:"id"`
	BattleID    string `json:"battle_id"`
	Round       int    `json:"round"`
	ActorID     string `json:"actor_id"`
	Action      string `json:"action"`
	RiskTier    string `json:"risk_tier"`
	Success     bool   `json:"success"`
	PowerChange int    `json:"power_change"`
	Narration   string `json:"narration,omitempty"`
}

// Event represents a log entry. Payload is the raw JSON payload string.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// BattleOptions carries optional battle creation parameters.
type BattleOptions struct {
	BattleType             string `json:"battle_type,omitempty"`
	Terrain                string `json:"terrain,omitempty"`
	Wager                  *int   `json:"wager,omitempty"`
	TimeLimitMinutes       *int   `json:"time_limit_minutes,omitempty"`
	RequiredSpecialization string `json:"required_specialization,omitempty"`
	PartnerCollectionID    string `json:"partner_collection_id,omitempty"`
	PartnerMinCount        int    `json:"partner_min_count,omitempty"`
	VsAdversary            bool   `json:"vs_adversary,omitempty"`
	Narrative              string `json:"narrative,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateSquadron creates a squadron owned by the authenticated actor.
func (c *Client) CreateSquadron(ctx context.Context, name string) (Squadron, error) {
	var resp Squadron
	err := c.do(ctx, http.MethodPost, "v0/squadrons", map[string]any{"name": name}, &resp)
	return resp, err
}

// AddMember adds an asset to a squadron roster.
func (c *Client) AddMember(ctx context.Context, squadronID, assetID, role string) error {
	body := map[string]any{"asset_id": assetID}
	if role != "" {
		body["role"] = role
	}
	endpoint := fmt.Sprintf("v0/squadrons/%s/members", url.PathEscape(squadronID))
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

// RemoveMember removes an asset from a squadron roster.
func (c *Client) RemoveMember(ctx context.Context, squadronID, assetID string) error {
	endpoint := fmt.Sprintf("v0/squadrons/%s/members/%s", url.PathEscape(squadronID), url.PathEscape(assetID))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// GetSquadron fetches a squadron by id.
func (c *Client) GetSquadron(ctx context.Context, id string) (Squadron, error) {
	var resp Squadron
	err := c.do(ctx, http.MethodGet, "v0/squadrons/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// CreateBattle opens a battle with the given squadron.
func (c *Client) CreateBattle(ctx context.Context, squadronID, combatType string, opts *BattleOptions) (Battle, error) {
	body := map[string]any{
		"squadron_id": squadronID,
		"combat_type": combatType,
	}
	if opts != nil {
		raw, err := json.Marshal(opts)
		if err != nil {
			return Battle{}, err
		}
		extra := map[string]any{}
		if err := json.Unmarshal(raw, &extra); err != nil {
			return Battle{}, err
		}
		for k, v := range extra {
			body[k] = v
		}
	}
	var resp Battle
	err := c.do(ctx, http.MethodPost, "v0/battles", body, &resp)
	return resp, err
}

// JoinBattle joins an open battle with the given squadron.
func (c *Client) JoinBattle(ctx context.Context, battleID, squadronID string) (Battle, error) {
	var resp Battle
	endpoint := fmt.Sprintf("v0/battles/%s/join", url.PathEscape(battleID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"squadron_id": squadronID}, &resp)
	return resp, err
}

// RecordMove records an action in an in-progress battle.
func (c *Client) RecordMove(ctx context.Context, battleID, action, riskTier string) (Move, error) {
	var resp Move
	endpoint := fmt.Sprintf("v0/battles/%s/moves", url.PathEscape(battleID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{
		"action":    action,
		"risk_tier": riskTier,
	}, &resp)
	return resp, err
}

// Moves lists the moves of a battle.
func (c *Client) Moves(ctx context.Context, battleID string) ([]Move, error) {
	var resp struct {
		Moves []Move `json:"moves"`
	}
	endpoint := fmt.Sprintf("v0/battles/%s/moves", url.PathEscape(battleID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Moves, err
}

// FinalizeBattle ends the battle and returns the verdict.
func (c *Client) FinalizeBattle(ctx context.Context, battleID string) (Battle, error) {
	var resp Battle
	endpoint := fmt.Sprintf("v0/battles/%s/finalize", url.PathEscape(battleID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// CancelBattle cancels an open battle.
func (c *Client) CancelBattle(ctx context.Context, battleID string) (Battle, error) {
	var resp Battle
	endpoint := fmt.Sprintf("v0/battles/%s/cancel", url.PathEscape(battleID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// GetBattle fetches a battle by id.
func (c *Client) GetBattle(ctx context.Context, id string) (Battle, error) {
	var resp Battle
	err := c.do(ctx, http.MethodGet, "v0/battles/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Events []Event `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Events, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
