package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultModel = "claude-sonnet-4-20250514"

// Anthropic is a Gateway backed by the Anthropic Messages API. All methods
// return plain errors on transport or parse failure; callers fall back.
type Anthropic struct {
	client anthropic.Client
	model  string
}

var _ Gateway = (*Anthropic)(nil)

// NewAnthropic builds a gateway from an API key. Model may be empty.
func NewAnthropic(apiKey, model string) *Anthropic {
	if model == "" {
		model = defaultModel
	}
	return &Anthropic{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (a *Anthropic) complete(ctx context.Context, system, user string) (string, error) {
	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: 512,
		System:    []anthropic.TextBlockParam{{Text: system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", err
	}
	var out strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(out.String())
	if text == "" {
		return "", fmt.Errorf("empty completion")
	}
	return text, nil
}

func (a *Anthropic) NarrateScene(ctx context.Context, sc SceneContext) (string, error) {
	prompt := fmt.Sprintf("Battle %s: %s combat on %s. %s (power %d) vs %s (power %d).",
		sc.BattleID, sc.CombatType, orDefault(sc.Terrain, "open ground"),
		sc.CreatorName, sc.CreatorPower, sc.OpponentName, sc.OpponentPower)
	if sc.Narrative != "" {
		prompt += " Premise: " + sc.Narrative
	}
	return a.complete(ctx,
		"You narrate strategy-game battles. Reply with two vivid sentences setting the scene. No preamble.",
		prompt)
}

type moveVerdict struct {
	Success     bool   `json:"success"`
	PowerChange int    `json:"power_change"`
	Narration   string `json:"narration"`
}

func (a *Anthropic) ResolveMove(ctx context.Context, mc MoveContext) (MoveOutcome, error) {
	prompt := fmt.Sprintf(`Round %d of battle %s (%s combat, terrain %s). Actor %s attempts: %q. Risk tier %s with success probability %.2f and magnitude %d. Decide the outcome. power_change must be +%d on success or -%d on failure.`,
		mc.Round, mc.BattleID, mc.CombatType, orDefault(mc.Terrain, "open ground"),
		mc.ActorID, mc.Action, mc.RiskTier, mc.SuccessProbability, mc.Magnitude, mc.Magnitude, mc.Magnitude)
	text, err := a.complete(ctx,
		`You adjudicate battle moves. Reply with only a JSON object: {"success":bool,"power_change":int,"narration":"one sentence"}.`,
		prompt)
	if err != nil {
		return MoveOutcome{}, err
	}
	var v moveVerdict
	if err := json.Unmarshal([]byte(extractJSON(text)), &v); err != nil {
		return MoveOutcome{}, fmt.Errorf("parse move verdict: %w", err)
	}
	// Clamp to the declared magnitude so the gateway cannot inflate swings.
	if v.PowerChange > mc.Magnitude {
		v.PowerChange = mc.Magnitude
	}
	if v.PowerChange < -mc.Magnitude {
		v.PowerChange = -mc.Magnitude
	}
	return MoveOutcome{Success: v.Success, PowerChange: v.PowerChange, Narration: v.Narration}, nil
}

type winnerVerdict struct {
	Winner    string `json:"winner"`
	Reasoning string `json:"reasoning"`
}

func (a *Anthropic) DecideWinner(ctx context.Context, dc DecisionContext) (Decision, error) {
	prompt := fmt.Sprintf(`Battle %s (%s combat) is over. Creator squadron %s has adjusted power %d. Opponent squadron %s has adjusted power %d. Move log:
%s
Pick the winner.`,
		dc.BattleID, dc.CombatType, dc.CreatorSquadronID, dc.CreatorPower,
		dc.OpponentSquadronID, dc.OpponentPower, strings.Join(dc.MoveSummaries, "\n"))
	text, err := a.complete(ctx,
		`You decide battle winners. Reply with only a JSON object: {"winner":"creator"|"opponent","reasoning":"one sentence"}.`,
		prompt)
	if err != nil {
		return Decision{}, err
	}
	var v winnerVerdict
	if err := json.Unmarshal([]byte(extractJSON(text)), &v); err != nil {
		return Decision{}, fmt.Errorf("parse winner verdict: %w", err)
	}
	switch v.Winner {
	case "creator":
		return Decision{WinnerSquadronID: dc.CreatorSquadronID, Reasoning: v.Reasoning}, nil
	case "opponent":
		return Decision{WinnerSquadronID: dc.OpponentSquadronID, Reasoning: v.Reasoning}, nil
	}
	return Decision{}, fmt.Errorf("unrecognized winner %q", v.Winner)
}

// extractJSON trims any prose around the first JSON object in a completion.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
