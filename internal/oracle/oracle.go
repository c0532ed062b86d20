// Package oracle arbitrates battle narration, move outcomes, and winner
// decisions. Gateways are advisory: the engine always has a deterministic
// fallback, so a gateway error degrades the experience but never blocks a
// battle.
package oracle

import "context"

// SceneContext describes a freshly started battle for narration.
type SceneContext struct {
	BattleID      string
	CombatType    string
	Terrain       string
	Narrative     string
	CreatorName   string
	OpponentName  string
	CreatorPower  int
	OpponentPower int
}

// MoveContext describes a declared action awaiting resolution.
type MoveContext struct {
	BattleID           string
	Round              int
	ActorID            string
	Action             string
	RiskTier           string
	SuccessProbability float64
	Magnitude          int
	CombatType         string
	Terrain            string
}

// MoveOutcome is the resolved result of a single move.
type MoveOutcome struct {
	Success     bool
	PowerChange int
	Narration   string
}

// DecisionContext carries everything a gateway needs to pick a winner.
// FirstMoverSquadronID is the tie breaker: the side whose move was recorded
// first. Empty means the creator acted first.
type DecisionContext struct {
	BattleID             string
	CombatType           string
	CreatorSquadronID    string
	OpponentSquadronID   string
	CreatorPower         int
	OpponentPower        int
	FirstMoverSquadronID string
	MoveSummaries        []string
}

// Decision is the verdict for a finished battle.
type Decision struct {
	WinnerSquadronID string
	Reasoning        string
}

// Gateway is the arbitration interface. Implementations must honor the
// context deadline; the engine enforces a timeout and falls back on any
// error.
type Gateway interface {
	NarrateScene(ctx context.Context, sc SceneContext) (string, error)
	ResolveMove(ctx context.Context, mc MoveContext) (MoveOutcome, error)
	DecideWinner(ctx context.Context, dc DecisionContext) (Decision, error)
}
