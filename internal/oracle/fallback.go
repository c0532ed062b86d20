package oracle

import (
	"context"
	"fmt"
	"math/rand"
)

// Fallback is the deterministic arbiter used when no external gateway is
// configured or the configured one fails. Roll is injectable so tests can
// pin outcomes; it defaults to math/rand.
type Fallback struct {
	// Jitter widens the success band by a uniform offset in [-Jitter,+Jitter].
	Jitter float64
	Roll   func() float64
}

var _ Gateway = Fallback{}

func (f Fallback) roll() float64 {
	if f.Roll != nil {
		return f.Roll()
	}
	return rand.Float64()
}

// NarrateScene produces a plain opening line from the battle facts.
func (f Fallback) NarrateScene(_ context.Context, sc SceneContext) (string, error) {
	terrain := sc.Terrain
	if terrain == "" {
		terrain = "open ground"
	}
	return fmt.Sprintf("A %s engagement begins on %s. %s (%d) faces %s (%d).",
		sc.CombatType, terrain, sc.CreatorName, sc.CreatorPower, sc.OpponentName, sc.OpponentPower), nil
}

// ResolveMove rolls against the tier probability, jittered. Success gains the
// tier magnitude; failure loses it.
func (f Fallback) ResolveMove(_ context.Context, mc MoveContext) (MoveOutcome, error) {
	p := mc.SuccessProbability
	if f.Jitter > 0 {
		p += (f.roll()*2 - 1) * f.Jitter
	}
	if p < 0.05 {
		p = 0.05
	}
	if p > 0.95 {
		p = 0.95
	}
	success := f.roll() < p
	change := mc.Magnitude
	verb := "succeeds"
	if !success {
		change = -mc.Magnitude
		verb = "fails"
	}
	return MoveOutcome{
		Success:     success,
		PowerChange: change,
		Narration:   fmt.Sprintf("%s %s (%s risk): %+d", mc.ActorID, verb, mc.RiskTier, change),
	}, nil
}

// DecideWinner picks the higher adjusted total. Ties go to the side that
// acted first, which keeps the verdict deterministic.
func (f Fallback) DecideWinner(_ context.Context, dc DecisionContext) (Decision, error) {
	if dc.OpponentPower > dc.CreatorPower {
		return Decision{
			WinnerSquadronID: dc.OpponentSquadronID,
			Reasoning:        fmt.Sprintf("opponent power %d exceeds creator power %d", dc.OpponentPower, dc.CreatorPower),
		}, nil
	}
	if dc.CreatorPower > dc.OpponentPower {
		return Decision{
			WinnerSquadronID: dc.CreatorSquadronID,
			Reasoning:        fmt.Sprintf("creator power %d exceeds opponent power %d", dc.CreatorPower, dc.OpponentPower),
		}, nil
	}
	winner := dc.FirstMoverSquadronID
	if winner == "" {
		winner = dc.CreatorSquadronID
	}
	return Decision{
		WinnerSquadronID: winner,
		Reasoning:        fmt.Sprintf("tie at %d, first to act prevails", dc.CreatorPower),
	}, nil
}
