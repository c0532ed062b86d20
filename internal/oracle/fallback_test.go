package oracle

import (
	"context"
	"strings"
	"testing"
)

func TestFallbackResolveMoveDeterministic(t *testing.T) {
	f := Fallback{Jitter: 0.05, Roll: func() float64 { return 0.5 }}
	mc := MoveContext{ActorID: "alice", Action: "charge", RiskTier: "low", SuccessProbability: 0.8, Magnitude: 10}

	out, err := f.ResolveMove(context.Background(), mc)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !out.Success || out.PowerChange != 10 {
		t.Fatalf("outcome = %v %+d", out.Success, out.PowerChange)
	}

	// A roll above the probability fails and flips the sign.
	f.Roll = func() float64 { return 0.9 }
	out, _ = f.ResolveMove(context.Background(), mc)
	if out.Success || out.PowerChange != -10 {
		t.Fatalf("outcome = %v %+d", out.Success, out.PowerChange)
	}
	if !strings.Contains(out.Narration, "fails") {
		t.Fatalf("narration = %q", out.Narration)
	}
}

func TestFallbackJitterClamped(t *testing.T) {
	calls := 0
	f := Fallback{Jitter: 0.4, Roll: func() float64 {
		calls++
		if calls%2 == 1 {
			return 0.0 // jitter roll pulls probability far down
		}
		return 0.049 // success roll just under the floor
	}}
	out, _ := f.ResolveMove(context.Background(), MoveContext{SuccessProbability: 0.1, Magnitude: 5})
	if !out.Success {
		t.Fatal("probability floor not applied")
	}
}

func TestFallbackDecideWinner(t *testing.T) {
	f := Fallback{}
	ctx := context.Background()

	d, _ := f.DecideWinner(ctx, DecisionContext{CreatorSquadronID: "a", OpponentSquadronID: "b", CreatorPower: 120, OpponentPower: 90})
	if d.WinnerSquadronID != "a" {
		t.Fatalf("winner = %s", d.WinnerSquadronID)
	}
	d, _ = f.DecideWinner(ctx, DecisionContext{CreatorSquadronID: "a", OpponentSquadronID: "b", CreatorPower: 90, OpponentPower: 120})
	if d.WinnerSquadronID != "b" {
		t.Fatalf("winner = %s", d.WinnerSquadronID)
	}

	// Ties go to the first mover, defaulting to the creator.
	d, _ = f.DecideWinner(ctx, DecisionContext{CreatorSquadronID: "a", OpponentSquadronID: "b", CreatorPower: 100, OpponentPower: 100, FirstMoverSquadronID: "b"})
	if d.WinnerSquadronID != "b" {
		t.Fatalf("tie winner = %s", d.WinnerSquadronID)
	}
	d, _ = f.DecideWinner(ctx, DecisionContext{CreatorSquadronID: "a", OpponentSquadronID: "b", CreatorPower: 100, OpponentPower: 100})
	if d.WinnerSquadronID != "a" {
		t.Fatalf("tie winner = %s", d.WinnerSquadronID)
	}
}
