package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"skirmish/internal/domain"
	"skirmish/internal/engine"
	"skirmish/internal/oracle"
	"skirmish/internal/power"
)

func (env *testEnv) twoSquadrons(t *testing.T) (domain.Squadron, domain.Squadron) {
	t.Helper()
	env.seedAsset(t, "a1", power.Snapshot{Army: 30, Religion: 10, Civilization: 5, Economic: 5, Class: "warrior", Specialization: "army"})
	env.seedAsset(t, "a2", power.Snapshot{Army: 30, Religion: 10, Civilization: 5, Economic: 5, Class: "knight", Specialization: "army"})
	env.seedAsset(t, "b1", power.Snapshot{Army: 20, Religion: 10, Civilization: 5, Economic: 5, Class: "scholar", Specialization: "civilization"})
	env.seedAsset(t, "b2", power.Snapshot{Army: 20, Religion: 10, Civilization: 5, Economic: 5, Class: "merchant", Specialization: "economic"})
	a := env.mustSquadron(t, "alice", "alpha", "a1", "a2")
	b := env.mustSquadron(t, "bob", "bravo", "b1", "b2")
	return a, b
}

func TestJoinBattleLocksAndStarts(t *testing.T) {
	env := newTestEnv(t)
	a, b := env.twoSquadrons(t)

	battle, err := env.Engine.CreateBattle(env.Ctx, engine.BattleCreateOptions{
		CreatorID:  "alice",
		SquadronID: a.ID,
		CombatType: "military",
	})
	if err != nil {
		t.Fatalf("create battle: %v", err)
	}
	if battle.Status != domain.BattleOpen {
		t.Fatalf("status = %s, want open", battle.Status)
	}
	if battle.CreatorHash == "" {
		t.Fatal("creator hash not set")
	}

	if _, err := env.Engine.JoinBattle(env.Ctx, battle.ID, "alice", a.ID); domain.KindOf(err) != domain.KindSelfJoin {
		t.Fatalf("self join: got %v", err)
	}

	joined, err := env.Engine.JoinBattle(env.Ctx, battle.ID, "bob", b.ID)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if joined.Status != domain.BattleInProgress {
		t.Fatalf("status = %s, want in_progress", joined.Status)
	}
	if joined.OpponentHash == nil || *joined.OpponentHash == "" {
		t.Fatal("opponent hash not set")
	}

	for _, id := range []string{a.ID, b.ID} {
		s, _ := env.Engine.Repo.GetSquadron(env.Ctx, id)
		if !s.Locked || s.CurrentBattleID == nil || *s.CurrentBattleID != battle.ID {
			t.Fatalf("squadron %s not locked to battle", id)
		}
	}
}

func TestJoinBattleMutualExclusion(t *testing.T) {
	env := newTestEnv(t)
	env.seedAsset(t, "a1", power.Snapshot{Army: 30})
	a := env.mustSquadron(t, "alice", "alpha", "a1")
	battle, err := env.Engine.CreateBattle(env.Ctx, engine.BattleCreateOptions{
		CreatorID:  "alice",
		SquadronID: a.ID,
		CombatType: "military",
	})
	if err != nil {
		t.Fatalf("create battle: %v", err)
	}

	const joiners = 5
	squadrons := make([]domain.Squadron, joiners)
	owners := make([]string, joiners)
	for i := 0; i < joiners; i++ {
		owners[i] = "joiner-" + string(rune('a'+i))
		assetID := "asset-" + string(rune('a'+i))
		env.seedAsset(t, assetID, power.Snapshot{Army: 10})
		squadrons[i] = env.mustSquadron(t, owners[i], "squad-"+owners[i], assetID)
	}

	var wg sync.WaitGroup
	errs := make([]error, joiners)
	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.JoinBattle(env.Ctx, battle.ID, owners[i], squadrons[i].ID)
		}(i)
	}
	wg.Wait()

	wins := 0
	for i, err := range errs {
		switch domain.KindOf(err) {
		case "":
			if err != nil {
				t.Fatalf("joiner %d unexpected error: %v", i, err)
			}
			wins++
		case domain.KindConflict, domain.KindBattleNotOpen:
		default:
			t.Fatalf("joiner %d unexpected kind: %v", i, err)
		}
	}
	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}

	b, _ := env.Engine.Repo.GetBattle(env.Ctx, battle.ID)
	if b.Status != domain.BattleInProgress || b.OpponentSquadronID == nil {
		t.Fatalf("battle = %s opponent=%v", b.Status, b.OpponentSquadronID)
	}
	lockedCount := 0
	for _, s := range squadrons {
		cur, _ := env.Engine.Repo.GetSquadron(env.Ctx, s.ID)
		if cur.Locked {
			lockedCount++
			if cur.ID != *b.OpponentSquadronID {
				t.Fatalf("losing squadron %s left locked", cur.ID)
			}
		}
	}
	if lockedCount != 1 {
		t.Fatalf("locked joiners = %d, want 1", lockedCount)
	}
}

func TestCancelOpenBattleUnlocks(t *testing.T) {
	env := newTestEnv(t)
	env.seedAsset(t, "a1", power.Snapshot{Army: 30})
	a := env.mustSquadron(t, "alice", "alpha", "a1")
	battle, err := env.Engine.CreateBattle(env.Ctx, engine.BattleCreateOptions{
		CreatorID:  "alice",
		SquadronID: a.ID,
		CombatType: "military",
	})
	if err != nil {
		t.Fatalf("create battle: %v", err)
	}

	if _, err := env.Engine.CancelBattle(env.Ctx, battle.ID, "bob"); domain.KindOf(err) != domain.KindNotOwner {
		t.Fatalf("non-creator cancel: got %v", err)
	}
	cancelled, err := env.Engine.CancelBattle(env.Ctx, battle.ID, "alice")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.BattleCancelled {
		t.Fatalf("status = %s", cancelled.Status)
	}
	s, _ := env.Engine.Repo.GetSquadron(env.Ctx, a.ID)
	if s.Locked || s.CurrentBattleID != nil {
		t.Fatal("creator squadron still locked after cancel")
	}

	// Terminal states absorb.
	if _, err := env.Engine.CancelBattle(env.Ctx, battle.ID, "alice"); domain.KindOf(err) != domain.KindBattleNotOpen {
		t.Fatalf("cancel terminal: got %v", err)
	}
}

func TestRecordMoveGuards(t *testing.T) {
	env := newTestEnv(t)
	a, b := env.twoSquadrons(t)
	battle, _ := env.Engine.CreateBattle(env.Ctx, engine.BattleCreateOptions{
		CreatorID:  "alice",
		SquadronID: a.ID,
		CombatType: "military",
	})

	if _, err := env.Engine.RecordMove(env.Ctx, battle.ID, "alice", "charge", "low"); domain.KindOf(err) != domain.KindBattleNotInProgress {
		t.Fatalf("move on open battle: got %v", err)
	}

	if _, err := env.Engine.JoinBattle(env.Ctx, battle.ID, "bob", b.ID); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := env.Engine.RecordMove(env.Ctx, battle.ID, "carol", "charge", "low"); domain.KindOf(err) != domain.KindNotParticipant {
		t.Fatalf("outsider move: got %v", err)
	}
	if _, err := env.Engine.RecordMove(env.Ctx, battle.ID, "alice", "charge", "extreme"); domain.KindOf(err) != domain.KindInvalidInput {
		t.Fatalf("unknown tier: got %v", err)
	}

	move, err := env.Engine.RecordMove(env.Ctx, battle.ID, "alice", "charge", "low")
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if move.Round != 1 {
		t.Fatalf("round = %d, want 1", move.Round)
	}
	// Roll pinned at 0.5 makes a low-tier move (p=0.8) succeed.
	if !move.Success || move.PowerChange != 10 {
		t.Fatalf("outcome = %v %+d", move.Success, move.PowerChange)
	}

	if _, err := env.Engine.RecordMove(env.Ctx, battle.ID, "alice", "again", "low"); domain.KindOf(err) != domain.KindConflict {
		t.Fatalf("double move in round: got %v", err)
	}
	if _, err := env.Engine.RecordMove(env.Ctx, battle.ID, "bob", "hold", "low"); err != nil {
		t.Fatalf("opponent move: %v", err)
	}
	// Round 1 complete; creator may act again.
	move2, err := env.Engine.RecordMove(env.Ctx, battle.ID, "alice", "press", "low")
	if err != nil {
		t.Fatalf("round 2 move: %v", err)
	}
	if move2.Round != 2 {
		t.Fatalf("round = %d, want 2", move2.Round)
	}
}

func TestTamperingFailsIntegrity(t *testing.T) {
	env := newTestEnv(t)
	a, b := env.twoSquadrons(t)
	battle, _ := env.Engine.CreateBattle(env.Ctx, engine.BattleCreateOptions{
		CreatorID:  "alice",
		SquadronID: a.ID,
		CombatType: "military",
	})
	if _, err := env.Engine.JoinBattle(env.Ctx, battle.ID, "bob", b.ID); err != nil {
		t.Fatalf("join: %v", err)
	}

	// Mutate the roster behind the lock, simulating tampering.
	if _, err := env.Engine.DB.Exec(`UPDATE roster_members SET army=army+100 WHERE squadron_id=?`, a.ID); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	if _, err := env.Engine.RecordMove(env.Ctx, battle.ID, "alice", "charge", "low"); domain.KindOf(err) != domain.KindIntegrityFailure {
		t.Fatalf("tampered move: got %v", err)
	}
	if _, err := env.Engine.FinalizeBattle(env.Ctx, battle.ID, "bob"); domain.KindOf(err) != domain.KindIntegrityFailure {
		t.Fatalf("tampered finalize: got %v", err)
	}
}

func TestJoinRejectsTamperedCreatorRoster(t *testing.T) {
	env := newTestEnv(t)
	a, b := env.twoSquadrons(t)
	battle, err := env.Engine.CreateBattle(env.Ctx, engine.BattleCreateOptions{
		CreatorID:  "alice",
		SquadronID: a.ID,
		CombatType: "military",
	})
	if err != nil {
		t.Fatalf("create battle: %v", err)
	}

	// Mutate the creator roster between creation and join.
	if _, err := env.Engine.DB.Exec(`UPDATE roster_members SET army=army+500 WHERE squadron_id=?`, a.ID); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	if _, err := env.Engine.JoinBattle(env.Ctx, battle.ID, "bob", b.ID); domain.KindOf(err) != domain.KindIntegrityFailure {
		t.Fatalf("tampered join: got %v", err)
	}

	// The rollback leaves the battle open and the joiner unlocked.
	cur, _ := env.Engine.Repo.GetBattle(env.Ctx, battle.ID)
	if cur.Status != domain.BattleOpen || cur.OpponentSquadronID != nil {
		t.Fatalf("battle = %s opponent=%v after refused join", cur.Status, cur.OpponentSquadronID)
	}
	s, _ := env.Engine.Repo.GetSquadron(env.Ctx, b.ID)
	if s.Locked {
		t.Fatal("joiner squadron left locked after refused join")
	}
}

// closeOnResolveGateway completes the battle while a move is being resolved,
// reproducing a finalize that lands during a slow arbitration call.
type closeOnResolveGateway struct {
	env      *testEnv
	battleID string
	closer   string
}

func (g closeOnResolveGateway) NarrateScene(context.Context, oracle.SceneContext) (string, error) {
	return "", errors.New("no narration")
}

func (g closeOnResolveGateway) ResolveMove(_ context.Context, mc oracle.MoveContext) (oracle.MoveOutcome, error) {
	if _, err := g.env.Engine.CompleteBattle(g.env.Ctx, g.battleID, g.closer); err != nil {
		return oracle.MoveOutcome{}, err
	}
	return oracle.MoveOutcome{Success: true, PowerChange: mc.Magnitude, Narration: "resolved"}, nil
}

func (g closeOnResolveGateway) DecideWinner(context.Context, oracle.DecisionContext) (oracle.Decision, error) {
	return oracle.Decision{}, errors.New("no decision")
}

func TestMoveRefusedWhenBattleClosesDuringResolution(t *testing.T) {
	env := newTestEnv(t)
	a, b := env.twoSquadrons(t)
	battle, err := env.Engine.CreateBattle(env.Ctx, engine.BattleCreateOptions{
		CreatorID:  "alice",
		SquadronID: a.ID,
		CombatType: "military",
	})
	if err != nil {
		t.Fatalf("create battle: %v", err)
	}
	if _, err := env.Engine.JoinBattle(env.Ctx, battle.ID, "bob", b.ID); err != nil {
		t.Fatalf("join: %v", err)
	}

	env.Engine.Oracle = closeOnResolveGateway{env: env, battleID: battle.ID, closer: "bob"}
	if _, err := env.Engine.RecordMove(env.Ctx, battle.ID, "alice", "charge", "low"); domain.KindOf(err) != domain.KindBattleNotInProgress {
		t.Fatalf("move into closed battle: got %v", err)
	}

	moves, err := env.Engine.Repo.ListMoves(env.Ctx, battle.ID)
	if err != nil {
		t.Fatalf("list moves: %v", err)
	}
	if len(moves) != 0 {
		t.Fatalf("moves = %d, want none appended to a completed battle", len(moves))
	}
}

func TestFullBattleScenario(t *testing.T) {
	env := newTestEnv(t)
	a, b := env.twoSquadrons(t) // alpha total 100, bravo total 80

	battle, err := env.Engine.CreateBattle(env.Ctx, engine.BattleCreateOptions{
		CreatorID:              "alice",
		SquadronID:             a.ID,
		CombatType:             "military",
		RequiredSpecialization: "army",
	})
	if err != nil {
		t.Fatalf("create battle: %v", err)
	}
	if _, err := env.Engine.JoinBattle(env.Ctx, battle.ID, "bob", b.ID); err != nil {
		t.Fatalf("join: %v", err)
	}

	for round := 0; round < 3; round++ {
		if _, err := env.Engine.RecordMove(env.Ctx, battle.ID, "alice", "advance", "low"); err != nil {
			t.Fatalf("alice round %d: %v", round+1, err)
		}
		if _, err := env.Engine.RecordMove(env.Ctx, battle.ID, "bob", "defend", "low"); err != nil {
			t.Fatalf("bob round %d: %v", round+1, err)
		}
	}
	moves, err := env.Engine.Repo.ListMoves(env.Ctx, battle.ID)
	if err != nil || len(moves) != 6 {
		t.Fatalf("moves = %d (%v), want 6", len(moves), err)
	}
	if moves[5].Round != 3 {
		t.Fatalf("last round = %d, want 3", moves[5].Round)
	}

	final, err := env.Engine.FinalizeBattle(env.Ctx, battle.ID, "alice")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if final.Status != domain.BattleCompleted {
		t.Fatalf("status = %s", final.Status)
	}
	// Alpha: base 100 + specialization/affinity bonuses beats bravo's 80.
	if final.WinnerSquadronID == nil || *final.WinnerSquadronID != a.ID {
		t.Fatalf("winner = %v, want %s", final.WinnerSquadronID, a.ID)
	}
	if final.OracleDecided {
		t.Fatal("fallback decision flagged as oracle-decided")
	}

	for _, id := range []string{a.ID, b.ID} {
		s, _ := env.Engine.Repo.GetSquadron(env.Ctx, id)
		if s.Locked {
			t.Fatalf("squadron %s still locked after finalize", id)
		}
	}

	// A completed battle refuses further moves.
	if _, err := env.Engine.RecordMove(env.Ctx, battle.ID, "alice", "late", "low"); domain.KindOf(err) != domain.KindBattleNotInProgress {
		t.Fatalf("move after finalize: got %v", err)
	}
}

func TestVsAdversaryBattle(t *testing.T) {
	env := newTestEnv(t)
	env.seedAsset(t, "a1", power.Snapshot{Army: 40, Class: "warrior", Specialization: "army"})
	a := env.mustSquadron(t, "alice", "alpha", "a1")

	battle, err := env.Engine.CreateBattle(env.Ctx, engine.BattleCreateOptions{
		CreatorID:   "alice",
		SquadronID:  a.ID,
		CombatType:  "military",
		VsAdversary: true,
	})
	if err != nil {
		t.Fatalf("create battle: %v", err)
	}
	if battle.Status != domain.BattleInProgress {
		t.Fatalf("status = %s, want in_progress", battle.Status)
	}
	if battle.OpponentID == nil || *battle.OpponentID != domain.AdversaryID {
		t.Fatalf("opponent = %v", battle.OpponentID)
	}
	if battle.OpponentSquadronID != nil || battle.OpponentHash != nil {
		t.Fatal("adversary battle must not carry an opponent squadron or hash")
	}

	if _, err := env.Engine.RecordMove(env.Ctx, battle.ID, "alice", "strike", "medium"); err != nil {
		t.Fatalf("move: %v", err)
	}
	moves, _ := env.Engine.Repo.ListMoves(env.Ctx, battle.ID)
	if len(moves) != 2 {
		t.Fatalf("moves = %d, want player + adversary counter", len(moves))
	}
	if moves[1].ActorID != domain.AdversaryID || moves[1].Round != 1 {
		t.Fatalf("counter move = %s round %d", moves[1].ActorID, moves[1].Round)
	}

	final, err := env.Engine.FinalizeBattle(env.Ctx, battle.ID, "alice")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if final.Status != domain.BattleCompleted || final.WinnerSquadronID == nil {
		t.Fatalf("final = %s winner=%v", final.Status, final.WinnerSquadronID)
	}
	s, _ := env.Engine.Repo.GetSquadron(env.Ctx, a.ID)
	if s.Locked {
		t.Fatal("squadron still locked after adversary battle")
	}
}

func TestExpireOpenBattles(t *testing.T) {
	env := newTestEnv(t)
	env.seedAsset(t, "a1", power.Snapshot{Army: 30})
	a := env.mustSquadron(t, "alice", "alpha", "a1")
	battle, err := env.Engine.CreateBattle(env.Ctx, engine.BattleCreateOptions{
		CreatorID:  "alice",
		SquadronID: a.ID,
		CombatType: "military",
	})
	if err != nil {
		t.Fatalf("create battle: %v", err)
	}

	// Not yet expired.
	n, err := env.Engine.ExpireOpenBattles(env.Ctx)
	if err != nil || n != 0 {
		t.Fatalf("early sweep: n=%d err=%v", n, err)
	}

	env.Engine.Now = func() time.Time { return time.Date(2026, 1, 2, 1, 0, 0, 0, time.UTC) }
	n, err = env.Engine.ExpireOpenBattles(env.Ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep: n=%d err=%v", n, err)
	}
	b, _ := env.Engine.Repo.GetBattle(env.Ctx, battle.ID)
	if b.Status != domain.BattleExpired {
		t.Fatalf("status = %s, want expired", b.Status)
	}
	s, _ := env.Engine.Repo.GetSquadron(env.Ctx, a.ID)
	if s.Locked {
		t.Fatal("squadron still locked after expiry")
	}
}

func TestCompleteBattleIdempotentUnlock(t *testing.T) {
	env := newTestEnv(t)
	a, b := env.twoSquadrons(t)
	battle, _ := env.Engine.CreateBattle(env.Ctx, engine.BattleCreateOptions{
		CreatorID:  "alice",
		SquadronID: a.ID,
		CombatType: "social",
	})
	if _, err := env.Engine.JoinBattle(env.Ctx, battle.ID, "bob", b.ID); err != nil {
		t.Fatalf("join: %v", err)
	}

	if _, err := env.Engine.CompleteBattle(env.Ctx, battle.ID, "carol"); domain.KindOf(err) != domain.KindNotParticipant {
		t.Fatalf("outsider complete: got %v", err)
	}
	done, err := env.Engine.CompleteBattle(env.Ctx, battle.ID, "bob")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != domain.BattleCompleted || done.CompletedAt == nil {
		t.Fatalf("final = %+v", done.Status)
	}
	for _, id := range []string{a.ID, b.ID} {
		s, _ := env.Engine.Repo.GetSquadron(env.Ctx, id)
		if s.Locked {
			t.Fatalf("squadron %s still locked", id)
		}
	}
	if _, err := env.Engine.CompleteBattle(env.Ctx, battle.ID, "alice"); domain.KindOf(err) != domain.KindBattleNotInProgress {
		t.Fatalf("double complete: got %v", err)
	}
}
