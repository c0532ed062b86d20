package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"skirmish/internal/config"
	"skirmish/internal/db"
	"skirmish/internal/domain"
	"skirmish/internal/engine"
	"skirmish/internal/migrate"
	"skirmish/internal/power"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Roll = func() float64 { return 0.5 }
	return &testEnv{Engine: eng, Ctx: context.Background()}
}

func (env *testEnv) seedAsset(t *testing.T, assetID string, s power.Snapshot) {
	t.Helper()
	if err := env.Engine.Repo.UpsertAssetAttributes(env.Ctx, assetID, s); err != nil {
		t.Fatalf("seed asset %s: %v", assetID, err)
	}
}

func (env *testEnv) mustSquadron(t *testing.T, owner, name string, assets ...string) domain.Squadron {
	t.Helper()
	s, err := env.Engine.CreateSquadron(env.Ctx, owner, name, "standard")
	if err != nil {
		t.Fatalf("create squadron %s: %v", name, err)
	}
	for _, assetID := range assets {
		if _, err := env.Engine.AddMember(env.Ctx, s.ID, assetID, "fighter", owner); err != nil {
			t.Fatalf("add member %s: %v", assetID, err)
		}
	}
	s, err = env.Engine.Repo.GetSquadron(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("reload squadron: %v", err)
	}
	return s
}

func TestAddMemberUpdatesAggregates(t *testing.T) {
	env := newTestEnv(t)
	env.seedAsset(t, "a1", power.Snapshot{Army: 30, Religion: 10, Civilization: 5, Economic: 5, Class: "warrior", Specialization: "army"})
	env.seedAsset(t, "a2", power.Snapshot{Army: 20, Religion: 15, Civilization: 10, Economic: 5, Class: "priest", Specialization: "religion"})

	s := env.mustSquadron(t, "alice", "first", "a1", "a2")
	if s.MemberCount != 2 {
		t.Fatalf("member count = %d, want 2", s.MemberCount)
	}
	if s.ArmyPower != 50 || s.ReligionPower != 25 || s.CivilizationPower != 15 || s.EconomicPower != 10 {
		t.Fatalf("aggregates = %d/%d/%d/%d", s.ArmyPower, s.ReligionPower, s.CivilizationPower, s.EconomicPower)
	}
	if s.TotalPower != 100 {
		t.Fatalf("total power = %d, want 100", s.TotalPower)
	}

	if err := env.Engine.RemoveMember(env.Ctx, s.ID, "a1", "alice"); err != nil {
		t.Fatalf("remove member: %v", err)
	}
	s, _ = env.Engine.Repo.GetSquadron(env.Ctx, s.ID)
	if s.MemberCount != 1 || s.TotalPower != 50 {
		t.Fatalf("after remove: count=%d total=%d", s.MemberCount, s.TotalPower)
	}
}

func TestAddMemberRejections(t *testing.T) {
	env := newTestEnv(t)
	env.seedAsset(t, "a1", power.Snapshot{Army: 10})
	s := env.mustSquadron(t, "alice", "first", "a1")

	if _, err := env.Engine.AddMember(env.Ctx, s.ID, "a1", "fighter", "bob"); domain.KindOf(err) != domain.KindNotOwner {
		t.Fatalf("foreign owner: got %v", err)
	}
	if _, err := env.Engine.AddMember(env.Ctx, s.ID, "ghost", "fighter", "alice"); domain.KindOf(err) != domain.KindPowerDataUnavailable {
		t.Fatalf("unknown asset: got %v", err)
	}

	other := env.mustSquadron(t, "alice", "second")
	if _, err := env.Engine.AddMember(env.Ctx, other.ID, "a1", "fighter", "alice"); domain.KindOf(err) != domain.KindAssetAlreadyAssigned {
		t.Fatalf("duplicate assignment: got %v", err)
	}
}

type unreachableAttrs struct{ err error }

func (u unreachableAttrs) GetPowerSnapshot(context.Context, string) (power.Snapshot, error) {
	return power.Snapshot{}, u.err
}

func TestAddMemberStorageErrorNotMasked(t *testing.T) {
	env := newTestEnv(t)
	s := env.mustSquadron(t, "alice", "first")
	storeErr := errors.New("attribute store offline")
	env.Engine.Attrs = unreachableAttrs{err: storeErr}

	_, err := env.Engine.AddMember(env.Ctx, s.ID, "a1", "fighter", "alice")
	if !errors.Is(err, storeErr) {
		t.Fatalf("err = %v, want the store error surfaced", err)
	}
	if domain.KindOf(err) == domain.KindPowerDataUnavailable {
		t.Fatal("storage failure reported as missing power data")
	}
}

func TestCapacityExceeded(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default()
	cfg.Game.SquadronCapacity = 1
	env.Engine.Config = cfg

	env.seedAsset(t, "a1", power.Snapshot{Army: 10})
	env.seedAsset(t, "a2", power.Snapshot{Army: 10})
	s := env.mustSquadron(t, "alice", "tiny", "a1")
	if _, err := env.Engine.AddMember(env.Ctx, s.ID, "a2", "fighter", "alice"); domain.KindOf(err) != domain.KindCapacityExceeded {
		t.Fatalf("over capacity: got %v", err)
	}
}

func TestHashStableAcrossReadsAndSensitiveToRoster(t *testing.T) {
	env := newTestEnv(t)
	env.seedAsset(t, "a1", power.Snapshot{Army: 30, Class: "warrior"})
	env.seedAsset(t, "a2", power.Snapshot{Religion: 20, Class: "priest"})
	s := env.mustSquadron(t, "alice", "first", "a1")

	h1, err := env.Engine.Verifier.ComputeHash(env.Ctx, s.ID)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, _ := env.Engine.Verifier.ComputeHash(env.Ctx, s.ID)
	if h1 != h2 {
		t.Fatalf("hash not stable: %s vs %s", h1, h2)
	}

	if _, err := env.Engine.AddMember(env.Ctx, s.ID, "a2", "support", "alice"); err != nil {
		t.Fatalf("add member: %v", err)
	}
	h3, _ := env.Engine.Verifier.ComputeHash(env.Ctx, s.ID)
	if h3 == h1 {
		t.Fatal("hash unchanged after roster mutation")
	}

	ok, err := env.Engine.Verifier.Verify(env.Ctx, s.ID, h1)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatal("verify accepted a stale hash")
	}
}

func TestLockedSquadronRejectsRosterMutation(t *testing.T) {
	env := newTestEnv(t)
	env.seedAsset(t, "a1", power.Snapshot{Army: 30})
	env.seedAsset(t, "a2", power.Snapshot{Army: 20})
	s := env.mustSquadron(t, "alice", "first", "a1")

	if _, err := env.Engine.CreateBattle(env.Ctx, engine.BattleCreateOptions{
		CreatorID:  "alice",
		SquadronID: s.ID,
		CombatType: "military",
	}); err != nil {
		t.Fatalf("create battle: %v", err)
	}

	if _, err := env.Engine.AddMember(env.Ctx, s.ID, "a2", "fighter", "alice"); domain.KindOf(err) != domain.KindSquadronLocked {
		t.Fatalf("add to locked: got %v", err)
	}
	if err := env.Engine.RemoveMember(env.Ctx, s.ID, "a1", "alice"); domain.KindOf(err) != domain.KindSquadronLocked {
		t.Fatalf("remove from locked: got %v", err)
	}
	if err := env.Engine.DeleteSquadron(env.Ctx, s.ID, "alice"); domain.KindOf(err) != domain.KindSquadronLocked {
		t.Fatalf("delete locked: got %v", err)
	}
}

func TestBonusRules(t *testing.T) {
	rules := power.Rules{SpecializationPercent: 20, CivilizationToReligionPercent: 15, ClassAffinityPercent: 10}

	// Matching specialization boosts its own component.
	b := rules.Compute(power.Snapshot{Army: 100, Specialization: "army"}, "army", "social")
	if b.Army != 20 || b.Total() != 20 {
		t.Fatalf("specialization bonus = %+v", b)
	}

	// Civilization aids religious combat.
	b = rules.Compute(power.Snapshot{Civilization: 40}, "", "religious")
	if b.Religion != 6 {
		t.Fatalf("civ-to-religion bonus = %+v", b)
	}

	// Class affinity boosts the combat type's component.
	b = rules.Compute(power.Snapshot{Army: 50, Class: "warrior"}, "", "military")
	if b.Army != 5 {
		t.Fatalf("affinity bonus = %+v", b)
	}

	// All three can stack.
	b = rules.Compute(power.Snapshot{Religion: 100, Civilization: 40, Class: "priest", Specialization: "religion"}, "religion", "religious")
	if b.Religion != 20+6+10 {
		t.Fatalf("stacked bonus = %+v", b)
	}

	// No matches, no bonus.
	b = rules.Compute(power.Snapshot{Army: 100, Class: "scholar", Specialization: "economic"}, "army", "military")
	if b.Total() != 0 {
		t.Fatalf("unexpected bonus = %+v", b)
	}
}
