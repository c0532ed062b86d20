package engine

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"skirmish/internal/domain"
	"skirmish/internal/events"
	"skirmish/internal/notify"
	"skirmish/internal/oracle"
	"skirmish/internal/repo"
)

// BattleCreateOptions are parameters for opening a battle.
type BattleCreateOptions struct {
	CreatorID              string
	SquadronID             string
	BattleType             string // solo | group
	CombatType             string // military | religious | social | economic
	Terrain                string
	Wager                  *int
	TimeLimitMinutes       *int
	RequiredSpecialization string
	PartnerCollectionID    string
	PartnerMinCount        int
	VsAdversary            bool
	Narrative              string
}

// CreateBattle validates the creator squadron, computes its integrity hash,
// and in one transaction locks the squadron and inserts the battle. A
// rollback releases the lock, so no failure path leaves a squadron locked
// without a battle. Vs-adversary battles start in_progress immediately.
func (e Engine) CreateBattle(ctx context.Context, opts BattleCreateOptions) (domain.Battle, error) {
	if opts.BattleType == "" {
		opts.BattleType = "solo"
	}
	if opts.BattleType != "solo" && opts.BattleType != "group" {
		return domain.Battle{}, domain.E(domain.KindInvalidInput, "battle type %q is not solo or group", opts.BattleType)
	}
	if !combatTypeValid(opts.CombatType) {
		return domain.Battle{}, domain.E(domain.KindInvalidInput, "combat type %q is not recognized", opts.CombatType)
	}
	if opts.RequiredSpecialization != "" {
		switch opts.RequiredSpecialization {
		case "army", "religion", "civilization", "economic":
		default:
			return domain.Battle{}, domain.E(domain.KindInvalidInput, "required specialization %q is not recognized", opts.RequiredSpecialization)
		}
	}
	if opts.Wager != nil && *opts.Wager < 0 {
		return domain.Battle{}, domain.E(domain.KindInvalidInput, "wager cannot be negative")
	}

	s, err := e.Repo.GetSquadron(ctx, opts.SquadronID)
	if err == repo.ErrNotFound {
		return domain.Battle{}, domain.E(domain.KindInvalidInput, "squadron %s not found", opts.SquadronID)
	}
	if err != nil {
		return domain.Battle{}, err
	}
	if s.OwnerID != opts.CreatorID {
		return domain.Battle{}, domain.E(domain.KindNotOwner, "squadron %s is not owned by %s", opts.SquadronID, opts.CreatorID)
	}
	if s.Locked {
		return domain.Battle{}, domain.E(domain.KindSquadronLocked, "squadron %s is already locked in a battle", opts.SquadronID)
	}
	if err := e.checkRosterSize(s.MemberCount, opts.BattleType); err != nil {
		return domain.Battle{}, err
	}
	if err := e.checkEligibility(ctx, opts.CreatorID, opts.PartnerCollectionID, opts.PartnerMinCount); err != nil {
		return domain.Battle{}, err
	}

	now := e.now().UTC()
	nowTS := now.Format(time.RFC3339)
	b := domain.Battle{
		ID:                     uuid.NewString(),
		BattleType:             opts.BattleType,
		CombatType:             opts.CombatType,
		Terrain:                opts.Terrain,
		Wager:                  opts.Wager,
		TimeLimitMinutes:       opts.TimeLimitMinutes,
		RequiredSpecialization: opts.RequiredSpecialization,
		PartnerCollectionID:    opts.PartnerCollectionID,
		PartnerMinCount:        opts.PartnerMinCount,
		VsAdversary:            opts.VsAdversary,
		CreatorID:              opts.CreatorID,
		CreatorSquadronID:      opts.SquadronID,
		Narrative:              opts.Narrative,
		Status:                 domain.BattleOpen,
		CreatedAt:              nowTS,
		ExpiresAt:              now.Add(time.Duration(e.Config.Game.BattleExpiryHours) * time.Hour).Format(time.RFC3339),
	}
	if opts.VsAdversary {
		adversary := domain.AdversaryID
		b.OpponentID = &adversary
		b.Status = domain.BattleInProgress
		b.StartedAt = &nowTS
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Battle{}, err
	}
	defer tx.Rollback()

	locked, err := e.Repo.LockSquadronTx(ctx, tx, opts.SquadronID, b.ID, nowTS)
	if err != nil {
		return domain.Battle{}, err
	}
	if !locked {
		return domain.Battle{}, domain.E(domain.KindSquadronLocked, "squadron %s is already locked in a battle", opts.SquadronID)
	}
	// Hash the locked state so the commitment covers exactly what was locked.
	hash, err := e.Verifier.ComputeHashTx(ctx, tx, opts.SquadronID)
	if err != nil {
		return domain.Battle{}, err
	}
	b.CreatorHash = hash
	if err := e.Repo.InsertBattleTx(ctx, tx, b); err != nil {
		return domain.Battle{}, err
	}
	if err := e.Events.Append(ctx, tx, "battle.created", "battle", b.ID, opts.CreatorID, events.EventPayload{
		"combat_type": b.CombatType, "battle_type": b.BattleType, "vs_adversary": b.VsAdversary, "status": b.Status,
	}); err != nil {
		return domain.Battle{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Battle{}, err
	}

	if b.VsAdversary {
		scene := e.narrateScene(ctx, oracle.SceneContext{
			BattleID:      b.ID,
			CombatType:    b.CombatType,
			Terrain:       b.Terrain,
			Narrative:     b.Narrative,
			CreatorName:   s.Name,
			OpponentName:  domain.AdversaryID,
			CreatorPower:  s.TotalPower,
			OpponentPower: s.TotalPower,
		})
		e.notifyAsync(notify.Notification{
			Kind:        "battle.started",
			BattleID:    b.ID,
			RecipientID: b.CreatorID,
			Message:     scene,
		})
	}
	return b, nil
}

// JoinBattle attaches an opponent squadron to an open battle. The transition
// is a compare-and-set: the battle must still be open with no opponent, the
// joiner must still be unlocked, and the creator squadron must still hold its
// lock for this battle. The creator's stored hash is re-verified against a
// live recomputation inside the same transaction, so a roster tampered with
// between creation and join is caught before the battle starts. Any guard
// failing rolls the whole join back.
func (e Engine) JoinBattle(ctx context.Context, battleID, opponentID, opponentSquadronID string) (domain.Battle, error) {
	b, err := e.Repo.GetBattle(ctx, battleID)
	if err == repo.ErrNotFound {
		return domain.Battle{}, domain.E(domain.KindInvalidInput, "battle %s not found", battleID)
	}
	if err != nil {
		return domain.Battle{}, err
	}
	if b.Status != domain.BattleOpen {
		return domain.Battle{}, domain.E(domain.KindBattleNotOpen, "battle %s is %s", battleID, b.Status)
	}
	if b.CreatorID == opponentID {
		return domain.Battle{}, domain.E(domain.KindSelfJoin, "cannot join your own battle")
	}

	s, err := e.Repo.GetSquadron(ctx, opponentSquadronID)
	if err == repo.ErrNotFound {
		return domain.Battle{}, domain.E(domain.KindInvalidInput, "squadron %s not found", opponentSquadronID)
	}
	if err != nil {
		return domain.Battle{}, err
	}
	if s.OwnerID != opponentID {
		return domain.Battle{}, domain.E(domain.KindNotOwner, "squadron %s is not owned by %s", opponentSquadronID, opponentID)
	}
	if s.Locked {
		return domain.Battle{}, domain.E(domain.KindSquadronLocked, "squadron %s is already locked in a battle", opponentSquadronID)
	}
	if err := e.checkRosterSize(s.MemberCount, b.BattleType); err != nil {
		return domain.Battle{}, err
	}
	if err := e.checkEligibility(ctx, opponentID, b.PartnerCollectionID, b.PartnerMinCount); err != nil {
		return domain.Battle{}, err
	}

	nowTS := e.ts()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Battle{}, err
	}
	defer tx.Rollback()

	locked, err := e.Repo.LockSquadronTx(ctx, tx, opponentSquadronID, battleID, nowTS)
	if err != nil {
		return domain.Battle{}, err
	}
	if !locked {
		return domain.Battle{}, domain.E(domain.KindConflict, "squadron %s was locked by a concurrent battle", opponentSquadronID)
	}
	hash, err := e.Verifier.ComputeHashTx(ctx, tx, opponentSquadronID)
	if err != nil {
		return domain.Battle{}, err
	}
	creatorHash, err := e.Verifier.ComputeHashTx(ctx, tx, b.CreatorSquadronID)
	if err != nil {
		return domain.Battle{}, err
	}
	if creatorHash != b.CreatorHash {
		return domain.Battle{}, domain.E(domain.KindIntegrityFailure, "creator squadron %s was modified after lock", b.CreatorSquadronID)
	}
	attached, err := e.Repo.AttachOpponentTx(ctx, tx, battleID, opponentID, opponentSquadronID, hash, nowTS)
	if err != nil {
		return domain.Battle{}, err
	}
	if !attached {
		// Someone else joined first or the battle left the open state.
		cur, err := e.Repo.GetBattleTx(ctx, tx, battleID)
		if err == nil && cur.Status != domain.BattleOpen {
			return domain.Battle{}, domain.E(domain.KindBattleNotOpen, "battle %s is %s", battleID, cur.Status)
		}
		return domain.Battle{}, domain.E(domain.KindConflict, "battle %s was joined by another squadron", battleID)
	}
	creatorHeld, err := e.Repo.AssertLockedForBattleTx(ctx, tx, b.CreatorSquadronID, battleID)
	if err != nil {
		return domain.Battle{}, err
	}
	if !creatorHeld {
		return domain.Battle{}, domain.E(domain.KindConflict, "creator squadron no longer holds the battle lock")
	}
	if err := e.Events.Append(ctx, tx, "battle.joined", "battle", battleID, opponentID, events.EventPayload{
		"opponent_squadron_id": opponentSquadronID,
	}); err != nil {
		return domain.Battle{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Battle{}, err
	}

	joined, err := e.Repo.GetBattle(ctx, battleID)
	if err != nil {
		return domain.Battle{}, err
	}
	creatorSquadron, err := e.Repo.GetSquadron(ctx, b.CreatorSquadronID)
	if err == nil {
		scene := e.narrateScene(ctx, oracle.SceneContext{
			BattleID:      battleID,
			CombatType:    b.CombatType,
			Terrain:       b.Terrain,
			Narrative:     b.Narrative,
			CreatorName:   creatorSquadron.Name,
			OpponentName:  s.Name,
			CreatorPower:  creatorSquadron.TotalPower,
			OpponentPower: s.TotalPower,
		})
		e.notifyAsync(notify.Notification{
			Kind:        "battle.started",
			BattleID:    battleID,
			RecipientID: b.CreatorID,
			Message:     scene,
		})
	}
	return joined, nil
}

// CompleteBattle ends an in_progress battle by mutual agreement, without a
// verdict. Both squadron references are unlocked unconditionally; the unlock
// is idempotent and null-safe.
func (e Engine) CompleteBattle(ctx context.Context, battleID, requesterID string) (domain.Battle, error) {
	b, err := e.Repo.GetBattle(ctx, battleID)
	if err == repo.ErrNotFound {
		return domain.Battle{}, domain.E(domain.KindInvalidInput, "battle %s not found", battleID)
	}
	if err != nil {
		return domain.Battle{}, err
	}
	if !e.isParticipant(b, requesterID) {
		return domain.Battle{}, domain.E(domain.KindNotParticipant, "%s is not a participant of battle %s", requesterID, battleID)
	}
	if b.Status != domain.BattleInProgress {
		return domain.Battle{}, domain.E(domain.KindBattleNotInProgress, "battle %s is %s", battleID, b.Status)
	}
	return e.closeBattle(ctx, b, domain.BattleInProgress, domain.BattleCompleted, requesterID)
}

// CancelBattle withdraws a still-open battle. Only the creator may cancel.
func (e Engine) CancelBattle(ctx context.Context, battleID, requesterID string) (domain.Battle, error) {
	b, err := e.Repo.GetBattle(ctx, battleID)
	if err == repo.ErrNotFound {
		return domain.Battle{}, domain.E(domain.KindInvalidInput, "battle %s not found", battleID)
	}
	if err != nil {
		return domain.Battle{}, err
	}
	if b.CreatorID != requesterID {
		return domain.Battle{}, domain.E(domain.KindNotOwner, "only the creator can cancel battle %s", battleID)
	}
	if b.Status != domain.BattleOpen {
		return domain.Battle{}, domain.E(domain.KindBattleNotOpen, "battle %s is %s", battleID, b.Status)
	}
	return e.closeBattle(ctx, b, domain.BattleOpen, domain.BattleCancelled, requesterID)
}

func (e Engine) closeBattle(ctx context.Context, b domain.Battle, fromStatus, toStatus, actorID string) (domain.Battle, error) {
	nowTS := e.ts()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Battle{}, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.CloseBattleTx(ctx, tx, b.ID, fromStatus, toStatus, nowTS)
	if err != nil {
		return domain.Battle{}, err
	}
	if !ok {
		return domain.Battle{}, domain.E(domain.KindConflict, "battle %s changed state concurrently", b.ID)
	}
	if err := e.unlockBothTx(ctx, tx, b, nowTS); err != nil {
		return domain.Battle{}, err
	}
	if err := e.Events.Append(ctx, tx, "battle."+toStatus, "battle", b.ID, actorID, nil); err != nil {
		return domain.Battle{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Battle{}, err
	}

	closed, err := e.Repo.GetBattle(ctx, b.ID)
	if err != nil {
		return domain.Battle{}, err
	}
	for _, recipient := range e.participants(b) {
		e.notifyAsync(notify.Notification{
			Kind:        "battle." + toStatus,
			BattleID:    b.ID,
			RecipientID: recipient,
			Message:     fmt.Sprintf("battle %s is %s", b.ID, toStatus),
		})
	}
	return closed, nil
}

// unlockBothTx releases both squadron references. Safe to call when a
// reference is null or the squadron is already unlocked.
func (e Engine) unlockBothTx(ctx context.Context, tx *sql.Tx, b domain.Battle, nowTS string) error {
	if b.CreatorSquadronID != "" {
		if err := e.Repo.UnlockSquadronTx(ctx, tx, b.CreatorSquadronID, nowTS); err != nil {
			return err
		}
	}
	if b.OpponentSquadronID != nil {
		if err := e.Repo.UnlockSquadronTx(ctx, tx, *b.OpponentSquadronID, nowTS); err != nil {
			return err
		}
	}
	return nil
}

// ExpireOpenBattles moves overdue open battles to expired and releases their
// creator locks. Called by the server sweep and the sk sweep command. Returns
// the number of battles expired.
func (e Engine) ExpireOpenBattles(ctx context.Context) (int, error) {
	nowTS := e.ts()
	battles, err := e.Repo.ListExpiredOpenBattles(ctx, nowTS)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, b := range battles {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return expired, err
		}
		ok, err := e.Repo.CloseBattleTx(ctx, tx, b.ID, domain.BattleOpen, domain.BattleExpired, nowTS)
		if err == nil && ok {
			err = e.unlockBothTx(ctx, tx, b, nowTS)
		}
		if err == nil && ok {
			err = e.Events.Append(ctx, tx, "battle.expired", "battle", b.ID, "system", nil)
		}
		if err != nil {
			tx.Rollback()
			return expired, err
		}
		if !ok {
			tx.Rollback()
			continue
		}
		if err := tx.Commit(); err != nil {
			return expired, err
		}
		expired++
	}
	if expired > 0 {
		log.Printf("sweep: expired %d open battle(s)", expired)
	}
	return expired, nil
}

func (e Engine) isParticipant(b domain.Battle, actorID string) bool {
	if actorID == b.CreatorID {
		return true
	}
	return b.OpponentID != nil && *b.OpponentID == actorID
}

func (e Engine) participants(b domain.Battle) []string {
	res := []string{b.CreatorID}
	if b.OpponentID != nil && *b.OpponentID != domain.AdversaryID {
		res = append(res, *b.OpponentID)
	}
	return res
}

func (e Engine) checkRosterSize(memberCount int, battleType string) error {
	if memberCount == 0 {
		return domain.E(domain.KindInvalidInput, "squadron roster is empty")
	}
	if battleType == "group" && memberCount < 2 {
		return domain.E(domain.KindInvalidInput, "group battles require at least 2 roster members")
	}
	return nil
}

func (e Engine) checkEligibility(ctx context.Context, actorID, collectionID string, minCount int) error {
	if collectionID == "" {
		return nil
	}
	if e.Eligibility == nil {
		return fmt.Errorf("eligibility checker not configured")
	}
	count, err := e.Eligibility.HolderCount(ctx, actorID, collectionID)
	if err != nil {
		return fmt.Errorf("eligibility lookup for %s: %w", strings.TrimSpace(collectionID), err)
	}
	if count < minCount {
		return domain.E(domain.KindInvalidInput, "actor %s holds %d of collection %s, %d required", actorID, count, collectionID, minCount)
	}
	return nil
}
