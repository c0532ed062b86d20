package engine

import (
	"context"
	"fmt"
	"strings"

	"skirmish/internal/domain"
	"skirmish/internal/events"
	"skirmish/internal/notify"
	"skirmish/internal/oracle"
	"skirmish/internal/repo"
)

// RecordMove appends one move to an in_progress battle. Both stored squadron
// hashes are re-verified against live recomputation on every move, not just
// at join time; a mismatch means the roster was tampered with after lock and
// the move is refused. The gateway resolves the outcome outside any
// transaction; the result lands in a short follow-up transaction. For
// vs-adversary battles the adversary's counter-move is recorded immediately
// after the player's.
func (e Engine) RecordMove(ctx context.Context, battleID, actorID, action, riskTier string) (domain.BattleMove, error) {
	if strings.TrimSpace(action) == "" {
		return domain.BattleMove{}, domain.E(domain.KindInvalidInput, "action is required")
	}
	tier, ok := e.Config.Tier(riskTier)
	if !ok {
		return domain.BattleMove{}, domain.E(domain.KindInvalidInput, "risk tier %q is not configured", riskTier)
	}

	b, err := e.Repo.GetBattle(ctx, battleID)
	if err == repo.ErrNotFound {
		return domain.BattleMove{}, domain.E(domain.KindInvalidInput, "battle %s not found", battleID)
	}
	if err != nil {
		return domain.BattleMove{}, err
	}
	if b.Status != domain.BattleInProgress {
		return domain.BattleMove{}, domain.E(domain.KindBattleNotInProgress, "battle %s is %s", battleID, b.Status)
	}
	if !e.isParticipant(b, actorID) || actorID == domain.AdversaryID {
		return domain.BattleMove{}, domain.E(domain.KindNotParticipant, "%s is not a participant of battle %s", actorID, battleID)
	}
	if err := e.verifyHashes(ctx, b); err != nil {
		return domain.BattleMove{}, err
	}

	count, err := e.Repo.CountMoves(ctx, battleID)
	if err != nil {
		return domain.BattleMove{}, err
	}
	round := count/e.Config.Game.ActorsPerRound + 1
	if e.Config.Game.MaxRounds > 0 && round > e.Config.Game.MaxRounds {
		return domain.BattleMove{}, domain.E(domain.KindBattleNotInProgress, "battle %s reached its round limit", battleID)
	}

	outcome, _ := e.resolveMove(ctx, oracle.MoveContext{
		BattleID:           battleID,
		Round:              round,
		ActorID:            actorID,
		Action:             action,
		RiskTier:           riskTier,
		SuccessProbability: tier.SuccessProbability,
		Magnitude:          tier.Magnitude,
		CombatType:         b.CombatType,
		Terrain:            b.Terrain,
	})

	move := domain.BattleMove{
		BattleID:    battleID,
		Round:       round,
		ActorID:     actorID,
		SquadronID:  e.actorSquadron(b, actorID),
		Action:      action,
		RiskTier:    riskTier,
		Success:     outcome.Success,
		PowerChange: outcome.PowerChange,
		Narration:   outcome.Narration,
		CreatedAt:   e.ts(),
	}
	move, err = e.insertMove(ctx, move)
	if err != nil {
		return domain.BattleMove{}, err
	}

	if b.VsAdversary {
		if err := e.recordAdversaryMove(ctx, b, move); err != nil {
			return move, err
		}
	}
	return move, nil
}

// insertMove writes the resolved move and its event in one short
// transaction. The battle status is re-checked under the transaction because
// the gateway call between the pre-check and this write can outlast a
// concurrent finalize or complete. The UNIQUE(battle_id,round,actor_id)
// index is the final guard against a double move in the same round.
func (e Engine) insertMove(ctx context.Context, move domain.BattleMove) (domain.BattleMove, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.BattleMove{}, err
	}
	defer tx.Rollback()

	cur, err := e.Repo.GetBattleTx(ctx, tx, move.BattleID)
	if err != nil {
		return domain.BattleMove{}, err
	}
	if cur.Status != domain.BattleInProgress {
		return domain.BattleMove{}, domain.E(domain.KindBattleNotInProgress, "battle %s is %s", move.BattleID, cur.Status)
	}
	moved, err := e.Repo.HasMoveInRoundTx(ctx, tx, move.BattleID, move.Round, move.ActorID)
	if err != nil {
		return domain.BattleMove{}, err
	}
	if moved {
		return domain.BattleMove{}, domain.E(domain.KindConflict, "%s already moved in round %d", move.ActorID, move.Round)
	}
	id, err := e.Repo.InsertMoveTx(ctx, tx, move)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return domain.BattleMove{}, domain.E(domain.KindConflict, "%s already moved in round %d", move.ActorID, move.Round)
		}
		return domain.BattleMove{}, err
	}
	move.ID = id
	if err := e.Events.Append(ctx, tx, "battle.move.recorded", "battle", move.BattleID, move.ActorID, events.EventPayload{
		"round": move.Round, "success": move.Success, "power_change": move.PowerChange,
	}); err != nil {
		return domain.BattleMove{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.BattleMove{}, err
	}
	return move, nil
}

// recordAdversaryMove plays the automated opponent's answer to a player
// move, through the same resolution path. It lands in the same round.
func (e Engine) recordAdversaryMove(ctx context.Context, b domain.Battle, playerMove domain.BattleMove) error {
	tier, ok := e.Config.Tier(playerMove.RiskTier)
	if !ok {
		return fmt.Errorf("risk tier %q vanished from config", playerMove.RiskTier)
	}
	outcome, _ := e.resolveMove(ctx, oracle.MoveContext{
		BattleID:           b.ID,
		Round:              playerMove.Round,
		ActorID:            domain.AdversaryID,
		Action:             "counter " + playerMove.Action,
		RiskTier:           playerMove.RiskTier,
		SuccessProbability: tier.SuccessProbability,
		Magnitude:          tier.Magnitude,
		CombatType:         b.CombatType,
		Terrain:            b.Terrain,
	})
	_, err := e.insertMove(ctx, domain.BattleMove{
		BattleID:    b.ID,
		Round:       playerMove.Round,
		ActorID:     domain.AdversaryID,
		Action:      "counter " + playerMove.Action,
		RiskTier:    playerMove.RiskTier,
		Success:     outcome.Success,
		PowerChange: outcome.PowerChange,
		Narration:   outcome.Narration,
		CreatedAt:   e.ts(),
	})
	return err
}

// FinalizeBattle aggregates adjusted totals per side, asks the gateway for a
// winner with the deterministic fallback behind it, and completes the battle
// while unlocking both squadrons. Adjusted total = frozen base aggregates +
// battle-scoped bonuses + net move deltas.
func (e Engine) FinalizeBattle(ctx context.Context, battleID, requesterID string) (domain.Battle, error) {
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
	if err := e.verifyHashes(ctx, b); err != nil {
		return domain.Battle{}, err
	}

	creatorPower, err := e.sidePower(ctx, b.CreatorSquadronID, b)
	if err != nil {
		return domain.Battle{}, err
	}
	deltas, err := e.Repo.SumPowerChanges(ctx, battleID)
	if err != nil {
		return domain.Battle{}, err
	}
	creatorPower += deltas[b.CreatorSquadronID]

	var opponentPower int
	opponentSquadronID := ""
	if b.OpponentSquadronID != nil {
		opponentSquadronID = *b.OpponentSquadronID
		opponentPower, err = e.sidePower(ctx, opponentSquadronID, b)
		if err != nil {
			return domain.Battle{}, err
		}
		opponentPower += deltas[opponentSquadronID]
	} else if b.VsAdversary {
		// The adversary mirrors the creator's base and lives off its move deltas.
		base, err := e.Repo.GetSquadron(ctx, b.CreatorSquadronID)
		if err != nil {
			return domain.Battle{}, err
		}
		opponentSquadronID = domain.AdversaryID
		opponentPower = base.TotalPower + deltas[""]
	}

	moves, err := e.Repo.ListMoves(ctx, battleID)
	if err != nil {
		return domain.Battle{}, err
	}
	summaries := make([]string, 0, len(moves))
	firstMover := ""
	for i, m := range moves {
		if i == 0 {
			firstMover = m.SquadronID
			if firstMover == "" {
				firstMover = opponentSquadronID
			}
		}
		summaries = append(summaries, fmt.Sprintf("round %d, %s: %s (%+d)", m.Round, m.ActorID, m.Action, m.PowerChange))
	}

	decision, oracleDecided := e.decideWinner(ctx, oracle.DecisionContext{
		BattleID:             battleID,
		CombatType:           b.CombatType,
		CreatorSquadronID:    b.CreatorSquadronID,
		OpponentSquadronID:   opponentSquadronID,
		CreatorPower:         creatorPower,
		OpponentPower:        opponentPower,
		FirstMoverSquadronID: firstMover,
		MoveSummaries:        summaries,
	})

	nowTS := e.ts()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Battle{}, err
	}
	defer tx.Rollback()

	ok, err := e.Repo.SetBattleResultTx(ctx, tx, battleID, decision.WinnerSquadronID, decision.Reasoning, oracleDecided, nowTS)
	if err != nil {
		return domain.Battle{}, err
	}
	if !ok {
		return domain.Battle{}, domain.E(domain.KindConflict, "battle %s changed state concurrently", battleID)
	}
	if err := e.unlockBothTx(ctx, tx, b, nowTS); err != nil {
		return domain.Battle{}, err
	}
	if err := e.Events.Append(ctx, tx, "battle.finalized", "battle", battleID, requesterID, events.EventPayload{
		"winner_squadron_id": decision.WinnerSquadronID,
		"creator_power":      creatorPower,
		"opponent_power":     opponentPower,
		"oracle_decided":     oracleDecided,
	}); err != nil {
		return domain.Battle{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Battle{}, err
	}

	final, err := e.Repo.GetBattle(ctx, battleID)
	if err != nil {
		return domain.Battle{}, err
	}
	for _, recipient := range e.participants(b) {
		e.notifyAsync(notify.Notification{
			Kind:             "battle.finalized",
			BattleID:         battleID,
			RecipientID:      recipient,
			Message:          decision.Reasoning,
			WinnerSquadronID: decision.WinnerSquadronID,
		})
	}
	return final, nil
}

// verifyHashes recomputes both squadron digests against the commitments taken
// at lock time. Vs-adversary battles have only the creator commitment.
func (e Engine) verifyHashes(ctx context.Context, b domain.Battle) error {
	ok, err := e.Verifier.Verify(ctx, b.CreatorSquadronID, b.CreatorHash)
	if err != nil {
		return err
	}
	if !ok {
		return domain.E(domain.KindIntegrityFailure, "creator squadron %s was modified after lock", b.CreatorSquadronID)
	}
	if b.OpponentSquadronID != nil && b.OpponentHash != nil {
		ok, err := e.Verifier.Verify(ctx, *b.OpponentSquadronID, *b.OpponentHash)
		if err != nil {
			return err
		}
		if !ok {
			return domain.E(domain.KindIntegrityFailure, "opponent squadron %s was modified after lock", *b.OpponentSquadronID)
		}
	}
	return nil
}

// sidePower is the side's frozen base total plus battle-scoped bonuses
// recomputed from the member snapshots.
func (e Engine) sidePower(ctx context.Context, squadronID string, b domain.Battle) (int, error) {
	s, err := e.Repo.GetSquadron(ctx, squadronID)
	if err != nil {
		return 0, err
	}
	members, err := e.Repo.ListRosterMembers(ctx, squadronID)
	if err != nil {
		return 0, err
	}
	bonus := e.rules().SquadronBonus(memberSnapshots(members), b.RequiredSpecialization, b.CombatType)
	return s.TotalPower + bonus.Total(), nil
}

func (e Engine) actorSquadron(b domain.Battle, actorID string) string {
	if actorID == b.CreatorID {
		return b.CreatorSquadronID
	}
	if b.OpponentSquadronID != nil {
		return *b.OpponentSquadronID
	}
	return ""
}
