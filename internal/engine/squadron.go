package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"skirmish/internal/domain"
	"skirmish/internal/events"
	"skirmish/internal/repo"
)

// CreateSquadron registers an empty squadron owned by the caller. Capacity
// comes from config.
func (e Engine) CreateSquadron(ctx context.Context, ownerID, name, squadronType string) (domain.Squadron, error) {
	if strings.TrimSpace(ownerID) == "" {
		return domain.Squadron{}, domain.E(domain.KindInvalidInput, "owner id is required")
	}
	if strings.TrimSpace(name) == "" {
		return domain.Squadron{}, domain.E(domain.KindInvalidInput, "squadron name is required")
	}
	if squadronType == "" {
		squadronType = "standard"
	}
	now := e.ts()
	s := domain.Squadron{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Name:      name,
		Type:      squadronType,
		Capacity:  e.Config.Game.SquadronCapacity,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Squadron{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertSquadronTx(ctx, tx, s); err != nil {
		return domain.Squadron{}, err
	}
	if err := e.Events.Append(ctx, tx, "squadron.created", "squadron", s.ID, ownerID, events.EventPayload{"name": name, "capacity": s.Capacity}); err != nil {
		return domain.Squadron{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Squadron{}, err
	}
	return s, nil
}

// AddMember assigns an asset to a squadron roster. The power snapshot is
// copied from the attribute store at this moment and frozen; the squadron
// aggregates are updated in the same transaction so totals never drift from
// the roster.
func (e Engine) AddMember(ctx context.Context, squadronID, assetID, role, actorID string) (domain.RosterMember, error) {
	if strings.TrimSpace(assetID) == "" {
		return domain.RosterMember{}, domain.E(domain.KindInvalidInput, "asset id is required")
	}
	s, err := e.Repo.GetSquadron(ctx, squadronID)
	if err == repo.ErrNotFound {
		return domain.RosterMember{}, domain.E(domain.KindInvalidInput, "squadron %s not found", squadronID)
	}
	if err != nil {
		return domain.RosterMember{}, err
	}
	if s.OwnerID != actorID {
		return domain.RosterMember{}, domain.E(domain.KindNotOwner, "squadron %s is not owned by %s", squadronID, actorID)
	}

	snap, err := e.Attrs.GetPowerSnapshot(ctx, assetID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.RosterMember{}, domain.E(domain.KindPowerDataUnavailable, "no power data for asset %s", assetID)
	}
	if err != nil {
		return domain.RosterMember{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RosterMember{}, err
	}
	defer tx.Rollback()

	// Re-read under the transaction: lock state and counts must be current.
	s, err = e.Repo.GetSquadronTx(ctx, tx, squadronID)
	if err != nil {
		return domain.RosterMember{}, err
	}
	if s.Locked {
		return domain.RosterMember{}, domain.E(domain.KindSquadronLocked, "squadron %s is locked in a battle", squadronID)
	}
	if s.MemberCount >= s.Capacity {
		return domain.RosterMember{}, domain.E(domain.KindCapacityExceeded, "squadron %s is at capacity %d", squadronID, s.Capacity)
	}
	assigned, err := e.Repo.AssetAssignedTx(ctx, tx, assetID)
	if err != nil {
		return domain.RosterMember{}, err
	}
	if assigned {
		return domain.RosterMember{}, domain.E(domain.KindAssetAlreadyAssigned, "asset %s is already on a roster", assetID)
	}

	now := e.ts()
	m := domain.RosterMember{
		SquadronID:     squadronID,
		AssetID:        assetID,
		Role:           role,
		Class:          snap.Class,
		Specialization: snap.Specialization,
		Army:           snap.Army,
		Religion:       snap.Religion,
		Civilization:   snap.Civilization,
		Economic:       snap.Economic,
		AddedAt:        now,
	}
	if err := e.Repo.InsertRosterMemberTx(ctx, tx, m); err != nil {
		return domain.RosterMember{}, err
	}

	s.MemberCount++
	s.ArmyPower += snap.Army
	s.ReligionPower += snap.Religion
	s.CivilizationPower += snap.Civilization
	s.EconomicPower += snap.Economic
	s.TotalPower += snap.Total()
	s.UpdatedAt = now
	if err := e.Repo.UpdateSquadronAggregatesTx(ctx, tx, s); err != nil {
		return domain.RosterMember{}, err
	}
	if err := e.Events.Append(ctx, tx, "squadron.member.added", "squadron", squadronID, actorID, events.EventPayload{"asset_id": assetID, "total_power": s.TotalPower}); err != nil {
		return domain.RosterMember{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.RosterMember{}, err
	}
	return m, nil
}

// RemoveMember takes an asset off the roster and subtracts its frozen
// snapshot from the aggregates.
func (e Engine) RemoveMember(ctx context.Context, squadronID, assetID, actorID string) error {
	s, err := e.Repo.GetSquadron(ctx, squadronID)
	if err == repo.ErrNotFound {
		return domain.E(domain.KindInvalidInput, "squadron %s not found", squadronID)
	}
	if err != nil {
		return err
	}
	if s.OwnerID != actorID {
		return domain.E(domain.KindNotOwner, "squadron %s is not owned by %s", squadronID, actorID)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	s, err = e.Repo.GetSquadronTx(ctx, tx, squadronID)
	if err != nil {
		return err
	}
	if s.Locked {
		return domain.E(domain.KindSquadronLocked, "squadron %s is locked in a battle", squadronID)
	}
	m, err := e.Repo.GetRosterMember(ctx, squadronID, assetID)
	if err == repo.ErrNotFound {
		return domain.E(domain.KindInvalidInput, "asset %s is not on squadron %s", assetID, squadronID)
	}
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteRosterMemberTx(ctx, tx, squadronID, assetID); err != nil {
		return err
	}

	now := e.ts()
	s.MemberCount--
	s.ArmyPower -= m.Army
	s.ReligionPower -= m.Religion
	s.CivilizationPower -= m.Civilization
	s.EconomicPower -= m.Economic
	s.TotalPower -= m.Army + m.Religion + m.Civilization + m.Economic
	s.UpdatedAt = now
	if err := e.Repo.UpdateSquadronAggregatesTx(ctx, tx, s); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "squadron.member.removed", "squadron", squadronID, actorID, events.EventPayload{"asset_id": assetID, "total_power": s.TotalPower}); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteSquadron removes a squadron and its roster. Locked squadrons cannot
// be deleted.
func (e Engine) DeleteSquadron(ctx context.Context, squadronID, actorID string) error {
	s, err := e.Repo.GetSquadron(ctx, squadronID)
	if err == repo.ErrNotFound {
		return domain.E(domain.KindInvalidInput, "squadron %s not found", squadronID)
	}
	if err != nil {
		return err
	}
	if s.OwnerID != actorID {
		return domain.E(domain.KindNotOwner, "squadron %s is not owned by %s", squadronID, actorID)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	s, err = e.Repo.GetSquadronTx(ctx, tx, squadronID)
	if err != nil {
		return err
	}
	if s.Locked {
		return domain.E(domain.KindSquadronLocked, "squadron %s is locked in a battle", squadronID)
	}
	if err := e.Repo.DeleteSquadronTx(ctx, tx, squadronID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "squadron.deleted", "squadron", squadronID, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}
