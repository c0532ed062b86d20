package repo

import (
	"context"
	"database/sql"
	"errors"

	"skirmish/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const squadronCols = `id,owner_id,name,type,capacity,member_count,army_power,religion_power,civilization_power,economic_power,total_power,locked,current_battle_id,created_at,updated_at`

func scanSquadron(row *sql.Row) (domain.Squadron, error) {
	var s domain.Squadron
	var battleID sql.NullString
	err := row.Scan(&s.ID, &s.OwnerID, &s.Name, &s.Type, &s.Capacity, &s.MemberCount,
		&s.ArmyPower, &s.ReligionPower, &s.CivilizationPower, &s.EconomicPower, &s.TotalPower,
		&s.Locked, &battleID, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if battleID.Valid {
		s.CurrentBattleID = &battleID.String
	}
	return s, err
}

func (r Repo) InsertSquadronTx(ctx context.Context, tx *sql.Tx, s domain.Squadron) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO squadrons(`+squadronCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.OwnerID, s.Name, s.Type, s.Capacity, s.MemberCount,
		s.ArmyPower, s.ReligionPower, s.CivilizationPower, s.EconomicPower, s.TotalPower,
		s.Locked, nullablePtr(s.CurrentBattleID), s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) GetSquadron(ctx context.Context, id string) (domain.Squadron, error) {
	return scanSquadron(r.DB.QueryRowContext(ctx, `SELECT `+squadronCols+` FROM squadrons WHERE id=?`, id))
}

func (r Repo) GetSquadronTx(ctx context.Context, tx *sql.Tx, id string) (domain.Squadron, error) {
	return scanSquadron(tx.QueryRowContext(ctx, `SELECT `+squadronCols+` FROM squadrons WHERE id=?`, id))
}

func (r Repo) ListSquadrons(ctx context.Context, ownerID string) ([]domain.Squadron, error) {
	query := `SELECT ` + squadronCols + ` FROM squadrons ORDER BY created_at DESC`
	args := []any{}
	if ownerID != "" {
		query = `SELECT ` + squadronCols + ` FROM squadrons WHERE owner_id=? ORDER BY created_at DESC`
		args = append(args, ownerID)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Squadron
	for rows.Next() {
		var s domain.Squadron
		var battleID sql.NullString
		if err := rows.Scan(&s.ID, &s.OwnerID, &s.Name, &s.Type, &s.Capacity, &s.MemberCount,
			&s.ArmyPower, &s.ReligionPower, &s.CivilizationPower, &s.EconomicPower, &s.TotalPower,
			&s.Locked, &battleID, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		if battleID.Valid {
			s.CurrentBattleID = &battleID.String
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// UpdateSquadronAggregatesTx rewrites the derived power totals and member
// count after a roster change.
func (r Repo) UpdateSquadronAggregatesTx(ctx context.Context, tx *sql.Tx, s domain.Squadron) error {
	res, err := tx.ExecContext(ctx, `UPDATE squadrons SET member_count=?,army_power=?,religion_power=?,civilization_power=?,economic_power=?,total_power=?,updated_at=? WHERE id=?`,
		s.MemberCount, s.ArmyPower, s.ReligionPower, s.CivilizationPower, s.EconomicPower, s.TotalPower, s.UpdatedAt, s.ID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteSquadronTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM squadrons WHERE id=?`, id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// LockSquadronTx acquires the battle lock. The WHERE clause is the guard:
// zero rows means the squadron was already locked (or missing) and the caller
// must treat the acquisition as failed.
func (r Repo) LockSquadronTx(ctx context.Context, tx *sql.Tx, squadronID, battleID, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE squadrons SET locked=1,current_battle_id=?,updated_at=? WHERE id=? AND locked=0`,
		battleID, now, squadronID)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected == 1, nil
}

// UnlockSquadronTx releases the battle lock. Idempotent: unlocking an already
// unlocked squadron is a no-op, not an error.
func (r Repo) UnlockSquadronTx(ctx context.Context, tx *sql.Tx, squadronID, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE squadrons SET locked=0,current_battle_id=NULL,updated_at=? WHERE id=? AND locked=1`,
		now, squadronID)
	return err
}

// AssertLockedForBattleTx verifies a squadron still holds the lock for the
// given battle.
func (r Repo) AssertLockedForBattleTx(ctx context.Context, tx *sql.Tx, squadronID, battleID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM squadrons WHERE id=? AND locked=1 AND current_battle_id=?`, squadronID, battleID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

const memberCols = `squadron_id,asset_id,role,class,specialization,army,religion,civilization,economic,added_at`

func (r Repo) InsertRosterMemberTx(ctx context.Context, tx *sql.Tx, m domain.RosterMember) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO roster_members(`+memberCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		m.SquadronID, m.AssetID, m.Role, m.Class, m.Specialization,
		m.Army, m.Religion, m.Civilization, m.Economic, m.AddedAt)
	return err
}

func (r Repo) DeleteRosterMemberTx(ctx context.Context, tx *sql.Tx, squadronID, assetID string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM roster_members WHERE squadron_id=? AND asset_id=?`, squadronID, assetID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetRosterMember(ctx context.Context, squadronID, assetID string) (domain.RosterMember, error) {
	var m domain.RosterMember
	err := r.DB.QueryRowContext(ctx, `SELECT `+memberCols+` FROM roster_members WHERE squadron_id=? AND asset_id=?`, squadronID, assetID).
		Scan(&m.SquadronID, &m.AssetID, &m.Role, &m.Class, &m.Specialization,
			&m.Army, &m.Religion, &m.Civilization, &m.Economic, &m.AddedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	return m, err
}

func (r Repo) ListRosterMembers(ctx context.Context, squadronID string) ([]domain.RosterMember, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+memberCols+` FROM roster_members WHERE squadron_id=? ORDER BY asset_id`, squadronID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMembers(rows)
}

func collectMembers(rows *sql.Rows) ([]domain.RosterMember, error) {
	var res []domain.RosterMember
	for rows.Next() {
		var m domain.RosterMember
		if err := rows.Scan(&m.SquadronID, &m.AssetID, &m.Role, &m.Class, &m.Specialization,
			&m.Army, &m.Religion, &m.Civilization, &m.Economic, &m.AddedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// AssetAssignedTx reports whether an asset already sits on any roster.
func (r Repo) AssetAssignedTx(ctx context.Context, tx *sql.Tx, assetID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM roster_members WHERE asset_id=?`, assetID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) LatestEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,entity_kind,COALESCE(entity_id,'') AS entity_id,actor_id,payload_json FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (r Repo) EventsAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,entity_kind,COALESCE(entity_id,'') AS entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	return id.Int64, nil
}

func collectEvents(rows *sql.Rows) ([]domain.Event, error) {
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
