package repo

import (
	"context"
	"database/sql"

	"skirmish/internal/domain"
)

const battleCols = `id,battle_type,combat_type,COALESCE(terrain,'') AS terrain,wager,time_limit_minutes,COALESCE(required_specialization,'') AS required_specialization,COALESCE(partner_collection_id,'') AS partner_collection_id,partner_min_count,vs_adversary,creator_id,opponent_id,creator_squadron_id,opponent_squadron_id,creator_hash,opponent_hash,COALESCE(narrative,'') AS narrative,status,winner_squadron_id,COALESCE(decision_reason,'') AS decision_reason,oracle_decided,created_at,started_at,completed_at,expires_at`

type battleScanner interface {
	Scan(dest ...any) error
}

func scanBattle(row battleScanner) (domain.Battle, error) {
	var b domain.Battle
	var wager, timeLimit sql.NullInt64
	var opponentID, opponentSquadron, opponentHash, winner, startedAt, completedAt sql.NullString
	err := row.Scan(&b.ID, &b.BattleType, &b.CombatType, &b.Terrain, &wager, &timeLimit,
		&b.RequiredSpecialization, &b.PartnerCollectionID, &b.PartnerMinCount, &b.VsAdversary,
		&b.CreatorID, &opponentID, &b.CreatorSquadronID, &opponentSquadron,
		&b.CreatorHash, &opponentHash, &b.Narrative, &b.Status,
		&winner, &b.DecisionReason, &b.OracleDecided,
		&b.CreatedAt, &startedAt, &completedAt, &b.ExpiresAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	if wager.Valid {
		v := int(wager.Int64)
		b.Wager = &v
	}
	if timeLimit.Valid {
		v := int(timeLimit.Int64)
		b.TimeLimitMinutes = &v
	}
	if opponentID.Valid {
		b.OpponentID = &opponentID.String
	}
	if opponentSquadron.Valid {
		b.OpponentSquadronID = &opponentSquadron.String
	}
	if opponentHash.Valid {
		b.OpponentHash = &opponentHash.String
	}
	if winner.Valid {
		b.WinnerSquadronID = &winner.String
	}
	if startedAt.Valid {
		b.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		b.CompletedAt = &completedAt.String
	}
	return b, nil
}

func (r Repo) InsertBattleTx(ctx context.Context, tx *sql.Tx, b domain.Battle) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO battles(id,battle_type,combat_type,terrain,wager,time_limit_minutes,required_specialization,partner_collection_id,partner_min_count,vs_adversary,creator_id,opponent_id,creator_squadron_id,opponent_squadron_id,creator_hash,opponent_hash,narrative,status,winner_squadron_id,decision_reason,oracle_decided,created_at,started_at,completed_at,expires_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.BattleType, b.CombatType, nullable(b.Terrain), nullableInt(b.Wager), nullableInt(b.TimeLimitMinutes),
		nullable(b.RequiredSpecialization), nullable(b.PartnerCollectionID), b.PartnerMinCount, b.VsAdversary,
		b.CreatorID, nullablePtr(b.OpponentID), b.CreatorSquadronID, nullablePtr(b.OpponentSquadronID),
		b.CreatorHash, nullablePtr(b.OpponentHash), nullable(b.Narrative), b.Status,
		nullablePtr(b.WinnerSquadronID), nullable(b.DecisionReason), b.OracleDecided,
		b.CreatedAt, nullablePtr(b.StartedAt), nullablePtr(b.CompletedAt), b.ExpiresAt)
	return err
}

func (r Repo) GetBattle(ctx context.Context, id string) (domain.Battle, error) {
	return scanBattle(r.DB.QueryRowContext(ctx, `SELECT `+battleCols+` FROM battles WHERE id=?`, id))
}

func (r Repo) GetBattleTx(ctx context.Context, tx *sql.Tx, id string) (domain.Battle, error) {
	return scanBattle(tx.QueryRowContext(ctx, `SELECT `+battleCols+` FROM battles WHERE id=?`, id))
}

func (r Repo) ListBattles(ctx context.Context, status, actorID string) ([]domain.Battle, error) {
	query := `SELECT ` + battleCols + ` FROM battles`
	var (
		where []string
		args  []any
	)
	if status != "" {
		where = append(where, `status=?`)
		args = append(args, status)
	}
	if actorID != "" {
		where = append(where, `(creator_id=? OR opponent_id=?)`)
		args = append(args, actorID, actorID)
	}
	for i, w := range where {
		if i == 0 {
			query += ` WHERE ` + w
		} else {
			query += ` AND ` + w
		}
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Battle
	for rows.Next() {
		b, err := scanBattle(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// AttachOpponentTx is the join compare-and-set: it only fires while the
// battle is still open with no opponent. Zero rows means someone else won the
// race (or the battle left the open state) and the join must fail.
func (r Repo) AttachOpponentTx(ctx context.Context, tx *sql.Tx, battleID, opponentID, opponentSquadronID, opponentHash, startedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE battles SET opponent_id=?,opponent_squadron_id=?,opponent_hash=?,status=?,started_at=? WHERE id=? AND status=? AND opponent_squadron_id IS NULL`,
		opponentID, opponentSquadronID, opponentHash, domain.BattleInProgress, startedAt, battleID, domain.BattleOpen)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected == 1, nil
}

// CloseBattleTx moves a battle from an expected status to a terminal one.
// Zero rows means the battle was not in the expected status.
func (r Repo) CloseBattleTx(ctx context.Context, tx *sql.Tx, battleID, fromStatus, toStatus, completedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE battles SET status=?,completed_at=? WHERE id=? AND status=?`,
		toStatus, completedAt, battleID, fromStatus)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected == 1, nil
}

// SetBattleResultTx records the finalization verdict alongside the completed
// transition.
func (r Repo) SetBattleResultTx(ctx context.Context, tx *sql.Tx, battleID, winnerSquadronID, reason string, oracleDecided bool, completedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE battles SET status=?,winner_squadron_id=?,decision_reason=?,oracle_decided=?,completed_at=? WHERE id=? AND status=?`,
		domain.BattleCompleted, nullable(winnerSquadronID), reason, oracleDecided, completedAt, battleID, domain.BattleInProgress)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected == 1, nil
}

const moveCols = `id,battle_id,round,actor_id,COALESCE(squadron_id,'') AS squadron_id,action,risk_tier,success,power_change,COALESCE(narration,'') AS narration,created_at`

func (r Repo) InsertMoveTx(ctx context.Context, tx *sql.Tx, m domain.BattleMove) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO battle_moves(battle_id,round,actor_id,squadron_id,action,risk_tier,success,power_change,narration,created_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		m.BattleID, m.Round, m.ActorID, nullable(m.SquadronID), m.Action, m.RiskTier, m.Success, m.PowerChange, nullable(m.Narration), m.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListMoves(ctx context.Context, battleID string) ([]domain.BattleMove, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+moveCols+` FROM battle_moves WHERE battle_id=? ORDER BY id ASC`, battleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BattleMove
	for rows.Next() {
		var m domain.BattleMove
		if err := rows.Scan(&m.ID, &m.BattleID, &m.Round, &m.ActorID, &m.SquadronID, &m.Action, &m.RiskTier, &m.Success, &m.PowerChange, &m.Narration, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) CountMoves(ctx context.Context, battleID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM battle_moves WHERE battle_id=?`, battleID).Scan(&n)
	return n, err
}

// HasMoveInRoundTx reports whether an actor already moved in a round. The
// UNIQUE(battle_id,round,actor_id) index backs this up at commit time.
func (r Repo) HasMoveInRoundTx(ctx context.Context, tx *sql.Tx, battleID string, round int, actorID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM battle_moves WHERE battle_id=? AND round=? AND actor_id=?`, battleID, round, actorID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SumPowerChanges returns the net move delta per squadron for a battle.
func (r Repo) SumPowerChanges(ctx context.Context, battleID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT COALESCE(squadron_id,''),SUM(power_change) FROM battle_moves WHERE battle_id=? GROUP BY squadron_id`, battleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var squadronID string
		var sum int
		if err := rows.Scan(&squadronID, &sum); err != nil {
			return nil, err
		}
		res[squadronID] = sum
	}
	return res, rows.Err()
}

// ListExpiredOpenBattles returns open battles whose expiry has passed.
func (r Repo) ListExpiredOpenBattles(ctx context.Context, now string) ([]domain.Battle, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+battleCols+` FROM battles WHERE status=? AND expires_at<=? ORDER BY expires_at ASC`, domain.BattleOpen, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Battle
	for rows.Next() {
		b, err := scanBattle(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}
