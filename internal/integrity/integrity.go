package integrity

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"lukechampine.com/blake3"
)

// Verifier computes a deterministic digest of a squadron's persisted state.
// The hash is always recomputed from storage, never from caller-supplied
// payloads, so clients cannot vouch for their own rosters. Volatile fields
// (timestamps, lock state) are deliberately excluded so re-reads during the
// same roster state are stable.
type Verifier struct {
	DB *sql.DB
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// canonicalSquadron is serialized with encoding/json; struct fields marshal
// in declaration order, which fixes the key ordering.
type canonicalSquadron struct {
	ID           string            `json:"id"`
	OwnerID      string            `json:"owner_id"`
	Army         int               `json:"army"`
	Religion     int               `json:"religion"`
	Civilization int               `json:"civilization"`
	Economic     int               `json:"economic"`
	Total        int               `json:"total"`
	MemberCount  int               `json:"member_count"`
	Members      []canonicalMember `json:"members"`
}

type canonicalMember struct {
	AssetID        string `json:"asset_id"`
	Role           string `json:"role"`
	Class          string `json:"class"`
	Specialization string `json:"specialization"`
	Army           int    `json:"army"`
	Religion       int    `json:"religion"`
	Civilization   int    `json:"civilization"`
	Economic       int    `json:"economic"`
}

// ComputeHash reads the squadron row and its roster from the store and
// returns the hex BLAKE3 digest of the canonical encoding.
func (v Verifier) ComputeHash(ctx context.Context, squadronID string) (string, error) {
	return computeHash(ctx, v.DB, squadronID)
}

// ComputeHashTx is ComputeHash inside an open transaction, for callers that
// need the digest to reflect uncommitted writes.
func (v Verifier) ComputeHashTx(ctx context.Context, tx *sql.Tx, squadronID string) (string, error) {
	return computeHash(ctx, tx, squadronID)
}

// Verify recomputes the hash and compares. A mismatch returns false, never an
// error; callers decide policy.
func (v Verifier) Verify(ctx context.Context, squadronID, expected string) (bool, error) {
	got, err := v.ComputeHash(ctx, squadronID)
	if err != nil {
		return false, err
	}
	return got == expected, nil
}

func computeHash(ctx context.Context, q querier, squadronID string) (string, error) {
	var c canonicalSquadron
	err := q.QueryRowContext(ctx, `SELECT id, owner_id, army_power, religion_power, civilization_power, economic_power, total_power, member_count FROM squadrons WHERE id=?`, squadronID).
		Scan(&c.ID, &c.OwnerID, &c.Army, &c.Religion, &c.Civilization, &c.Economic, &c.Total, &c.MemberCount)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("squadron %s not found", squadronID)
	}
	if err != nil {
		return "", err
	}
	rows, err := q.QueryContext(ctx, `SELECT asset_id, role, class, specialization, army, religion, civilization, economic FROM roster_members WHERE squadron_id=? ORDER BY asset_id`, squadronID)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	c.Members = []canonicalMember{}
	for rows.Next() {
		var m canonicalMember
		if err := rows.Scan(&m.AssetID, &m.Role, &m.Class, &m.Specialization, &m.Army, &m.Religion, &m.Civilization, &m.Economic); err != nil {
			return "", err
		}
		c.Members = append(c.Members, m)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
