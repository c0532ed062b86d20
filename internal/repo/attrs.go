package repo

import (
	"context"
	"database/sql"

	"skirmish/internal/power"
)

// GetPowerSnapshot implements power.AttributeStore against the local
// asset_attributes table.
func (r Repo) GetPowerSnapshot(ctx context.Context, assetID string) (power.Snapshot, error) {
	var s power.Snapshot
	err := r.DB.QueryRowContext(ctx, `SELECT class,specialization,army,religion,civilization,economic FROM asset_attributes WHERE asset_id=?`, assetID).
		Scan(&s.Class, &s.Specialization, &s.Army, &s.Religion, &s.Civilization, &s.Economic)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

// UpsertAssetAttributes loads or refreshes an asset's power record. Existing
// roster snapshots are unaffected.
func (r Repo) UpsertAssetAttributes(ctx context.Context, assetID string, s power.Snapshot) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO asset_attributes(asset_id,class,specialization,army,religion,civilization,economic) VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(asset_id) DO UPDATE SET class=excluded.class,specialization=excluded.specialization,army=excluded.army,religion=excluded.religion,civilization=excluded.civilization,economic=excluded.economic`,
		assetID, s.Class, s.Specialization, s.Army, s.Religion, s.Civilization, s.Economic)
	return err
}

// CountAssetAttributes returns the number of loaded asset records.
func (r Repo) CountAssetAttributes(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM asset_attributes`).Scan(&n)
	return n, err
}
