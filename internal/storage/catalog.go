package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal"
)

type UpsertBadgesResult struct {
	Badges           int
	InventoryCreated int
}

// UpsertBadges writes catalog entries and makes sure every badge has an
// inventory row. Existing inventory quantities are never touched.
func (d *DB) UpsertBadges(ctx context.Context, badges []internal.Badge, defaultThreshold int) (UpsertBadgesResult, error) {
	var result UpsertBadgesResult
	err := d.withTx(ctx, func(tx *sqlx.Tx) error {
		badgeStmt, err := tx.PreparexContext(ctx, `
INSERT INTO badges (id, name, category, description, purchase_url, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  name=excluded.name,
  category=excluded.category,
  description=excluded.description,
  purchase_url=COALESCE(excluded.purchase_url, badges.purchase_url),
  updated_at=excluded.updated_at
`)
		if err != nil {
			return err
		}
		defer badgeStmt.Close()

		invStmt, err := tx.PreparexContext(ctx, `
INSERT INTO inventory (badge_id, quantity, reorder_threshold, last_updated)
VALUES (?, 0, ?, ?)
ON CONFLICT(badge_id) DO NOTHING
`)
		if err != nil {
			return err
		}
		defer invStmt.Close()

		ts := now()
		for _, b := range badges {
			if _, err := badgeStmt.ExecContext(ctx, b.ID, b.Name, b.Category, b.Description, b.PurchaseURL, ts); err != nil {
				return fmt.Errorf("upsert badge %s: %w", b.ID, err)
			}
			res, err := invStmt.ExecContext(ctx, b.ID, defaultThreshold, ts)
			if err != nil {
				return fmt.Errorf("create inventory %s: %w", b.ID, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				result.InventoryCreated++
			}
			result.Badges++
		}
		return nil
	})
	return result, err
}

func (d *DB) ListBadges(ctx context.Context) ([]internal.Badge, error) {
	var out []internal.Badge
	err := d.conn.SelectContext(ctx, &out, `SELECT id, name, category, description, purchase_url FROM badges ORDER BY id`)
	return out, err
}

func (d *DB) GetBadge(ctx context.Context, id string) (*internal.Badge, error) {
	var b internal.Badge
	err := d.conn.GetContext(ctx, &b, `SELECT id, name, category, description, purchase_url FROM badges WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ClearCatalog removes all badges and inventory rows. It refuses once any
// scan detection or ledger entry refers to the catalog.
func (d *DB) ClearCatalog(ctx context.Context) error {
	return d.withTx(ctx, func(tx *sqlx.Tx) error {
		var refs int
		if err := tx.GetContext(ctx, &refs, `
SELECT (SELECT COUNT(*) FROM adjustments) +
       (SELECT COUNT(*) FROM detections WHERE matched_badge_id IS NOT NULL OR corrected_badge_id IS NOT NULL)`); err != nil {
			return err
		}
		if refs > 0 {
			return fmt.Errorf("catalog is referenced by %d ledger or detection rows", refs)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM inventory`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM badges`)
		return err
	})
}
