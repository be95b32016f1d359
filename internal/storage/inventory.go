package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal"
)

const adjustmentColumns = `id, badge_id, scan_id, quantity_change, previous_quantity, new_quantity, notes, created_at`

type ScanAdjustmentResult struct {
	Applied []internal.Adjustment
	Skipped []internal.Adjustment
}

func (d *DB) ListInventory(ctx context.Context) ([]internal.InventoryItem, error) {
	var out []internal.InventoryItem
	err := d.conn.SelectContext(ctx, &out, `
SELECT inv.badge_id, b.name, b.category, inv.quantity, inv.reorder_threshold, inv.last_updated
FROM inventory inv
JOIN badges b ON b.id = inv.badge_id
ORDER BY b.category, b.name, inv.badge_id`)
	return out, err
}

func (d *DB) GetInventory(ctx context.Context, badgeID string) (*internal.InventoryItem, error) {
	var item internal.InventoryItem
	err := d.conn.GetContext(ctx, &item, `
SELECT inv.badge_id, b.name, b.category, inv.quantity, inv.reorder_threshold, inv.last_updated
FROM inventory inv
JOIN badges b ON b.id = inv.badge_id
WHERE inv.badge_id = ?`, badgeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// ReconcileScan reads the scan's detections, asks plan for one delta per
// badge and applies them, all inside one transaction, so no review can land
// between the read and the write. Badges that already carry an adjustment for
// this scan are skipped. A write failure rolls back every badge and is
// returned as *BadgeError; an error from plan is returned as is.
func (d *DB) ReconcileScan(ctx context.Context, scanID int64, notes string, plan func([]internal.Detection) ([]internal.BadgeDelta, error)) (ScanAdjustmentResult, error) {
	var result ScanAdjustmentResult
	err := d.withTx(ctx, func(tx *sqlx.Tx) error {
		dets, err := selectDetections(ctx, tx, scanID)
		if err != nil {
			return err
		}
		deltas, err := plan(dets)
		if err != nil {
			return err
		}
		sorted := append([]internal.BadgeDelta(nil), deltas...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].BadgeID < sorted[j].BadgeID })

		ts := now()
		for _, delta := range sorted {
			existing, err := adjustmentForScan(ctx, tx, scanID, delta.BadgeID)
			if err != nil {
				return &BadgeError{BadgeID: delta.BadgeID, Err: err}
			}
			if existing != nil {
				result.Skipped = append(result.Skipped, *existing)
				continue
			}

			adj, err := applyDelta(ctx, tx, delta.BadgeID, &scanID, delta.Delta, notes, ts)
			if err != nil {
				return &BadgeError{BadgeID: delta.BadgeID, Err: err}
			}
			result.Applied = append(result.Applied, adj)
		}

		_, err = tx.ExecContext(ctx, `UPDATE scans SET reconciled_at = ? WHERE id = ? AND reconciled_at IS NULL`, ts, scanID)
		return err
	})
	if err != nil {
		return ScanAdjustmentResult{}, err
	}
	return result, nil
}

// ApplyManualAdjustment records a change that is not tied to a scan. plan
// receives the current quantity and returns the delta to apply.
func (d *DB) ApplyManualAdjustment(ctx context.Context, badgeID, notes string, plan func(current int) (int, error)) (internal.Adjustment, error) {
	var adj internal.Adjustment
	err := d.withTx(ctx, func(tx *sqlx.Tx) error {
		current, err := currentQuantity(ctx, tx, badgeID)
		if err != nil {
			return &BadgeError{BadgeID: badgeID, Err: err}
		}
		delta, err := plan(current)
		if err != nil {
			return err
		}
		adj, err = applyDelta(ctx, tx, badgeID, nil, delta, notes, now())
		if err != nil {
			return &BadgeError{BadgeID: badgeID, Err: err}
		}
		return nil
	})
	return adj, err
}

func (d *DB) SetReorderThreshold(ctx context.Context, badgeID string, threshold int) error {
	res, err := d.conn.ExecContext(ctx, `UPDATE inventory SET reorder_threshold = ? WHERE badge_id = ?`, threshold, badgeID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("inventory %s: %w", badgeID, ErrNotFound)
	}
	return nil
}

func (d *DB) ListAdjustmentsByBadge(ctx context.Context, badgeID string, limit int) ([]internal.Adjustment, error) {
	var out []internal.Adjustment
	err := d.conn.SelectContext(ctx, &out, `SELECT `+adjustmentColumns+` FROM adjustments WHERE badge_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, badgeID, limit)
	return out, err
}

func (d *DB) ListAdjustmentsByScan(ctx context.Context, scanID int64) ([]internal.Adjustment, error) {
	var out []internal.Adjustment
	err := d.conn.SelectContext(ctx, &out, `SELECT `+adjustmentColumns+` FROM adjustments WHERE scan_id = ? ORDER BY badge_id`, scanID)
	return out, err
}

// ListLedger returns every adjustment in replay order.
func (d *DB) ListLedger(ctx context.Context) ([]internal.Adjustment, error) {
	var out []internal.Adjustment
	err := d.conn.SelectContext(ctx, &out, `SELECT `+adjustmentColumns+` FROM adjustments ORDER BY badge_id, created_at, id`)
	return out, err
}

func adjustmentForScan(ctx context.Context, tx *sqlx.Tx, scanID int64, badgeID string) (*internal.Adjustment, error) {
	var adj internal.Adjustment
	err := tx.GetContext(ctx, &adj, `SELECT `+adjustmentColumns+` FROM adjustments WHERE scan_id = ? AND badge_id = ?`, scanID, badgeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &adj, nil
}

func currentQuantity(ctx context.Context, tx *sqlx.Tx, badgeID string) (int, error) {
	var qty int
	err := tx.GetContext(ctx, &qty, `SELECT quantity FROM inventory WHERE badge_id = ?`, badgeID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("inventory row: %w", ErrNotFound)
	}
	return qty, err
}

// applyDelta reads, compares-and-sets and logs one inventory change.
func applyDelta(ctx context.Context, tx *sqlx.Tx, badgeID string, scanID *int64, delta int, notes string, ts time.Time) (internal.Adjustment, error) {
	previous, err := currentQuantity(ctx, tx, badgeID)
	if err != nil {
		return internal.Adjustment{}, err
	}
	next := previous + delta

	res, err := tx.ExecContext(ctx, `UPDATE inventory SET quantity = ?, last_updated = ? WHERE badge_id = ? AND quantity = ?`,
		next, ts, badgeID, previous)
	if err != nil {
		return internal.Adjustment{}, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return internal.Adjustment{}, ErrConflict
	}

	res, err = tx.ExecContext(ctx, `
INSERT INTO adjustments (badge_id, scan_id, quantity_change, previous_quantity, new_quantity, notes, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		badgeID, scanID, delta, previous, next, notes, ts)
	if err != nil {
		if isUniqueViolation(err) {
			return internal.Adjustment{}, ErrConflict
		}
		return internal.Adjustment{}, err
	}
	id, _ := res.LastInsertId()

	return internal.Adjustment{
		ID:               id,
		BadgeID:          badgeID,
		ScanID:           scanID,
		QuantityChange:   delta,
		PreviousQuantity: previous,
		NewQuantity:      next,
		Notes:            notes,
		CreatedAt:        ts,
	}, nil
}
