package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/util"
)

const detectionColumns = `id, scan_id, image_id, line_no, raw_name, raw_line, context, quantity, reported_certainty,
       matched_badge_id, confidence, corrected_badge_id, verified, candidates_json`

type ReviewUpdate struct {
	DetectionID int64
	Verified    bool
	BadgeID     *string
}

func (d *DB) ListDetectionsByScan(ctx context.Context, scanID int64) ([]internal.Detection, error) {
	return selectDetections(ctx, d.conn, scanID)
}

func selectDetections(ctx context.Context, q sqlx.QueryerContext, scanID int64) ([]internal.Detection, error) {
	var out []internal.Detection
	if err := sqlx.SelectContext(ctx, q, &out, `SELECT `+detectionColumns+` FROM detections WHERE scan_id = ? ORDER BY image_id, line_no, id`, scanID); err != nil {
		return nil, err
	}
	for i := range out {
		_ = json.Unmarshal([]byte(out[i].CandidatesJSON), &out[i].Candidates)
	}
	return out, nil
}

// ApplyReview writes a batch of review decisions. Either every update is
// stored or none is. A reconciled scan refuses the batch with ErrReconciled.
func (d *DB) ApplyReview(ctx context.Context, scanID int64, updates []ReviewUpdate) error {
	return d.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := ensureUnreconciled(ctx, tx, scanID); err != nil {
			return err
		}
		for _, u := range updates {
			res, err := tx.ExecContext(ctx, `
UPDATE detections
SET verified = ?, corrected_badge_id = COALESCE(?, corrected_badge_id)
WHERE id = ? AND scan_id = ?`,
				u.Verified, u.BadgeID, u.DetectionID, scanID)
			if err != nil {
				return fmt.Errorf("detection %d: %w", u.DetectionID, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("detection %d in scan %d: %w", u.DetectionID, scanID, ErrNotFound)
			}
		}
		return nil
	})
}

func ensureUnreconciled(ctx context.Context, tx *sqlx.Tx, scanID int64) error {
	var reconciled bool
	err := tx.GetContext(ctx, &reconciled, `SELECT reconciled_at IS NOT NULL FROM scans WHERE id = ?`, scanID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("scan %d: %w", scanID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if reconciled {
		return fmt.Errorf("scan %d: %w", scanID, ErrReconciled)
	}
	return nil
}

func (d *DB) GetReviewExportRows(ctx context.Context, scanID int64) ([]internal.ReviewExportRow, error) {
	rows, err := d.conn.QueryxContext(ctx, `
SELECT
  i.id,
  i.path,
  det.line_no,
  det.raw_line,
  det.raw_name,
  det.quantity,
  det.reported_certainty,
  det.matched_badge_id,
  b.name,
  det.confidence,
  det.corrected_badge_id,
  det.verified,
  det.candidates_json
FROM detections det
JOIN scan_images i ON i.id = det.image_id
LEFT JOIN badges b ON b.id = det.matched_badge_id
WHERE det.scan_id = ?
ORDER BY i.position ASC, det.line_no ASC, det.id ASC
`, scanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.ReviewExportRow
	for rows.Next() {
		var row internal.ReviewExportRow
		var candidatesJSON string
		if err := rows.Scan(
			&row.ImageID,
			&row.ImagePath,
			&row.LineNo,
			&row.RawLine,
			&row.RawName,
			&row.Quantity,
			&row.ReportedCertainty,
			&row.MatchedBadgeID,
			&row.MatchedName,
			&row.Confidence,
			&row.CorrectedBadgeID,
			&row.Verified,
			&candidatesJSON,
		); err != nil {
			return nil, err
		}

		var candidates []internal.MatchCandidate
		_ = json.Unmarshal([]byte(candidatesJSON), &candidates)
		if len(candidates) > 1 {
			row.Candidate2Name = util.StringPtr(candidates[1].Name)
			row.Candidate2Score = util.FloatPtr(candidates[1].Score)
		}
		out = append(out, row)
	}

	return out, rows.Err()
}
