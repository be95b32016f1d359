package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal"
)

// ErrInvalidTransition is returned when a scan is not in the state an
// operation requires.
var ErrInvalidTransition = errors.New("invalid scan state transition")

const scanColumns = `id, status, total_images, processed_images, failed_images, progress_message, error_message,
       created_at, started_at, completed_at, reconciled_at`

const imageColumns = `id, scan_id, position, path, status, error, raw_response, processed_at`

// CreateScan records a pending scan with its images in upload order.
func (d *DB) CreateScan(ctx context.Context, imagePaths []string) (internal.Scan, error) {
	var scanID int64
	err := d.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO scans (status, total_images, created_at) VALUES (?, ?, ?)`,
			string(internal.ScanPending), len(imagePaths), now())
		if err != nil {
			return err
		}
		scanID, err = res.LastInsertId()
		if err != nil {
			return err
		}
		for i, p := range imagePaths {
			if _, err := tx.ExecContext(ctx, `INSERT INTO scan_images (scan_id, position, path, status) VALUES (?, ?, ?, ?)`,
				scanID, i+1, p, string(internal.ImagePending)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return internal.Scan{}, err
	}

	scan, err := d.GetScan(ctx, scanID)
	if err != nil {
		return internal.Scan{}, err
	}
	if scan == nil {
		return internal.Scan{}, errors.New("failed to create scan")
	}
	return *scan, nil
}

func (d *DB) GetScan(ctx context.Context, id int64) (*internal.Scan, error) {
	var scan internal.Scan
	err := d.conn.GetContext(ctx, &scan, `SELECT `+scanColumns+` FROM scans WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &scan, nil
}

func (d *DB) MustScan(ctx context.Context, id int64) (internal.Scan, error) {
	scan, err := d.GetScan(ctx, id)
	if err != nil {
		return internal.Scan{}, err
	}
	if scan == nil {
		return internal.Scan{}, fmt.Errorf("scan %d: %w", id, ErrNotFound)
	}
	return *scan, nil
}

func (d *DB) ListScans(ctx context.Context, limit int) ([]internal.Scan, error) {
	var out []internal.Scan
	err := d.conn.SelectContext(ctx, &out, `SELECT `+scanColumns+` FROM scans ORDER BY id DESC LIMIT ?`, limit)
	return out, err
}

func (d *DB) ListScansByStatus(ctx context.Context, status internal.ScanStatus) ([]internal.Scan, error) {
	var out []internal.Scan
	err := d.conn.SelectContext(ctx, &out, `SELECT `+scanColumns+` FROM scans WHERE status = ? ORDER BY id`, string(status))
	return out, err
}

// MarkScanProcessing moves a scan from pending to processing.
func (d *DB) MarkScanProcessing(ctx context.Context, id int64, message string) error {
	res, err := d.conn.ExecContext(ctx, `
UPDATE scans SET status = ?, started_at = ?, progress_message = ?
WHERE id = ? AND status = ?`,
		string(internal.ScanProcessing), now(), message, id, string(internal.ScanPending))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("scan %d: %w", id, ErrInvalidTransition)
	}
	return nil
}

func (d *DB) UpdateScanProgress(ctx context.Context, id int64, message string) error {
	_, err := d.conn.ExecContext(ctx, `UPDATE scans SET progress_message = ? WHERE id = ? AND status = ?`,
		message, id, string(internal.ScanProcessing))
	return err
}

// FinishScan moves a processing scan to a terminal status.
func (d *DB) FinishScan(ctx context.Context, id int64, status internal.ScanStatus, message string, errorMessage *string) error {
	if !status.Terminal() {
		return fmt.Errorf("scan %d: %s is not terminal: %w", id, status, ErrInvalidTransition)
	}
	res, err := d.conn.ExecContext(ctx, `
UPDATE scans SET status = ?, completed_at = ?, progress_message = ?, error_message = ?
WHERE id = ? AND status = ?`,
		string(status), now(), message, errorMessage, id, string(internal.ScanProcessing))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("scan %d: %w", id, ErrInvalidTransition)
	}
	return nil
}

func (d *DB) ListScanImages(ctx context.Context, scanID int64) ([]internal.ScanImage, error) {
	var out []internal.ScanImage
	err := d.conn.SelectContext(ctx, &out, `SELECT `+imageColumns+` FROM scan_images WHERE scan_id = ? ORDER BY position`, scanID)
	return out, err
}

// StartImage claims a pending image. It reports false when the image was
// already claimed or finished.
func (d *DB) StartImage(ctx context.Context, imageID int64) (bool, error) {
	res, err := d.conn.ExecContext(ctx, `UPDATE scan_images SET status = ? WHERE id = ? AND status = ?`,
		string(internal.ImageProcessing), imageID, string(internal.ImagePending))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ResetInFlightImages returns images left in processing by an interrupted
// run to pending so a later run picks them up again.
func (d *DB) ResetInFlightImages(ctx context.Context, scanID int64) (int, error) {
	res, err := d.conn.ExecContext(ctx, `UPDATE scan_images SET status = ? WHERE scan_id = ? AND status = ?`,
		string(internal.ImagePending), scanID, string(internal.ImageProcessing))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CompleteImage persists the detections of one image, marks the image
// succeeded and bumps the scan's processed counter in one transaction.
func (d *DB) CompleteImage(ctx context.Context, scanID, imageID int64, rawResponse string, detections []internal.Detection, progress string) ([]internal.Detection, error) {
	stored := make([]internal.Detection, 0, len(detections))
	err := d.withTx(ctx, func(tx *sqlx.Tx) error {
		ts := now()
		res, err := tx.ExecContext(ctx, `
UPDATE scan_images SET status = ?, raw_response = ?, error = NULL, processed_at = ?
WHERE id = ? AND scan_id = ? AND status = ?`,
			string(internal.ImageSucceeded), rawResponse, ts, imageID, scanID, string(internal.ImageProcessing))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("image %d: %w", imageID, ErrInvalidTransition)
		}

		for _, det := range detections {
			candidatesJSON, _ := json.Marshal(det.Candidates)
			res, err := tx.ExecContext(ctx, `
INSERT INTO detections (
  scan_id, image_id, line_no, raw_name, raw_line, context, quantity, reported_certainty,
  matched_badge_id, confidence, verified, candidates_json, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
				scanID, imageID, det.LineNo, det.RawName, det.RawLine, det.Context, det.Quantity, det.ReportedCertainty,
				det.MatchedBadgeID, det.Confidence, string(candidatesJSON), ts)
			if err != nil {
				return fmt.Errorf("insert detection %q: %w", det.RawName, err)
			}
			det.ID, _ = res.LastInsertId()
			det.ScanID = scanID
			det.ImageID = imageID
			det.CandidatesJSON = string(candidatesJSON)
			stored = append(stored, det)
		}

		_, err = tx.ExecContext(ctx, `UPDATE scans SET processed_images = processed_images + 1, progress_message = ? WHERE id = ?`, progress, scanID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// FailImage marks an image failed and bumps the scan's failed counter.
func (d *DB) FailImage(ctx context.Context, scanID, imageID int64, reason string, rawResponse *string, progress string) error {
	return d.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE scan_images SET status = ?, error = ?, raw_response = ?, processed_at = ?
WHERE id = ? AND scan_id = ? AND status IN (?, ?)`,
			string(internal.ImageFailed), reason, rawResponse, now(), imageID, scanID,
			string(internal.ImagePending), string(internal.ImageProcessing))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("image %d: %w", imageID, ErrInvalidTransition)
		}
		_, err = tx.ExecContext(ctx, `UPDATE scans SET failed_images = failed_images + 1, progress_message = ? WHERE id = ?`, progress, scanID)
		return err
	})
}
