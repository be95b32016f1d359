package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/catalog"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/config"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/storage"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/util"
)

var (
	ErrAlreadyScheduled     = errors.New("scan is already scheduled")
	ErrNotRunning           = errors.New("scan is not running")
	ErrScanNotReviewable    = errors.New("scan is not completed")
	ErrAlreadyReconciled    = storage.ErrReconciled
	ErrVerifiedWithoutBadge = errors.New("verified detection has no badge")
	ErrUnknownBadge         = errors.New("unknown badge")
)

// ReviewError names the detection a review decision was rejected for.
type ReviewError struct {
	DetectionID int64
	Err         error
}

func (e *ReviewError) Error() string {
	return fmt.Sprintf("detection %d: %v", e.DetectionID, e.Err)
}

func (e *ReviewError) Unwrap() error { return e.Err }

// Scheduler runs scans in the background.
type Scheduler interface {
	Enqueue(scanID int64) error
	Cancel(scanID int64) bool
}

type ScanService struct {
	db        *storage.DB
	cfg       config.Config
	scheduler Scheduler
}

func NewScanService(db *storage.DB, cfg config.Config, scheduler Scheduler) *ScanService {
	return &ScanService{db: db, cfg: cfg, scheduler: scheduler}
}

// StartProcessing moves a pending scan to processing and hands it to the
// scheduler. It returns as soon as the scan is queued.
func (s *ScanService) StartProcessing(ctx context.Context, scanID int64) (internal.Scan, error) {
	scan, err := s.db.MustScan(ctx, scanID)
	if err != nil {
		return internal.Scan{}, err
	}
	if scan.Status != internal.ScanPending {
		return internal.Scan{}, fmt.Errorf("scan %d is %s: %w", scanID, scan.Status, storage.ErrInvalidTransition)
	}
	if err := s.db.MarkScanProcessing(ctx, scanID, "Queued"); err != nil {
		return internal.Scan{}, err
	}
	if err := s.scheduler.Enqueue(scanID); err != nil && !errors.Is(err, ErrAlreadyScheduled) {
		return internal.Scan{}, err
	}
	return s.db.MustScan(ctx, scanID)
}

// CancelProcessing asks a running scan to stop starting new images.
func (s *ScanService) CancelProcessing(ctx context.Context, scanID int64) error {
	scan, err := s.db.MustScan(ctx, scanID)
	if err != nil {
		return err
	}
	if scan.Status != internal.ScanProcessing {
		return fmt.Errorf("scan %d is %s: %w", scanID, scan.Status, storage.ErrInvalidTransition)
	}
	if !s.scheduler.Cancel(scanID) {
		return fmt.Errorf("scan %d: %w", scanID, ErrNotRunning)
	}
	return nil
}

type ScanStatusView struct {
	ScanID                    int64               `json:"scanId"`
	Status                    internal.ScanStatus `json:"status"`
	TotalImages               int                 `json:"totalImages"`
	ProcessedImages           int                 `json:"processedImages"`
	FailedImages              int                 `json:"failedImages"`
	ProgressPercent           float64             `json:"progressPercent"`
	ProgressMessage           *string             `json:"progressMessage,omitempty"`
	ErrorMessage              *string             `json:"errorMessage,omitempty"`
	EstimatedSecondsRemaining *int                `json:"estimatedSecondsRemaining,omitempty"`
	CreatedAt                 time.Time           `json:"createdAt"`
	StartedAt                 *time.Time          `json:"startedAt,omitempty"`
	CompletedAt               *time.Time          `json:"completedAt,omitempty"`
	ReconciledAt              *time.Time          `json:"reconciledAt,omitempty"`
}

func (s *ScanService) GetStatus(ctx context.Context, scanID int64) (ScanStatusView, error) {
	scan, err := s.db.MustScan(ctx, scanID)
	if err != nil {
		return ScanStatusView{}, err
	}
	return statusView(scan, time.Now().UTC()), nil
}

func statusView(scan internal.Scan, now time.Time) ScanStatusView {
	v := ScanStatusView{
		ScanID:          scan.ID,
		Status:          scan.Status,
		TotalImages:     scan.TotalImages,
		ProcessedImages: scan.ProcessedImages,
		FailedImages:    scan.FailedImages,
		ProgressMessage: scan.ProgressMessage,
		ErrorMessage:    scan.ErrorMessage,
		CreatedAt:       scan.CreatedAt,
		StartedAt:       scan.StartedAt,
		CompletedAt:     scan.CompletedAt,
		ReconciledAt:    scan.ReconciledAt,
	}

	finished := scan.FinishedImages()
	switch {
	case scan.TotalImages > 0:
		v.ProgressPercent = float64(int(float64(finished)/float64(scan.TotalImages)*1000)) / 10
	case scan.Status.Terminal():
		v.ProgressPercent = 100
	}

	if scan.Status == internal.ScanProcessing && scan.StartedAt != nil {
		if eta, ok := estimateRemaining(finished, scan.TotalImages-finished, now.Sub(*scan.StartedAt)); ok {
			secs := int(eta.Seconds())
			v.EstimatedSecondsRemaining = &secs
		}
	}
	return v
}

type DetectionView struct {
	internal.Detection
	Band       internal.ConfidenceBand `json:"band"`
	Resolution internal.Resolution     `json:"resolution"`
	BadgeName  string                  `json:"badgeName,omitempty"`
}

type ScanDetail struct {
	Scan       internal.Scan        `json:"scan"`
	Images     []internal.ScanImage `json:"images"`
	Detections []DetectionView      `json:"detections"`
}

func (s *ScanService) GetDetections(ctx context.Context, scanID int64) (ScanDetail, error) {
	scan, err := s.db.MustScan(ctx, scanID)
	if err != nil {
		return ScanDetail{}, err
	}
	images, err := s.db.ListScanImages(ctx, scanID)
	if err != nil {
		return ScanDetail{}, err
	}
	dets, err := s.db.ListDetectionsByScan(ctx, scanID)
	if err != nil {
		return ScanDetail{}, err
	}

	snapshot, err := catalog.Current(ctx, s.db)
	if err != nil {
		return ScanDetail{}, err
	}

	bands := NewMatcher(snapshot, MatchConfigFrom(s.cfg))
	views := make([]DetectionView, 0, len(dets))
	for _, d := range dets {
		v := DetectionView{Detection: d, Band: bands.Band(d.Confidence), Resolution: d.Resolve()}
		if b, ok := snapshot.Badge(v.Resolution.BadgeID); ok {
			v.BadgeName = b.Name
		}
		views = append(views, v)
	}
	if images == nil {
		images = []internal.ScanImage{}
	}
	return ScanDetail{Scan: scan, Images: images, Detections: views}, nil
}

type ReviewDecision struct {
	DetectionID      int64   `json:"detectionId"`
	Verified         bool    `json:"verified"`
	CorrectedBadgeID *string `json:"correctedBadgeId"`
}

// SubmitReview applies human decisions to a completed, unreconciled scan.
// A decision that would leave a verified detection without a badge, or that
// names a badge outside the catalog, rejects the whole batch.
func (s *ScanService) SubmitReview(ctx context.Context, scanID int64, decisions []ReviewDecision) error {
	scan, err := s.db.MustScan(ctx, scanID)
	if err != nil {
		return err
	}
	if scan.Status != internal.ScanCompleted {
		return fmt.Errorf("scan %d is %s: %w", scanID, scan.Status, ErrScanNotReviewable)
	}
	if scan.ReconciledAt != nil {
		return fmt.Errorf("scan %d: %w", scanID, ErrAlreadyReconciled)
	}

	dets, err := s.db.ListDetectionsByScan(ctx, scanID)
	if err != nil {
		return err
	}
	snapshot, err := catalog.Current(ctx, s.db)
	if err != nil {
		return err
	}
	byID := make(map[int64]internal.Detection, len(dets))
	for _, d := range dets {
		byID[d.ID] = d
	}

	updates := make([]storage.ReviewUpdate, 0, len(decisions))
	for _, dec := range decisions {
		det, ok := byID[dec.DetectionID]
		if !ok {
			return &ReviewError{DetectionID: dec.DetectionID, Err: storage.ErrNotFound}
		}

		var correction *string
		if dec.CorrectedBadgeID != nil && strings.TrimSpace(*dec.CorrectedBadgeID) != "" {
			id := strings.TrimSpace(*dec.CorrectedBadgeID)
			if !snapshot.Contains(id) {
				return &ReviewError{DetectionID: dec.DetectionID, Err: fmt.Errorf("%w: %s", ErrUnknownBadge, id)}
			}
			correction = util.StringPtr(id)
			det.CorrectedBadgeID = correction
		}

		if dec.Verified && det.Resolve().Kind == internal.Unmatched {
			return &ReviewError{DetectionID: dec.DetectionID, Err: ErrVerifiedWithoutBadge}
		}
		updates = append(updates, storage.ReviewUpdate{DetectionID: dec.DetectionID, Verified: dec.Verified, BadgeID: correction})
	}

	return s.db.ApplyReview(ctx, scanID, updates)
}

// ExportReview writes the review sheet and returns its path.
func (s *ScanService) ExportReview(ctx context.Context, scanID int64, outputPath string) (string, error) {
	if outputPath == "" {
		outputPath = filepath.Join(s.cfg.OutputDir, "scans", fmt.Sprintf("scan_%d.xlsx", scanID))
	}
	if err := ExportScan(ctx, s.db, scanID, outputPath); err != nil {
		return "", err
	}
	return outputPath, nil
}
