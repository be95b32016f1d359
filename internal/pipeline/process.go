package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/catalog"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/config"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/storage"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/util"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/vision"
)

const cancelledReason = "cancelled"

// Recognizer turns one image into free text describing the badges in it.
type Recognizer interface {
	Detect(ctx context.Context, req vision.Request) (string, error)
}

// Orchestrator drives a scan through recognition, parsing and matching.
type Orchestrator struct {
	db         *storage.DB
	cfg        config.Config
	recognizer Recognizer
}

func NewOrchestrator(db *storage.DB, cfg config.Config, recognizer Recognizer) *Orchestrator {
	return &Orchestrator{db: db, cfg: cfg, recognizer: recognizer}
}

type RunResult struct {
	ScanID     int64
	Status     internal.ScanStatus
	Succeeded  int
	Failed     int
	Cancelled  int
	Detections int
}

// Run processes every pending image of a scan and finishes it. A pending
// scan is moved to processing first; a processing scan is resumed. Closing
// abandon stops new images from starting while calls already in flight run
// to completion; images never started are failed as cancelled.
//
// Per-image failures never fail Run. An error is returned only when the scan
// cannot be advanced at all (storage failure, shutdown).
func (o *Orchestrator) Run(ctx context.Context, scanID int64, abandon <-chan struct{}) (RunResult, error) {
	start := time.Now()
	trace := uuid.NewString()
	logger := log.With().Int64("scan_id", scanID).Str("trace_id", trace).Logger()

	scan, err := o.db.MustScan(ctx, scanID)
	if err != nil {
		return RunResult{}, err
	}
	switch scan.Status {
	case internal.ScanPending:
		if err := o.db.MarkScanProcessing(ctx, scanID, "Starting"); err != nil {
			return RunResult{}, err
		}
	case internal.ScanProcessing:
		reset, err := o.db.ResetInFlightImages(ctx, scanID)
		if err != nil {
			return RunResult{}, err
		}
		if reset > 0 {
			logger.Info().Int("images", reset).Msg("resuming interrupted images")
		}
	default:
		return RunResult{}, fmt.Errorf("scan %d is %s: %w", scanID, scan.Status, storage.ErrInvalidTransition)
	}

	snapshot, err := catalog.Current(ctx, o.db)
	if err != nil {
		return RunResult{}, err
	}
	matcher := NewMatcher(snapshot, MatchConfigFrom(o.cfg))
	prompt := vision.BuildPrompt(snapshot.Names())

	images, err := o.db.ListScanImages(ctx, scanID)
	if err != nil {
		return RunResult{}, err
	}
	var pending []internal.ScanImage
	for _, img := range images {
		if img.Status == internal.ImagePending {
			pending = append(pending, img)
		}
	}

	progress := newProgress(scan.TotalImages, scan.FinishedImages())
	logger.Info().Int("images", len(pending)).Int("catalog", snapshot.Len()).Msg("scan run started")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(o.cfg.ScanImageParallelism, 1))
	for _, img := range pending {
		if isClosed(abandon) || gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if isClosed(abandon) {
				return nil
			}
			return o.processImage(gctx, scanID, img, matcher, prompt, progress)
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("scan run interrupted")
		return RunResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return RunResult{}, err
	}

	cancelled, err := o.cancelRemaining(ctx, scanID)
	if err != nil {
		return RunResult{}, err
	}

	result, err := o.finish(ctx, scanID)
	if err != nil {
		return RunResult{}, err
	}
	result.Cancelled = cancelled

	tally := progress.snapshot()
	result.Detections = tally.detections
	counts := map[string]int{
		"images":     len(pending),
		"succeeded":  tally.succeeded,
		"failed":     tally.failed,
		"cancelled":  cancelled,
		"detections": tally.detections,
		"auto":       tally.bands[internal.BandAuto],
		"review":     tally.bands[internal.BandReview],
		"correct":    tally.bands[internal.BandCorrect],
		"unmatched":  tally.unmatched,
	}
	timings := map[string]float64{"totalMs": float64(time.Since(start).Milliseconds())}
	if err := o.db.InsertRun(ctx, trace, scanID, timings, counts); err != nil {
		logger.Warn().Err(err).Msg("failed to record run")
	}

	if o.cfg.ScanAutoExport && result.Status == internal.ScanCompleted {
		path := filepath.Join(o.cfg.OutputDir, "scans", fmt.Sprintf("scan_%d.xlsx", scanID))
		if err := ExportScan(ctx, o.db, scanID, path); err != nil {
			logger.Warn().Err(err).Msg("auto export failed")
		}
	}

	logger.Info().Str("status", string(result.Status)).Int("succeeded", result.Succeeded).Int("failed", result.Failed).
		Int("cancelled", cancelled).Int("detections", result.Detections).Dur("took", time.Since(start)).Msg("scan run finished")
	return result, nil
}

func (o *Orchestrator) processImage(ctx context.Context, scanID int64, img internal.ScanImage, matcher *Matcher, prompt string, progress *progress) error {
	claimed, err := o.db.StartImage(ctx, img.ID)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	logger := log.With().Int64("scan_id", scanID).Int64("image_id", img.ID).Int("position", img.Position).Logger()
	raw, err := o.recognizer.Detect(ctx, vision.Request{ImagePath: img.Path, Prompt: prompt})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn().Err(err).Msg("image failed")
		progress.fail()
		return o.db.FailImage(ctx, scanID, img.ID, err.Error(), nil, progress.message())
	}

	candidates := ParseResponse(raw)
	detections := make([]internal.Detection, 0, len(candidates))
	for _, c := range candidates {
		res := matcher.Match(c.RawName, util.DerefString(c.Context)+" "+c.RawLine)
		detections = append(detections, internal.Detection{
			LineNo:            c.LineNo,
			RawName:           c.RawName,
			RawLine:           c.RawLine,
			Context:           c.Context,
			Quantity:          c.Quantity,
			ReportedCertainty: c.Certainty,
			MatchedBadgeID:    res.BadgeID,
			Confidence:        res.Confidence,
			Candidates:        res.Candidates,
		})
		progress.observe(res)
	}

	progress.succeed(len(detections))
	if _, err := o.db.CompleteImage(ctx, scanID, img.ID, raw, detections, progress.message()); err != nil {
		return err
	}
	logger.Debug().Int("candidates", len(candidates)).Msg("image processed")
	return nil
}

func (o *Orchestrator) cancelRemaining(ctx context.Context, scanID int64) (int, error) {
	images, err := o.db.ListScanImages(ctx, scanID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, img := range images {
		if img.Status != internal.ImagePending {
			continue
		}
		err := o.db.FailImage(ctx, scanID, img.ID, cancelledReason, nil, "Cancelled")
		if errors.Is(err, storage.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// finish rolls the scan to its terminal status. It fails only when every
// image failed.
func (o *Orchestrator) finish(ctx context.Context, scanID int64) (RunResult, error) {
	scan, err := o.db.MustScan(ctx, scanID)
	if err != nil {
		return RunResult{}, err
	}

	status := internal.ScanCompleted
	var errMsg *string
	message := fmt.Sprintf("Completed: %d of %d images processed", scan.ProcessedImages, scan.TotalImages)
	if scan.FailedImages > 0 {
		message += fmt.Sprintf(", %d failed", scan.FailedImages)
	}
	if scan.TotalImages > 0 && scan.ProcessedImages == 0 {
		status = internal.ScanFailed
		message = "Failed: no image could be processed"
		errMsg = util.StringPtr(fmt.Sprintf("all %d images failed", scan.TotalImages))
	}

	if err := o.db.FinishScan(ctx, scanID, status, message, errMsg); err != nil {
		return RunResult{}, err
	}
	return RunResult{ScanID: scanID, Status: status, Succeeded: scan.ProcessedImages, Failed: scan.FailedImages}, nil
}

func isClosed(ch <-chan struct{}) bool {
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

type tally struct {
	succeeded  int
	failed     int
	detections int
	unmatched  int
	bands      map[internal.ConfidenceBand]int
}

// progress tracks one run for progress messages and the run record.
type progress struct {
	mu        sync.Mutex
	total     int
	done      int
	doneAtRun int
	started   time.Time
	t         tally
}

func newProgress(total, alreadyDone int) *progress {
	return &progress{
		total:     total,
		done:      alreadyDone,
		doneAtRun: alreadyDone,
		started:   time.Now(),
		t:         tally{bands: map[internal.ConfidenceBand]int{}},
	}
}

func (p *progress) observe(res internal.MatchResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.t.bands[res.Band]++
	if res.BadgeID == nil {
		p.t.unmatched++
	}
}

func (p *progress) succeed(detections int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done++
	p.t.succeeded++
	p.t.detections += detections
}

func (p *progress) fail() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done++
	p.t.failed++
}

func (p *progress) message() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	msg := fmt.Sprintf("Processed %d of %d images", p.done, p.total)
	if eta, ok := estimateRemaining(p.done-p.doneAtRun, p.total-p.done, time.Since(p.started)); ok {
		msg += fmt.Sprintf(", about %s left", eta.Round(time.Second))
	}
	return msg
}

func (p *progress) snapshot() tally {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.t
	out.bands = make(map[internal.ConfidenceBand]int, len(p.t.bands))
	for k, v := range p.t.bands {
		out.bands[k] = v
	}
	return out
}

// estimateRemaining extrapolates the average time per finished image.
func estimateRemaining(finished, remaining int, elapsed time.Duration) (time.Duration, bool) {
	if finished <= 0 || remaining <= 0 {
		return 0, false
	}
	return elapsed / time.Duration(finished) * time.Duration(remaining), true
}
