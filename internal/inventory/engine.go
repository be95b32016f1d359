package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/lock"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/storage"
)

var (
	ErrNotReconcilable  = errors.New("scan is not completed")
	ErrNegativeQuantity = errors.New("quantity cannot go below zero")
	ErrZeroChange       = errors.New("quantity change must not be zero")
	ErrInvalidThreshold = errors.New("reorder threshold must not be negative")

	errNoChange = errors.New("no change")
)

// BadgeUpdateError reports the badge whose update stopped a reconciliation.
// Nothing was written when it is returned.
type BadgeUpdateError struct {
	BadgeID   string
	Retryable bool
	Err       error
}

func (e *BadgeUpdateError) Error() string {
	return fmt.Sprintf("badge %s: %v", e.BadgeID, e.Err)
}

func (e *BadgeUpdateError) Unwrap() error { return e.Err }

// Engine owns every inventory write. Writes to the same badge are serialised
// through the locker before they reach the database.
type Engine struct {
	db     *storage.DB
	locker lock.Locker
}

func NewEngine(db *storage.DB, locker lock.Locker) *Engine {
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &Engine{db: db, locker: locker}
}

// Plan is the net change a scan's review asks for.
type Plan struct {
	ScanID   int64                 `json:"scanId"`
	Deltas   []internal.BadgeDelta `json:"deltas"`
	Included int                   `json:"included"`
	Excluded int                   `json:"excluded"`
}

// PlanDeltas groups verified, resolved detections by badge and sums their
// quantities. Everything else is excluded. Badges netting zero are dropped.
func PlanDeltas(scanID int64, detections []internal.Detection) Plan {
	sums := map[string]int{}
	plan := Plan{ScanID: scanID}
	for _, d := range detections {
		badgeID, ok := d.Reconcilable()
		if !ok {
			plan.Excluded++
			continue
		}
		plan.Included++
		sums[badgeID] += d.Quantity
	}

	plan.Deltas = make([]internal.BadgeDelta, 0, len(sums))
	for badgeID, delta := range sums {
		if delta == 0 {
			continue
		}
		plan.Deltas = append(plan.Deltas, internal.BadgeDelta{BadgeID: badgeID, Delta: delta})
	}
	sort.Slice(plan.Deltas, func(i, j int) bool { return plan.Deltas[i].BadgeID < plan.Deltas[j].BadgeID })
	return plan
}

type ReconcileResult struct {
	ScanID      int64                 `json:"scanId"`
	Adjustments []internal.Adjustment `json:"adjustments"`
	Skipped     []internal.Adjustment `json:"skipped"`
	Excluded    int                   `json:"excluded"`
}

// reconcileAttempts bounds how often Reconcile re-plans when a review moves
// the scan's badge set between planning and the write transaction.
const reconcileAttempts = 3

var errPlanMoved = fmt.Errorf("review changed the scan during reconciliation: %w", storage.ErrConflict)

// Reconcile applies the verified detections of a completed scan to inventory
// as one transaction. Running it again for the same scan applies nothing new.
func (e *Engine) Reconcile(ctx context.Context, scanID int64) (ReconcileResult, error) {
	var err error
	for attempt := 1; attempt <= reconcileAttempts; attempt++ {
		var res ReconcileResult
		res, err = e.reconcileOnce(ctx, scanID)
		if !errors.Is(err, errPlanMoved) {
			return res, err
		}
		log.Warn().Int64("scan_id", scanID).Int("attempt", attempt).Msg("review moved the plan, re-planning")
	}
	return ReconcileResult{}, err
}

// reconcileOnce locks the badges of a first plan, then plans again from the
// detections read inside the write transaction. A badge outside the locked
// set aborts with errPlanMoved.
func (e *Engine) reconcileOnce(ctx context.Context, scanID int64) (ReconcileResult, error) {
	planned, err := e.plan(ctx, scanID)
	if err != nil {
		return ReconcileResult{}, err
	}

	locked := make(map[string]bool, len(planned.Deltas))
	keys := make([]string, 0, len(planned.Deltas))
	for _, d := range planned.Deltas {
		locked[d.BadgeID] = true
		keys = append(keys, lockKey(d.BadgeID))
	}
	release, err := lock.ObtainAll(ctx, e.locker, keys)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("%w: %v", storage.ErrConflict, err)
	}
	defer release()

	var final Plan
	res, err := e.db.ReconcileScan(ctx, scanID, fmt.Sprintf("Scan #%d reconciliation", scanID), func(dets []internal.Detection) ([]internal.BadgeDelta, error) {
		final = PlanDeltas(scanID, dets)
		for _, d := range final.Deltas {
			if !locked[d.BadgeID] {
				return nil, errPlanMoved
			}
		}
		return final.Deltas, nil
	})
	if err != nil {
		return ReconcileResult{}, badgeUpdateError(err)
	}

	out := ReconcileResult{ScanID: scanID, Adjustments: res.Applied, Skipped: res.Skipped, Excluded: final.Excluded}
	if out.Adjustments == nil {
		out.Adjustments = []internal.Adjustment{}
	}
	if out.Skipped == nil {
		out.Skipped = []internal.Adjustment{}
	}
	log.Info().Int64("scan_id", scanID).Int("applied", len(out.Adjustments)).Int("skipped", len(out.Skipped)).
		Int("excluded", final.Excluded).Msg("scan reconciled")
	return out, nil
}

type PreviewLine struct {
	BadgeID        string `json:"badgeId"`
	Name           string `json:"name"`
	Current        int    `json:"current"`
	Delta          int    `json:"delta"`
	New            int    `json:"new"`
	AlreadyApplied bool   `json:"alreadyApplied"`
}

// Preview shows what Reconcile would do without writing anything.
func (e *Engine) Preview(ctx context.Context, scanID int64) ([]PreviewLine, error) {
	plan, err := e.plan(ctx, scanID)
	if err != nil {
		return nil, err
	}
	existing, err := e.db.ListAdjustmentsByScan(ctx, scanID)
	if err != nil {
		return nil, err
	}
	applied := make(map[string]bool, len(existing))
	for _, a := range existing {
		applied[a.BadgeID] = true
	}

	out := make([]PreviewLine, 0, len(plan.Deltas))
	for _, d := range plan.Deltas {
		item, err := e.db.GetInventory(ctx, d.BadgeID)
		if err != nil {
			return nil, err
		}
		line := PreviewLine{BadgeID: d.BadgeID, Delta: d.Delta, AlreadyApplied: applied[d.BadgeID]}
		if item != nil {
			line.Name = item.Name
			line.Current = item.Quantity
		}
		line.New = line.Current
		if !line.AlreadyApplied {
			line.New += d.Delta
		}
		out = append(out, line)
	}
	return out, nil
}

func (e *Engine) plan(ctx context.Context, scanID int64) (Plan, error) {
	scan, err := e.db.MustScan(ctx, scanID)
	if err != nil {
		return Plan{}, err
	}
	if scan.Status != internal.ScanCompleted {
		return Plan{}, fmt.Errorf("scan %d is %s: %w", scanID, scan.Status, ErrNotReconcilable)
	}
	dets, err := e.db.ListDetectionsByScan(ctx, scanID)
	if err != nil {
		return Plan{}, err
	}
	return PlanDeltas(scanID, dets), nil
}

// Adjust records a manual change. The result may not go below zero.
func (e *Engine) Adjust(ctx context.Context, badgeID string, change int, notes string) (internal.Adjustment, error) {
	if change == 0 {
		return internal.Adjustment{}, ErrZeroChange
	}
	return e.manual(ctx, badgeID, notes, func(current int) (int, error) {
		if current+change < 0 {
			return 0, fmt.Errorf("%w: %s has %d, change %d", ErrNegativeQuantity, badgeID, current, change)
		}
		return change, nil
	})
}

// SetQuantity records the adjustment that brings a badge to quantity. It
// returns nil when the badge already holds that quantity.
func (e *Engine) SetQuantity(ctx context.Context, badgeID string, quantity int, notes string) (*internal.Adjustment, error) {
	if quantity < 0 {
		return nil, ErrNegativeQuantity
	}
	adj, err := e.manual(ctx, badgeID, notes, func(current int) (int, error) {
		if quantity == current {
			return 0, errNoChange
		}
		return quantity - current, nil
	})
	if errors.Is(err, errNoChange) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &adj, nil
}

func (e *Engine) manual(ctx context.Context, badgeID, notes string, plan func(current int) (int, error)) (internal.Adjustment, error) {
	release, err := e.locker.Obtain(ctx, lockKey(badgeID))
	if err != nil {
		return internal.Adjustment{}, fmt.Errorf("%w: %v", storage.ErrConflict, err)
	}
	defer release()

	adj, err := e.db.ApplyManualAdjustment(ctx, badgeID, notes, plan)
	if err != nil {
		var be *storage.BadgeError
		if errors.As(err, &be) && errors.Is(be.Err, storage.ErrNotFound) {
			return internal.Adjustment{}, fmt.Errorf("badge %s: %w", badgeID, storage.ErrNotFound)
		}
		return internal.Adjustment{}, err
	}
	log.Info().Str("badge_id", badgeID).Int("change", adj.QuantityChange).Int("new_quantity", adj.NewQuantity).Msg("inventory adjusted")
	return adj, nil
}

func (e *Engine) SetThreshold(ctx context.Context, badgeID string, threshold int) error {
	if threshold < 0 {
		return ErrInvalidThreshold
	}
	return e.db.SetReorderThreshold(ctx, badgeID, threshold)
}

func (e *Engine) History(ctx context.Context, badgeID string, limit int) ([]internal.Adjustment, error) {
	if limit <= 0 {
		limit = 50
	}
	item, err := e.db.GetInventory(ctx, badgeID)
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, fmt.Errorf("badge %s: %w", badgeID, storage.ErrNotFound)
	}
	return e.db.ListAdjustmentsByBadge(ctx, badgeID, limit)
}

func badgeUpdateError(err error) error {
	var be *storage.BadgeError
	if errors.As(err, &be) {
		return &BadgeUpdateError{BadgeID: be.BadgeID, Retryable: errors.Is(be.Err, storage.ErrConflict), Err: be.Err}
	}
	return err
}

func lockKey(badgeID string) string {
	return "inventory:" + badgeID
}
