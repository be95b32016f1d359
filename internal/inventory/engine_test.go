package inventory

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/storage"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/util"
)

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "inventory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.UpsertBadges(context.Background(), []internal.Badge{
		{ID: "cyclist", Name: "Cyclist", Category: "Outdoor"},
		{ID: "grey-wolf", Name: "Grey Wolf Award", Category: "Awards"},
		{ID: "swimmer", Name: "Swimmer", Category: "Outdoor"},
	}, 5)
	require.NoError(t, err)
	return db
}

func detection(badgeID string, qty int) internal.Detection {
	return internal.Detection{
		RawName:        badgeID,
		RawLine:        badgeID,
		Quantity:       qty,
		MatchedBadgeID: util.StringPtr(badgeID),
		Confidence:     95,
	}
}

// completedScan runs a one-image scan through storage and returns the stored
// detections.
func completedScan(t *testing.T, db *storage.DB, dets ...internal.Detection) (int64, []internal.Detection) {
	t.Helper()
	ctx := context.Background()
	scan, err := db.CreateScan(ctx, []string{"photo.jpg"})
	require.NoError(t, err)
	require.NoError(t, db.MarkScanProcessing(ctx, scan.ID, "Queued"))
	images, err := db.ListScanImages(ctx, scan.ID)
	require.NoError(t, err)
	ok, err := db.StartImage(ctx, images[0].ID)
	require.NoError(t, err)
	require.True(t, ok)
	stored, err := db.CompleteImage(ctx, scan.ID, images[0].ID, "raw", dets, "1/1")
	require.NoError(t, err)
	require.NoError(t, db.FinishScan(ctx, scan.ID, internal.ScanCompleted, "done", nil))
	return scan.ID, stored
}

func verifyAll(t *testing.T, db *storage.DB, scanID int64, dets []internal.Detection) {
	t.Helper()
	updates := make([]storage.ReviewUpdate, 0, len(dets))
	for _, d := range dets {
		updates = append(updates, storage.ReviewUpdate{DetectionID: d.ID, Verified: true})
	}
	require.NoError(t, db.ApplyReview(context.Background(), scanID, updates))
}

func quantity(t *testing.T, db *storage.DB, badgeID string) int {
	t.Helper()
	item, err := db.GetInventory(context.Background(), badgeID)
	require.NoError(t, err)
	require.NotNil(t, item)
	return item.Quantity
}

func TestPlanDeltasAggregatesVerified(t *testing.T) {
	unverified := detection("cyclist", 4)
	unmatched := internal.Detection{RawName: "mystery", Quantity: 2, Verified: true}
	corrected := detection("swimmer", 1)
	corrected.CorrectedBadgeID = util.StringPtr("grey-wolf")
	corrected.Verified = true
	a := detection("swimmer", 2)
	a.Verified = true
	b := detection("swimmer", 1)
	b.Verified = true
	zero := detection("cyclist", 0)
	zero.Verified = true

	plan := PlanDeltas(3, []internal.Detection{unverified, unmatched, corrected, a, b, zero})

	assert.Equal(t, []internal.BadgeDelta{
		{BadgeID: "grey-wolf", Delta: 1},
		{BadgeID: "swimmer", Delta: 3},
	}, plan.Deltas)
	assert.Equal(t, 4, plan.Included)
	assert.Equal(t, 2, plan.Excluded)
}

func TestReconcileAddsVerifiedQuantities(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	engine := NewEngine(db, nil)

	_, err := engine.Adjust(ctx, "swimmer", 10, "opening stock")
	require.NoError(t, err)

	scanID, stored := completedScan(t, db, detection("swimmer", 3), detection("cyclist", 2))
	verifyAll(t, db, scanID, stored[:1])

	res, err := engine.Reconcile(ctx, scanID)
	require.NoError(t, err)
	require.Len(t, res.Adjustments, 1)
	adj := res.Adjustments[0]
	assert.Equal(t, "swimmer", adj.BadgeID)
	assert.Equal(t, 3, adj.QuantityChange)
	assert.Equal(t, 10, adj.PreviousQuantity)
	assert.Equal(t, 13, adj.NewQuantity)
	require.NotNil(t, adj.ScanID)
	assert.Equal(t, scanID, *adj.ScanID)
	assert.Equal(t, 1, res.Excluded)

	assert.Equal(t, 13, quantity(t, db, "swimmer"))
	assert.Equal(t, 0, quantity(t, db, "cyclist"))

	scan, err := db.MustScan(ctx, scanID)
	require.NoError(t, err)
	assert.NotNil(t, scan.ReconciledAt)
}

func TestReconcileAggregatesOneAdjustmentPerBadge(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	engine := NewEngine(db, nil)

	scanID, stored := completedScan(t, db, detection("swimmer", 2), detection("swimmer", 1))
	verifyAll(t, db, scanID, stored)

	res, err := engine.Reconcile(ctx, scanID)
	require.NoError(t, err)
	require.Len(t, res.Adjustments, 1)
	assert.Equal(t, 3, res.Adjustments[0].QuantityChange)

	adjs, err := db.ListAdjustmentsByScan(ctx, scanID)
	require.NoError(t, err)
	assert.Len(t, adjs, 1)
}

func TestReconcileTwiceAppliesOnce(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	engine := NewEngine(db, nil)

	scanID, stored := completedScan(t, db, detection("cyclist", 4))
	verifyAll(t, db, scanID, stored)

	_, err := engine.Reconcile(ctx, scanID)
	require.NoError(t, err)
	res, err := engine.Reconcile(ctx, scanID)
	require.NoError(t, err)

	assert.Empty(t, res.Adjustments)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, 4, res.Skipped[0].QuantityChange)
	assert.Equal(t, 4, quantity(t, db, "cyclist"))
}

func TestReconcileRequiresCompletedScan(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	engine := NewEngine(db, nil)

	scan, err := db.CreateScan(ctx, []string{"a.jpg"})
	require.NoError(t, err)

	_, err = engine.Reconcile(ctx, scan.ID)
	assert.ErrorIs(t, err, ErrNotReconcilable)

	_, err = engine.Reconcile(ctx, 999)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPreviewDoesNotWrite(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	engine := NewEngine(db, nil)

	scanID, stored := completedScan(t, db, detection("swimmer", 2))
	verifyAll(t, db, scanID, stored)

	lines, err := engine.Preview(ctx, scanID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, PreviewLine{BadgeID: "swimmer", Name: "Swimmer", Current: 0, Delta: 2, New: 2}, lines[0])
	assert.Equal(t, 0, quantity(t, db, "swimmer"))

	_, err = engine.Reconcile(ctx, scanID)
	require.NoError(t, err)
	lines, err = engine.Preview(ctx, scanID)
	require.NoError(t, err)
	assert.True(t, lines[0].AlreadyApplied)
	assert.Equal(t, 2, lines[0].New)
}

func TestConcurrentReconcilesKeepLedgerConsistent(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	engine := NewEngine(db, nil)

	const scans = 6
	ids := make([]int64, 0, scans)
	for i := 0; i < scans; i++ {
		scanID, stored := completedScan(t, db, detection("swimmer", 1), detection("cyclist", 2))
		verifyAll(t, db, scanID, stored)
		ids = append(ids, scanID)
	}

	var wg sync.WaitGroup
	errs := make(chan error, scans)
	for _, id := range ids {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := engine.Reconcile(ctx, id)
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, scans, quantity(t, db, "swimmer"))
	assert.Equal(t, 2*scans, quantity(t, db, "cyclist"))

	discrepancies, err := engine.VerifyLedger(ctx)
	require.NoError(t, err)
	assert.Empty(t, discrepancies)
}

func TestReviewRacingReconcileIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	engine := NewEngine(db, nil)

	race := func(t *testing.T, verifiedBefore, verify bool) {
		for i := 0; i < 20; i++ {
			scanID, stored := completedScan(t, db, detection("swimmer", 1))
			if verifiedBefore {
				verifyAll(t, db, scanID, stored)
			}

			var wg sync.WaitGroup
			var reviewErr, reconcileErr error
			wg.Add(2)
			go func() {
				defer wg.Done()
				reviewErr = db.ApplyReview(ctx, scanID, []storage.ReviewUpdate{{DetectionID: stored[0].ID, Verified: verify}})
			}()
			go func() {
				defer wg.Done()
				_, reconcileErr = engine.Reconcile(ctx, scanID)
			}()
			wg.Wait()
			require.NoError(t, reconcileErr)

			// The review either landed before reconciliation or was refused.
			verified := verifiedBefore
			if reviewErr == nil {
				verified = verify
			} else {
				require.ErrorIs(t, reviewErr, storage.ErrReconciled)
			}
			adjs, err := db.ListAdjustmentsByScan(ctx, scanID)
			require.NoError(t, err)
			if verified {
				assert.Len(t, adjs, 1, "scan %d", scanID)
			} else {
				assert.Empty(t, adjs, "scan %d", scanID)
			}

			again, err := engine.Reconcile(ctx, scanID)
			require.NoError(t, err)
			assert.Empty(t, again.Adjustments, "scan %d", scanID)
		}
	}

	t.Run("verify", func(t *testing.T) { race(t, false, true) })
	t.Run("unverify", func(t *testing.T) { race(t, true, false) })

	discrepancies, err := engine.VerifyLedger(ctx)
	require.NoError(t, err)
	assert.Empty(t, discrepancies)
}

func TestAdjustRejectsNegativeResult(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	engine := NewEngine(db, nil)

	_, err := engine.Adjust(ctx, "swimmer", 2, "")
	require.NoError(t, err)

	_, err = engine.Adjust(ctx, "swimmer", -3, "")
	assert.ErrorIs(t, err, ErrNegativeQuantity)
	_, err = engine.Adjust(ctx, "swimmer", 0, "")
	assert.ErrorIs(t, err, ErrZeroChange)
	_, err = engine.Adjust(ctx, "unknown", 1, "")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	adj, err := engine.Adjust(ctx, "swimmer", -2, "handed out")
	require.NoError(t, err)
	assert.Equal(t, 0, adj.NewQuantity)
}

func TestSetQuantity(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	engine := NewEngine(db, nil)

	adj, err := engine.SetQuantity(ctx, "cyclist", 7, "stocktake")
	require.NoError(t, err)
	require.NotNil(t, adj)
	assert.Equal(t, 7, adj.QuantityChange)

	adj, err = engine.SetQuantity(ctx, "cyclist", 7, "stocktake")
	require.NoError(t, err)
	assert.Nil(t, adj)

	adj, err = engine.SetQuantity(ctx, "cyclist", 4, "stocktake")
	require.NoError(t, err)
	assert.Equal(t, -3, adj.QuantityChange)

	_, err = engine.SetQuantity(ctx, "cyclist", -1, "")
	assert.ErrorIs(t, err, ErrNegativeQuantity)

	history, err := engine.History(ctx, "cyclist", 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	engine := NewEngine(db, nil)

	_, err := engine.SetQuantity(ctx, "swimmer", 3, "")
	require.NoError(t, err)
	_, err = engine.SetQuantity(ctx, "cyclist", 9, "")
	require.NoError(t, err)
	require.NoError(t, engine.SetThreshold(ctx, "cyclist", 2))
	assert.ErrorIs(t, engine.SetThreshold(ctx, "cyclist", -1), ErrInvalidThreshold)

	s, err := engine.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, s.BadgeTypes)
	assert.Equal(t, 12, s.TotalUnits)
	assert.Equal(t, 1, s.LowStock)
	assert.Equal(t, 1, s.OutOfStock)
	assert.Equal(t, map[string]int{"Outdoor": 12, "Awards": 0}, s.UnitsByCategory)
}

func TestBadgeUpdateErrorMapping(t *testing.T) {
	err := badgeUpdateError(&storage.BadgeError{BadgeID: "swimmer", Err: storage.ErrConflict})
	var bue *BadgeUpdateError
	require.True(t, errors.As(err, &bue))
	assert.Equal(t, "swimmer", bue.BadgeID)
	assert.True(t, bue.Retryable)
	assert.ErrorIs(t, err, storage.ErrConflict)

	err = badgeUpdateError(&storage.BadgeError{BadgeID: "cyclist", Err: storage.ErrNotFound})
	require.True(t, errors.As(err, &bue))
	assert.False(t, bue.Retryable)

	plain := errors.New("disk full")
	assert.Equal(t, plain, badgeUpdateError(plain))
}
