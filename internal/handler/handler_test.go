package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/config"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/inventory"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/pipeline"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/storage"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/util"
)

type stubScheduler struct{ enqueued []int64 }

func (s *stubScheduler) Enqueue(id int64) error {
	s.enqueued = append(s.enqueued, id)
	return nil
}

func (s *stubScheduler) Cancel(int64) bool { return false }

type testServer struct {
	router *gin.Engine
	db     *storage.DB
	sched  *stubScheduler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := storage.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.UpsertBadges(context.Background(), []internal.Badge{
		{ID: "cyclist", Name: "Cyclist", Category: "Outdoor"},
		{ID: "grey-wolf", Name: "Grey Wolf Award", Category: "Awards"},
		{ID: "swimmer", Name: "Swimmer", Category: "Outdoor"},
	}, 5)
	require.NoError(t, err)

	cfg := config.Config{OutputDir: t.TempDir(), MatchFloor: 50, MatchAutoThreshold: 90, MatchReviewThreshold: 70}
	sched := &stubScheduler{}
	router := NewRouter(Deps{
		DB:        db,
		Cfg:       cfg,
		Scans:     pipeline.NewScanService(db, cfg, sched),
		Inventory: inventory.NewEngine(db, nil),
	})
	return &testServer{router: router, db: db, sched: sched}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var out map[string]any
	if w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

// completedScan stores a finished one-image scan with a Swimmer detection of
// quantity 3 and an unmatched one.
func (s *testServer) completedScan(t *testing.T) (int64, []internal.Detection) {
	t.Helper()
	ctx := context.Background()
	scan, err := s.db.CreateScan(ctx, []string{"photo.jpg"})
	require.NoError(t, err)
	require.NoError(t, s.db.MarkScanProcessing(ctx, scan.ID, ""))
	images, err := s.db.ListScanImages(ctx, scan.ID)
	require.NoError(t, err)
	_, err = s.db.StartImage(ctx, images[0].ID)
	require.NoError(t, err)
	dets, err := s.db.CompleteImage(ctx, scan.ID, images[0].ID, "raw", []internal.Detection{
		{LineNo: 1, RawName: "Swimmer", RawLine: "Swimmer: 3", Quantity: 3, MatchedBadgeID: util.StringPtr("swimmer"), Confidence: 100},
		{LineNo: 2, RawName: "Xyzzy", RawLine: "Xyzzy", Quantity: 1, Confidence: 20},
	}, "")
	require.NoError(t, err)
	require.NoError(t, s.db.FinishScan(ctx, scan.ID, internal.ScanCompleted, "done", nil))
	return scan.ID, dets
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	w, body := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "unknown", body["recognizer"])
	assert.Nil(t, body["catalog"].(map[string]any)["loadedAt"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestStartProcessing(t *testing.T) {
	s := newTestServer(t)
	scan, err := s.db.CreateScan(context.Background(), []string{"a.jpg", "b.jpg"})
	require.NoError(t, err)

	w, body := s.do(t, http.MethodPost, "/api/v1/scans/1/process", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "processing", body["status"])
	assert.Equal(t, []int64{scan.ID}, s.sched.enqueued)

	w, body = s.do(t, http.MethodPost, "/api/v1/scans/1/process", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_state", errorCode(body))

	w, body = s.do(t, http.MethodPost, "/api/v1/scans/1/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_state", errorCode(body))
}

func TestScanErrors(t *testing.T) {
	s := newTestServer(t)

	w, body := s.do(t, http.MethodGet, "/api/v1/scans/42/status", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", errorCode(body))
	assert.Equal(t, false, body["error"].(map[string]any)["retryable"])

	w, body = s.do(t, http.MethodGet, "/api/v1/scans/abc/status", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "bad_request", errorCode(body))
}

func TestReviewAndReconcileFlow(t *testing.T) {
	s := newTestServer(t)
	scanID, dets := s.completedScan(t)
	base := "/api/v1/scans/" + strconv.FormatInt(scanID, 10)

	w, body := s.do(t, http.MethodGet, base+"/detections", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["detections"], 2)
	first := body["detections"].([]any)[0].(map[string]any)
	assert.Equal(t, "Swimmer", first["badgeName"])

	require.NoError(t, s.db.InsertRun(context.Background(), "trace-1", scanID, map[string]float64{"total": 1}, map[string]int{"images": 1}))
	w, body = s.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, w.Code)
	runs := body["runs"].([]any)
	require.Len(t, runs, 1)
	assert.Equal(t, "trace-1", runs[0].(map[string]any)["traceId"])

	w, body = s.do(t, http.MethodGet, "/api/v1/scans", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["total"])

	w, body = s.do(t, http.MethodPost, base+"/review", map[string]any{"decisions": []any{}})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "validation", errorCode(body))

	w, body = s.do(t, http.MethodPost, base+"/review", map[string]any{
		"decisions": []map[string]any{{"detectionId": dets[1].ID, "verified": true}},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "invalid_review", errorCode(body))

	w, _ = s.do(t, http.MethodPost, base+"/review", map[string]any{
		"decisions": []map[string]any{{"detectionId": dets[0].ID, "verified": true}},
	})
	require.Equal(t, http.StatusOK, w.Code)

	w, body = s.do(t, http.MethodPost, base+"/reconcile?preview=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["preview"], 1)

	w, body = s.do(t, http.MethodPost, base+"/reconcile", nil)
	require.Equal(t, http.StatusOK, w.Code)
	adjs := body["adjustments"].([]any)
	require.Len(t, adjs, 1)
	adj := adjs[0].(map[string]any)
	assert.Equal(t, "swimmer", adj["badgeId"])
	assert.Equal(t, float64(3), adj["quantityChange"])

	w, body = s.do(t, http.MethodPost, base+"/reconcile", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, body["adjustments"])

	w, body = s.do(t, http.MethodPost, base+"/review", map[string]any{
		"decisions": []map[string]any{{"detectionId": dets[0].ID, "verified": false}},
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "invalid_state", errorCode(body))

	w, body = s.do(t, http.MethodGet, "/api/v1/inventory/swimmer/adjustments", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["adjustments"], 1)
}

func TestInventoryEndpoints(t *testing.T) {
	s := newTestServer(t)

	w, body := s.do(t, http.MethodPut, "/api/v1/inventory/cyclist", map[string]any{"quantity": 4, "reorderThreshold": 6})
	require.Equal(t, http.StatusOK, w.Code)
	item := body["item"].(map[string]any)
	assert.Equal(t, float64(4), item["quantity"])
	assert.Equal(t, float64(6), item["reorderThreshold"])

	w, body = s.do(t, http.MethodPost, "/api/v1/inventory/cyclist/adjust", map[string]any{"change": -5})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "invalid_quantity", errorCode(body))

	w, body = s.do(t, http.MethodPost, "/api/v1/inventory/cyclist/adjust", map[string]any{"change": 0})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "validation", errorCode(body))

	w, body = s.do(t, http.MethodPost, "/api/v1/inventory/unicorn/adjust", map[string]any{"change": 1})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", errorCode(body))

	w, body = s.do(t, http.MethodGet, "/api/v1/inventory?lowStock=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), body["total"])

	w, body = s.do(t, http.MethodGet, "/api/v1/inventory/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(4), body["totalUnits"])
	assert.Equal(t, float64(3), body["badgeTypes"])
}

func TestBadgeEndpoints(t *testing.T) {
	s := newTestServer(t)

	w, body := s.do(t, http.MethodGet, "/api/v1/badges?category=outdoor", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), body["total"])
	assert.Equal(t, []any{"Awards", "Outdoor"}, body["categories"])

	w, body = s.do(t, http.MethodGet, "/api/v1/badges/grey-wolf", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Grey Wolf Award", body["badge"].(map[string]any)["name"])
	assert.Equal(t, float64(5), body["inventory"].(map[string]any)["reorderThreshold"])

	w, body = s.do(t, http.MethodGet, "/api/v1/badges/unicorn", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", errorCode(body))

	w, body = s.do(t, http.MethodGet, "/api/v1/badges/suggest?q=swim", nil)
	require.Equal(t, http.StatusOK, w.Code)
	suggestions := body["suggestions"].([]any)
	require.NotEmpty(t, suggestions)
	assert.Equal(t, "swimmer", suggestions[0].(map[string]any)["badgeId"])

	w, _ = s.do(t, http.MethodGet, "/api/v1/badges/suggest", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
