package handler

import (
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/pipeline"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/storage"
)

func scanID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid scan id")
		return 0, false
	}
	return id, true
}

func (h *Handler) getScan(c *gin.Context) {
	id, ok := scanID(c)
	if !ok {
		return
	}
	detail, err := h.Scans.GetDetections(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	runs, err := h.DB.ListRuns(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if runs == nil {
		runs = []storage.RunRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"scan": detail.Scan, "images": detail.Images, "detections": detail.Detections, "runs": runs})
}

func (h *Handler) listScans(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	scans, err := h.DB.ListScans(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if scans == nil {
		scans = []internal.Scan{}
	}
	c.JSON(http.StatusOK, gin.H{"scans": scans, "total": len(scans)})
}

func (h *Handler) startProcessing(c *gin.Context) {
	id, ok := scanID(c)
	if !ok {
		return
	}
	if _, err := h.Scans.StartProcessing(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	status, err := h.Scans.GetStatus(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, status)
}

func (h *Handler) cancelProcessing(c *gin.Context) {
	id, ok := scanID(c)
	if !ok {
		return
	}
	if err := h.Scans.CancelProcessing(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"scanId": id, "cancelling": true})
}

func (h *Handler) scanStatus(c *gin.Context) {
	id, ok := scanID(c)
	if !ok {
		return
	}
	status, err := h.Scans.GetStatus(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *Handler) scanDetections(c *gin.Context) {
	id, ok := scanID(c)
	if !ok {
		return
	}
	detail, err := h.Scans.GetDetections(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scanId": id, "detections": detail.Detections})
}

type reviewRequest struct {
	Decisions []reviewDecision `json:"decisions" binding:"required,min=1,dive"`
}

type reviewDecision struct {
	DetectionID      int64   `json:"detectionId" binding:"required,gt=0"`
	Verified         bool    `json:"verified"`
	CorrectedBadgeID *string `json:"correctedBadgeId"`
}

func (h *Handler) submitReview(c *gin.Context) {
	id, ok := scanID(c)
	if !ok {
		return
	}
	var req reviewRequest
	if !bindJSON(c, &req) {
		return
	}
	decisions := make([]pipeline.ReviewDecision, 0, len(req.Decisions))
	for _, d := range req.Decisions {
		decisions = append(decisions, pipeline.ReviewDecision{
			DetectionID:      d.DetectionID,
			Verified:         d.Verified,
			CorrectedBadgeID: d.CorrectedBadgeID,
		})
	}
	if err := h.Scans.SubmitReview(c.Request.Context(), id, decisions); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scanId": id, "updated": len(decisions)})
}

func (h *Handler) reconcile(c *gin.Context) {
	id, ok := scanID(c)
	if !ok {
		return
	}
	if preview, _ := strconv.ParseBool(c.Query("preview")); preview {
		lines, err := h.Inventory.Preview(c.Request.Context(), id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"scanId": id, "preview": lines})
		return
	}
	res, err := h.Inventory.Reconcile(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) exportScan(c *gin.Context) {
	id, ok := scanID(c)
	if !ok {
		return
	}
	path, err := h.Scans.ExportReview(c.Request.Context(), id, "")
	if err != nil {
		writeError(c, err)
		return
	}
	c.FileAttachment(path, filepath.Base(path))
}
