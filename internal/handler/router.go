package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/catalog"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/config"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/inventory"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/pipeline"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/storage"
)

// Pinger reports whether a dependency answers.
type Pinger interface {
	Health(ctx context.Context) error
}

type Deps struct {
	DB         *storage.DB
	Cfg        config.Config
	Scans      *pipeline.ScanService
	Inventory  *inventory.Engine
	Recognizer Pinger
}

type Handler struct {
	Deps
}

// NewRouter wires every route onto a fresh gin engine.
func NewRouter(d Deps) *gin.Engine {
	if d.Cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	h := &Handler{Deps: d}

	r := gin.New()
	r.Use(requestID())
	r.Use(requestLogger())
	r.Use(recovery())

	r.GET("/health", h.health)

	api := r.Group("/api/v1")

	api.GET("/scans", h.listScans)
	scans := api.Group("/scans/:id")
	scans.GET("", h.getScan)
	scans.POST("/process", h.startProcessing)
	scans.POST("/cancel", h.cancelProcessing)
	scans.GET("/status", h.scanStatus)
	scans.GET("/detections", h.scanDetections)
	scans.POST("/review", h.submitReview)
	scans.POST("/reconcile", h.reconcile)
	scans.GET("/export", h.exportScan)

	api.GET("/badges", h.listBadges)
	api.GET("/badges/suggest", h.suggestBadges)
	api.GET("/badges/:badgeId", h.getBadge)

	api.GET("/inventory", h.listInventory)
	api.GET("/inventory/stats", h.inventoryStats)
	api.POST("/inventory/:badgeId/adjust", h.adjustInventory)
	api.PUT("/inventory/:badgeId", h.setInventory)
	api.GET("/inventory/:badgeId/adjustments", h.listAdjustments)

	return r
}

func (h *Handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	dbStatus := "connected"
	if err := h.DB.Ping(ctx); err != nil {
		dbStatus = "error"
	}
	recognizerStatus := "unknown"
	if h.Recognizer != nil {
		recognizerStatus = "connected"
		if err := h.Recognizer.Health(ctx); err != nil {
			recognizerStatus = "error"
		}
	}

	catalogLoadedAt, err := catalog.LastLoaded(ctx, h.DB)
	if err != nil {
		dbStatus = "error"
	}

	status := http.StatusOK
	if dbStatus != "connected" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"ok":         status == http.StatusOK,
		"db":         dbStatus,
		"recognizer": recognizerStatus,
		"catalog":    gin.H{"loadedAt": catalogLoadedAt},
	})
}
