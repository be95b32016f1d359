package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/catalog"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/pipeline"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/storage"
)

func (h *Handler) listBadges(c *gin.Context) {
	snapshot, err := catalog.Current(c.Request.Context(), h.DB)
	if err != nil {
		writeError(c, err)
		return
	}
	category := strings.TrimSpace(c.Query("category"))
	badges := make([]internal.Badge, 0, snapshot.Len())
	for _, e := range snapshot.Entries() {
		if category != "" && !strings.EqualFold(e.Badge.Category, category) {
			continue
		}
		badges = append(badges, e.Badge)
	}
	c.JSON(http.StatusOK, gin.H{"badges": badges, "total": len(badges), "categories": snapshot.Categories()})
}

func (h *Handler) getBadge(c *gin.Context) {
	badgeID := c.Param("badgeId")
	badge, err := h.DB.GetBadge(c.Request.Context(), badgeID)
	if err != nil {
		writeError(c, err)
		return
	}
	if badge == nil {
		writeError(c, fmt.Errorf("badge %s: %w", badgeID, storage.ErrNotFound))
		return
	}
	item, err := h.DB.GetInventory(c.Request.Context(), badgeID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"badge": badge, "inventory": item})
}

func (h *Handler) suggestBadges(c *gin.Context) {
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		badRequest(c, "q is required")
		return
	}
	limit, _ := strconv.Atoi(c.Query("limit"))

	snapshot, err := catalog.Current(c.Request.Context(), h.DB)
	if err != nil {
		writeError(c, err)
		return
	}
	suggestions := pipeline.NewMatcher(snapshot, pipeline.MatchConfigFrom(h.Cfg)).Suggest(q, limit)
	c.JSON(http.StatusOK, gin.H{"query": q, "suggestions": suggestions})
}

type inventoryRow struct {
	internal.InventoryItem
	LowStock bool `json:"lowStock"`
}

func (h *Handler) listInventory(c *gin.Context) {
	items, err := h.DB.ListInventory(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	lowOnly, _ := strconv.ParseBool(c.Query("lowStock"))
	rows := make([]inventoryRow, 0, len(items))
	for _, it := range items {
		if lowOnly && !it.LowStock() {
			continue
		}
		rows = append(rows, inventoryRow{InventoryItem: it, LowStock: it.LowStock()})
	}
	c.JSON(http.StatusOK, gin.H{"items": rows, "total": len(rows)})
}

func (h *Handler) inventoryStats(c *gin.Context) {
	stats, err := h.Inventory.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

type adjustRequest struct {
	Change int    `json:"change" binding:"required"`
	Notes  string `json:"notes" binding:"max=500"`
}

func (h *Handler) adjustInventory(c *gin.Context) {
	var req adjustRequest
	if !bindJSON(c, &req) {
		return
	}
	adj, err := h.Inventory.Adjust(c.Request.Context(), c.Param("badgeId"), req.Change, req.Notes)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, adj)
}

type setInventoryRequest struct {
	Quantity         *int   `json:"quantity" binding:"omitempty,min=0"`
	ReorderThreshold *int   `json:"reorderThreshold" binding:"omitempty,min=0"`
	Notes            string `json:"notes" binding:"max=500"`
}

func (h *Handler) setInventory(c *gin.Context) {
	var req setInventoryRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.Quantity == nil && req.ReorderThreshold == nil {
		badRequest(c, "quantity or reorderThreshold is required")
		return
	}
	ctx := c.Request.Context()
	badgeID := c.Param("badgeId")

	var adj *internal.Adjustment
	if req.Quantity != nil {
		notes := req.Notes
		if notes == "" {
			notes = "Manual stock count"
		}
		var err error
		adj, err = h.Inventory.SetQuantity(ctx, badgeID, *req.Quantity, notes)
		if err != nil {
			writeError(c, err)
			return
		}
	}
	if req.ReorderThreshold != nil {
		if err := h.Inventory.SetThreshold(ctx, badgeID, *req.ReorderThreshold); err != nil {
			writeError(c, err)
			return
		}
	}

	item, err := h.DB.GetInventory(ctx, badgeID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"item": item, "adjustment": adj})
}

func (h *Handler) listAdjustments(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	adjs, err := h.Inventory.History(c.Request.Context(), c.Param("badgeId"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if adjs == nil {
		adjs = []internal.Adjustment{}
	}
	c.JSON(http.StatusOK, gin.H{"badgeId": c.Param("badgeId"), "adjustments": adjs})
}
