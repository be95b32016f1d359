package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/inventory"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/pipeline"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/storage"
	"github.com/warrencammack/Scouts-InventoryOrder-sub000/internal/worker"
)

type apiError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
	BadgeID   string            `json:"badgeId,omitempty"`
	Fields    map[string]string `json:"fields,omitempty"`
}

func abort(c *gin.Context, status int, e apiError) {
	c.AbortWithStatusJSON(status, gin.H{"error": e})
}

func badRequest(c *gin.Context, msg string) {
	abort(c, http.StatusBadRequest, apiError{Code: "bad_request", Message: msg})
}

// writeError maps domain errors to an HTTP status and the error envelope.
// Anything unrecognised is logged and reported without detail.
func writeError(c *gin.Context, err error) {
	var badge *inventory.BadgeUpdateError
	var review *pipeline.ReviewError

	switch {
	case errors.As(err, &badge):
		status := http.StatusUnprocessableEntity
		code := "badge_update_failed"
		if badge.Retryable {
			status = http.StatusConflict
			code = "conflict"
		}
		abort(c, status, apiError{Code: code, Message: err.Error(), Retryable: badge.Retryable, BadgeID: badge.BadgeID})
	case errors.As(err, &review):
		abort(c, http.StatusUnprocessableEntity, apiError{Code: "invalid_review", Message: err.Error()})
	case errors.Is(err, storage.ErrConflict):
		abort(c, http.StatusConflict, apiError{Code: "conflict", Message: err.Error(), Retryable: true})
	case errors.Is(err, storage.ErrNotFound):
		abort(c, http.StatusNotFound, apiError{Code: "not_found", Message: err.Error()})
	case errors.Is(err, storage.ErrInvalidTransition),
		errors.Is(err, pipeline.ErrScanNotReviewable),
		errors.Is(err, pipeline.ErrAlreadyReconciled),
		errors.Is(err, pipeline.ErrNotRunning),
		errors.Is(err, pipeline.ErrAlreadyScheduled),
		errors.Is(err, inventory.ErrNotReconcilable):
		abort(c, http.StatusConflict, apiError{Code: "invalid_state", Message: err.Error()})
	case errors.Is(err, inventory.ErrNegativeQuantity),
		errors.Is(err, inventory.ErrZeroChange),
		errors.Is(err, inventory.ErrInvalidThreshold):
		abort(c, http.StatusUnprocessableEntity, apiError{Code: "invalid_quantity", Message: err.Error()})
	case errors.Is(err, worker.ErrQueueFull):
		abort(c, http.StatusServiceUnavailable, apiError{Code: "busy", Message: err.Error(), Retryable: true})
	default:
		log.Error().Err(err).Str("request_id", c.GetString(requestIDKey)).Str("path", c.FullPath()).Msg("request failed")
		abort(c, http.StatusInternalServerError, apiError{Code: "internal", Message: "internal server error"})
	}
}

// bindJSON decodes the body and runs its binding tags. It writes the error
// response itself and reports false when the caller should stop.
func bindJSON(c *gin.Context, req any) bool {
	err := c.ShouldBindJSON(req)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		abort(c, http.StatusUnprocessableEntity, apiError{Code: "validation", Message: "invalid request body", Fields: fields})
		return false
	}
	badRequest(c, "invalid JSON: "+err.Error())
	return false
}
