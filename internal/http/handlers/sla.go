package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/roadside_dispatch/backend/internal/db"
	"github.com/roadside_dispatch/backend/internal/service"
)

type InitializeSLARequest struct {
	ExpectedDurationSeconds *int64 `json:"expected_duration_seconds" validate:"required,gte=0"`
}

type CompleteBookingRequest struct {
	ActualDurationMs *int64 `json:"actual_duration_ms" validate:"required,gte=0"`
}

func (h *Handler) GetSLA(c *gin.Context) {
	rec, err := h.Store.GetSLA(c.Request.Context(), c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		writeError(c, http.StatusNotFound, "SLA_NOT_FOUND", "SLA record not found", nil)
		return
	}
	if err != nil {
		h.writeServiceError(c, &service.TransactionError{Op: "get sla", BookingID: c.Param("id"), Err: err})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sla": rec})
}

// @Summary Report job completion
// @Description Finalizes the SLA record and its variance. Valid once, from IN_TRANSIT.
// @Tags sla
// @Accept json
// @Produce json
// @Param id path string true "booking id"
// @Param request body CompleteBookingRequest true "completion"
// @Success 200 {object} map[string]any
// @Router /api/bookings/{id}/complete [post]
func (h *Handler) CompleteBooking(c *gin.Context) {
	var req CompleteBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
		return
	}
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}

	rec, err := h.Tracker.Complete(c.Request.Context(), c.Param("id"), *req.ActualDurationMs)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sla": rec})
}

// @Summary Initialize a pending SLA record
// @Description Creates or updates the PENDING record of a booking. Fails once the record has left PENDING.
// @Tags admin
// @Accept json
// @Produce json
// @Param id path string true "booking id"
// @Param request body InitializeSLARequest true "expected duration"
// @Success 200 {object} map[string]any
// @Router /api/admin/bookings/{id}/sla [put]
func (h *Handler) InitializeSLA(c *gin.Context) {
	var req InitializeSLARequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
		return
	}
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}

	rec, err := h.Tracker.Initialize(c.Request.Context(), c.Param("id"), *req.ExpectedDurationSeconds)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sla": rec})
}
