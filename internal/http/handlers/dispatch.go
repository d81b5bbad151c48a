package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roadside_dispatch/backend/internal/db"
	"github.com/roadside_dispatch/backend/internal/http/middleware"
	"github.com/roadside_dispatch/backend/internal/service"
)

type CreateDispatchRequest struct {
	BookingID  string     `json:"booking_id" validate:"required"`
	MechanicID string     `json:"mechanic_id"`
	ExpiresAt  *time.Time `json:"expires_at"`
}

type RejectOfferRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

// @Summary Dispatch a booking
// @Description Creates an offer for the nearest free mechanic, or for mechanic_id when given
// @Tags dispatch
// @Accept json
// @Produce json
// @Param request body CreateDispatchRequest true "dispatch request"
// @Success 201 {object} models.Dispatch
// @Failure 409 {object} map[string]any
// @Router /api/dispatches [post]
func (h *Handler) CreateDispatch(c *gin.Context) {
	var req CreateDispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
		return
	}
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}

	d, err := h.Engine.Create(c.Request.Context(), service.CreateRequest{
		BookingID:   req.BookingID,
		MechanicID:  req.MechanicID,
		ExpiresAt:   req.ExpiresAt,
		InitiatorID: c.GetString(middleware.CallerIDKey),
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (h *Handler) GetOffer(c *gin.Context) {
	offer, err := h.Store.GetOffer(c.Request.Context(), c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		writeError(c, http.StatusNotFound, "OFFER_NOT_FOUND", "Offer not found", nil)
		return
	}
	if err != nil {
		h.writeServiceError(c, &service.TransactionError{Op: "get offer", Err: err})
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

// @Summary Accept an offer
// @Tags offers
// @Produce json
// @Param id path string true "offer id"
// @Success 200 {object} db.AcceptResult
// @Failure 410 {object} map[string]any
// @Router /api/offers/{id}/accept [post]
func (h *Handler) AcceptOffer(c *gin.Context) {
	res, err := h.Lifecycle.Accept(c.Request.Context(), c.Param("id"), c.GetString(middleware.CallerIDKey))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) RejectOffer(c *gin.Context) {
	var req RejectOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
		return
	}
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}

	offer, err := h.Lifecycle.Reject(c.Request.Context(), c.Param("id"), c.GetString(middleware.CallerIDKey), req.Reason)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}
