package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/roadside_dispatch/backend/internal/http/middleware"
	"github.com/roadside_dispatch/backend/internal/models"
	"github.com/roadside_dispatch/backend/internal/notify"
	"github.com/roadside_dispatch/backend/internal/service"
)

// Store is the read and seed surface the handlers use directly. State changes
// go through the services.
type Store interface {
	Ping(ctx context.Context) error
	GetOffer(ctx context.Context, id string) (models.Offer, error)
	GetSLA(ctx context.Context, bookingID string) (models.SLARecord, error)
	UpsertBookings(ctx context.Context, bookings []models.Booking) (int64, error)
	UpsertMechanics(ctx context.Context, mechanics []models.Mechanic) (int64, error)
}

type Handler struct {
	Store     Store
	Engine    *service.DispatchEngine
	Lifecycle *service.OfferLifecycle
	Tracker   *service.SLATracker
	Sweeper   *service.Sweeper
	Hub       *notify.Hub
	Validator *validator.Validate
	Logger    zerolog.Logger
}

func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		writeError(c, http.StatusServiceUnavailable, "DB_UNAVAILABLE", "Database unavailable", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func writeError(c *gin.Context, status int, code string, message string, details any) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
			"details": details,
		},
	})
}

var serviceErrors = []struct {
	err    error
	status int
	code   string
}{
	{service.ErrValidation, http.StatusBadRequest, "VALIDATION_ERROR"},
	{service.ErrBookingNotFound, http.StatusNotFound, "BOOKING_NOT_FOUND"},
	{service.ErrBookingNotDispatchable, http.StatusConflict, "BOOKING_NOT_DISPATCHABLE"},
	{service.ErrNoMechanicAvailable, http.StatusConflict, "NO_MECHANIC_AVAILABLE"},
	{service.ErrInvalidMechanic, http.StatusUnprocessableEntity, "INVALID_MECHANIC"},
	{service.ErrMechanicUnavailable, http.StatusConflict, "MECHANIC_UNAVAILABLE"},
	{service.ErrOfferAlreadyActive, http.StatusConflict, "OFFER_ALREADY_ACTIVE"},
	{service.ErrOfferNotFound, http.StatusNotFound, "OFFER_NOT_FOUND"},
	{service.ErrNotAuthorized, http.StatusForbidden, "NOT_AUTHORIZED"},
	{service.ErrOfferNoLongerValid, http.StatusConflict, "OFFER_NO_LONGER_VALID"},
	{service.ErrOfferExpired, http.StatusGone, "OFFER_EXPIRED"},
	{service.ErrSLANotFound, http.StatusNotFound, "SLA_NOT_FOUND"},
	{service.ErrSLAInvalidState, http.StatusConflict, "SLA_INVALID_STATE"},
	{service.ErrSweepInProgress, http.StatusConflict, "SWEEP_IN_PROGRESS"},
	{service.ErrGeoServiceUnavailable, http.StatusServiceUnavailable, "GEO_SERVICE_UNAVAILABLE"},
}

// writeServiceError maps the engine's error taxonomy onto the error envelope.
func (h *Handler) writeServiceError(c *gin.Context, err error) {
	for _, se := range serviceErrors {
		if errors.Is(err, se.err) {
			writeError(c, se.status, se.code, err.Error(), nil)
			return
		}
	}

	var txErr *service.TransactionError
	if errors.As(err, &txErr) {
		h.Logger.Error().Err(txErr.Err).
			Str("op", txErr.Op).
			Str("booking_id", txErr.BookingID).
			Str("request_id", c.GetString(middleware.RequestIDHeader)).
			Msg("transaction failure")
		writeError(c, http.StatusInternalServerError, "TRANSACTION_FAILURE", "Persistence failure", txErr.Op)
		return
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		writeError(c, http.StatusServiceUnavailable, "REQUEST_TIMEOUT", "Request did not complete in time", nil)
		return
	}
	h.Logger.Error().Err(err).Str("request_id", c.GetString(middleware.RequestIDHeader)).Msg("unhandled error")
	writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal error", nil)
}
