package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/roadside_dispatch/backend/internal/models"
	"github.com/roadside_dispatch/backend/internal/service"
)

type ImportSummary struct {
	Bookings struct {
		Parsed   int `json:"parsed"`
		Upserted int `json:"upserted"`
		Errors   int `json:"errors"`
	} `json:"bookings"`
	Mechanics struct {
		Parsed   int `json:"parsed"`
		Upserted int `json:"upserted"`
		Errors   int `json:"errors"`
	} `json:"mechanics"`
	Errors []string `json:"errors"`
}

// @Summary Force-expire an offer
// @Tags admin
// @Produce json
// @Param id path string true "offer id"
// @Success 200 {object} map[string]any
// @Router /api/admin/offers/{id}/expire [post]
func (h *Handler) ExpireOffer(c *gin.Context) {
	offer, err := h.Lifecycle.Expire(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": offer})
}

// @Summary Run one sweep
// @Tags admin
// @Produce json
// @Success 200 {object} service.SweepResult
// @Failure 409 {object} map[string]any
// @Router /api/admin/sweep [post]
func (h *Handler) Sweep(c *gin.Context) {
	res, err := h.Sweeper.RunOnce(c.Request.Context())
	if errors.Is(err, service.ErrSweepInProgress) {
		h.writeServiceError(c, err)
		return
	}
	if err != nil {
		h.Logger.Error().Err(err).Msg("manual sweep failed")
		writeError(c, http.StatusInternalServerError, "SWEEP_FAILED", "Sweep finished with errors", res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) DebugCandidates(c *gin.Context) {
	bookingID := c.Query("booking_id")
	if bookingID == "" {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "booking_id required", nil)
		return
	}
	report, err := h.Engine.Candidates(c.Request.Context(), bookingID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// @Summary Import CSV data
// @Description Upsert bookings and mechanics from CSV files. At least one file is required.
// @Tags admin
// @Accept multipart/form-data
// @Produce json
// @Param bookings formData file false "bookings.csv"
// @Param mechanics formData file false "mechanics.csv"
// @Success 200 {object} ImportSummary
// @Failure 400 {object} map[string]any
// @Router /api/admin/import [post]
func (h *Handler) Import(c *gin.Context) {
	bookingsFile, _ := c.FormFile("bookings")
	mechanicsFile, _ := c.FormFile("mechanics")
	if bookingsFile == nil && mechanicsFile == nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "bookings or mechanics file required", nil)
		return
	}
	if (bookingsFile != nil && !validateExt(bookingsFile.Filename)) || (mechanicsFile != nil && !validateExt(mechanicsFile.Filename)) {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "all files must be .csv", nil)
		return
	}

	summary := ImportSummary{Errors: []string{}}

	var bookings []models.Booking
	if bookingsFile != nil {
		var errs []string
		bookings, errs = parseBookingsCSV(bookingsFile)
		summary.Bookings.Parsed = len(bookings)
		summary.Bookings.Errors = len(errs)
		summary.Errors = append(summary.Errors, errs...)
	}
	var mechanics []models.Mechanic
	if mechanicsFile != nil {
		var errs []string
		mechanics, errs = parseMechanicsCSV(mechanicsFile)
		summary.Mechanics.Parsed = len(mechanics)
		summary.Mechanics.Errors = len(errs)
		summary.Errors = append(summary.Errors, errs...)
	}

	if len(summary.Errors) > 0 {
		writeError(c, http.StatusBadRequest, "CSV_PARSE_ERROR", "CSV validation errors", summary.Errors)
		return
	}

	ctx := c.Request.Context()
	if len(mechanics) > 0 {
		n, err := h.Store.UpsertMechanics(ctx, mechanics)
		if err != nil {
			h.writeServiceError(c, &service.TransactionError{Op: "upsert mechanics", Err: err})
			return
		}
		summary.Mechanics.Upserted = int(n)
	}
	if len(bookings) > 0 {
		n, err := h.Store.UpsertBookings(ctx, bookings)
		if err != nil {
			h.writeServiceError(c, &service.TransactionError{Op: "upsert bookings", Err: err})
			return
		}
		summary.Bookings.Upserted = int(n)
	}

	h.Logger.Info().
		Int("bookings", summary.Bookings.Upserted).
		Int("mechanics", summary.Mechanics.Upserted).
		Msg("import finished")
	c.JSON(http.StatusOK, summary)
}
