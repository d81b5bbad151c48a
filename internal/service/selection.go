package service

import (
	"context"
	"errors"
	"sort"

	"github.com/roadside_dispatch/backend/internal/db"
	"github.com/roadside_dispatch/backend/internal/geo"
	"github.com/roadside_dispatch/backend/internal/models"
	"github.com/roadside_dispatch/backend/internal/utils"
)

type CandidateReport struct {
	BookingID  string           `json:"booking_id"`
	Pickup     models.Point     `json:"pickup"`
	RadiusKm   float64          `json:"radius_km"`
	Stages     []CandidateStage `json:"stages"`
	Eligible   []geo.Candidate  `json:"eligible"`
	ReasonCode string           `json:"reason_code,omitempty"`
	ReasonText string           `json:"reason_text,omitempty"`
}

type CandidateStage struct {
	Name        string   `json:"name"`
	MechanicIDs []string `json:"mechanic_ids"`
}

// EvaluateCandidates applies the auto-dispatch filters one stage at a time and
// records who survives each stage. The first empty stage explains why no offer
// could be made.
func EvaluateCandidates(mechanics []models.Mechanic, pickup models.Point, radiusKm float64) CandidateReport {
	report := CandidateReport{Pickup: pickup, RadiusKm: radiusKm}

	stages := []struct {
		name string
		code string
		text string
		keep func(models.Mechanic) bool
	}{
		{"role_rule", "ROLE_MISMATCH", "No accounts with the mechanic role", func(m models.Mechanic) bool {
			return m.Role == models.RoleMechanic
		}},
		{"online_rule", "ALL_OFFLINE", "No mechanic is online", func(m models.Mechanic) bool {
			return m.Online
		}},
		{"available_rule", "ALL_UNAVAILABLE", "No online mechanic is available", func(m models.Mechanic) bool {
			return m.Available
		}},
		{"reservation_rule", "ALL_RESERVED", "Every available mechanic holds a reservation", func(m models.Mechanic) bool {
			return !m.Reserved
		}},
		{"location_rule", "NO_LOCATION", "No free mechanic has a known location", func(m models.Mechanic) bool {
			_, ok := m.Location()
			return ok
		}},
		{"radius_rule", "OUT_OF_RADIUS", "No free mechanic within the dispatch radius", func(m models.Mechanic) bool {
			loc, _ := m.Location()
			return utils.HaversineKm(pickup, loc) <= radiusKm
		}},
	}

	report.Stages = append(report.Stages, CandidateStage{Name: "all_mechanics", MechanicIDs: mechanicIDs(mechanics)})
	if len(mechanics) == 0 {
		report.ReasonCode = "NO_MECHANICS"
		report.ReasonText = "No mechanics registered"
		return report
	}

	current := mechanics
	for _, st := range stages {
		current = filterMechanics(current, st.keep)
		report.Stages = append(report.Stages, CandidateStage{Name: st.name, MechanicIDs: mechanicIDs(current)})
		if len(current) == 0 {
			report.ReasonCode = st.code
			report.ReasonText = st.text
			return report
		}
	}

	for _, m := range current {
		loc, _ := m.Location()
		report.Eligible = append(report.Eligible, geo.Candidate{
			MechanicID: m.ID,
			Point:      loc,
			DistanceKm: utils.HaversineKm(pickup, loc),
		})
	}
	sort.SliceStable(report.Eligible, func(i, j int) bool {
		if report.Eligible[i].DistanceKm == report.Eligible[j].DistanceKm {
			return report.Eligible[i].MechanicID < report.Eligible[j].MechanicID
		}
		return report.Eligible[i].DistanceKm < report.Eligible[j].DistanceKm
	})
	return report
}

// Candidates explains the auto-dispatch decision for a booking without
// creating anything.
func (e *DispatchEngine) Candidates(ctx context.Context, bookingID string) (CandidateReport, error) {
	booking, err := e.Store.GetBooking(ctx, bookingID)
	if errors.Is(err, db.ErrNotFound) {
		return CandidateReport{}, ErrBookingNotFound
	}
	if err != nil {
		return CandidateReport{}, txError("get booking", bookingID, err)
	}
	pickup, err := e.pickup(ctx, booking)
	if err != nil {
		return CandidateReport{}, err
	}
	mechanics, err := e.Store.ListMechanics(ctx)
	if err != nil {
		return CandidateReport{}, txError("list mechanics", bookingID, err)
	}
	report := EvaluateCandidates(mechanics, pickup, e.radiusKm())
	report.BookingID = booking.ID
	return report, nil
}

func filterMechanics(mechanics []models.Mechanic, keep func(models.Mechanic) bool) []models.Mechanic {
	out := make([]models.Mechanic, 0, len(mechanics))
	for _, m := range mechanics {
		if keep(m) {
			out = append(out, m)
		}
	}
	return out
}

func mechanicIDs(mechanics []models.Mechanic) []string {
	ids := make([]string, 0, len(mechanics))
	for _, m := range mechanics {
		ids = append(ids, m.ID)
	}
	return ids
}
