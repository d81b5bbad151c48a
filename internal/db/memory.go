package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/roadside_dispatch/backend/internal/models"
)

// MemoryStore keeps all records in process. Every operation holds a single
// mutex, which gives each call the atomicity of a database transaction.
type MemoryStore struct {
	mu           sync.Mutex
	bookings     map[string]models.Booking
	mechanics    map[string]models.Mechanic
	offers       map[string]models.Offer
	reservations map[string]models.Reservation
	slas         map[string]models.SLARecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings:     map[string]models.Booking{},
		mechanics:    map[string]models.Mechanic{},
		offers:       map[string]models.Offer{},
		reservations: map[string]models.Reservation{},
		slas:         map[string]models.SLARecord{},
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) GetBooking(ctx context.Context, id string) (models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return models.Booking{}, ErrNotFound
	}
	return b, nil
}

func (s *MemoryStore) UpsertBookings(ctx context.Context, bookings []models.Booking) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range bookings {
		s.bookings[b.ID] = b
	}
	return int64(len(bookings)), nil
}

func (s *MemoryStore) GetMechanic(ctx context.Context, id string) (models.Mechanic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mechanics[id]
	if !ok {
		return models.Mechanic{}, ErrNotFound
	}
	return s.withReservation(m), nil
}

func (s *MemoryStore) ListMechanics(ctx context.Context) ([]models.Mechanic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Mechanic, 0, len(s.mechanics))
	for _, m := range s.mechanics {
		out = append(out, s.withReservation(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListDispatchableMechanics(ctx context.Context) ([]models.Mechanic, error) {
	all, err := s.ListMechanics(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, m := range all {
		if _, ok := m.Location(); !ok {
			continue
		}
		if m.Role == models.RoleMechanic && m.Online && m.Available && !m.Reserved {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpsertMechanics(ctx context.Context, mechanics []models.Mechanic) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range mechanics {
		m.Reserved = false
		s.mechanics[m.ID] = m
	}
	return int64(len(mechanics)), nil
}

func (s *MemoryStore) withReservation(m models.Mechanic) models.Mechanic {
	_, m.Reserved = s.reservations[m.ID]
	return m
}

func (s *MemoryStore) CreateOffer(ctx context.Context, offer models.Offer, sla models.SLARecord) (models.Dispatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	booking, ok := s.bookings[offer.BookingID]
	if !ok {
		return models.Dispatch{}, ErrNotFound
	}
	if !booking.Status.Dispatchable() {
		return models.Dispatch{}, ErrBookingClosed
	}
	if _, ok := s.mechanics[offer.MechanicID]; !ok {
		return models.Dispatch{}, ErrNotFound
	}
	for _, o := range s.offers {
		if o.BookingID == offer.BookingID && o.Status == models.OfferAssigned {
			return models.Dispatch{}, ErrOfferActive
		}
	}
	if _, taken := s.reservations[offer.MechanicID]; taken {
		return models.Dispatch{}, ErrMechanicReserved
	}
	record, err := s.pendingSLA(sla)
	if err != nil {
		return models.Dispatch{}, err
	}

	offer.Status = models.OfferAssigned
	s.offers[offer.ID] = offer
	s.reservations[offer.MechanicID] = models.Reservation{
		MechanicID: offer.MechanicID,
		BookingID:  offer.BookingID,
		OfferID:    offer.ID,
		ReservedAt: offer.CreatedAt,
	}
	s.slas[record.BookingID] = record
	return models.Dispatch{Offer: offer, SLA: s.slaView(record)}, nil
}

// pendingSLA merges sla into any existing record without storing it.
func (s *MemoryStore) pendingSLA(sla models.SLARecord) (models.SLARecord, error) {
	existing, ok := s.slas[sla.BookingID]
	if !ok {
		sla.Status = models.SLAPending
		sla.IsBreached = false
		return sla, nil
	}
	if existing.Status != models.SLAPending {
		return models.SLARecord{}, ErrSLAState
	}
	if sla.OfferID != "" {
		existing.OfferID = sla.OfferID
	}
	if sla.MechanicID != "" {
		existing.MechanicID = sla.MechanicID
	}
	existing.StartTime = sla.StartTime
	existing.ExpectedDurationSeconds = sla.ExpectedDurationSeconds
	existing.UpdatedAt = sla.UpdatedAt
	return existing, nil
}

func (s *MemoryStore) slaView(r models.SLARecord) models.SLARecord {
	r.CustomerID = s.bookings[r.BookingID].CustomerID
	return r
}

func (s *MemoryStore) GetOffer(ctx context.Context, id string) (models.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.offers[id]
	if !ok {
		return models.Offer{}, ErrNotFound
	}
	return o, nil
}

func (s *MemoryStore) ActiveOffer(ctx context.Context, bookingID string) (models.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.offers {
		if o.BookingID == bookingID && o.Status == models.OfferAssigned {
			return o, nil
		}
	}
	return models.Offer{}, ErrNotFound
}

func (s *MemoryStore) AcceptOffer(ctx context.Context, p AcceptParams) (AcceptResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	offer, ok := s.offers[p.OfferID]
	if !ok || offer.MechanicID != p.MechanicID || offer.Status != models.OfferAssigned || !p.At.Before(offer.ExpiresAt) {
		return AcceptResult{}, ErrOfferNotAssigned
	}
	booking, ok := s.bookings[offer.BookingID]
	if !ok {
		return AcceptResult{}, ErrNotFound
	}
	if !booking.Status.Dispatchable() {
		return AcceptResult{}, ErrBookingClosed
	}
	sla, ok := s.slas[offer.BookingID]
	if !ok {
		sla = models.SLARecord{BookingID: offer.BookingID, StartTime: p.At, Status: models.SLAPending}
	}
	if sla.Status != models.SLAPending {
		return AcceptResult{}, ErrSLAState
	}

	at := p.At
	arrival := p.ExpectedArrivalAt
	offer.Status = models.OfferAccepted
	offer.AcceptedAt = &at
	offer.ClosedAt = &at

	mechanicID := offer.MechanicID
	booking.Status = models.BookingConfirmed
	booking.MechanicID = &mechanicID
	booking.UpdatedAt = at

	sla.OfferID = offer.ID
	sla.MechanicID = offer.MechanicID
	sla.Status = models.SLAInTransit
	sla.ExpectedDurationSeconds = p.ExpectedDurationSeconds
	sla.ExpectedArrivalAt = &arrival
	sla.MechanicAcceptedAt = &at
	sla.UpdatedAt = at

	s.offers[offer.ID] = offer
	s.bookings[booking.ID] = booking
	s.slas[sla.BookingID] = sla
	return AcceptResult{Offer: offer, Booking: booking, SLA: s.slaView(sla)}, nil
}

func (s *MemoryStore) CloseOffer(ctx context.Context, offerID string, status models.OfferStatus, at time.Time, reason string) (models.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	offer, ok := s.offers[offerID]
	if !ok {
		return models.Offer{}, ErrNotFound
	}
	if offer.Status != models.OfferAssigned {
		return models.Offer{}, ErrOfferNotAssigned
	}
	offer.Status = status
	offer.ClosedAt = &at
	offer.RejectReason = reason
	s.offers[offerID] = offer
	if r, ok := s.reservations[offer.MechanicID]; ok && r.OfferID == offerID {
		delete(s.reservations, offer.MechanicID)
	}
	return offer, nil
}

func (s *MemoryStore) ListExpiredOffers(ctx context.Context, now time.Time, limit int) ([]models.Offer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Offer
	for _, o := range s.offers {
		if o.Status == models.OfferAssigned && !o.ExpiresAt.After(now) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpsertSLA(ctx context.Context, sla models.SLARecord) (models.SLARecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bookings[sla.BookingID]; !ok {
		return models.SLARecord{}, ErrNotFound
	}
	record, err := s.pendingSLA(sla)
	if err != nil {
		return models.SLARecord{}, err
	}
	s.slas[record.BookingID] = record
	return s.slaView(record), nil
}

func (s *MemoryStore) GetSLA(ctx context.Context, bookingID string) (models.SLARecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.slas[bookingID]
	if !ok {
		return models.SLARecord{}, ErrNotFound
	}
	return s.slaView(r), nil
}

func (s *MemoryStore) CompleteSLA(ctx context.Context, p CompleteParams) (models.SLARecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.slas[p.BookingID]
	if !ok {
		return models.SLARecord{}, ErrNotFound
	}
	if r.Status != models.SLAInTransit {
		return models.SLARecord{}, ErrSLAState
	}
	end := p.EndTime
	actual := p.ActualDurationSeconds
	variance := p.VarianceSeconds
	r.Status = models.SLACompleted
	r.ActualDurationSeconds = &actual
	r.VarianceSeconds = &variance
	r.EndTime = &end
	r.UpdatedAt = end
	s.slas[p.BookingID] = r
	for mechanicID, res := range s.reservations {
		if res.BookingID == p.BookingID {
			delete(s.reservations, mechanicID)
		}
	}
	return s.slaView(r), nil
}

func (s *MemoryStore) ListOverdueSLAs(ctx context.Context, now time.Time, limit int) ([]models.SLARecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SLARecord
	for _, r := range s.slas {
		if overdue(r, now) {
			out = append(out, s.slaView(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpectedArrivalAt.Before(*out[j].ExpectedArrivalAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkBreached(ctx context.Context, bookingID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.slas[bookingID]
	if !ok || !overdue(r, now) {
		return false, nil
	}
	at := now
	r.IsBreached = true
	r.BreachedAt = &at
	r.UpdatedAt = now
	s.slas[bookingID] = r
	return true, nil
}

func overdue(r models.SLARecord, now time.Time) bool {
	return r.Status == models.SLAInTransit && !r.IsBreached && r.ExpectedArrivalAt != nil && r.ExpectedArrivalAt.Before(now)
}
