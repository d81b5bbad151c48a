package service

import (
	"context"
	"time"

	"github.com/roadside_dispatch/backend/internal/db"
	"github.com/roadside_dispatch/backend/internal/models"
)

// Store is the transactional persistence the engine runs on. Both db.Store
// and db.MemoryStore satisfy it.
type Store interface {
	GetBooking(ctx context.Context, id string) (models.Booking, error)
	GetMechanic(ctx context.Context, id string) (models.Mechanic, error)
	ListMechanics(ctx context.Context) ([]models.Mechanic, error)
	ListDispatchableMechanics(ctx context.Context) ([]models.Mechanic, error)

	CreateOffer(ctx context.Context, offer models.Offer, sla models.SLARecord) (models.Dispatch, error)
	GetOffer(ctx context.Context, id string) (models.Offer, error)
	ActiveOffer(ctx context.Context, bookingID string) (models.Offer, error)
	AcceptOffer(ctx context.Context, p db.AcceptParams) (db.AcceptResult, error)
	CloseOffer(ctx context.Context, offerID string, status models.OfferStatus, at time.Time, reason string) (models.Offer, error)
	ListExpiredOffers(ctx context.Context, now time.Time, limit int) ([]models.Offer, error)

	UpsertSLA(ctx context.Context, sla models.SLARecord) (models.SLARecord, error)
	GetSLA(ctx context.Context, bookingID string) (models.SLARecord, error)
	CompleteSLA(ctx context.Context, p db.CompleteParams) (models.SLARecord, error)
	ListOverdueSLAs(ctx context.Context, now time.Time, limit int) ([]models.SLARecord, error)
	MarkBreached(ctx context.Context, bookingID string, now time.Time) (bool, error)
}

var (
	_ Store = (*db.Store)(nil)
	_ Store = (*db.MemoryStore)(nil)
)

const sweepBatch = 500
