package notify

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

const (
	EventOfferCreated    = "offer.created"
	EventBookingAssigned = "booking.assigned"
	EventOfferAccepted   = "offer.accepted"
	EventOfferRejected   = "offer.rejected"
	EventOfferExpired    = "offer.expired"
	EventSLABreached     = "sla.breached"
)

// Sink receives notifications from the engine. Delivery is at most once and
// Emit must not block on the transport.
type Sink interface {
	Emit(ctx context.Context, targetUserID, eventType string, payload any) error
}

// Publisher is a concrete delivery transport.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type Event struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	TargetUserID string    `json:"target_user_id"`
	Payload      any       `json:"payload"`
	CreatedAt    time.Time `json:"created_at"`
}

type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Publish(ctx context.Context, ev Event) error {
	s.Logger.Info().
		Str("event_id", ev.ID).
		Str("event", ev.Type).
		Str("target_user_id", ev.TargetUserID).
		Msg("notification")
	return nil
}

// Multi fans an event out to every publisher and reports all failures.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
