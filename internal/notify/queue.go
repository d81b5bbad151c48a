package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrQueueFull = errors.New("notification queue is full")

// Queue is the outbound event queue. Emit only enqueues; Run delivers to the
// publisher on its own goroutine, so callers emit after their transaction has
// committed and never wait on a transport.
type Queue struct {
	events  chan Event
	pub     Publisher
	logger  zerolog.Logger
	timeout time.Duration
}

func NewQueue(size int, pub Publisher, logger zerolog.Logger) *Queue {
	if size <= 0 {
		size = 256
	}
	return &Queue{
		events:  make(chan Event, size),
		pub:     pub,
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

func (q *Queue) Emit(ctx context.Context, targetUserID, eventType string, payload any) error {
	ev := Event{
		ID:           uuid.NewString(),
		Type:         eventType,
		TargetUserID: targetUserID,
		Payload:      payload,
		CreatedAt:    time.Now().UTC(),
	}
	select {
	case q.events <- ev:
		return nil
	default:
		q.logger.Warn().Str("event", eventType).Str("target_user_id", targetUserID).Msg("notification dropped, queue full")
		return ErrQueueFull
	}
}

// Run delivers queued events until ctx is cancelled, then flushes what is
// still buffered.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case ev := <-q.events:
			q.deliver(ctx, ev)
		case <-ctx.Done():
			q.flush()
			return
		}
	}
}

func (q *Queue) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()
	for {
		select {
		case ev := <-q.events:
			q.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (q *Queue) deliver(ctx context.Context, ev Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.timeout)
	defer cancel()
	if err := q.pub.Publish(ctx, ev); err != nil {
		q.logger.Warn().Err(err).
			Str("event_id", ev.ID).
			Str("event", ev.Type).
			Str("target_user_id", ev.TargetUserID).
			Msg("notification delivery failed")
	}
}
