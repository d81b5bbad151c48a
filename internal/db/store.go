package db

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roadside_dispatch/backend/internal/models"
)

//go:embed schema.sql
var schemaSQL string

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, schemaSQL)
	return err
}

func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const bookingColumns = `id, customer_id, mechanic_id, status, pickup_lat, pickup_lon, pickup_address, updated_at`

const mechanicSelect = `SELECT m.id, m.name, m.role, m.lat, m.lon, m.is_online, m.is_available,
	(r.mechanic_id IS NOT NULL) AS reserved, m.updated_at
	FROM mechanics m
	LEFT JOIN mechanic_reservations r ON r.mechanic_id = m.id`

const offerColumns = `id, booking_id, mechanic_id, status, mode, initiator_id, distance_meters,
	duration_seconds, pickup_lat, pickup_lon, reject_reason, created_at, expires_at, accepted_at, closed_at`

const slaSelect = `SELECT s.booking_id, COALESCE(s.offer_id, ''), COALESCE(s.mechanic_id, ''), b.customer_id,
	s.status, s.start_time, s.expected_duration_seconds, s.expected_arrival_at, s.mechanic_accepted_at,
	s.actual_duration_seconds, s.end_time, s.is_breached, s.breached_at, s.variance_seconds, s.updated_at
	FROM sla_records s
	JOIN bookings b ON b.id = s.booking_id`

func scanBooking(row pgx.Row) (models.Booking, error) {
	var (
		b      models.Booking
		status string
	)
	if err := row.Scan(&b.ID, &b.CustomerID, &b.MechanicID, &status, &b.PickupLat, &b.PickupLon, &b.PickupAddress, &b.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Booking{}, ErrNotFound
		}
		return models.Booking{}, err
	}
	b.Status = models.BookingStatus(status)
	return b, nil
}

func scanMechanic(row pgx.Row) (models.Mechanic, error) {
	var m models.Mechanic
	if err := row.Scan(&m.ID, &m.Name, &m.Role, &m.Lat, &m.Lon, &m.Online, &m.Available, &m.Reserved, &m.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Mechanic{}, ErrNotFound
		}
		return models.Mechanic{}, err
	}
	return m, nil
}

func scanOffer(row pgx.Row) (models.Offer, error) {
	var (
		o            models.Offer
		status, mode string
	)
	if err := row.Scan(&o.ID, &o.BookingID, &o.MechanicID, &status, &mode, &o.InitiatorID, &o.DistanceMeters,
		&o.DurationSeconds, &o.PickupLat, &o.PickupLon, &o.RejectReason, &o.CreatedAt, &o.ExpiresAt, &o.AcceptedAt, &o.ClosedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Offer{}, ErrNotFound
		}
		return models.Offer{}, err
	}
	o.Status = models.OfferStatus(status)
	o.Mode = models.DispatchMode(mode)
	return o, nil
}

func scanSLA(row pgx.Row) (models.SLARecord, error) {
	var (
		r      models.SLARecord
		status string
	)
	if err := row.Scan(&r.BookingID, &r.OfferID, &r.MechanicID, &r.CustomerID, &status, &r.StartTime,
		&r.ExpectedDurationSeconds, &r.ExpectedArrivalAt, &r.MechanicAcceptedAt, &r.ActualDurationSeconds,
		&r.EndTime, &r.IsBreached, &r.BreachedAt, &r.VarianceSeconds, &r.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.SLARecord{}, ErrNotFound
		}
		return models.SLARecord{}, err
	}
	r.Status = models.SLAStatus(status)
	return r, nil
}

func (s *Store) GetBooking(ctx context.Context, id string) (models.Booking, error) {
	return scanBooking(s.Pool.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
}

func (s *Store) UpsertBookings(ctx context.Context, bookings []models.Booking) (int64, error) {
	batch := &pgx.Batch{}
	for _, b := range bookings {
		batch.Queue(`
			INSERT INTO bookings (id, customer_id, mechanic_id, status, pickup_lat, pickup_lon, pickup_address, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (id) DO UPDATE SET
				customer_id = EXCLUDED.customer_id,
				mechanic_id = EXCLUDED.mechanic_id,
				status = EXCLUDED.status,
				pickup_lat = EXCLUDED.pickup_lat,
				pickup_lon = EXCLUDED.pickup_lon,
				pickup_address = EXCLUDED.pickup_address,
				updated_at = EXCLUDED.updated_at
		`, b.ID, b.CustomerID, b.MechanicID, string(b.Status), b.PickupLat, b.PickupLon, b.PickupAddress, b.UpdatedAt)
	}
	return s.sendBatch(ctx, batch)
}

func (s *Store) GetMechanic(ctx context.Context, id string) (models.Mechanic, error) {
	return scanMechanic(s.Pool.QueryRow(ctx, mechanicSelect+` WHERE m.id = $1`, id))
}

func (s *Store) ListMechanics(ctx context.Context) ([]models.Mechanic, error) {
	return s.listMechanics(ctx, mechanicSelect+` ORDER BY m.id ASC`)
}

// ListDispatchableMechanics returns online, available, unreserved mechanics with a known position.
func (s *Store) ListDispatchableMechanics(ctx context.Context) ([]models.Mechanic, error) {
	return s.listMechanics(ctx, mechanicSelect+`
		WHERE m.role = $1 AND m.is_online AND m.is_available
			AND r.mechanic_id IS NULL
			AND m.lat IS NOT NULL AND m.lon IS NOT NULL
		ORDER BY m.id ASC`, models.RoleMechanic)
}

func (s *Store) listMechanics(ctx context.Context, query string, args ...any) ([]models.Mechanic, error) {
	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Mechanic
	for rows.Next() {
		m, err := scanMechanic(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) UpsertMechanics(ctx context.Context, mechanics []models.Mechanic) (int64, error) {
	batch := &pgx.Batch{}
	for _, m := range mechanics {
		batch.Queue(`
			INSERT INTO mechanics (id, name, role, lat, lon, is_online, is_available, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			ON CONFLICT (id) DO UPDATE SET
				name = EXCLUDED.name,
				role = EXCLUDED.role,
				lat = EXCLUDED.lat,
				lon = EXCLUDED.lon,
				is_online = EXCLUDED.is_online,
				is_available = EXCLUDED.is_available,
				updated_at = EXCLUDED.updated_at
		`, m.ID, m.Name, m.Role, m.Lat, m.Lon, m.Online, m.Available, m.UpdatedAt)
	}
	return s.sendBatch(ctx, batch)
}

func (s *Store) sendBatch(ctx context.Context, batch *pgx.Batch) (int64, error) {
	var total int64
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		br := tx.SendBatch(ctx, batch)
		for i := 0; i < batch.Len(); i++ {
			tag, err := br.Exec()
			if err != nil {
				_ = br.Close()
				return err
			}
			total += tag.RowsAffected()
		}
		return br.Close()
	})
	return total, err
}

// CreateOffer inserts the offer, the mechanic reservation and the pending SLA
// record in one transaction. The booking row lock serialises concurrent
// dispatches of the same booking.
func (s *Store) CreateOffer(ctx context.Context, offer models.Offer, sla models.SLARecord) (models.Dispatch, error) {
	var out models.Dispatch
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM bookings WHERE id = $1 FOR UPDATE`, offer.BookingID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if !models.BookingStatus(status).Dispatchable() {
			return ErrBookingClosed
		}

		var active bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM offers WHERE booking_id = $1 AND status = 'ASSIGNED')`, offer.BookingID).Scan(&active); err != nil {
			return err
		}
		if active {
			return ErrOfferActive
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO offers (id, booking_id, mechanic_id, status, mode, initiator_id, distance_meters, duration_seconds,
				pickup_lat, pickup_lon, created_at, expires_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		`, offer.ID, offer.BookingID, offer.MechanicID, string(models.OfferAssigned), string(offer.Mode), offer.InitiatorID,
			offer.DistanceMeters, offer.DurationSeconds, offer.PickupLat, offer.PickupLon, offer.CreatedAt, offer.ExpiresAt)
		if err != nil {
			return mapConstraintError(err)
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO mechanic_reservations (mechanic_id, booking_id, offer_id, reserved_at)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (mechanic_id) DO NOTHING
		`, offer.MechanicID, offer.BookingID, offer.ID, offer.CreatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrMechanicReserved
		}

		if err := upsertPendingSLA(ctx, tx, sla); err != nil {
			return err
		}

		if out.Offer, err = scanOffer(tx.QueryRow(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, offer.ID)); err != nil {
			return err
		}
		out.SLA, err = scanSLA(tx.QueryRow(ctx, slaSelect+` WHERE s.booking_id = $1`, offer.BookingID))
		return err
	})
	return out, err
}

func mapConstraintError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		switch pgErr.ConstraintName {
		case "offers_one_assigned_per_mechanic", "mechanic_reservations_pkey":
			return ErrMechanicReserved
		case "offers_one_assigned_per_booking":
			return ErrOfferActive
		}
	case "23503":
		return ErrNotFound
	}
	return err
}

func upsertPendingSLA(ctx context.Context, q querier, sla models.SLARecord) error {
	var bookingID string
	err := q.QueryRow(ctx, `
		INSERT INTO sla_records (booking_id, offer_id, mechanic_id, status, start_time, expected_duration_seconds, is_breached, updated_at)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), 'PENDING', $4, $5, FALSE, $6)
		ON CONFLICT (booking_id) DO UPDATE SET
			offer_id = COALESCE(EXCLUDED.offer_id, sla_records.offer_id),
			mechanic_id = COALESCE(EXCLUDED.mechanic_id, sla_records.mechanic_id),
			start_time = EXCLUDED.start_time,
			expected_duration_seconds = EXCLUDED.expected_duration_seconds,
			updated_at = EXCLUDED.updated_at
		WHERE sla_records.status = 'PENDING'
		RETURNING booking_id
	`, sla.BookingID, sla.OfferID, sla.MechanicID, sla.StartTime, sla.ExpectedDurationSeconds, sla.UpdatedAt).Scan(&bookingID)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrSLAState
	}
	return mapConstraintError(err)
}

func (s *Store) GetOffer(ctx context.Context, id string) (models.Offer, error) {
	return scanOffer(s.Pool.QueryRow(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, id))
}

// ActiveOffer returns the ASSIGNED offer of a booking, or ErrNotFound.
func (s *Store) ActiveOffer(ctx context.Context, bookingID string) (models.Offer, error) {
	return scanOffer(s.Pool.QueryRow(ctx, `SELECT `+offerColumns+` FROM offers WHERE booking_id = $1 AND status = 'ASSIGNED'`, bookingID))
}

// AcceptOffer moves the offer, booking and SLA record together. The offer
// update is conditional on the offer still being assigned to the caller and
// unexpired at p.At.
func (s *Store) AcceptOffer(ctx context.Context, p AcceptParams) (AcceptResult, error) {
	var out AcceptResult
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		offer, err := scanOffer(tx.QueryRow(ctx, `
			UPDATE offers SET status = 'ACCEPTED', accepted_at = $3, closed_at = $3
			WHERE id = $1 AND mechanic_id = $2 AND status = 'ASSIGNED' AND expires_at > $3
			RETURNING `+offerColumns, p.OfferID, p.MechanicID, p.At))
		if errors.Is(err, ErrNotFound) {
			return ErrOfferNotAssigned
		}
		if err != nil {
			return err
		}

		var status string
		if err := tx.QueryRow(ctx, `SELECT status FROM bookings WHERE id = $1 FOR UPDATE`, offer.BookingID).Scan(&status); err != nil {
			return err
		}
		if !models.BookingStatus(status).Dispatchable() {
			return ErrBookingClosed
		}

		booking, err := scanBooking(tx.QueryRow(ctx, `
			UPDATE bookings SET status = 'CONFIRMED', mechanic_id = $2, updated_at = $3
			WHERE id = $1
			RETURNING `+bookingColumns, offer.BookingID, offer.MechanicID, p.At))
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO sla_records (booking_id, offer_id, mechanic_id, status, start_time, expected_duration_seconds,
				expected_arrival_at, mechanic_accepted_at, is_breached, updated_at)
			VALUES ($1, $2, $3, 'IN_TRANSIT', $4, $5, $6, $4, FALSE, $4)
			ON CONFLICT (booking_id) DO UPDATE SET
				offer_id = EXCLUDED.offer_id,
				mechanic_id = EXCLUDED.mechanic_id,
				status = 'IN_TRANSIT',
				expected_duration_seconds = EXCLUDED.expected_duration_seconds,
				expected_arrival_at = EXCLUDED.expected_arrival_at,
				mechanic_accepted_at = EXCLUDED.mechanic_accepted_at,
				updated_at = EXCLUDED.updated_at
			WHERE sla_records.status = 'PENDING'
		`, offer.BookingID, offer.ID, offer.MechanicID, p.At, p.ExpectedDurationSeconds, p.ExpectedArrivalAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrSLAState
		}

		sla, err := scanSLA(tx.QueryRow(ctx, slaSelect+` WHERE s.booking_id = $1`, offer.BookingID))
		if err != nil {
			return err
		}
		out = AcceptResult{Offer: offer, Booking: booking, SLA: sla}
		return nil
	})
	return out, err
}

// CloseOffer moves an assigned offer to a terminal state and releases the
// mechanic reservation taken for it.
func (s *Store) CloseOffer(ctx context.Context, offerID string, status models.OfferStatus, at time.Time, reason string) (models.Offer, error) {
	var out models.Offer
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		offer, err := scanOffer(tx.QueryRow(ctx, `
			UPDATE offers SET status = $2, closed_at = $3, reject_reason = $4
			WHERE id = $1 AND status = 'ASSIGNED'
			RETURNING `+offerColumns, offerID, string(status), at, reason))
		if errors.Is(err, ErrNotFound) {
			if _, getErr := scanOffer(tx.QueryRow(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, offerID)); getErr != nil {
				return getErr
			}
			return ErrOfferNotAssigned
		}
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM mechanic_reservations WHERE offer_id = $1`, offerID); err != nil {
			return err
		}
		out = offer
		return nil
	})
	return out, err
}

func (s *Store) ListExpiredOffers(ctx context.Context, now time.Time, limit int) ([]models.Offer, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT `+offerColumns+` FROM offers
		WHERE status = 'ASSIGNED' AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) UpsertSLA(ctx context.Context, sla models.SLARecord) (models.SLARecord, error) {
	var out models.SLARecord
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		if err := upsertPendingSLA(ctx, tx, sla); err != nil {
			return err
		}
		var err error
		out, err = scanSLA(tx.QueryRow(ctx, slaSelect+` WHERE s.booking_id = $1`, sla.BookingID))
		return err
	})
	return out, err
}

func (s *Store) GetSLA(ctx context.Context, bookingID string) (models.SLARecord, error) {
	return scanSLA(s.Pool.QueryRow(ctx, slaSelect+` WHERE s.booking_id = $1`, bookingID))
}

// CompleteSLA finalises an in-transit record and releases the reservation held for the booking.
func (s *Store) CompleteSLA(ctx context.Context, p CompleteParams) (models.SLARecord, error) {
	var out models.SLARecord
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE sla_records
			SET status = 'COMPLETED', actual_duration_seconds = $2, variance_seconds = $3, end_time = $4, updated_at = $4
			WHERE booking_id = $1 AND status = 'IN_TRANSIT'
		`, p.BookingID, p.ActualDurationSeconds, p.VarianceSeconds, p.EndTime)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			if _, err := scanSLA(tx.QueryRow(ctx, slaSelect+` WHERE s.booking_id = $1`, p.BookingID)); err != nil {
				return err
			}
			return ErrSLAState
		}
		if _, err := tx.Exec(ctx, `DELETE FROM mechanic_reservations WHERE booking_id = $1`, p.BookingID); err != nil {
			return err
		}
		out, err = scanSLA(tx.QueryRow(ctx, slaSelect+` WHERE s.booking_id = $1`, p.BookingID))
		return err
	})
	return out, err
}

func (s *Store) ListOverdueSLAs(ctx context.Context, now time.Time, limit int) ([]models.SLARecord, error) {
	rows, err := s.Pool.Query(ctx, slaSelect+`
		WHERE s.status = 'IN_TRANSIT' AND s.is_breached = FALSE AND s.expected_arrival_at < $1
		ORDER BY s.expected_arrival_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SLARecord
	for rows.Next() {
		r, err := scanSLA(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkBreached flips is_breached false->true. It reports false when another
// sweeper already flipped the record or it is no longer overdue.
func (s *Store) MarkBreached(ctx context.Context, bookingID string, now time.Time) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE sla_records SET is_breached = TRUE, breached_at = $2, updated_at = $2
		WHERE booking_id = $1 AND is_breached = FALSE AND status = 'IN_TRANSIT' AND expected_arrival_at < $2
	`, bookingID, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
