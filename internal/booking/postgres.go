package booking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/onnwee/slotcast/internal/tracing"
)

const bookingColumns = `id, owner, title, description, start_date, duration, creation_date,
	event_date, preview, location, is_live`

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore creates a PostgresStore.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{db: db, logger: logger}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (Booking, error) {
	var (
		b         Booking
		eventDate sql.NullInt64
		preview   sql.NullString
	)
	err := row.Scan(&b.ID, &b.Owner, &b.Title, &b.Description, &b.StartDate, &b.Duration,
		&b.CreationDate, &eventDate, &preview, &b.Location, &b.IsLive)
	if err != nil {
		return Booking{}, err
	}
	if eventDate.Valid {
		v := eventDate.Int64
		b.EventDate = &v
	}
	if preview.Valid {
		v := preview.String
		b.Preview = &v
	}
	return b, nil
}

func (s *PostgresStore) queryBookings(ctx context.Context, query string, args ...any) (out []Booking, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "bookings", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListElapsedLive(ctx context.Context, now int64) ([]Booking, error) {
	out, err := s.queryBookings(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE is_live AND $1 >= start_date + duration
		ORDER BY start_date, id`, now)
	if err != nil {
		return nil, fmt.Errorf("list elapsed live bookings: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListStartingNow(ctx context.Context, now int64) ([]Booking, error) {
	out, err := s.queryBookings(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE NOT is_live AND finished_at IS NULL
		AND start_date <= $1 AND $1 < start_date + duration
		ORDER BY start_date, id`, now)
	if err != nil {
		return nil, fmt.Errorf("list starting bookings: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SetLive(ctx context.Context, ids []int64, live bool, at int64) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, endSpan := tracing.StartDBSpan(ctx, "bookings", tracing.DBOperationUpdate)
	var err error
	defer func() { endSpan(err) }()
	if live {
		_, err = s.db.ExecContext(ctx,
			`UPDATE bookings SET is_live = TRUE WHERE id = ANY($1)`, pq.Array(ids))
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE bookings SET is_live = FALSE, finished_at = $2 WHERE id = ANY($1)`, pq.Array(ids), at)
	}
	if err != nil {
		s.logger.Error("failed to set live flag",
			slog.String("error", err.Error()),
			slog.Bool("live", live),
			slog.Int("count", len(ids)))
		return fmt.Errorf("set live=%t: %w", live, err)
	}
	return nil
}

func (s *PostgresStore) StreamingTarget(ctx context.Context, location string) (StreamingTarget, error) {
	var t StreamingTarget
	err := s.db.QueryRowContext(ctx, `SELECT l.scene,
			EXISTS (SELECT 1 FROM slots s WHERE s.location = l.id AND s.supports_streaming)
		FROM locations l WHERE l.id = $1`, location).Scan(&t.Scene, &t.SupportsStreaming)
	if errors.Is(err, sql.ErrNoRows) {
		return t, nil
	}
	if err != nil {
		return t, fmt.Errorf("streaming target for %s: %w", location, err)
	}
	return t, nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*Booking, error) {
	b, err := scanBooking(s.db.QueryRowContext(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get booking %d: %w", id, err)
	}
	return &b, nil
}

func (s *PostgresStore) Insert(ctx context.Context, b *Booking) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "bookings", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := checkWindowTx(ctx, tx, b); err != nil {
		return err
	}
	err = tx.QueryRowContext(ctx, `INSERT INTO bookings
		(owner, title, description, start_date, duration, creation_date, event_date, preview, location)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		b.Owner, b.Title, b.Description, b.StartDate, b.Duration, b.CreationDate,
		b.EventDate, b.Preview, b.Location).Scan(&b.ID)
	if err != nil {
		return fmt.Errorf("insert booking: %w", conflictErr(err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", conflictErr(err))
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, b *Booking) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "bookings", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := checkWindowTx(ctx, tx, b); err != nil {
		return err
	}
	err = tx.QueryRowContext(ctx, `UPDATE bookings SET
		title = $2, description = $3, start_date = $4, duration = $5,
		event_date = $6, preview = $7, location = $8
		WHERE id = $1
		RETURNING is_live`,
		b.ID, b.Title, b.Description, b.StartDate, b.Duration, b.EventDate, b.Preview, b.Location).
		Scan(&b.IsLive)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update booking %d: %w", b.ID, conflictErr(err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update %d: %w", b.ID, conflictErr(err))
	}
	return nil
}

// locationLockClass namespaces the per-location advisory locks.
const locationLockClass = 0x626b6e67

// checkWindowTx locks b's location for the rest of the transaction and fails
// with ErrConflict when another booking there overlaps b's window.
func checkWindowTx(ctx context.Context, tx *sql.Tx, b *Booking) error {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1, hashtext($2))`,
		locationLockClass, b.Location); err != nil {
		return fmt.Errorf("lock location %s: %w", b.Location, err)
	}

	w := Window{Location: b.Location}
	err := tx.QueryRowContext(ctx, `SELECT id, start_date, duration FROM bookings
		WHERE location = $1 AND id <> $2
		AND start_date < $3 + $4 AND $3 < start_date + duration
		ORDER BY start_date
		LIMIT 1`, b.Location, b.ID, b.StartDate, b.Duration).Scan(&w.BookingID, &w.Start, &w.Duration)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("check window at %s: %w", b.Location, err)
	}
	return fmt.Errorf("%w: booking %d [%d, %d)", ErrConflict, w.BookingID, w.Start, w.End())
}

// conflictErr maps a bookings_no_overlap exclusion violation to ErrConflict.
func conflictErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23P01" {
		return fmt.Errorf("%w: %s", ErrConflict, pqErr.Message)
	}
	return err
}

func (s *PostgresStore) Delete(ctx context.Context, id int64) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "bookings", tracing.DBOperationDelete)
	defer func() { endSpan(err) }()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM slot_states WHERE booking = $1`, id); err != nil {
		return fmt.Errorf("delete slot states for %d: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM bookings WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete booking %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete %d: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) ListClosest(ctx context.Context, location string, now int64, limit int) ([]Booking, error) {
	out, err := s.queryBookings(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE location = $1 AND start_date + duration >= $2
		ORDER BY start_date, id
		LIMIT $3`, location, now, limit)
	if err != nil {
		return nil, fmt.Errorf("closest bookings at %s: %w", location, err)
	}
	return out, nil
}

func (s *PostgresStore) LatestPast(ctx context.Context, location string, now int64) (*Booking, error) {
	b, err := scanBooking(s.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE location = $1 AND start_date + duration < $2
		ORDER BY start_date DESC, id DESC
		LIMIT 1`, location, now))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest past booking at %s: %w", location, err)
	}
	return &b, nil
}

func (s *PostgresStore) ListLive(ctx context.Context, locations []string) ([]Booking, error) {
	var (
		out []Booking
		err error
	)
	if len(locations) == 0 {
		out, err = s.queryBookings(ctx, `SELECT `+bookingColumns+` FROM bookings
			WHERE is_live ORDER BY start_date, id`)
	} else {
		out, err = s.queryBookings(ctx, `SELECT `+bookingColumns+` FROM bookings
			WHERE is_live AND location = ANY($1) ORDER BY start_date, id`, pq.Array(locations))
	}
	if err != nil {
		return nil, fmt.Errorf("list live bookings: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListInRange(ctx context.Context, location string, from, to int64) ([]Booking, error) {
	out, err := s.queryBookings(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE location = $1 AND start_date + duration >= $2 AND start_date <= $3
		ORDER BY start_date, id`, location, from, to)
	if err != nil {
		return nil, fmt.Errorf("bookings at %s in [%d, %d]: %w", location, from, to, err)
	}
	return out, nil
}

func (s *PostgresStore) ListActive(ctx context.Context, q PageQuery) ([]Booking, error) {
	out, err := s.queryBookings(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE location = $1 AND ($2 = '' OR owner = $2) AND start_date + duration > $3
		ORDER BY start_date, id
		LIMIT $4 OFFSET $5`, q.Location, q.Owner, q.Now, q.Take, q.Skip)
	if err != nil {
		return nil, fmt.Errorf("active bookings at %s: %w", q.Location, err)
	}
	return out, nil
}

func (s *PostgresStore) ListInactive(ctx context.Context, q PageQuery) ([]Booking, error) {
	out, err := s.queryBookings(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE location = $1 AND ($2 = '' OR owner = $2) AND start_date + duration < $3
		ORDER BY start_date DESC, id DESC
		LIMIT $4 OFFSET $5`, q.Location, q.Owner, q.Now, q.Take, q.Skip)
	if err != nil {
		return nil, fmt.Errorf("inactive bookings at %s: %w", q.Location, err)
	}
	return out, nil
}

func (s *PostgresStore) LiveBookingForSlot(ctx context.Context, slot int64) (*int64, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT b.id FROM slots s
		LEFT JOIN LATERAL (
			SELECT id FROM bookings
			WHERE location = s.location AND is_live
			ORDER BY start_date
			LIMIT 1
		) b ON TRUE
		WHERE s.id = $1`, slot).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("live booking for slot %d: %w", slot, err)
	}
	if !id.Valid {
		return nil, nil
	}
	v := id.Int64
	return &v, nil
}

func (s *PostgresStore) GetLocation(ctx context.Context, id string) (*Location, error) {
	var (
		l       Location
		preview sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, type, scene, for_booking, preview
		FROM locations WHERE id = $1`, id).Scan(&l.ID, &l.Type, &l.Scene, &l.ForBooking, &preview)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get location %s: %w", id, err)
	}
	if preview.Valid {
		v := preview.String
		l.Preview = &v
	}
	return &l, nil
}

func (s *PostgresStore) ListSlotStates(ctx context.Context, bookingID int64) ([]SlotState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT booking, slot, content_index, is_paused
		FROM slot_states WHERE booking = $1 ORDER BY slot`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("list slot states for %d: %w", bookingID, err)
	}
	defer rows.Close()

	var out []SlotState
	for rows.Next() {
		var st SlotState
		if err := rows.Scan(&st.Booking, &st.Slot, &st.ContentIndex, &st.IsPaused); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertSlotState(ctx context.Context, st SlotState) error {
	ctx, endSpan := tracing.StartDBSpan(ctx, "slot_states", tracing.DBOperationInsert)
	_, err := s.db.ExecContext(ctx, `INSERT INTO slot_states (booking, slot, content_index, is_paused)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (booking, slot) DO UPDATE
		SET content_index = EXCLUDED.content_index, is_paused = EXCLUDED.is_paused`,
		st.Booking, st.Slot, st.ContentIndex, st.IsPaused)
	endSpan(err)
	if err != nil {
		return fmt.Errorf("upsert slot state %d/%d: %w", st.Booking, st.Slot, err)
	}
	return nil
}
