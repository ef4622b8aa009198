package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/onnwee/slotcast/internal/tracing"
)

// chainLockKey serializes appends so each entry links to the true tail.
const chainLockKey = 0x736c6f74

// PostgresRepository stores audit logs in the audit_logs table.
type PostgresRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresRepository creates a PostgresRepository.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, now: time.Now}
}

func (r *PostgresRepository) Append(ctx context.Context, entry Entry) (_ *Log, err error) {
	if err := validateEntry(entry); err != nil {
		return nil, err
	}
	ctx, endSpan := tracing.StartDBSpan(ctx, "audit_logs", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
		return nil, fmt.Errorf("lock audit chain: %w", err)
	}

	var prev string
	err = tx.QueryRowContext(ctx, `SELECT hash FROM audit_logs ORDER BY seq DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read audit tail: %w", err)
	}

	l := newLog(entry, prev, r.now())
	_, err = tx.ExecContext(ctx, `INSERT INTO audit_logs
		(id, actor, actor_role, entity_type, entity_id, action, outcome, created_at,
		 request_id, ip_address, user_agent, previous_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		l.ID, l.Actor, l.ActorRole, l.EntityType, l.EntityID, l.Action, l.Outcome, l.CreatedAt,
		l.RequestID, l.IPAddress, l.UserAgent, l.PreviousHash, l.Hash)
	if err != nil {
		return nil, fmt.Errorf("insert audit log: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit audit log: %w", err)
	}
	return l, nil
}

func (r *PostgresRepository) QueryByEntity(ctx context.Context, entityType, entityID string, limit int) ([]*Log, error) {
	query := `SELECT id, actor, actor_role, entity_type, entity_id, action, outcome, created_at,
		request_id, ip_address, user_agent, previous_hash, hash
		FROM audit_logs WHERE entity_type = $1 AND entity_id = $2 ORDER BY seq DESC`
	args := []any{entityType, entityID}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()

	var out []*Log
	for rows.Next() {
		var l Log
		if err := rows.Scan(&l.ID, &l.Actor, &l.ActorRole, &l.EntityType, &l.EntityID, &l.Action,
			&l.Outcome, &l.CreatedAt, &l.RequestID, &l.IPAddress, &l.UserAgent, &l.PreviousHash, &l.Hash); err != nil {
			return nil, err
		}
		l.CreatedAt = l.CreatedAt.UTC()
		out = append(out, &l)
	}
	return out, rows.Err()
}
