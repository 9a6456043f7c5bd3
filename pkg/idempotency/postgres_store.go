package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const (
	lockQuery = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`

	selectQuery = `
		SELECT request_hash, status, http_status, response_body, error_code, error_body, event_id, expires_at, created_at, updated_at
		FROM command_idempotency
		WHERE scope = $1 AND route = $2 AND idempotency_key = $3
		FOR UPDATE
	`

	upsertQuery = `
		INSERT INTO command_idempotency
			(scope, route, idempotency_key, request_hash, status, http_status, response_body, error_code, error_body, event_id, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (scope, route, idempotency_key) DO UPDATE SET
			request_hash = EXCLUDED.request_hash,
			status = EXCLUDED.status,
			http_status = EXCLUDED.http_status,
			response_body = EXCLUDED.response_body,
			error_code = EXCLUDED.error_code,
			error_body = EXCLUDED.error_body,
			event_id = EXCLUDED.event_id,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at
	`

	schemaQuery = `
		CREATE TABLE IF NOT EXISTS command_idempotency (
			scope TEXT NOT NULL,
			route TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			request_hash TEXT NOT NULL,
			status TEXT NOT NULL,
			http_status INTEGER NOT NULL,
			response_body JSONB,
			error_code TEXT,
			error_body JSONB,
			event_id TEXT,
			expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (scope, route, idempotency_key)
		)
	`
)

// PostgresStore keeps records in the command_idempotency table. Each Tx
// takes a transaction-scoped advisory lock on the key before reading.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// OpenPostgresStore connects with lib/pq and creates the table if needed.
func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	s := NewPostgresStore(db)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the command_idempotency table.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaQuery); err != nil {
		return fmt.Errorf("failed to create command_idempotency: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Tx(ctx context.Context, k Key, fn func(ctx context.Context, tx Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin idempotency tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, lockQuery, k.lockKey()); err != nil {
		return fmt.Errorf("lock idempotency key: %w", err)
	}
	if err = fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit idempotency tx: %w", err)
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) Get(ctx context.Context, k Key) (*Record, error) {
	var (
		rec       = Record{Key: k}
		status    string
		errorCode sql.NullString
		eventID   sql.NullString
		expiresAt sql.NullTime
		response  []byte
		errorBody []byte
	)
	err := t.tx.QueryRowContext(ctx, selectQuery, k.Scope, k.Route, k.IdempotencyKey).Scan(
		&rec.RequestHash, &status, &rec.HTTPStatus, &response, &errorCode, &errorBody, &eventID,
		&expiresAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read idempotency record: %w", err)
	}
	rec.Status = Status(status)
	rec.Response = response
	rec.ErrorBody = errorBody
	rec.ErrorCode = errorCode.String
	rec.EventID = eventID.String
	if expiresAt.Valid {
		rec.ExpiresAt = expiresAt.Time
	}
	return &rec, nil
}

func (t *pgTx) Save(ctx context.Context, rec *Record) error {
	_, err := t.tx.ExecContext(ctx, upsertQuery,
		rec.Key.Scope,
		rec.Key.Route,
		rec.Key.IdempotencyKey,
		rec.RequestHash,
		string(rec.Status),
		rec.HTTPStatus,
		nullJSON(rec.Response),
		nullString(rec.ErrorCode),
		nullJSON(rec.ErrorBody),
		nullString(rec.EventID),
		nullTime(rec.ExpiresAt),
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Errorf("failed to store idempotency record (%s): %w", pqErr.Code.Name(), err)
	}
	if err != nil {
		return fmt.Errorf("failed to store idempotency record: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
