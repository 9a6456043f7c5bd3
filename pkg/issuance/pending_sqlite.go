package issuance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLitePendingStore keeps commitments in a SQLite table.
type SQLitePendingStore struct {
	db *sql.DB
}

func NewSQLitePendingStore(db *sql.DB) (*SQLitePendingStore, error) {
	s := &SQLitePendingStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenSQLitePendingStore opens (or creates) the database at path.
func OpenSQLitePendingStore(path string) (*SQLitePendingStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return NewSQLitePendingStore(db)
}

func (s *SQLitePendingStore) migrate() error {
	for _, query := range []string{`
	CREATE TABLE IF NOT EXISTS pending_commitments (
		pack_request_id TEXT PRIMARY KEY,
		body JSON NOT NULL,
		updated_at DATETIME NOT NULL
	);`, `
	CREATE TABLE IF NOT EXISTS weekly_claims (
		pack_request_id TEXT PRIMARY KEY,
		body JSON NOT NULL,
		claimed_at DATETIME NOT NULL
	);`} {
		if _, err := s.db.ExecContext(context.Background(), query); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLitePendingStore) Put(ctx context.Context, p *Pending) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	query := `INSERT INTO pending_commitments (pack_request_id, body, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(pack_request_id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, query, p.PackRequestID, string(raw), time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to store pending commitment: %w", err)
	}
	return nil
}

func (s *SQLitePendingStore) Get(ctx context.Context, id string) (*Pending, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM pending_commitments WHERE pack_request_id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var p Pending
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return nil, fmt.Errorf("decode pending commitment: %w", err)
	}
	return &p, nil
}

func (s *SQLitePendingStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_commitments WHERE pack_request_id = ?`, id)
	return err
}

// Claim loads the weekly claim for id from the weekly_claims table, which
// Delete never touches.
func (s *SQLitePendingStore) Claim(ctx context.Context, id string) (*Claim, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM weekly_claims WHERE pack_request_id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoClaim
	}
	if err != nil {
		return nil, err
	}
	var c Claim
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return nil, fmt.Errorf("decode weekly claim: %w", err)
	}
	return &c, nil
}

func (s *SQLitePendingStore) PutClaimIfAbsent(ctx context.Context, c *Claim) (*Claim, bool, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, false, err
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO weekly_claims (pack_request_id, body, claimed_at)
	VALUES (?, ?, ?)
	ON CONFLICT(pack_request_id) DO NOTHING`, c.PackRequestID, string(raw), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, false, fmt.Errorf("failed to store weekly claim: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, false, err
	} else if n == 0 {
		prev, err := s.Claim(ctx, c.PackRequestID)
		return prev, false, err
	}
	return c, true, nil
}

func (s *SQLitePendingStore) ReleaseClaim(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM weekly_claims WHERE pack_request_id = ?`, id)
	return err
}

// Close closes the underlying database.
func (s *SQLitePendingStore) Close() error {
	return s.db.Close()
}
