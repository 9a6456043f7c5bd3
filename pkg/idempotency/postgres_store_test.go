package idempotency

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var selectColumns = []string{"request_hash", "status", "http_status", "response_body", "error_code", "error_body", "event_id", "expires_at", "created_at", "updated_at"}

func TestPostgresStore_ReplaysStoredSuccess(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	e, err := NewExecutor(Options{Store: NewPostgresStore(db), Now: func() time.Time { return t0 }})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock")).
		WithArgs("acct-1:pack.commit:key-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM command_idempotency")).
		WithArgs("acct-1", "pack.commit", "key-1").
		WillReturnRows(sqlmock.NewRows(selectColumns).
			AddRow(mustHash(t, "req"), "succeeded", 200, `{"ok":true}`, nil, nil, "evt-9", t0, t0, t0))
	mock.ExpectCommit()

	res, err := e.Do(context.Background(), testKey, "req", nil)
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, "evt-9", res.EventID)
	assert.JSONEq(t, `{"ok":true}`, string(res.Body))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RunsNewCommand(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	e, err := NewExecutor(Options{Store: NewPostgresStore(db), Now: func() time.Time { return t0 }})
	require.NoError(t, err)
	hash := mustHash(t, "req")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM command_idempotency")).WillReturnRows(sqlmock.NewRows(selectColumns))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO command_idempotency")).
		WithArgs("acct-1", "pack.commit", "key-1", hash, "in_progress", 202, sqlmock.AnyArg(), nil, nil, nil, t0.Add(DefaultInProgressTTL), t0, t0).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM command_idempotency")).
		WillReturnRows(sqlmock.NewRows(selectColumns).
			AddRow(hash, "in_progress", 202, `{"status":"in_progress"}`, nil, nil, nil, t0.Add(DefaultInProgressTTL), t0, t0))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO command_idempotency")).
		WithArgs("acct-1", "pack.commit", "key-1", hash, "succeeded", 200, `{"n":1}`, nil, nil, "evt-1", t0.Add(DefaultSuccessTTL), t0, t0).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	res, err := e.Do(context.Background(), testKey, "req", func(context.Context) (Outcome, error) {
		return Outcome{Body: map[string]int{"n": 1}, EventID: "evt-1"}, nil
	})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	boom := errors.New("connection reset")
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM command_idempotency")).WillReturnError(boom)
	mock.ExpectRollback()

	err = NewPostgresStore(db).Tx(context.Background(), testKey, func(ctx context.Context, tx Tx) error {
		_, err := tx.Get(ctx, testKey)
		return err
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS command_idempotency")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, NewPostgresStore(db).Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
