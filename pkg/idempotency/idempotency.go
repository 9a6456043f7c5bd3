// Package idempotency makes commands safe to retry.
//
// A caller tags each command with an idempotency key. The first request
// for a key runs the command and stores its outcome; later requests with
// the same key and payload replay that outcome, while a request that
// arrives while the command is still running is told to retry after a
// delay. Reusing a key with a different payload is rejected.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a stored command.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

// ErrKeyRequired is returned when a command is submitted without a key.
var ErrKeyRequired = errors.New("idempotency key is required")

// Key scopes an idempotency key to the account and route it was used on.
type Key struct {
	Scope          string
	Route          string
	IdempotencyKey string
}

func (k Key) lockKey() string {
	return k.Scope + ":" + k.Route + ":" + k.IdempotencyKey
}

// NewKey returns a fresh random idempotency key.
func NewKey() string {
	return uuid.NewString()
}

// Record is the stored state of one command.
type Record struct {
	Key         Key
	RequestHash string
	Status      Status
	HTTPStatus  int
	Response    json.RawMessage
	ErrorCode   string
	ErrorBody   json.RawMessage
	EventID     string
	ExpiresAt   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Tx is a view of the store that holds the lock for one key.
type Tx interface {
	// Get returns nil without error when no record exists.
	Get(ctx context.Context, k Key) (*Record, error)
	Save(ctx context.Context, rec *Record) error
}

// Store serializes access per key. fn runs with the key locked and its
// writes commit only when it returns nil.
type Store interface {
	Tx(ctx context.Context, k Key, fn func(ctx context.Context, tx Tx) error) error
}

type mode int

const (
	modeCreate mode = iota
	modeReplaySuccess
	modeReplayFailed
	modeInProgress
	modeRestart
	modeConflict
)

// decide picks what to do with an incoming request given the stored record.
func decide(rec *Record, requestHash string, now time.Time) mode {
	if rec == nil {
		return modeCreate
	}
	if rec.RequestHash != requestHash {
		return modeConflict
	}
	switch rec.Status {
	case StatusSucceeded:
		return modeReplaySuccess
	case StatusFailed:
		return modeReplayFailed
	case StatusInProgress:
		if rec.ExpiresAt.IsZero() || now.Before(rec.ExpiresAt) {
			return modeInProgress
		}
	}
	return modeRestart
}
