package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/samternent/concord/pkg/canonicalize"
	"github.com/samternent/concord/pkg/codes"
)

const (
	DefaultInProgressTTL = 120 * time.Second
	DefaultSuccessTTL    = 7 * 24 * time.Hour
	DefaultFailureTTL    = 24 * time.Hour
	DefaultRetryAfter    = 2 * time.Second

	defaultFailureCode = "COMMAND_FAILED"
)

// Options configure an Executor. Zero durations take the defaults.
type Options struct {
	Store         Store
	InProgressTTL time.Duration
	SuccessTTL    time.Duration
	FailureTTL    time.Duration
	RetryAfter    time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

// Executor runs commands at most once per idempotency key.
type Executor struct {
	opts   Options
	logger *slog.Logger
}

func NewExecutor(opts Options) (*Executor, error) {
	if opts.Store == nil {
		return nil, errors.New("idempotency: store is required")
	}
	if opts.InProgressTTL <= 0 {
		opts.InProgressTTL = DefaultInProgressTTL
	}
	if opts.SuccessTTL <= 0 {
		opts.SuccessTTL = DefaultSuccessTTL
	}
	if opts.FailureTTL <= 0 {
		opts.FailureTTL = DefaultFailureTTL
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = DefaultRetryAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "idempotency")
	}
	return &Executor{opts: opts, logger: logger}, nil
}

// Outcome is what a successful command reports back.
type Outcome struct {
	HTTPStatus int
	Body       any
	EventID    string
}

// Command is the work guarded by an idempotency key.
type Command func(ctx context.Context) (Outcome, error)

// Result is the response to one submission. A Status of in_progress means
// another submission is running the command; retry after RetryAfterSeconds.
type Result struct {
	Status            Status          `json:"status"`
	HTTPStatus        int             `json:"httpStatus"`
	IdempotencyKey    string          `json:"idempotencyKey"`
	Body              json.RawMessage `json:"body,omitempty"`
	EventID           string          `json:"eventId,omitempty"`
	RetryAfterSeconds int             `json:"retryAfterSeconds,omitempty"`
	Replayed          bool            `json:"replayed,omitempty"`
}

// Pending reports whether the command is still running elsewhere.
func (r *Result) Pending() bool {
	return r != nil && r.Status == StatusInProgress
}

type failureBody struct {
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// Do submits request under k. The request is hashed canonically, so the
// same logical payload always maps to the same stored record. cmd runs
// outside the store lock; concurrent submissions see in_progress until it
// finishes.
func (e *Executor) Do(ctx context.Context, k Key, request any, cmd Command) (*Result, error) {
	if k.IdempotencyKey == "" {
		return nil, ErrKeyRequired
	}
	requestHash, err := canonicalize.CanonicalHash(request)
	if err != nil {
		return nil, fmt.Errorf("hash idempotent request: %w", err)
	}

	var (
		result *Result
		run    bool
	)
	err = e.opts.Store.Tx(ctx, k, func(ctx context.Context, tx Tx) error {
		rec, err := tx.Get(ctx, k)
		if err != nil {
			return err
		}
		now := e.opts.Now().UTC()
		switch decide(rec, requestHash, now) {
		case modeConflict:
			return codes.New(codes.CodeIdempotencyClash, "idempotency key was already used with a different command payload").
				With("idempotencyKey", k.IdempotencyKey)
		case modeReplaySuccess:
			result = &Result{
				Status:         StatusSucceeded,
				HTTPStatus:     rec.HTTPStatus,
				IdempotencyKey: k.IdempotencyKey,
				Body:           rec.Response,
				EventID:        rec.EventID,
				Replayed:       true,
			}
			return nil
		case modeReplayFailed:
			return storedFailure(rec)
		case modeInProgress:
			result = e.pending(k)
			return nil
		}
		next := &Record{
			Key:         k,
			RequestHash: requestHash,
			Status:      StatusInProgress,
			HTTPStatus:  http.StatusAccepted,
			ExpiresAt:   now.Add(e.opts.InProgressTTL),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if rec != nil {
			next.CreatedAt = rec.CreatedAt
		}
		if next.Response, err = json.Marshal(e.pending(k)); err != nil {
			return err
		}
		run = true
		return tx.Save(ctx, next)
	})
	if err != nil || !run {
		return result, err
	}

	out, cmdErr := cmd(ctx)
	if cmdErr != nil {
		if err := e.finish(ctx, k, requestHash, func(rec *Record) error { return e.markFailed(rec, cmdErr) }); err != nil {
			e.logger.ErrorContext(ctx, "failed to record command failure", "idempotencyKey", k.IdempotencyKey, "error", err)
		}
		return nil, cmdErr
	}

	if out.HTTPStatus == 0 {
		out.HTTPStatus = http.StatusOK
	}
	body, err := json.Marshal(out.Body)
	if err != nil {
		return nil, fmt.Errorf("encode command response: %w", err)
	}
	err = e.finish(ctx, k, requestHash, func(rec *Record) error {
		rec.Status = StatusSucceeded
		rec.HTTPStatus = out.HTTPStatus
		rec.Response = body
		rec.EventID = out.EventID
		rec.ExpiresAt = rec.UpdatedAt.Add(e.opts.SuccessTTL)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		Status:         StatusSucceeded,
		HTTPStatus:     out.HTTPStatus,
		IdempotencyKey: k.IdempotencyKey,
		Body:           body,
		EventID:        out.EventID,
	}, nil
}

func (e *Executor) pending(k Key) *Result {
	return &Result{
		Status:            StatusInProgress,
		HTTPStatus:        http.StatusAccepted,
		IdempotencyKey:    k.IdempotencyKey,
		RetryAfterSeconds: int(e.opts.RetryAfter.Round(time.Second) / time.Second),
	}
}

// finish rewrites the in-progress record for k under the lock.
func (e *Executor) finish(ctx context.Context, k Key, requestHash string, apply func(*Record) error) error {
	return e.opts.Store.Tx(ctx, k, func(ctx context.Context, tx Tx) error {
		rec, err := tx.Get(ctx, k)
		if err != nil {
			return err
		}
		now := e.opts.Now().UTC()
		if rec == nil {
			rec = &Record{Key: k, CreatedAt: now}
		}
		rec.RequestHash = requestHash
		rec.UpdatedAt = now
		rec.ErrorCode = ""
		rec.ErrorBody = nil
		if err := apply(rec); err != nil {
			return err
		}
		return tx.Save(ctx, rec)
	})
}

func (e *Executor) markFailed(rec *Record, cmdErr error) error {
	code := string(codes.Of(cmdErr))
	if codes.Code(code) == codes.CodeUnknown {
		code = defaultFailureCode
	}
	body := failureBody{Message: cmdErr.Error()}
	var ce *codes.Error
	if errors.As(cmdErr, &ce) {
		body.Message = ce.Message
		body.Details = ce.Metadata
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	rec.Status = StatusFailed
	rec.HTTPStatus = httpStatusFor(cmdErr)
	rec.ErrorCode = code
	rec.ErrorBody = raw
	rec.Response = nil
	rec.ExpiresAt = rec.UpdatedAt.Add(e.opts.FailureTTL)
	return nil
}

func httpStatusFor(err error) int {
	switch codes.ClassOf(err) {
	case codes.ClassSemantic, codes.ClassProtocol:
		return http.StatusBadRequest
	case codes.ClassAuthorization:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// storedFailure rebuilds the error a failed command returned the first time.
func storedFailure(rec *Record) error {
	var body failureBody
	if len(rec.ErrorBody) > 0 {
		_ = json.Unmarshal(rec.ErrorBody, &body)
	}
	if body.Message == "" {
		body.Message = "command failed previously"
	}
	code := rec.ErrorCode
	if code == "" {
		code = defaultFailureCode
	}
	out := codes.New(codes.Code(code), body.Message)
	for k, v := range body.Details {
		out = out.With(k, v)
	}
	return out.With("idempotencyKey", rec.Key.IdempotencyKey)
}
