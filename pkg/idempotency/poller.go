package idempotency

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/samternent/concord/pkg/codes"
)

const (
	DefaultMaxAttempts = 10
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 30 * time.Second
)

// Poller resubmits a command while the server answers in_progress. It
// waits retryAfterSeconds between attempts when the server provides it,
// and backs off exponentially when it does not.
type Poller struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Limiter bounds the submission rate across every Run sharing it.
	Limiter *rate.Limiter
	Logger  *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func NewPoller(maxAttempts int) *Poller {
	return &Poller{MaxAttempts: maxAttempts}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *Poller) delay(attempt int, res *Result) time.Duration {
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	var d time.Duration
	if res != nil && res.RetryAfterSeconds > 0 {
		d = time.Duration(res.RetryAfterSeconds) * time.Second
	} else {
		base := p.BaseDelay
		if base <= 0 {
			base = defaultBaseDelay
		}
		d = base << (attempt - 1)
	}
	if d <= 0 || d > maxDelay {
		d = maxDelay
	}
	return d
}

// Run calls submit until it returns a settled result, an error, or the
// attempt cap is reached. Hitting the cap is IDEMPOTENCY_TIMEOUT.
func (p *Poller) Run(ctx context.Context, submit func(ctx context.Context) (*Result, error)) (*Result, error) {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default().With("component", "idempotency")
	}

	var last *Result
	for attempt := 1; attempt <= attempts; attempt++ {
		if p.Limiter != nil {
			if err := p.Limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		res, err := submit(ctx)
		if err != nil {
			return nil, err
		}
		if !res.Pending() {
			return res, nil
		}
		last = res
		if attempt == attempts {
			break
		}
		d := p.delay(attempt, res)
		logger.DebugContext(ctx, "command in progress, retrying",
			"idempotencyKey", res.IdempotencyKey,
			"attempt", attempt,
			"delay", d,
		)
		if err := sleep(ctx, d); err != nil {
			return nil, err
		}
	}
	out := codes.Newf(codes.CodeIdempotencyTimeout, "command still in progress after %d attempts", attempts).
		With("attempts", strconv.Itoa(attempts))
	if last != nil {
		out = out.With("idempotencyKey", last.IdempotencyKey)
	}
	return nil, out
}
