// Package auditlog is the issuer's append-only audit ledger.
//
// Signed entries are buffered in memory and flushed as gzip-compressed JSONL
// segments. Each segment names its predecessor by hash and key, and a single
// checkpoint object points at the newest segment. A segment's key embeds the
// sha256 of its uncompressed content, so any byte change is detected on read.
//
// A Ledger is the only writer for its prefix. Appends are safe for concurrent
// use; flushes are single-flight.
package auditlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	cerr "github.com/samternent/concord/pkg/codes"
	"github.com/samternent/concord/pkg/ledger"
	"github.com/samternent/concord/pkg/objectstore"
)

const (
	DefaultPrefix         = "pixpax/ledger"
	DefaultFlushMaxEvents = 200
	DefaultFlushInterval  = 60 * time.Second

	segmentContentType  = "application/gzip"
	segmentCacheControl = "public, max-age=31536000, immutable"
	checkpointType      = "application/json"
	checkpointCache     = "no-store"
)

// Receipt reports what happened to an appended entry.
type Receipt struct {
	EntryID       string  `json:"entryId,omitempty"`
	Persisted     bool    `json:"persisted"`
	Queued        bool    `json:"queued"`
	QueuedEvents  int     `json:"queuedEvents,omitempty"`
	SegmentKey    *string `json:"segmentKey"`
	SegmentHash   *string `json:"segmentHash"`
	FlushedEvents int     `json:"flushedEvents,omitempty"`
	Skipped       bool    `json:"skipped,omitempty"`
	Reason        string  `json:"reason,omitempty"`
}

// FlushResult describes one written segment.
type FlushResult struct {
	SegmentKey    string `json:"segmentKey"`
	SegmentHash   string `json:"segmentHash"`
	FlushedEvents int    `json:"flushedEvents"`
}

// Options configures a Ledger.
type Options struct {
	Store    objectstore.Store
	Prefix   string
	Disabled bool

	FlushMaxEvents   int
	FlushInterval    time.Duration
	FlushSyncOnIssue bool
	// ConditionalCheckpoint guards checkpoint writes with the ETag last
	// read, so a second writer on the same prefix fails with CHECKPOINT_STALE
	// instead of silently forking the chain.
	ConditionalCheckpoint bool

	// TrustedKeys maps issuer key ids to PEM public keys for proof checks.
	TrustedKeys map[string]string

	Metrics *Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

type flushCall struct {
	done chan struct{}
	res  *FlushResult
	err  error
}

// Ledger buffers entries and writes them as chained segments.
type Ledger struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu             sync.Mutex
	pending        []Event
	checkpoint     *Checkpoint
	checkpointETag string
	flight         *flushCall
	stop           chan struct{}
	tickerDone     chan struct{}
	closed         bool
}

// New validates opts and returns a Ledger. No I/O happens until Init or the
// first append.
func New(opts Options) (*Ledger, error) {
	if !opts.Disabled && opts.Store == nil {
		return nil, errors.New("auditlog: store is required")
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.FlushMaxEvents <= 0 {
		opts.FlushMaxEvents = DefaultFlushMaxEvents
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	l := &Ledger{opts: opts, logger: opts.Logger, now: opts.Now}
	if l.logger == nil {
		l.logger = slog.Default().With("component", "auditlog")
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l, nil
}

// Disabled reports whether the ledger drops appends.
func (l *Ledger) Disabled() bool { return l.opts.Disabled }

// Prefix returns the key prefix segments are written under.
func (l *Ledger) Prefix() string { return l.opts.Prefix }

// TrustedKeys returns the issuer keys proofs are checked against.
func (l *Ledger) TrustedKeys() map[string]string { return l.opts.TrustedKeys }

// Init loads or bootstraps the checkpoint and starts the flush ticker.
func (l *Ledger) Init(ctx context.Context) error {
	if l.opts.Disabled {
		return nil
	}
	if _, err := l.Checkpoint(ctx); err != nil {
		return err
	}
	l.ensureTicker()
	return nil
}

// AppendIssuedEntry queues a signed entry. It flushes synchronously when the
// buffer reaches FlushMaxEvents or FlushSyncOnIssue is set.
func (l *Ledger) AppendIssuedEntry(ctx context.Context, entryID string, entry *ledger.Entry) (Receipt, error) {
	if l.opts.Disabled {
		return Receipt{EntryID: entryID, Persisted: false, Reason: "ledger-disabled"}, nil
	}
	if entry == nil {
		return Receipt{}, errors.New("auditlog: nil entry")
	}

	l.mu.Lock()
	l.pending = append(l.pending, Event{EntryID: entryID, Entry: entry.Clone()})
	queued := len(l.pending)
	l.mu.Unlock()
	l.opts.Metrics.appended(queued)

	if queued >= l.opts.FlushMaxEvents || l.opts.FlushSyncOnIssue {
		res, err := l.Flush(ctx)
		if err != nil {
			return Receipt{}, err
		}
		r := Receipt{EntryID: entryID, Persisted: true}
		if res != nil {
			r.SegmentKey = &res.SegmentKey
			r.SegmentHash = &res.SegmentHash
			r.FlushedEvents = res.FlushedEvents
		}
		return r, nil
	}

	l.ensureTicker()
	return Receipt{EntryID: entryID, Persisted: true, Queued: true, QueuedEvents: queued}, nil
}

// Pending returns the number of buffered events.
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Flush writes up to FlushMaxEvents buffered events as one segment. A call
// made while another flush is running waits for and returns that flush's
// result. Flush returns nil, nil when there is nothing to write.
func (l *Ledger) Flush(ctx context.Context) (*FlushResult, error) {
	if l.opts.Disabled {
		return nil, nil
	}
	l.mu.Lock()
	if c := l.flight; c != nil {
		l.mu.Unlock()
		select {
		case <-c.done:
			return c.res, c.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if len(l.pending) == 0 {
		l.mu.Unlock()
		return nil, nil
	}
	c := &flushCall{done: make(chan struct{})}
	l.flight = c
	l.mu.Unlock()

	c.res, c.err = l.flushOnce(ctx)

	l.mu.Lock()
	l.flight = nil
	l.mu.Unlock()
	close(c.done)
	return c.res, c.err
}

func (l *Ledger) flushOnce(ctx context.Context) (res *FlushResult, err error) {
	ctx, span := tracer().Start(ctx, "auditlog.flush", trace.WithSpanKind(trace.SpanKindInternal))
	start := time.Now()

	l.mu.Lock()
	n := min(len(l.pending), l.opts.FlushMaxEvents)
	events := append([]Event(nil), l.pending[:n]...)
	l.pending = append([]Event(nil), l.pending[n:]...)
	l.mu.Unlock()

	defer func() {
		if err != nil {
			// Put the batch back in front so a later flush retries it in order.
			l.mu.Lock()
			l.pending = append(events, l.pending...)
			l.mu.Unlock()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int("audit.events", len(events)))
		span.End()
		l.opts.Metrics.flushed(ctx, len(events), l.Pending(), time.Since(start), err)
	}()

	cp, err := l.Checkpoint(ctx)
	if err != nil {
		return nil, err
	}

	createdAt := l.now()
	content, err := EncodeSegment(SegmentMeta{
		CreatedAt:       ledger.FormatTimestamp(createdAt),
		PrevSegmentHash: cp.HeadSegmentHash,
		PrevSegmentKey:  cp.HeadSegmentKey,
	}, events)
	if err != nil {
		return nil, err
	}
	gz, err := Gzip(content)
	if err != nil {
		return nil, fmt.Errorf("gzip segment: %w", err)
	}
	hash := hashContent(content)
	key := SegmentKey(l.opts.Prefix, createdAt, hash)

	if _, err := l.opts.Store.Put(ctx, key, gz, objectstore.PutOptions{
		ContentType:  segmentContentType,
		CacheControl: segmentCacheControl,
	}); err != nil {
		return nil, fmt.Errorf("write segment %s: %w", key, err)
	}

	next := Checkpoint{
		Format:           CheckpointFormat,
		Version:          CheckpointVersion,
		UpdatedAt:        ledger.FormatTimestamp(l.now()),
		Prefix:           l.opts.Prefix,
		HeadSegmentHash:  &hash,
		HeadSegmentKey:   &key,
		SegmentCount:     cp.SegmentCount + 1,
		TotalEvents:      cp.TotalEvents + len(events),
		SegmentHashInput: SegmentHashInput,
	}
	if err := l.writeCheckpoint(ctx, next, false); err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.String("audit.segment_key", key))
	l.logger.DebugContext(ctx, "audit segment flushed", "segment_key", key, "events", len(events))
	return &FlushResult{SegmentKey: key, SegmentHash: hash, FlushedEvents: len(events)}, nil
}

func (l *Ledger) writeCheckpoint(ctx context.Context, cp Checkpoint, create bool) error {
	body, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	opts := objectstore.PutOptions{ContentType: checkpointType, CacheControl: checkpointCache}
	if l.opts.ConditionalCheckpoint {
		l.mu.Lock()
		etag := l.checkpointETag
		l.mu.Unlock()
		if create || etag == "" {
			opts.IfNoneMatch = true
		} else {
			opts.IfMatch = etag
		}
	}
	etag, err := l.opts.Store.Put(ctx, CheckpointKey(l.opts.Prefix), body, opts)
	if errors.Is(err, objectstore.ErrPreconditionFailed) {
		// Force a re-read so the next flush chains onto the real head.
		l.mu.Lock()
		l.checkpoint = nil
		l.checkpointETag = ""
		l.mu.Unlock()
		return cerr.Wrap(cerr.CodeCheckpointStale, "checkpoint changed since it was read", err)
	}
	if err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	l.mu.Lock()
	l.checkpoint = &cp
	l.checkpointETag = etag
	l.mu.Unlock()
	return nil
}

// Checkpoint returns the cached checkpoint, reading it on first use and
// writing an empty one if none exists yet.
func (l *Ledger) Checkpoint(ctx context.Context) (Checkpoint, error) {
	l.mu.Lock()
	if l.checkpoint != nil {
		cp := *l.checkpoint
		l.mu.Unlock()
		return cp, nil
	}
	l.mu.Unlock()

	key := CheckpointKey(l.opts.Prefix)
	obj, err := l.opts.Store.Get(ctx, key)
	switch {
	case err == nil:
		cp, perr := parseCheckpoint(obj.Body, l.opts.Prefix, l.now())
		if perr != nil {
			return Checkpoint{}, perr
		}
		l.mu.Lock()
		l.checkpoint = &cp
		l.checkpointETag = obj.ETag
		l.mu.Unlock()
		return cp, nil
	case errors.Is(err, objectstore.ErrNotFound):
		cp := DefaultCheckpoint(l.opts.Prefix, l.now())
		if err := l.writeCheckpoint(ctx, cp, true); err != nil {
			return Checkpoint{}, err
		}
		l.logger.InfoContext(ctx, "audit checkpoint bootstrapped", "key", key)
		return cp, nil
	default:
		return Checkpoint{}, fmt.Errorf("read checkpoint: %w", err)
	}
}

func parseCheckpoint(body []byte, prefix string, now time.Time) (Checkpoint, error) {
	var raw Checkpoint
	if err := json.Unmarshal(body, &raw); err != nil {
		return Checkpoint{}, cerr.Wrap(cerr.CodeCheckpointInvalid, "checkpoint is not valid JSON", err)
	}
	cp := DefaultCheckpoint(prefix, now)
	if raw.UpdatedAt != "" {
		cp.UpdatedAt = raw.UpdatedAt
	}
	if raw.Prefix != "" {
		cp.Prefix = raw.Prefix
	}
	if raw.HeadSegmentHash != nil && *raw.HeadSegmentHash != "" {
		cp.HeadSegmentHash = raw.HeadSegmentHash
	}
	if raw.HeadSegmentKey != nil && *raw.HeadSegmentKey != "" {
		cp.HeadSegmentKey = raw.HeadSegmentKey
	}
	cp.SegmentCount = raw.SegmentCount
	cp.TotalEvents = raw.TotalEvents
	if raw.SegmentHashInput != "" {
		cp.SegmentHashInput = raw.SegmentHashInput
	}
	return cp, nil
}

func (l *Ledger) ensureTicker() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.opts.Disabled || l.closed || l.stop != nil {
		return
	}
	l.stop = make(chan struct{})
	l.tickerDone = make(chan struct{})
	go l.runTicker(l.opts.FlushInterval, l.stop, l.tickerDone)
}

func (l *Ledger) runTicker(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			if _, err := l.Flush(ctx); err != nil {
				l.logger.WarnContext(ctx, "periodic audit flush failed", "error", err)
			}
			cancel()
		}
	}
}

// Close stops the flush ticker and drains the buffer. Appends after Close
// are still accepted but only flushed on demand.
func (l *Ledger) Close(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	stop, done := l.stop, l.tickerDone
	l.stop, l.tickerDone = nil, nil
	l.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
	for l.Pending() > 0 {
		res, err := l.Flush(ctx)
		if err != nil {
			return err
		}
		if res == nil {
			break
		}
	}
	return nil
}
