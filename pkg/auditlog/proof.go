package auditlog

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/samternent/concord/pkg/crypto"
)

// KindPackIssued is the entry kind receipts are looked up by.
const KindPackIssued = "pack.issued"

// Reasons a receipt proof can fail with.
const (
	ReasonOK                    = "ok"
	ReasonMissingSegmentKey     = "missing-segment-key"
	ReasonSegmentIntegrity      = "segment-integrity-error"
	ReasonSegmentNotReachable   = "segment-not-reachable-from-head"
	ReasonCheckpointHead        = "checkpoint-head-mismatch"
	ReasonPrevSegmentHash       = "prev-segment-hash-mismatch"
	ReasonPrevSegmentKey        = "prev-segment-key-mismatch"
	ReasonPackEventNotInSegment = "pack-event-not-in-segment"
	ReasonIssuerKeyNotTrusted   = "issuer-key-not-trusted"
	ReasonSignatureInvalid      = "signature-invalid"
)

// CheckpointSummary is the part of the checkpoint a proof is anchored to.
type CheckpointSummary struct {
	HeadSegmentHash *string `json:"headSegmentHash"`
	HeadSegmentKey  *string `json:"headSegmentKey"`
	SegmentCount    int     `json:"segmentCount"`
	TotalEvents     int     `json:"totalEvents"`
}

func summarize(cp Checkpoint) *CheckpointSummary {
	return &CheckpointSummary{
		HeadSegmentHash: cp.HeadSegmentHash,
		HeadSegmentKey:  cp.HeadSegmentKey,
		SegmentCount:    cp.SegmentCount,
		TotalEvents:     cp.TotalEvents,
	}
}

// Proof is the outcome of FetchReceiptProof. Reason is always set; OK is
// true only when Reason is "ok".
type Proof struct {
	OK                 bool               `json:"ok"`
	Reason             string             `json:"reason"`
	Message            string             `json:"message,omitempty"`
	PackID             string             `json:"packId,omitempty"`
	IssuerKeyID        string             `json:"issuerKeyId,omitempty"`
	Event              *Event             `json:"event,omitempty"`
	SegmentHash        string             `json:"segmentHash,omitempty"`
	SegmentKey         string             `json:"segmentKey,omitempty"`
	Checkpoint         *CheckpointSummary `json:"checkpoint,omitempty"`
	ChainDepthFromHead *int               `json:"chainDepthFromHead,omitempty"`
}

// GetSegmentByKey loads a segment and checks it against the hash in its key.
func (l *Ledger) GetSegmentByKey(ctx context.Context, key string) (*LoadedSegment, error) {
	obj, err := l.opts.Store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load segment %s: %w", key, err)
	}
	return DecodeStoredSegment(key, obj.Body)
}

type packRef struct {
	PackID      string `json:"packId"`
	IssuerKeyID string `json:"issuerKeyId"`
}

// FetchReceiptProof proves that the pack.issued entry for packID is stored
// in segmentKey, that segmentKey is reachable from the checkpoint head
// through intact prev links, and that the entry is signed by a trusted
// issuer key. Failures are reported in the result, not as errors; the error
// is reserved for an unreadable checkpoint.
func (l *Ledger) FetchReceiptProof(ctx context.Context, packID, segmentKey string) (*Proof, error) {
	ctx, span := tracer().Start(ctx, "auditlog.fetch_receipt_proof")
	defer span.End()
	span.SetAttributes(attribute.String("audit.pack_id", packID), attribute.String("audit.segment_key", segmentKey))

	cp, err := l.Checkpoint(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	summary := summarize(cp)
	if segmentKey == "" {
		return &Proof{Reason: ReasonMissingSegmentKey, Checkpoint: summary}, nil
	}

	var chain []*LoadedSegment
	cursor := cp.HeadSegmentKey
	seen := make(map[string]bool)
	for cursor != nil && *cursor != "" {
		if seen[*cursor] {
			return &Proof{Reason: ReasonSegmentIntegrity, Message: "segment chain loops at " + *cursor, Checkpoint: summary}, nil
		}
		seen[*cursor] = true
		seg, err := l.GetSegmentByKey(ctx, *cursor)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return &Proof{Reason: ReasonSegmentIntegrity, Message: err.Error(), Checkpoint: summary}, nil
		}
		chain = append(chain, seg)
		if *cursor == segmentKey {
			break
		}
		cursor = seg.Segment.Meta.PrevSegmentKey
	}

	if len(chain) == 0 || chain[len(chain)-1].Key != segmentKey {
		return &Proof{Reason: ReasonSegmentNotReachable, Checkpoint: summary}, nil
	}
	if chain[0].Hash != deref(cp.HeadSegmentHash) || chain[0].Key != deref(cp.HeadSegmentKey) {
		return &Proof{Reason: ReasonCheckpointHead, Checkpoint: summary}, nil
	}
	for i := 0; i < len(chain)-1; i++ {
		cur, parent := chain[i].Segment.Meta, chain[i+1]
		if deref(cur.PrevSegmentHash) != parent.Hash {
			return &Proof{Reason: ReasonPrevSegmentHash, Checkpoint: summary}, nil
		}
		if deref(cur.PrevSegmentKey) != parent.Key {
			return &Proof{Reason: ReasonPrevSegmentKey, Checkpoint: summary}, nil
		}
	}

	target := chain[len(chain)-1]
	ev, ref := findPackEvent(target.Segment.Events, packID)
	if ev == nil {
		return &Proof{Reason: ReasonPackEventNotInSegment, Checkpoint: summary}, nil
	}

	pem, ok := l.opts.TrustedKeys[ref.IssuerKeyID]
	if !ok {
		return &Proof{Reason: ReasonIssuerKeyNotTrusted, IssuerKeyID: ref.IssuerKeyID}, nil
	}
	valid, err := crypto.VerifyEntry(ev.Entry, pem)
	if err != nil || !valid {
		return &Proof{Reason: ReasonSignatureInvalid, IssuerKeyID: ref.IssuerKeyID}, nil
	}

	depth := len(chain) - 1
	return &Proof{
		OK:                 true,
		Reason:             ReasonOK,
		PackID:             packID,
		IssuerKeyID:        ref.IssuerKeyID,
		Event:              ev,
		SegmentHash:        target.Hash,
		SegmentKey:         target.Key,
		Checkpoint:         summary,
		ChainDepthFromHead: &depth,
	}, nil
}

func findPackEvent(events []Event, packID string) (*Event, packRef) {
	for i := range events {
		e := events[i].Entry
		if e == nil || e.Kind != KindPackIssued {
			continue
		}
		var ref packRef
		if err := e.DecodePayload(&ref); err != nil {
			continue
		}
		if ref.PackID == packID {
			return &events[i], ref
		}
	}
	return nil, packRef{}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// ErrStopWalk ends WalkSegments early without an error.
var ErrStopWalk = errors.New("auditlog: stop walk")

// WalkSegments visits segments from the checkpoint head back to the first
// segment, checking each segment's hash and its link to the next one.
func (l *Ledger) WalkSegments(ctx context.Context, fn func(*LoadedSegment) error) error {
	cp, err := l.Checkpoint(ctx)
	if err != nil {
		return err
	}
	expectHash := cp.HeadSegmentHash
	cursor := cp.HeadSegmentKey
	seen := make(map[string]bool)
	for cursor != nil && *cursor != "" {
		if seen[*cursor] {
			return fmt.Errorf("segment chain loops at %s", *cursor)
		}
		seen[*cursor] = true
		seg, err := l.GetSegmentByKey(ctx, *cursor)
		if err != nil {
			return err
		}
		if expectHash != nil && seg.Hash != *expectHash {
			return fmt.Errorf("segment %s: expected hash %s, got %s", seg.Key, *expectHash, seg.Hash)
		}
		if err := fn(seg); err != nil {
			if errors.Is(err, ErrStopWalk) {
				return nil
			}
			return err
		}
		expectHash = seg.Segment.Meta.PrevSegmentHash
		cursor = seg.Segment.Meta.PrevSegmentKey
	}
	return nil
}

// EventRecord is one event annotated with where it is stored.
type EventRecord struct {
	Event
	SegmentKey string `json:"segmentKey"`
	Position   int    `json:"position"`
}

// Events returns all stored events newest segment first, each segment in
// write order. It stops after limit events when limit > 0.
func (l *Ledger) Events(ctx context.Context, limit int) ([]EventRecord, error) {
	var out []EventRecord
	err := l.WalkSegments(ctx, func(seg *LoadedSegment) error {
		for i, ev := range seg.Segment.Events {
			out = append(out, EventRecord{Event: ev, SegmentKey: seg.Key, Position: i})
			if limit > 0 && len(out) >= limit {
				return ErrStopWalk
			}
		}
		return nil
	})
	return out, err
}
