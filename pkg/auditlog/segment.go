package auditlog

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/samternent/concord/pkg/canonicalize"
	"github.com/samternent/concord/pkg/codes"
	"github.com/samternent/concord/pkg/ledger"
)

const (
	SegmentFormat     = "pixpax-ledger-segment"
	SegmentVersion    = "1.0"
	CheckpointFormat  = "pixpax-ledger-checkpoint"
	CheckpointVersion = "1.0"
	SegmentHashInput  = "sha256(uncompressed-jsonl-utf8-bytes)"

	lineTypeMeta  = "segment.meta"
	lineTypeEntry = "concord.entry"
)

var segmentKeyHash = regexp.MustCompile(`(?i)seg_([a-f0-9]{64})\.jsonl\.gz$`)

// Event is one signed ledger entry queued for the audit log.
type Event struct {
	EntryID string        `json:"entryId"`
	Entry   *ledger.Entry `json:"entry"`
}

// SegmentMeta is the first line of every segment.
type SegmentMeta struct {
	Type             string  `json:"type"`
	Format           string  `json:"format"`
	Version          string  `json:"version"`
	CreatedAt        string  `json:"createdAt"`
	PrevSegmentHash  *string `json:"prevSegmentHash"`
	PrevSegmentKey   *string `json:"prevSegmentKey"`
	SegmentHashInput string  `json:"segmentHashInput"`
	Compression      string  `json:"compression"`
	EventCount       int     `json:"eventCount"`
}

type entryLine struct {
	Type    string        `json:"type"`
	EntryID string        `json:"entryId"`
	Entry   *ledger.Entry `json:"entry"`
}

// Segment is a parsed segment body.
type Segment struct {
	Meta   SegmentMeta
	Events []Event
}

// Checkpoint is the mutable pointer to the newest segment.
type Checkpoint struct {
	Format           string  `json:"format"`
	Version          string  `json:"version"`
	UpdatedAt        string  `json:"updatedAt"`
	Prefix           string  `json:"prefix"`
	HeadSegmentHash  *string `json:"headSegmentHash"`
	HeadSegmentKey   *string `json:"headSegmentKey"`
	SegmentCount     int     `json:"segmentCount"`
	TotalEvents      int     `json:"totalEvents"`
	SegmentHashInput string  `json:"segmentHashInput"`
}

// DefaultCheckpoint is the checkpoint of an empty log.
func DefaultCheckpoint(prefix string, now time.Time) Checkpoint {
	return Checkpoint{
		Format:           CheckpointFormat,
		Version:          CheckpointVersion,
		UpdatedAt:        ledger.FormatTimestamp(now),
		Prefix:           prefix,
		SegmentHashInput: SegmentHashInput,
	}
}

// CheckpointKey is where the checkpoint for prefix lives.
func CheckpointKey(prefix string) string {
	return prefix + "/checkpoint.json"
}

// SegmentKey builds the content-addressed key for a segment created at t.
func SegmentKey(prefix string, t time.Time, segmentHash string) string {
	return fmt.Sprintf("%s/segments/%s/seg_%s.jsonl.gz", prefix, t.UTC().Format("2006-01-02"), segmentHash)
}

// SegmentHashFromKey extracts the hash embedded in a segment key. ok is
// false when the key does not follow the seg_<hash>.jsonl.gz convention.
func SegmentHashFromKey(key string) (hash string, ok bool) {
	m := segmentKeyHash.FindStringSubmatch(key)
	if m == nil {
		return "", false
	}
	return strings.ToLower(m[1]), true
}

func encodeLine(buf *bytes.Buffer, v any) error {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// EncodeSegment renders a segment as JSONL: a meta line followed by one line
// per event, each terminated by a newline.
func EncodeSegment(meta SegmentMeta, events []Event) ([]byte, error) {
	meta.Type = lineTypeMeta
	meta.Format = SegmentFormat
	meta.Version = SegmentVersion
	meta.SegmentHashInput = SegmentHashInput
	meta.Compression = "gzip"
	meta.EventCount = len(events)

	var buf bytes.Buffer
	if err := encodeLine(&buf, meta); err != nil {
		return nil, err
	}
	for _, ev := range events {
		if err := encodeLine(&buf, entryLine{Type: lineTypeEntry, EntryID: ev.EntryID, Entry: ev.Entry}); err != nil {
			return nil, fmt.Errorf("encode event %s: %w", ev.EntryID, err)
		}
	}
	return buf.Bytes(), nil
}

// ParseSegment parses and structurally validates segment JSONL.
func ParseSegment(content []byte) (*Segment, error) {
	var lines []string
	for _, l := range strings.Split(string(content), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) == 0 {
		return nil, codes.New(codes.CodeSegmentMalformed, "segment has no lines")
	}

	var meta SegmentMeta
	if err := json.Unmarshal([]byte(lines[0]), &meta); err != nil {
		return nil, codes.Wrap(codes.CodeSegmentMalformed, "segment meta line is not JSON", err)
	}
	if meta.Type != lineTypeMeta {
		return nil, codes.New(codes.CodeSegmentMalformed, "segment first line must be segment.meta")
	}
	if meta.Format != SegmentFormat {
		return nil, codes.Newf(codes.CodeSegmentMalformed, "unsupported segment format: %q", meta.Format)
	}

	events := make([]Event, 0, len(lines)-1)
	for i, l := range lines[1:] {
		var el entryLine
		if err := json.Unmarshal([]byte(l), &el); err != nil {
			return nil, codes.Wrap(codes.CodeSegmentMalformed, fmt.Sprintf("segment line %d is not JSON", i+1), err)
		}
		if el.Type != lineTypeEntry {
			return nil, codes.Newf(codes.CodeSegmentMalformed, "unexpected segment line type at index %d: %q", i+1, el.Type)
		}
		events = append(events, Event{EntryID: el.EntryID, Entry: el.Entry})
	}
	if meta.EventCount != len(events) {
		return nil, codes.Newf(codes.CodeSegmentMalformed, "segment.meta eventCount %d does not match %d lines", meta.EventCount, len(events))
	}
	return &Segment{Meta: meta, Events: events}, nil
}

func hashContent(content []byte) string {
	return canonicalize.HashBytes(content)
}

// Gzip compresses a segment body.
func Gzip(content []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(content); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Gunzip decompresses a stored segment.
func Gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = zr.Close() }()
	return io.ReadAll(zr)
}

// LoadedSegment is a fetched segment whose content hash matched its key.
type LoadedSegment struct {
	Key     string
	Hash    string
	Content []byte
	Segment *Segment
}

// DecodeStoredSegment gunzips, hashes and parses a stored segment, failing
// with SEGMENT_INTEGRITY when the hash in key does not match the content.
func DecodeStoredSegment(key string, gz []byte) (*LoadedSegment, error) {
	content, err := Gunzip(gz)
	if err != nil {
		return nil, codes.Wrap(codes.CodeSegmentIntegrity, "segment "+key+" is not valid gzip", err)
	}
	hash := hashContent(content)
	if want, ok := SegmentHashFromKey(key); ok && want != hash {
		return nil, codes.Newf(codes.CodeSegmentIntegrity,
			"segment key hash mismatch for %s: expected %s, got %s", key, want, hash).
			With("segmentKey", key)
	}
	seg, err := ParseSegment(content)
	if err != nil {
		return nil, err
	}
	return &LoadedSegment{Key: key, Hash: hash, Content: content, Segment: seg}, nil
}
