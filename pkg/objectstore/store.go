// Package objectstore is the key-addressed blob layer the audit ledger writes
// segments and checkpoints to. Backends: memory, local filesystem, S3-compatible
// object storage and (with -tags gcp) Google Cloud Storage.
package objectstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
)

var (
	// ErrNotFound is returned by Get when no object exists at the key.
	ErrNotFound = errors.New("objectstore: no such key")
	// ErrPreconditionFailed is returned by Put when IfMatch or IfNoneMatch
	// does not hold.
	ErrPreconditionFailed = errors.New("objectstore: precondition failed")
)

// Object is a fetched blob plus the version tag a later conditional Put can
// be guarded with.
type Object struct {
	Body []byte
	ETag string
}

// PutOptions carries object metadata and optional write conditions.
type PutOptions struct {
	ContentType  string
	CacheControl string
	// IfMatch, when set, only replaces an object whose current ETag equals it.
	IfMatch string
	// IfNoneMatch only creates the object if nothing exists at the key.
	IfNoneMatch bool
}

// Store defines the contract for a flat key/value blob store.
type Store interface {
	// Get retrieves the object at key or ErrNotFound.
	Get(ctx context.Context, key string) (*Object, error)
	// Put writes body at key and returns the new ETag.
	Put(ctx context.Context, key string, body []byte, opts PutOptions) (string, error)
}

func contentETag(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// MemoryStore keeps objects in process memory. Used by tests and by
// LEDGER_BACKEND=memory.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

type memoryObject struct {
	body []byte
	opts PutOptions
	etag string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &Object{Body: append([]byte(nil), o.body...), ETag: o.etag}, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, body []byte, opts PutOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, exists := s.objects[key]
	if err := checkConditions(exists, cur.etag, opts); err != nil {
		return "", err
	}
	etag := contentETag(body)
	s.objects[key] = memoryObject{body: append([]byte(nil), body...), opts: opts, etag: etag}
	return etag, nil
}

// Keys lists stored keys in no particular order.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.objects))
	for k := range s.objects {
		out = append(out, k)
	}
	return out
}

// Metadata returns the content type and cache control recorded for key.
func (s *MemoryStore) Metadata(key string) (contentType, cacheControl string, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.objects[key]
	return o.opts.ContentType, o.opts.CacheControl, ok
}

// Tamper overwrites an object without touching its metadata.
func (s *MemoryStore) Tamper(key string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.objects[key]
	o.body = append([]byte(nil), body...)
	o.etag = contentETag(body)
	s.objects[key] = o
}

func checkConditions(exists bool, currentETag string, opts PutOptions) error {
	if opts.IfNoneMatch && exists {
		return ErrPreconditionFailed
	}
	if opts.IfMatch != "" && (!exists || currentETag != opts.IfMatch) {
		return ErrPreconditionFailed
	}
	return nil
}
