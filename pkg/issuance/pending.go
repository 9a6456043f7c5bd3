package issuance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotFound is returned when no pending commitment exists for a request.
var ErrNotFound = errors.New("pending commitment not found")

// Pending is the issuer's private half of a commitment. ServerSecret must
// not leave the issuer until the pack is revealed.
type Pending struct {
	Request
	ServerSecret  string `json:"serverSecret"`
	ServerCommit  string `json:"serverCommit"`
	CommittedAt   string `json:"committedAt"`
	CommitEntryID string `json:"commitEntryId"`
	IssuedEntryID string `json:"issuedEntryId,omitempty"`
	Week          string `json:"week,omitempty"`
	DropID        string `json:"dropId,omitempty"`
}

// PendingStore keeps commitments between commit and reveal.
type PendingStore interface {
	Put(ctx context.Context, p *Pending) error
	Get(ctx context.Context, packRequestID string) (*Pending, error)
	Delete(ctx context.Context, packRequestID string) error
}

// MemoryPendingStore keeps commitments in process memory.
type MemoryPendingStore struct {
	mu   sync.RWMutex
	data map[string]Pending
}

func NewMemoryPendingStore() *MemoryPendingStore {
	return &MemoryPendingStore{data: make(map[string]Pending)}
}

func (s *MemoryPendingStore) Put(_ context.Context, p *Pending) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[p.PackRequestID] = *p
	return nil
}

func (s *MemoryPendingStore) Get(_ context.Context, id string) (*Pending, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *MemoryPendingStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, id)
	return nil
}

// FilePendingStore keeps commitments in a single JSON file keyed by
// packRequestId. Every mutation rewrites the file atomically.
type FilePendingStore struct {
	path string
	mu   sync.Mutex
}

func NewFilePendingStore(path string) *FilePendingStore {
	return &FilePendingStore{path: path}
}

func (s *FilePendingStore) load() (map[string]Pending, error) {
	data := make(map[string]Pending)
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return data, nil
	}
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("pending store %s: %w", s.path, err)
	}
	return data, nil
}

func (s *FilePendingStore) save(data map[string]Pending) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".pending-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

func (s *FilePendingStore) Put(_ context.Context, p *Pending) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.load()
	if err != nil {
		return err
	}
	data[p.PackRequestID] = *p
	return s.save(data)
}

func (s *FilePendingStore) Get(_ context.Context, id string) (*Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.load()
	if err != nil {
		return nil, err
	}
	p, ok := data[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *FilePendingStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := data[id]; !ok {
		return nil
	}
	delete(data, id)
	return s.save(data)
}
