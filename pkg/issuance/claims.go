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

// ErrNoClaim is returned when no weekly pack has been claimed for a request.
var ErrNoClaim = errors.New("weekly claim not found")

// Claim records the weekly pack issued for one user and drop cycle. It
// outlives the pending commitment, so a later request for the same cycle
// gets the same pack back whatever nonce it carries.
type Claim struct {
	PackRequestID string  `json:"packRequestId"`
	DropID        string  `json:"dropId"`
	IssuedTo      string  `json:"issuedTo"`
	ClaimedAt     string  `json:"claimedAt"`
	Issued        *Issued `json:"issued"`
}

// ClaimStore keeps weekly claims. PutClaimIfAbsent returns the existing
// claim with created=false when one is already stored.
type ClaimStore interface {
	Claim(ctx context.Context, packRequestID string) (*Claim, error)
	PutClaimIfAbsent(ctx context.Context, c *Claim) (existing *Claim, created bool, err error)
	ReleaseClaim(ctx context.Context, packRequestID string) error
}

// MemoryClaimStore keeps claims in process memory.
type MemoryClaimStore struct {
	mu   sync.Mutex
	data map[string]Claim
}

func NewMemoryClaimStore() *MemoryClaimStore {
	return &MemoryClaimStore{data: make(map[string]Claim)}
}

func (s *MemoryClaimStore) Claim(_ context.Context, id string) (*Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.data[id]
	if !ok {
		return nil, ErrNoClaim
	}
	return &c, nil
}

func (s *MemoryClaimStore) PutClaimIfAbsent(_ context.Context, c *Claim) (*Claim, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.data[c.PackRequestID]; ok {
		return &prev, false, nil
	}
	s.data[c.PackRequestID] = *c
	return c, true, nil
}

func (s *MemoryClaimStore) ReleaseClaim(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, id)
	return nil
}

// FileClaimStore keeps one JSON file per claim under dir. A claim file is
// linked into place, so two processes racing for the same cycle cannot both
// create it.
type FileClaimStore struct {
	dir string
}

func NewFileClaimStore(dir string) *FileClaimStore {
	return &FileClaimStore{dir: dir}
}

func (s *FileClaimStore) path(id string) string {
	return filepath.Join(s.dir, "claim-"+id+".json")
}

func (s *FileClaimStore) Claim(_ context.Context, id string) (*Claim, error) {
	raw, err := os.ReadFile(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoClaim
	}
	if err != nil {
		return nil, err
	}
	var c Claim
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("claim %s: %w", id, err)
	}
	return &c, nil
}

func (s *FileClaimStore) PutClaimIfAbsent(ctx context.Context, c *Claim) (*Claim, bool, error) {
	raw, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return nil, false, err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, false, err
	}
	tmp, err := os.CreateTemp(s.dir, ".claim-*")
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return nil, false, err
	}
	if err := tmp.Close(); err != nil {
		return nil, false, err
	}
	if err := os.Link(tmp.Name(), s.path(c.PackRequestID)); err != nil {
		if errors.Is(err, os.ErrExist) {
			prev, err := s.Claim(ctx, c.PackRequestID)
			return prev, false, err
		}
		return nil, false, err
	}
	return c, true, nil
}

func (s *FileClaimStore) ReleaseClaim(_ context.Context, id string) error {
	err := os.Remove(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
