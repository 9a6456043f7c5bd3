package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/samternent/concord/pkg/codes"
)

// ErrNotFound is returned when a ledger file does not exist.
var ErrNotFound = errors.New("ledger: not found")

// FileStore persists a ledger as a single JSON document.
// Writes go to a temporary file in the same directory and are renamed
// into place.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore returns a store for path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the ledger file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads and decodes the ledger. It does not validate it.
func (s *FileStore) Load() (*Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ReadFile(s.path)
}

// Save writes l atomically.
func (s *FileStore) Save(l *Ledger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return WriteFile(s.path, l)
}

// Update loads the ledger, applies fn and saves the result when fn succeeds.
func (s *FileStore) Update(fn func(*Ledger) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, err := ReadFile(s.path)
	if err != nil {
		return err
	}
	if err := fn(l); err != nil {
		return err
	}
	return WriteFile(s.path, l)
}

// ReadFile decodes a ledger file.
func ReadFile(path string) (*Ledger, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("read ledger %q: %w", path, err)
	}
	return Decode(data)
}

// Decode parses a ledger document.
func Decode(data []byte) (*Ledger, error) {
	var l Ledger
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, codes.Wrap(codes.CodeInvalidLedger, "ledger is not valid JSON", err)
	}
	return &l, nil
}

// WriteFile encodes l with two-space indentation and renames it into place.
func WriteFile(path string, l *Ledger) error {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create ledger dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename ledger: %w", err)
	}
	return nil
}
