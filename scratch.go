package livephoto

import (
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

var errScratchClosed = errors.New("scratch directory closed")

// Scratch is a codec-owned temporary directory, namespaced per call.
type Scratch struct {
	mu     sync.Mutex
	dir    string
	closed bool
}

func newScratch(parent string) (*Scratch, error) {
	if parent != "" {
		if err := os.MkdirAll(parent, 0o700); err != nil {
			return nil, err
		}
	}
	dir, err := os.MkdirTemp(parent, "livephoto-")
	if err != nil {
		return nil, err
	}
	return &Scratch{dir: dir}, nil
}

// Dir returns the scratch root.
func (s *Scratch) Dir() string { return s.dir }

// callDir creates a fresh sub-directory for one operation.
func (s *Scratch) callDir() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", errScratchClosed
	}
	dir := filepath.Join(s.dir, uuid.NewString())
	if err := os.Mkdir(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

// Close removes the scratch root and everything under it.
func (s *Scratch) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return os.RemoveAll(s.dir)
}
