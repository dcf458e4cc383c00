// Package sequence hands out apexes.
package sequence

import (
	"sync"

	"github.com/cockroachdb/errors"
)

var ErrOutOfOrder = errors.New("sequence: apex out of order")

// Sequencer tracks the last apex and the hash of the quantum at it.
// Next proposes lastApex+1; Commit makes it the head once the quantum is
// applied. A failed quantum is simply never committed.
type Sequencer struct {
	mu   sync.Mutex
	apex uint64
	hash [32]byte
}

// New starts after apex, whose quantum hashed to hash.
// Fresh constellation: New(0, zero hash). After recovery: last persisted.
func New(apex uint64, hash [32]byte) *Sequencer {
	return &Sequencer{apex: apex, hash: hash}
}

// Next returns the apex and prev hash for the next quantum.
func (s *Sequencer) Next() (uint64, [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apex + 1, s.hash
}

// Commit moves the head to apex. It must be exactly one past the head.
func (s *Sequencer) Commit(apex uint64, hash [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if apex != s.apex+1 {
		return errors.Wrapf(ErrOutOfOrder, "head %d, got %d", s.apex, apex)
	}
	s.apex = apex
	s.hash = hash
	return nil
}

// Current returns the last committed apex and hash.
func (s *Sequencer) Current() (uint64, [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apex, s.hash
}

func (s *Sequencer) Apex() uint64 {
	apex, _ := s.Current()
	return apex
}

// Reset sets the head. Used after rebuild and on cursor reset.
func (s *Sequencer) Reset(apex uint64, hash [32]byte) {
	s.mu.Lock()
	s.apex = apex
	s.hash = hash
	s.mu.Unlock()
}
