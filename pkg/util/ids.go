package util

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// IDSource hands out unique identifiers. Fills and liquidation events get a
// monotonic per-process sequence prefix so the append-only logs sort by
// creation order; everything else gets a plain UUID.
type IDSource struct {
	seq atomic.Uint64
}

func NewIDSource() *IDSource { return &IDSource{} }

// New returns a random UUID string.
func (s *IDSource) New() string { return uuid.NewString() }

// NewSeq returns "<prefix>-<seq>-<short uuid>", unique and ordered by issue.
func (s *IDSource) NewSeq(prefix string) string {
	n := s.seq.Add(1)
	return fmt.Sprintf("%s-%d-%s", prefix, n, uuid.NewString()[:8])
}

// Seq returns the current sequence counter (used by snapshot/restore so ids
// remain unique across restarts).
func (s *IDSource) Seq() uint64 { return s.seq.Load() }

// SetSeq restores the sequence counter.
func (s *IDSource) SetSeq(n uint64) { s.seq.Store(n) }
