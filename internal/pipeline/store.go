package pipeline

import (
	"sync/atomic"
	"time"

	"github.com/banshee-data/sensorgrid/internal/grid"
)

// Snapshot is one published grid. Snapshots are immutable; a reader may keep
// one for as long as it likes regardless of later publishes.
type Snapshot struct {
	Grid      *grid.Grid
	DecodedAt time.Time
	// Seq counts publishes since startup, starting at 1.
	Seq uint64
}

// LatestStore holds the most recently decoded grid. Publish and Read swap
// and load a single pointer, so readers never observe a partial update and
// never wait on the writer.
type LatestStore struct {
	latest atomic.Pointer[Snapshot]
	seq    atomic.Uint64
}

// NewLatestStore returns an empty store.
func NewLatestStore() *LatestStore {
	return &LatestStore{}
}

// Publish replaces the stored snapshot. It is meant for a single writer; a
// nil grid is ignored so the store never goes back to absent.
func (s *LatestStore) Publish(g *grid.Grid, decodedAt time.Time) Snapshot {
	if g == nil {
		if cur := s.latest.Load(); cur != nil {
			return *cur
		}
		return Snapshot{}
	}
	snap := &Snapshot{Grid: g, DecodedAt: decodedAt, Seq: s.seq.Add(1)}
	s.latest.Store(snap)
	return *snap
}

// Read returns the latest snapshot, or ok=false if nothing has been
// published yet.
func (s *LatestStore) Read() (snap Snapshot, ok bool) {
	p := s.latest.Load()
	if p == nil {
		return Snapshot{}, false
	}
	return *p, true
}
