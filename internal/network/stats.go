package network

import (
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/sensorgrid/internal/monitoring"
)

// PacketStatsInterface records what happens to received datagrams.
type PacketStatsInterface interface {
	AddPacket(bytes int)
	AddAccepted()
	AddDiscarded()
	AddDropped()
	LogStats()
}

// PacketCounts is a snapshot of datagram counters.
type PacketCounts struct {
	Packets   int64 `json:"packets"`
	Bytes     int64 `json:"bytes"`
	Accepted  int64 `json:"accepted"`
	Discarded int64 `json:"discarded"`
	Dropped   int64 `json:"dropped"`
}

// PacketStats tracks datagram statistics with thread-safe operations. It
// keeps lifetime totals plus an interval window that LogStats resets.
type PacketStats struct {
	mu        sync.Mutex
	total     PacketCounts
	window    PacketCounts
	lastReset time.Time
}

// NewPacketStats creates a new PacketStats instance.
func NewPacketStats() *PacketStats {
	return &PacketStats{lastReset: time.Now()}
}

// AddPacket counts one received datagram of the given size.
func (ps *PacketStats) AddPacket(bytes int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.total.Packets++
	ps.total.Bytes += int64(bytes)
	ps.window.Packets++
	ps.window.Bytes += int64(bytes)
}

// AddAccepted counts a datagram of the exact frame length.
func (ps *PacketStats) AddAccepted() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.total.Accepted++
	ps.window.Accepted++
}

// AddDiscarded counts a datagram rejected for its length.
func (ps *PacketStats) AddDiscarded() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.total.Discarded++
	ps.window.Discarded++
}

// AddDropped counts a frame lost to queue overflow or forwarding backlog.
func (ps *PacketStats) AddDropped() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.total.Dropped++
	ps.window.Dropped++
}

// Totals returns the lifetime counters.
func (ps *PacketStats) Totals() PacketCounts {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.total
}

// GetAndReset returns the interval counters and starts a new interval.
func (ps *PacketStats) GetAndReset() (PacketCounts, time.Duration) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := time.Now()
	duration := now.Sub(ps.lastReset)
	window := ps.window
	ps.window = PacketCounts{}
	ps.lastReset = now
	return window, duration
}

// LogStats logs per-second rates for the interval since the last call.
func (ps *PacketStats) LogStats() {
	c, duration := ps.GetAndReset()
	if c.Packets == 0 || duration <= 0 {
		return
	}
	secs := duration.Seconds()
	msg := fmt.Sprintf("Grid stats (/sec): %.2f MB, %.1f packets, %.1f frames",
		float64(c.Bytes)/secs/(1024*1024), float64(c.Packets)/secs, float64(c.Accepted)/secs)
	if c.Discarded > 0 {
		msg += fmt.Sprintf(", %d wrong-size discarded", c.Discarded)
	}
	if c.Dropped > 0 {
		msg += fmt.Sprintf(", %d dropped", c.Dropped)
	}
	monitoring.Logf("%s", msg)
}

// noopStats is a PacketStatsInterface implementation that does nothing.
// It is used as a safe default when no stats collector is provided.
type noopStats struct{}

func (noopStats) AddPacket(int) {}
func (noopStats) AddAccepted()  {}
func (noopStats) AddDiscarded() {}
func (noopStats) AddDropped()   {}
func (noopStats) LogStats()     {}
