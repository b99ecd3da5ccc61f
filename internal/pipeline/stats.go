package pipeline

import (
	"time"

	"github.com/banshee-data/sensorgrid/internal/network"
)

// Stats is a snapshot of pipeline counters, served by the stats endpoint and
// written to the run ledger on shutdown.
type Stats struct {
	RunID         string               `json:"run_id"`
	StartedAt     time.Time            `json:"started_at"`
	Packets       network.PacketCounts `json:"packets"`
	QueueLen      int                  `json:"queue_len"`
	QueueCap      int                  `json:"queue_cap"`
	QueueDropped  int64                `json:"queue_dropped"`
	Decoded       int64                `json:"decoded"`
	Malformed     int64                `json:"malformed"`
	LastDecodedAt *time.Time           `json:"last_decoded_at,omitempty"`
	LastSeq       uint64               `json:"last_seq"`
	SourceRunning bool                 `json:"source_running"`
	DecoderActive bool                 `json:"decoder_running"`
}
