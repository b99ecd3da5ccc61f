package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/banshee-data/sensorgrid/internal/grid"
	"github.com/banshee-data/sensorgrid/internal/monitoring"
	"github.com/banshee-data/sensorgrid/internal/timeutil"
)

var decoderLogf = monitoring.Unit("decoder")

// malformedLogEvery limits how often a run of bad frames is logged.
const malformedLogEvery = 100

// FrameQueue is the consumer side of the transfer queue.
type FrameQueue interface {
	Pop(ctx context.Context, timeout time.Duration) ([]byte, bool)
	Closed() bool
}

// Decoder pops raw frames, decodes them and publishes each grid to the
// store. A malformed frame is counted and skipped; it never stops the loop.
type Decoder struct {
	geom       grid.Geometry
	queue      FrameQueue
	store      *LatestStore
	clock      timeutil.Clock
	popTimeout time.Duration

	decoded   atomic.Int64
	malformed atomic.Int64

	// decode is swapped in tests to exercise panic recovery.
	decode func(grid.Geometry, []byte) (*grid.Grid, error)
}

// DecoderConfig configures a Decoder. Zero Clock and PopTimeout take
// defaults.
type DecoderConfig struct {
	Geometry   grid.Geometry
	Queue      FrameQueue
	Store      *LatestStore
	Clock      timeutil.Clock
	PopTimeout time.Duration
}

// DefaultPopTimeout bounds how long the decoder waits before rechecking the
// stop signal.
const DefaultPopTimeout = 100 * time.Millisecond

// NewDecoder builds a Decoder.
func NewDecoder(cfg DecoderConfig) *Decoder {
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	pop := cfg.PopTimeout
	if pop <= 0 {
		pop = DefaultPopTimeout
	}
	return &Decoder{
		geom:       cfg.Geometry,
		queue:      cfg.Queue,
		store:      cfg.Store,
		clock:      clock,
		popTimeout: pop,
		decode:     grid.Decode,
	}
}

// Run consumes frames until ctx is cancelled or the queue is closed and
// drained. It returns nil on a normal stop and an error wrapping
// ErrDecoderFailed if decoding panicked.
func (d *Decoder) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		frame, ok := d.queue.Pop(ctx, d.popTimeout)
		if !ok {
			if d.queue.Closed() {
				return nil
			}
			continue
		}
		if err := d.process(frame); err != nil {
			return err
		}
	}
}

func (d *Decoder) process(frame []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic decoding frame: %v", ErrDecoderFailed, r)
		}
	}()

	g, derr := d.decode(d.geom, frame)
	if derr != nil {
		if !errors.Is(derr, grid.ErrMalformedFrame) {
			return fmt.Errorf("%w: %v", ErrDecoderFailed, derr)
		}
		n := d.malformed.Add(1)
		if n == 1 || n%malformedLogEvery == 0 {
			decoderLogf("skipping malformed frame (%d so far): %v", n, derr)
		}
		return nil
	}

	d.store.Publish(g, d.clock.Now())
	d.decoded.Add(1)
	return nil
}

// Decoded returns the number of grids published.
func (d *Decoder) Decoded() int64 { return d.decoded.Load() }

// Malformed returns the number of frames skipped as malformed.
func (d *Decoder) Malformed() int64 { return d.malformed.Load() }
