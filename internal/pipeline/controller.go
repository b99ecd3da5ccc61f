package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/sensorgrid/internal/grid"
	"github.com/banshee-data/sensorgrid/internal/monitoring"
	"github.com/banshee-data/sensorgrid/internal/network"
	"github.com/banshee-data/sensorgrid/internal/timeutil"
)

var logf = monitoring.Unit("pipeline")

// DefaultShutdownTimeout is how long Stop waits for the units to exit.
const DefaultShutdownTimeout = time.Second

// Source produces raw frames into a sink. *network.UDPListener and
// *network.PCAPSource both satisfy it.
type Source interface {
	Bind() error
	Serve(ctx context.Context) error
	Close() error
}

// SourceFactory builds the frame source for a pipeline. The source must push
// accepted frames into sink and record datagram counters in stats.
type SourceFactory func(sink network.FrameSink, stats network.PacketStatsInterface) Source

// Config configures a Controller. Zero values take defaults.
type Config struct {
	Geometry        grid.Geometry
	QueueCapacity   int
	PopTimeout      time.Duration
	ShutdownTimeout time.Duration
	Clock           timeutil.Clock
}

// Controller owns the pipeline lifecycle: it binds the source, runs the
// source and decoder concurrently, and stops both on request.
type Controller struct {
	runID           string
	geom            grid.Geometry
	shutdownTimeout time.Duration
	clock           timeutil.Clock

	packets *network.PacketStats
	queue   *TransferQueue
	store   *LatestStore
	decoder *Decoder
	source  Source

	mu        sync.Mutex
	started   bool
	startedAt time.Time
	cancel    context.CancelFunc
	errs      chan error

	sourceDone  chan struct{}
	decoderDone chan struct{}

	stopOnce sync.Once
	stopErr  error
}

// NewController builds a pipeline whose source comes from newSource.
func NewController(cfg Config, newSource SourceFactory) *Controller {
	geom := cfg.Geometry
	if geom.Side == 0 {
		geom = grid.DefaultGeometry()
	}
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = 64
	}
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	c := &Controller{
		runID:           uuid.NewString(),
		geom:            geom,
		shutdownTimeout: timeout,
		clock:           clock,
		packets:         network.NewPacketStats(),
		queue:           NewTransferQueue(capacity),
		store:           NewLatestStore(),
		errs:            make(chan error, 2),
		sourceDone:      make(chan struct{}),
		decoderDone:     make(chan struct{}),
	}
	c.decoder = NewDecoder(DecoderConfig{
		Geometry:   geom,
		Queue:      c.queue,
		Store:      c.store,
		Clock:      clock,
		PopTimeout: cfg.PopTimeout,
	})
	c.source = newSource(c.queue, c.packets)
	return c
}

// Start binds the source and launches the source and decoder goroutines.
// A bind failure is returned directly, wrapping ErrBindFailed, and nothing
// is left running. Cancelling ctx has the same effect as Stop minus the wait.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}

	if err := c.source.Bind(); err != nil {
		c.queue.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.started = true
	c.startedAt = c.clock.Now()

	go func() {
		defer close(c.sourceDone)
		if err := c.source.Serve(runCtx); err != nil {
			c.report(err)
		}
	}()

	go func() {
		defer close(c.decoderDone)
		if err := c.decoder.Run(runCtx); err != nil {
			c.report(err)
		}
	}()

	logf("started run %s (%s, queue %d)", c.runID, c.geom, c.queue.Cap())
	return nil
}

func (c *Controller) report(err error) {
	logf("unit stopped with error: %v", err)
	select {
	case c.errs <- err:
	default:
	}
}

// Err delivers unit failures (ErrListenerFailed, ErrDecoderFailed). A failed
// unit does not stop the other one.
func (c *Controller) Err() <-chan error { return c.errs }

// Stop signals both units, waits up to the shutdown timeout for them to
// exit, then releases the socket and the queue. It returns an error wrapping
// ErrShutdownTimeout naming any unit that did not exit in time. Subsequent
// calls return the same result.
func (c *Controller) Stop() error {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		started, cancel := c.started, c.cancel
		c.mu.Unlock()

		if !started {
			c.queue.Close()
			c.source.Close()
			return
		}

		cancel()

		deadline := time.NewTimer(c.shutdownTimeout)
		defer deadline.Stop()

		var stuck []string
		expired := false
		for _, unit := range []struct {
			name string
			done <-chan struct{}
		}{
			{"listener", c.sourceDone},
			{"decoder", c.decoderDone},
		} {
			if expired {
				select {
				case <-unit.done:
				default:
					stuck = append(stuck, unit.name)
				}
				continue
			}
			select {
			case <-unit.done:
			case <-deadline.C:
				expired = true
				stuck = append(stuck, unit.name)
			}
		}

		if err := c.source.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			logf("closing source: %v", err)
		}
		c.queue.Close()

		if len(stuck) > 0 {
			c.stopErr = fmt.Errorf("%w after %s: %s still running",
				ErrShutdownTimeout, c.shutdownTimeout, strings.Join(stuck, ", "))
			logf("%v", c.stopErr)
			return
		}
		logf("stopped run %s", c.runID)
	})
	return c.stopErr
}

// Store returns the latest-state store readers should use.
func (c *Controller) Store() *LatestStore { return c.store }

// Geometry returns the frame geometry in use.
func (c *Controller) Geometry() grid.Geometry { return c.geom }

// RunID identifies this process run.
func (c *Controller) RunID() string { return c.runID }

// Stats returns a point-in-time view of the pipeline counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	startedAt := c.startedAt
	c.mu.Unlock()

	s := Stats{
		RunID:         c.runID,
		StartedAt:     startedAt,
		Packets:       c.packets.Totals(),
		QueueLen:      c.queue.Len(),
		QueueCap:      c.queue.Cap(),
		QueueDropped:  c.queue.Dropped(),
		Decoded:       c.decoder.Decoded(),
		Malformed:     c.decoder.Malformed(),
		SourceRunning: running(c.sourceDone, !startedAt.IsZero()),
		DecoderActive: running(c.decoderDone, !startedAt.IsZero()),
	}
	if snap, ok := c.store.Read(); ok {
		t := snap.DecodedAt
		s.LastDecodedAt = &t
		s.LastSeq = snap.Seq
	}
	return s
}

// LogStats logs the interval packet counters plus decode totals.
func (c *Controller) LogStats() {
	c.packets.LogStats()
	logf("decoded %d grids, %d malformed, queue %d/%d, %d dropped",
		c.decoder.Decoded(), c.decoder.Malformed(), c.queue.Len(), c.queue.Cap(), c.queue.Dropped())
}

func running(done <-chan struct{}, started bool) bool {
	if !started {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}
