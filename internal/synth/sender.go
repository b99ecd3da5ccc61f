package synth

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"time"

	"github.com/banshee-data/sensorgrid/internal/grid"
	"github.com/banshee-data/sensorgrid/internal/monitoring"
	"github.com/banshee-data/sensorgrid/internal/timeutil"
)

var logf = monitoring.Unit("sender")

// DefaultInterval sends ten frames a second.
const DefaultInterval = 100 * time.Millisecond

// logEvery is how many frames pass between progress lines.
const logEvery = 10

// FrameFunc produces the next frame to send.
type FrameFunc func(grid.Geometry, *rand.Rand) ([]byte, error)

// SenderConfig configures a Sender.
type SenderConfig struct {
	Target   string
	Geometry grid.Geometry
	Interval time.Duration
	Frame    FrameFunc  // defaults to RadialFrame
	Rand     *rand.Rand // defaults to a time-seeded source
	Clock    timeutil.Clock
	// Dial opens the connection; defaults to a UDP dial of Target.
	Dial func(target string) (net.Conn, error)
}

// Sender emits synthetic frames to a UDP target at a fixed rate.
type Sender struct {
	target   string
	geom     grid.Geometry
	interval time.Duration
	frame    FrameFunc
	rng      *rand.Rand
	clock    timeutil.Clock
	dial     func(string) (net.Conn, error)

	sent int
}

// NewSender builds a Sender, filling in defaults.
func NewSender(cfg SenderConfig) *Sender {
	s := &Sender{
		target:   cfg.Target,
		geom:     cfg.Geometry,
		interval: cfg.Interval,
		frame:    cfg.Frame,
		rng:      cfg.Rand,
		clock:    cfg.Clock,
		dial:     cfg.Dial,
	}
	if s.geom.Side == 0 {
		s.geom = grid.DefaultGeometry()
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.frame == nil {
		s.frame = RadialFrame
	}
	if s.rng == nil {
		seed := uint64(time.Now().UnixNano())
		s.rng = rand.New(rand.NewPCG(seed, seed>>32))
	}
	if s.clock == nil {
		s.clock = timeutil.RealClock{}
	}
	if s.dial == nil {
		s.dial = func(target string) (net.Conn, error) { return net.Dial("udp", target) }
	}
	return s
}

// Run sends one frame immediately and then one per interval until ctx is
// cancelled. Write errors are logged and the loop carries on, since a
// datagram sender has nobody to report to.
func (s *Sender) Run(ctx context.Context) error {
	conn, err := s.dial(s.target)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.target, err)
	}
	defer conn.Close()

	logf("sending %d-byte frames to %s every %v", s.geom.FrameBytes(), s.target, s.interval)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.sendOne(conn); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			logf("sender stopped after %d frames", s.sent)
			return nil
		case <-ticker.C():
		}
	}
}

func (s *Sender) sendOne(conn net.Conn) error {
	buf, err := s.frame(s.geom, s.rng)
	if err != nil {
		return fmt.Errorf("build frame: %w", err)
	}
	if _, err := conn.Write(buf); err != nil {
		logf("send failed: %v", err)
		return nil
	}
	s.sent++
	if s.sent%logEvery == 0 {
		logf("sent frame #%d (%d bytes)", s.sent, len(buf))
	}
	return nil
}

// Sent returns the number of frames written so far. It is only meaningful
// once Run has returned.
func (s *Sender) Sent() int { return s.sent }
