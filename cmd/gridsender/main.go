// Command gridsender streams synthetic sensor-grid frames over UDP for
// bench testing sensorgrid without hardware.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/sensorgrid/internal/grid"
	"github.com/banshee-data/sensorgrid/internal/synth"
)

var (
	target = flag.String("target", "127.0.0.1:5005", "UDP destination host:port")
	rate   = flag.Float64("rate", 10, "Frames per second")
	side   = flag.Int("side", grid.DefaultSide, "Grid side length")
	noise  = flag.Bool("noise", false, "Send uniform random frames instead of a radial blob")
)

func frameFunc() synth.FrameFunc {
	if *noise {
		return synth.NoiseFrame
	}
	return synth.RadialFrame
}

func interval(fps float64) time.Duration {
	if fps <= 0 {
		return synth.DefaultInterval
	}
	return time.Duration(float64(time.Second) / fps)
}

func main() {
	flag.Parse()

	geom := grid.Geometry{Side: *side, ElementSize: grid.ElementSize}
	if err := geom.Validate(); err != nil {
		log.Fatalf("invalid geometry: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s := synth.NewSender(synth.SenderConfig{
		Target:   *target,
		Geometry: geom,
		Interval: interval(*rate),
		Frame:    frameFunc(),
	})
	if err := s.Run(ctx); err != nil {
		log.Fatalf("gridsender: %v", err)
	}
	log.Printf("UDP socket closed after %d frames", s.Sent())
}
