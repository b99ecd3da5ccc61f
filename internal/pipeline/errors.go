package pipeline

import (
	"errors"

	"github.com/banshee-data/sensorgrid/internal/grid"
	"github.com/banshee-data/sensorgrid/internal/network"
)

// Error taxonomy of the pipeline. Per-frame errors (ErrMalformedFrame,
// ErrQueueOverflow) are counted and swallowed; unit errors (ErrListenerFailed,
// ErrDecoderFailed) stop one unit and are reported through Controller.Err.
var (
	ErrBindFailed     = network.ErrBindFailed
	ErrListenerFailed = network.ErrListenerFailed
	ErrMalformedFrame = grid.ErrMalformedFrame

	ErrQueueOverflow   = errors.New("transfer queue overflow")
	ErrQueueClosed     = errors.New("transfer queue closed")
	ErrDecoderFailed   = errors.New("decoder failed")
	ErrShutdownTimeout = errors.New("shutdown timed out")
	ErrAlreadyStarted  = errors.New("pipeline already started")
)
