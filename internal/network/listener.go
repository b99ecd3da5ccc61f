package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/sensorgrid/internal/monitoring"
)

var (
	// ErrBindFailed is returned when the listen address cannot be resolved
	// or bound. The pipeline does not start.
	ErrBindFailed = errors.New("bind failed")

	// ErrListenerFailed reports an unrecoverable socket error. The receive
	// loop has exited and is not restarted.
	ErrListenerFailed = errors.New("listener failed")
)

// recvSlack is added to the receive buffer so an oversized datagram reads as
// oversized instead of being truncated to exactly the frame length.
const recvSlack = 100

var logf = monitoring.Unit("listener")

// FrameSink accepts raw frames from the listener. Push must not block.
// A non-nil error means the frame, or an older one, was dropped.
type FrameSink interface {
	Push(frame []byte) error
}

// UDPListener receives datagrams, keeps the ones of exactly FrameBytes
// length and hands them to a FrameSink without decoding them.
type UDPListener struct {
	frameFilter

	address       string
	rcvBuf        int
	pollInterval  time.Duration
	logInterval   time.Duration
	socketFactory UDPSocketFactory

	connMu sync.RWMutex // Protects conn field
	conn   UDPSocket
}

// UDPListenerConfig contains configuration options for the UDP listener.
type UDPListenerConfig struct {
	Address      string
	RcvBuf       int
	FrameBytes   int
	PollInterval time.Duration // max time a read blocks before the stop signal is checked
	LogInterval  time.Duration
	Stats        PacketStatsInterface
	Forwarder    *PacketForwarder // Optional: mirrors accepted frames
	Sink         FrameSink
	// Optional: factory for creating UDP sockets (for testing)
	SocketFactory UDPSocketFactory
}

// NewUDPListener creates a new UDP listener with the provided configuration.
func NewUDPListener(config UDPListenerConfig) *UDPListener {
	var stats PacketStatsInterface = noopStats{}
	if config.Stats != nil {
		stats = config.Stats
	}

	pollInterval := config.PollInterval
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}

	logInterval := config.LogInterval
	if logInterval <= 0 {
		logInterval = time.Minute
	}

	socketFactory := config.SocketFactory
	if socketFactory == nil {
		socketFactory = NewRealUDPSocketFactory()
	}

	return &UDPListener{
		frameFilter: frameFilter{
			frameBytes: config.FrameBytes,
			stats:      stats,
			forwarder:  config.Forwarder,
			sink:       config.Sink,
		},
		address:       config.Address,
		rcvBuf:        config.RcvBuf,
		pollInterval:  pollInterval,
		logInterval:   logInterval,
		socketFactory: socketFactory,
	}
}

// Bind resolves and binds the listen address. It is separate from Serve so
// callers can surface ErrBindFailed before starting any goroutine.
func (l *UDPListener) Bind() error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %v", ErrBindFailed, l.address, err)
	}

	conn, err := l.socketFactory.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("%w: listen %s: %v", ErrBindFailed, l.address, err)
	}

	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			logf("Warning: Failed to set UDP receive buffer size to %d: %v", l.rcvBuf, err)
		}
	}

	l.setConn(conn)
	logf("UDP listener bound to %s (frame %d bytes, receive buffer %d bytes)", conn.LocalAddr(), l.frameBytes, l.rcvBuf)
	return nil
}

// Start binds the socket and runs the receive loop until ctx is cancelled.
func (l *UDPListener) Start(ctx context.Context) error {
	if err := l.Bind(); err != nil {
		return err
	}
	return l.Serve(ctx)
}

// Serve runs the receive loop on a socket opened by Bind. It returns nil on
// a clean stop (ctx cancelled or socket closed) and an error wrapping
// ErrListenerFailed on any other socket error. The socket is closed on return.
func (l *UDPListener) Serve(ctx context.Context) error {
	conn := l.GetConn()
	if conn == nil {
		return fmt.Errorf("%w: socket not bound", ErrListenerFailed)
	}
	defer l.Close()

	// helpers stop with the loop, whichever way it exits
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if l.forwarder != nil {
		l.forwarder.Start(ctx)
	}

	go l.startStatsLogging(ctx)

	buffer := make([]byte, l.frameBytes+recvSlack)
	var deadlineErrLogged bool

	for {
		select {
		case <-ctx.Done():
			logf("UDP listener stopping")
			return nil
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(l.pollInterval)); err != nil {
			if !deadlineErrLogged {
				logf("failed to set read deadline: %v", err)
				deadlineErrLogged = true
			}
		}

		n, _, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				logf("UDP listener stopping")
				return nil
			}
			logf("UDP read error: %v", err)
			return fmt.Errorf("%w: %v", ErrListenerFailed, err)
		}

		l.handlePacket(buffer[:n])
	}
}

// startStatsLogging periodically logs packet statistics.
func (l *UDPListener) startStatsLogging(ctx context.Context) {
	// Trigger an initial stats report shortly after startup to avoid a long
	// silence on first-run. Then continue on the configured interval.
	select {
	case <-ctx.Done():
		return
	case <-time.After(2 * time.Second):
		l.stats.LogStats()
	}

	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.stats.LogStats()
		}
	}
}

func (l *UDPListener) setConn(conn UDPSocket) {
	l.connMu.Lock()
	defer l.connMu.Unlock()
	l.conn = conn
}

// GetConn returns the bound socket, or nil.
func (l *UDPListener) GetConn() UDPSocket {
	l.connMu.RLock()
	defer l.connMu.RUnlock()
	return l.conn
}

// LocalAddr returns the bound address, or nil before Bind.
func (l *UDPListener) LocalAddr() net.Addr {
	if conn := l.GetConn(); conn != nil {
		return conn.LocalAddr()
	}
	return nil
}

// Close closes the socket, unblocking an in-flight read.
// It is safe to call Close multiple times.
func (l *UDPListener) Close() error {
	l.connMu.Lock()
	conn := l.conn
	l.conn = nil
	l.connMu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
