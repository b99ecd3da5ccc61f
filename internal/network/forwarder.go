package network

import (
	"context"
	"fmt"
	"net"
	"time"
)

// DropCounter counts frames the forwarder could not queue.
type DropCounter interface {
	AddDropped()
}

// PacketForwarder mirrors accepted frames to another UDP address without
// blocking the receive loop.
type PacketForwarder struct {
	conn        *net.UDPConn
	channel     chan []byte
	stats       DropCounter
	logInterval time.Duration
	address     string
}

// NewPacketForwarder creates a forwarder that sends frames to address (host:port).
func NewPacketForwarder(address string, stats DropCounter, logInterval time.Duration) (*PacketForwarder, error) {
	forwardUDPAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve forward address: %w", err)
	}

	conn, err := net.DialUDP("udp", nil, forwardUDPAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create forward connection: %w", err)
	}

	if stats == nil {
		stats = noopStats{}
	}
	if logInterval <= 0 {
		logInterval = time.Minute
	}

	return &PacketForwarder{
		conn:        conn,
		channel:     make(chan []byte, 64),
		stats:       stats,
		logInterval: logInterval,
		address:     address,
	}, nil
}

// Start runs the send loop until ctx is cancelled. Write errors are
// summarised once per log interval.
func (f *PacketForwarder) Start(ctx context.Context) {
	go func() {
		droppedCount := 0
		var lastError error
		ticker := time.NewTicker(f.logInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case packet := <-f.channel:
				if _, err := f.conn.Write(packet); err != nil {
					droppedCount++
					lastError = err
				}
			case <-ticker.C:
				if droppedCount > 0 && lastError != nil {
					logf("Dropped %d forwarded frames due to errors (latest: %v)", droppedCount, lastError)
					droppedCount = 0
					lastError = nil
				}
			}
		}
	}()

	logf("Forwarding frames to %s", f.address)
}

// ForwardAsync queues a copy of packet for sending. When the queue is full
// the packet is dropped and counted.
func (f *PacketForwarder) ForwardAsync(packet []byte) {
	packetCopy := make([]byte, len(packet))
	copy(packetCopy, packet)

	select {
	case f.channel <- packetCopy:
	default:
		f.stats.AddDropped()
	}
}

// Close closes the UDP connection.
func (f *PacketForwarder) Close() error {
	return f.conn.Close()
}
