package network

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sensorgrid/internal/monitoring"
)

const testFrameBytes = 32

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	m.Run()
}

// recordingSink implements FrameSink and keeps every pushed frame.
type recordingSink struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (s *recordingSink) Push(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *recordingSink) frame(i int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[i]
}

func frameOf(n int, fill byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = fill
	}
	return b
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func newMockListener(sock *MockUDPSocket, sink FrameSink, stats PacketStatsInterface) (*UDPListener, *MockUDPSocketFactory) {
	factory := NewMockUDPSocketFactory(sock)
	l := NewUDPListener(UDPListenerConfig{
		Address:       "127.0.0.1:5005",
		RcvBuf:        1 << 20,
		FrameBytes:    testFrameBytes,
		PollInterval:  10 * time.Millisecond,
		Stats:         stats,
		Sink:          sink,
		SocketFactory: factory,
	})
	return l, factory
}

func TestNewUDPListener_Defaults(t *testing.T) {
	l := NewUDPListener(UDPListenerConfig{Address: ":5005", FrameBytes: 32768})

	assert.Equal(t, 500*time.Millisecond, l.pollInterval)
	assert.Equal(t, time.Minute, l.logInterval)
	assert.NotNil(t, l.stats, "expected default noop stats")
	assert.IsType(t, &RealUDPSocketFactory{}, l.socketFactory)
	assert.Nil(t, l.LocalAddr())
}

func TestUDPListener_FiltersByExactLength(t *testing.T) {
	sock := NewMockUDPSocket([]MockUDPPacket{
		{Data: frameOf(1, 0xAA)},
		{Data: frameOf(testFrameBytes, 0x01)},
		{Data: frameOf(testFrameBytes+1, 0xBB)},
		{Data: frameOf(testFrameBytes-1, 0xCC)},
		{Data: frameOf(testFrameBytes, 0x02)},
	})
	sink := &recordingSink{}
	stats := NewPacketStats()
	l, factory := newMockListener(sock, sink, stats)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Start(ctx) }()

	waitFor(t, time.Second, func() bool { return sock.Consumed() == 5 })
	cancel()
	require.NoError(t, <-done)

	require.Equal(t, 2, sink.count())
	assert.Equal(t, frameOf(testFrameBytes, 0x01), sink.frame(0))
	assert.Equal(t, frameOf(testFrameBytes, 0x02), sink.frame(1))

	totals := stats.Totals()
	assert.Equal(t, int64(5), totals.Packets)
	assert.Equal(t, int64(2), totals.Accepted)
	assert.Equal(t, int64(3), totals.Discarded)
	assert.Equal(t, int64(0), totals.Dropped)

	assert.True(t, sock.IsClosed(), "socket must be closed on exit")
	assert.Equal(t, 1<<20, sock.ReadBufferSize())
	require.Len(t, factory.ListenCalls, 1)
	assert.Equal(t, "udp", factory.ListenCalls[0].Network)
}

func TestUDPListener_FramesAreNotAliased(t *testing.T) {
	sock := NewMockUDPSocket([]MockUDPPacket{
		{Data: frameOf(testFrameBytes, 0x01)},
		{Data: frameOf(testFrameBytes, 0x02)},
	})
	sink := &recordingSink{}
	l, _ := newMockListener(sock, sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Start(ctx) }()
	waitFor(t, time.Second, func() bool { return sink.count() == 2 })
	cancel()
	require.NoError(t, <-done)

	// the receive buffer is reused; each pushed frame must be its own copy
	assert.Equal(t, byte(0x01), sink.frame(0)[0])
	assert.Equal(t, byte(0x02), sink.frame(1)[0])
}

func TestUDPListener_SinkErrorCountsDrop(t *testing.T) {
	sock := NewMockUDPSocket([]MockUDPPacket{{Data: frameOf(testFrameBytes, 0x01)}})
	sink := &recordingSink{err: errors.New("full")}
	stats := NewPacketStats()
	l, _ := newMockListener(sock, sink, stats)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Start(ctx) }()
	waitFor(t, time.Second, func() bool { return stats.Totals().Dropped == 1 })
	cancel()
	require.NoError(t, <-done)
}

func TestUDPListener_BindFailed(t *testing.T) {
	factory := &MockUDPSocketFactory{Error: errors.New("address already in use")}
	l := NewUDPListener(UDPListenerConfig{
		Address:       "127.0.0.1:5005",
		FrameBytes:    testFrameBytes,
		SocketFactory: factory,
	})

	err := l.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBindFailed)
}

func TestUDPListener_BindFailedOnBadAddress(t *testing.T) {
	l := NewUDPListener(UDPListenerConfig{Address: "not an address", FrameBytes: testFrameBytes})
	assert.ErrorIs(t, l.Bind(), ErrBindFailed)
}

func TestUDPListener_ServeWithoutBind(t *testing.T) {
	l := NewUDPListener(UDPListenerConfig{Address: ":0", FrameBytes: testFrameBytes})
	assert.ErrorIs(t, l.Serve(context.Background()), ErrListenerFailed)
}

func TestUDPListener_SocketErrorIsTerminal(t *testing.T) {
	sock := NewMockUDPSocket(nil)
	sock.FailNextRead(errors.New("connection reset by peer"))
	l, _ := newMockListener(sock, &recordingSink{}, nil)

	err := l.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrListenerFailed)
	assert.True(t, sock.IsClosed())
}

func TestUDPListener_CloseUnblocksServe(t *testing.T) {
	sock := NewMockUDPSocket(nil)
	l, _ := newMockListener(sock, &recordingSink{}, nil)
	require.NoError(t, l.Bind())

	done := make(chan error, 1)
	go func() { done <- l.Serve(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close(), "Close must be idempotent")

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after Close")
	}
}

func TestUDPListener_SetReadBufferErrorIsNonFatal(t *testing.T) {
	sock := NewMockUDPSocket(nil)
	sock.SetReadBufferError = errors.New("not permitted")
	l, _ := newMockListener(sock, &recordingSink{}, nil)

	require.NoError(t, l.Bind())
	assert.NotNil(t, l.LocalAddr())
	require.NoError(t, l.Close())
}

func TestUDPListener_RealSocket(t *testing.T) {
	const frameBytes = 128 * 128 * 2
	sink := &recordingSink{}
	stats := NewPacketStats()
	l := NewUDPListener(UDPListenerConfig{
		Address:      "127.0.0.1:0",
		FrameBytes:   frameBytes,
		PollInterval: 50 * time.Millisecond,
		Stats:        stats,
		Sink:         sink,
	})
	require.NoError(t, l.Bind())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Serve(ctx) }()

	conn, err := net.DialUDP("udp", nil, l.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer conn.Close()

	for _, n := range []int{1, frameBytes + 1, frameBytes} {
		_, err := conn.Write(frameOf(n, 0x7F))
		require.NoError(t, err)
	}

	waitFor(t, 2*time.Second, func() bool { return stats.Totals().Packets == 3 })
	assert.Equal(t, 1, sink.count())
	assert.Equal(t, int64(2), stats.Totals().Discarded)
	assert.Len(t, sink.frame(0), frameBytes)

	start := time.Now()
	cancel()
	require.NoError(t, <-done)
	assert.Less(t, time.Since(start), time.Second, "listener must observe the stop signal within one poll interval")
}

func TestUDPListener_ForwardsAcceptedFrames(t *testing.T) {
	server, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer server.Close()

	stats := NewPacketStats()
	fwd, err := NewPacketForwarder(server.LocalAddr().String(), stats, time.Second)
	require.NoError(t, err)
	defer fwd.Close()

	sock := NewMockUDPSocket([]MockUDPPacket{
		{Data: frameOf(3, 0x01)},
		{Data: frameOf(testFrameBytes, 0x42)},
	})
	l := NewUDPListener(UDPListenerConfig{
		Address:       "127.0.0.1:5005",
		FrameBytes:    testFrameBytes,
		PollInterval:  10 * time.Millisecond,
		Stats:         stats,
		Forwarder:     fwd,
		Sink:          &recordingSink{},
		SocketFactory: NewMockUDPSocketFactory(sock),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Start(ctx) }()

	require.NoError(t, server.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 1024)
	n, _, err := server.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, frameOf(testFrameBytes, 0x42), buf[:n])
}
