package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sensorgrid/internal/grid"
	"github.com/banshee-data/sensorgrid/internal/network"
)

// mockPipeline builds a controller reading from a mock UDP socket.
func mockPipeline(t *testing.T, geom grid.Geometry, sock *network.MockUDPSocket, factoryErr error) *Controller {
	t.Helper()
	return NewController(Config{
		Geometry:        geom,
		QueueCapacity:   8,
		PopTimeout:      5 * time.Millisecond,
		ShutdownTimeout: time.Second,
	}, func(sink network.FrameSink, stats network.PacketStatsInterface) Source {
		factory := network.NewMockUDPSocketFactory(sock)
		factory.Error = factoryErr
		return network.NewUDPListener(network.UDPListenerConfig{
			Address:       "127.0.0.1:5005",
			FrameBytes:    geom.FrameBytes(),
			PollInterval:  10 * time.Millisecond,
			Stats:         stats,
			Sink:          sink,
			SocketFactory: factory,
		})
	})
}

func TestController_EndToEnd(t *testing.T) {
	geom := grid.DefaultGeometry()
	sock := network.NewMockUDPSocket(nil)
	c := mockPipeline(t, geom, sock, nil)

	_, ok := c.Store().Read()
	assert.False(t, ok, "store must start absent")

	require.NoError(t, c.Start(context.Background()))

	sock.Inject(uniformFrame(t, geom, 0))
	sock.Inject(make([]byte, 100))
	sock.Inject(uniformFrame(t, geom, 1000))

	require.Eventually(t, func() bool {
		snap, ok := c.Store().Read()
		return ok && snap.Seq == 2
	}, 2*time.Second, 2*time.Millisecond)

	snap, _ := c.Store().Read()
	assert.Equal(t, 128, snap.Grid.Side())
	for i := 0; i < snap.Grid.Len(); i++ {
		if snap.Grid.Value(i) != 1000.0 {
			t.Fatalf("cell %d = %v, want 1000", i, snap.Grid.Value(i))
		}
	}

	stats := c.Stats()
	assert.Equal(t, int64(3), stats.Packets.Packets)
	assert.Equal(t, int64(2), stats.Packets.Accepted)
	assert.Equal(t, int64(1), stats.Packets.Discarded)
	assert.Equal(t, int64(2), stats.Decoded)
	assert.Equal(t, c.RunID(), stats.RunID)
	assert.True(t, stats.SourceRunning)
	assert.True(t, stats.DecoderActive)
	require.NotNil(t, stats.LastDecodedAt)

	start := time.Now()
	require.NoError(t, c.Stop())
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, sock.IsClosed())

	stats = c.Stats()
	assert.False(t, stats.SourceRunning)
	assert.False(t, stats.DecoderActive)
}

func TestController_OnlyWrongSizeDatagrams(t *testing.T) {
	geom := smallGeom
	sock := network.NewMockUDPSocket(nil)
	c := mockPipeline(t, geom, sock, nil)
	require.NoError(t, c.Start(context.Background()))

	sock.Inject(make([]byte, geom.FrameBytes()-1))
	sock.Inject(make([]byte, geom.FrameBytes()+1))
	sock.Inject([]byte{1})

	require.Eventually(t, func() bool { return sock.Consumed() == 3 }, time.Second, time.Millisecond)
	require.NoError(t, c.Stop())

	_, ok := c.Store().Read()
	assert.False(t, ok)
	assert.Equal(t, int64(3), c.Stats().Packets.Discarded)
}

func TestController_BindFailure(t *testing.T) {
	c := mockPipeline(t, smallGeom, network.NewMockUDPSocket(nil), errors.New("address in use"))

	err := c.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBindFailed)
	assert.False(t, c.Stats().SourceRunning)
	assert.NoError(t, c.Stop())
}

func TestController_StartTwice(t *testing.T) {
	c := mockPipeline(t, smallGeom, network.NewMockUDPSocket(nil), nil)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()
	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)
}

func TestController_StopIdempotent(t *testing.T) {
	c := mockPipeline(t, smallGeom, network.NewMockUDPSocket(nil), nil)
	require.NoError(t, c.Start(context.Background()))
	assert.NoError(t, c.Stop())
	assert.NoError(t, c.Stop())
}

func TestController_ListenerFailureReported(t *testing.T) {
	sock := network.NewMockUDPSocket(nil)
	c := mockPipeline(t, smallGeom, sock, nil)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	sock.FailNextRead(errors.New("network is down"))

	select {
	case err := <-c.Err():
		assert.ErrorIs(t, err, ErrListenerFailed)
	case <-time.After(time.Second):
		t.Fatal("listener failure not reported")
	}

	// decoder keeps running
	assert.Eventually(t, func() bool {
		s := c.Stats()
		return !s.SourceRunning && s.DecoderActive
	}, time.Second, time.Millisecond)
}

func TestController_ParentContextCancel(t *testing.T) {
	c := mockPipeline(t, smallGeom, network.NewMockUDPSocket(nil), nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	cancel()

	assert.Eventually(t, func() bool {
		s := c.Stats()
		return !s.SourceRunning && !s.DecoderActive
	}, time.Second, time.Millisecond)
	assert.NoError(t, c.Stop())
}

// stuckSource ignores the stop signal until released.
type stuckSource struct {
	release chan struct{}
	closed  bool
}

func (s *stuckSource) Bind() error { return nil }

func (s *stuckSource) Serve(context.Context) error {
	<-s.release
	return nil
}

func (s *stuckSource) Close() error {
	s.closed = true
	return nil
}

func TestController_ShutdownTimeout(t *testing.T) {
	src := &stuckSource{release: make(chan struct{})}
	defer close(src.release)

	c := NewController(Config{Geometry: smallGeom, ShutdownTimeout: 50 * time.Millisecond},
		func(network.FrameSink, network.PacketStatsInterface) Source { return src })
	require.NoError(t, c.Start(context.Background()))

	start := time.Now()
	err := c.Stop()
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrShutdownTimeout)
	assert.Contains(t, err.Error(), "listener")
	assert.NotContains(t, err.Error(), "decoder")
	assert.Less(t, elapsed, 500*time.Millisecond)
	assert.True(t, src.closed, "resources released even after a timeout")

	// same result on a second call
	assert.Equal(t, err, c.Stop())
}
