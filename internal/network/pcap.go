package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// PCAPSourceConfig configures replay of a packet capture into the pipeline.
type PCAPSourceConfig struct {
	Path       string
	UDPPort    int // only UDP datagrams to this port are replayed; 0 replays all
	FrameBytes int
	// SpeedMultiplier paces replay against capture timestamps
	// (1.0 = real time). Zero or negative replays as fast as possible.
	SpeedMultiplier float64
	Stats           PacketStatsInterface
	Forwarder       *PacketForwarder
	Sink            FrameSink
}

// PCAPSource replays UDP payloads from a pcap or pcapng file through the
// same length filter as the live listener. It reads the file with the pure
// Go pcapgo readers, so no libpcap is needed.
type PCAPSource struct {
	frameFilter

	path    string
	udpPort int
	speed   float64

	mu     sync.Mutex // Protects file and reader
	file   *os.File
	reader gopacket.PacketDataSource
	link   layers.LinkType
}

type linkTyper interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

// NewPCAPSource creates a replay source. Call Bind to open the file.
func NewPCAPSource(config PCAPSourceConfig) *PCAPSource {
	var stats PacketStatsInterface = noopStats{}
	if config.Stats != nil {
		stats = config.Stats
	}
	return &PCAPSource{
		frameFilter: frameFilter{
			frameBytes: config.FrameBytes,
			stats:      stats,
			forwarder:  config.Forwarder,
			sink:       config.Sink,
		},
		path:    config.Path,
		udpPort: config.UDPPort,
		speed:   config.SpeedMultiplier,
	}
}

// Bind opens the capture file and detects pcap or pcapng format.
func (p *PCAPSource) Bind() error {
	f, err := os.Open(p.path)
	if err != nil {
		return fmt.Errorf("%w: failed to open PCAP file %s: %v", ErrBindFailed, p.path, err)
	}

	var src linkTyper
	if r, err := pcapgo.NewReader(bufio.NewReader(f)); err == nil {
		src = r
	} else {
		if _, serr := f.Seek(0, io.SeekStart); serr != nil {
			f.Close()
			return fmt.Errorf("%w: rewind %s: %v", ErrBindFailed, p.path, serr)
		}
		ng, ngErr := pcapgo.NewNgReader(bufio.NewReader(f), pcapgo.DefaultNgReaderOptions)
		if ngErr != nil {
			f.Close()
			return fmt.Errorf("%w: %s is neither pcap (%v) nor pcapng (%v)", ErrBindFailed, p.path, err, ngErr)
		}
		src = ng
	}

	p.mu.Lock()
	p.file = f
	p.reader = src
	p.link = src.LinkType()
	p.mu.Unlock()
	logf("PCAP replay from %s (link %v, udp port %d, speed %.1fx)", p.path, p.link, p.udpPort, p.speed)
	return nil
}

// Serve replays the capture until EOF or ctx cancellation. Both are clean
// stops; read errors other than EOF wrap ErrListenerFailed.
func (p *PCAPSource) Serve(ctx context.Context) error {
	p.mu.Lock()
	reader := p.reader
	p.mu.Unlock()
	if reader == nil {
		return fmt.Errorf("%w: capture not opened", ErrListenerFailed)
	}
	defer p.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if p.forwarder != nil {
		p.forwarder.Start(ctx)
	}

	var firstCapture time.Time
	replayStart := time.Now()
	packetCount := 0

	for {
		if ctx.Err() != nil {
			logf("PCAP replay stopping (processed %d packets)", packetCount)
			return nil
		}

		data, ci, err := reader.ReadPacketData()
		if err == io.EOF {
			logf("PCAP replay complete: %d packets in %v", packetCount, time.Since(replayStart))
			return nil
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("%w: reading %s: %v", ErrListenerFailed, p.path, err)
		}

		payload, ok := p.udpPayload(data)
		if !ok {
			continue
		}
		packetCount++

		if p.speed > 0 {
			if firstCapture.IsZero() {
				firstCapture = ci.Timestamp
			}
			due := replayStart.Add(time.Duration(float64(ci.Timestamp.Sub(firstCapture)) / p.speed))
			if wait := time.Until(due); wait > 0 {
				select {
				case <-ctx.Done():
					continue
				case <-time.After(wait):
				}
			}
		}

		p.handlePacket(payload)
	}
}

// udpPayload extracts the UDP payload of a captured packet, honouring the
// destination port filter.
func (p *PCAPSource) udpPayload(data []byte) ([]byte, bool) {
	packet := gopacket.NewPacket(data, p.link, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	udpLayer := packet.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return nil, false
	}
	udp, ok := udpLayer.(*layers.UDP)
	if !ok {
		return nil, false
	}
	if p.udpPort != 0 && int(udp.DstPort) != p.udpPort {
		return nil, false
	}
	return udp.Payload, true
}

// Close releases the capture file. It is safe to call Close multiple times.
func (p *PCAPSource) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file == nil {
		return nil
	}
	err := p.file.Close()
	p.file = nil
	p.reader = nil
	return err
}
