package network

// frameFilter is the length gate shared by every frame source. Only
// datagrams of exactly frameBytes reach the sink.
type frameFilter struct {
	frameBytes int
	stats      PacketStatsInterface
	forwarder  *PacketForwarder
	sink       FrameSink
}

// handlePacket filters one datagram by length and hands a private copy of a
// valid frame to the sink. packet may be reused by the caller afterwards.
func (f *frameFilter) handlePacket(packet []byte) {
	f.stats.AddPacket(len(packet))

	if len(packet) != f.frameBytes {
		// wrong-size datagrams are expected noise on a shared network
		f.stats.AddDiscarded()
		return
	}
	f.stats.AddAccepted()

	if f.forwarder != nil {
		f.forwarder.ForwardAsync(packet)
	}

	if f.sink == nil {
		return
	}
	frame := make([]byte, len(packet))
	copy(frame, packet)
	if err := f.sink.Push(frame); err != nil {
		f.stats.AddDropped()
	}
}
