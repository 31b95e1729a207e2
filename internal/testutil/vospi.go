package testutil

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/tcam/internal/timeutil"
)

// VoSPI packet geometry, duplicated here so the acquisition package's own
// tests can depend on testutil without an import cycle.
const (
	packetSize  = 164
	packetWords = 80
)

// ErrStreamExhausted is returned by a PacketStream with no clock once every
// scripted packet has been read.
var ErrStreamExhausted = errors.New("testutil: packet stream exhausted")

// PixelFunc returns the value of payload word i of the given segment line.
type PixelFunc func(segment, line, i int) uint16

// Constant fills every word with v.
func Constant(v uint16) PixelFunc {
	return func(int, int, int) uint16 { return v }
}

// Ramp encodes the absolute frame position so tests can check that every
// word landed at the expected index. wordsPerSegment must match the stream's
// packets-per-segment times 80.
func Ramp(base uint16, wordsPerSegment int) PixelFunc {
	return func(segment, line, i int) uint16 {
		return base + uint16((segment-1)*wordsPerSegment+line*packetWords+i)
	}
}

// VoSPIPacket builds one valid packet. The segment number is encoded only on
// line 20, as the camera does.
func VoSPIPacket(segment, line int, fill PixelFunc) []byte {
	pkt := make([]byte, packetSize)
	id := uint16(line & 0x0FFF)
	if line == 20 {
		id |= uint16(segment&0x7) << 12
	}
	binary.BigEndian.PutUint16(pkt, id)
	for i := 0; i < packetWords; i++ {
		binary.BigEndian.PutUint16(pkt[4+2*i:], fill(segment, line, i))
	}
	return pkt
}

// DiscardPacket builds a packet the receiver must drop.
func DiscardPacket() []byte {
	pkt := make([]byte, packetSize)
	pkt[0] = 0x0F
	pkt[1] = 0xFF
	return pkt
}

// Segment builds lines 0..lines-1 of one segment.
func Segment(segment, lines int, fill PixelFunc) [][]byte {
	out := make([][]byte, 0, lines)
	for line := 0; line < lines; line++ {
		out = append(out, VoSPIPacket(segment, line, fill))
	}
	return out
}

// Frame builds the four segments of a complete frame.
func Frame(lines int, fill PixelFunc) [][]byte {
	var out [][]byte
	for seg := 1; seg <= 4; seg++ {
		out = append(out, Segment(seg, lines, fill)...)
	}
	return out
}

// PacketStream replays scripted packets through a Tx method matching the
// SPI connection contract. Once exhausted it returns discard packets and,
// when a mock clock is attached, advances it by Idle per packet so that
// receive deadlines eventually expire.
type PacketStream struct {
	mu      sync.Mutex
	packets [][]byte
	pos     int
	clock   *timeutil.MockClock
	Idle    time.Duration
	Err     error
}

// NewPacketStream returns a stream over packets. clock may be nil.
func NewPacketStream(clock *timeutil.MockClock, packets ...[]byte) *PacketStream {
	return &PacketStream{packets: packets, clock: clock, Idle: time.Millisecond}
}

// Append adds packets to the end of the script.
func (s *PacketStream) Append(packets ...[]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packets = append(s.packets, packets...)
}

// Tx implements the packet source contract.
func (s *PacketStream) Tx(w, r []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Err != nil {
		return s.Err
	}
	if s.pos < len(s.packets) {
		copy(r, s.packets[s.pos])
		s.pos++
		return nil
	}
	if s.clock == nil {
		return ErrStreamExhausted
	}
	s.clock.Advance(s.Idle)
	copy(r, DiscardPacket())
	return nil
}

// Remaining returns the number of scripted packets not yet read.
func (s *PacketStream) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.packets) - s.pos
}
