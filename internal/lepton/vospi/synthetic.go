package vospi

import (
	"encoding/binary"
	"sync"

	"github.com/banshee-data/tcam/internal/lepton/telemetry"
)

// Synthetic is a PacketSource producing an endless, well-formed stream: a
// warm spot drifting across a uniform background, in TLinear Kelvin x 100.
// It stands in for the camera when running without hardware.
type Synthetic struct {
	mu        sync.Mutex
	telemetry bool
	next      bool
	frame     uint32
	seg       int
	line      int
	pending   int

	// Gap is the number of discard packets emitted between segments.
	Gap int
}

// NewSynthetic returns a source positioned at the start of a frame.
func NewSynthetic(gap int) *Synthetic {
	return &Synthetic{seg: 1, Gap: gap}
}

// SetTelemetry switches to the 61-packet layout at the next frame boundary.
func (s *Synthetic) SetTelemetry(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = on
}

// Tx implements PacketSource.
func (s *Synthetic) Tx(w, r []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending > 0 {
		s.pending--
		for i := range r {
			r[i] = 0
		}
		r[0] = 0x0F
		return nil
	}
	if s.seg == 1 && s.line == 0 {
		s.telemetry = s.next
	}

	lines := PacketsPerSegment
	if s.telemetry {
		lines = PacketsPerSegmentTelemetry
	}

	id := uint16(s.line)
	if s.line == segmentIDLine {
		id |= uint16(s.seg) << 12
	}
	binary.BigEndian.PutUint16(r, id)
	r[2], r[3] = 0, 0
	s.fill(r[4:], lines)

	s.line++
	if s.line == lines {
		s.line = 0
		s.pending = s.Gap
		if s.seg++; s.seg > Segments {
			s.seg = 1
			s.frame++
		}
	}
	return nil
}

func (s *Synthetic) fill(payload []byte, lines int) {
	if s.telemetry && s.seg == Segments && s.line >= telemetryFirstLine {
		row := s.line - telemetryFirstLine
		words := s.telemetryBlock()
		for i := 0; i < PacketWords; i++ {
			var v uint16
			if row < 3 {
				v = words[row*PacketWords+i]
			}
			binary.BigEndian.PutUint16(payload[2*i:], v)
		}
		return
	}

	k := (s.seg-1)*lines + s.line
	cx := int(s.frame*2) % Width
	cy := Height/2 + int(s.frame/8)%20 - 10
	for i := 0; i < PacketWords; i++ {
		pos := k*PacketWords + i
		row, col := pos/Width, pos%Width
		dx, dy := col-cx, row-cy
		v := uint16(29515)
		if d2 := dx*dx + dy*dy; d2 < 144 {
			v += uint16(1440 - 10*d2)
		}
		binary.BigEndian.PutUint16(payload[2*i:], v)
	}
}

func (s *Synthetic) telemetryBlock() []uint16 {
	w := make([]uint16, telemetry.Words)
	w[telemetry.WordRevision] = 14
	w[telemetry.WordFrameLow] = uint16(s.frame)
	w[telemetry.WordFrameHigh] = uint16(s.frame >> 16)
	w[telemetry.WordFPATempK100] = 30515
	w[telemetry.WordHousingK100] = 30015
	w[telemetry.WordTLinEnable] = 1
	w[telemetry.WordTLinRes] = 1
	return w
}
