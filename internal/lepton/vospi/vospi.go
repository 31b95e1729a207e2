// Package vospi reassembles Lepton 3.x frames from the Video over SPI
// packet stream.
//
// The camera clocks out 164-byte packets continuously. A frame is four
// segments of 60 packets (61 with the telemetry footer), and a segment's
// identity is only revealed by its line-20 packet, so the first twenty
// lines of every segment must be stored before the receiver knows whether
// they belong to the frame being built. The Engine keeps that progress in an
// explicit state object owned by the acquisition goroutine.
package vospi

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/tcam/internal/timeutil"
)

// Packet and frame geometry.
const (
	PacketSize     = 164
	PacketWords    = 80
	Width          = 160
	Height         = 120
	Pixels         = Width * Height
	Segments       = 4
	TelemetryWords = 3 * PacketWords

	PacketsPerSegment          = 60
	PacketsPerSegmentTelemetry = 61

	// telemetryFirstLine is the first segment-4 line carrying telemetry
	// when the footer is enabled.
	telemetryFirstLine = 57
	segmentIDLine      = 20
)

// Frame timing: the camera raises VSYNC every FramePeriod and a segment
// must be fully read within MaxTransferWait of that edge.
const (
	FramePeriod     = 9450 * time.Microsecond
	MaxTransferWait = 9250 * time.Microsecond
)

// ErrNotIdle rejects a telemetry layout change while a frame is partially
// assembled.
var ErrNotIdle = errors.New("vospi: frame assembly in progress")

// PacketSource is the SPI contract: one full-duplex transfer per packet.
// periph.io's spi.Conn satisfies it.
type PacketSource interface {
	Tx(w, r []byte) error
}

// Packet is the decoded header of one VoSPI packet.
type Packet struct {
	// Valid is false for discard packets.
	Valid bool
	Line  int
	// Segment is set only on line 20; zero otherwise.
	Segment int
}

// Phase summarises where the Engine is in frame assembly.
type Phase int

const (
	// AwaitingSegment1 stores lines speculatively until a line-20 packet
	// confirms segment 1.
	AwaitingSegment1 Phase = iota
	// InSegment means segment 1 has been confirmed and later segments are
	// expected in order.
	InSegment
	// ValidRegionLost follows an out-of-order segment id; the Engine has
	// reset and is waiting for segment 1 again.
	ValidRegionLost
)

func (p Phase) String() string {
	switch p {
	case AwaitingSegment1:
		return "awaiting-segment-1"
	case InSegment:
		return "in-segment"
	case ValidRegionLost:
		return "valid-region-lost"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// State is a snapshot of the Engine's assembly state.
type State struct {
	Phase       Phase
	Segment     int
	ValidRegion bool
	Telemetry   bool
}

// AwaitingSegment1 reports whether no confirmed frame is in progress.
func (s State) AwaitingSegment1() bool {
	return !s.ValidRegion
}

// Stats counts absorbed stream errors and completed work.
type Stats struct {
	Packets         uint64
	Discards        uint64
	DuplicateLines  uint64
	InvalidSegments uint64
	Timeouts        uint64
	// Overruns counts attempts cut off while valid lines were still
	// arriving, one segment period past the deadline.
	Overruns        uint64
	Segments        uint64
	Frames          uint64
}

// Engine assembles frames. It is not safe for concurrent use; the
// acquisition goroutine owns it.
type Engine struct {
	src   PacketSource
	clock timeutil.Clock

	tx  [PacketSize]byte
	pkt [PacketSize]byte

	work      [Pixels]uint16
	workTelem [TelemetryWords]uint16
	frame     [Pixels]uint16
	telem     [TelemetryWords]uint16
	telemOK   bool

	curSegment       int
	linesPerSegment  int
	wordsPerSegment  int
	validRegion      bool
	lost             bool
	includeTelemetry bool

	stats Stats
}

// NewEngine returns an Engine reading from src without telemetry.
func NewEngine(src PacketSource, clock timeutil.Clock) *Engine {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	e := &Engine{src: src, clock: clock}
	e.setLayout(false)
	e.Reset()
	return e
}

func (e *Engine) setLayout(telemetry bool) {
	e.includeTelemetry = telemetry
	e.linesPerSegment = PacketsPerSegment
	if telemetry {
		e.linesPerSegment = PacketsPerSegmentTelemetry
	}
	e.wordsPerSegment = e.linesPerSegment * PacketWords
}

// IncludeTelemetry switches between the 60- and 61-packet segment layouts.
// It is only permitted between frames.
func (e *Engine) IncludeTelemetry(on bool) error {
	if e.validRegion || e.curSegment != 1 {
		return ErrNotIdle
	}
	e.setLayout(on)
	return nil
}

// Reset abandons any partially assembled frame.
func (e *Engine) Reset() {
	e.curSegment = 1
	e.validRegion = false
	e.lost = false
}

// State returns a snapshot of the assembly state.
func (e *Engine) State() State {
	st := State{
		Segment:     e.curSegment,
		ValidRegion: e.validRegion,
		Telemetry:   e.includeTelemetry,
	}
	switch {
	case e.validRegion:
		st.Phase = InSegment
	case e.lost:
		st.Phase = ValidRegionLost
	default:
		st.Phase = AwaitingSegment1
	}
	return st
}

// Stats returns the running counters.
func (e *Engine) Stats() Stats {
	return e.stats
}

// Frame returns the most recently completed frame. The slice aliases the
// Engine's buffer and is overwritten by the next completed frame.
func (e *Engine) Frame() []uint16 {
	return e.frame[:]
}

// Telemetry returns the telemetry block of the most recently completed
// frame and whether it was captured.
func (e *Engine) Telemetry() ([]uint16, bool) {
	return e.telem[:], e.telemOK
}

// ReadOnePacket transfers one packet and decodes its header.
func (e *Engine) ReadOnePacket() (Packet, error) {
	if err := e.src.Tx(e.tx[:], e.pkt[:]); err != nil {
		return Packet{}, fmt.Errorf("vospi: packet transfer: %w", err)
	}
	e.stats.Packets++
	return decodeHeader(e.pkt[:]), nil
}

func decodeHeader(pkt []byte) Packet {
	if pkt[0]&0x0F == 0x0F {
		return Packet{}
	}
	p := Packet{
		Valid: true,
		Line:  int(binary.BigEndian.Uint16(pkt) & 0x0FFF),
	}
	if p.Line == segmentIDLine {
		p.Segment = int(pkt[0] >> 4)
	}
	return p
}

// TransferSegment reads packets until one segment has been consumed, the
// stream desynchronises, or deadline passes without useful data. It
// reports true when the segment just read completed a frame; Frame and
// Telemetry then return it.
func (e *Engine) TransferSegment(deadline time.Time) (bool, error) {
	prevLine := -1
	beforeValid := true
	cutoff := deadline.Add(FramePeriod)

	for {
		p, err := e.ReadOnePacket()
		if err != nil {
			return false, err
		}
		if !p.Valid {
			e.stats.Discards++
			if e.expired(deadline) {
				return false, nil
			}
			continue
		}

		if !e.clock.Now().Before(cutoff) {
			e.stats.Overruns++
			return false, nil
		}

		if p.Line == prevLine {
			// Line numbers always advance within a segment; a repeat means
			// the stream slipped.
			e.stats.DuplicateLines++
			return false, nil
		}
		prevLine = p.Line

		if p.Line == segmentIDLine {
			if !e.validRegion {
				if p.Segment == 1 {
					beforeValid = false
					e.validRegion = true
					e.lost = false
				}
			} else if p.Segment != e.curSegment {
				e.stats.InvalidSegments++
				e.validRegion = false
				e.lost = true
				e.curSegment = 1
			}
		}

		switch {
		case e.includeTelemetry && e.validRegion && e.curSegment == Segments && p.Line >= telemetryFirstLine:
			if row := p.Line - telemetryFirstLine; row < 3 {
				e.copyPayload(e.workTelem[row*PacketWords:])
			}
		case (beforeValid || e.validRegion) && p.Line < e.linesPerSegment:
			off := (e.curSegment-1)*e.wordsPerSegment + p.Line*PacketWords
			if off+PacketWords <= Pixels {
				e.copyPayload(e.work[off:])
			}
		case p.Line >= e.linesPerSegment:
			if e.expired(deadline) {
				return false, nil
			}
			continue
		}

		if p.Line == e.linesPerSegment-1 {
			if !e.validRegion {
				return false, nil
			}
			e.stats.Segments++
			if e.curSegment < Segments {
				e.curSegment++
				return false, nil
			}
			e.complete()
			return true, nil
		}
	}
}

func (e *Engine) expired(deadline time.Time) bool {
	if e.clock.Now().Before(deadline) {
		return false
	}
	e.stats.Timeouts++
	return true
}

func (e *Engine) complete() {
	e.frame = e.work
	e.telemOK = e.includeTelemetry
	if e.includeTelemetry {
		e.telem = e.workTelem
	}
	e.stats.Frames++
	e.curSegment = 1
	e.validRegion = false
	e.lost = false
}

func (e *Engine) copyPayload(dst []uint16) {
	payload := e.pkt[4:]
	for i := 0; i < PacketWords; i++ {
		dst[i] = binary.BigEndian.Uint16(payload[2*i:])
	}
}
