package vospi

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/tcam/internal/testutil"
	"github.com/banshee-data/tcam/internal/timeutil"
)

func newTestEngine(t *testing.T, packets ...[]byte) (*Engine, *testutil.PacketStream, *timeutil.MockClock) {
	t.Helper()
	clock := timeutil.NewMockClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	stream := testutil.NewPacketStream(clock, packets...)
	return NewEngine(stream, clock), stream, clock
}

// drain runs one TransferSegment per simulated VSYNC until the scripted
// packets are consumed, returning the number of frames completed.
func drain(t *testing.T, e *Engine, stream *testutil.PacketStream, clock *timeutil.MockClock) int {
	t.Helper()
	frames := 0
	for i := 0; stream.Remaining() > 0; i++ {
		if i > 1000 {
			t.Fatal("stream did not drain")
		}
		done, err := e.TransferSegment(clock.Now().Add(MaxTransferWait))
		if err != nil {
			t.Fatalf("TransferSegment: %v", err)
		}
		if done {
			frames++
		}
	}
	return frames
}

func expectedRamp(base uint16, wordsPerSegment int) []uint16 {
	want := make([]uint16, Pixels)
	fill := testutil.Ramp(base, wordsPerSegment)
	for idx := range want {
		seg := idx/wordsPerSegment + 1
		rem := idx % wordsPerSegment
		want[idx] = fill(seg, rem/PacketWords, rem%PacketWords)
	}
	return want
}

func TestDecodeHeader(t *testing.T) {
	tests := []struct {
		name string
		pkt  []byte
		want Packet
	}{
		{"discard", testutil.DiscardPacket(), Packet{}},
		{"line 0", testutil.VoSPIPacket(1, 0, testutil.Constant(0)), Packet{Valid: true, Line: 0}},
		{"line 20 carries segment", testutil.VoSPIPacket(3, 20, testutil.Constant(0)), Packet{Valid: true, Line: 20, Segment: 3}},
		{"line 59", testutil.VoSPIPacket(4, 59, testutil.Constant(0)), Packet{Valid: true, Line: 59}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := decodeHeader(tt.pkt); got != tt.want {
				t.Errorf("decodeHeader() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestTransferSegment_OneFrameWithoutTelemetry(t *testing.T) {
	const wps = PacketsPerSegment * PacketWords
	e, stream, clock := newTestEngine(t, testutil.Frame(PacketsPerSegment, testutil.Ramp(0, wps))...)

	if frames := drain(t, e, stream, clock); frames != 1 {
		t.Fatalf("240-packet stream produced %d frames, want 1", frames)
	}
	if diff := cmp.Diff(expectedRamp(0, wps), e.Frame()); diff != "" {
		t.Errorf("frame mismatch (-want +got):\n%s", diff)
	}
	if _, ok := e.Telemetry(); ok {
		t.Error("telemetry reported valid with telemetry disabled")
	}
	st := e.Stats()
	if st.Frames != 1 || st.Segments != 4 || st.Packets != 240 {
		t.Errorf("stats = %+v", st)
	}
	if !e.State().AwaitingSegment1() {
		t.Error("engine should return to awaiting segment 1 after a frame")
	}
}

func TestTransferSegment_OneFrameWithTelemetry(t *testing.T) {
	const wps = PacketsPerSegmentTelemetry * PacketWords
	packets := testutil.Frame(PacketsPerSegmentTelemetry, testutil.Ramp(0, wps))
	if len(packets) != 244 {
		t.Fatalf("fixture has %d packets, want 244", len(packets))
	}
	e, stream, clock := newTestEngine(t, packets...)
	if err := e.IncludeTelemetry(true); err != nil {
		t.Fatalf("IncludeTelemetry: %v", err)
	}

	if frames := drain(t, e, stream, clock); frames != 1 {
		t.Fatalf("244-packet stream produced %d frames, want 1", frames)
	}
	if diff := cmp.Diff(expectedRamp(0, wps), e.Frame()); diff != "" {
		t.Errorf("frame mismatch (-want +got):\n%s", diff)
	}

	telem, ok := e.Telemetry()
	if !ok {
		t.Fatal("telemetry not marked valid")
	}
	fill := testutil.Ramp(0, wps)
	for row := 0; row < 3; row++ {
		for i := 0; i < PacketWords; i++ {
			if want := fill(4, 57+row, i); telem[row*PacketWords+i] != want {
				t.Fatalf("telemetry[%d] = %d, want %d", row*PacketWords+i, telem[row*PacketWords+i], want)
			}
		}
	}
}

func TestTransferSegment_DiscardsAreSkipped(t *testing.T) {
	var packets [][]byte
	for seg := 1; seg <= 4; seg++ {
		packets = append(packets, testutil.DiscardPacket(), testutil.DiscardPacket())
		packets = append(packets, testutil.Segment(seg, PacketsPerSegment, testutil.Constant(uint16(seg)))...)
	}
	e, stream, clock := newTestEngine(t, packets...)

	if frames := drain(t, e, stream, clock); frames != 1 {
		t.Fatalf("frames = %d, want 1", frames)
	}
	if got := e.Stats().Discards; got != 8 {
		t.Errorf("Discards = %d, want 8", got)
	}
}

func TestTransferSegment_DuplicateLineAborts(t *testing.T) {
	const wps = PacketsPerSegment * PacketWords
	e, stream, clock := newTestEngine(t, testutil.Frame(PacketsPerSegment, testutil.Ramp(0, wps))...)
	if frames := drain(t, e, stream, clock); frames != 1 {
		t.Fatalf("first frame not assembled")
	}
	first := append([]uint16(nil), e.Frame()...)

	// A corrupted attempt: the stream repeats line 10 of segment 1.
	broken := testutil.Segment(1, 11, testutil.Constant(0xDEAD))
	broken = append(broken, testutil.VoSPIPacket(1, 10, testutil.Constant(0xDEAD)))
	stream.Append(broken...)

	done, err := e.TransferSegment(clock.Now().Add(MaxTransferWait))
	if err != nil || done {
		t.Fatalf("TransferSegment = %v, %v; want abort without frame", done, err)
	}
	if e.Stats().DuplicateLines != 1 {
		t.Errorf("DuplicateLines = %d, want 1", e.Stats().DuplicateLines)
	}
	if diff := cmp.Diff(first, e.Frame()); diff != "" {
		t.Errorf("aborted attempt corrupted the previous frame (-want +got):\n%s", diff)
	}

	stream.Append(testutil.Frame(PacketsPerSegment, testutil.Ramp(1000, wps))...)
	if frames := drain(t, e, stream, clock); frames != 1 {
		t.Fatalf("no frame after recovery")
	}
	if diff := cmp.Diff(expectedRamp(1000, wps), e.Frame()); diff != "" {
		t.Errorf("recovered frame mismatch (-want +got):\n%s", diff)
	}
}

func TestTransferSegment_InvalidSegmentResets(t *testing.T) {
	fill := testutil.Constant(7)
	var packets [][]byte
	packets = append(packets, testutil.Segment(1, PacketsPerSegment, fill)...)
	packets = append(packets, testutil.Segment(2, PacketsPerSegment, fill)...)
	packets = append(packets, testutil.Segment(5, PacketsPerSegment, fill)...)
	e, stream, clock := newTestEngine(t, packets...)

	if frames := drain(t, e, stream, clock); frames != 0 {
		t.Fatalf("frames = %d, want 0", frames)
	}
	st := e.State()
	if st.Phase != ValidRegionLost || st.ValidRegion || st.Segment != 1 {
		t.Errorf("State() = %+v, want reset to segment 1 with valid region lost", st)
	}
	if e.Stats().InvalidSegments != 1 {
		t.Errorf("InvalidSegments = %d, want 1", e.Stats().InvalidSegments)
	}

	stream.Append(testutil.Frame(PacketsPerSegment, fill)...)
	if frames := drain(t, e, stream, clock); frames != 1 {
		t.Fatalf("fresh frame after reset: frames = %d, want 1", frames)
	}
	if e.State().Phase != AwaitingSegment1 {
		t.Errorf("Phase = %v after frame", e.State().Phase)
	}
}

func TestTransferSegment_RecoversFromStraySegment(t *testing.T) {
	const wps = PacketsPerSegment * PacketWords
	stale := testutil.Constant(0xDEAD)
	var packets [][]byte
	for _, seg := range []int{1, 2, 3, 7} {
		packets = append(packets, testutil.Segment(seg, PacketsPerSegment, stale)...)
	}
	packets = append(packets, testutil.Frame(PacketsPerSegment, testutil.Ramp(0, wps))...)
	e, stream, clock := newTestEngine(t, packets...)

	if frames := drain(t, e, stream, clock); frames != 1 {
		t.Fatalf("frames = %d, want exactly 1", frames)
	}
	// Nothing from the abandoned attempt or the stray segment survives.
	if diff := cmp.Diff(expectedRamp(0, wps), e.Frame()); diff != "" {
		t.Errorf("frame mismatch (-want +got):\n%s", diff)
	}
	if e.Stats().InvalidSegments != 1 {
		t.Errorf("InvalidSegments = %d, want 1", e.Stats().InvalidSegments)
	}
}

// looping feeds valid lines 0 and 1 forever, one packet per tick.
type looping struct {
	clock *timeutil.MockClock
	line  int
	reads int
}

func (l *looping) Tx(w, r []byte) error {
	if l.reads++; l.reads > 100000 {
		return errors.New("looping: read cap reached")
	}
	l.clock.Advance(100 * time.Microsecond)
	copy(r, testutil.VoSPIPacket(1, l.line, testutil.Constant(0)))
	l.line ^= 1
	return nil
}

func TestTransferSegment_CutsOffEndlessSegment(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	src := &looping{clock: clock}
	e := NewEngine(src, clock)
	start := clock.Now()
	deadline := start.Add(MaxTransferWait)

	done, err := e.TransferSegment(deadline)
	if err != nil || done {
		t.Fatalf("TransferSegment = %v, %v", done, err)
	}
	if got := clock.Since(start); got > MaxTransferWait+FramePeriod+time.Millisecond {
		t.Errorf("ran for %v past a %v deadline", got, MaxTransferWait)
	}
	if e.Stats().Overruns != 1 {
		t.Errorf("Overruns = %d, want 1", e.Stats().Overruns)
	}
	if !e.State().AwaitingSegment1() {
		t.Error("overrun should leave state untouched")
	}
}

func TestTransferSegment_SpeculativeSegment1(t *testing.T) {
	// Lines 0-19 arrive before the engine knows the segment; they must be
	// kept once line 20 confirms segment 1.
	const wps = PacketsPerSegment * PacketWords
	e, stream, clock := newTestEngine(t, testutil.Frame(PacketsPerSegment, testutil.Ramp(0, wps))...)
	done, err := e.TransferSegment(clock.Now().Add(MaxTransferWait))
	if err != nil || done {
		t.Fatalf("first segment: %v, %v", done, err)
	}
	st := e.State()
	if st.Phase != InSegment || st.Segment != 2 {
		t.Errorf("after segment 1, State() = %+v", st)
	}
	drain(t, e, stream, clock)
	if e.Frame()[0] != 0 || e.Frame()[19*PacketWords] != uint16(19*PacketWords) {
		t.Error("speculatively stored lines were not kept")
	}
}

func TestTransferSegment_DeadlineWithoutData(t *testing.T) {
	e, _, clock := newTestEngine(t)
	start := clock.Now()

	done, err := e.TransferSegment(start.Add(MaxTransferWait))
	if err != nil || done {
		t.Fatalf("TransferSegment = %v, %v", done, err)
	}
	if e.Stats().Timeouts != 1 {
		t.Errorf("Timeouts = %d, want 1", e.Stats().Timeouts)
	}
	if clock.Since(start) < MaxTransferWait {
		t.Errorf("gave up after %v", clock.Since(start))
	}
	if !e.State().AwaitingSegment1() {
		t.Error("timeout should leave state untouched")
	}
}

func TestTransferSegment_TimeoutIsNonDestructive(t *testing.T) {
	fill := testutil.Constant(3)
	var packets [][]byte
	packets = append(packets, testutil.Segment(1, PacketsPerSegment, fill)...)
	packets = append(packets, testutil.Segment(2, PacketsPerSegment, fill)...)
	e, stream, clock := newTestEngine(t, packets...)
	drain(t, e, stream, clock)

	// A missed VSYNC: no data this tick.
	if done, _ := e.TransferSegment(clock.Now().Add(MaxTransferWait)); done {
		t.Fatal("frame reported on an empty tick")
	}
	if st := e.State(); st.Segment != 3 || !st.ValidRegion {
		t.Errorf("timeout disturbed assembly state: %+v", st)
	}

	packets = nil
	packets = append(packets, testutil.Segment(3, PacketsPerSegment, fill)...)
	packets = append(packets, testutil.Segment(4, PacketsPerSegment, fill)...)
	stream.Append(packets...)
	if frames := drain(t, e, stream, clock); frames != 1 {
		t.Errorf("frames = %d, want 1", frames)
	}
}

func TestTransferSegment_SourceError(t *testing.T) {
	e, stream, clock := newTestEngine(t)
	boom := errors.New("spi: bus fault")
	stream.Err = boom

	if _, err := e.TransferSegment(clock.Now().Add(MaxTransferWait)); !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped source error", err)
	}
}

func TestIncludeTelemetry_OnlyWhenIdle(t *testing.T) {
	fill := testutil.Constant(1)
	e, stream, clock := newTestEngine(t, testutil.Segment(1, PacketsPerSegment, fill)...)
	drain(t, e, stream, clock)

	if err := e.IncludeTelemetry(true); !errors.Is(err, ErrNotIdle) {
		t.Errorf("IncludeTelemetry mid-frame err = %v, want ErrNotIdle", err)
	}
	if e.State().Telemetry {
		t.Error("layout changed despite rejection")
	}

	e.Reset()
	if err := e.IncludeTelemetry(true); err != nil {
		t.Errorf("IncludeTelemetry after Reset: %v", err)
	}
}

func TestSynthetic_ProducesFrames(t *testing.T) {
	for _, telem := range []bool{false, true} {
		src := NewSynthetic(3)
		src.SetTelemetry(telem)
		clock := timeutil.NewMockClock(time.Unix(0, 0))
		e := NewEngine(src, clock)
		if err := e.IncludeTelemetry(telem); err != nil {
			t.Fatal(err)
		}

		frames := 0
		for i := 0; i < 12; i++ {
			done, err := e.TransferSegment(clock.Now().Add(MaxTransferWait))
			if err != nil {
				t.Fatalf("telemetry=%v: %v", telem, err)
			}
			if done {
				frames++
			}
		}
		if frames != 3 {
			t.Errorf("telemetry=%v: 12 segments gave %d frames, want 3", telem, frames)
		}
		if _, ok := e.Telemetry(); ok != telem {
			t.Errorf("telemetry=%v: Telemetry() ok = %v", telem, ok)
		}
	}
}
