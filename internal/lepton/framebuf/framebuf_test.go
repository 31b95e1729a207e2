package framebuf

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/banshee-data/tcam/internal/lepton/vospi"
	"github.com/banshee-data/tcam/internal/testutil"
	"github.com/banshee-data/tcam/internal/timeutil"
)

func rampFrame(base uint16) []uint16 {
	px := make([]uint16, vospi.Pixels)
	for i := range px {
		px[i] = base + uint16(i%1000)
	}
	return px
}

func newTestBuffer() (*Buffer, *timeutil.MockClock) {
	clock := timeutil.NewMockClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	return New(clock, vospi.FramePeriod), clock
}

func TestPublish_MinMaxAndNotify(t *testing.T) {
	b, _ := newTestBuffer()
	px := rampFrame(100)
	px[5000] = 7
	px[6000] = 60000

	i, err := b.Publish(px, nil, false)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case got := <-b.Ready():
		if got != i {
			t.Errorf("Ready() delivered %d, want %d", got, i)
		}
	default:
		t.Fatal("no ready notification")
	}

	var f Frame
	if err := b.CopyOut(context.Background(), i, &f); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}
	if f.Min != 7 || f.Max != 60000 {
		t.Errorf("min/max = %d/%d, want 7/60000", f.Min, f.Max)
	}
	if f.Pixels[999] != 1099 || f.TelemetryValid {
		t.Errorf("unexpected frame contents: px[999]=%d telem=%v", f.Pixels[999], f.TelemetryValid)
	}
	if f.Seq != 1 {
		t.Errorf("Seq = %d, want 1", f.Seq)
	}
}

func TestPublish_AlternatesSlots(t *testing.T) {
	b, _ := newTestBuffer()
	var got []int
	for n := 0; n < 4; n++ {
		i, err := b.Publish(rampFrame(uint16(n)), nil, false)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, i)
	}
	if got[0] == got[1] || got[0] != got[2] || got[1] != got[3] {
		t.Errorf("slot sequence = %v, want alternating", got)
	}
	if latest, ok := b.Latest(); !ok || latest != got[3] {
		t.Errorf("Latest() = %d, %v", latest, ok)
	}
}

func TestPublish_Telemetry(t *testing.T) {
	b, _ := newTestBuffer()
	telem := make([]uint16, vospi.TelemetryWords)
	telem[24] = 30515

	i, err := b.Publish(rampFrame(0), telem, true)
	if err != nil {
		t.Fatal(err)
	}
	var f Frame
	if err := b.CopyOut(context.Background(), i, &f); err != nil {
		t.Fatal(err)
	}
	if !f.TelemetryValid || f.Telemetry[24] != 30515 {
		t.Errorf("telemetry not copied: valid=%v word24=%d", f.TelemetryValid, f.Telemetry[24])
	}

	if _, err := b.Publish(rampFrame(0), telem[:10], true); err == nil {
		t.Error("expected error for short telemetry")
	}
	if _, err := b.Publish(make([]uint16, 10), nil, false); err == nil {
		t.Error("expected error for short frame")
	}
}

func TestPublish_DoesNotBlockOnOtherSlot(t *testing.T) {
	b, clock := newTestBuffer()
	first, _ := b.Publish(rampFrame(1), nil, false)

	// The consumer holds the slot just published; the next publish targets
	// the other one and must not wait at all.
	if _, err := b.Acquire(context.Background(), first); err != nil {
		t.Fatal(err)
	}
	done := make(chan int, 1)
	go func() {
		i, _ := b.Publish(rampFrame(2), nil, false)
		done <- i
	}()

	select {
	case i := <-done:
		if i == first {
			t.Errorf("publish went to the held slot %d", i)
		}
	case <-time.After(time.Second):
		t.Fatal("publish blocked on the other slot")
	}
	if clock.PendingTimers() != 0 {
		t.Error("publish to a free slot should not start a wait")
	}
	if err := b.Release(first); err != nil {
		t.Errorf("Release: %v", err)
	}
	if s := b.Stats(); s.ForcedReclaims != 0 || s.Published != 2 {
		t.Errorf("stats = %+v", s)
	}
}

func TestPublish_WaitsForRelease(t *testing.T) {
	b, clock := newTestBuffer()
	first, _ := b.Publish(rampFrame(1), nil, false)
	b.Publish(rampFrame(2), nil, false)

	if _, err := b.Acquire(context.Background(), first); err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() {
		b.Publish(rampFrame(3), nil, false)
		close(done)
	}()

	clock.BlockUntil(1)
	if err := b.Release(first); err != nil {
		t.Fatalf("Release: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish did not proceed after release")
	}
	if b.Stats().ForcedReclaims != 0 {
		t.Error("release within the period must not count as a reclaim")
	}
}

func TestPublish_ForcedReclaimIsBounded(t *testing.T) {
	b, clock := newTestBuffer()
	first, _ := b.Publish(rampFrame(1), nil, false)
	b.Publish(rampFrame(2), nil, false)

	f, err := b.Acquire(context.Background(), first)
	if err != nil {
		t.Fatal(err)
	}
	if f.Pixels[0] != 1 {
		t.Fatalf("held slot has px[0]=%d", f.Pixels[0])
	}

	start := clock.Now()
	done := make(chan struct{})
	go func() {
		b.Publish(rampFrame(3), nil, false)
		close(done)
	}()

	clock.BlockUntil(1)
	clock.Advance(vospi.FramePeriod - time.Microsecond)
	select {
	case <-done:
		t.Fatal("publish gave up before one frame period")
	case <-time.After(20 * time.Millisecond):
	}

	clock.Advance(time.Microsecond)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish still blocked after one frame period")
	}
	if waited := clock.Since(start); waited != vospi.FramePeriod {
		t.Errorf("producer waited %v, want %v", waited, vospi.FramePeriod)
	}

	if err := b.Release(first); !errors.Is(err, ErrReclaimed) {
		t.Errorf("Release after reclaim = %v, want ErrReclaimed", err)
	}
	s := b.Stats()
	if s.ForcedReclaims != 1 || s.Dropped != 0 {
		t.Errorf("stats = %+v, want one reclaim and no drop", s)
	}

	// The slot is usable again.
	var out Frame
	if err := b.CopyOut(context.Background(), first, &out); err != nil {
		t.Fatalf("CopyOut after reclaim: %v", err)
	}
	if out.Pixels[0] != 3 {
		t.Errorf("reclaimed slot px[0] = %d, want 3", out.Pixels[0])
	}
}

func TestPublish_ConsecutiveReclaimsCountDrops(t *testing.T) {
	b, clock := newTestBuffer()
	b.Publish(rampFrame(1), nil, false)
	b.Publish(rampFrame(2), nil, false)

	// A stuck consumer holding both slots forces every publish.
	for i := 0; i < Slots; i++ {
		if _, err := b.Acquire(context.Background(), i); err != nil {
			t.Fatal(err)
		}
	}

	for n := 0; n < 3; n++ {
		done := make(chan struct{})
		go func() {
			b.Publish(rampFrame(uint16(10+n)), nil, false)
			close(done)
		}()
		clock.BlockUntil(1)
		clock.Advance(vospi.FramePeriod)
		<-done
	}

	s := b.Stats()
	if s.ForcedReclaims != 3 || s.Dropped != 2 {
		t.Errorf("stats = %+v, want 3 reclaims and 2 drops", s)
	}
}

func TestAcquire_HonoursContext(t *testing.T) {
	b, _ := newTestBuffer()
	if _, err := b.Acquire(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.Acquire(ctx, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("Acquire on held slot with cancelled ctx = %v", err)
	}
	if _, err := b.Acquire(context.Background(), 5); err == nil {
		t.Error("expected error for bad slot index")
	}
}

func TestRelease_Unheld(t *testing.T) {
	b, _ := newTestBuffer()
	if err := b.Release(0); err == nil {
		t.Error("expected error releasing an unheld slot")
	}
}

func TestRelease_BadSlot(t *testing.T) {
	b, _ := newTestBuffer()
	for _, i := range []int{-1, Slots, Slots + 1} {
		if err := b.Release(i); err == nil {
			t.Errorf("Release(%d): expected error", i)
		}
	}
}

func TestPublish_AssembledRampMinMax(t *testing.T) {
	const wps = vospi.PacketsPerSegment * vospi.PacketWords
	clock := timeutil.NewMockClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	stream := testutil.NewPacketStream(clock, testutil.Frame(vospi.PacketsPerSegment, testutil.Ramp(0, wps))...)
	e := vospi.NewEngine(stream, clock)

	done := false
	for n := 0; !done; n++ {
		if n >= vospi.Segments {
			t.Fatal("ramp did not assemble into a frame")
		}
		var err error
		if done, err = e.TransferSegment(clock.Now().Add(vospi.MaxTransferWait)); err != nil {
			t.Fatalf("TransferSegment: %v", err)
		}
	}

	b := New(clock, vospi.FramePeriod)
	i, err := b.Publish(e.Frame(), nil, false)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	var f Frame
	if err := b.CopyOut(context.Background(), i, &f); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}
	if f.Min != 0 || f.Max != vospi.Pixels-1 {
		t.Errorf("min/max = %d/%d, want 0/%d", f.Min, f.Max, vospi.Pixels-1)
	}
	if f.Pixels[vospi.Pixels-1] != vospi.Pixels-1 {
		t.Errorf("last pixel = %d, want %d", f.Pixels[vospi.Pixels-1], vospi.Pixels-1)
	}
}

func TestReady_DropsWhenConsumerLags(t *testing.T) {
	b, _ := newTestBuffer()
	for n := 0; n < Slots+1; n++ {
		if _, err := b.Publish(rampFrame(0), nil, false); err != nil {
			t.Fatal(err)
		}
	}
	if got := b.Stats().NotifyDropped; got != 1 {
		t.Errorf("NotifyDropped = %d, want 1", got)
	}
}
