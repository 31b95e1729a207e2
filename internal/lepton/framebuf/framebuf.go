// Package framebuf hands completed frames from the acquisition goroutine to
// a consumer through two independently locked slots.
//
// The producer alternates between the slots. A consumer holding one slot
// never delays a publish into the other; if the producer finds its target
// still held, it waits at most one frame period and then reclaims the slot,
// which the consumer learns about when it releases.
package framebuf

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/banshee-data/tcam/internal/lepton/vospi"
	"github.com/banshee-data/tcam/internal/timeutil"
)

// Slots is the number of hand-off buffers.
const Slots = 2

// ErrReclaimed reports that the producer overwrote a slot while the
// consumer held it; data read from it may be torn.
var ErrReclaimed = errors.New("framebuf: slot reclaimed by producer")

// Frame is one slot's contents.
type Frame struct {
	Seq            uint64
	Pixels         [vospi.Pixels]uint16
	Telemetry      [vospi.TelemetryWords]uint16
	TelemetryValid bool
	Min, Max       uint16
}

type slot struct {
	// lock holds a token while the slot is free.
	lock    chan struct{}
	gen     atomic.Uint64
	heldGen atomic.Uint64
	frame   Frame
}

// Stats counts hand-off activity.
type Stats struct {
	Published      uint64
	ForcedReclaims uint64
	Dropped        uint64
	NotifyDropped  uint64
}

// Buffer is the two-slot hand-off. Publish must be called from a single
// producer goroutine.
type Buffer struct {
	slots  [Slots]slot
	ready  chan int
	clock  timeutil.Clock
	period time.Duration

	target     int
	seq        uint64
	lastForced bool
	latest     atomic.Int64

	published     atomic.Uint64
	forced        atomic.Uint64
	dropped       atomic.Uint64
	notifyDropped atomic.Uint64
}

// New allocates both slots. period bounds how long Publish waits for a held
// slot; zero selects vospi.FramePeriod.
func New(clock timeutil.Clock, period time.Duration) *Buffer {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if period <= 0 {
		period = vospi.FramePeriod
	}
	b := &Buffer{
		ready:  make(chan int, Slots),
		clock:  clock,
		period: period,
	}
	for i := range b.slots {
		b.slots[i].lock = make(chan struct{}, 1)
		b.slots[i].lock <- struct{}{}
	}
	b.latest.Store(-1)
	return b
}

// Ready delivers the index of each newly published slot. Notifications are
// dropped rather than blocking the producer when the consumer falls behind.
func (b *Buffer) Ready() <-chan int {
	return b.ready
}

// Latest returns the most recently published slot.
func (b *Buffer) Latest() (int, bool) {
	i := b.latest.Load()
	return int(i), i >= 0
}

// Publish copies a completed frame into the target slot, notifies the
// consumer and flips the target. telemetry may be nil when telemetryValid
// is false.
func (b *Buffer) Publish(pixels, telemetry []uint16, telemetryValid bool) (int, error) {
	if len(pixels) != vospi.Pixels {
		return -1, fmt.Errorf("framebuf: frame has %d pixels, want %d", len(pixels), vospi.Pixels)
	}
	if telemetryValid && len(telemetry) < vospi.TelemetryWords {
		return -1, fmt.Errorf("framebuf: telemetry has %d words, want %d", len(telemetry), vospi.TelemetryWords)
	}

	i := b.target
	s := &b.slots[i]
	forced := !b.lockForPublish(s)
	if forced {
		s.gen.Add(1)
		b.forced.Add(1)
		if b.lastForced {
			b.dropped.Add(1)
		}
	}
	b.lastForced = forced

	b.seq++
	f := &s.frame
	f.Seq = b.seq
	minV, maxV := uint16(0xFFFF), uint16(0)
	for j, v := range pixels {
		f.Pixels[j] = v
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	f.Min, f.Max = minV, maxV
	f.TelemetryValid = telemetryValid
	if telemetryValid {
		copy(f.Telemetry[:], telemetry)
	}

	if forced {
		// A second bump catches a consumer that re-acquired mid-write.
		s.gen.Add(1)
	} else {
		s.lock <- struct{}{}
	}
	b.published.Add(1)
	b.latest.Store(int64(i))

	select {
	case b.ready <- i:
	default:
		b.notifyDropped.Add(1)
	}
	b.target ^= 1
	return i, nil
}

// lockForPublish takes the slot token, waiting at most one frame period.
// It reports false when the wait expired and the slot must be reclaimed.
func (b *Buffer) lockForPublish(s *slot) bool {
	select {
	case <-s.lock:
		return true
	default:
	}

	timer := b.clock.NewTimer(b.period)
	defer timer.Stop()
	select {
	case <-s.lock:
		return true
	case <-timer.C():
		return false
	}
}

// Acquire locks slot i for reading. The returned Frame must not be used
// after Release.
func (b *Buffer) Acquire(ctx context.Context, i int) (*Frame, error) {
	if i < 0 || i >= Slots {
		return nil, fmt.Errorf("framebuf: no slot %d", i)
	}
	s := &b.slots[i]
	select {
	case <-s.lock:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.heldGen.Store(s.gen.Load())
	return &s.frame, nil
}

// Release unlocks slot i. It returns ErrReclaimed when the producer
// overwrote the slot while it was held.
func (b *Buffer) Release(i int) error {
	if i < 0 || i >= Slots {
		return fmt.Errorf("framebuf: no slot %d", i)
	}
	s := &b.slots[i]
	reclaimed := s.gen.Load() != s.heldGen.Load()
	select {
	case s.lock <- struct{}{}:
	default:
		return fmt.Errorf("framebuf: release of unheld slot %d", i)
	}
	if reclaimed {
		return ErrReclaimed
	}
	return nil
}

// CopyOut copies slot i into dst under the slot lock.
func (b *Buffer) CopyOut(ctx context.Context, i int, dst *Frame) error {
	f, err := b.Acquire(ctx, i)
	if err != nil {
		return err
	}
	*dst = *f
	return b.Release(i)
}

// Stats returns the hand-off counters.
func (b *Buffer) Stats() Stats {
	return Stats{
		Published:      b.published.Load(),
		ForcedReclaims: b.forced.Load(),
		Dropped:        b.dropped.Load(),
		NotifyDropped:  b.notifyDropped.Load(),
	}
}
