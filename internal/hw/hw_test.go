package hw

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/tcam/internal/timeutil"
)

func TestPacedVSync(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	v := &PacedVSync{Clock: clock, Period: 10 * time.Millisecond}

	if !v.WaitForEdge(time.Second) {
		t.Fatal("first edge missed")
	}
	// A caller that takes 4ms between waits still sees the original cadence.
	clock.Advance(4 * time.Millisecond)
	if !v.WaitForEdge(time.Second) {
		t.Fatal("second edge missed")
	}
	if v.WaitForEdge(3 * time.Millisecond) {
		t.Fatal("edge reported before it was due")
	}
	if !v.WaitForEdge(time.Second) {
		t.Fatal("edge after timeout missed")
	}

	want := []time.Duration{10 * time.Millisecond, 6 * time.Millisecond, 3 * time.Millisecond, 7 * time.Millisecond}
	if diff := cmp.Diff(want, clock.Sleeps()); diff != "" {
		t.Errorf("sleeps mismatch (-want +got):\n%s", diff)
	}
}

func TestPacedVSync_ResyncsAfterStall(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	v := &PacedVSync{Clock: clock, Period: 10 * time.Millisecond}

	v.WaitForEdge(time.Second)
	clock.Advance(time.Second)
	if !v.WaitForEdge(time.Second) {
		t.Fatal("edge missed after stall")
	}
	if got := clock.Sleeps()[1]; got != 10*time.Millisecond {
		t.Errorf("wait after stall = %v, want one period", got)
	}
}
