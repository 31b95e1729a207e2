package testutil

import (
	"encoding/binary"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/banshee-data/tcam/internal/timeutil"
)

func TestAssertStatusCode_FailurePath(t *testing.T) {
	t.Parallel()

	ok := t.Run("status mismatch", func(t *testing.T) {
		AssertStatusCode(t, http.StatusOK, http.StatusBadRequest)
	})
	if ok {
		t.Fatal("expected subtest to fail on mismatched status code")
	}
}

func TestServeDebug_IsLocal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/echo", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		io.WriteString(w, r.RemoteAddr+" "+r.FormValue("k"))
	})

	rec := ServeDebug(mux, http.MethodPost, "/debug/echo", strings.NewReader("k=v"))
	AssertStatusCode(t, rec.Code, http.StatusOK)
	if got, want := rec.Body.String(), debugRemoteAddr+" v"; got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
}

func TestVoSPIPacket_Header(t *testing.T) {
	pkt := VoSPIPacket(3, 20, Constant(0xABCD))
	if len(pkt) != packetSize {
		t.Fatalf("packet length = %d, want %d", len(pkt), packetSize)
	}
	if pkt[0]>>4 != 3 || pkt[1] != 20 {
		t.Errorf("line-20 header = %02X %02X, want segment 3 line 20", pkt[0], pkt[1])
	}
	if got := binary.BigEndian.Uint16(pkt[4:]); got != 0xABCD {
		t.Errorf("first payload word = 0x%04X", got)
	}

	other := VoSPIPacket(3, 21, Constant(0))
	if other[0]>>4 != 0 {
		t.Error("segment must only be encoded on line 20")
	}
	if DiscardPacket()[0]&0x0F != 0x0F {
		t.Error("discard packet must have a 0xF low nibble")
	}
}

func TestRamp_EncodesFramePosition(t *testing.T) {
	fill := Ramp(0, 60*packetWords)
	if got := fill(2, 1, 3); got != uint16(60*packetWords+packetWords+3) {
		t.Errorf("Ramp(2,1,3) = %d", got)
	}
}

func TestPacketStream(t *testing.T) {
	frame := Frame(60, Constant(1))
	if len(frame) != 240 {
		t.Fatalf("Frame(60) produced %d packets, want 240", len(frame))
	}

	s := NewPacketStream(nil, frame[:2]...)
	buf := make([]byte, packetSize)
	for i := 0; i < 2; i++ {
		if err := s.Tx(nil, buf); err != nil {
			t.Fatalf("Tx %d: %v", i, err)
		}
	}
	if err := s.Tx(nil, buf); !errors.Is(err, ErrStreamExhausted) {
		t.Errorf("exhausted stream err = %v", err)
	}

	clock := timeutil.NewMockClock(time.Unix(0, 0))
	s = NewPacketStream(clock)
	if err := s.Tx(nil, buf); err != nil {
		t.Fatalf("Tx on clocked stream: %v", err)
	}
	if buf[0]&0x0F != 0x0F {
		t.Error("exhausted clocked stream should return discard packets")
	}
	if clock.Since(time.Unix(0, 0)) != time.Millisecond {
		t.Errorf("idle packet advanced clock by %v", clock.Since(time.Unix(0, 0)))
	}
}
