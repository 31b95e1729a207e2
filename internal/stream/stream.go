// Package stream drains published frames from the hand-off buffer and
// writes them as framed binary records, typically to a serial port.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"tailscale.com/tsweb"

	"github.com/banshee-data/tcam/internal/lepton/framebuf"
	"github.com/banshee-data/tcam/internal/lepton/telemetry"
	"github.com/banshee-data/tcam/internal/monitoring"
)

var ErrWriteFailed = errors.New("stream: failed to write frame record")

// Summary describes the last frame the streamer delivered.
type Summary struct {
	Seq       uint64           `json:"seq"`
	Min       uint16           `json:"min"`
	Max       uint16           `json:"max"`
	Telemetry *telemetry.Block `json:"telemetry,omitempty"`
}

// Stats counts streamer activity.
type Stats struct {
	Frames      uint64 `json:"frames"`
	Torn        uint64 `json:"torn"`
	Bytes       uint64 `json:"bytes"`
	WriteErrors uint64 `json:"write_errors"`
}

// Streamer is the hand-off buffer's consumer. A nil writer only tracks the
// latest frame.
type Streamer struct {
	frames *framebuf.Buffer
	w      io.Writer

	frame framebuf.Frame
	buf   []byte

	mu          sync.Mutex
	latest      *Summary
	lastFrame   framebuf.Frame
	subscribers map[string]chan Summary

	delivered   atomic.Uint64
	torn        atomic.Uint64
	bytes       atomic.Uint64
	writeErrors atomic.Uint64
}

func New(frames *framebuf.Buffer, w io.Writer) *Streamer {
	return &Streamer{
		frames: frames,
		w:      w,
		buf:    make([]byte, 0, RecordSize(true)),

		subscribers: make(map[string]chan Summary),
	}
}

// Run consumes ready notifications until ctx is done. Write failures are
// counted and logged once per outage; the stream resumes with the next
// frame.
func (s *Streamer) Run(ctx context.Context) error {
	failing := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case i := <-s.frames.Ready():
			err := s.handle(ctx, i)
			switch {
			case err == nil:
				if failing {
					monitoring.Logf("stream: output recovered")
				}
				failing = false
			case errors.Is(err, ErrWriteFailed):
				if !failing {
					monitoring.Logf("%v", err)
				}
				failing = true
			case ctx.Err() != nil:
				return ctx.Err()
			}
		}
	}
}

// handle copies slot i out and writes it. A frame the producer reclaimed
// mid-copy is skipped.
func (s *Streamer) handle(ctx context.Context, i int) error {
	if err := s.frames.CopyOut(ctx, i, &s.frame); err != nil {
		if errors.Is(err, framebuf.ErrReclaimed) {
			s.torn.Add(1)
			return nil
		}
		return err
	}
	s.delivered.Add(1)
	s.setLatest(&s.frame)

	if s.w == nil {
		return nil
	}
	s.buf = AppendRecord(s.buf[:0], &s.frame)
	n, err := s.w.Write(s.buf)
	s.bytes.Add(uint64(n))
	if err == nil && n != len(s.buf) {
		err = io.ErrShortWrite
	}
	if err != nil {
		s.writeErrors.Add(1)
		return fmt.Errorf("%w: frame %d: %w", ErrWriteFailed, s.frame.Seq, err)
	}
	return nil
}

func (s *Streamer) setLatest(f *framebuf.Frame) {
	sum := &Summary{Seq: f.Seq, Min: f.Min, Max: f.Max}
	if f.TelemetryValid {
		if b, err := telemetry.Parse(f.Telemetry[:]); err == nil {
			sum.Telemetry = &b
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = sum
	s.lastFrame = *f
	for _, ch := range s.subscribers {
		select {
		case ch <- *sum:
		default:
			// slow subscribers miss frames rather than stall the stream
		}
	}
}

// Subscribe returns a channel receiving the summary of each delivered
// frame, and the id to unsubscribe it with.
func (s *Streamer) Subscribe() (string, <-chan Summary) {
	id := uuid.NewString()
	ch := make(chan Summary, 4)
	s.mu.Lock()
	s.subscribers[id] = ch
	s.mu.Unlock()
	return id, ch
}

func (s *Streamer) Unsubscribe(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Latest returns the last delivered frame's summary.
func (s *Streamer) Latest() (Summary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return Summary{}, false
	}
	return *s.latest, true
}

// LatestFrame copies the last delivered frame into dst.
func (s *Streamer) LatestFrame(dst *framebuf.Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return false
	}
	*dst = s.lastFrame
	return true
}

func (s *Streamer) Stats() Stats {
	return Stats{
		Frames:      s.delivered.Load(),
		Torn:        s.torn.Load(),
		Bytes:       s.bytes.Load(),
		WriteErrors: s.writeErrors.Load(),
	}
}

// AttachAdminRoutes mounts a live server-sent event feed of frame
// summaries at /debug/frames and the last frame's heatmaps at /debug/frame
// and /debug/frame.png.
func (s *Streamer) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("frame", "Last frame heatmap", s.handleFrameChart)
	debug.HandleFunc("frame.png", "Last frame heatmap (PNG)", s.handleFramePNG)
	debug.HandleFunc("frames", "Live frame summaries (server-sent events)", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case sum, ok := <-c:
				if !ok {
					return
				}
				payload, err := json.Marshal(sum)
				if err != nil {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
