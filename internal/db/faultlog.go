package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/tcam/internal/lepton/framebuf"
	"github.com/banshee-data/tcam/internal/lepton/session"
	"github.com/banshee-data/tcam/internal/monitoring"
	"github.com/banshee-data/tcam/internal/timeutil"
)

// FaultEvent is one fault transition.
type FaultEvent struct {
	SessionID  string    `json:"session_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Fault      string    `json:"fault"`
	Raised     bool      `json:"raised"`
}

// FaultLog records fault transitions and acquisition statistics for one
// daemon run, identified by a random session id. It implements
// session.FaultReporter and session.IdentityReporter.
type FaultLog struct {
	db        *DB
	clock     timeutil.Clock
	sessionID string
	last      session.Fault
}

// NewFaultLog starts a new session row.
func NewFaultLog(db *DB, clock timeutil.Clock) (*FaultLog, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	l := &FaultLog{db: db, clock: clock, sessionID: uuid.NewString()}
	_, err := db.Exec(`INSERT INTO sessions (session_id, started_at) VALUES (?, ?)`,
		l.sessionID, clock.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	return l, nil
}

// SessionID returns the id of the current run.
func (l *FaultLog) SessionID() string {
	return l.sessionID
}

// SetIdentity records the camera found at bring-up.
func (l *FaultLog) SetIdentity(model session.Model, partNumber string) {
	_, err := l.db.Exec(`UPDATE sessions SET model = ?, part_number = ? WHERE session_id = ?`,
		model.String(), partNumber, l.sessionID)
	if err != nil {
		monitoring.Logf("db: failed to record camera identity: %v", err)
	}
}

// SetFault records a transition. Clearing records the fault that was
// cleared. Write errors are logged because the controller cannot act on
// them.
func (l *FaultLog) SetFault(f session.Fault) {
	name, raised := f, true
	if f == session.FaultNone {
		name, raised = l.last, false
	}
	l.last = f

	_, err := l.db.Exec(`INSERT INTO fault_events (session_id, occurred_at, fault, raised) VALUES (?, ?, ?, ?)`,
		l.sessionID, l.clock.Now().UnixMilli(), name.String(), raised)
	if err != nil {
		monitoring.Logf("db: failed to record fault %s: %v", f, err)
	}
}

// Recent returns up to limit fault events across all sessions, newest
// first.
func (l *FaultLog) Recent(limit int) ([]FaultEvent, error) {
	rows, err := l.db.Query(`
		SELECT session_id, occurred_at, fault, raised
		FROM fault_events
		ORDER BY occurred_at DESC, event_id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []FaultEvent
	for rows.Next() {
		var e FaultEvent
		var at int64
		if err := rows.Scan(&e.SessionID, &at, &e.Fault, &e.Raised); err != nil {
			return nil, err
		}
		e.OccurredAt = time.UnixMilli(at).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// RecordStats stores a snapshot of the controller and hand-off counters.
func (l *FaultLog) RecordStats(st session.Stats, fb framebuf.Stats) error {
	_, err := l.db.Exec(`
		INSERT INTO frame_stats (
			session_id, recorded_at, state, frames, lost_frames, resets,
			discards, duplicate_lines, invalid_segments, timeouts,
			forced_reclaims, dropped_frames
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.sessionID, l.clock.Now().UnixMilli(), st.State, st.Frames, st.LostFrames, st.Resets,
		st.VoSPI.Discards, st.VoSPI.DuplicateLines, st.VoSPI.InvalidSegments, st.VoSPI.Timeouts,
		fb.ForcedReclaims, fb.Dropped)
	if err != nil {
		return fmt.Errorf("failed to record stats: %w", err)
	}
	return nil
}

// RecordStatsEvery stores a snapshot each interval until ctx is done.
func (l *FaultLog) RecordStatsEvery(ctx context.Context, interval time.Duration, snapshot func() (session.Stats, framebuf.Stats)) {
	ticker := l.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			st, fb := snapshot()
			if err := l.RecordStats(st, fb); err != nil {
				monitoring.Logf("db: %v", err)
			}
		}
	}
}

// Close marks the session as ended.
func (l *FaultLog) Close() error {
	_, err := l.db.Exec(`UPDATE sessions SET ended_at = ? WHERE session_id = ?`,
		l.clock.Now().UnixMilli(), l.sessionID)
	return err
}
