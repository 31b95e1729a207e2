package session

import (
	"fmt"

	"github.com/banshee-data/tcam/internal/monitoring"
)

// Fault is the closed set of conditions the controller reports.
type Fault int

const (
	// FaultNone clears a previously raised fault.
	FaultNone Fault = iota
	// FaultCCI means the camera could not be configured.
	FaultCCI
	// FaultVoSPI means the video interface could not be set up.
	FaultVoSPI
	// FaultSyncLoss means frames stopped arriving for longer than the
	// lost-frame limit.
	FaultSyncLoss
)

func (f Fault) String() string {
	switch f {
	case FaultNone:
		return "none"
	case FaultCCI:
		return "cci"
	case FaultVoSPI:
		return "vospi"
	case FaultSyncLoss:
		return "sync-loss"
	}
	return fmt.Sprintf("fault(%d)", int(f))
}

// FaultReporter receives fault transitions. SetFault is only called when
// the fault changes.
type FaultReporter interface {
	SetFault(Fault)
}

// IdentityReporter is implemented by reporters that also want the camera
// identity each time it is read during initialisation.
type IdentityReporter interface {
	SetIdentity(m Model, partNumber string)
}

// LogReporter writes fault transitions to the monitoring log.
type LogReporter struct{}

func (LogReporter) SetFault(f Fault) {
	if f == FaultNone {
		monitoring.Logf("lepton: fault cleared")
		return
	}
	monitoring.Logf("lepton: fault raised: %s", f)
}

// MultiReporter fans a fault out to several reporters in order.
type MultiReporter []FaultReporter

func (m MultiReporter) SetFault(f Fault) {
	for _, r := range m {
		if r != nil {
			r.SetFault(f)
		}
	}
}

func (m MultiReporter) SetIdentity(model Model, partNumber string) {
	for _, r := range m {
		if ir, ok := r.(IdentityReporter); ok {
			ir.SetIdentity(model, partNumber)
		}
	}
}
