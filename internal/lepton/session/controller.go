// Package session owns a Lepton from power-on: it configures the camera
// over CCI, runs the VoSPI acquisition loop and resets the camera when the
// video stream cannot be recovered.
package session

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"periph.io/x/conn/v3/gpio"

	"github.com/banshee-data/tcam/internal/lepton/cci"
	"github.com/banshee-data/tcam/internal/lepton/framebuf"
	"github.com/banshee-data/tcam/internal/lepton/vospi"
	"github.com/banshee-data/tcam/internal/monitoring"
	"github.com/banshee-data/tcam/internal/timeutil"
)

// State is the controller's lifecycle state.
type State int32

const (
	StateInit State = iota
	StateRun
	StateReInit
	StateError
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRun:
		return "run"
	case StateReInit:
		return "re-init"
	case StateError:
		return "error"
	}
	return "unknown"
}

// VSync is the camera's frame-sync output. periph.io's gpio.PinIn
// satisfies it once configured for rising edges.
type VSync interface {
	WaitForEdge(timeout time.Duration) bool
}

// ResetPin drives the camera's reset line. periph.io's gpio.PinOut
// satisfies it.
type ResetPin interface {
	Out(l gpio.Level) error
}

// Config holds the controller's timing thresholds and the initial camera
// settings.
type Config struct {
	Settings

	// MissesPerFrame is the number of VSYNC ticks without a frame that
	// count as one lost frame. A frame normally takes 12 ticks.
	MissesPerFrame int
	// LostFrameLimit is the number of consecutive lost frames tolerated
	// before the camera is reset. An FFC legitimately stalls video for
	// several frames.
	LostFrameLimit int

	ResyncDelay   time.Duration
	ResetPulse    time.Duration
	ResetSettle   time.Duration
	ErrorCooldown time.Duration
	FrameHoldoff  time.Duration
	RetryDelay    time.Duration
	VSyncTimeout  time.Duration
}

// DefaultConfig returns the thresholds used on the tCam hardware.
func DefaultConfig() Config {
	return Config{
		Settings: Settings{
			Gain:       cci.GainHigh,
			Emissivity: 98,
			Telemetry:  true,
		},
		MissesPerFrame: 36,
		LostFrameLimit: 10,
		ResyncDelay:    185 * time.Millisecond,
		ResetPulse:     10 * time.Millisecond,
		ResetSettle:    time.Second,
		ErrorCooldown:  60 * time.Second,
		FrameHoldoff:   30 * time.Millisecond,
		RetryDelay:     10 * time.Millisecond,
		VSyncTimeout:   2 * vospi.FramePeriod,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MissesPerFrame <= 0 {
		c.MissesPerFrame = d.MissesPerFrame
	}
	if c.LostFrameLimit <= 0 {
		c.LostFrameLimit = d.LostFrameLimit
	}
	switch {
	case c.ErrorCooldown <= 0:
		c.ErrorCooldown = d.ErrorCooldown
	case c.ErrorCooldown < time.Second:
		c.ErrorCooldown = time.Second
	}
	if c.VSyncTimeout <= 0 {
		c.VSyncTimeout = d.VSyncTimeout
	}
	c.Emissivity = ClampEmissivity(c.Emissivity)
}

// Deps are the controller's collaborators. Reset, Faults and Clock are
// optional.
type Deps struct {
	CCI    *cci.Driver
	Engine *vospi.Engine
	Frames *framebuf.Buffer
	VSync  VSync
	Reset  ResetPin
	Faults FaultReporter
	Clock  timeutil.Clock
}

// Stats is a snapshot of the controller's counters.
type Stats struct {
	State          string      `json:"state"`
	Model          string      `json:"model"`
	PartNumber     string      `json:"part_number"`
	Radiometric    bool        `json:"radiometric"`
	Fault          string      `json:"fault"`
	Frames         uint64      `json:"frames"`
	Misses         uint64      `json:"misses"`
	LostFrames     uint64      `json:"lost_frames"`
	Resets         uint64      `json:"resets"`
	Errors         uint64      `json:"errors"`
	Retries        uint64      `json:"retries"`
	TransferErrors uint64      `json:"transfer_errors"`
	PublishErrors  uint64      `json:"publish_errors"`
	VoSPI          vospi.Stats `json:"vospi"`
}

// Controller runs the INIT / RUN / RE_INIT / ERROR state machine. Step and
// Run must be called from a single goroutine; the setters and Stats are
// safe from any goroutine.
type Controller struct {
	cfg    Config
	cam    *cci.Driver
	engine *vospi.Engine
	frames *framebuf.Buffer
	vsync  VSync
	reset  ResetPin
	faults FaultReporter
	clock  timeutil.Clock

	// camMu keeps multi-command sequences from interleaving.
	camMu    sync.Mutex
	mu       sync.Mutex
	settings Settings
	vstats   vospi.Stats
	part     string

	// Owned by the acquisition goroutine.
	state     State
	fault     Fault
	misses    int
	lost      int
	wasReset  bool
	countdown int

	stateA         atomic.Int32
	faultA         atomic.Int32
	model          atomic.Int32
	frameCount     atomic.Uint64
	missCount      atomic.Uint64
	lostCount      atomic.Uint64
	resetCount     atomic.Uint64
	errorCount     atomic.Uint64
	retries        atomic.Uint64
	transferErrors atomic.Uint64
	publishErrors  atomic.Uint64
}

// New returns a controller in StateInit.
func New(cfg Config, deps Deps) *Controller {
	cfg.applyDefaults()
	c := &Controller{
		cfg:      cfg,
		cam:      deps.CCI,
		engine:   deps.Engine,
		frames:   deps.Frames,
		vsync:    deps.VSync,
		reset:    deps.Reset,
		faults:   deps.Faults,
		clock:    deps.Clock,
		settings: cfg.Settings,
	}
	if c.clock == nil {
		c.clock = timeutil.RealClock{}
	}
	if c.faults == nil {
		c.faults = LogReporter{}
	}
	return c
}

// Run steps the state machine until ctx is cancelled. The goroutine is
// locked to its OS thread so packet polling keeps its cadence.
func (c *Controller) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		c.Step()
	}
}

// Step runs one iteration of the current state and returns the state the
// controller moved to. In RUN one step is one VSYNC tick.
func (c *Controller) Step() State {
	switch c.state {
	case StateInit:
		c.stepInit()
	case StateRun:
		c.stepRun()
	case StateReInit:
		c.stepReInit()
	case StateError:
		c.stepError()
	}
	c.stateA.Store(int32(c.state))
	return c.state
}

func (c *Controller) stepInit() {
	if err := c.configure(); err != nil {
		monitoring.Logf("lepton: initialisation failed: %v", err)
		c.enterError(faultFor(err))
		return
	}
	c.enterRun()
}

func (c *Controller) stepRun() {
	if !c.vsync.WaitForEdge(c.cfg.VSyncTimeout) {
		c.miss()
		return
	}
	done, err := c.engine.TransferSegment(c.clock.Now().Add(vospi.MaxTransferWait))
	if err != nil {
		c.transferErrors.Add(1)
		if c.misses == 0 {
			monitoring.Logf("lepton: segment transfer: %v", err)
		}
		c.miss()
		return
	}
	if !done {
		c.miss()
		return
	}
	c.frameComplete()
}

func (c *Controller) frameComplete() {
	if c.frames != nil {
		telem, ok := c.engine.Telemetry()
		if _, err := c.frames.Publish(c.engine.Frame(), telem, ok); err != nil {
			c.publishErrors.Add(1)
			monitoring.Logf("lepton: publish frame: %v", err)
		}
	}
	c.frameCount.Add(1)
	c.snapshotEngine()

	c.setFault(FaultNone)
	c.misses = 0
	c.lost = 0
	c.wasReset = false
	c.clock.Sleep(c.cfg.FrameHoldoff)
}

// miss accounts for one tick without a frame.
func (c *Controller) miss() {
	c.missCount.Add(1)
	if c.misses++; c.misses < c.cfg.MissesPerFrame {
		return
	}
	c.misses = 0
	c.lostCount.Add(1)
	c.snapshotEngine()
	monitoring.Logf("lepton: no frame in %d ticks", c.cfg.MissesPerFrame)

	// Holding off longer than 185 ms lets the camera's VoSPI interface
	// resynchronise; assembly restarts from segment 1.
	c.engine.Reset()
	c.clock.Sleep(c.cfg.ResyncDelay)

	if c.lost++; c.lost <= c.cfg.LostFrameLimit {
		return
	}
	c.setFault(FaultSyncLoss)
	if !c.wasReset {
		c.state = StateReInit
		return
	}
	monitoring.Logf("lepton: still no video after reset")
	c.enterError(FaultSyncLoss)
}

func (c *Controller) stepReInit() {
	c.resetCount.Add(1)
	monitoring.Logf("lepton: resetting camera")
	if c.reset != nil {
		if err := c.reset.Out(gpio.High); err != nil {
			monitoring.Logf("lepton: assert reset: %v", err)
		}
		c.clock.Sleep(c.cfg.ResetPulse)
		if err := c.reset.Out(gpio.Low); err != nil {
			monitoring.Logf("lepton: release reset: %v", err)
		}
	}
	c.clock.Sleep(c.cfg.ResetSettle)

	if err := c.configure(); err != nil {
		monitoring.Logf("lepton: re-initialisation failed: %v", err)
		c.enterError(faultFor(err))
		return
	}
	c.wasReset = true
	c.enterRun()
}

func (c *Controller) stepError() {
	c.clock.Sleep(time.Second)
	if c.countdown--; c.countdown <= 0 {
		c.state = StateReInit
	}
}

func (c *Controller) enterRun() {
	c.state = StateRun
	c.misses = 0
	c.lost = 0
}

func (c *Controller) enterError(f Fault) {
	c.errorCount.Add(1)
	c.setFault(f)
	c.state = StateError
	c.countdown = int(c.cfg.ErrorCooldown / time.Second)
}

func (c *Controller) setFault(f Fault) {
	if f == c.fault {
		return
	}
	c.fault = f
	c.faultA.Store(int32(f))
	c.faults.SetFault(f)
}

func (c *Controller) snapshotEngine() {
	st := c.engine.Stats()
	c.mu.Lock()
	c.vstats = st
	c.mu.Unlock()
}

func (c *Controller) identified(m Model, partNumber string) {
	c.model.Store(int32(m))
	c.mu.Lock()
	c.part = partNumber
	c.mu.Unlock()
	if r, ok := c.faults.(IdentityReporter); ok {
		r.SetIdentity(m, partNumber)
	}
}

func faultFor(err error) Fault {
	if errors.Is(err, ErrVoSPI) {
		return FaultVoSPI
	}
	return FaultCCI
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return State(c.stateA.Load())
}

// Fault returns the currently raised fault.
func (c *Controller) Fault() Fault {
	return Fault(c.faultA.Load())
}

// Model returns the camera variant found at the last initialisation.
func (c *Controller) Model() Model {
	return Model(c.model.Load())
}

// IsRadiometric reports whether the attached camera supports radiometry.
func (c *Controller) IsRadiometric() bool {
	return c.Model().Radiometric()
}

// Settings returns the settings applied at the next (re)initialisation.
func (c *Controller) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

func (c *Controller) update(f func(*Settings)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f(&c.settings)
}

// Stats returns a snapshot of the controller's counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	vs, part := c.vstats, c.part
	c.mu.Unlock()
	m := c.Model()
	return Stats{
		State:          c.State().String(),
		Model:          m.String(),
		PartNumber:     part,
		Radiometric:    m.Radiometric(),
		Fault:          c.Fault().String(),
		Frames:         c.frameCount.Load(),
		Misses:         c.missCount.Load(),
		LostFrames:     c.lostCount.Load(),
		Resets:         c.resetCount.Load(),
		Errors:         c.errorCount.Load(),
		Retries:        c.retries.Load(),
		TransferErrors: c.transferErrors.Load(),
		PublishErrors:  c.publishErrors.Load(),
		VoSPI:          vs,
	}
}
