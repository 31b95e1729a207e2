package session

import (
	"errors"
	"fmt"

	"github.com/banshee-data/tcam/internal/lepton/cci"
	"github.com/banshee-data/tcam/internal/lepton/vospi"
	"github.com/banshee-data/tcam/internal/monitoring"
)

var (
	// ErrVerify reports a setting that did not read back as written.
	ErrVerify = errors.New("session: read-back mismatch")
	// ErrVoSPI reports that the video interface failed during bring-up.
	ErrVoSPI = errors.New("session: vospi unavailable")
	// ErrNotRadiometric rejects radiometric settings on a Lepton 3.0.
	ErrNotRadiometric = errors.New("session: camera is not radiometric")
	// ErrInvalidROI rejects a spotmeter rectangle outside the sensor.
	ErrInvalidROI = errors.New("session: invalid spotmeter region")
)

// Settings are the user-adjustable camera parameters reapplied on every
// (re)initialisation.
type Settings struct {
	AGC        bool
	Gain       cci.GainMode
	Emissivity int
	Telemetry  bool
}

// Scene defaults for the flux linear parameters: no lens window and an
// ambient of 22 C.
const (
	ambientK100 = 29515
	unity       = 8192
)

// ClampEmissivity limits an emissivity percentage to 1..100.
func ClampEmissivity(percent int) int {
	return min(max(percent, 1), 100)
}

// EmissivityParams converts an emissivity percentage to the flux linear
// parameters the camera expects.
func EmissivityParams(percent int) cci.FluxLinearParams {
	return cci.FluxLinearParams{
		SceneEmissivity: uint16(ClampEmissivity(percent) * unity / 100),
		TBkgK:           ambientK100,
		TauWindow:       unity,
		TWindowK:        ambientK100,
		TauAtm:          unity,
		TAtmK:           ambientK100,
		ReflWindow:      0,
		TReflK:          ambientK100,
	}
}

// verify writes want, reads it back and retries exactly once after the
// retry delay if either step fails or the value differs.
func verify[T comparable](c *Controller, name string, set func(T) error, get func() (T, error), want T) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			monitoring.Logf("lepton: retrying %s: %v", name, err)
			c.retries.Add(1)
			c.clock.Sleep(c.cfg.RetryDelay)
		}
		if err = set(want); err != nil {
			continue
		}
		var got T
		if got, err = get(); err != nil {
			continue
		}
		if got == want {
			return nil
		}
		err = fmt.Errorf("%w: read %v, want %v", ErrVerify, got, want)
	}
	return fmt.Errorf("session: %s: %w", name, err)
}

// configure brings the camera up from reset: identify it, apply the
// current settings and route VSYNC to GPIO3. It runs on the acquisition
// goroutine, which owns the engine.
func (c *Controller) configure() error {
	c.camMu.Lock()
	defer c.camMu.Unlock()

	cam := c.cam
	if err := cam.Ping(); err != nil {
		return fmt.Errorf("session: ping: %w", err)
	}
	pn, err := cam.PartNumber()
	if err != nil {
		return fmt.Errorf("session: part number: %w", err)
	}
	model := ModelFromPartNumber(pn)
	monitoring.Logf("lepton: found %s (part number %q)", model, pn)
	c.identified(model, pn)

	s := c.Settings()
	if model.Radiometric() {
		if err := verify(c, "radiometry", cam.SetRadiometryEnabled, cam.RadiometryEnabled, true); err != nil {
			return err
		}
		// TLinear output and AGC are mutually exclusive.
		if err := verify(c, "tlinear", cam.SetTLinearEnabled, cam.TLinearEnabled, !s.AGC); err != nil {
			return err
		}
		if err := verify(c, "tlinear auto resolution", cam.SetTLinearAutoResolution, cam.TLinearAutoResolution, true); err != nil {
			return err
		}
	}
	if err := verify(c, "agc calc", cam.SetAGCCalcEnabled, cam.AGCCalcEnabled, true); err != nil {
		return err
	}
	if err := verify(c, "agc", cam.SetAGCEnabled, cam.AGCEnabled, s.AGC); err != nil {
		return err
	}
	if err := verify(c, "telemetry", cam.SetTelemetryEnabled, cam.TelemetryEnabled, s.Telemetry); err != nil {
		return err
	}
	if s.Telemetry {
		if err := verify(c, "telemetry location", cam.SetTelemetryLocation, cam.TelemetryLocation, cci.TelemetryFooter); err != nil {
			return err
		}
	}
	if err := c.startVoSPI(s.Telemetry); err != nil {
		return err
	}
	if err := verify(c, "gain mode", cam.SetGainMode, cam.GainMode, s.Gain); err != nil {
		return err
	}
	if model.Radiometric() {
		if err := verify(c, "emissivity", cam.SetFluxLinearParams, cam.FluxLinearParams, EmissivityParams(s.Emissivity)); err != nil {
			return err
		}
	}
	return verify(c, "gpio mode", cam.SetGPIOMode, cam.GPIOMode, cci.GPIOModeVSync)
}

// startVoSPI resets frame assembly for the selected layout and checks that
// the SPI link answers.
func (c *Controller) startVoSPI(telemetry bool) error {
	c.engine.Reset()
	if err := c.engine.IncludeTelemetry(telemetry); err != nil {
		return fmt.Errorf("%w: %w", ErrVoSPI, err)
	}
	if _, err := c.engine.ReadOnePacket(); err != nil {
		return fmt.Errorf("%w: %w", ErrVoSPI, err)
	}
	return nil
}

// SetAGC switches between AGC video and radiometric TLinear output.
func (c *Controller) SetAGC(on bool) error {
	c.update(func(s *Settings) { s.AGC = on })

	c.camMu.Lock()
	defer c.camMu.Unlock()
	if c.IsRadiometric() {
		if err := verify(c, "tlinear", c.cam.SetTLinearEnabled, c.cam.TLinearEnabled, !on); err != nil {
			return err
		}
	}
	return verify(c, "agc", c.cam.SetAGCEnabled, c.cam.AGCEnabled, on)
}

// SetGainMode selects high, low or automatic gain.
func (c *Controller) SetGainMode(g cci.GainMode) error {
	if g > cci.GainAuto {
		return fmt.Errorf("session: invalid gain mode %d", g)
	}
	c.update(func(s *Settings) { s.Gain = g })
	if !c.IsRadiometric() {
		return ErrNotRadiometric
	}

	c.camMu.Lock()
	defer c.camMu.Unlock()
	return verify(c, "gain mode", c.cam.SetGainMode, c.cam.GainMode, g)
}

// SetEmissivity sets the scene emissivity in percent, clamped to 1..100.
func (c *Controller) SetEmissivity(percent int) error {
	percent = ClampEmissivity(percent)
	c.update(func(s *Settings) { s.Emissivity = percent })
	if !c.IsRadiometric() {
		return ErrNotRadiometric
	}

	c.camMu.Lock()
	defer c.camMu.Unlock()
	return verify(c, "emissivity", c.cam.SetFluxLinearParams, c.cam.FluxLinearParams, EmissivityParams(percent))
}

// SetSpotmeterROI moves the radiometric spotmeter to the inclusive
// rectangle (r1,c1)-(r2,c2).
func (c *Controller) SetSpotmeterROI(r1, c1, r2, c2 uint16) error {
	if r1 > r2 || c1 > c2 || r2 >= vospi.Height || c2 >= vospi.Width {
		return fmt.Errorf("%w: (%d,%d)-(%d,%d)", ErrInvalidROI, r1, c1, r2, c2)
	}
	if !c.IsRadiometric() {
		return ErrNotRadiometric
	}

	roi := cci.ROI{StartRow: r1, StartCol: c1, EndRow: r2, EndCol: c2}
	c.camMu.Lock()
	defer c.camMu.Unlock()
	return verify(c, "spotmeter", c.cam.SetSpotmeterROI, c.cam.SpotmeterROI, roi)
}

// RunFFC starts a flat field correction. Video stalls while it runs.
func (c *Controller) RunFFC() error {
	c.camMu.Lock()
	defer c.camMu.Unlock()
	if err := c.cam.RunFFC(); err != nil {
		return fmt.Errorf("session: ffc: %w", err)
	}
	return nil
}
