// Package hw binds the camera to the host's I²C, SPI and GPIO through
// periph.io.
package hw

import (
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/banshee-data/tcam/internal/monitoring"
	"github.com/banshee-data/tcam/internal/timeutil"
)

// MaxSPISpeed is the fastest VoSPI clock the Lepton supports.
const MaxSPISpeed = 20 * physic.MegaHertz

// Options names the host resources. Empty bus and port names select the
// first registered one; an empty reset pin leaves the camera without
// hardware reset.
type Options struct {
	I2CBus   string
	SPIPort  string
	SPISpeed physic.Frequency
	VSyncPin string
	ResetPin string
}

// Board holds the opened resources.
type Board struct {
	I2C   i2c.Bus
	SPI   spi.Conn
	VSync gpio.PinIn
	Reset gpio.PinOut

	closers []func() error
}

// Open initialises the host drivers and opens every resource in opts.
func Open(opts Options) (*Board, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("hw: host init: %w", err)
	}
	if opts.SPISpeed <= 0 || opts.SPISpeed > MaxSPISpeed {
		return nil, fmt.Errorf("hw: spi speed %s out of range (max %s)", opts.SPISpeed, MaxSPISpeed)
	}

	b := &Board{}
	bus, err := i2creg.Open(opts.I2CBus)
	if err != nil {
		return nil, fmt.Errorf("hw: open i2c %q: %w", opts.I2CBus, err)
	}
	b.closers = append(b.closers, bus.Close)
	b.I2C = bus

	port, err := spireg.Open(opts.SPIPort)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("hw: open spi %q: %w", opts.SPIPort, err)
	}
	b.closers = append(b.closers, port.Close)
	// VoSPI idles the clock high and samples on the trailing edge.
	conn, err := port.Connect(opts.SPISpeed, spi.Mode3, 8)
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("hw: connect spi: %w", err)
	}
	b.SPI = conn

	vsync := gpioreg.ByName(opts.VSyncPin)
	if vsync == nil {
		b.Close()
		return nil, fmt.Errorf("hw: no vsync pin %q", opts.VSyncPin)
	}
	if err := vsync.In(gpio.PullDown, gpio.RisingEdge); err != nil {
		b.Close()
		return nil, fmt.Errorf("hw: vsync pin %s: %w", vsync, err)
	}
	b.closers = append(b.closers, vsync.Halt)
	b.VSync = vsync

	if opts.ResetPin != "" {
		reset := gpioreg.ByName(opts.ResetPin)
		if reset == nil {
			b.Close()
			return nil, fmt.Errorf("hw: no reset pin %q", opts.ResetPin)
		}
		// Low releases the camera from reset.
		if err := reset.Out(gpio.Low); err != nil {
			b.Close()
			return nil, fmt.Errorf("hw: reset pin %s: %w", reset, err)
		}
		b.Reset = reset
	}

	monitoring.Logf("hw: i2c %s, spi %s at %s, vsync %s, reset %v", bus, port, opts.SPISpeed, vsync, b.Reset)
	return b, nil
}

// Close releases everything Open acquired, most recent first.
func (b *Board) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	b.closers = nil
	return errors.Join(errs...)
}

// PacedVSync stands in for the VSYNC line when there is no camera: it
// reports an edge every Period.
type PacedVSync struct {
	Clock  timeutil.Clock
	Period time.Duration

	next time.Time
}

// WaitForEdge sleeps until the next edge or the timeout, whichever is
// sooner, and reports whether the edge came first.
func (p *PacedVSync) WaitForEdge(timeout time.Duration) bool {
	now := p.Clock.Now()
	if p.next.IsZero() || p.next.Before(now) {
		p.next = now.Add(p.Period)
	}
	wait := p.next.Sub(now)
	if timeout >= 0 && wait > timeout {
		p.Clock.Sleep(timeout)
		return false
	}
	p.Clock.Sleep(wait)
	p.next = p.next.Add(p.Period)
	return true
}
