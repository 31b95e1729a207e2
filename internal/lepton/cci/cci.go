// Package cci drives the Lepton Command and Control Interface, the
// register protocol the camera exposes on its I²C port.
//
// Every logical command is a fixed sequence of register transactions
// (wait for ready, stage data, write length, write command word, wait for
// ready again). A Driver holds one mutex for the whole sequence so that two
// goroutines can never interleave halves of different commands.
package cci

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/tcam/internal/monitoring"
	"github.com/banshee-data/tcam/internal/timeutil"
)

// Address is the fixed 7-bit I²C address of the Lepton CCI.
const Address uint16 = 0x2A

// Register map.
const (
	RegStatus     uint16 = 0x0002
	RegCommand    uint16 = 0x0004
	RegDataLength uint16 = 0x0006
	RegData0      uint16 = 0x0008
	RegData15     uint16 = 0x0026
	RegBlockBuf0  uint16 = 0xF800
	RegBlockBuf1  uint16 = 0xFC00
)

const (
	// DataRegisterWords is the number of direct data registers.
	DataRegisterWords = 16
	// MaxDataWords is the largest payload a single command can carry.
	MaxDataWords = 512

	statusReadyMask uint16 = 0x0007
	statusReady     uint16 = 0x0006
)

// Default timings.
const (
	DefaultBusyTimeout   = time.Second
	DefaultRebootTimeout = 8 * time.Second
	DefaultPollInterval  = 200 * time.Microsecond
)

// Bus is the minimal I²C contract the driver needs. periph.io's i2c.Bus
// satisfies it, as does Simulator.
type Bus interface {
	Tx(addr uint16, w, r []byte) error
}

// Options configures a Driver. Zero values select the defaults.
type Options struct {
	Addr          uint16
	Clock         timeutil.Clock
	BusyTimeout   time.Duration
	RebootTimeout time.Duration
	PollInterval  time.Duration
}

// Driver issues CCI commands over a Bus.
type Driver struct {
	mu            sync.Mutex
	bus           Bus
	addr          uint16
	clock         timeutil.Clock
	busyTimeout   time.Duration
	rebootTimeout time.Duration
	pollInterval  time.Duration
	last          Status
}

// New returns a Driver talking to bus.
func New(bus Bus, opts Options) *Driver {
	d := &Driver{
		bus:           bus,
		addr:          opts.Addr,
		clock:         opts.Clock,
		busyTimeout:   opts.BusyTimeout,
		rebootTimeout: opts.RebootTimeout,
		pollInterval:  opts.PollInterval,
	}
	if d.addr == 0 {
		d.addr = Address
	}
	if d.clock == nil {
		d.clock = timeutil.RealClock{}
	}
	if d.busyTimeout <= 0 {
		d.busyTimeout = DefaultBusyTimeout
	}
	if d.rebootTimeout <= 0 {
		d.rebootTimeout = DefaultRebootTimeout
	}
	if d.pollInterval <= 0 {
		d.pollInterval = DefaultPollInterval
	}
	return d
}

// WriteRegister writes a single 16-bit register.
func (d *Driver) WriteRegister(reg, value uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeBurst(reg, []uint16{value})
}

// ReadRegister reads a single 16-bit register.
func (d *Driver) ReadRegister(reg uint16) (uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	words, err := d.readBurst(reg, 1)
	if err != nil {
		return 0, err
	}
	return words[0], nil
}

// WriteBurst writes consecutive registers starting at start in a single
// bus transaction.
func (d *Driver) WriteBurst(start uint16, words []uint16) error {
	if len(words) > MaxDataWords {
		return ErrDataLength
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeBurst(start, words)
}

// ReadBurst reads n consecutive registers starting at start.
func (d *Driver) ReadBurst(start uint16, n int) ([]uint16, error) {
	if n > MaxDataWords || n < 0 {
		return nil, ErrDataLength
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readBurst(start, n)
}

// WaitBusyClear polls the status register until the camera reports booted
// and idle, or the busy timeout elapses.
func (d *Driver) WaitBusyClear() (Status, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waitBusyClear(d.busyTimeout)
}

// Set stages data and issues a SET-type command.
func (d *Driver) Set(opcode uint16, data []uint16) error {
	if len(data) > MaxDataWords {
		return ErrDataLength
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.waitBusyClear(d.busyTimeout); err != nil {
		return d.fail(opcode, err)
	}
	if len(data) > 0 {
		if err := d.writeBurst(dataRegion(len(data)), data); err != nil {
			return d.fail(opcode, err)
		}
	}
	if err := d.writeBurst(RegDataLength, []uint16{uint16(len(data))}); err != nil {
		return d.fail(opcode, err)
	}
	return d.issue(opcode, d.busyTimeout)
}

// Get issues a GET-type command and reads back n response words from the
// same region Set would have used for an n-word payload.
func (d *Driver) Get(opcode uint16, n int) ([]uint16, error) {
	if n > MaxDataWords || n < 0 {
		return nil, ErrDataLength
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.waitBusyClear(d.busyTimeout); err != nil {
		return nil, d.fail(opcode, err)
	}
	if err := d.writeBurst(RegDataLength, []uint16{uint16(n)}); err != nil {
		return nil, d.fail(opcode, err)
	}
	if err := d.issue(opcode, d.busyTimeout); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	words, err := d.readBurst(dataRegion(n), n)
	if err != nil {
		return nil, d.fail(opcode, err)
	}
	return words, nil
}

// Run issues a RUN-type command. Run commands carry no data, so neither the
// data registers nor the length register are touched.
func (d *Driver) Run(opcode uint16) error {
	return d.run(opcode, d.busyTimeout)
}

func (d *Driver) run(opcode uint16, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, err := d.waitBusyClear(d.busyTimeout); err != nil {
		return d.fail(opcode, err)
	}
	return d.issue(opcode, timeout)
}

// CommandSucceeded reports the outcome of the most recent command.
func (d *Driver) CommandSucceeded() (bool, Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last.OK(), d.last
}

// issue writes the command word and waits for the camera to finish it.
// Caller holds d.mu.
func (d *Driver) issue(opcode uint16, timeout time.Duration) error {
	if err := d.writeBurst(RegCommand, []uint16{opcode}); err != nil {
		return d.fail(opcode, err)
	}
	st, err := d.waitBusyClear(timeout)
	if err != nil {
		return d.fail(opcode, err)
	}
	d.last = st
	if st.Result < 0 {
		monitoring.Logf("cci: command 0x%04X returned %s", opcode, st.Result)
		return &ResultError{Opcode: opcode, Code: st.Result}
	}
	return nil
}

func (d *Driver) fail(opcode uint16, err error) error {
	d.last = Status{Err: err}
	monitoring.Logf("cci: command 0x%04X failed: %v", opcode, err)
	return err
}

func (d *Driver) waitBusyClear(timeout time.Duration) (Status, error) {
	deadline := d.clock.Now().Add(timeout)
	for {
		words, err := d.readBurst(RegStatus, 1)
		if err != nil {
			return Status{Err: err}, err
		}
		st := decodeStatus(words[0])
		if st.Ready() {
			return st, nil
		}
		if !d.clock.Now().Before(deadline) {
			return Status{Raw: words[0], Err: ErrUnresponsive}, ErrUnresponsive
		}
		d.clock.Sleep(d.pollInterval)
	}
}

func (d *Driver) writeBurst(start uint16, words []uint16) error {
	buf := make([]byte, 2+2*len(words))
	binary.BigEndian.PutUint16(buf, start)
	for i, w := range words {
		binary.BigEndian.PutUint16(buf[2+2*i:], w)
	}
	if err := d.bus.Tx(d.addr, buf, nil); err != nil {
		return fmt.Errorf("%w: write 0x%04X: %w", ErrCommFailure, start, err)
	}
	return nil
}

func (d *Driver) readBurst(start uint16, n int) ([]uint16, error) {
	var reg [2]byte
	binary.BigEndian.PutUint16(reg[:], start)
	buf := make([]byte, 2*n)
	if err := d.bus.Tx(d.addr, reg[:], buf); err != nil {
		return nil, fmt.Errorf("%w: read 0x%04X: %w", ErrCommFailure, start, err)
	}
	words := make([]uint16, n)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(buf[2*i:])
	}
	return words, nil
}

// dataRegion picks the register range that carries an n-word payload.
func dataRegion(n int) uint16 {
	if n <= DataRegisterWords {
		return RegData0
	}
	return RegBlockBuf0
}
