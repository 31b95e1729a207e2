package cci

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// Access records one register transaction seen by a Simulator.
type Access struct {
	Write bool
	Reg   uint16
	Words int
}

// Simulator is an in-memory model of the Lepton CCI register file. SET
// commands store their payload per command, GET commands return it and RUN
// commands are counted. Faults can be injected to exercise the driver's
// error paths.
type Simulator struct {
	mu          sync.Mutex
	regs        map[uint16]uint16
	store       map[uint16][]uint16
	runs        map[uint16]int
	results     map[uint16]Result
	dropSets    map[uint16]int
	accesses    []Access
	commands    []uint16
	busyPolls   int
	pendingBusy int
	stuckBusy   bool
	failTx      int
	txErr       error
}

// NewSimulator returns a ready, idle camera identifying as a radiometric
// Lepton 3.5.
func NewSimulator() *Simulator {
	s := &Simulator{
		regs:     map[uint16]uint16{RegStatus: statusReady},
		store:    map[uint16][]uint16{},
		runs:     map[uint16]int{},
		results:  map[uint16]Result{},
		dropSets: map[uint16]int{},
	}
	s.SetPartNumber("500-0771-01")
	s.store[CmdRadGetEnable] = []uint16{1, 0}
	return s
}

// Tx implements Bus.
func (s *Simulator) Tx(addr uint16, w, r []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if addr != Address {
		return fmt.Errorf("no device at 0x%02X", addr)
	}
	if s.failTx > 0 {
		s.failTx--
		if s.txErr != nil {
			return s.txErr
		}
		return errors.New("i2c: nack")
	}
	if len(w) < 2 || len(w)%2 != 0 || len(r)%2 != 0 {
		return fmt.Errorf("malformed transaction: %d bytes out, %d in", len(w), len(r))
	}

	reg := binary.BigEndian.Uint16(w)
	if n := (len(w) - 2) / 2; n > 0 {
		s.accesses = append(s.accesses, Access{Write: true, Reg: reg, Words: n})
		for i := 0; i < n; i++ {
			a := reg + uint16(2*i)
			v := binary.BigEndian.Uint16(w[2+2*i:])
			if a == RegCommand {
				s.execute(v)
				continue
			}
			s.regs[a] = v
		}
	}
	if n := len(r) / 2; n > 0 {
		s.accesses = append(s.accesses, Access{Reg: reg, Words: n})
		for i := 0; i < n; i++ {
			binary.BigEndian.PutUint16(r[2*i:], s.read(reg+uint16(2*i)))
		}
	}
	return nil
}

func (s *Simulator) read(reg uint16) uint16 {
	if reg != RegStatus {
		return s.regs[reg]
	}
	st := s.regs[RegStatus]
	if s.stuckBusy || s.pendingBusy > 0 {
		if s.pendingBusy > 0 {
			s.pendingBusy--
		}
		return st&0xFF00 | 0x0007
	}
	return st
}

func (s *Simulator) execute(cmd uint16) {
	s.commands = append(s.commands, cmd)
	base := cmd &^ 0x3
	n := int(s.regs[RegDataLength])
	region := dataRegion(n)

	switch cmd & 0x3 {
	case TypeSet:
		if s.dropSets[base] > 0 {
			s.dropSets[base]--
			break
		}
		data := make([]uint16, n)
		for i := range data {
			data[i] = s.regs[region+uint16(2*i)]
		}
		s.store[base] = data
	case TypeGet:
		data := s.store[base]
		for i := 0; i < n; i++ {
			var v uint16
			if i < len(data) {
				v = data[i]
			}
			s.regs[region+uint16(2*i)] = v
		}
	case TypeRun:
		s.runs[cmd]++
	}

	res := s.results[cmd]
	s.regs[RegStatus] = uint16(uint8(res))<<8 | statusReady
	s.pendingBusy = s.busyPolls
}

// SetPartNumber sets the string returned by the OEM part number command.
func (s *Simulator) SetPartNumber(pn string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	words := make([]uint16, partNumberWords)
	for i := 0; i < len(pn) && i < 2*partNumberWords; i++ {
		if i%2 == 0 {
			words[i/2] |= uint16(pn[i])
		} else {
			words[i/2] |= uint16(pn[i]) << 8
		}
	}
	s.store[CmdOEMGetPartNumber] = words
}

// Preset stores a value as if a SET for opcode had succeeded.
func (s *Simulator) Preset(opcode uint16, words []uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store[opcode&^0x3] = append([]uint16(nil), words...)
}

// Stored returns the value held for a command, addressed by either its GET
// or SET opcode.
func (s *Simulator) Stored(opcode uint16) []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint16(nil), s.store[opcode&^0x3]...)
}

// Runs returns how many times a RUN command was executed.
func (s *Simulator) Runs(opcode uint16) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[opcode]
}

// SetBusyPolls makes the status register report busy for n polls after
// every command.
func (s *Simulator) SetBusyPolls(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busyPolls = n
}

// SetStuckBusy makes the status register report busy indefinitely.
func (s *Simulator) SetStuckBusy(stuck bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stuckBusy = stuck
}

// SetResult makes every execution of opcode complete with code.
func (s *Simulator) SetResult(opcode uint16, code Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[opcode] = code
}

// DropSets makes the next n SET commands for opcode complete normally
// without taking effect.
func (s *Simulator) DropSets(opcode uint16, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropSets[opcode&^0x3] = n
}

// FailNext makes the next n transactions fail with err, or a generic NACK
// when err is nil.
func (s *Simulator) FailNext(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failTx = n
	s.txErr = err
}

// Accesses returns the register transactions seen since the last
// ResetAccesses.
func (s *Simulator) Accesses() []Access {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Access(nil), s.accesses...)
}

// Commands returns the command words executed since the last
// ResetAccesses.
func (s *Simulator) Commands() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint16(nil), s.commands...)
}

func (s *Simulator) ResetAccesses() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accesses = nil
	s.commands = nil
}
