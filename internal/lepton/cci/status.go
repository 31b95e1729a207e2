package cci

import (
	"errors"
	"fmt"
)

var (
	// ErrCommFailure wraps any I²C transaction error.
	ErrCommFailure = errors.New("cci: communication failure")
	// ErrUnresponsive means the camera never reported ready within the
	// busy timeout.
	ErrUnresponsive = errors.New("cci: device unresponsive")
	// ErrDataLength rejects payloads longer than MaxDataWords before any bus
	// traffic is generated.
	ErrDataLength = errors.New("cci: data length exceeds 512 words")
)

// Result is the signed response code the camera reports in bits 8-15 of
// the status register.
type Result int8

// Response codes from the Lepton IDD.
const (
	ResultOK                   Result = 0
	ResultFailure              Result = -1
	ResultNotReady             Result = -2
	ResultRangeError           Result = -3
	ResultChecksumError        Result = -4
	ResultBadArgPointer        Result = -5
	ResultDataSizeError        Result = -6
	ResultUndefinedFunction    Result = -7
	ResultFunctionNotSupported Result = -8
	ResultDataOutOfRange       Result = -9
	ResultCommandNotAllowed    Result = -11
)

var resultNames = map[Result]string{
	ResultOK:                   "OK",
	ResultFailure:              "error",
	ResultNotReady:             "not ready",
	ResultRangeError:           "range error",
	ResultChecksumError:        "checksum error",
	ResultBadArgPointer:        "bad argument pointer",
	ResultDataSizeError:        "data size error",
	ResultUndefinedFunction:    "undefined function",
	ResultFunctionNotSupported: "function not supported",
	ResultDataOutOfRange:       "data out of range",
	ResultCommandNotAllowed:    "command not allowed",
}

func (r Result) String() string {
	if s, ok := resultNames[r]; ok {
		return s
	}
	return fmt.Sprintf("result %d", int8(r))
}

// ResultError reports a command the camera completed with a negative
// response code.
type ResultError struct {
	Opcode uint16
	Code   Result
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("cci: command 0x%04X returned %s (%d)", e.Opcode, e.Code, int8(e.Code))
}

// Status is a decoded status register together with any error that
// prevented reading it.
type Status struct {
	Raw    uint16
	Result Result
	Err    error
}

func decodeStatus(raw uint16) Status {
	return Status{Raw: raw, Result: Result(int8(raw >> 8))}
}

// Ready reports whether the low three bits encode booted and not busy.
func (s Status) Ready() bool {
	return s.Raw&statusReadyMask == statusReady
}

// CommFailure reports whether the bus itself failed.
func (s Status) CommFailure() bool {
	return errors.Is(s.Err, ErrCommFailure)
}

// Unresponsive reports whether the camera stayed busy past the timeout.
func (s Status) Unresponsive() bool {
	return errors.Is(s.Err, ErrUnresponsive)
}

// OK reports whether the command completed with a non-negative result.
func (s Status) OK() bool {
	return s.Err == nil && s.Result >= 0
}
