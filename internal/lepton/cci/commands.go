package cci

import (
	"fmt"
	"strings"
	"time"
)

// Command words. The low two bits select GET (0), SET (1) or RUN (2).
const (
	CmdSysRunPing             uint16 = 0x0202
	CmdSysGetUptime           uint16 = 0x020C
	CmdSysGetAuxTemp          uint16 = 0x0210
	CmdSysGetFPATemp          uint16 = 0x0214
	CmdSysGetTelemetryEnable  uint16 = 0x0218
	CmdSysSetTelemetryEnable  uint16 = 0x0219
	CmdSysGetTelemetryLoc     uint16 = 0x021C
	CmdSysSetTelemetryLoc     uint16 = 0x021D
	CmdSysRunFFC              uint16 = 0x0242
	CmdSysGetGainMode         uint16 = 0x0248
	CmdSysSetGainMode         uint16 = 0x0249
	CmdRadGetEnable           uint16 = 0x4E10
	CmdRadSetEnable           uint16 = 0x4E11
	CmdRadGetFluxLinearParams uint16 = 0x4EBC
	CmdRadSetFluxLinearParams uint16 = 0x4EBD
	CmdRadGetTLinearEnable    uint16 = 0x4EC0
	CmdRadSetTLinearEnable    uint16 = 0x4EC1
	CmdRadGetTLinearAutoRes   uint16 = 0x4EC8
	CmdRadSetTLinearAutoRes   uint16 = 0x4EC9
	CmdRadGetSpotROI          uint16 = 0x4ECC
	CmdRadSetSpotROI          uint16 = 0x4ECD
	CmdAGCGetEnable           uint16 = 0x0100
	CmdAGCSetEnable           uint16 = 0x0101
	CmdAGCGetCalcEnable       uint16 = 0x0148
	CmdAGCSetCalcEnable       uint16 = 0x0149
	CmdOEMRunReboot           uint16 = 0x4842
	CmdOEMGetGPIOMode         uint16 = 0x4854
	CmdOEMSetGPIOMode         uint16 = 0x4855
	CmdOEMGetPartNumber       uint16 = 0x481C
)

// Command type selectors carried in the low two bits of a command word.
const (
	TypeGet uint16 = 0
	TypeSet uint16 = 1
	TypeRun uint16 = 2
)

// partNumberWords is the size of the OEM part number response: 32 ASCII
// characters, two per word, low byte first.
const partNumberWords = 16

// GainMode selects the sensor's dynamic range.
type GainMode uint32

const (
	GainHigh GainMode = 0
	GainLow  GainMode = 1
	GainAuto GainMode = 2
)

func (g GainMode) String() string {
	switch g {
	case GainHigh:
		return "high"
	case GainLow:
		return "low"
	case GainAuto:
		return "auto"
	}
	return fmt.Sprintf("gain(%d)", uint32(g))
}

// ParseGainMode accepts the names produced by GainMode.String.
func ParseGainMode(s string) (GainMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return GainHigh, nil
	case "low":
		return GainLow, nil
	case "auto":
		return GainAuto, nil
	}
	return 0, fmt.Errorf("unknown gain mode %q", s)
}

// TelemetryLocation places the telemetry rows before or after the image.
type TelemetryLocation uint32

const (
	TelemetryHeader TelemetryLocation = 0
	TelemetryFooter TelemetryLocation = 1
)

// GPIOMode configures the Lepton GPIO3 pin.
type GPIOMode uint32

const (
	GPIOModeGPIO             GPIOMode = 0
	GPIOModeI2CMaster        GPIOMode = 1
	GPIOModeSPIMasterVLBData GPIOMode = 2
	GPIOModeSPIMasterRegData GPIOMode = 3
	GPIOModeSPISlaveVLBData  GPIOMode = 4
	GPIOModeVSync            GPIOMode = 5
)

// FluxLinearParams are the radiometric scene parameters. Emissivity and
// transmission values are scaled so that 8192 represents 1.0; temperatures
// are in Kelvin x 100.
type FluxLinearParams struct {
	SceneEmissivity uint16
	TBkgK           uint16
	TauWindow       uint16
	TWindowK        uint16
	TauAtm          uint16
	TAtmK           uint16
	ReflWindow      uint16
	TReflK          uint16
}

func (p FluxLinearParams) words() []uint16 {
	return []uint16{p.SceneEmissivity, p.TBkgK, p.TauWindow, p.TWindowK, p.TauAtm, p.TAtmK, p.ReflWindow, p.TReflK}
}

// ROI is an inclusive spotmeter rectangle in sensor coordinates.
type ROI struct {
	StartRow, StartCol, EndRow, EndCol uint16
}

// Ping checks that the camera answers commands.
func (d *Driver) Ping() error {
	return d.Run(CmdSysRunPing)
}

// RunFFC triggers a flat field correction.
func (d *Driver) RunFFC() error {
	return d.Run(CmdSysRunFFC)
}

// Reboot restarts the camera core. The camera stays busy for several
// seconds, so the reboot timeout applies instead of the busy timeout.
func (d *Driver) Reboot() error {
	return d.run(CmdOEMRunReboot, d.rebootTimeout)
}

// Uptime returns the camera's time since power-on.
func (d *Driver) Uptime() (time.Duration, error) {
	v, err := d.getUint32(CmdSysGetUptime)
	if err != nil {
		return 0, err
	}
	return time.Duration(v) * time.Millisecond, nil
}

// AuxTemperature returns the case temperature in Kelvin x 100.
func (d *Driver) AuxTemperature() (uint16, error) {
	v, err := d.getUint32(CmdSysGetAuxTemp)
	return uint16(v), err
}

// FPATemperature returns the sensor temperature in Kelvin x 100.
func (d *Driver) FPATemperature() (uint16, error) {
	v, err := d.getUint32(CmdSysGetFPATemp)
	return uint16(v), err
}

func (d *Driver) SetTelemetryEnabled(on bool) error {
	return d.setBool(CmdSysSetTelemetryEnable, on)
}

func (d *Driver) TelemetryEnabled() (bool, error) {
	return d.getBool(CmdSysGetTelemetryEnable)
}

func (d *Driver) SetTelemetryLocation(loc TelemetryLocation) error {
	return d.setUint32(CmdSysSetTelemetryLoc, uint32(loc))
}

func (d *Driver) TelemetryLocation() (TelemetryLocation, error) {
	v, err := d.getUint32(CmdSysGetTelemetryLoc)
	return TelemetryLocation(v), err
}

func (d *Driver) SetGainMode(mode GainMode) error {
	return d.setUint32(CmdSysSetGainMode, uint32(mode))
}

func (d *Driver) GainMode() (GainMode, error) {
	v, err := d.getUint32(CmdSysGetGainMode)
	return GainMode(v), err
}

func (d *Driver) SetRadiometryEnabled(on bool) error {
	return d.setBool(CmdRadSetEnable, on)
}

func (d *Driver) RadiometryEnabled() (bool, error) {
	return d.getBool(CmdRadGetEnable)
}

func (d *Driver) SetFluxLinearParams(p FluxLinearParams) error {
	return d.Set(CmdRadSetFluxLinearParams, p.words())
}

func (d *Driver) FluxLinearParams() (FluxLinearParams, error) {
	w, err := d.Get(CmdRadGetFluxLinearParams, 8)
	if err != nil {
		return FluxLinearParams{}, err
	}
	return FluxLinearParams{
		SceneEmissivity: w[0],
		TBkgK:           w[1],
		TauWindow:       w[2],
		TWindowK:        w[3],
		TauAtm:          w[4],
		TAtmK:           w[5],
		ReflWindow:      w[6],
		TReflK:          w[7],
	}, nil
}

func (d *Driver) SetTLinearEnabled(on bool) error {
	return d.setBool(CmdRadSetTLinearEnable, on)
}

func (d *Driver) TLinearEnabled() (bool, error) {
	return d.getBool(CmdRadGetTLinearEnable)
}

func (d *Driver) SetTLinearAutoResolution(on bool) error {
	return d.setBool(CmdRadSetTLinearAutoRes, on)
}

func (d *Driver) TLinearAutoResolution() (bool, error) {
	return d.getBool(CmdRadGetTLinearAutoRes)
}

func (d *Driver) SetSpotmeterROI(r ROI) error {
	return d.Set(CmdRadSetSpotROI, []uint16{r.StartRow, r.StartCol, r.EndRow, r.EndCol})
}

func (d *Driver) SpotmeterROI() (ROI, error) {
	w, err := d.Get(CmdRadGetSpotROI, 4)
	if err != nil {
		return ROI{}, err
	}
	return ROI{StartRow: w[0], StartCol: w[1], EndRow: w[2], EndCol: w[3]}, nil
}

func (d *Driver) SetAGCEnabled(on bool) error {
	return d.setBool(CmdAGCSetEnable, on)
}

func (d *Driver) AGCEnabled() (bool, error) {
	return d.getBool(CmdAGCGetEnable)
}

func (d *Driver) SetAGCCalcEnabled(on bool) error {
	return d.setBool(CmdAGCSetCalcEnable, on)
}

func (d *Driver) AGCCalcEnabled() (bool, error) {
	return d.getBool(CmdAGCGetCalcEnable)
}

func (d *Driver) SetGPIOMode(mode GPIOMode) error {
	return d.setUint32(CmdOEMSetGPIOMode, uint32(mode))
}

func (d *Driver) GPIOMode() (GPIOMode, error) {
	v, err := d.getUint32(CmdOEMGetGPIOMode)
	return GPIOMode(v), err
}

// PartNumber returns the FLIR part number string, e.g. "500-0771-01".
func (d *Driver) PartNumber() (string, error) {
	w, err := d.Get(CmdOEMGetPartNumber, partNumberWords)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, v := range w {
		for _, c := range []byte{byte(v), byte(v >> 8)} {
			if c == 0 {
				return b.String(), nil
			}
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

// Enumerations travel as 32-bit values, least significant word first.
func (d *Driver) setUint32(opcode uint16, v uint32) error {
	return d.Set(opcode, []uint16{uint16(v), uint16(v >> 16)})
}

func (d *Driver) getUint32(opcode uint16) (uint32, error) {
	w, err := d.Get(opcode, 2)
	if err != nil {
		return 0, err
	}
	return uint32(w[1])<<16 | uint32(w[0]), nil
}

func (d *Driver) setBool(opcode uint16, on bool) error {
	var v uint32
	if on {
		v = 1
	}
	return d.setUint32(opcode, v)
}

func (d *Driver) getBool(opcode uint16) (bool, error) {
	v, err := d.getUint32(opcode)
	return v != 0, err
}
