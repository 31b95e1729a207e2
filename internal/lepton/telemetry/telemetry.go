// Package telemetry decodes the 240-word telemetry block a Lepton appends
// to each frame when telemetry is enabled.
package telemetry

import "fmt"

// Words is the length of a telemetry block: three 80-word rows.
const Words = 240

// Word offsets within the block.
const (
	WordRevision     = 0
	WordUptimeLow    = 1
	WordUptimeHigh   = 2
	WordStatusLow    = 3
	WordStatusHigh   = 4
	WordFrameLow     = 20
	WordFrameHigh    = 21
	WordFrameMean    = 22
	WordFPATempCount = 23
	WordFPATempK100  = 24
	WordHousingCount = 25
	WordHousingK100  = 26
	WordLastFFCFPA   = 29
	WordLastFFCLow   = 30
	WordLastFFCHigh  = 31
	WordLastFFCHouse = 32

	WordEmissivity = 99
	WordBgTempK100 = 100

	WordGainMode     = 165
	WordEffGainMode  = 166
	WordTLinEnable   = 208
	WordTLinRes      = 209
	WordSpotMean     = 210
	WordSpotMax      = 211
	WordSpotMin      = 212
	WordSpotPop      = 213
	WordSpotStartRow = 214
	WordSpotStartCol = 215
	WordSpotEndRow   = 216
	WordSpotEndCol   = 217
)

// Status word bits.
const (
	StatusFFCDesired    uint32 = 0x00000008
	StatusFFCStateMask  uint32 = 0x00000030
	StatusAGCState      uint32 = 0x00001000
	StatusShutterLocked uint32 = 0x00008000
	StatusOverTemp      uint32 = 0x00100000
)

// FFCState is the flat field correction progress reported in the status word.
type FFCState uint8

const (
	FFCIdle FFCState = iota
	FFCImminent
	FFCRunning
	FFCComplete
)

func (s FFCState) String() string {
	switch s {
	case FFCIdle:
		return "idle"
	case FFCImminent:
		return "imminent"
	case FFCRunning:
		return "running"
	case FFCComplete:
		return "complete"
	}
	return fmt.Sprintf("ffc(%d)", uint8(s))
}

// Block is a decoded telemetry block.
type Block struct {
	Revision       uint16
	UptimeMs       uint32
	Status         uint32
	FrameCount     uint32
	FrameMean      uint16
	FPATempK100    uint16
	HousingK100    uint16
	LastFFCMs      uint32
	Emissivity     uint16
	GainMode       uint16
	TLinearEnabled bool
	// TLinearResolution is the scale of a radiometric pixel in Kelvin:
	// 0.1 or 0.01.
	TLinearResolution float64
	SpotMean          uint16
	SpotMax           uint16
	SpotMin           uint16
	SpotRows          [2]uint16
	SpotCols          [2]uint16
}

// Parse decodes words. It returns an error if the block is short.
func Parse(words []uint16) (Block, error) {
	if len(words) < Words {
		return Block{}, fmt.Errorf("telemetry: block has %d words, want %d", len(words), Words)
	}
	b := Block{
		Revision:       words[WordRevision],
		UptimeMs:       dword(words, WordUptimeLow, WordUptimeHigh),
		Status:         dword(words, WordStatusLow, WordStatusHigh),
		FrameCount:     dword(words, WordFrameLow, WordFrameHigh),
		FrameMean:      words[WordFrameMean],
		FPATempK100:    words[WordFPATempK100],
		HousingK100:    words[WordHousingK100],
		LastFFCMs:      dword(words, WordLastFFCLow, WordLastFFCHigh),
		Emissivity:     words[WordEmissivity],
		GainMode:       words[WordGainMode],
		TLinearEnabled: words[WordTLinEnable] != 0,
		SpotMean:       words[WordSpotMean],
		SpotMax:        words[WordSpotMax],
		SpotMin:        words[WordSpotMin],
		SpotRows:       [2]uint16{words[WordSpotStartRow], words[WordSpotEndRow]},
		SpotCols:       [2]uint16{words[WordSpotStartCol], words[WordSpotEndCol]},
	}
	b.TLinearResolution = 0.01
	if words[WordTLinRes] == 0 {
		b.TLinearResolution = 0.1
	}
	return b, nil
}

func dword(words []uint16, lo, hi int) uint32 {
	return uint32(words[hi])<<16 | uint32(words[lo])
}

// FFCState extracts the flat field correction state.
func (b Block) FFCState() FFCState {
	return FFCState((b.Status & StatusFFCStateMask) >> 4)
}

// FFCDesired reports whether the camera is asking for a flat field
// correction.
func (b Block) FFCDesired() bool { return b.Status&StatusFFCDesired != 0 }

// AGCEnabled reports the AGC state bit.
func (b Block) AGCEnabled() bool { return b.Status&StatusAGCState != 0 }

// ShutterLocked reports that the shutter lockout is active.
func (b Block) ShutterLocked() bool { return b.Status&StatusShutterLocked != 0 }

// OverTemp reports an imminent over-temperature shutdown.
func (b Block) OverTemp() bool { return b.Status&StatusOverTemp != 0 }

// FPATempC returns the sensor temperature in degrees Celsius.
func (b Block) FPATempC() float64 { return KelvinToC(uint32(b.FPATempK100), 0.01) }

// HousingTempC returns the housing temperature in degrees Celsius.
func (b Block) HousingTempC() float64 { return KelvinToC(uint32(b.HousingK100), 0.01) }

// SpotMeanC converts the spotmeter mean using the TLinear resolution.
func (b Block) SpotMeanC() float64 { return KelvinToC(uint32(b.SpotMean), b.TLinearResolution) }

// KelvinToC converts a scaled Kelvin reading to Celsius. res is the size of
// one count in Kelvin.
func KelvinToC(k uint32, res float64) float64 {
	return float64(k)*res - 273.15
}
