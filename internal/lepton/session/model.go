package session

import "strings"

// Model identifies the Lepton variant reported by the OEM part number.
type Model int

const (
	ModelUnknown Model = iota
	Model30
	Model31
	Model35
)

var partNumbers = map[string]Model{
	"500-0726-01": Model30,
	"500-0758-99": Model31,
	"500-0771-01": Model35,
}

// ModelFromPartNumber maps a part number string to a Model. Unrecognised
// part numbers yield ModelUnknown.
func ModelFromPartNumber(pn string) Model {
	if m, ok := partNumbers[strings.TrimSpace(pn)]; ok {
		return m
	}
	return ModelUnknown
}

// Radiometric reports whether the variant supports radiometry. Unknown
// parts are assumed to be newer radiometric units.
func (m Model) Radiometric() bool {
	return m != Model30
}

func (m Model) String() string {
	switch m {
	case Model30:
		return "Lepton 3.0"
	case Model31:
		return "Lepton 3.1"
	case Model35:
		return "Lepton 3.5"
	}
	return "unknown"
}
