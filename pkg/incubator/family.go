package incubator

import (
	"fmt"
	"strings"

	"incubator/pkg/protocol"
)

// Range is an inclusive range of wire values in tenths.
type Range struct {
	Min int
	Max int
}

func (r Range) Contains(v int) bool {
	return v >= r.Min && v <= r.Max
}

// Family describes the differences between incubator product lines.
type Family struct {
	Name        string
	DeviceID    int
	SetTempCmd  string
	Temperature Range // tenths of °C
	Amplitude   Range // tenths of mm
	Frequency   Range // tenths of Hz
}

var (
	Inheco = Family{
		Name:        "inheco",
		DeviceID:    protocol.DefaultDeviceID,
		SetTempCmd:  protocol.CmdSetTargetTemp,
		Temperature: Range{0, 800},
		Amplitude:   Range{0, 30},
		Frequency:   Range{66, 300},
	}

	Tekmatic = Family{
		Name:        "tekmatic",
		DeviceID:    protocol.DefaultDeviceID,
		SetTempCmd:  protocol.CmdSetTargetTempTM,
		Temperature: Range{0, 800},
		Amplitude:   Range{0, 30},
		Frequency:   Range{66, 300},
	}
)

// FamilyByName returns the family called name, case insensitive.
func FamilyByName(name string) (Family, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case Inheco.Name, "":
		return Inheco, nil
	case Tekmatic.Name:
		return Tekmatic, nil
	}
	return Family{}, fmt.Errorf("unknown incubator family %q", name)
}
