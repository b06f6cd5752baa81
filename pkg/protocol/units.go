package protocol

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Temperatures, amplitudes and frequencies travel as tenths of their unit.

// tenthsEpsilon absorbs float noise such as 4.35*10 = 43.4999... before truncation.
const tenthsEpsilon = 1e-9

// ToTenths converts v to tenths, truncating toward zero.
func ToTenths(v float64) int {
	return int(math.Trunc(v*10 + math.Copysign(tenthsEpsilon, v)))
}

// FromTenths converts a tenths value back to its unit.
func FromTenths(n int) float64 {
	return float64(n) / 10
}

// ParseInt parses a sanitized numeric response.
func ParseInt(clean string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(clean))
	if err != nil {
		return 0, fmt.Errorf("not an integer response %q", clean)
	}
	return n, nil
}

// ParseTenths parses a sanitized response holding tenths, e.g. "345" -> 34.5.
func ParseTenths(clean string) (float64, error) {
	n, err := ParseInt(clean)
	if err != nil {
		return 0, err
	}
	return FromTenths(n), nil
}

// SetTemperature builds the set target temperature command, e.g. STT300.
func SetTemperature(cmd string, tenths int) string {
	return cmd + strconv.Itoa(tenths)
}

// PhaseShift is always sent as zero degrees.
const PhaseShift = "000"

// ShakerParams builds SSP<ax>,<ay>,<fx>,<fy>,<phase> with identical x and y axes.
func ShakerParams(amplitude, frequency int) string {
	return fmt.Sprintf("%s%d,%d,%d,%d,%s", CmdShakerParams, amplitude, amplitude, frequency, frequency, PhaseShift)
}
