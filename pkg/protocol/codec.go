// Package protocol implements the command framing used by Inheco and Tekmatic
// incubators: a three byte header (payload length, device ID, stack floor)
// followed by an ASCII mnemonic, and the cleanup of the text the devices answer.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Mnemonics understood by the incubator firmware.
const (
	// Device commands
	CmdInitialize = "AID" // Initialize the device
	CmdReset      = "SRS" // Soft reset, answers 88 whether or not it worked
	CmdErrorFlags = "REF" // Report error flags, 0 = no errors

	// Temperature commands
	CmdActualTemp      = "RAT"  // Read actual temperature of the main sensor
	CmdTargetTemp      = "RTT"  // Read target temperature
	CmdSetTargetTemp   = "STT"  // Set target temperature (Inheco)
	CmdSetTargetTempTM = "SFF"  // Set target temperature (Tekmatic)
	CmdHeaterOn        = "SHE1" // Enable heater
	CmdHeaterOff       = "SHE"  // Disable heater
	CmdHeaterStatus    = "RHE"  // Read heater status, 0 off, 1 on, 2 on with booster

	// Door commands
	CmdOpenDoor   = "AOD" // Open door
	CmdCloseDoor  = "ACD" // Close door
	CmdDoorStatus = "RDS" // Read door status, 0 closed, 1 open
	CmdLabware    = "RLW" // Read labware presence

	// Shaker commands
	CmdShaker       = "ASE" // Shaker on/off, followed by 0, 1 or ND
	CmdShakerStatus = "RSE" // Read shaker status
	CmdShakerParams = "SSP" // Set amplitude x/y, frequency x/y and phase shift
)

const (
	// DefaultDeviceID is the bus address incubators ship with.
	DefaultDeviceID = 2

	// InvalidCommand is what the device answers to a command it does not understand.
	InvalidCommand = "#"

	maxMnemonicLen = 0xFF
)

var (
	ErrMnemonicTooLong = errors.New("mnemonic longer than 255 bytes")
	ErrNonASCII        = errors.New("mnemonic contains non ASCII characters")
)

// Frame is a single command as it is handed to the transport.
type Frame struct {
	Length     byte
	DeviceID   byte
	StackFloor byte
	Payload    []byte
}

// Bytes returns the frame as it goes on the wire.
func (f Frame) Bytes() []byte {
	buf := make([]byte, 0, 3+len(f.Payload))
	buf = append(buf, f.Length, f.DeviceID, f.StackFloor)
	return append(buf, f.Payload...)
}

// Mnemonic returns the payload as text.
func (f Frame) Mnemonic() string {
	return string(f.Payload)
}

// DecodeFrame parses bytes produced by Frame.Bytes.
func DecodeFrame(b []byte) (Frame, error) {
	if len(b) < 3 {
		return Frame{}, fmt.Errorf("frame too short: %d bytes", len(b))
	}

	f := Frame{
		Length:     b[0],
		DeviceID:   b[1],
		StackFloor: b[2],
		Payload:    append([]byte(nil), b[3:]...),
	}
	if int(f.Length) != len(f.Payload) {
		return Frame{}, fmt.Errorf("frame length %d does not match payload of %d bytes", f.Length, len(f.Payload))
	}
	return f, nil
}

// Encode builds a frame for mnemonic. The device ID and stack floor are
// truncated to their low 8 bits, the same way the vendor library does.
func Encode(mnemonic string, deviceID, stackFloor int) (Frame, error) {
	if len(mnemonic) > maxMnemonicLen {
		return Frame{}, ErrMnemonicTooLong
	}

	payload := make([]byte, len(mnemonic))
	for i := 0; i < len(mnemonic); i++ {
		if mnemonic[i] > 0x7F {
			return Frame{}, ErrNonASCII
		}
		payload[i] = mnemonic[i]
	}

	return Frame{
		Length:     byte(len(mnemonic) & 0xFF),
		DeviceID:   byte(deviceID & 0xFF),
		StackFloor: byte(stackFloor & 0xFF),
		Payload:    payload,
	}, nil
}

// EncodeStrict is Encode but rejects a device ID or stack floor that does not
// fit in a byte instead of wrapping it.
func EncodeStrict(mnemonic string, deviceID, stackFloor int) (Frame, error) {
	if deviceID < 0 || deviceID > 0xFF {
		return Frame{}, &FieldRangeError{Field: "device id", Value: deviceID}
	}
	if stackFloor < 0 || stackFloor > 0xFF {
		return Frame{}, &FieldRangeError{Field: "stack floor", Value: stackFloor}
	}
	return Encode(mnemonic, deviceID, stackFloor)
}

var superscripts = [10]rune{'⁰', '¹', '²', '³', '⁴', '⁵', '⁶', '⁷', '⁸', '⁹'}

// Superscript returns the device ID written in superscript digits, which is
// how the vendor library tags responses.
func Superscript(deviceID int) string {
	var sb strings.Builder
	for _, d := range strconv.Itoa(deviceID) {
		if d < '0' || d > '9' {
			continue
		}
		sb.WriteRune(superscripts[d-'0'])
	}
	return sb.String()
}

// Sanitize strips backticks and the device ID superscript artifact from a raw
// response and trims surrounding whitespace.
func Sanitize(raw string, deviceID int) string {
	drop := map[rune]bool{'`': true}
	for _, r := range Superscript(deviceID) {
		drop[r] = true
	}

	clean := strings.Map(func(r rune) rune {
		if drop[r] {
			return -1
		}
		return r
	}, raw)

	return strings.TrimSpace(clean)
}

// CheckResponse fails with an InvalidCommandError when the device rejected
// mnemonic.
func CheckResponse(clean, mnemonic string) error {
	if clean == InvalidCommand {
		return &InvalidCommandError{Mnemonic: mnemonic}
	}
	return nil
}
