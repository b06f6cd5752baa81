package incubator

import "time"

// Operation names a session operation. It selects the settle delay and
// labels metrics.
type Operation string

const (
	OpInitialize    Operation = "initialize"
	OpReset         Operation = "reset"
	OpErrorFlags    Operation = "error_flags"
	OpActualTemp    Operation = "actual_temperature"
	OpTargetTemp    Operation = "target_temperature"
	OpSetTargetTemp Operation = "set_target_temperature"
	OpStartHeater   Operation = "start_heater"
	OpStopHeater    Operation = "stop_heater"
	OpHeaterActive  Operation = "heater_active"
	OpOpenDoor      Operation = "open_door"
	OpCloseDoor     Operation = "close_door"
	OpDoorStatus    Operation = "door_status"
	OpLabware       Operation = "labware"
	OpStartShaker   Operation = "start_shaker"
	OpStopShaker    Operation = "stop_shaker"
	OpShakerActive  Operation = "shaker_active"
	OpShakerParams  Operation = "shaker_parameters"
)

// Delays are the settle times between sending a command and reading its
// response. Door and shaker commands wait for the mechanism to finish.
type Delays struct {
	Default     time.Duration
	Initialize  time.Duration
	Reset       time.Duration
	OpenDoor    time.Duration
	CloseDoor   time.Duration
	StartShaker time.Duration
	StopShaker  time.Duration
}

func DefaultDelays() Delays {
	return Delays{
		Default:     500 * time.Millisecond,
		Initialize:  3 * time.Second,
		Reset:       5 * time.Second,
		OpenDoor:    6 * time.Second,
		CloseDoor:   7 * time.Second,
		StartShaker: 3 * time.Second,
		StopShaker:  5 * time.Second,
	}
}

// For returns the settle delay of op.
func (d Delays) For(op Operation) time.Duration {
	switch op {
	case OpInitialize:
		return d.Initialize
	case OpReset:
		return d.Reset
	case OpOpenDoor:
		return d.OpenDoor
	case OpCloseDoor:
		return d.CloseDoor
	case OpStartShaker:
		return d.StartShaker
	case OpStopShaker:
		return d.StopShaker
	}
	return d.Default
}
