// Package incubator drives Inheco and Tekmatic single plate incubators over a
// transport. A Session owns one open port, which may serve a tower of
// incubators addressed by stack floor, and runs one command at a time.
package incubator

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"incubator/pkg/protocol"
	"incubator/pkg/transport"

	log "github.com/sirupsen/logrus"
)

// Observer receives command outcomes and busy transitions.
type Observer interface {
	ObserveCommand(port string, op string, elapsed time.Duration, result string)
	SetBusy(port string, busy bool)
}

type nopObserver struct{}

func (nopObserver) ObserveCommand(string, string, time.Duration, string) {}
func (nopObserver) SetBusy(string, bool)                                 {}

type Option func(*Session)

func WithFamily(f Family) Option {
	return func(s *Session) { s.family = f }
}

// WithDeviceID overrides the family's default bus address.
func WithDeviceID(id int) Option {
	return func(s *Session) { s.deviceID = &id }
}

func WithDelays(d Delays) Option {
	return func(s *Session) { s.delays = d }
}

// WithStrict rejects device IDs and stack floors that do not fit in a byte
// instead of truncating them.
func WithStrict(strict bool) Option {
	return func(s *Session) { s.strict = strict }
}

func WithLogger(logger log.FieldLogger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithRegistry claims the port in r for the life of the session. Without a
// registry a second Open of the same port is not detected.
func WithRegistry(r *transport.Registry) Option {
	return func(s *Session) { s.registry = r }
}

func WithObserver(o Observer) Option {
	return func(s *Session) { s.observer = o }
}

// WithSleep replaces the function used for settle delays.
func WithSleep(sleep func(time.Duration)) Option {
	return func(s *Session) { s.sleep = sleep }
}

// Session is an open connection to one tower.
type Session struct {
	t        transport.Transport
	port     string
	family   Family
	deviceID *int
	delays   Delays
	strict   bool
	sleep    func(time.Duration)
	logger   log.FieldLogger
	registry *transport.Registry
	observer Observer

	g      guard
	closed atomic.Bool
}

// Open opens port on t. Any status other than transport.StatusOpened is a
// ConnectionError.
//
// A port can only be held by one session. Open refuses a port that is already
// open only when the sessions share a registry, so callers that may open the
// same port twice must pass WithRegistry.
func Open(t transport.Transport, port string, opts ...Option) (*Session, error) {
	s := &Session{
		t:        t,
		port:     port,
		family:   Inheco,
		delays:   DefaultDelays(),
		sleep:    time.Sleep,
		logger:   log.StandardLogger(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.deviceID == nil {
		id := s.family.DeviceID
		s.deviceID = &id
	}
	s.logger = s.logger.WithField("port", port)

	if s.registry != nil {
		if err := s.registry.Claim(port); err != nil {
			return nil, &ConnectionError{Port: port, Status: transport.StatusOpenFailed, Err: err}
		}
	}

	s.g.lock()
	status, err := t.Open(port)
	s.g.unlock()

	if err != nil || status != transport.StatusOpened {
		if s.registry != nil {
			s.registry.Release(port)
		}
		s.logger.Errorf("Failed to open %s connection: status %d", s.family.Name, status)
		return nil, &ConnectionError{Port: port, Status: status, Err: err}
	}

	s.logger.Infof("Opened %s connection", s.family.Name)
	return s, nil
}

// Close closes the transport. The device does not answer, so errors are
// only logged.
func (s *Session) Close() error {
	s.g.lock()
	defer s.g.unlock()

	if s.closed.Swap(true) {
		return nil
	}
	if err := s.t.Close(); err != nil {
		s.logger.Warnf("Close: %v", err)
	}
	if s.registry != nil {
		s.registry.Release(s.port)
	}
	s.logger.Info("Connection closed")
	return nil
}

// Busy reports whether a command is in flight. It never blocks.
func (s *Session) Busy() bool {
	return s.g.Busy()
}

func (s *Session) Port() string {
	return s.port
}

func (s *Session) Family() Family {
	return s.family
}

func (s *Session) DeviceID() int {
	return *s.deviceID
}

// exec runs one send, settle, read cycle and returns the sanitized response.
func (s *Session) exec(op Operation, floor int, mnemonic string) (string, error) {
	s.g.lock()
	s.observer.SetBusy(s.port, true)
	defer func() {
		s.observer.SetBusy(s.port, false)
		s.g.unlock()
	}()

	if s.closed.Load() {
		return "", ErrClosed
	}

	frame, err := s.encode(mnemonic, floor)
	if err != nil {
		return "", err
	}
	return s.roundTrip(op, frame)
}

// observe reports the final outcome of op, after validation and parsing,
// when the returned function runs:
//
//	defer s.observe(OpHeaterActive)(&err)
func (s *Session) observe(op Operation) func(*error) {
	start := time.Now()
	return func(err *error) {
		s.observer.ObserveCommand(s.port, string(op), time.Since(start), result(*err))
	}
}

func (s *Session) encode(mnemonic string, floor int) (protocol.Frame, error) {
	if !s.strict {
		return protocol.Encode(mnemonic, *s.deviceID, floor)
	}

	frame, err := protocol.EncodeStrict(mnemonic, *s.deviceID, floor)
	var rangeErr *protocol.FieldRangeError
	if errors.As(err, &rangeErr) {
		return frame, &ValidationError{Field: rangeErr.Field, Value: rangeErr.Value, Min: 0, Max: 0xFF}
	}
	return frame, err
}

func (s *Session) roundTrip(op Operation, frame protocol.Frame) (string, error) {
	mnemonic := frame.Mnemonic()

	if err := s.t.Send(frame.Payload, frame.Length, frame.DeviceID, frame.StackFloor); err != nil {
		return "", &TransportError{Op: "send", Mnemonic: mnemonic, Err: err}
	}
	s.logger.Debugf("Sent %s to floor %d", mnemonic, frame.StackFloor)

	s.settle(op)

	raw, err := s.t.Read()
	if err != nil {
		return "", &TransportError{Op: "read", Mnemonic: mnemonic, Err: err}
	}

	clean := protocol.Sanitize(raw, *s.deviceID)
	s.logger.Debugf("Response to %s: %q", mnemonic, clean)

	if err := protocol.CheckResponse(clean, mnemonic); err != nil {
		return "", err
	}
	return clean, nil
}

func (s *Session) settle(op Operation) {
	if d := s.delays.For(op); d > 0 {
		s.sleep(d)
	}
}

func result(err error) string {
	var (
		parseErr     *ParseError
		transportErr *TransportError
		validErr     *ValidationError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrProtocol):
		return "invalid_command"
	case errors.As(err, &parseErr):
		return "parse_error"
	case errors.As(err, &validErr):
		return "validation_error"
	case errors.As(err, &transportErr):
		return "transport_error"
	}
	return "error"
}

// toWire validates v against r, in tenths, before anything is sent.
func toWire(field string, v float64, r Range) (int, error) {
	invalid := &ValidationError{
		Field: field,
		Value: v,
		Min:   protocol.FromTenths(r.Min),
		Max:   protocol.FromTenths(r.Max),
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, invalid
	}
	if v < protocol.FromTenths(r.Min) || v > protocol.FromTenths(r.Max) {
		return 0, invalid
	}
	wire := protocol.ToTenths(v)
	if !r.Contains(wire) {
		return 0, invalid
	}
	return wire, nil
}

func (s *Session) Initialize(floor int) (err error) {
	defer s.observe(OpInitialize)(&err)

	if _, err := s.exec(OpInitialize, floor, protocol.CmdInitialize); err != nil {
		return err
	}
	s.logger.Infof("%s incubator initialized at stack floor %d", s.family.Name, floor)
	return nil
}

// Reset soft resets the device. The device answers 88 whether or not the
// reset worked, so the answer is returned without interpretation.
func (s *Session) Reset(floor int) (_ string, err error) {
	defer s.observe(OpReset)(&err)

	resp, err := s.exec(OpReset, floor, protocol.CmdReset)
	if err != nil {
		return "", err
	}
	s.logger.Infof("Device reset at stack floor %d", floor)
	return resp, nil
}

// ReportErrorFlags returns the raw error flags, "0" when there are none.
func (s *Session) ReportErrorFlags(floor int) (_ string, err error) {
	defer s.observe(OpErrorFlags)(&err)

	resp, err := s.exec(OpErrorFlags, floor, protocol.CmdErrorFlags)
	if err != nil {
		return "", err
	}
	s.logger.Debugf("Error flags response: %s", resp)
	return resp, nil
}

// ActualTemperature returns the temperature of the main sensor in °C.
func (s *Session) ActualTemperature(floor int) (float64, error) {
	return s.readTemperature(OpActualTemp, floor, protocol.CmdActualTemp)
}

func (s *Session) TargetTemperature(floor int) (float64, error) {
	return s.readTemperature(OpTargetTemp, floor, protocol.CmdTargetTemp)
}

func (s *Session) readTemperature(op Operation, floor int, cmd string) (_ float64, err error) {
	defer s.observe(op)(&err)

	resp, err := s.exec(op, floor, cmd)
	if err != nil {
		return 0, err
	}
	temp, err := protocol.ParseTenths(resp)
	if err != nil {
		return 0, &ParseError{Mnemonic: cmd, Raw: resp}
	}
	s.logger.Debugf("%s: %.1f", op, temp)
	return temp, nil
}

// SetTargetTemperature sets the target in °C, 0.0 to 80.0 with one decimal.
// It returns the device's acknowledgement.
func (s *Session) SetTargetTemperature(floor int, celsius float64) (_ string, err error) {
	defer s.observe(OpSetTargetTemp)(&err)

	wire, err := toWire("temperature", celsius, s.family.Temperature)
	if err != nil {
		s.logger.Errorf("Invalid target temperature %v", celsius)
		return "", err
	}

	resp, err := s.exec(OpSetTargetTemp, floor, protocol.SetTemperature(s.family.SetTempCmd, wire))
	if err != nil {
		return "", err
	}
	s.logger.Infof("Target temperature set to %.1f at stack floor %d", protocol.FromTenths(wire), floor)
	return resp, nil
}

func (s *Session) StartHeater(floor int) (err error) {
	defer s.observe(OpStartHeater)(&err)

	_, err = s.exec(OpStartHeater, floor, protocol.CmdHeaterOn)
	return err
}

func (s *Session) StopHeater(floor int) (err error) {
	defer s.observe(OpStopHeater)(&err)

	_, err = s.exec(OpStopHeater, floor, protocol.CmdHeaterOff)
	return err
}

// HeaterActive reports whether heating or cooling is on: 0 is off, 1 is on
// and 2 is on with booster.
func (s *Session) HeaterActive(floor int) (_ bool, err error) {
	defer s.observe(OpHeaterActive)(&err)

	resp, err := s.exec(OpHeaterActive, floor, protocol.CmdHeaterStatus)
	if err != nil {
		return false, err
	}

	switch v, err := protocol.ParseInt(resp); {
	case err != nil:
	case v == 0:
		return false, nil
	case v == 1, v == 2:
		return true, nil
	}
	s.logger.Errorf("Unable to parse heater status response: %q", resp)
	return false, &ParseError{Mnemonic: protocol.CmdHeaterStatus, Raw: resp}
}

func (s *Session) OpenDoor(floor int) (err error) {
	defer s.observe(OpOpenDoor)(&err)

	if _, err := s.exec(OpOpenDoor, floor, protocol.CmdOpenDoor); err != nil {
		return err
	}
	s.logger.Infof("Opened door at stack floor %d", floor)
	return nil
}

func (s *Session) CloseDoor(floor int) (err error) {
	defer s.observe(OpCloseDoor)(&err)

	if _, err := s.exec(OpCloseDoor, floor, protocol.CmdCloseDoor); err != nil {
		return err
	}
	s.logger.Infof("Closed door at stack floor %d", floor)
	return nil
}

// DoorStatus returns 0 when the door is closed and 1 when it is open.
func (s *Session) DoorStatus(floor int) (int, error) {
	return s.readCode(OpDoorStatus, floor, protocol.CmdDoorStatus)
}

// Labware returns 0 for no labware, 1 for labware present, 7 for an error
// after reset with the door closed and 8 for an error with the door open.
func (s *Session) Labware(floor int) (int, error) {
	return s.readCode(OpLabware, floor, protocol.CmdLabware)
}

func (s *Session) readCode(op Operation, floor int, cmd string) (_ int, err error) {
	defer s.observe(op)(&err)

	resp, err := s.exec(op, floor, cmd)
	if err != nil {
		return 0, err
	}
	v, err := protocol.ParseInt(resp)
	if err != nil {
		return 0, &ParseError{Mnemonic: cmd, Raw: resp}
	}
	return v, nil
}

// Shaker start modes.
const (
	ShakerOn              = "1"
	ShakerOnNoLabwareScan = "ND"
)

// StartShaker starts shaking. mode is "1", or "ND" to skip labware detection.
func (s *Session) StartShaker(floor int, mode string) (err error) {
	defer s.observe(OpStartShaker)(&err)

	if mode != ShakerOn && mode != ShakerOnNoLabwareScan {
		s.logger.Errorf("Invalid shaker mode %q", mode)
		return &ValidationError{Field: "shaker mode", Value: mode}
	}

	if _, err := s.exec(OpStartShaker, floor, protocol.CmdShaker+mode); err != nil {
		return err
	}
	s.logger.Infof("Started shaker at stack floor %d", floor)
	return nil
}

func (s *Session) StopShaker(floor int) (err error) {
	defer s.observe(OpStopShaker)(&err)

	if _, err := s.exec(OpStopShaker, floor, protocol.CmdShaker+"0"); err != nil {
		return err
	}
	s.logger.Infof("Stopped shaker at stack floor %d", floor)
	return nil
}

// ShakerActive reports whether the shaker runs: 1 is active, 0 and 2 are not.
func (s *Session) ShakerActive(floor int) (_ bool, err error) {
	defer s.observe(OpShakerActive)(&err)

	resp, err := s.exec(OpShakerActive, floor, protocol.CmdShakerStatus)
	if err != nil {
		return false, err
	}

	switch v, err := protocol.ParseInt(resp); {
	case err != nil:
	case v == 0, v == 2:
		return false, nil
	case v == 1:
		return true, nil
	}
	s.logger.Errorf("Unable to parse shaker status response: %q", resp)
	return false, &ParseError{Mnemonic: protocol.CmdShakerStatus, Raw: resp}
}

// SetShakerParameters sets amplitude in mm (0.0 to 3.0) and frequency in Hz
// (6.6 to 30.0) on both axes, with no phase shift.
func (s *Session) SetShakerParameters(floor int, amplitude, frequency float64) (err error) {
	defer s.observe(OpShakerParams)(&err)

	amp, err := toWire("amplitude", amplitude, s.family.Amplitude)
	if err != nil {
		return err
	}
	freq, err := toWire("frequency", frequency, s.family.Frequency)
	if err != nil {
		return err
	}

	if _, err := s.exec(OpShakerParams, floor, protocol.ShakerParams(amp, freq)); err != nil {
		return fmt.Errorf("unable to set shaker parameters: %w", err)
	}
	s.logger.Infof("Shaker parameters set at stack floor %d", floor)
	return nil
}
