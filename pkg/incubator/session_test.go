package incubator

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"incubator/pkg/protocol"
	"incubator/pkg/transport"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func noDelays() Delays {
	return Delays{}
}

func openMock(t *testing.T, opts ...Option) (*Session, *MockTransport) {
	t.Helper()
	m := &MockTransport{}
	m.On("Open", "COM5").Return(transport.StatusOpened, nil).Once()

	opts = append([]Option{WithDelays(noDelays()), WithLogger(log.New())}, opts...)
	s, err := Open(m, "COM5", opts...)
	require.NoError(t, err)
	return s, m
}

func TestOpen(t *testing.T) {
	s, m := openMock(t)
	assert.Equal(t, "COM5", s.Port())
	assert.Equal(t, 2, s.DeviceID())
	assert.Equal(t, Inheco, s.Family())
	assert.False(t, s.Busy())
	m.AssertExpectations(t)
}

func TestOpenFailedStatus(t *testing.T) {
	m := &MockTransport{}
	m.On("Open", "COM5").Return(transport.StatusOpenFailed, nil).Once()

	_, err := Open(m, "COM5", WithLogger(log.New()))
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "COM5", connErr.Port)
	assert.Equal(t, transport.StatusOpenFailed, connErr.Status)
}

func TestOpenTransportError(t *testing.T) {
	m := &MockTransport{}
	boom := errors.New("no such port")
	m.On("Open", "COM9").Return(0, boom).Once()

	_, err := Open(m, "COM9", WithLogger(log.New()))
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.ErrorIs(t, err, boom)
}

func TestOpenSamePortTwice(t *testing.T) {
	registry := transport.NewRegistry()
	s, _ := openMock(t, WithRegistry(registry))
	assert.True(t, registry.InUse("COM5"))

	second := &MockTransport{}
	_, err := Open(second, "COM5", WithRegistry(registry), WithLogger(log.New()))
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.ErrorIs(t, err, transport.ErrPortInUse)
	second.AssertNotCalled(t, "Open", mock.Anything)

	s.t.(*MockTransport).On("Close").Return(nil).Once()
	require.NoError(t, s.Close())
	assert.False(t, registry.InUse("COM5"))
}

func TestOpenFailureReleasesPort(t *testing.T) {
	registry := transport.NewRegistry()
	m := &MockTransport{}
	m.On("Open", "COM5").Return(transport.StatusOpenFailed, nil).Once()

	_, err := Open(m, "COM5", WithRegistry(registry), WithLogger(log.New()))
	require.Error(t, err)
	assert.False(t, registry.InUse("COM5"))
}

func TestClose(t *testing.T) {
	s, m := openMock(t)
	m.On("Close").Return(errors.New("ignored")).Once()

	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())

	_, err := s.ActualTemperature(0)
	assert.ErrorIs(t, err, ErrClosed)
	m.AssertNumberOfCalls(t, "Close", 1)
	m.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestSetTargetTemperature(t *testing.T) {
	s, m := openMock(t)
	m.expectCommand("STT300", 0, "088")

	ack, err := s.SetTargetTemperature(0, 30.0)
	require.NoError(t, err)
	assert.Equal(t, "088", ack)
	m.AssertExpectations(t)
}

func TestSetTargetTemperatureFrame(t *testing.T) {
	s, m := openMock(t)
	var sent []byte
	m.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			f := protocol.Frame{
				Payload:    args.Get(0).([]byte),
				Length:     args.Get(1).(byte),
				DeviceID:   args.Get(2).(byte),
				StackFloor: args.Get(3).(byte),
			}
			sent = f.Bytes()
		}).Return(nil).Once()
	m.On("Read").Return("088", nil).Once()

	_, err := s.SetTargetTemperature(1, 30.0)
	require.NoError(t, err)

	f, err := protocol.DecodeFrame(sent)
	require.NoError(t, err)
	assert.Equal(t, "STT300", f.Mnemonic())
	assert.Equal(t, byte(2), f.DeviceID)
	assert.Equal(t, byte(1), f.StackFloor)
}

func TestSetTargetTemperatureTekmatic(t *testing.T) {
	s, m := openMock(t, WithFamily(Tekmatic))
	m.expectCommand("SFF225", 0, "")

	_, err := s.SetTargetTemperature(0, 22.5)
	require.NoError(t, err)
	m.AssertExpectations(t)
}

func TestSetTargetTemperatureValidation(t *testing.T) {
	invalid := []float64{-0.1, -0.05, 80.05, 80.1, 100, -273, math.NaN(), math.Inf(1), math.Inf(-1)}

	for _, temp := range invalid {
		s, m := openMock(t)
		_, err := s.SetTargetTemperature(0, temp)

		var validErr *ValidationError
		require.ErrorAs(t, err, &validErr, "temperature %v", temp)
		assert.Equal(t, "temperature", validErr.Field)
		m.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	}
}

func TestSetTargetTemperatureBounds(t *testing.T) {
	s, m := openMock(t)
	m.expectCommand("STT0", 0, "")
	m.expectCommand("STT800", 0, "")

	_, err := s.SetTargetTemperature(0, 0.0)
	require.NoError(t, err)
	_, err = s.SetTargetTemperature(0, 80.0)
	require.NoError(t, err)
	m.AssertExpectations(t)
}

func TestTemperatures(t *testing.T) {
	s, m := openMock(t)
	m.expectCommand("RAT", 0, "`²345\r\n")
	m.expectCommand("RTT", 0, "`²370")

	actual, err := s.ActualTemperature(0)
	require.NoError(t, err)
	assert.Equal(t, 34.5, actual)

	target, err := s.TargetTemperature(0)
	require.NoError(t, err)
	assert.Equal(t, 37.0, target)
}

func TestTemperatureParseError(t *testing.T) {
	for _, raw := range []string{"abc", "NaN", "Inf", "1e3", "34.5"} {
		t.Run(raw, func(t *testing.T) {
			s, m := openMock(t)
			m.expectCommand("RAT", 0, raw)

			_, err := s.ActualTemperature(0)
			var parseErr *ParseError
			require.ErrorAs(t, err, &parseErr)
			assert.Equal(t, raw, parseErr.Raw)
		})
	}
}

func TestHeaterActive(t *testing.T) {
	tests := []struct {
		raw       string
		expected  bool
		expectErr bool
	}{
		{raw: "0", expected: false},
		{raw: "1", expected: true},
		{raw: "2", expected: true},
		{raw: "5", expectErr: true},
		{raw: "-1", expectErr: true},
		{raw: "on", expectErr: true},
		{raw: "", expectErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.raw, func(t *testing.T) {
			s, m := openMock(t)
			m.expectCommand("RHE", 0, tc.raw)

			active, err := s.HeaterActive(0)
			if tc.expectErr {
				var parseErr *ParseError
				require.ErrorAs(t, err, &parseErr)
				assert.Equal(t, tc.raw, parseErr.Raw)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, active)
		})
	}
}

func TestShakerActive(t *testing.T) {
	tests := []struct {
		raw       string
		expected  bool
		expectErr bool
	}{
		{raw: "0", expected: false},
		{raw: "1", expected: true},
		{raw: "2", expected: false},
		{raw: "7", expectErr: true},
		{raw: "x", expectErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.raw, func(t *testing.T) {
			s, m := openMock(t)
			m.expectCommand("RSE", 0, tc.raw)

			active, err := s.ShakerActive(0)
			if tc.expectErr {
				var parseErr *ParseError
				require.ErrorAs(t, err, &parseErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, active)
		})
	}
}

func TestInvalidCommandResponse(t *testing.T) {
	calls := []struct {
		name     string
		mnemonic string
		call     func(s *Session) error
	}{
		{"Initialize", "AID", func(s *Session) error { return s.Initialize(0) }},
		{"Reset", "SRS", func(s *Session) error { _, err := s.Reset(0); return err }},
		{"ErrorFlags", "REF", func(s *Session) error { _, err := s.ReportErrorFlags(0); return err }},
		{"ActualTemperature", "RAT", func(s *Session) error { _, err := s.ActualTemperature(0); return err }},
		{"TargetTemperature", "RTT", func(s *Session) error { _, err := s.TargetTemperature(0); return err }},
		{"SetTargetTemperature", "STT220", func(s *Session) error { _, err := s.SetTargetTemperature(0, 22); return err }},
		{"StartHeater", "SHE1", func(s *Session) error { return s.StartHeater(0) }},
		{"StopHeater", "SHE", func(s *Session) error { return s.StopHeater(0) }},
		{"HeaterActive", "RHE", func(s *Session) error { _, err := s.HeaterActive(0); return err }},
		{"OpenDoor", "AOD", func(s *Session) error { return s.OpenDoor(0) }},
		{"CloseDoor", "ACD", func(s *Session) error { return s.CloseDoor(0) }},
		{"DoorStatus", "RDS", func(s *Session) error { _, err := s.DoorStatus(0); return err }},
		{"Labware", "RLW", func(s *Session) error { _, err := s.Labware(0); return err }},
		{"StartShaker", "ASEND", func(s *Session) error { return s.StartShaker(0, "ND") }},
		{"StopShaker", "ASE0", func(s *Session) error { return s.StopShaker(0) }},
		{"ShakerActive", "RSE", func(s *Session) error { _, err := s.ShakerActive(0); return err }},
		{"ShakerParameters", "SSP20,20,142,142,000", func(s *Session) error { return s.SetShakerParameters(0, 2.0, 14.2) }},
	}

	for _, tc := range calls {
		t.Run(tc.name, func(t *testing.T) {
			s, m := openMock(t)
			m.expectCommand(tc.mnemonic, 0, "`²#")

			err := tc.call(s)
			assert.ErrorIs(t, err, ErrProtocol)
			var invalid *protocol.InvalidCommandError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, tc.mnemonic, invalid.Mnemonic)
			m.AssertExpectations(t)
		})
	}
}

func TestReportErrorFlagsSanitized(t *testing.T) {
	s, m := openMock(t)
	m.expectCommand("REF", 2, "`²0\r\n")

	flags, err := s.ReportErrorFlags(2)
	require.NoError(t, err)
	assert.Equal(t, "0", flags)
}

func TestResetPassesThrough(t *testing.T) {
	s, m := openMock(t)
	m.expectCommand("SRS", 0, "88")

	resp, err := s.Reset(0)
	require.NoError(t, err)
	assert.Equal(t, "88", resp)
}

func TestDoorAndLabware(t *testing.T) {
	s, m := openMock(t)
	m.expectCommand("AOD", 1, "")
	m.expectCommand("RDS", 1, "1")
	m.expectCommand("ACD", 1, "")
	m.expectCommand("RLW", 1, "7")

	require.NoError(t, s.OpenDoor(1))
	door, err := s.DoorStatus(1)
	require.NoError(t, err)
	assert.Equal(t, 1, door)

	require.NoError(t, s.CloseDoor(1))
	labware, err := s.Labware(1)
	require.NoError(t, err)
	assert.Equal(t, 7, labware)
	m.AssertExpectations(t)
}

func TestStartShaker(t *testing.T) {
	s, m := openMock(t)
	m.expectCommand("ASE1", 0, "")
	m.expectCommand("ASEND", 0, "")

	require.NoError(t, s.StartShaker(0, "1"))
	require.NoError(t, s.StartShaker(0, "ND"))
	m.AssertExpectations(t)
}

func TestStartShakerValidation(t *testing.T) {
	for _, mode := range []string{"BAD", "0", "nd", "", "2"} {
		s, m := openMock(t)
		err := s.StartShaker(0, mode)

		var validErr *ValidationError
		require.ErrorAs(t, err, &validErr, "mode %q", mode)
		m.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	}
}

func TestSetShakerParameters(t *testing.T) {
	s, m := openMock(t)
	m.expectCommand("SSP20,20,142,142,000", 0, "")
	m.expectCommand("SSP0,0,66,66,000", 0, "")
	m.expectCommand("SSP30,30,300,300,000", 0, "")

	require.NoError(t, s.SetShakerParameters(0, 2.0, 14.2))
	require.NoError(t, s.SetShakerParameters(0, 0.0, 6.6))
	require.NoError(t, s.SetShakerParameters(0, 3.0, 30.0))
	m.AssertExpectations(t)
}

func TestSetShakerParametersValidation(t *testing.T) {
	tests := []struct {
		amplitude float64
		frequency float64
		field     string
	}{
		{3.1, 14.2, "amplitude"},
		{-0.1, 14.2, "amplitude"},
		{2.0, 6.5, "frequency"},
		{2.0, 30.1, "frequency"},
		{2.0, 0, "frequency"},
	}

	for _, tc := range tests {
		s, m := openMock(t)
		err := s.SetShakerParameters(0, tc.amplitude, tc.frequency)

		var validErr *ValidationError
		require.ErrorAs(t, err, &validErr)
		assert.Equal(t, tc.field, validErr.Field)
		m.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	}
}

func TestTransportErrors(t *testing.T) {
	s, m := openMock(t)
	boom := errors.New("cable unplugged")
	m.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(boom).Once()

	_, err := s.ActualTemperature(0)
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, "send", transportErr.Op)
	assert.ErrorIs(t, err, boom)
	m.AssertNotCalled(t, "Read")

	m.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	m.On("Read").Return("", boom).Once()
	_, err = s.ActualTemperature(0)
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, "read", transportErr.Op)
}

func TestStrictMode(t *testing.T) {
	s, m := openMock(t, WithStrict(true))
	_, err := s.ActualTemperature(256)

	var validErr *ValidationError
	require.ErrorAs(t, err, &validErr)
	assert.Equal(t, "stack floor", validErr.Field)
	m.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	lenient, lm := openMock(t)
	lm.expectCommand("RAT", 0, "250")
	temp, err := lenient.ActualTemperature(256)
	require.NoError(t, err)
	assert.Equal(t, 25.0, temp)
}

func TestDeviceIDOption(t *testing.T) {
	m := &MockTransport{}
	m.On("Open", "COM5").Return(transport.StatusOpened, nil).Once()
	s, err := Open(m, "COM5", WithDeviceID(3), WithDelays(noDelays()), WithLogger(log.New()))
	require.NoError(t, err)

	m.On("Send", []byte("RDS"), byte(3), byte(3), byte(0)).Return(nil).Once()
	m.On("Read").Return("`³1", nil).Once()

	door, err := s.DoorStatus(0)
	require.NoError(t, err)
	assert.Equal(t, 1, door)
}

func TestSettleDelays(t *testing.T) {
	var mu sync.Mutex
	var slept []time.Duration
	sleep := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		slept = append(slept, d)
	}

	s, m := openMock(t, WithDelays(DefaultDelays()), WithSleep(sleep))
	m.expectCommand("AOD", 0, "")
	m.expectCommand("ACD", 0, "")
	m.expectCommand("SRS", 0, "88")
	m.expectCommand("AID", 0, "")
	m.expectCommand("ASEND", 0, "")
	m.expectCommand("ASE0", 0, "")
	m.expectCommand("RAT", 0, "220")

	require.NoError(t, s.OpenDoor(0))
	require.NoError(t, s.CloseDoor(0))
	_, err := s.Reset(0)
	require.NoError(t, err)
	require.NoError(t, s.Initialize(0))
	require.NoError(t, s.StartShaker(0, "ND"))
	require.NoError(t, s.StopShaker(0))
	_, err = s.ActualTemperature(0)
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{
		6 * time.Second,
		7 * time.Second,
		5 * time.Second,
		3 * time.Second,
		3 * time.Second,
		5 * time.Second,
		500 * time.Millisecond,
	}, slept)
}

func TestSettleDelayBeforeRead(t *testing.T) {
	var order []string
	sleep := func(time.Duration) { order = append(order, "settle") }

	s, m := openMock(t, WithDelays(DefaultDelays()), WithSleep(sleep))
	m.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { order = append(order, "send") }).Return(nil).Once()
	m.On("Read").Run(func(mock.Arguments) { order = append(order, "read") }).Return("0", nil).Once()

	_, err := s.DoorStatus(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"send", "settle", "read"}, order)
}

func TestBusyGuard(t *testing.T) {
	s, m := openMock(t)

	release := make(chan struct{})
	entered := make(chan struct{})
	m.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	m.On("Read").Run(func(mock.Arguments) {
		entered <- struct{}{}
		<-release
	}).Return("220", nil)

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_, err := s.ActualTemperature(0)
		assert.NoError(t, err)
	}()

	<-entered
	assert.True(t, s.Busy())

	secondDone := make(chan struct{})
	go func() {
		defer close(secondDone)
		_, err := s.TargetTemperature(0)
		assert.NoError(t, err)
	}()

	select {
	case <-secondDone:
		t.Fatal("second call completed while the first held the guard")
	case <-time.After(50 * time.Millisecond):
	}
	m.AssertNumberOfCalls(t, "Send", 1)

	release <- struct{}{}
	<-firstDone

	<-entered
	assert.True(t, s.Busy())
	m.AssertNumberOfCalls(t, "Send", 2)
	release <- struct{}{}
	<-secondDone

	assert.False(t, s.Busy())
}

type recordingObserver struct {
	mu      sync.Mutex
	results []string
	busy    []bool
}

func (o *recordingObserver) ObserveCommand(port string, op string, elapsed time.Duration, result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, op+":"+result)
}

func (o *recordingObserver) SetBusy(port string, busy bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.busy = append(o.busy, busy)
}

func TestObserver(t *testing.T) {
	obs := &recordingObserver{}
	s, m := openMock(t, WithObserver(obs))
	m.expectCommand("RHE", 0, "1")
	m.expectCommand("RSE", 0, "9")
	m.expectCommand("REF", 0, "#")
	m.expectCommand("RAT", 0, "NaN")

	_, err := s.HeaterActive(0)
	require.NoError(t, err)
	_, err = s.ShakerActive(0)
	require.Error(t, err)
	_, err = s.ReportErrorFlags(0)
	require.Error(t, err)
	_, err = s.ActualTemperature(0)
	require.Error(t, err)
	_, err = s.SetTargetTemperature(0, 99)
	require.Error(t, err)
	err = s.StartShaker(0, "2")
	require.Error(t, err)

	assert.Equal(t, []string{
		"heater_active:ok",
		"shaker_active:parse_error",
		"error_flags:invalid_command",
		"actual_temperature:parse_error",
		"set_target_temperature:validation_error",
		"start_shaker:validation_error",
	}, obs.results)
	assert.Equal(t, []bool{true, false, true, false, true, false, true, false}, obs.busy)
	m.AssertExpectations(t)
}

func TestObserverStrictEncode(t *testing.T) {
	obs := &recordingObserver{}
	s, _ := openMock(t, WithObserver(obs), WithStrict(true))

	err := s.StartHeater(300)
	var validErr *ValidationError
	require.ErrorAs(t, err, &validErr)
	assert.Equal(t, []string{"start_heater:validation_error"}, obs.results)
}

func TestFamilyByName(t *testing.T) {
	f, err := FamilyByName("Tekmatic")
	require.NoError(t, err)
	assert.Equal(t, Tekmatic, f)

	f, err = FamilyByName("")
	require.NoError(t, err)
	assert.Equal(t, Inheco, f)

	_, err = FamilyByName("liconic")
	assert.Error(t, err)
}

func TestDelaysFor(t *testing.T) {
	d := DefaultDelays()
	assert.Equal(t, 6*time.Second, d.For(OpOpenDoor))
	assert.Equal(t, 500*time.Millisecond, d.For(OpShakerParams))
	assert.Equal(t, 500*time.Millisecond, d.For(OpHeaterActive))
}
