package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tarm/serial"
)

const (
	DefaultBaud        = 19200
	DefaultReadTimeout = 2 * time.Second

	pollInterval = 10 * time.Millisecond
)

// Serial talks to the tower directly over a COM port.
type Serial struct {
	baud        int
	readTimeout time.Duration
	logger      log.FieldLogger

	mu   sync.Mutex
	port *serial.Port
}

func NewSerial(baud int, readTimeout time.Duration, logger log.FieldLogger) *Serial {
	if baud <= 0 {
		baud = DefaultBaud
	}
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}
	return &Serial{
		baud:        baud,
		readTimeout: readTimeout,
		logger:      logger.WithField("component", "serial"),
	}
}

func (s *Serial) Open(name string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port != nil {
		return StatusOpenFailed, ErrPortInUse
	}

	config := &serial.Config{
		Name:        name,
		Baud:        s.baud,
		Parity:      serial.ParityNone,
		Size:        8,
		StopBits:    serial.Stop1,
		ReadTimeout: 100 * time.Millisecond,
	}
	port, err := serial.OpenPort(config)
	if err != nil {
		return StatusOpenFailed, fmt.Errorf("failed to open %s: %w", name, err)
	}

	s.port = port
	s.logger.Infof("Opened %s at %d baud", name, s.baud)
	return StatusOpened, nil
}

func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

func (s *Serial) Send(payload []byte, length, deviceID, stackFloor byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return ErrNotOpen
	}

	msg := make([]byte, 0, 3+len(payload))
	msg = append(msg, length, deviceID, stackFloor)
	msg = append(msg, payload...)

	// Drop anything left over from a previous command.
	if err := s.port.Flush(); err != nil {
		s.logger.Debugf("Flush failed: %v", err)
	}

	_, err := s.port.Write(msg)
	return err
}

// Read collects bytes until a line terminator, until the line goes quiet
// after some data arrived, or until the read timeout.
func (s *Serial) Read() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return "", ErrNotOpen
	}

	deadline := time.Now().Add(s.readTimeout)
	buf := make([]byte, 0, 64)
	tmp := make([]byte, 64)
	for time.Now().Before(deadline) {
		n, err := s.port.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			if hasTerminator(tmp[:n]) {
				break
			}
			continue
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return string(buf), err
		}
		if len(buf) > 0 {
			break
		}
		time.Sleep(pollInterval)
	}

	return string(buf), nil
}

func hasTerminator(b []byte) bool {
	for _, c := range b {
		if c == '\r' || c == '\n' {
			return true
		}
	}
	return false
}
