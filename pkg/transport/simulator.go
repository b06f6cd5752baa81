package transport

import (
	"strconv"
	"strings"
	"sync"

	"incubator/pkg/protocol"

	log "github.com/sirupsen/logrus"
)

const (
	simDefaultTarget    = 220 // tenths of a degree
	simAmbient          = 210
	simDefaultAmplitude = 20
	simDefaultFrequency = 142
	simHeatStep         = 10 // tenths of a degree per temperature read
)

// simFloor holds the state of one simulated incubator in the tower.
type simFloor struct {
	actual    int
	target    int
	heater    int
	door      int
	shaker    int
	labware   int
	amplitude int
	frequency int
	errors    int
}

func newSimFloor() *simFloor {
	return &simFloor{
		actual:    simAmbient,
		target:    simDefaultTarget,
		amplitude: simDefaultAmplitude,
		frequency: simDefaultFrequency,
	}
}

// Simulator emulates a tower of incubators. Responses carry the same
// backtick and device ID artifacts as the vendor library.
type Simulator struct {
	logger log.FieldLogger

	mu       sync.Mutex
	open     bool
	failOpen bool
	deviceID byte
	floors   map[byte]*simFloor
	pending  []string
	sent     []string
}

func NewSimulator(logger log.FieldLogger) *Simulator {
	return &Simulator{
		logger: logger.WithField("component", "simulator"),
		floors: make(map[byte]*simFloor),
	}
}

// FailOpen makes the next Open report StatusOpenFailed.
func (s *Simulator) FailOpen(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOpen = fail
}

// SetLabware places or removes a plate on floor.
func (s *Simulator) SetLabware(floor byte, present bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.floor(floor)
	f.labware = 0
	if present {
		f.labware = 1
	}
}

// Sent returns the mnemonics received so far.
func (s *Simulator) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func (s *Simulator) Open(port string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failOpen || s.open {
		return StatusOpenFailed, nil
	}
	s.open = true
	s.logger.Infof("Simulated tower opened on %s", port)
	return StatusOpened, nil
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	s.pending = nil
	return nil
}

func (s *Simulator) Send(payload []byte, length, deviceID, stackFloor byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return ErrNotOpen
	}

	cmd := string(payload)
	if int(length) != len(payload) {
		s.pending = append(s.pending, "#")
		return nil
	}

	s.deviceID = deviceID
	s.sent = append(s.sent, cmd)
	s.pending = append(s.pending, s.execute(s.floor(stackFloor), cmd))
	return nil
}

func (s *Simulator) Read() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return "", ErrNotOpen
	}
	if len(s.pending) == 0 {
		return "", nil
	}

	resp := s.pending[0]
	s.pending = s.pending[1:]
	return "`" + protocol.Superscript(int(s.deviceID)) + resp + "\r\n", nil
}

func (s *Simulator) floor(n byte) *simFloor {
	f, ok := s.floors[n]
	if !ok {
		f = newSimFloor()
		s.floors[n] = f
	}
	return f
}

func (s *Simulator) execute(f *simFloor, cmd string) string {
	s.logger.Debugf("Command: %s", cmd)

	switch {
	case cmd == "AID":
		return ""
	case cmd == "SRS":
		*f = *newSimFloor()
		return "88"
	case cmd == "REF":
		return strconv.Itoa(f.errors)

	case cmd == "RAT":
		f.approachTarget()
		return strconv.Itoa(f.actual)
	case cmd == "RTT":
		return strconv.Itoa(f.target)
	case strings.HasPrefix(cmd, "STT"), strings.HasPrefix(cmd, "SFF"):
		v, err := strconv.Atoi(cmd[3:])
		if err != nil || v < 0 || v > 800 {
			return "#"
		}
		f.target = v
		return ""
	case cmd == "SHE1":
		f.heater = 1
		return ""
	case cmd == "SHE":
		f.heater = 0
		return ""
	case cmd == "RHE":
		return strconv.Itoa(f.heater)

	case cmd == "AOD":
		f.door = 1
		if f.shaker == 1 {
			f.shaker = 0
		}
		return ""
	case cmd == "ACD":
		f.door = 0
		return ""
	case cmd == "RDS":
		return strconv.Itoa(f.door)
	case cmd == "RLW":
		if f.door == 1 {
			return "8"
		}
		return strconv.Itoa(f.labware)

	case cmd == "ASE1", cmd == "ASEND":
		if f.door == 1 {
			f.shaker = 2
			return ""
		}
		f.shaker = 1
		return ""
	case cmd == "ASE0":
		f.shaker = 0
		return ""
	case cmd == "RSE":
		return strconv.Itoa(f.shaker)
	case strings.HasPrefix(cmd, "SSP"):
		parts := strings.Split(cmd[3:], ",")
		if len(parts) != 5 {
			return "#"
		}
		amp, err1 := strconv.Atoi(parts[0])
		freq, err2 := strconv.Atoi(parts[2])
		if err1 != nil || err2 != nil {
			return "#"
		}
		f.amplitude = amp
		f.frequency = freq
		return ""
	}

	return "#"
}

func (f *simFloor) approachTarget() {
	goal := simAmbient
	if f.heater != 0 {
		goal = f.target
	}
	switch {
	case f.actual < goal:
		f.actual = min(f.actual+simHeatStep, goal)
	case f.actual > goal:
		f.actual = max(f.actual-simHeatStep, goal)
	}
}
