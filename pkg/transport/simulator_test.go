package transport

import (
	"testing"

	"incubator/pkg/protocol"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSimulator(t *testing.T) *Simulator {
	t.Helper()
	sim := NewSimulator(log.New())
	status, err := sim.Open("SIM0")
	require.NoError(t, err)
	require.Equal(t, StatusOpened, status)
	return sim
}

func send(t *testing.T, sim *Simulator, cmd string, floor byte) string {
	t.Helper()
	require.NoError(t, sim.Send([]byte(cmd), byte(len(cmd)), 2, floor))
	resp, err := sim.Read()
	require.NoError(t, err)
	return resp
}

func TestSimulatorOpen(t *testing.T) {
	sim := NewSimulator(log.New())
	sim.FailOpen(true)
	status, err := sim.Open("SIM0")
	require.NoError(t, err)
	assert.Equal(t, StatusOpenFailed, status)

	sim.FailOpen(false)
	status, _ = sim.Open("SIM0")
	assert.Equal(t, StatusOpened, status)

	status, _ = sim.Open("SIM0")
	assert.Equal(t, StatusOpenFailed, status, "second open on the same simulator")
}

func TestSimulatorResponses(t *testing.T) {
	sim := newTestSimulator(t)

	tests := []struct {
		cmd      string
		expected string
	}{
		{"AID", "`²\r\n"},
		{"RTT", "`²220\r\n"},
		{"STT300", "`²\r\n"},
		{"RTT", "`²300\r\n"},
		{"RHE", "`²0\r\n"},
		{"SHE1", "`²\r\n"},
		{"RHE", "`²1\r\n"},
		{"RDS", "`²0\r\n"},
		{"AOD", "`²\r\n"},
		{"RDS", "`²1\r\n"},
		{"RLW", "`²8\r\n"},
		{"ACD", "`²\r\n"},
		{"RLW", "`²0\r\n"},
		{"ASEND", "`²\r\n"},
		{"RSE", "`²1\r\n"},
		{"ASE0", "`²\r\n"},
		{"RSE", "`²0\r\n"},
		{"SSP20,20,142,142,000", "`²\r\n"},
		{"XYZ", "`²#\r\n"},
		{"SRS", "`²88\r\n"},
		{"RTT", "`²220\r\n"},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.expected, send(t, sim, tc.cmd, 0), tc.cmd)
	}
}

func TestSimulatorResponseTag(t *testing.T) {
	sim := newTestSimulator(t)
	cmd := "RTT"
	require.NoError(t, sim.Send([]byte(cmd), byte(len(cmd)), 12, 0))
	resp, err := sim.Read()
	require.NoError(t, err)

	assert.Equal(t, "`¹²220\r\n", resp)
	assert.Equal(t, "220", protocol.Sanitize(resp, 12))
}

func TestSimulatorFloorsAreIndependent(t *testing.T) {
	sim := newTestSimulator(t)

	send(t, sim, "STT370", 1)
	assert.Equal(t, "`²370\r\n", send(t, sim, "RTT", 1))
	assert.Equal(t, "`²220\r\n", send(t, sim, "RTT", 0))
}

func TestSimulatorHeats(t *testing.T) {
	sim := newTestSimulator(t)

	send(t, sim, "STT230", 0)
	send(t, sim, "SHE1", 0)
	assert.Equal(t, "`²220\r\n", send(t, sim, "RAT", 0))
	assert.Equal(t, "`²230\r\n", send(t, sim, "RAT", 0))
	assert.Equal(t, "`²230\r\n", send(t, sim, "RAT", 0))
}

func TestSimulatorRequiresOpen(t *testing.T) {
	sim := NewSimulator(log.New())
	assert.ErrorIs(t, sim.Send([]byte("RAT"), 3, 2, 0), ErrNotOpen)

	_, err := sim.Read()
	assert.ErrorIs(t, err, ErrNotOpen)
}

func TestSimulatorLengthMismatch(t *testing.T) {
	sim := newTestSimulator(t)
	require.NoError(t, sim.Send([]byte("RAT"), 5, 2, 0))
	resp, err := sim.Read()
	require.NoError(t, err)
	assert.Equal(t, "`²#\r\n", resp)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Claim("COM5"))
	assert.True(t, r.InUse("COM5"))
	assert.ErrorIs(t, r.Claim("COM5"), ErrPortInUse)
	assert.NoError(t, r.Claim("COM6"))
	assert.ElementsMatch(t, []string{"COM5", "COM6"}, r.Ports())

	r.Release("COM5")
	assert.False(t, r.InUse("COM5"))
	assert.NoError(t, r.Claim("COM5"))
}

func TestHasTerminator(t *testing.T) {
	assert.True(t, hasTerminator([]byte("088\r")))
	assert.True(t, hasTerminator([]byte("\n")))
	assert.False(t, hasTerminator([]byte("088")))
}
