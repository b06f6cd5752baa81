package monitor

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveCommand(t *testing.T) {
	m := NewMetrics()
	m.ObserveCommand("COM5", "heater_active", 10*time.Millisecond, "ok")
	m.ObserveCommand("COM5", "heater_active", 10*time.Millisecond, "ok")
	m.ObserveCommand("COM5", "heater_active", 10*time.Millisecond, "parse_error")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.commands.WithLabelValues("COM5", "heater_active", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.commands.WithLabelValues("COM5", "heater_active", "parse_error")))
}

func TestBusyAndRemaining(t *testing.T) {
	m := NewMetrics()
	m.SetBusy("COM5", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.busy.WithLabelValues("COM5")))
	m.SetBusy("COM5", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.busy.WithLabelValues("COM5")))

	m.SetIncubationRemaining(2, 90)
	assert.Equal(t, 90.0, testutil.ToFloat64(m.remaining.WithLabelValues("2")))
}

func TestHandler(t *testing.T) {
	m := NewMetrics()
	m.SetBusy("COM5", true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `incubator_session_busy{port="COM5"} 1`)
}
