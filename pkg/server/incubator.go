package server

import (
	"net/http"
	"net/url"

	"incubator/pkg/incubator"
)

// IncubatorStatus is the last known state of one incubator. Readings are nil
// until they have been read once.
type IncubatorStatus struct {
	TargetTemperature          *float64 `json:"TargetTemperature"`
	ActualTemperature          *float64 `json:"ActualTemperature"`
	ShakerActive               *bool    `json:"ShakerActive"`
	HeaterActive               *bool    `json:"HeaterActive"`
	Incubating                 bool     `json:"Incubating"`
	IncubationSecondsRemaining int      `json:"IncubationSecondsRemaining"`
	Busy                       bool     `json:"Busy"`
}

func (st IncubatorStatus) ToProperties() []StateProperty {
	return []StateProperty{
		{"TargetTemperature", st.TargetTemperature},
		{"ActualTemperature", st.ActualTemperature},
		{"ShakerActive", st.ShakerActive},
		{"HeaterActive", st.HeaterActive},
		{"Incubating", st.Incubating},
		{"IncubationSecondsRemaining", st.IncubationSecondsRemaining},
		{"Busy", st.Busy},
	}
}

// Defaults used when a request leaves a parameter out.
const (
	DefaultTemperature     = 22.0
	DefaultAmplitude       = 2.0
	DefaultShakerFrequency = 14.2
)

// IncubateRequest starts an incubation. A ShakerFrequency of 0 means no
// shaking. With Wait the call returns once Seconds have passed.
type IncubateRequest struct {
	Temperature     float64
	ShakerFrequency float64
	Seconds         int
	Wait            bool
}

type Incubator interface {
	Device

	// Busy reports whether a command is in flight on the incubator's port.
	Busy() bool
	// Status returns fresh readings, or the cached ones while busy.
	Status() IncubatorStatus

	Initialize() error
	Reset() (string, error)
	ErrorFlags() (string, error)

	ActualTemperature() (float64, error)
	TargetTemperature() (float64, error)
	SetTargetTemperature(celsius float64) (string, error)
	StartHeater() error
	StopHeater() error
	HeaterActive() (bool, error)

	OpenDoor() error
	CloseDoor() error
	DoorStatus() (int, error)
	Labware() (int, error)

	StartShaker(mode string) error
	StopShaker() error
	ShakerActive() (bool, error)
	SetShakerParameters(amplitude, frequency float64) error

	Incubate(req IncubateRequest) error
	// OpenTray stops the shaker if needed and opens the door.
	OpenTray() error
	CloseTray() error
}

type IncubatorHandler struct {
	DeviceHandler
	dev Incubator
}

func NewIncubatorHandler(dev Incubator) *IncubatorHandler {
	return &IncubatorHandler{
		DeviceHandler: DeviceHandler{dev: dev},
		dev:           dev,
	}
}

func (ih *IncubatorHandler) RegisterRoutes(mux *http.ServeMux) {
	ih.DeviceHandler.RegisterRoutes(mux)

	mux.HandleFunc("GET /busy", handle(ih.handleBusy))
	mux.HandleFunc("GET /status", handle(ih.handleStatus))
	mux.HandleFunc("GET /errorflags", handle(ih.handleErrorFlags))
	mux.HandleFunc("GET /actualtemperature", handle(ih.handleActualTemperature))
	mux.HandleFunc("GET /targettemperature", handle(ih.handleTargetTemperature))
	mux.HandleFunc("GET /heateractive", handle(ih.handleHeaterActive))
	mux.HandleFunc("GET /doorstatus", handle(ih.handleDoorStatus))
	mux.HandleFunc("GET /labware", handle(ih.handleLabware))
	mux.HandleFunc("GET /shakeractive", handle(ih.handleShakerActive))

	mux.HandleFunc("PUT /initialize", handle(ih.handleInitialize))
	mux.HandleFunc("PUT /reset", handle(ih.handleReset))
	mux.HandleFunc("PUT /targettemperature", handle(ih.handleSetTargetTemperature))
	mux.HandleFunc("PUT /startheater", handle(ih.handleStartHeater))
	mux.HandleFunc("PUT /stopheater", handle(ih.handleStopHeater))
	mux.HandleFunc("PUT /opendoor", handle(ih.handleOpenDoor))
	mux.HandleFunc("PUT /closedoor", handle(ih.handleCloseDoor))
	mux.HandleFunc("PUT /startshaker", handle(ih.handleStartShaker))
	mux.HandleFunc("PUT /stopshaker", handle(ih.handleStopShaker))
	mux.HandleFunc("PUT /shakerparameters", handle(ih.handleShakerParameters))
	mux.HandleFunc("PUT /incubate", handle(ih.handleIncubate))
	mux.HandleFunc("PUT /open", handle(ih.handleOpenTray))
	mux.HandleFunc("PUT /close", handle(ih.handleCloseTray))

	mux.HandleFunc("GET /ws", streamState(ih.dev))
}

func (ih *IncubatorHandler) handleBusy(r *http.Request, _ url.Values) (any, error) {
	return ih.dev.Busy(), nil
}

func (ih *IncubatorHandler) handleStatus(r *http.Request, _ url.Values) (any, error) {
	if !ih.dev.Connected() {
		return nil, ErrNotConnected
	}
	return ih.dev.Status(), nil
}

func (ih *IncubatorHandler) handleErrorFlags(r *http.Request, _ url.Values) (any, error) {
	return ih.dev.ErrorFlags()
}

func (ih *IncubatorHandler) handleActualTemperature(r *http.Request, _ url.Values) (any, error) {
	return ih.dev.ActualTemperature()
}

func (ih *IncubatorHandler) handleTargetTemperature(r *http.Request, _ url.Values) (any, error) {
	return ih.dev.TargetTemperature()
}

func (ih *IncubatorHandler) handleHeaterActive(r *http.Request, _ url.Values) (any, error) {
	return ih.dev.HeaterActive()
}

func (ih *IncubatorHandler) handleDoorStatus(r *http.Request, _ url.Values) (any, error) {
	return ih.dev.DoorStatus()
}

func (ih *IncubatorHandler) handleLabware(r *http.Request, _ url.Values) (any, error) {
	return ih.dev.Labware()
}

func (ih *IncubatorHandler) handleShakerActive(r *http.Request, _ url.Values) (any, error) {
	return ih.dev.ShakerActive()
}

func (ih *IncubatorHandler) handleInitialize(r *http.Request, _ url.Values) (any, error) {
	return nil, ih.dev.Initialize()
}

func (ih *IncubatorHandler) handleReset(r *http.Request, _ url.Values) (any, error) {
	return ih.dev.Reset()
}

func (ih *IncubatorHandler) handleSetTargetTemperature(r *http.Request, params url.Values) (any, error) {
	temp, err := floatParam(params, "Temperature", DefaultTemperature)
	if err != nil {
		return nil, err
	}
	return ih.dev.SetTargetTemperature(temp)
}

func (ih *IncubatorHandler) handleStartHeater(r *http.Request, _ url.Values) (any, error) {
	return nil, ih.dev.StartHeater()
}

func (ih *IncubatorHandler) handleStopHeater(r *http.Request, _ url.Values) (any, error) {
	return nil, ih.dev.StopHeater()
}

func (ih *IncubatorHandler) handleOpenDoor(r *http.Request, _ url.Values) (any, error) {
	return nil, ih.dev.OpenDoor()
}

func (ih *IncubatorHandler) handleCloseDoor(r *http.Request, _ url.Values) (any, error) {
	return nil, ih.dev.CloseDoor()
}

func (ih *IncubatorHandler) handleStartShaker(r *http.Request, params url.Values) (any, error) {
	mode, ok := param(params, "Mode")
	if !ok {
		mode = incubator.ShakerOnNoLabwareScan
	}
	return nil, ih.dev.StartShaker(mode)
}

func (ih *IncubatorHandler) handleStopShaker(r *http.Request, _ url.Values) (any, error) {
	return nil, ih.dev.StopShaker()
}

func (ih *IncubatorHandler) handleShakerParameters(r *http.Request, params url.Values) (any, error) {
	amplitude, err := floatParam(params, "Amplitude", DefaultAmplitude)
	if err != nil {
		return nil, err
	}
	frequency, err := floatParam(params, "Frequency", DefaultShakerFrequency)
	if err != nil {
		return nil, err
	}
	return nil, ih.dev.SetShakerParameters(amplitude, frequency)
}

func (ih *IncubatorHandler) handleIncubate(r *http.Request, params url.Values) (any, error) {
	var (
		req IncubateRequest
		err error
	)
	if req.Temperature, err = floatParam(params, "Temperature", DefaultTemperature); err != nil {
		return nil, err
	}
	if req.ShakerFrequency, err = floatParam(params, "ShakerFrequency", DefaultShakerFrequency); err != nil {
		return nil, err
	}
	if req.Seconds, err = intParam(params, "IncubationTime", 0); err != nil {
		return nil, err
	}
	if req.Wait, err = boolParam(params, "Wait", false); err != nil {
		return nil, err
	}
	if req.Seconds < 0 {
		return nil, &incubator.ValidationError{Field: "IncubationTime", Value: req.Seconds}
	}

	return nil, ih.dev.Incubate(req)
}

func (ih *IncubatorHandler) handleOpenTray(r *http.Request, _ url.Values) (any, error) {
	return nil, ih.dev.OpenTray()
}

func (ih *IncubatorHandler) handleCloseTray(r *http.Request, _ url.Values) (any, error) {
	return nil, ih.dev.CloseTray()
}
