package server

import (
	"errors"
	"net/http"
)

var (
	ErrNotConnected   = errors.New("device not connected")
	ErrNotImplemented = errors.New("not implemented")
	ErrIncubating     = errors.New("an incubation is already running")
)

type DeviceInfo struct {
	Name        string `json:"DeviceName"`
	Description string `json:"-"`
	Type        string `json:"DeviceType"`
	Number      int    `json:"DeviceNumber"`
	UniqueID    string `json:"UniqueID"`
	StackFloor  int    `json:"StackFloor"`
	Port        string `json:"Port"`
}

type DriverInfo struct {
	Name             string
	Version          string
	InterfaceVersion int
}

type StateProperty struct {
	Name  string
	Value interface{}
}

type Device interface {
	DeviceInfo() DeviceInfo
	DriverInfo() DriverInfo
	GetState() []StateProperty

	Connected() bool
	Connecting() bool
	Connect() error
	Disconnect() error
}

// SetupHandler is implemented by devices with a configuration page.
type SetupHandler interface {
	HandleSetup(w http.ResponseWriter, r *http.Request)
}
