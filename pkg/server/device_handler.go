package server

import (
	"net/http"
	"net/url"
)

type DeviceHandler struct {
	dev Device
}

func NewDeviceHandler(dev Device) *DeviceHandler {
	return &DeviceHandler{dev}
}

func (h *DeviceHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /name", handle(h.handleName))
	mux.HandleFunc("GET /description", handle(h.handleDescription))
	mux.HandleFunc("GET /driverinfo", handle(h.handleDriverInfo))
	mux.HandleFunc("GET /driverversion", handle(h.handleDriverVersion))
	mux.HandleFunc("GET /interfaceversion", handle(h.handleInterfaceVersion))
	mux.HandleFunc("GET /devicestate", handle(h.handleState))

	mux.HandleFunc("GET /connected", handle(h.handleConnected))
	mux.HandleFunc("GET /connecting", handle(h.handleConnecting))
	mux.HandleFunc("PUT /connect", handle(h.handleConnect))
	mux.HandleFunc("PUT /disconnect", handle(h.handleDisconnect))

	if setup, ok := h.dev.(SetupHandler); ok {
		mux.HandleFunc("/setup", setup.HandleSetup)
	}
}

func (h *DeviceHandler) handleName(r *http.Request, _ url.Values) (any, error) {
	return h.dev.DeviceInfo().Name, nil
}

func (h *DeviceHandler) handleDescription(r *http.Request, _ url.Values) (any, error) {
	return h.dev.DeviceInfo().Description, nil
}

func (h *DeviceHandler) handleDriverInfo(r *http.Request, _ url.Values) (any, error) {
	return h.dev.DriverInfo(), nil
}

func (h *DeviceHandler) handleDriverVersion(r *http.Request, _ url.Values) (any, error) {
	return h.dev.DriverInfo().Version, nil
}

func (h *DeviceHandler) handleInterfaceVersion(r *http.Request, _ url.Values) (any, error) {
	return h.dev.DriverInfo().InterfaceVersion, nil
}

func (h *DeviceHandler) handleState(r *http.Request, _ url.Values) (any, error) {
	return h.dev.GetState(), nil
}

func (h *DeviceHandler) handleConnected(r *http.Request, _ url.Values) (any, error) {
	return h.dev.Connected(), nil
}

func (h *DeviceHandler) handleConnecting(r *http.Request, _ url.Values) (any, error) {
	return h.dev.Connecting(), nil
}

func (h *DeviceHandler) handleConnect(r *http.Request, _ url.Values) (any, error) {
	if err := h.dev.Connect(); err != nil {
		return nil, err
	}
	return true, nil
}

func (h *DeviceHandler) handleDisconnect(r *http.Request, _ url.Values) (any, error) {
	if err := h.dev.Disconnect(); err != nil {
		return nil, err
	}
	return true, nil
}
