package server

import (
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	log "github.com/sirupsen/logrus"
)

type ServerDescription struct {
	Name                string `json:"ServerName"`
	Manufacturer        string `json:"Manufacturer"`
	ManufacturerVersion string `json:"ManufacturerVersion"`
	Location            string `json:"Location"`
}

// Server serves the management routes, one route tree per device and the
// metrics endpoint.
type Server struct {
	description ServerDescription
	devices     []Device

	tmpl    *template.Template
	metrics http.Handler
}

// NewServer creates a Server. tmpl and metrics may be nil.
func NewServer(description ServerDescription, devices []Device, tmpl *template.Template, metrics http.Handler) *Server {
	return &Server{
		description: description,
		devices:     devices,
		tmpl:        tmpl,
		metrics:     metrics,
	}
}

type DeviceHTTPHandler interface {
	RegisterRoutes(mux *http.ServeMux)
}

func (s *Server) AddRoutes() *http.ServeMux {
	r := http.NewServeMux()

	r.HandleFunc("GET /management/apiversions", handle(s.handleAPIVersions))
	r.HandleFunc("GET /management/v1/description", handle(s.handleDescription))
	r.HandleFunc("GET /management/v1/configureddevices", handle(s.handleConfiguredDevices))
	r.HandleFunc("GET /setup", s.handleSetup)
	if s.metrics != nil {
		r.Handle("GET /metrics", s.metrics)
	}

	for _, dev := range s.devices {
		mux := http.NewServeMux()
		var handler DeviceHTTPHandler

		switch d := dev.(type) {
		case Incubator:
			log.Infof("Creating IncubatorHandler for %s", dev.DeviceInfo().Name)
			handler = NewIncubatorHandler(d)
		default:
			log.Errorf("Unknown device type: %T", dev)
			handler = NewDeviceHandler(dev)
		}
		handler.RegisterRoutes(mux)

		devType := strings.ToLower(dev.DeviceInfo().Type)
		devNumber := dev.DeviceInfo().Number

		apiPrefix := fmt.Sprintf("/api/v1/%s/%d", devType, devNumber)
		r.Handle(apiPrefix+"/", http.StripPrefix(apiPrefix, mux))

		setupPrefix := fmt.Sprintf("/setup/v1/%s/%d", devType, devNumber)
		r.Handle(setupPrefix+"/", http.StripPrefix(setupPrefix, mux))
	}

	return r
}

func (s *Server) handleAPIVersions(r *http.Request, _ url.Values) (any, error) {
	return []int{1}, nil
}

func (s *Server) handleDescription(r *http.Request, _ url.Values) (any, error) {
	return s.description, nil
}

func (s *Server) handleConfiguredDevices(r *http.Request, _ url.Values) (any, error) {
	deviceInfo := make([]DeviceInfo, 0, len(s.devices))
	for _, device := range s.devices {
		deviceInfo = append(deviceInfo, device.DeviceInfo())
	}
	return deviceInfo, nil
}

type setupEntry struct {
	DeviceInfo
	Connected bool
	Link      string
}

// handleSetup lists the devices with a link to their own setup page.
func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	if s.tmpl == nil {
		http.Error(w, "setup page not available", http.StatusNotFound)
		return
	}

	entries := make([]setupEntry, 0, len(s.devices))
	for _, dev := range s.devices {
		info := dev.DeviceInfo()
		entries = append(entries, setupEntry{
			DeviceInfo: info,
			Connected:  dev.Connected(),
			Link:       fmt.Sprintf("/setup/v1/%s/%d/setup", strings.ToLower(info.Type), info.Number),
		})
	}

	data := struct {
		Server  ServerDescription
		Devices []setupEntry
	}{s.description, entries}

	if err := s.tmpl.ExecuteTemplate(w, "setup.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
