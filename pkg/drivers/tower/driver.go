package tower

import (
	"context"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"incubator/pkg/incubator"
	"incubator/pkg/protocol"
	"incubator/pkg/server"

	"github.com/puzpuzpuz/xsync/v3"
	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	deviceType    = "Incubator"
	driverName    = "Incubator Tower Driver"
	driverVersion = "1.0"
)

type connState int

const (
	connStateDisconnected connState = iota
	connStateConnecting
	connStateConnected
)

// Cache keys.
const (
	keyTarget = "target"
	keyActual = "actual"
	keyHeater = "heater"
	keyShaker = "shaker"
)

// IncubationObserver is told how long the running incubation has left.
type IncubationObserver interface {
	SetIncubationRemaining(floor int, seconds int)
}

type DriverOption func(*Driver)

func WithIncubationObserver(o IncubationObserver) DriverOption {
	return func(d *Driver) { d.observer = o }
}

// WithTick sets the incubation countdown step, one second by default.
func WithTick(tick time.Duration) DriverOption {
	return func(d *Driver) { d.tick = tick }
}

// Driver is one incubator of a tower, addressed by its stack floor.
type Driver struct {
	number   int
	store    *store
	tower    *Tower
	tmpl     *template.Template
	logger   log.FieldLogger
	observer IncubationObserver
	tick     time.Duration

	connMu sync.Mutex // serializes Connect and Disconnect

	mu      sync.Mutex
	state   connState
	cfg     Config
	session *incubator.Session
	cancel  context.CancelFunc
	done    chan struct{}

	// Last values read from the device, missing until read once.
	temps *xsync.MapOf[string, float64]
	flags *xsync.MapOf[string, bool]

	incubating atomic.Bool
	remaining  atomic.Int64
}

// NewDriver creates driver number. defaults are stored when the database
// holds no configuration for it yet.
func NewDriver(number int, db *bolt.DB, defaults Config, tower *Tower, tmpl *template.Template, logger log.FieldLogger, opts ...DriverOption) (*Driver, error) {
	store, err := NewStore(db, number, defaults)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	d := &Driver{
		number: number,
		store:  store,
		tower:  tower,
		tmpl:   tmpl,
		logger: logger,
		tick:   time.Second,
		state:  connStateDisconnected,
		temps:  xsync.NewMapOf[string, float64](),
		flags:  xsync.NewMapOf[string, bool](),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *Driver) Close() {
	d.logger.Info("Closing incubator driver")
	if !d.Connected() {
		return
	}
	if err := d.Disconnect(); err != nil {
		d.logger.Errorf("failed to disconnect: %v", err)
	}
}

// Connect opens or joins the session of the configured port and initializes
// the incubator.
func (d *Driver) Connect() error {
	d.connMu.Lock()
	defer d.connMu.Unlock()

	if d.Connected() {
		return nil
	}

	cfg, err := d.store.GetConfig()
	if err != nil {
		return fmt.Errorf("failed to get incubator config: %w", err)
	}

	d.setState(connStateConnecting)

	session, err := d.tower.Acquire(cfg)
	if err != nil {
		d.setState(connStateDisconnected)
		return err
	}

	if err := session.Initialize(cfg.StackFloor); err != nil {
		d.tower.Release(cfg.Port)
		d.setState(connStateDisconnected)
		return err
	}

	d.mu.Lock()
	d.cfg = cfg
	d.session = session
	d.state = connStateConnected
	d.mu.Unlock()

	d.logger.Infof("Connected to %s incubator on %s, stack floor %d", cfg.Family, cfg.Port, cfg.StackFloor)
	return nil
}

// Disconnect stops a running incubation timer and releases the session.
func (d *Driver) Disconnect() error {
	d.connMu.Lock()
	defer d.connMu.Unlock()

	d.mu.Lock()
	if d.state != connStateConnected {
		d.mu.Unlock()
		return server.ErrNotConnected
	}
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	port := d.cfg.Port
	d.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	d.mu.Lock()
	d.session = nil
	d.state = connStateDisconnected
	d.mu.Unlock()

	d.logger.Infof("Disconnected from %s", port)
	return d.tower.Release(port)
}

func (d *Driver) setState(state connState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = state
}

func (d *Driver) Connecting() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == connStateConnecting
}

func (d *Driver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == connStateConnected
}

// current returns the session and stack floor of a connected driver.
func (d *Driver) current() (*incubator.Session, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != connStateConnected {
		return nil, 0, server.ErrNotConnected
	}
	return d.session, d.cfg.StackFloor, nil
}

func (d *Driver) DeviceInfo() server.DeviceInfo {
	cfg, err := d.store.GetConfig()
	if err != nil {
		d.logger.Errorf("failed to get incubator config: %v", err)
	}

	family := cfg.Family
	if f, err := incubator.FamilyByName(cfg.Family); err == nil {
		family = f.Name
	}

	return server.DeviceInfo{
		Name:        fmt.Sprintf("Incubator %d (%s)", d.number, family),
		Description: fmt.Sprintf("%s incubator on %s, stack floor %d", family, cfg.Port, cfg.StackFloor),
		Type:        deviceType,
		Number:      d.number,
		UniqueID:    fmt.Sprintf("incubator-%s-%d", strings.ToLower(cfg.Port), cfg.StackFloor),
		StackFloor:  cfg.StackFloor,
		Port:        cfg.Port,
	}
}

func (d *Driver) DriverInfo() server.DriverInfo {
	return server.DriverInfo{
		Name:             driverName,
		Version:          driverVersion,
		InterfaceVersion: 1,
	}
}

func (d *Driver) GetState() []server.StateProperty {
	props := []server.StateProperty{
		{
			Name:  "TimeStamp",
			Value: time.Now().Format(time.RFC3339),
		},
	}

	if d.Connected() {
		props = append(props, d.Status().ToProperties()...)
	}
	return props
}

func (d *Driver) Busy() bool {
	session, _, err := d.current()
	if err != nil {
		return false
	}
	return session.Busy()
}

// Status reads fresh values when the port is idle and falls back to the
// cached ones while a command is in flight.
func (d *Driver) Status() server.IncubatorStatus {
	session, floor, err := d.current()
	if err != nil {
		return server.IncubatorStatus{}
	}

	busy := session.Busy()
	if !busy {
		d.refresh(session, floor)
	} else {
		d.logger.Debug("Port busy, using cached state")
	}

	st := server.IncubatorStatus{
		Incubating:                 d.incubating.Load(),
		IncubationSecondsRemaining: int(d.remaining.Load()),
		Busy:                       busy,
	}
	if v, ok := d.temps.Load(keyTarget); ok {
		st.TargetTemperature = &v
	}
	if v, ok := d.temps.Load(keyActual); ok {
		st.ActualTemperature = &v
	}
	if v, ok := d.flags.Load(keyHeater); ok {
		st.HeaterActive = &v
	}
	if v, ok := d.flags.Load(keyShaker); ok {
		st.ShakerActive = &v
	}
	return st
}

// refresh updates the cache. A failed read keeps the previous value.
func (d *Driver) refresh(session *incubator.Session, floor int) {
	if v, err := session.ShakerActive(floor); err == nil {
		d.flags.Store(keyShaker, v)
	} else {
		d.logger.Debugf("Shaker state: %v", err)
	}
	if v, err := session.HeaterActive(floor); err == nil {
		d.flags.Store(keyHeater, v)
	} else {
		d.logger.Debugf("Heater state: %v", err)
	}
	if v, err := session.ActualTemperature(floor); err == nil {
		d.temps.Store(keyActual, v)
	} else {
		d.logger.Debugf("Actual temperature: %v", err)
	}
	if v, err := session.TargetTemperature(floor); err == nil {
		d.temps.Store(keyTarget, v)
	} else {
		d.logger.Debugf("Target temperature: %v", err)
	}
}

func (d *Driver) Initialize() error {
	session, floor, err := d.current()
	if err != nil {
		return err
	}
	return session.Initialize(floor)
}

func (d *Driver) Reset() (string, error) {
	session, floor, err := d.current()
	if err != nil {
		return "", err
	}
	return session.Reset(floor)
}

func (d *Driver) ErrorFlags() (string, error) {
	session, floor, err := d.current()
	if err != nil {
		return "", err
	}
	return session.ReportErrorFlags(floor)
}

func (d *Driver) ActualTemperature() (float64, error) {
	session, floor, err := d.current()
	if err != nil {
		return 0, err
	}
	v, err := session.ActualTemperature(floor)
	if err != nil {
		return 0, err
	}
	d.temps.Store(keyActual, v)
	return v, nil
}

func (d *Driver) TargetTemperature() (float64, error) {
	session, floor, err := d.current()
	if err != nil {
		return 0, err
	}
	v, err := session.TargetTemperature(floor)
	if err != nil {
		return 0, err
	}
	d.temps.Store(keyTarget, v)
	return v, nil
}

func (d *Driver) SetTargetTemperature(celsius float64) (string, error) {
	session, floor, err := d.current()
	if err != nil {
		return "", err
	}
	resp, err := session.SetTargetTemperature(floor, celsius)
	if err != nil {
		return "", err
	}
	d.temps.Store(keyTarget, protocol.FromTenths(protocol.ToTenths(celsius)))
	return resp, nil
}

func (d *Driver) StartHeater() error {
	return d.switchFlag(keyHeater, true, (*incubator.Session).StartHeater)
}

func (d *Driver) StopHeater() error {
	return d.switchFlag(keyHeater, false, (*incubator.Session).StopHeater)
}

func (d *Driver) StopShaker() error {
	return d.switchFlag(keyShaker, false, (*incubator.Session).StopShaker)
}

// switchFlag runs an on/off command and records the new state on success.
func (d *Driver) switchFlag(key string, on bool, cmd func(*incubator.Session, int) error) error {
	session, floor, err := d.current()
	if err != nil {
		return err
	}
	if err := cmd(session, floor); err != nil {
		return err
	}
	d.flags.Store(key, on)
	return nil
}

func (d *Driver) HeaterActive() (bool, error) {
	session, floor, err := d.current()
	if err != nil {
		return false, err
	}
	v, err := session.HeaterActive(floor)
	if err != nil {
		return false, err
	}
	d.flags.Store(keyHeater, v)
	return v, nil
}

func (d *Driver) OpenDoor() error {
	session, floor, err := d.current()
	if err != nil {
		return err
	}
	return session.OpenDoor(floor)
}

func (d *Driver) CloseDoor() error {
	session, floor, err := d.current()
	if err != nil {
		return err
	}
	return session.CloseDoor(floor)
}

func (d *Driver) DoorStatus() (int, error) {
	session, floor, err := d.current()
	if err != nil {
		return 0, err
	}
	return session.DoorStatus(floor)
}

func (d *Driver) Labware() (int, error) {
	session, floor, err := d.current()
	if err != nil {
		return 0, err
	}
	return session.Labware(floor)
}

func (d *Driver) StartShaker(mode string) error {
	session, floor, err := d.current()
	if err != nil {
		return err
	}
	if err := session.StartShaker(floor, mode); err != nil {
		return err
	}
	d.flags.Store(keyShaker, true)
	return nil
}

func (d *Driver) ShakerActive() (bool, error) {
	session, floor, err := d.current()
	if err != nil {
		return false, err
	}
	v, err := session.ShakerActive(floor)
	if err != nil {
		return false, err
	}
	d.flags.Store(keyShaker, v)
	return v, nil
}

func (d *Driver) SetShakerParameters(amplitude, frequency float64) error {
	session, floor, err := d.current()
	if err != nil {
		return err
	}
	return session.SetShakerParameters(floor, amplitude, frequency)
}

// OpenTray stops the shaker when it was last seen running, then opens the door.
func (d *Driver) OpenTray() error {
	if shaking, _ := d.flags.Load(keyShaker); shaking {
		if err := d.StopShaker(); err != nil {
			return fmt.Errorf("failed to stop shaker: %w", err)
		}
	}
	return d.OpenDoor()
}

func (d *Driver) CloseTray() error {
	return d.CloseDoor()
}

// Incubate sets the temperature, starts the heater and, unless the frequency
// is 0, the shaker. With a duration the shaker is stopped when it runs out.
// Wait blocks until then.
func (d *Driver) Incubate(req server.IncubateRequest) error {
	session, floor, err := d.current()
	if err != nil {
		return err
	}
	if req.Seconds < 0 {
		return &incubator.ValidationError{Field: "incubation time", Value: req.Seconds}
	}
	if !d.incubating.CompareAndSwap(false, true) {
		return server.ErrIncubating
	}

	shake := req.ShakerFrequency != 0
	if err := d.startIncubation(session, floor, req, shake); err != nil {
		d.incubating.Store(false)
		return err
	}

	if req.Seconds == 0 {
		// No duration: heating and shaking go on until stopped.
		d.incubating.Store(false)
		d.logger.Infof("Incubating at %.1f °C without a time limit", req.Temperature)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := &incubation{done: make(chan struct{})}

	d.mu.Lock()
	d.cancel, d.done = cancel, run.done
	d.mu.Unlock()

	d.logger.Infof("Incubating at %.1f °C for %d s", req.Temperature, req.Seconds)
	d.setRemaining(floor, req.Seconds)
	go d.runIncubation(ctx, run, session, floor, req.Seconds, shake)

	if !req.Wait {
		return nil
	}
	<-run.done
	return run.err
}

// incubation is one timed run. err is set before done is closed.
type incubation struct {
	done chan struct{}
	err  error
}

func (d *Driver) startIncubation(session *incubator.Session, floor int, req server.IncubateRequest, shake bool) error {
	if _, err := session.SetTargetTemperature(floor, req.Temperature); err != nil {
		return fmt.Errorf("failed to set temperature: %w", err)
	}
	d.temps.Store(keyTarget, protocol.FromTenths(protocol.ToTenths(req.Temperature)))

	if err := session.StartHeater(floor); err != nil {
		return fmt.Errorf("failed to start heater: %w", err)
	}
	d.flags.Store(keyHeater, true)

	if !shake {
		return nil
	}
	if err := session.SetShakerParameters(floor, server.DefaultAmplitude, req.ShakerFrequency); err != nil {
		return fmt.Errorf("failed to set shaker parameters: %w", err)
	}
	if err := session.StartShaker(floor, incubator.ShakerOnNoLabwareScan); err != nil {
		return fmt.Errorf("failed to start shaker: %w", err)
	}
	d.flags.Store(keyShaker, true)
	return nil
}

func (d *Driver) setRemaining(floor, seconds int) {
	d.remaining.Store(int64(seconds))
	if d.observer != nil {
		d.observer.SetIncubationRemaining(floor, seconds)
	}
}

// runIncubation counts the incubation down and stops the shaker at the end.
// A cancelled incubation leaves the device as it is.
func (d *Driver) runIncubation(ctx context.Context, run *incubation, session *incubator.Session, floor, seconds int, shake bool) {
	defer func() {
		d.incubating.Store(false)
		close(run.done)
	}()

	ticker := time.NewTicker(d.tick)
	defer ticker.Stop()

	for remaining := seconds; remaining > 0; {
		select {
		case <-ctx.Done():
			d.setRemaining(floor, 0)
			d.logger.Info("Incubation cancelled")
			return
		case <-ticker.C:
			remaining--
			if remaining > 0 {
				d.setRemaining(floor, remaining)
			}
		}
	}
	d.setRemaining(floor, 0)
	d.logger.Info("Incubation time complete")

	if !shake {
		return
	}
	if err := session.StopShaker(floor); err != nil {
		d.logger.Errorf("Failed to stop shaker after incubation: %v", err)
		run.err = fmt.Errorf("failed to stop shaker: %w", err)
		return
	}
	d.flags.Store(keyShaker, false)
}

func (d *Driver) HandleSetup(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cfg, err := d.store.GetConfig()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		d.renderSetupForm(w, cfg, false, "")

	case http.MethodPost:
		cfg, err := parseSetupForm(r)
		if err != nil {
			d.renderSetupForm(w, cfg, false, err.Error())
			return
		}

		d.logger.Infof("Setting incubator config: %+v", cfg)
		if err := d.store.SetConfig(cfg); err != nil {
			d.renderSetupForm(w, cfg, false, err.Error())
			return
		}
		d.renderSetupForm(w, cfg, true, "")

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (d *Driver) renderSetupForm(w http.ResponseWriter, cfg Config, success bool, err string) {
	data := struct {
		Config
		Number    int
		Connected bool
		Success   bool
		Error     string
	}{cfg, d.number, d.Connected(), success, err}

	if err := d.tmpl.ExecuteTemplate(w, "incubator_setup.html", data); err != nil {
		http.Error(w, "Error rendering template", http.StatusInternalServerError)
		d.logger.Errorf("Error rendering template: %v", err)
	}
}

func parseSetupForm(r *http.Request) (Config, error) {
	if err := r.ParseForm(); err != nil {
		return Config{}, fmt.Errorf("error parsing form: %w", err)
	}

	cfg := DefaultConfig
	cfg.Port = strings.TrimSpace(r.FormValue("port"))
	cfg.Family = r.FormValue("family")
	cfg.Transport = r.FormValue("transport")
	cfg.Strict = r.FormValue("strict") == "true"
	cfg.Broker = r.FormValue("mqtt-broker")
	cfg.Username = r.FormValue("mqtt-username")
	cfg.Password = r.FormValue("mqtt-password")
	cfg.TopicRoot = r.FormValue("mqtt-topic-root")

	ints := []struct {
		field string
		dst   *int
	}{
		{"device-id", &cfg.DeviceID},
		{"stack-floor", &cfg.StackFloor},
		{"baud", &cfg.Baud},
		{"delay-default", &cfg.Delays.Default},
		{"delay-initialize", &cfg.Delays.Initialize},
		{"delay-reset", &cfg.Delays.Reset},
		{"delay-open-door", &cfg.Delays.OpenDoor},
		{"delay-close-door", &cfg.Delays.CloseDoor},
		{"delay-start-shaker", &cfg.Delays.StartShaker},
		{"delay-stop-shaker", &cfg.Delays.StopShaker},
	}
	for _, f := range ints {
		value := strings.TrimSpace(r.FormValue(f.field))
		if value == "" {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return cfg, fmt.Errorf("invalid %s: %q", f.field, value)
		}
		*f.dst = n
	}

	return cfg, cfg.Validate()
}
