// Package tower exposes each stack floor of an incubator tower as a device.
// Drivers on the same port share one session.
package tower

import (
	"fmt"
	"sync"
	"time"

	"incubator/pkg/incubator"
	"incubator/pkg/transport"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

// TransportFactory builds the transport described by cfg.
type TransportFactory func(cfg Config) (transport.Transport, error)

// createMQTTClient connects to the broker the bridge listens on.
func createMQTTClient(cfg MQTTConfig) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.SetClientID(fmt.Sprintf("incubator-server-%d", time.Now().UnixNano()))
	opts.AddBroker(cfg.Broker)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return client, nil
}

// mqttLink disconnects from the broker once the bridge port is closed.
type mqttLink struct {
	*transport.MQTT
	client mqtt.Client
}

func (l *mqttLink) Close() error {
	err := l.MQTT.Close()
	l.client.Disconnect(100)
	return err
}

// NewTransportFactory returns the factory used by the server.
func NewTransportFactory(logger log.FieldLogger) TransportFactory {
	return func(cfg Config) (transport.Transport, error) {
		switch cfg.Transport {
		case TransportSerial:
			return transport.NewSerial(cfg.Baud, transport.DefaultReadTimeout, logger), nil
		case TransportMQTT:
			client, err := createMQTTClient(cfg.MQTTConfig)
			if err != nil {
				return nil, err
			}
			return &mqttLink{
				MQTT:   transport.NewMQTT(client, cfg.TopicRoot, transport.DefaultBridgeTimeout, logger),
				client: client,
			}, nil
		case TransportSimulator:
			return transport.NewSimulator(logger), nil
		}
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

type shared struct {
	session *incubator.Session
	refs    int
}

// Tower hands out one session per port and closes it when the last driver
// releases it.
type Tower struct {
	registry     *transport.Registry
	observer     incubator.Observer
	newTransport TransportFactory
	logger       log.FieldLogger

	mu       sync.Mutex
	sessions map[string]*shared
}

// NewTower creates a Tower. observer may be nil.
func NewTower(registry *transport.Registry, observer incubator.Observer, factory TransportFactory, logger log.FieldLogger) *Tower {
	return &Tower{
		registry:     registry,
		observer:     observer,
		newTransport: factory,
		logger:       logger,
		sessions:     make(map[string]*shared),
	}
}

// Acquire returns the session of cfg.Port, opening it on first use.
func (t *Tower) Acquire(cfg Config) (*incubator.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	family, err := incubator.FamilyByName(cfg.Family)
	if err != nil {
		return nil, err
	}

	if sh, ok := t.sessions[cfg.Port]; ok {
		if sh.session.Family().Name != family.Name {
			t.logger.Warnf("Port %s is open as %s, ignoring family %s", cfg.Port, sh.session.Family().Name, family.Name)
		}
		sh.refs++
		return sh.session, nil
	}

	tr, err := t.newTransport(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s transport: %w", cfg.Transport, err)
	}

	opts := []incubator.Option{
		incubator.WithFamily(family),
		incubator.WithDelays(cfg.Delays.Delays()),
		incubator.WithStrict(cfg.Strict),
		incubator.WithLogger(t.logger),
		incubator.WithRegistry(t.registry),
	}
	if cfg.DeviceID > 0 {
		opts = append(opts, incubator.WithDeviceID(cfg.DeviceID))
	}
	if t.observer != nil {
		opts = append(opts, incubator.WithObserver(t.observer))
	}

	session, err := incubator.Open(tr, cfg.Port, opts...)
	if err != nil {
		tr.Close()
		return nil, err
	}

	t.sessions[cfg.Port] = &shared{session: session, refs: 1}
	return session, nil
}

// Release drops one reference to the session of port.
func (t *Tower) Release(port string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	sh, ok := t.sessions[port]
	if !ok {
		return fmt.Errorf("no session on %s", port)
	}

	sh.refs--
	if sh.refs > 0 {
		return nil
	}
	delete(t.sessions, port)
	return sh.session.Close()
}

// Close closes every open session.
func (t *Tower) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for port, sh := range t.sessions {
		sh.session.Close()
		delete(t.sessions, port)
	}
}
