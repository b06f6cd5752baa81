package transport

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

const DefaultBridgeTimeout = 5 * time.Second

// bridgeFrame is published on "<root>/commands" for the host that owns the
// vendor library.
type bridgeFrame struct {
	Port       string `json:"port"`
	Length     byte   `json:"length"`
	DeviceID   byte   `json:"device_id"`
	StackFloor byte   `json:"stack_floor"`
	Payload    string `json:"payload"`
}

// MQTT forwards frames to a remote bridge over an MQTT broker. The bridge
// answers every message on "<root>/responses": the open status for an open
// request and the raw device text for a command.
type MQTT struct {
	client  mqtt.Client
	root    string
	timeout time.Duration
	logger  log.FieldLogger

	mu        sync.Mutex
	port      string
	responses chan string
}

func NewMQTT(client mqtt.Client, root string, timeout time.Duration, logger log.FieldLogger) *MQTT {
	if timeout <= 0 {
		timeout = DefaultBridgeTimeout
	}
	return &MQTT{
		client:    client,
		root:      strings.TrimSuffix(root, "/"),
		timeout:   timeout,
		logger:    logger.WithField("component", "mqtt-bridge"),
		responses: make(chan string, 1),
	}
}

func (m *MQTT) topic(name string) string {
	return m.root + "/" + name
}

func (m *MQTT) Open(port string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.client.IsConnected() {
		return StatusOpenFailed, fmt.Errorf("MQTT client is not connected")
	}
	if m.port != "" {
		return StatusOpenFailed, ErrPortInUse
	}

	if token := m.client.Subscribe(m.topic("responses"), 1, m.responseHandler); token.Wait() && token.Error() != nil {
		return StatusOpenFailed, fmt.Errorf("failed to subscribe to responses topic: %v", token.Error())
	}

	if err := m.publish("open", map[string]string{"port": port}); err != nil {
		m.client.Unsubscribe(m.topic("responses"))
		return StatusOpenFailed, err
	}

	resp, err := m.wait()
	if err != nil {
		m.client.Unsubscribe(m.topic("responses"))
		return StatusOpenFailed, err
	}

	status, err := strconv.Atoi(strings.TrimSpace(resp))
	if err != nil {
		m.client.Unsubscribe(m.topic("responses"))
		return StatusOpenFailed, fmt.Errorf("invalid open status %q", resp)
	}
	if status != StatusOpened {
		m.client.Unsubscribe(m.topic("responses"))
		return status, nil
	}
	m.port = port
	return status, nil
}

func (m *MQTT) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.port == "" {
		return nil
	}
	err := m.publish("close", map[string]string{"port": m.port})
	m.client.Unsubscribe(m.topic("responses"))
	m.port = ""
	return err
}

func (m *MQTT) Send(payload []byte, length, deviceID, stackFloor byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.port == "" {
		return ErrNotOpen
	}
	m.drain()

	frame := bridgeFrame{
		Port:       m.port,
		Length:     length,
		DeviceID:   deviceID,
		StackFloor: stackFloor,
		Payload:    string(payload),
	}
	m.logger.Debugf("Sending command: %+v", frame)
	return m.publish("commands", frame)
}

func (m *MQTT) Read() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.port == "" {
		return "", ErrNotOpen
	}
	return m.wait()
}

func (m *MQTT) publish(name string, v any) error {
	msg, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if token := m.client.Publish(m.topic(name), 1, false, msg); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish %s: %v", name, token.Error())
	}
	return nil
}

func (m *MQTT) wait() (string, error) {
	select {
	case resp := <-m.responses:
		return resp, nil
	case <-time.After(m.timeout):
		return "", fmt.Errorf("timeout waiting for response")
	}
}

// drain discards a response that arrived after its reader gave up.
func (m *MQTT) drain() {
	for {
		select {
		case resp := <-m.responses:
			m.logger.Warnf("Discarding stale response: %q", resp)
		default:
			return
		}
	}
}

func (m *MQTT) responseHandler(client mqtt.Client, msg mqtt.Message) {
	resp := string(msg.Payload())
	m.logger.Debugf("Response: %q", resp)

	select {
	case m.responses <- resp:
	case <-time.After(1 * time.Second):
		m.logger.Warn("Timeout while sending response to the channel")
	}
}
