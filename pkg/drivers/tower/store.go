package tower

import (
	"encoding/json"
	"fmt"
	"time"

	"incubator/pkg/incubator"

	bolt "go.etcd.io/bbolt"
)

const bucket = "incubator"

// Transport kinds.
const (
	TransportSerial    = "serial"
	TransportMQTT      = "mqtt"
	TransportSimulator = "sim"
)

type MQTTConfig struct {
	Broker    string `json:"broker"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	TopicRoot string `json:"topic_root"`
}

// DelaysConfig holds the settle delays in milliseconds.
type DelaysConfig struct {
	Default     int `json:"default"`
	Initialize  int `json:"initialize"`
	Reset       int `json:"reset"`
	OpenDoor    int `json:"open_door"`
	CloseDoor   int `json:"close_door"`
	StartShaker int `json:"start_shaker"`
	StopShaker  int `json:"stop_shaker"`
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func (d DelaysConfig) Delays() incubator.Delays {
	return incubator.Delays{
		Default:     ms(d.Default),
		Initialize:  ms(d.Initialize),
		Reset:       ms(d.Reset),
		OpenDoor:    ms(d.OpenDoor),
		CloseDoor:   ms(d.CloseDoor),
		StartShaker: ms(d.StartShaker),
		StopShaker:  ms(d.StopShaker),
	}
}

func delaysConfig(d incubator.Delays) DelaysConfig {
	return DelaysConfig{
		Default:     int(d.Default.Milliseconds()),
		Initialize:  int(d.Initialize.Milliseconds()),
		Reset:       int(d.Reset.Milliseconds()),
		OpenDoor:    int(d.OpenDoor.Milliseconds()),
		CloseDoor:   int(d.CloseDoor.Milliseconds()),
		StartShaker: int(d.StartShaker.Milliseconds()),
		StopShaker:  int(d.StopShaker.Milliseconds()),
	}
}

// Config is the persisted configuration of one driver. A DeviceID of 0
// selects the family default.
type Config struct {
	Port       string       `json:"port"`
	Family     string       `json:"family"`
	DeviceID   int          `json:"device_id"`
	StackFloor int          `json:"stack_floor"`
	Transport  string       `json:"transport"`
	Baud       int          `json:"baud"`
	Strict     bool         `json:"strict"`
	Delays     DelaysConfig `json:"delays_ms"`
	MQTTConfig `json:"mqtt"`
}

var DefaultConfig = Config{
	Port:       "COM3",
	Family:     incubator.Inheco.Name,
	StackFloor: 0,
	Transport:  TransportSerial,
	Baud:       19200,
	Delays:     delaysConfig(incubator.DefaultDelays()),
	MQTTConfig: MQTTConfig{
		Broker:    "tcp://localhost:1883",
		TopicRoot: "incubator",
	},
}

// Validate checks the fields a session cannot be opened without.
func (c Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port cannot be empty")
	}
	if _, err := incubator.FamilyByName(c.Family); err != nil {
		return err
	}
	if c.DeviceID < 0 || c.StackFloor < 0 {
		return fmt.Errorf("device id and stack floor must not be negative")
	}
	switch c.Transport {
	case TransportSerial:
		if c.Baud <= 0 {
			return fmt.Errorf("invalid baud rate: %d", c.Baud)
		}
	case TransportMQTT:
		if c.Broker == "" {
			return fmt.Errorf("mqtt broker cannot be empty")
		}
	case TransportSimulator:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	return nil
}

type store struct {
	db  *bolt.DB
	key string
}

// NewStore returns the store of driver number and writes defaults when no
// configuration has been saved yet.
func NewStore(db *bolt.DB, number int, defaults Config) (*store, error) {
	st := store{db: db, key: fmt.Sprintf("driver_%d", number)}

	if _, err := st.GetConfig(); err != nil {
		if err := st.SetConfig(defaults); err != nil {
			return nil, fmt.Errorf("failed to store default config: %w", err)
		}
	}
	return &st, nil
}

// SetConfig saves the configuration as a json string in the database.
func (s *store) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}

		value, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return b.Put([]byte(s.key), value)
	})
}

func (s *store) GetConfig() (Config, error) {
	var cfg Config

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s not found", bucket)
		}

		value := b.Get([]byte(s.key))
		if value == nil {
			return fmt.Errorf("key %s not found", s.key)
		}

		return json.Unmarshal(value, &cfg)
	})

	return cfg, err
}
