// Package transport provides the byte level links to an incubator tower.
//
// A Transport mirrors the vendor communication library: Open returns a status
// code (77 on success), Send hands over an already framed command and Read
// returns whatever text the device answered.
package transport

import (
	"errors"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"
)

// Status codes returned by Open.
const (
	StatusOpened     = 77
	StatusOpenFailed = 170
)

var (
	ErrPortInUse = errors.New("port already open")
	ErrNotOpen   = errors.New("transport not open")
)

type Transport interface {
	// Open connects to the tower on port and returns the library status code.
	Open(port string) (int, error)
	// Close is best effort, the device gives no answer.
	Close() error
	Send(payload []byte, length, deviceID, stackFloor byte) error
	Read() (string, error)
}

// Registry tracks the ports currently held by a session so a second session
// on the same port is refused.
type Registry struct {
	ports *xsync.MapOf[string, struct{}]
}

func NewRegistry() *Registry {
	return &Registry{ports: xsync.NewMapOf[string, struct{}]()}
}

// Claim marks port as open.
func (r *Registry) Claim(port string) error {
	if _, loaded := r.ports.LoadOrStore(port, struct{}{}); loaded {
		return fmt.Errorf("%w: %s", ErrPortInUse, port)
	}
	return nil
}

func (r *Registry) Release(port string) {
	r.ports.Delete(port)
}

func (r *Registry) InUse(port string) bool {
	_, ok := r.ports.Load(port)
	return ok
}

// Ports returns the ports currently claimed.
func (r *Registry) Ports() []string {
	ports := make([]string, 0, r.ports.Size())
	r.ports.Range(func(port string, _ struct{}) bool {
		ports = append(ports, port)
		return true
	})
	return ports
}
