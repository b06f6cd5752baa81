package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	DiscoveryPort    = 32227
	discoveryMessage = "alpacadiscovery1"
)

// DiscoveryResponder answers discovery broadcasts with the port of the REST server.
type DiscoveryResponder struct {
	addr     string
	port     int
	response []byte
	logger   log.FieldLogger
}

func NewDiscoveryResponder(addr string, apiPort int, logger log.FieldLogger) *DiscoveryResponder {
	return &DiscoveryResponder{
		addr:     addr,
		port:     DiscoveryPort,
		response: []byte(fmt.Sprintf(`{"AlpacaPort": %d}`, apiPort)),
		logger:   logger,
	}
}

// Run serves discovery requests until ctx is done.
func (d *DiscoveryResponder) Run(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(d.addr, fmt.Sprint(d.port)))
	if err != nil {
		return fmt.Errorf("cannot resolve discovery address: %w", err)
	}

	sock, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("cannot bind discovery socket: %w", err)
	}
	defer sock.Close()

	d.logger.Debugf("Discovery responder started on %s", sock.LocalAddr())
	return d.serve(ctx, sock)
}

func (d *DiscoveryResponder) serve(ctx context.Context, sock *net.UDPConn) error {
	buf := make([]byte, 1024)
	for {
		if ctx.Err() != nil {
			return nil
		}

		// Wake up periodically to notice cancellation.
		sock.SetReadDeadline(time.Now().Add(time.Second))

		n, from, err := sock.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			d.logger.Debugf("Error reading discovery socket: %v", err)
			continue
		}

		data := string(buf[:n])
		d.logger.Debugf("Received %q from %s", data, from)
		if !strings.Contains(data, discoveryMessage) {
			continue
		}
		if _, err := sock.WriteToUDP(d.response, from); err != nil {
			d.logger.Errorf("Error answering %s: %v", from, err)
		}
	}
}
