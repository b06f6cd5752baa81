package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

var streamInterval = time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The setup pages are served from the same host; other clients are
	// usually scripts without an Origin header.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type stateMessage struct {
	Type string          `json:"type"`
	Data []StateProperty `json:"data"`
}

// streamState pushes the device state to a websocket client until it goes away.
func streamState(dev Device) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debugf("websocket upgrade: %v", err)
			return
		}
		defer conn.Close()

		// Incoming messages are ignored, reading only detects the disconnect.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(streamInterval)
		defer ticker.Stop()

		for {
			msg := stateMessage{Type: "devicestate", Data: dev.GetState()}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}

			select {
			case <-done:
				return
			case <-ticker.C:
			}
		}
	}
}
