package live

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const (
	writeTimeout   = 10 * time.Second
	pingInterval   = 30 * time.Second
	sessionBacklog = 64
)

// Hub upgrades client connections to websocket sessions streaming live
// events and alerts for a requested device set. Sessions are
// ephemeral: created on connect, torn down on disconnect.
type Hub struct {
	nc       *nats.Conn
	upgrader websocket.Upgrader
}

// NewHub creates a live update hub
func NewHub(nc *nats.Conn) *Hub {
	return &Hub{
		nc: nc,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Token auth happens before the upgrade; origins are not
			// restricted beyond that.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and streams updates until the client
// disconnects. The device set comes from the `devices` query
// parameter (comma-separated IDs, empty for all devices).
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("Websocket upgrade failed")
		return
	}

	session := &session{
		conn: conn,
		send: make(chan []byte, sessionBacklog),
		done: make(chan struct{}),
	}

	subjects := subjectsFor(r.URL.Query().Get("devices"))
	subs := make([]*nats.Subscription, 0, len(subjects))
	for _, subject := range subjects {
		sub, err := h.nc.Subscribe(subject, session.enqueue)
		if err != nil {
			log.Error().Err(err).Str("subject", subject).Msg("Live subscribe failed")
			continue
		}
		subs = append(subs, sub)
	}

	log.Debug().
		Str("remote", r.RemoteAddr).
		Int("subjects", len(subs)).
		Msg("Live session opened")

	go session.writeLoop()
	session.readLoop()

	// Unsubscribe does not join an in-flight delivery callback, so the
	// send channel must stay open; late enqueues fall into the drop
	// branch. The done channel tells writeLoop to finish.
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	close(session.done)

	log.Debug().Str("remote", r.RemoteAddr).Msg("Live session closed")
}

// subjectsFor maps a device list to NATS subjects
func subjectsFor(devices string) []string {
	if devices == "" {
		return []string{
			fmt.Sprintf(SubjectEvents, "*"),
			fmt.Sprintf(SubjectAlerts, "*"),
		}
	}

	var subjects []string
	for _, id := range strings.Split(devices, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		subjects = append(subjects,
			fmt.Sprintf(SubjectEvents, id),
			fmt.Sprintf(SubjectAlerts, id))
	}
	return subjects
}

// session is one connected live subscriber
type session struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// enqueue pushes a message to the session, dropping when the client
// cannot keep up. Slow subscribers must never back-pressure NATS.
func (s *session) enqueue(msg *nats.Msg) {
	select {
	case s.send <- msg.Data:
	default:
	}
}

// readLoop discards client frames; its only job is detecting close
func (s *session) readLoop() {
	s.conn.SetReadLimit(1024)
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop pumps queued updates and pings to the client
func (s *session) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.conn.Close()

	for {
		select {
		case <-s.done:
			s.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeTimeout))
			return
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
