// Package statusws serves a read-only websocket feed of bus-load and active
// DTC counts, for a local dashboard to watch without polling.
package statusws

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/serebryakov7/isobuscore/diagnostic"
)

// DefaultPushInterval is how often a connected client receives a fresh
// snapshot.
const DefaultPushInterval = 2 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Snapshot is one JSON status push.
type Snapshot struct {
	BusLoadPercent float64 `json:"bus_load_percent"`
	ActiveDTCs     int     `json:"active_dtcs"`
	Timestamp      int64   `json:"timestamp_unix_ms"`
}

// Server upgrades HTTP connections to websockets and pushes a Snapshot to
// every connected client on PushInterval.
type Server struct {
	proto         *diagnostic.Protocol
	busLoad       func() float64
	PushInterval  time.Duration
	nowUnixMillis func() int64

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// New returns a Server reading DTC counts from proto and bus load from
// busLoad. nowUnixMillis lets tests supply a deterministic clock; nil uses
// time.Now.
func New(proto *diagnostic.Protocol, busLoad func() float64, nowUnixMillis func() int64) *Server {
	if nowUnixMillis == nil {
		nowUnixMillis = func() int64 { return time.Now().UnixMilli() }
	}
	return &Server{
		proto:         proto,
		busLoad:       busLoad,
		PushInterval:  DefaultPushInterval,
		nowUnixMillis: nowUnixMillis,
		clients:       make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP implements http.Handler, upgrading the connection and
// registering it for the periodic push loop.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("statusws: upgrade failed: %v", err)
		return
	}
	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()

	go s.readUntilClosed(conn)
}

// readUntilClosed drains (and discards) inbound frames until the client
// disconnects, then removes the client.
func (s *Server) readUntilClosed(conn *websocket.Conn) {
	defer s.remove(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) remove(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	conn.Close()
}

// Run drives the periodic push loop until ctx-like stop is closed.
func (s *Server) Run(stop <-chan struct{}) {
	interval := s.PushInterval
	if interval <= 0 {
		interval = DefaultPushInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.broadcast()
		}
	}
}

func (s *Server) broadcast() {
	load := 0.0
	if s.busLoad != nil {
		load = s.busLoad()
	}
	snap := Snapshot{
		BusLoadPercent: load,
		ActiveDTCs:     len(s.proto.ActiveDTCs()),
		Timestamp:      s.nowUnixMillis(),
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			delete(s.clients, conn)
			conn.Close()
		}
	}
}
