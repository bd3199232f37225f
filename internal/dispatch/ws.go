// Package dispatch pushes match offers and live location broadcasts to
// connected clients.
package dispatch

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/taxi-dispatch/internal/models"
)

// Session wraps one websocket connection; writes are serialized per
// connection.
type Session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *Session) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// Registry holds connected driver/viewer sessions keyed by client id.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry { return &Registry{sessions: make(map[string]*Session)} }

func (r *Registry) Add(clientID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[clientID] = &Session{conn: conn}
}

func (r *Registry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, clientID)
}

// Offer pushes a match offer to the winning driver's session, if connected.
func (r *Registry) Offer(driverID string, offer models.MatchOffer) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.send(map[string]any{"type": "match_offer", "offer": offer})
}

type locationBroadcast struct {
	Type      string          `json:"type"`
	DriverID  string          `json:"driver_id"`
	Location  models.Location `json:"location"`
	Timestamp time.Time       `json:"timestamp"`
}

// BroadcastLocation fans a location update out to every session except the
// originating driver. Delivery is best-effort: a dead session is dropped
// from the registry rather than failing the update path.
func (r *Registry) BroadcastLocation(driverID string, loc models.Location) {
	msg := locationBroadcast{Type: "location_broadcast", DriverID: driverID, Location: loc, Timestamp: loc.Timestamp}

	r.mu.RLock()
	targets := make(map[string]*Session, len(r.sessions))
	for id, s := range r.sessions {
		if id != driverID {
			targets[id] = s
		}
	}
	r.mu.RUnlock()

	for id, s := range targets {
		if err := s.send(msg); err != nil {
			r.Remove(id)
		}
	}
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
