package realtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/urgent-dispatch/internal/models"
)

// Event is the envelope written to every connected session.
type Event struct {
	Type    string                `json:"type"`
	Request *models.UrgentRequest `json:"request,omitempty"`
	Extra   map[string]any        `json:"extra,omitempty"`
}

// Session wraps a websocket connection; writes are serialized per session.
type Session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *Session) Send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(ev)
}

// Registry holds live client and professional sessions and implements the
// real-time gateway. Everything here is best-effort: a missing or broken
// session is logged and skipped.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{sessions: make(map[string]*Session), logger: logger}
}

func (r *Registry) Add(userID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[userID] = &Session{conn: conn}
}

func (r *Registry) Remove(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, userID)
}

func (r *Registry) NotifyStatusUpdate(ctx context.Context, req *models.UrgentRequest, extra map[string]any) {
	r.send(req.ClientID, Event{Type: "status_update", Request: req, Extra: extra})
}

func (r *Registry) NotifyAccepted(ctx context.Context, req *models.UrgentRequest, extra map[string]any) {
	r.send(req.ClientID, Event{Type: "request_accepted", Request: req, Extra: extra})
}

// NotifyToProfessionals fans the candidate set out to every candidate's
// session in one pass.
func (r *Registry) NotifyToProfessionals(ctx context.Context, req *models.UrgentRequest, candidates []models.ScoredCandidate) {
	for _, c := range candidates {
		r.send(c.Professional.ID, Event{
			Type:    "new_request",
			Request: req,
			Extra:   map[string]any{"distance_km": c.DistanceKm},
		})
	}
}

func (r *Registry) send(userID string, ev Event) {
	r.mu.RLock()
	s, ok := r.sessions[userID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	if err := s.Send(ev); err != nil {
		r.logger.Warn("ws send failed", "user_id", userID, "error", err)
	}
}
