package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/urgent-dispatch/internal/dispatch"
	"github.com/example/urgent-dispatch/internal/geo"
	"github.com/example/urgent-dispatch/internal/models"
	"github.com/example/urgent-dispatch/internal/realtime"
)

// Server exposes the dispatch core over HTTP. Authentication is handled
// upstream; the authenticated user id arrives in the X-User-ID header.
type Server struct {
	orch   *dispatch.Orchestrator
	geo    *geo.Index
	wsreg  *realtime.Registry
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(orch *dispatch.Orchestrator, geoIdx *geo.Index, wsreg *realtime.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{orch: orch, geo: geoIdx, wsreg: wsreg, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/requests", s.handleCreate).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}", s.handleGet).Methods("GET")
	s.mux.HandleFunc("/api/v1/requests/{id}/tracking", s.handleTracking).Methods("GET")
	s.mux.HandleFunc("/api/v1/requests/{id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}/reject", s.handleReject).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/requests/{id}/complete", s.handleComplete).Methods("POST")
	s.mux.HandleFunc("/internal/professional/locations", s.handleLocationUpdate).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createRequestBody struct {
	Description string        `json:"description"`
	Location    *models.Coord `json:"location"`
	RadiusKm    float64       `json:"radius_km"`
	Category    string        `json:"category"`
	ServiceID   string        `json:"service_id"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req, err := s.orch.CreateRequest(r.Context(), dispatch.CreateInput{
		ClientID:    userID(r),
		ServiceID:   body.ServiceID,
		Description: body.Description,
		Location:    body.Location,
		RadiusKm:    body.RadiusKm,
		Category:    body.Category,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	req, err := s.orch.GetRequest(r.Context(), mux.Vars(r)["id"], userID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleTracking(w http.ResponseWriter, r *http.Request) {
	entries, err := s.orch.TrackingHistory(r.Context(), mux.Vars(r)["id"], userID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Profile *models.Professional `json:"profile"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	assignment, req, err := s.orch.Accept(r.Context(), mux.Vars(r)["id"], userID(r), body.Profile)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assignment": assignment, "request": req})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if err := s.orch.Reject(r.Context(), mux.Vars(r)["id"], userID(r), body.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	req, err := s.orch.Cancel(r.Context(), mux.Vars(r)["id"], userID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	req, err := s.orch.Complete(r.Context(), mux.Vars(r)["id"], userID(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type locationUpdateBody struct {
	ProfessionalID string  `json:"professional_id"`
	Lat            float64 `json:"lat"`
	Lng            float64 `json:"lng"`
}

func (s *Server) handleLocationUpdate(w http.ResponseWriter, r *http.Request) {
	var body locationUpdateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.geo.UpdateLocation(r.Context(), body.ProfessionalID, models.Coord{Lat: body.Lat, Lng: body.Lng}); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["user_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.wsreg.Add(id, conn)
	conn.SetCloseHandler(func(code int, text string) error {
		s.wsreg.Remove(id)
		return nil
	})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrNotAuthorized), errors.Is(err, models.ErrNotOwner):
		status = http.StatusForbidden
	case errors.Is(err, models.ErrNotCandidate), errors.Is(err, models.ErrTerminalState):
		status = http.StatusConflict
	default:
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func userID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}
