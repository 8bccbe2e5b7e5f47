package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/example/urgent-dispatch/internal/geo"
	"github.com/example/urgent-dispatch/internal/models"
)

// Store defines the persistence operations the dispatch core requires.
type Store interface {
	SaveRequest(ctx context.Context, r *models.UrgentRequest) error
	GetRequest(ctx context.Context, id string) (*models.UrgentRequest, error)
	UpdateRequest(ctx context.Context, r *models.UrgentRequest) error
	// AssignRequest transitions the request from pending to assigned and
	// records the professional, only if it is still pending. Whether a row
	// was updated tells concurrent accepters apart: exactly one wins.
	AssignRequest(ctx context.Context, requestID, professionalID string) (bool, error)
	CountRequestsSince(ctx context.Context, clientID string, since time.Time) (int, error)

	SaveCandidate(ctx context.Context, c *models.Candidate) error
	CandidatesByRequest(ctx context.Context, requestID string) ([]models.Candidate, error)
	// MarkCandidateResponded flips the responded flag only if it is still
	// false, returning whether a row was updated. This keeps any one
	// professional from responding twice; the cross-professional accept
	// race is settled by AssignRequest.
	MarkCandidateResponded(ctx context.Context, requestID, professionalID string, accepted bool) (bool, error)
	// ClearCandidateAccept drops the accepted flag from a candidate that
	// lost the assignment race, leaving it responded.
	ClearCandidateAccept(ctx context.Context, requestID, professionalID string) error
	CountUnresponded(ctx context.Context, requestID string) (int, error)

	SaveAssignment(ctx context.Context, a *models.Assignment) error
	SaveRejection(ctx context.Context, r *models.Rejection) error
	SaveTracking(ctx context.Context, e *models.TrackingEntry) error
	TrackingByRequest(ctx context.Context, requestID string) ([]models.TrackingEntry, error)

	// PricingRuleFor returns nil when no rule exists for the category.
	PricingRuleFor(ctx context.Context, category string) (*models.PricingRule, error)
}

// MemoryStore backs tests and local runs. It also implements geo.Directory
// over an in-process professional directory.
type MemoryStore struct {
	mu            sync.RWMutex
	requests      map[string]*models.UrgentRequest
	candidates    map[string][]*models.Candidate // by request id
	assignments   map[string]*models.Assignment  // by request id
	rejections    map[string][]*models.Rejection
	tracking      map[string][]*models.TrackingEntry
	pricing       map[string]*models.PricingRule // by lowercase category
	professionals map[string]*models.Professional
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:      make(map[string]*models.UrgentRequest),
		candidates:    make(map[string][]*models.Candidate),
		assignments:   make(map[string]*models.Assignment),
		rejections:    make(map[string][]*models.Rejection),
		tracking:      make(map[string][]*models.TrackingEntry),
		pricing:       make(map[string]*models.PricingRule),
		professionals: make(map[string]*models.Professional),
	}
}

func (m *MemoryStore) SaveRequest(ctx context.Context, r *models.UrgentRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRequest(ctx context.Context, id string) (*models.UrgentRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) UpdateRequest(ctx context.Context, r *models.UrgentRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; !ok {
		return models.ErrNotFound
	}
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *MemoryStore) AssignRequest(ctx context.Context, requestID, professionalID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[requestID]
	if !ok {
		return false, models.ErrNotFound
	}
	if r.Status != models.StatusPending {
		return false, nil
	}
	r.Status = models.StatusAssigned
	r.ProfessionalID = professionalID
	return true, nil
}

func (m *MemoryStore) CountRequestsSince(ctx context.Context, clientID string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.requests {
		if r.ClientID == clientID && !r.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) SaveCandidate(ctx context.Context, c *models.Candidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.candidates[c.RequestID] = append(m.candidates[c.RequestID], &cp)
	return nil
}

func (m *MemoryStore) CandidatesByRequest(ctx context.Context, requestID string) ([]models.Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Candidate, 0, len(m.candidates[requestID]))
	for _, c := range m.candidates[requestID] {
		out = append(out, *c)
	}
	return out, nil
}

func (m *MemoryStore) MarkCandidateResponded(ctx context.Context, requestID, professionalID string, accepted bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.candidates[requestID] {
		if c.ProfessionalID == professionalID && !c.Responded {
			c.Responded = true
			c.Accepted = accepted
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) ClearCandidateAccept(ctx context.Context, requestID, professionalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.candidates[requestID] {
		if c.ProfessionalID == professionalID {
			c.Accepted = false
			return nil
		}
	}
	return models.ErrNotFound
}

func (m *MemoryStore) CountUnresponded(ctx context.Context, requestID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, c := range m.candidates[requestID] {
		if !c.Responded {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) SaveAssignment(ctx context.Context, a *models.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.assignments[a.RequestID] = &cp
	return nil
}

func (m *MemoryStore) AssignmentByRequest(requestID string) (*models.Assignment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assignments[requestID]
	if !ok {
		return nil, false
	}
	cp := *a
	return &cp, true
}

func (m *MemoryStore) SaveRejection(ctx context.Context, r *models.Rejection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rejections[r.RequestID] = append(m.rejections[r.RequestID], &cp)
	return nil
}

func (m *MemoryStore) RejectionsByRequest(requestID string) []models.Rejection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Rejection, 0, len(m.rejections[requestID]))
	for _, r := range m.rejections[requestID] {
		out = append(out, *r)
	}
	return out
}

func (m *MemoryStore) SaveTracking(ctx context.Context, e *models.TrackingEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.tracking[e.RequestID] = append(m.tracking[e.RequestID], &cp)
	return nil
}

func (m *MemoryStore) TrackingByRequest(ctx context.Context, requestID string) ([]models.TrackingEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.TrackingEntry, 0, len(m.tracking[requestID]))
	for _, e := range m.tracking[requestID] {
		out = append(out, *e)
	}
	return out, nil
}

func (m *MemoryStore) PricingRuleFor(ctx context.Context, category string) (*models.PricingRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.pricing[strings.ToLower(category)]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) SetPricingRule(r models.PricingRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pricing[strings.ToLower(r.ServiceCategory)] = &r
}

// UpsertProfessional seeds or updates the in-process directory.
func (m *MemoryStore) UpsertProfessional(p models.Professional) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.Updated = time.Now()
	m.professionals[p.ID] = &p
}

func (m *MemoryStore) QueryBox(ctx context.Context, box geo.Box, f geo.Filter) ([]models.Professional, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Professional
	for _, p := range m.professionals {
		if !box.Contains(p.Loc) {
			continue
		}
		if f.AvailableOnly && !p.Available {
			continue
		}
		if f.Category != "" && !matchesCategory(p.Specialties, f.Category) {
			continue
		}
		out = append(out, *p)
	}
	return out, nil
}

func (m *MemoryStore) SaveLocation(ctx context.Context, professionalID string, loc models.Coord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.professionals[professionalID]
	if !ok {
		return models.ErrNotFound
	}
	p.Loc = loc
	p.Updated = time.Now()
	return nil
}

func matchesCategory(specialties []models.Specialty, category string) bool {
	want := strings.ToLower(category)
	for _, sp := range specialties {
		if strings.Contains(strings.ToLower(sp.Name), want) || strings.Contains(strings.ToLower(sp.Category), want) {
			return true
		}
	}
	return false
}
