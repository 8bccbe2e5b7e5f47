package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// RequestStatus is the lifecycle state of an urgent request.
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusAssigned  RequestStatus = "assigned"
	StatusCompleted RequestStatus = "completed"
	StatusCancelled RequestStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type UrgentRequest struct {
	ID             string        `json:"id"`
	ClientID       string        `json:"client_id"`
	ServiceID      string        `json:"service_id,omitempty"`
	Description    string        `json:"description"`
	Location       Coord         `json:"location"`
	RadiusKm       float64       `json:"radius_km"`
	Category       string        `json:"category,omitempty"`
	Status         RequestStatus `json:"status"`
	PriceEstimate  float64       `json:"price_estimate"`
	ProfessionalID string        `json:"assigned_professional_id,omitempty"`
	// PaymentHoldID references the payment intent held for the estimate;
	// settlement reads it out-of-band.
	PaymentHoldID string `json:"-"`
	CreatedAt      time.Time     `json:"created_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
}

// Candidate links a request to a professional that was notified about it.
type Candidate struct {
	ID             string  `json:"id"`
	RequestID      string  `json:"request_id"`
	ProfessionalID string  `json:"professional_id"`
	DistanceKm     float64 `json:"distance_km"`
	Responded      bool    `json:"responded"`
	Accepted       bool    `json:"accepted"`
}

type Assignment struct {
	ID             string    `json:"id"`
	RequestID      string    `json:"request_id"`
	ProfessionalID string    `json:"professional_id"`
	Status         string    `json:"status"`
	AssignedAt     time.Time `json:"assigned_at"`
}

// Rejection is append-only; one row per (request, professional, reason).
type Rejection struct {
	ID             string    `json:"id"`
	RequestID      string    `json:"request_id"`
	ProfessionalID string    `json:"professional_id"`
	Reason         string    `json:"reason"`
	CreatedAt      time.Time `json:"created_at"`
}

// TrackingEntry is the append-only audit log of status transitions.
type TrackingEntry struct {
	ID             string        `json:"id"`
	RequestID      string        `json:"request_id"`
	PreviousStatus RequestStatus `json:"previous_status"`
	NewStatus      RequestStatus `json:"new_status"`
	ChangedBy      string        `json:"changed_by,omitempty"`
	Notes          string        `json:"notes"`
	CreatedAt      time.Time     `json:"created_at"`
}

type PricingRule struct {
	ServiceCategory string  `json:"service_category"`
	BaseMultiplier  float64 `json:"base_multiplier"`
	MinPrice        float64 `json:"min_price"`
}

type Specialty struct {
	Name     string `json:"name"`
	Category string `json:"category"`
}

// Professional is the directory view of a worker as the matcher sees it.
type Professional struct {
	ID          string      `json:"id"`
	Loc         Coord       `json:"loc"`
	Rating      float64     `json:"rating"` // 0..5 average
	ReviewCount int         `json:"review_count"`
	Available   bool        `json:"available"`
	PushEnabled bool        `json:"push_enabled"`
	PushToken   string      `json:"push_token,omitempty"`
	Specialties []Specialty `json:"specialties,omitempty"`
	Updated     time.Time   `json:"updated"`
}

// ScoredCandidate is a professional annotated by the geo index and matcher.
type ScoredCandidate struct {
	Professional Professional `json:"professional"`
	DistanceKm   float64      `json:"distance_km"`
	Score        int          `json:"score"`
}

// DispatchJob is the unit of work placed on the dispatch queue.
type DispatchJob struct {
	RequestID string `json:"request_id"`
	Retry     bool   `json:"retry"`
}
