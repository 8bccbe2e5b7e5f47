package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/example/urgent-dispatch/internal/models"
	"github.com/example/urgent-dispatch/internal/observability"
	"github.com/example/urgent-dispatch/internal/storage"
)

// Rejection reasons recorded in the audit trail.
const (
	ReasonAssignedToOther = "another professional was assigned"
	ReasonByProfessional  = "rejected by the professional"
)

const (
	defaultRateLimitMax    = 5
	defaultRateLimitWindow = time.Hour
	defaultMultiplier      = 1.5
	defaultMinPrice        = 50.0

	MinRadiusKm = 1.0
	MaxRadiusKm = 50.0
)

// Matcher produces the ranked candidate list for a request.
type Matcher interface {
	FindCandidates(ctx context.Context, center models.Coord, radiusKm float64, category string, retry bool) []models.ScoredCandidate
}

// NotificationGateway delivers in-app/push notifications. Failures are
// swallowed by the orchestrator; a lost notification never fails the
// operation that triggered it.
type NotificationGateway interface {
	CreateNotification(ctx context.Context, userID, typ, message string, payload map[string]any) error
}

// RealtimeGateway pushes live updates to connected sessions, best-effort.
type RealtimeGateway interface {
	NotifyStatusUpdate(ctx context.Context, req *models.UrgentRequest, extra map[string]any)
	NotifyAccepted(ctx context.Context, req *models.UrgentRequest, extra map[string]any)
	NotifyToProfessionals(ctx context.Context, req *models.UrgentRequest, candidates []models.ScoredCandidate)
}

// Queue schedules dispatch work out-of-band so callers never block on
// matching or notification fan-out.
type Queue interface {
	Enqueue(ctx context.Context, job models.DispatchJob) error
}

// PaymentGateway places a hold for the price estimate once a professional
// is assigned. Optional; failures never abort the accept flow.
type PaymentGateway interface {
	Hold(ctx context.Context, amountCents int64, customerID string) (string, error)
}

// Orchestrator owns the urgent-request state machine and all of its side
// effects. All collaborators are injected at construction.
type Orchestrator struct {
	store    storage.Store
	matcher  Matcher
	notifier NotificationGateway
	realtime RealtimeGateway
	queue    Queue
	payments PaymentGateway
	logger   *slog.Logger

	rateLimitMax    int
	rateLimitWindow time.Duration
	minPrice        float64

	now func() time.Time
}

type Config struct {
	Store    storage.Store
	Matcher  Matcher
	Notifier NotificationGateway
	Realtime RealtimeGateway
	Queue    Queue
	Payments PaymentGateway // optional
	Logger   *slog.Logger

	RateLimitMax    int           // default 5
	RateLimitWindow time.Duration // default 1h
	DefaultMinPrice float64       // base price when no pricing rule exists
}

func NewOrchestrator(cfg Config) *Orchestrator {
	o := &Orchestrator{
		store:           cfg.Store,
		matcher:         cfg.Matcher,
		notifier:        cfg.Notifier,
		realtime:        cfg.Realtime,
		queue:           cfg.Queue,
		payments:        cfg.Payments,
		logger:          cfg.Logger,
		rateLimitMax:    cfg.RateLimitMax,
		rateLimitWindow: cfg.RateLimitWindow,
		minPrice:        cfg.DefaultMinPrice,
		now:             time.Now,
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.rateLimitMax <= 0 {
		o.rateLimitMax = defaultRateLimitMax
	}
	if o.rateLimitWindow <= 0 {
		o.rateLimitWindow = defaultRateLimitWindow
	}
	if o.minPrice <= 0 {
		o.minPrice = defaultMinPrice
	}
	return o
}

type CreateInput struct {
	ClientID    string
	ServiceID   string
	Description string
	Location    *models.Coord
	RadiusKm    float64
	Category    string
}

// CreateRequest validates, rate-limits, prices and persists a new request,
// then schedules the first dispatch pass without blocking the caller.
func (o *Orchestrator) CreateRequest(ctx context.Context, in CreateInput) (*models.UrgentRequest, error) {
	if in.Description == "" {
		return nil, fmt.Errorf("%w: description is required", models.ErrValidation)
	}
	if in.Location == nil {
		return nil, fmt.Errorf("%w: location is required", models.ErrValidation)
	}
	if in.RadiusKm < MinRadiusKm || in.RadiusKm > MaxRadiusKm {
		return nil, fmt.Errorf("%w: radius must be between %.0f and %.0f km", models.ErrValidation, MinRadiusKm, MaxRadiusKm)
	}

	since := o.now().Add(-o.rateLimitWindow)
	n, err := o.store.CountRequestsSince(ctx, in.ClientID, since)
	if err != nil {
		return nil, err
	}
	if n >= o.rateLimitMax {
		observability.RateLimitHits.Inc()
		return nil, fmt.Errorf("%w: at most %d requests per hour", models.ErrRateLimited, o.rateLimitMax)
	}

	estimate, err := o.estimatePrice(ctx, in.Category, in.RadiusKm)
	if err != nil {
		return nil, err
	}

	req := &models.UrgentRequest{
		ID:            uuid.NewString(),
		ClientID:      in.ClientID,
		ServiceID:     in.ServiceID,
		Description:   in.Description,
		Location:      *in.Location,
		RadiusKm:      in.RadiusKm,
		Category:      in.Category,
		Status:        models.StatusPending,
		PriceEstimate: estimate,
		CreatedAt:     o.now(),
	}
	if err := o.store.SaveRequest(ctx, req); err != nil {
		return nil, err
	}
	o.track(ctx, req.ID, "", models.StatusPending, in.ClientID, "request created")
	observability.RequestsCreated.Inc()

	if err := o.queue.Enqueue(ctx, models.DispatchJob{RequestID: req.ID}); err != nil {
		o.logger.Warn("dispatch enqueue failed", "request_id", req.ID, "error", err)
	}
	return req, nil
}

func (o *Orchestrator) estimatePrice(ctx context.Context, category string, radiusKm float64) (float64, error) {
	base := o.minPrice
	multiplier := defaultMultiplier
	rule, err := o.store.PricingRuleFor(ctx, category)
	if err != nil {
		return 0, err
	}
	if rule != nil {
		base = rule.MinPrice
		multiplier = rule.BaseMultiplier
	}
	return base * math.Max(1, radiusKm/5) * multiplier, nil
}

// HandleJob adapts the orchestrator to the queue's handler signature.
func (o *Orchestrator) HandleJob(ctx context.Context, job models.DispatchJob) {
	if err := o.Dispatch(ctx, job.RequestID, job.Retry); err != nil {
		o.logger.Error("dispatch failed", "request_id", job.RequestID, "retry", job.Retry, "error", err)
	}
}

// Dispatch finds, records and notifies candidates for a pending request.
// A missing or non-pending request is a no-op, which also makes a dispatch
// scheduled before a cancellation harmless.
func (o *Orchestrator) Dispatch(ctx context.Context, requestID string, isRetry bool) error {
	req, err := o.store.GetRequest(ctx, requestID)
	if err != nil || req.Status != models.StatusPending {
		return nil
	}
	observability.DispatchesTotal.WithLabelValues(fmt.Sprintf("%t", isRetry)).Inc()

	candidates := o.matcher.FindCandidates(ctx, req.Location, req.RadiusKm, req.Category, isRetry)
	if len(candidates) == 0 {
		observability.DispatchNoCandidates.Inc()
		o.track(ctx, req.ID, models.StatusPending, models.StatusPending, "", "no professionals available")
		return nil
	}

	existing, err := o.store.CandidatesByRequest(ctx, req.ID)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(existing))
	for _, c := range existing {
		known[c.ProfessionalID] = true
	}

	for _, c := range candidates {
		if known[c.Professional.ID] {
			continue
		}
		row := &models.Candidate{
			ID:             uuid.NewString(),
			RequestID:      req.ID,
			ProfessionalID: c.Professional.ID,
			DistanceKm:     c.DistanceKm,
		}
		if err := o.store.SaveCandidate(ctx, row); err != nil {
			return err
		}
		if c.Professional.PushEnabled {
			payload := map[string]any{
				"request_id":  req.ID,
				"distance_km": c.DistanceKm,
				"lat":         req.Location.Lat,
				"lng":         req.Location.Lng,
			}
			if c.Professional.PushToken != "" {
				payload["push_token"] = c.Professional.PushToken
			}
			o.notify(ctx, c.Professional.ID, "new_urgent_request",
				fmt.Sprintf("Urgent request %.1f km away: %s", c.DistanceKm, req.Description), payload)
		}
	}

	o.realtime.NotifyToProfessionals(ctx, req, candidates)
	return nil
}

// Accept assigns the request to the professional. Two conditional updates
// guard the race: the candidate row flip keeps one professional from
// responding twice, and the pending-to-assigned transition keeps two
// different professionals from both winning. Losers get ErrNotCandidate.
func (o *Orchestrator) Accept(ctx context.Context, requestID, professionalID string, profile *models.Professional) (*models.Assignment, *models.UrgentRequest, error) {
	req, err := o.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	if req.Status.Terminal() {
		return nil, nil, fmt.Errorf("%w: request is %s", models.ErrTerminalState, req.Status)
	}
	if req.Status != models.StatusPending {
		return nil, nil, fmt.Errorf("%w: request already %s", models.ErrNotCandidate, req.Status)
	}

	ok, err := o.store.MarkCandidateResponded(ctx, requestID, professionalID, true)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, models.ErrNotCandidate
	}

	won, err := o.store.AssignRequest(ctx, requestID, professionalID)
	if err != nil {
		return nil, nil, err
	}
	if !won {
		o.recordLostAccept(ctx, requestID, professionalID)
		return nil, nil, models.ErrNotCandidate
	}
	req.Status = models.StatusAssigned
	req.ProfessionalID = professionalID

	assignment := &models.Assignment{
		ID:             uuid.NewString(),
		RequestID:      requestID,
		ProfessionalID: professionalID,
		Status:         "active",
		AssignedAt:     o.now(),
	}
	if err := o.store.SaveAssignment(ctx, assignment); err != nil {
		return nil, nil, err
	}
	o.track(ctx, requestID, models.StatusPending, models.StatusAssigned, professionalID, "professional accepted the request")
	observability.AcceptsTotal.Inc()

	extra := map[string]any{"professional_id": professionalID}
	if profile != nil {
		extra["rating"] = profile.Rating
	}
	o.notify(ctx, req.ClientID, "request_accepted",
		"A professional accepted your urgent request", extra)
	o.realtime.NotifyAccepted(ctx, req, extra)

	if o.payments != nil {
		cents := int64(math.Round(req.PriceEstimate * 100))
		holdID, err := o.payments.Hold(ctx, cents, req.ClientID)
		if err != nil {
			o.logger.Warn("payment hold failed", "request_id", requestID, "error", err)
		} else {
			req.PaymentHoldID = holdID
			if err := o.store.UpdateRequest(ctx, req); err != nil {
				o.logger.Warn("payment hold reference not persisted", "request_id", requestID, "hold_id", holdID, "error", err)
			}
		}
	}

	o.cascadeRejections(ctx, req, professionalID)
	return assignment, req, nil
}

// recordLostAccept closes out an accept that lost the assignment race: the
// candidate row stays responded but drops its accepted flag, and the loss
// is recorded like any other cascade rejection.
func (o *Orchestrator) recordLostAccept(ctx context.Context, requestID, professionalID string) {
	if err := o.store.ClearCandidateAccept(ctx, requestID, professionalID); err != nil {
		o.logger.Error("lost-accept cleanup failed", "request_id", requestID, "professional_id", professionalID, "error", err)
	}
	rej := &models.Rejection{
		ID:             uuid.NewString(),
		RequestID:      requestID,
		ProfessionalID: professionalID,
		Reason:         ReasonAssignedToOther,
		CreatedAt:      o.now(),
	}
	if err := o.store.SaveRejection(ctx, rej); err != nil {
		o.logger.Error("lost-accept rejection save failed", "request_id", requestID, "professional_id", professionalID, "error", err)
	}
	o.notify(ctx, professionalID, "request_taken",
		"The urgent request was assigned to another professional",
		map[string]any{"request_id": requestID})
}

// cascadeRejections closes out every other unresponded candidate once one
// professional has been chosen.
func (o *Orchestrator) cascadeRejections(ctx context.Context, req *models.UrgentRequest, winnerID string) {
	candidates, err := o.store.CandidatesByRequest(ctx, req.ID)
	if err != nil {
		o.logger.Error("cascade lookup failed", "request_id", req.ID, "error", err)
		return
	}
	for _, c := range candidates {
		if c.Responded || c.ProfessionalID == winnerID {
			continue
		}
		flipped, err := o.store.MarkCandidateResponded(ctx, req.ID, c.ProfessionalID, false)
		if err != nil || !flipped {
			continue
		}
		rej := &models.Rejection{
			ID:             uuid.NewString(),
			RequestID:      req.ID,
			ProfessionalID: c.ProfessionalID,
			Reason:         ReasonAssignedToOther,
			CreatedAt:      o.now(),
		}
		if err := o.store.SaveRejection(ctx, rej); err != nil {
			o.logger.Error("cascade rejection save failed", "request_id", req.ID, "professional_id", c.ProfessionalID, "error", err)
			continue
		}
		o.notify(ctx, c.ProfessionalID, "request_taken",
			"The urgent request was assigned to another professional",
			map[string]any{"request_id": req.ID})
	}
}

// Reject records a professional's refusal. Exhausting the candidate pool
// triggers a retry dispatch.
func (o *Orchestrator) Reject(ctx context.Context, requestID, professionalID, reason string) error {
	req, err := o.store.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status.Terminal() {
		return fmt.Errorf("%w: request is %s", models.ErrTerminalState, req.Status)
	}
	ok, err := o.store.MarkCandidateResponded(ctx, requestID, professionalID, false)
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrNotCandidate
	}
	if reason == "" {
		reason = ReasonByProfessional
	}
	rej := &models.Rejection{
		ID:             uuid.NewString(),
		RequestID:      requestID,
		ProfessionalID: professionalID,
		Reason:         reason,
		CreatedAt:      o.now(),
	}
	if err := o.store.SaveRejection(ctx, rej); err != nil {
		return err
	}
	observability.RejectsTotal.Inc()

	left, err := o.store.CountUnresponded(ctx, requestID)
	if err != nil {
		return err
	}
	if left == 0 {
		if err := o.queue.Enqueue(ctx, models.DispatchJob{RequestID: requestID, Retry: true}); err != nil {
			o.logger.Warn("retry enqueue failed", "request_id", requestID, "error", err)
		}
	}
	return nil
}

// Cancel is available to the creating client while the request is pending.
// Cancelling an assigned request needs product input and is rejected for
// now.
func (o *Orchestrator) Cancel(ctx context.Context, requestID, clientID string) (*models.UrgentRequest, error) {
	req, err := o.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.ClientID != clientID {
		return nil, models.ErrNotOwner
	}
	if req.Status.Terminal() {
		return nil, fmt.Errorf("%w: request is %s", models.ErrTerminalState, req.Status)
	}
	if req.Status == models.StatusAssigned {
		return nil, fmt.Errorf("%w: request already assigned", models.ErrValidation)
	}

	prev := req.Status
	req.Status = models.StatusCancelled
	if err := o.store.UpdateRequest(ctx, req); err != nil {
		return nil, err
	}
	o.track(ctx, requestID, prev, models.StatusCancelled, clientID, "cancelled by client")

	candidates, err := o.store.CandidatesByRequest(ctx, requestID)
	if err == nil {
		for _, c := range candidates {
			if c.Responded {
				continue
			}
			o.notify(ctx, c.ProfessionalID, "request_cancelled",
				"The urgent request was cancelled by the client",
				map[string]any{"request_id": requestID})
		}
	}
	o.realtime.NotifyStatusUpdate(ctx, req, nil)
	return req, nil
}

// Complete closes an assigned request. Either party may mark it complete.
func (o *Orchestrator) Complete(ctx context.Context, requestID, actorID string) (*models.UrgentRequest, error) {
	req, err := o.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() {
		return nil, fmt.Errorf("%w: request is %s", models.ErrTerminalState, req.Status)
	}
	if actorID != req.ClientID && actorID != req.ProfessionalID {
		return nil, models.ErrNotAuthorized
	}
	if req.Status != models.StatusAssigned {
		return nil, fmt.Errorf("%w: request is not assigned", models.ErrValidation)
	}

	now := o.now()
	req.Status = models.StatusCompleted
	req.CompletedAt = &now
	if err := o.store.UpdateRequest(ctx, req); err != nil {
		return nil, err
	}
	o.track(ctx, requestID, models.StatusAssigned, models.StatusCompleted, actorID, "request completed")

	other := req.ProfessionalID
	if actorID == req.ProfessionalID {
		other = req.ClientID
	}
	o.notify(ctx, other, "request_completed",
		"The urgent request was marked as completed",
		map[string]any{"request_id": requestID})
	o.realtime.NotifyStatusUpdate(ctx, req, nil)
	return req, nil
}

// GetRequest enforces read access: the client, the assigned professional,
// or any listed candidate.
func (o *Orchestrator) GetRequest(ctx context.Context, requestID, requesterID string) (*models.UrgentRequest, error) {
	req, err := o.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if requesterID == req.ClientID || (req.ProfessionalID != "" && requesterID == req.ProfessionalID) {
		return req, nil
	}
	candidates, err := o.store.CandidatesByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	for _, c := range candidates {
		if c.ProfessionalID == requesterID {
			return req, nil
		}
	}
	return nil, models.ErrNotAuthorized
}

// TrackingHistory returns the audit trail, restricted to the two parties.
func (o *Orchestrator) TrackingHistory(ctx context.Context, requestID, requesterID string) ([]models.TrackingEntry, error) {
	req, err := o.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if requesterID != req.ClientID && (req.ProfessionalID == "" || requesterID != req.ProfessionalID) {
		return nil, models.ErrNotAuthorized
	}
	return o.store.TrackingByRequest(ctx, requestID)
}

func (o *Orchestrator) track(ctx context.Context, requestID string, prev, next models.RequestStatus, actor, note string) {
	e := &models.TrackingEntry{
		ID:             uuid.NewString(),
		RequestID:      requestID,
		PreviousStatus: prev,
		NewStatus:      next,
		ChangedBy:      actor,
		Notes:          note,
		CreatedAt:      o.now(),
	}
	if err := o.store.SaveTracking(ctx, e); err != nil {
		o.logger.Error("tracking write failed", "request_id", requestID, "error", err)
	}
}

func (o *Orchestrator) notify(ctx context.Context, userID, typ, message string, payload map[string]any) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.CreateNotification(ctx, userID, typ, message, payload); err != nil {
		o.logger.Warn("notification failed", "user_id", userID, "type", typ, "error", err)
	}
}
