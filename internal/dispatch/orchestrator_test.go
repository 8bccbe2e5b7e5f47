package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/example/urgent-dispatch/internal/geo"
	"github.com/example/urgent-dispatch/internal/matcher"
	"github.com/example/urgent-dispatch/internal/models"
	"github.com/example/urgent-dispatch/internal/storage"
)

type sentNotification struct {
	UserID  string
	Type    string
	Message string
	Payload map[string]any
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (f *fakeNotifier) CreateNotification(ctx context.Context, userID, typ, message string, payload map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentNotification{UserID: userID, Type: typ, Message: message, Payload: payload})
	return f.err
}

func (f *fakeNotifier) byType(typ string) []sentNotification {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentNotification
	for _, n := range f.sent {
		if n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

type fakeRealtime struct {
	mu       sync.Mutex
	fanouts  [][]models.ScoredCandidate
	accepted int
	updates  int
}

func (f *fakeRealtime) NotifyStatusUpdate(ctx context.Context, req *models.UrgentRequest, extra map[string]any) {
	f.mu.Lock()
	f.updates++
	f.mu.Unlock()
}

func (f *fakeRealtime) NotifyAccepted(ctx context.Context, req *models.UrgentRequest, extra map[string]any) {
	f.mu.Lock()
	f.accepted++
	f.mu.Unlock()
}

func (f *fakeRealtime) NotifyToProfessionals(ctx context.Context, req *models.UrgentRequest, candidates []models.ScoredCandidate) {
	f.mu.Lock()
	f.fanouts = append(f.fanouts, candidates)
	f.mu.Unlock()
}

type fakePayments struct {
	mu    sync.Mutex
	holds []int64
	err   error
}

func (f *fakePayments) Hold(ctx context.Context, amountCents int64, customerID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.holds = append(f.holds, amountCents)
	return fmt.Sprintf("hold-%d", len(f.holds)), nil
}

// recordQueue captures jobs instead of running them so tests drive
// Dispatch explicitly.
type recordQueue struct {
	mu   sync.Mutex
	jobs []models.DispatchJob
}

func (q *recordQueue) Enqueue(ctx context.Context, job models.DispatchJob) error {
	q.mu.Lock()
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()
	return nil
}

type env struct {
	store    *storage.MemoryStore
	notifier *fakeNotifier
	realtime *fakeRealtime
	queue    *recordQueue
	payments *fakePayments
	orch     *Orchestrator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := storage.NewMemoryStore()
	idx := geo.NewIndex(store, geo.NewMemoryCache(0), nil)
	m := &matcher.Service{Geo: idx, DistancePriority: true}
	notifier := &fakeNotifier{}
	rt := &fakeRealtime{}
	q := &recordQueue{}
	pay := &fakePayments{}
	orch := NewOrchestrator(Config{
		Store:    store,
		Matcher:  m,
		Notifier: notifier,
		Realtime: rt,
		Queue:    q,
		Payments: pay,
	})
	return &env{store: store, notifier: notifier, realtime: rt, queue: q, payments: pay, orch: orch}
}

var buenosAires = models.Coord{Lat: -34.6118, Lng: -58.3960}

func plumber(id string, dLat float64, push bool) models.Professional {
	return models.Professional{
		ID:          id,
		Loc:         models.Coord{Lat: buenosAires.Lat + dLat, Lng: buenosAires.Lng},
		Rating:      4.5,
		ReviewCount: 12,
		Available:   true,
		PushEnabled: push,
		Specialties: []models.Specialty{{Name: "Emergency Plumber", Category: "Home Repair"}},
	}
}

func createRequest(t *testing.T, e *env, clientID string) *models.UrgentRequest {
	t.Helper()
	req, err := e.orch.CreateRequest(context.Background(), CreateInput{
		ClientID:    clientID,
		Description: "burst pipe in the kitchen",
		Location:    &buenosAires,
		RadiusKm:    5,
		Category:    "plumber",
	})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	return req
}

func TestCreateRequestValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cases := []CreateInput{
		{ClientID: "c1", Location: &buenosAires, RadiusKm: 5},                             // missing description
		{ClientID: "c1", Description: "leak", RadiusKm: 5},                                // missing location
		{ClientID: "c1", Description: "leak", Location: &buenosAires, RadiusKm: 0.5},      // radius too small
		{ClientID: "c1", Description: "leak", Location: &buenosAires, RadiusKm: 50.0001},  // radius too large
	}
	for i, in := range cases {
		if _, err := e.orch.CreateRequest(ctx, in); !errors.Is(err, models.ErrValidation) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestCreateRequestRateLimit(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < 5; i++ {
		createRequest(t, e, "c1")
	}
	_, err := e.orch.CreateRequest(context.Background(), CreateInput{
		ClientID: "c1", Description: "leak", Location: &buenosAires, RadiusKm: 5,
	})
	if !errors.Is(err, models.ErrRateLimited) {
		t.Fatalf("expected rate limit on 6th request, got %v", err)
	}
	// a different client is unaffected
	createRequest(t, e, "c2")
}

func TestCreateRequestPriceEstimate(t *testing.T) {
	e := newEnv(t)
	e.store.SetPricingRule(models.PricingRule{ServiceCategory: "plumber", BaseMultiplier: 2.0, MinPrice: 80})
	req := createRequest(t, e, "c1") // radius 5 -> scale 1
	if req.PriceEstimate != 80*1*2.0 {
		t.Fatalf("expected 160, got %f", req.PriceEstimate)
	}

	// no rule: default base and 1.5 multiplier, radius 25 -> scale 5
	other, err := e.orch.CreateRequest(context.Background(), CreateInput{
		ClientID: "c2", Description: "leak", Location: &buenosAires, RadiusKm: 25, Category: "electrician",
	})
	if err != nil {
		t.Fatal(err)
	}
	if other.PriceEstimate != 50*5*1.5 {
		t.Fatalf("expected 375, got %f", other.PriceEstimate)
	}
}

func TestCreateRequestEnqueuesDispatch(t *testing.T) {
	e := newEnv(t)
	req := createRequest(t, e, "c1")
	if len(e.queue.jobs) != 1 || e.queue.jobs[0].RequestID != req.ID || e.queue.jobs[0].Retry {
		t.Fatalf("expected one non-retry job, got %+v", e.queue.jobs)
	}
}

func TestDispatchRadiusScenario(t *testing.T) {
	e := newEnv(t)
	e.store.UpsertProfessional(plumber("near", 0.018, true)) // ~2 km
	e.store.UpsertProfessional(plumber("far", 0.36, true))   // ~40 km
	req := createRequest(t, e, "c1")

	if err := e.orch.Dispatch(context.Background(), req.ID, false); err != nil {
		t.Fatal(err)
	}
	rows, _ := e.store.CandidatesByRequest(context.Background(), req.ID)
	if len(rows) != 1 || rows[0].ProfessionalID != "near" {
		t.Fatalf("expected only the 2 km professional, got %+v", rows)
	}
	if len(e.realtime.fanouts) != 1 || len(e.realtime.fanouts[0]) != 1 {
		t.Fatalf("expected one real-time fan-out with one candidate, got %+v", e.realtime.fanouts)
	}
}

func TestDispatchPushOnlyToOptedIn(t *testing.T) {
	e := newEnv(t)
	e.store.UpsertProfessional(plumber("push", 0.01, true))
	e.store.UpsertProfessional(plumber("quiet", 0.02, false))
	req := createRequest(t, e, "c1")

	if err := e.orch.Dispatch(context.Background(), req.ID, false); err != nil {
		t.Fatal(err)
	}
	pushes := e.notifier.byType("new_urgent_request")
	if len(pushes) != 1 || pushes[0].UserID != "push" {
		t.Fatalf("expected push only to opted-in professional, got %+v", pushes)
	}
	rows, _ := e.store.CandidatesByRequest(context.Background(), req.ID)
	if len(rows) != 2 {
		t.Fatalf("both professionals should still be candidates, got %d", len(rows))
	}
}

func TestDispatchCarriesDeviceToken(t *testing.T) {
	e := newEnv(t)
	p := plumber("push", 0.01, true)
	p.PushToken = "device-tok-1"
	e.store.UpsertProfessional(p)
	e.store.UpsertProfessional(plumber("tokenless", 0.02, true))
	req := createRequest(t, e, "c1")

	if err := e.orch.Dispatch(context.Background(), req.ID, false); err != nil {
		t.Fatal(err)
	}
	pushes := e.notifier.byType("new_urgent_request")
	if len(pushes) != 2 {
		t.Fatalf("expected both opted-in professionals pushed, got %+v", pushes)
	}
	for _, n := range pushes {
		tok, _ := n.Payload["push_token"].(string)
		switch n.UserID {
		case "push":
			if tok != "device-tok-1" {
				t.Fatalf("expected device token in payload, got %+v", n.Payload)
			}
		case "tokenless":
			if tok != "" {
				t.Fatalf("no token known, payload must not carry one: %+v", n.Payload)
			}
		default:
			t.Fatalf("unexpected recipient %q", n.UserID)
		}
	}
}

func TestDispatchNoCandidatesLeavesPending(t *testing.T) {
	e := newEnv(t)
	req := createRequest(t, e, "c1")
	if err := e.orch.Dispatch(context.Background(), req.ID, false); err != nil {
		t.Fatal(err)
	}
	got, _ := e.store.GetRequest(context.Background(), req.ID)
	if got.Status != models.StatusPending {
		t.Fatalf("expected request to stay pending, got %s", got.Status)
	}
	entries, _ := e.store.TrackingByRequest(context.Background(), req.ID)
	found := false
	for _, entry := range entries {
		if strings.Contains(entry.Notes, "no professionals available") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a no-candidates tracking entry, got %+v", entries)
	}
}

func TestDispatchIdempotentCandidates(t *testing.T) {
	e := newEnv(t)
	e.store.UpsertProfessional(plumber("p1", 0.01, true))
	req := createRequest(t, e, "c1")

	e.orch.Dispatch(context.Background(), req.ID, false)
	e.orch.Dispatch(context.Background(), req.ID, true)
	rows, _ := e.store.CandidatesByRequest(context.Background(), req.ID)
	if len(rows) != 1 {
		t.Fatalf("expected no duplicate candidate rows, got %d", len(rows))
	}
}

func TestDispatchNoOpWhenNotPending(t *testing.T) {
	e := newEnv(t)
	e.store.UpsertProfessional(plumber("p1", 0.01, true))
	req := createRequest(t, e, "c1")
	if _, err := e.orch.Cancel(context.Background(), req.ID, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := e.orch.Dispatch(context.Background(), req.ID, false); err != nil {
		t.Fatal(err)
	}
	rows, _ := e.store.CandidatesByRequest(context.Background(), req.ID)
	if len(rows) != 0 {
		t.Fatalf("dispatch after cancel must be a no-op, got %d candidates", len(rows))
	}
}

func TestAcceptCascadesRejections(t *testing.T) {
	e := newEnv(t)
	for i, id := range []string{"a", "b", "c"} {
		e.store.UpsertProfessional(plumber(id, 0.01*float64(i+1), true))
	}
	req := createRequest(t, e, "c1")
	e.orch.Dispatch(context.Background(), req.ID, false)

	assignment, updated, err := e.orch.Accept(context.Background(), req.ID, "a", nil)
	if err != nil {
		t.Fatal(err)
	}
	if assignment.ProfessionalID != "a" || updated.Status != models.StatusAssigned || updated.ProfessionalID != "a" {
		t.Fatalf("bad assignment state: %+v %+v", assignment, updated)
	}

	rejs := e.store.RejectionsByRequest(req.ID)
	if len(rejs) != 2 {
		t.Fatalf("expected N-1=2 rejections, got %d", len(rejs))
	}
	for _, r := range rejs {
		if r.Reason != ReasonAssignedToOther {
			t.Fatalf("unexpected reason %q", r.Reason)
		}
	}
	rows, _ := e.store.CandidatesByRequest(context.Background(), req.ID)
	accepted := 0
	for _, c := range rows {
		if !c.Responded {
			t.Fatalf("candidate %s left unresponded", c.ProfessionalID)
		}
		if c.Accepted {
			accepted++
		}
	}
	if accepted != 1 {
		t.Fatalf("expected exactly one accepted candidate, got %d", accepted)
	}
	if e.realtime.accepted != 1 {
		t.Fatalf("expected one real-time accept event, got %d", e.realtime.accepted)
	}
	if got := e.notifier.byType("request_taken"); len(got) != 2 {
		t.Fatalf("expected 2 losers notified, got %d", len(got))
	}
}

func TestAcceptByNonCandidate(t *testing.T) {
	e := newEnv(t)
	e.store.UpsertProfessional(plumber("a", 0.01, true))
	req := createRequest(t, e, "c1")
	e.orch.Dispatch(context.Background(), req.ID, false)

	if _, _, err := e.orch.Accept(context.Background(), req.ID, "stranger", nil); !errors.Is(err, models.ErrNotCandidate) {
		t.Fatalf("expected ErrNotCandidate, got %v", err)
	}
}

func TestSecondAcceptLoses(t *testing.T) {
	e := newEnv(t)
	e.store.UpsertProfessional(plumber("a", 0.01, true))
	e.store.UpsertProfessional(plumber("b", 0.02, true))
	req := createRequest(t, e, "c1")
	e.orch.Dispatch(context.Background(), req.ID, false)

	if _, _, err := e.orch.Accept(context.Background(), req.ID, "a", nil); err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.orch.Accept(context.Background(), req.ID, "b", nil); !errors.Is(err, models.ErrNotCandidate) {
		t.Fatalf("expected second accept to fail with ErrNotCandidate, got %v", err)
	}
}

// gateStore holds every accepter at the point where each has already
// flipped its own candidate row, forcing the race onto the assignment
// transition.
type gateStore struct {
	*storage.MemoryStore
	gate sync.WaitGroup
}

func (g *gateStore) MarkCandidateResponded(ctx context.Context, requestID, professionalID string, accepted bool) (bool, error) {
	ok, err := g.MemoryStore.MarkCandidateResponded(ctx, requestID, professionalID, accepted)
	if accepted {
		g.gate.Done()
		g.gate.Wait()
	}
	return ok, err
}

func TestConcurrentAcceptsByDifferentProfessionals(t *testing.T) {
	mem := storage.NewMemoryStore()
	gs := &gateStore{MemoryStore: mem}
	gs.gate.Add(2)
	idx := geo.NewIndex(mem, geo.NewMemoryCache(0), nil)
	orch := NewOrchestrator(Config{
		Store:    gs,
		Matcher:  &matcher.Service{Geo: idx, DistancePriority: true},
		Notifier: &fakeNotifier{},
		Realtime: &fakeRealtime{},
		Queue:    &recordQueue{},
	})
	mem.UpsertProfessional(plumber("a", 0.01, true))
	mem.UpsertProfessional(plumber("b", 0.02, true))
	ctx := context.Background()
	req, err := orch.CreateRequest(ctx, CreateInput{
		ClientID: "c1", Description: "burst pipe", Location: &buenosAires, RadiusKm: 5, Category: "plumber",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := orch.Dispatch(ctx, req.ID, false); err != nil {
		t.Fatal(err)
	}

	errs := make(chan error, 2)
	for _, id := range []string{"a", "b"} {
		go func(id string) {
			_, _, err := orch.Accept(ctx, req.ID, id, nil)
			errs <- err
		}(id)
	}
	losses := 0
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			if !errors.Is(err, models.ErrNotCandidate) {
				t.Fatalf("loser must fail with ErrNotCandidate, got %v", err)
			}
			losses++
		}
	}
	if losses != 1 {
		t.Fatalf("expected exactly one losing accept, got %d", losses)
	}

	got, _ := mem.GetRequest(ctx, req.ID)
	if got.Status != models.StatusAssigned || got.ProfessionalID == "" {
		t.Fatalf("unexpected request state: %+v", got)
	}
	rows, _ := mem.CandidatesByRequest(ctx, req.ID)
	accepted := 0
	for _, c := range rows {
		if !c.Responded {
			t.Fatalf("candidate %s left unresponded", c.ProfessionalID)
		}
		if c.Accepted {
			accepted++
			if c.ProfessionalID != got.ProfessionalID {
				t.Fatalf("accepted candidate %s does not match assignee %s", c.ProfessionalID, got.ProfessionalID)
			}
		}
	}
	if accepted != 1 {
		t.Fatalf("expected exactly one accepted candidate, got %d", accepted)
	}
	a, ok := mem.AssignmentByRequest(req.ID)
	if !ok || a.ProfessionalID != got.ProfessionalID {
		t.Fatalf("assignment must match the assignee, got %+v", a)
	}
	rejs := mem.RejectionsByRequest(req.ID)
	if len(rejs) != 1 || rejs[0].Reason != ReasonAssignedToOther || rejs[0].ProfessionalID == got.ProfessionalID {
		t.Fatalf("loser must be recorded as a cascade rejection, got %+v", rejs)
	}
}

func TestRejectLastCandidateTriggersRetry(t *testing.T) {
	e := newEnv(t)
	e.store.UpsertProfessional(plumber("a", 0.01, true))
	e.store.UpsertProfessional(plumber("b", 0.02, true))
	req := createRequest(t, e, "c1")
	e.orch.Dispatch(context.Background(), req.ID, false)
	e.queue.jobs = nil

	if err := e.orch.Reject(context.Background(), req.ID, "a", ""); err != nil {
		t.Fatal(err)
	}
	if len(e.queue.jobs) != 0 {
		t.Fatalf("retry must not fire while candidates remain, got %+v", e.queue.jobs)
	}
	if err := e.orch.Reject(context.Background(), req.ID, "b", "too far"); err != nil {
		t.Fatal(err)
	}
	if len(e.queue.jobs) != 1 || !e.queue.jobs[0].Retry || e.queue.jobs[0].RequestID != req.ID {
		t.Fatalf("expected exactly one retry job, got %+v", e.queue.jobs)
	}

	rejs := e.store.RejectionsByRequest(req.ID)
	if len(rejs) != 2 {
		t.Fatalf("expected 2 rejections, got %d", len(rejs))
	}
	if rejs[0].Reason != ReasonByProfessional {
		t.Fatalf("expected default reason, got %q", rejs[0].Reason)
	}
	if rejs[1].Reason != "too far" {
		t.Fatalf("expected explicit reason kept, got %q", rejs[1].Reason)
	}
}

func TestRejectByNonCandidate(t *testing.T) {
	e := newEnv(t)
	req := createRequest(t, e, "c1")
	if err := e.orch.Reject(context.Background(), req.ID, "nobody", ""); !errors.Is(err, models.ErrNotCandidate) {
		t.Fatalf("expected ErrNotCandidate, got %v", err)
	}
}

func TestRejectAfterCancelIsTerminal(t *testing.T) {
	e := newEnv(t)
	e.store.UpsertProfessional(plumber("a", 0.01, true))
	req := createRequest(t, e, "c1")
	ctx := context.Background()
	e.orch.Dispatch(ctx, req.ID, false)
	if _, err := e.orch.Cancel(ctx, req.ID, "c1"); err != nil {
		t.Fatal(err)
	}
	e.queue.jobs = nil

	if err := e.orch.Reject(ctx, req.ID, "a", ""); !errors.Is(err, models.ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState, got %v", err)
	}
	if rejs := e.store.RejectionsByRequest(req.ID); len(rejs) != 0 {
		t.Fatalf("no rejection may be recorded on a cancelled request, got %+v", rejs)
	}
	if len(e.queue.jobs) != 0 {
		t.Fatalf("no retry may be scheduled on a cancelled request, got %+v", e.queue.jobs)
	}
}

func TestCancelGuards(t *testing.T) {
	e := newEnv(t)
	e.store.UpsertProfessional(plumber("a", 0.01, true))
	req := createRequest(t, e, "c1")
	e.orch.Dispatch(context.Background(), req.ID, false)
	ctx := context.Background()

	if _, err := e.orch.Cancel(ctx, "missing", "c1"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := e.orch.Cancel(ctx, req.ID, "intruder"); !errors.Is(err, models.ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}

	updated, err := e.orch.Cancel(ctx, req.ID, "c1")
	if err != nil || updated.Status != models.StatusCancelled {
		t.Fatalf("cancel failed: %v %+v", err, updated)
	}
	if got := e.notifier.byType("request_cancelled"); len(got) != 1 || got[0].UserID != "a" {
		t.Fatalf("expected unresponded candidate notified of cancellation, got %+v", got)
	}
	if _, err := e.orch.Cancel(ctx, req.ID, "c1"); !errors.Is(err, models.ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState on double cancel, got %v", err)
	}
}

func TestCompleteFlow(t *testing.T) {
	e := newEnv(t)
	e.store.UpsertProfessional(plumber("a", 0.01, true))
	req := createRequest(t, e, "c1")
	e.orch.Dispatch(context.Background(), req.ID, false)
	ctx := context.Background()

	if _, err := e.orch.Complete(ctx, req.ID, "c1"); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("completing an unassigned request should fail, got %v", err)
	}

	e.orch.Accept(ctx, req.ID, "a", nil)
	if _, err := e.orch.Complete(ctx, req.ID, "stranger"); !errors.Is(err, models.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}

	updated, err := e.orch.Complete(ctx, req.ID, "a")
	if err != nil || updated.Status != models.StatusCompleted || updated.CompletedAt == nil {
		t.Fatalf("complete failed: %v %+v", err, updated)
	}
	// professional completed, so the client is notified
	if got := e.notifier.byType("request_completed"); len(got) != 1 || got[0].UserID != "c1" {
		t.Fatalf("expected client notified, got %+v", got)
	}
	if _, err := e.orch.Complete(ctx, req.ID, "a"); !errors.Is(err, models.ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState, got %v", err)
	}
}

func TestGetRequestAccessControl(t *testing.T) {
	e := newEnv(t)
	e.store.UpsertProfessional(plumber("a", 0.01, true))
	req := createRequest(t, e, "c1")
	e.orch.Dispatch(context.Background(), req.ID, false)
	ctx := context.Background()

	if _, err := e.orch.GetRequest(ctx, "missing", "c1"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := e.orch.GetRequest(ctx, req.ID, "c1"); err != nil {
		t.Fatalf("client read failed: %v", err)
	}
	if _, err := e.orch.GetRequest(ctx, req.ID, "a"); err != nil {
		t.Fatalf("candidate read failed: %v", err)
	}
	if _, err := e.orch.GetRequest(ctx, req.ID, "stranger"); !errors.Is(err, models.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}

func TestAcceptAfterQueryShowsAssignmentAndRejection(t *testing.T) {
	e := newEnv(t)
	e.store.UpsertProfessional(plumber("a", 0.01, true))
	e.store.UpsertProfessional(plumber("b", 0.02, true))
	req := createRequest(t, e, "c1")
	ctx := context.Background()
	e.orch.Dispatch(ctx, req.ID, false)

	if _, _, err := e.orch.Accept(ctx, req.ID, "a", nil); err != nil {
		t.Fatal(err)
	}
	got, err := e.orch.GetRequest(ctx, req.ID, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusAssigned || got.ProfessionalID != "a" {
		t.Fatalf("unexpected request state: %+v", got)
	}
	rejs := e.store.RejectionsByRequest(req.ID)
	if len(rejs) != 1 || rejs[0].ProfessionalID != "b" || rejs[0].Reason != ReasonAssignedToOther {
		t.Fatalf("unexpected rejections: %+v", rejs)
	}
	if _, ok := e.store.AssignmentByRequest(req.ID); !ok {
		t.Fatal("expected an assignment row")
	}
}

func TestAcceptPlacesAndPersistsHold(t *testing.T) {
	e := newEnv(t)
	e.store.SetPricingRule(models.PricingRule{ServiceCategory: "plumber", BaseMultiplier: 2.0, MinPrice: 80})
	e.store.UpsertProfessional(plumber("a", 0.01, true))
	req := createRequest(t, e, "c1") // estimate 160
	ctx := context.Background()
	e.orch.Dispatch(ctx, req.ID, false)

	if _, _, err := e.orch.Accept(ctx, req.ID, "a", nil); err != nil {
		t.Fatal(err)
	}
	if len(e.payments.holds) != 1 || e.payments.holds[0] != 16000 {
		t.Fatalf("expected one hold of 16000 cents, got %+v", e.payments.holds)
	}
	got, _ := e.store.GetRequest(ctx, req.ID)
	if got.PaymentHoldID != "hold-1" {
		t.Fatalf("hold reference must be persisted on the request, got %q", got.PaymentHoldID)
	}
}

func TestPaymentFailureDoesNotAbortAccept(t *testing.T) {
	e := newEnv(t)
	e.payments.err = errors.New("card declined")
	e.store.UpsertProfessional(plumber("a", 0.01, true))
	req := createRequest(t, e, "c1")
	ctx := context.Background()
	e.orch.Dispatch(ctx, req.ID, false)

	if _, _, err := e.orch.Accept(ctx, req.ID, "a", nil); err != nil {
		t.Fatalf("accept must swallow payment failures, got %v", err)
	}
	got, _ := e.store.GetRequest(ctx, req.ID)
	if got.Status != models.StatusAssigned || got.PaymentHoldID != "" {
		t.Fatalf("failed hold must not leave a reference, got %+v", got)
	}
}

func TestNotificationFailureDoesNotAbort(t *testing.T) {
	e := newEnv(t)
	e.notifier.err = errors.New("push provider down")
	e.store.UpsertProfessional(plumber("a", 0.01, true))
	req := createRequest(t, e, "c1")
	if err := e.orch.Dispatch(context.Background(), req.ID, false); err != nil {
		t.Fatalf("dispatch must swallow notification failures, got %v", err)
	}
	if _, _, err := e.orch.Accept(context.Background(), req.ID, "a", nil); err != nil {
		t.Fatalf("accept must swallow notification failures, got %v", err)
	}
}

func TestTrackingHistoryAccess(t *testing.T) {
	e := newEnv(t)
	req := createRequest(t, e, "c1")
	ctx := context.Background()
	entries, err := e.orch.TrackingHistory(ctx, req.ID, "c1")
	if err != nil || len(entries) == 0 {
		t.Fatalf("client should read tracking, got %v %d", err, len(entries))
	}
	if _, err := e.orch.TrackingHistory(ctx, req.ID, "stranger"); !errors.Is(err, models.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized, got %v", err)
	}
}
