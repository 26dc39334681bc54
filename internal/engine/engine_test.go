package engine_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"

	"stateline/internal/audit"
	"stateline/internal/engine"
)

// ticket is a minimal entity used to exercise the orchestrator without a
// database.
type ticket struct {
	id     string
	state  engine.State
	vendor string
}

type ticketLifecycle struct {
	preErr  error
	postErr error
	preRan  *int
	postRan *int
}

func (ticketLifecycle) EntityType() string                        { return "ticket" }
func (ticketLifecycle) EntityID(t *ticket) string                 { return t.id }
func (ticketLifecycle) CurrentState(t *ticket) engine.State       { return t.state }
func (ticketLifecycle) SetCurrentState(t *ticket, s engine.State) { t.state = s }
func (ticketLifecycle) StateFieldName() string                    { return "state" }

func (ticketLifecycle) ValidateBusinessRules(_ context.Context, _, to engine.State, _ engine.Context, t *ticket) engine.ValidationResult {
	if to == "approved" && t.vendor == "" {
		return engine.Fail("Vendor must be assigned before approval")
	}
	if to == "approved" && t.vendor == "late-vendor" {
		return engine.Pass("vendor has a history of late delivery")
	}
	return engine.Pass()
}

func (l ticketLifecycle) PreTransition(_ context.Context, _, _ engine.State, _ engine.Context, _ *ticket) error {
	if l.preRan != nil {
		*l.preRan++
	}
	return l.preErr
}

func (l ticketLifecycle) PostTransition(_ context.Context, _, _ engine.State, _ engine.Context, _ *ticket) error {
	if l.postRan != nil {
		*l.postRan++
	}
	return l.postErr
}

// memStore keeps the authoritative state per entity id and applies the
// compare-and-set contract the engine expects from persistence.
type memStore struct {
	mu     sync.Mutex
	states map[string]engine.State
	sink   *audit.Memory
}

func (s *memStore) Commit(ctx context.Context, t *ticket, from, to engine.State, rec audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states[t.id] != from {
		return fmt.Errorf("ticket %s: %w", t.id, engine.ErrStaleState)
	}
	s.states[t.id] = to
	return s.sink.Append(ctx, rec)
}

type env struct {
	engine *engine.Engine[*ticket]
	store  *memStore
	sink   *audit.Memory
}

func newEnv(t *testing.T, lc ticketLifecycle) env {
	t.Helper()
	table, err := engine.NewTable(map[engine.State][]engine.State{
		"draft":     {"submitted", "canceled"},
		"submitted": {"approved", "rejected"},
		"approved":  {"completed"},
		"rejected":  {"draft"},
		"completed": {},
		"canceled":  {},
	})
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	gate := &engine.CapabilityGate[*ticket]{
		Requirements: map[engine.Transition][]string{
			{From: "submitted", To: "approved"}: {"can_approve"},
		},
		UnlistedEdges: engine.AllowUnlisted,
	}
	sink := audit.NewMemory()
	store := &memStore{states: map[string]engine.State{}, sink: sink}
	eng := engine.New[*ticket](table, gate, lc, store, sink)
	eng.Logger = log.New(io.Discard, "", 0)
	return env{engine: eng, store: store, sink: sink}
}

func (e env) newTicket(id string, state engine.State) *ticket {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	e.store.states[id] = state
	return &ticket{id: id, state: state}
}

func approver() engine.Actor {
	return engine.Actor{ID: "boss", Capabilities: []string{"can_approve"}}
}

func TestTransitionInvalidEdgeAuditedAndUnchanged(t *testing.T) {
	e := newEnv(t, ticketLifecycle{})
	tk := e.newTicket("t1", "draft")
	res, err := e.engine.Transition(context.Background(), tk, "completed", engine.NewContext(approver(), ""))
	var ite engine.InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if res.Success || tk.state != "draft" {
		t.Fatalf("entity must be unchanged, got state %s", tk.state)
	}
	recs, _ := e.sink.ByEntity(context.Background(), "ticket", "t1")
	if len(recs) != 1 || recs[0].Outcome != audit.OutcomeInvalid {
		t.Fatalf("expected exactly one invalid audit record, got %v", recs)
	}
}

func TestTransitionPermissionDeniedAudited(t *testing.T) {
	e := newEnv(t, ticketLifecycle{})
	tk := e.newTicket("t2", "submitted")
	nobody := engine.Actor{ID: "intern"}
	_, err := e.engine.Transition(context.Background(), tk, "approved", engine.NewContext(nobody, ""))
	var pde engine.PermissionDeniedError
	if !errors.As(err, &pde) {
		t.Fatalf("expected PermissionDeniedError, got %v", err)
	}
	if tk.state != "submitted" {
		t.Fatalf("entity must be unchanged")
	}
	recs, _ := e.sink.ByEntity(context.Background(), "ticket", "t2")
	if len(recs) != 1 || recs[0].Outcome != audit.OutcomeDenied {
		t.Fatalf("expected exactly one denied audit record, got %v", recs)
	}
}

func TestTransitionRuleViolationIsDataNotError(t *testing.T) {
	e := newEnv(t, ticketLifecycle{})
	tk := e.newTicket("t3", "submitted")
	res, err := e.engine.Transition(context.Background(), tk, "approved", engine.NewContext(approver(), ""))
	if err != nil {
		t.Fatalf("rule violation must not be an error, got %v", err)
	}
	if res.Success {
		t.Fatalf("expected failed result")
	}
	if res.ErrorMessage != "Vendor must be assigned before approval" {
		t.Fatalf("unexpected error message %q", res.ErrorMessage)
	}
	if len(res.Errors) != 1 || res.Errors[0] != "Vendor must be assigned before approval" {
		t.Fatalf("result must carry the structured rule messages, got %v", res.Errors)
	}
	if tk.state != "submitted" {
		t.Fatalf("entity must be unchanged")
	}
	recs, _ := e.sink.ByEntity(context.Background(), "ticket", "t3")
	if len(recs) != 1 || recs[0].Outcome != audit.OutcomeRuleViolation {
		t.Fatalf("expected exactly one rule_violation record, got %v", recs)
	}
}

func TestTransitionSuccessWritesOneRecord(t *testing.T) {
	preRan, postRan := 0, 0
	e := newEnv(t, ticketLifecycle{preRan: &preRan, postRan: &postRan})
	tk := e.newTicket("t4", "draft")
	res, err := e.engine.Transition(context.Background(), tk, "submitted", engine.NewContext(engine.Actor{ID: "reporter"}, "ready"))
	if err != nil || !res.Success {
		t.Fatalf("expected success, got %v %v", res, err)
	}
	if tk.state != "submitted" {
		t.Fatalf("state not updated")
	}
	if preRan != 1 || postRan != 1 {
		t.Fatalf("hooks should each run once, got pre=%d post=%d", preRan, postRan)
	}
	recs, _ := e.sink.ByEntity(context.Background(), "ticket", "t4")
	if len(recs) != 1 || recs[0].Outcome != audit.OutcomeSuccess {
		t.Fatalf("expected exactly one success record, got %v", recs)
	}
	if recs[0].CorrelationID != res.CorrelationID {
		t.Fatalf("correlation id must thread result and audit record")
	}
	if recs[0].Comments != "ready" {
		t.Fatalf("comment not carried into audit record")
	}
}

func TestTransitionWarningsSurfaced(t *testing.T) {
	e := newEnv(t, ticketLifecycle{})
	tk := e.newTicket("t5", "submitted")
	tk.vendor = "late-vendor"
	res, err := e.engine.Transition(context.Background(), tk, "approved", engine.NewContext(approver(), ""))
	if err != nil || !res.Success {
		t.Fatalf("warnings must not block, got %v %v", res, err)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("expected one warning, got %v", res.Warnings)
	}
}

func TestPostHookFailureDegradesToWarning(t *testing.T) {
	e := newEnv(t, ticketLifecycle{postErr: errors.New("smtp down")})
	tk := e.newTicket("t6", "draft")
	res, err := e.engine.Transition(context.Background(), tk, "submitted", engine.NewContext(engine.Actor{ID: "reporter"}, ""))
	if err != nil || !res.Success {
		t.Fatalf("post-hook failure must not fail the transition: %v %v", res, err)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("expected hook failure warning, got %v", res.Warnings)
	}
	if tk.state != "submitted" {
		t.Fatalf("committed state must stand")
	}
}

func TestPreHookFailureAborts(t *testing.T) {
	e := newEnv(t, ticketLifecycle{preErr: errors.New("clock skew")})
	tk := e.newTicket("t7", "draft")
	_, err := e.engine.Transition(context.Background(), tk, "submitted", engine.NewContext(engine.Actor{ID: "reporter"}, ""))
	if err == nil {
		t.Fatalf("expected pre-hook error")
	}
	recs, _ := e.sink.ByEntity(context.Background(), "ticket", "t7")
	if len(recs) != 0 {
		t.Fatalf("aborted pre-hook must not audit, got %v", recs)
	}
}

func TestValidateIsIdempotentAndAuditFree(t *testing.T) {
	e := newEnv(t, ticketLifecycle{})
	tk := e.newTicket("t8", "submitted")
	for i := 0; i < 3; i++ {
		vr, err := e.engine.Validate(context.Background(), tk, "approved", engine.NewContext(approver(), ""))
		if err != nil {
			t.Fatalf("validate: %v", err)
		}
		if vr.Success || len(vr.Errors) != 1 {
			t.Fatalf("expected vendor rule failure, got %+v", vr)
		}
	}
	if tk.state != "submitted" {
		t.Fatalf("validate must not mutate")
	}
	recs, _ := e.sink.ByEntity(context.Background(), "ticket", "t8")
	if len(recs) != 0 {
		t.Fatalf("validate must not audit, got %v", recs)
	}
}

func TestValidationResultInvariant(t *testing.T) {
	e := newEnv(t, ticketLifecycle{})
	tk := e.newTicket("t9", "submitted")
	vr, err := e.engine.Validate(context.Background(), tk, "approved", engine.NewContext(approver(), ""))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if vr.Success != (len(vr.Errors) == 0) {
		t.Fatalf("invariant broken: %+v", vr)
	}
	tk.vendor = "acme"
	vr, err = e.engine.Validate(context.Background(), tk, "approved", engine.NewContext(approver(), ""))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if vr.Success != (len(vr.Errors) == 0) {
		t.Fatalf("invariant broken: %+v", vr)
	}
}

func TestUnknownStateIsConfigErrorNotAudited(t *testing.T) {
	e := newEnv(t, ticketLifecycle{})
	tk := e.newTicket("t10", "limbo")
	_, err := e.engine.Transition(context.Background(), tk, "draft", engine.NewContext(approver(), ""))
	var use engine.UnknownStateError
	if !errors.As(err, &use) {
		t.Fatalf("expected UnknownStateError, got %v", err)
	}
	recs, _ := e.sink.ByEntity(context.Background(), "ticket", "t10")
	if len(recs) != 0 {
		t.Fatalf("unknown state must not audit, got %v", recs)
	}
}

func TestCanTransitionSkipsBusinessRules(t *testing.T) {
	e := newEnv(t, ticketLifecycle{})
	tk := e.newTicket("t11", "submitted")
	// vendor missing: business rules would fail, but CanTransition only
	// consults table + gate.
	if !e.engine.CanTransition(tk, "approved", approver()) {
		t.Fatalf("table+gate allow this edge")
	}
	if e.engine.CanTransition(tk, "approved", engine.Actor{ID: "intern"}) {
		t.Fatalf("gate should deny actor without capability")
	}
	if e.engine.CanTransition(tk, "completed", approver()) {
		t.Fatalf("undeclared edge should be denied")
	}
}

func TestConcurrentTransitionsExactlyOneWins(t *testing.T) {
	e := newEnv(t, ticketLifecycle{})
	e.newTicket("t12", "draft")

	const racers = 8
	results := make(chan error, racers)
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < racers; i++ {
		go func(n int) {
			start.Wait()
			// Each racer works on its own copy read at the same stale state.
			copyTk := &ticket{id: "t12", state: "draft"}
			actor := engine.Actor{ID: fmt.Sprintf("racer-%d", n)}
			_, err := e.engine.Transition(context.Background(), copyTk, "submitted", engine.NewContext(actor, ""))
			results <- err
		}(i)
	}
	start.Done()

	wins, conflicts := 0, 0
	for i := 0; i < racers; i++ {
		err := <-results
		switch {
		case err == nil:
			wins++
		case errors.Is(err, engine.ErrStaleState):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != racers-1 {
		t.Fatalf("expected exactly one winner, got wins=%d conflicts=%d", wins, conflicts)
	}
	recs, _ := e.sink.ByEntity(context.Background(), "ticket", "t12")
	if len(recs) != 1 || recs[0].Outcome != audit.OutcomeSuccess {
		t.Fatalf("losers must not audit; got %d records", len(recs))
	}
}
