package workorder_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"stateline/internal/audit"
	"stateline/internal/config"
	"stateline/internal/db"
	"stateline/internal/domain"
	"stateline/internal/engine"
	"stateline/internal/migrate"
	"stateline/internal/notify"
	"stateline/internal/repo"
	"stateline/internal/workorder"
)

type testEnv struct {
	Repo   repo.Repo
	Engine *engine.Engine[*domain.WorkOrder]
	Queue  *notify.Queue
	Audit  audit.Writer
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	queue := &notify.Queue{DB: conn}
	eng, err := workorder.NewEngine(conn, config.Default(), queue)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{
		Repo:   repo.Repo{DB: conn},
		Engine: eng,
		Queue:  queue,
		Audit:  audit.Writer{DB: conn},
		Ctx:    context.Background(),
	}
}

func createOrder(t *testing.T, env testEnv, opts workorder.CreateOptions) *domain.WorkOrder {
	t.Helper()
	if opts.Title == "" {
		opts.Title = "Replace pump"
	}
	if opts.CreatorID == "" {
		opts.CreatorID = "alice"
	}
	if opts.EstimatedCostCents == 0 {
		opts.EstimatedCostCents = 50_000
	}
	wo, err := workorder.Create(env.Ctx, env.Repo, config.Default(), opts)
	if err != nil {
		t.Fatalf("create work order: %v", err)
	}
	return &wo
}

func actor(id string, caps ...string) engine.Actor {
	return engine.Actor{ID: id, Capabilities: caps}
}

func TestHappyPathDraftToClosed(t *testing.T) {
	env := newTestEnv(t)
	vendor := "Acme Plumbing"
	assignee := "bob"
	wo := createOrder(t, env, workorder.CreateOptions{Vendor: vendor, AssigneeID: assignee})

	approver := actor("carol", "work_order.approve", "work_order.assign", "work_order.close")
	steps := []engine.State{
		workorder.StatusSubmitted,
		workorder.StatusApproved,
		workorder.StatusAssigned,
		workorder.StatusInProgress,
	}
	for _, next := range steps {
		res, err := env.Engine.Transition(env.Ctx, wo, next, engine.NewContext(approver, ""))
		if err != nil || !res.Success {
			t.Fatalf("to %s: res=%+v err=%v", next, res, err)
		}
	}
	actual := int64(45_000)
	wo.ActualCostCents = &actual
	for _, next := range []engine.State{workorder.StatusCompleted, workorder.StatusClosed} {
		res, err := env.Engine.Transition(env.Ctx, wo, next, engine.NewContext(approver, ""))
		if err != nil || !res.Success {
			t.Fatalf("to %s: res=%+v err=%v", next, res, err)
		}
	}

	stored, err := env.Repo.GetWorkOrder(env.Ctx, wo.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != string(workorder.StatusClosed) {
		t.Fatalf("stored status = %s, want closed", stored.Status)
	}
	if stored.ApprovedAt == nil || stored.CompletedAt == nil {
		t.Fatalf("expected approved_at and completed_at stamps, got %+v", stored)
	}
}

func TestAuditTrailOrdering(t *testing.T) {
	env := newTestEnv(t)
	vendor := "Acme Plumbing"
	wo := createOrder(t, env, workorder.CreateOptions{Vendor: vendor})

	// draft -> approved is not a declared edge
	if _, err := env.Engine.Transition(env.Ctx, wo, workorder.StatusApproved, engine.NewContext(actor("alice"), "")); err == nil {
		t.Fatal("expected invalid transition error")
	}
	if res, err := env.Engine.Transition(env.Ctx, wo, workorder.StatusSubmitted, engine.NewContext(actor("alice"), "ready")); err != nil || !res.Success {
		t.Fatalf("submit: res=%+v err=%v", res, err)
	}
	// mallory lacks work_order.approve
	if _, err := env.Engine.Transition(env.Ctx, wo, workorder.StatusApproved, engine.NewContext(actor("mallory"), "")); err == nil {
		t.Fatal("expected permission denied error")
	}
	if res, err := env.Engine.Transition(env.Ctx, wo, workorder.StatusApproved, engine.NewContext(actor("carol", "work_order.approve"), "")); err != nil || !res.Success {
		t.Fatalf("approve: res=%+v err=%v", res, err)
	}

	records, err := env.Audit.ByEntity(env.Ctx, workorder.EntityType, wo.ID)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	want := []audit.Outcome{audit.OutcomeInvalid, audit.OutcomeSuccess, audit.OutcomeDenied, audit.OutcomeSuccess}
	if len(records) != len(want) {
		t.Fatalf("got %d records, want %d", len(records), len(want))
	}
	for i, rec := range records {
		if rec.Outcome != want[i] {
			t.Fatalf("record %d outcome = %s, want %s", i, rec.Outcome, want[i])
		}
		if rec.CorrelationID == "" {
			t.Fatalf("record %d missing correlation id", i)
		}
	}
}

func TestVendorRequiredBeforeApproval(t *testing.T) {
	env := newTestEnv(t)
	wo := createOrder(t, env, workorder.CreateOptions{})
	if res, err := env.Engine.Transition(env.Ctx, wo, workorder.StatusSubmitted, engine.NewContext(actor("alice"), "")); err != nil || !res.Success {
		t.Fatalf("submit: res=%+v err=%v", res, err)
	}

	res, err := env.Engine.Transition(env.Ctx, wo, workorder.StatusApproved, engine.NewContext(actor("carol", "work_order.approve"), ""))
	if err != nil {
		t.Fatalf("rule violation must not be an error: %v", err)
	}
	if res.Success {
		t.Fatal("expected failed result")
	}
	if res.ErrorMessage != "Vendor must be assigned before approval" {
		t.Fatalf("unexpected message: %q", res.ErrorMessage)
	}

	stored, err := env.Repo.GetWorkOrder(env.Ctx, wo.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != string(workorder.StatusSubmitted) {
		t.Fatalf("status changed on rule violation: %s", stored.Status)
	}
	records, err := env.Audit.ByEntity(env.Ctx, workorder.EntityType, wo.ID)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	last := records[len(records)-1]
	if last.Outcome != audit.OutcomeRuleViolation {
		t.Fatalf("last outcome = %s, want rule_violation", last.Outcome)
	}
}

func TestCostOverrunWarning(t *testing.T) {
	env := newTestEnv(t)
	vendor := "Acme Plumbing"
	assignee := "bob"
	wo := createOrder(t, env, workorder.CreateOptions{Vendor: vendor, AssigneeID: assignee, EstimatedCostCents: 10_000})
	admin := actor("carol", "work_order.approve", "work_order.assign")
	for _, next := range []engine.State{workorder.StatusSubmitted, workorder.StatusApproved, workorder.StatusAssigned, workorder.StatusInProgress} {
		if res, err := env.Engine.Transition(env.Ctx, wo, next, engine.NewContext(admin, "")); err != nil || !res.Success {
			t.Fatalf("to %s: res=%+v err=%v", next, res, err)
		}
	}
	actual := int64(12_500)
	wo.ActualCostCents = &actual
	res, err := env.Engine.Transition(env.Ctx, wo, workorder.StatusCompleted, engine.NewContext(admin, ""))
	if err != nil || !res.Success {
		t.Fatalf("complete: res=%+v err=%v", res, err)
	}
	if len(res.Warnings) == 0 {
		t.Fatal("expected cost overrun warning")
	}
}

func TestCreatorMayCancelOwnDraft(t *testing.T) {
	env := newTestEnv(t)
	wo := createOrder(t, env, workorder.CreateOptions{CreatorID: "alice"})
	res, err := env.Engine.Transition(env.Ctx, wo, workorder.StatusCanceled, engine.NewContext(actor("alice"), "changed my mind"))
	if err != nil || !res.Success {
		t.Fatalf("creator cancel: res=%+v err=%v", res, err)
	}

	other := createOrder(t, env, workorder.CreateOptions{CreatorID: "alice"})
	_, err = env.Engine.Transition(env.Ctx, other, workorder.StatusCanceled, engine.NewContext(actor("mallory"), ""))
	var denied engine.PermissionDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestStaleStateConflict(t *testing.T) {
	env := newTestEnv(t)
	created := createOrder(t, env, workorder.CreateOptions{})

	first, err := env.Repo.GetWorkOrder(env.Ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	second := first

	if res, err := env.Engine.Transition(env.Ctx, &first, workorder.StatusSubmitted, engine.NewContext(actor("alice"), "")); err != nil || !res.Success {
		t.Fatalf("first writer: res=%+v err=%v", res, err)
	}
	_, err = env.Engine.Transition(env.Ctx, &second, workorder.StatusCanceled, engine.NewContext(actor("alice"), ""))
	if !errors.Is(err, engine.ErrStaleState) {
		t.Fatalf("expected stale state, got %v", err)
	}
	if second.Status != string(workorder.StatusDraft) {
		t.Fatalf("loser's in-memory state not restored: %s", second.Status)
	}

	records, err := env.Audit.ByEntity(env.Ctx, workorder.EntityType, created.ID)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(records) != 1 || records[0].Outcome != audit.OutcomeSuccess {
		t.Fatalf("conflict must leave no audit record, got %+v", records)
	}
}

func TestNotificationsEnqueuedAfterCommit(t *testing.T) {
	env := newTestEnv(t)
	wo := createOrder(t, env, workorder.CreateOptions{})
	if res, err := env.Engine.Transition(env.Ctx, wo, workorder.StatusSubmitted, engine.NewContext(actor("alice"), "")); err != nil || !res.Success {
		t.Fatalf("submit: res=%+v err=%v", res, err)
	}
	pending, err := env.Queue.Pending(env.Ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("got %d pending notifications, want 1", len(pending))
	}
	if pending[0].Event != "work_order.submitted" {
		t.Fatalf("event = %s", pending[0].Event)
	}
}

func TestValidateIsReadOnly(t *testing.T) {
	env := newTestEnv(t)
	wo := createOrder(t, env, workorder.CreateOptions{})
	vr, err := env.Engine.Validate(env.Ctx, wo, workorder.StatusSubmitted, engine.NewContext(actor("alice"), ""))
	if err != nil || !vr.Success {
		t.Fatalf("validate: vr=%+v err=%v", vr, err)
	}
	stored, err := env.Repo.GetWorkOrder(env.Ctx, wo.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != string(workorder.StatusDraft) {
		t.Fatalf("validate mutated state: %s", stored.Status)
	}
	records, err := env.Audit.ByEntity(env.Ctx, workorder.EntityType, wo.ID)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("validate must not audit, got %d records", len(records))
	}
}
