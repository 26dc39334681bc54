package notify_test

import (
	"context"
	"errors"
	"testing"

	"stateline/internal/db"
	"stateline/internal/domain"
	"stateline/internal/migrate"
	"stateline/internal/notify"
)

func newQueue(t *testing.T) notify.Queue {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return notify.Queue{DB: conn}
}

type stubNotifier struct {
	calls int
	err   error
}

func (s *stubNotifier) Notify(_ context.Context, _ domain.Notification) error {
	s.calls++
	return s.err
}

func TestDrainMarksSent(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()
	if err := q.Enqueue(ctx, "work_order", "wo-1", "work_order.submitted", map[string]any{"from": "draft"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	stub := &stubNotifier{}
	w := notify.Worker{Queue: q, Notifier: stub}
	if err := w.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if stub.calls != 1 {
		t.Fatalf("notifier calls = %d, want 1", stub.calls)
	}
	pending, err := q.Pending(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("queue should be empty, got %d", len(pending))
	}
}

func TestFailedDeliveryParksAfterMaxAttempts(t *testing.T) {
	q := newQueue(t)
	ctx := context.Background()
	if err := q.Enqueue(ctx, "work_order", "wo-1", "work_order.approved", nil); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	stub := &stubNotifier{err: errors.New("endpoint down")}
	w := notify.Worker{Queue: q, Notifier: stub}
	for i := 0; i < 6; i++ {
		if err := w.Drain(ctx); err != nil {
			t.Fatalf("drain %d: %v", i, err)
		}
	}
	if stub.calls != 5 {
		t.Fatalf("notifier calls = %d, want 5", stub.calls)
	}
	pending, err := q.Pending(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("parked notification still pending: %d", len(pending))
	}
}
