// Package notify implements the commit-then-notify outbox: committed
// transitions enqueue a row, and a worker drains the queue out of band.
// Delivery failures are retried by the worker and can never affect the
// already committed state change.
package notify

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"stateline/internal/domain"
)

const maxAttempts = 5

type Queue struct {
	DB  *sql.DB
	Now func() time.Time
}

func (q Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

// Enqueue stores a pending notification.
func (q Queue) Enqueue(ctx context.Context, entityType, entityID, event string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}
	_, err = q.DB.ExecContext(ctx, `INSERT INTO notifications(id,entity_type,entity_id,event,payload_json,status,attempts,created_at)
VALUES (?,?,?,?,?,'pending',0,?)`,
		uuid.NewString(), entityType, entityID, event, string(data), q.now().UTC().Format(time.RFC3339))
	return err
}

// Pending returns up to limit undelivered notifications, oldest first.
func (q Queue) Pending(ctx context.Context, limit int) ([]domain.Notification, error) {
	rows, err := q.DB.QueryContext(ctx, `SELECT id,entity_type,entity_id,event,COALESCE(payload_json,''),status,attempts,created_at,sent_at
FROM notifications WHERE status='pending' ORDER BY created_at ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var pending []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var sentAt sql.NullString
		if err := rows.Scan(&n.ID, &n.EntityType, &n.EntityID, &n.Event, &n.PayloadJSON, &n.Status, &n.Attempts, &n.CreatedAt, &sentAt); err != nil {
			return nil, err
		}
		if sentAt.Valid {
			n.SentAt = &sentAt.String
		}
		pending = append(pending, n)
	}
	return pending, rows.Err()
}

func (q Queue) MarkSent(ctx context.Context, id string) error {
	_, err := q.DB.ExecContext(ctx, `UPDATE notifications SET status='sent', sent_at=?, attempts=attempts+1 WHERE id=?`,
		q.now().UTC().Format(time.RFC3339), id)
	return err
}

// MarkFailed bumps the attempt counter; after maxAttempts the row is
// parked as failed and no longer picked up.
func (q Queue) MarkFailed(ctx context.Context, id string) error {
	_, err := q.DB.ExecContext(ctx, `UPDATE notifications SET attempts=attempts+1,
status=CASE WHEN attempts+1 >= ? THEN 'failed' ELSE 'pending' END WHERE id=?`, maxAttempts, id)
	return err
}

// Notifier delivers one notification.
type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

// LogNotifier writes notifications to a logger; the default sink for
// local workspaces.
type LogNotifier struct {
	Logger *log.Logger
}

func (l LogNotifier) Notify(_ context.Context, n domain.Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf("notify %s: %s %s %s", n.Event, n.EntityType, n.EntityID, n.PayloadJSON)
	return nil
}

// WebhookNotifier POSTs the notification JSON to a configured URL.
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

func (w WebhookNotifier) Notify(ctx context.Context, n domain.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := w.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned %d", w.URL, resp.StatusCode)
	}
	return nil
}

// Worker polls the queue and dispatches pending notifications.
type Worker struct {
	Queue    Queue
	Notifier Notifier
	Interval time.Duration
	Batch    int
	Logger   *log.Logger
}

func (w Worker) logger() *log.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return log.Default()
}

// Run blocks until ctx is done, draining the queue every Interval.
func (w Worker) Run(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Drain(ctx); err != nil {
				w.logger().Printf("notify worker: %v", err)
			}
		}
	}
}

// Drain delivers one batch of pending notifications.
func (w Worker) Drain(ctx context.Context) error {
	batch := w.Batch
	if batch <= 0 {
		batch = 20
	}
	pending, err := w.Queue.Pending(ctx, batch)
	if err != nil {
		return err
	}
	for _, n := range pending {
		if err := w.Notifier.Notify(ctx, n); err != nil {
			w.logger().Printf("notify %s failed (attempt %d): %v", n.ID, n.Attempts+1, err)
			if err := w.Queue.MarkFailed(ctx, n.ID); err != nil {
				return err
			}
			continue
		}
		if err := w.Queue.MarkSent(ctx, n.ID); err != nil {
			return err
		}
	}
	return nil
}
