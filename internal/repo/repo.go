package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"stateline/internal/domain"
	"stateline/internal/engine"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertWorkOrder(ctx context.Context, wo domain.WorkOrder) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO work_orders(id,title,description,status,creator_id,assignee_id,vendor,estimated_cost_cents,actual_cost_cents,created_at,updated_at,approved_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		wo.ID, wo.Title, nullable(wo.Description), wo.Status, wo.CreatorID,
		nullableStringPtr(wo.AssigneeID), nullableStringPtr(wo.Vendor),
		wo.EstimatedCostCents, nullableInt64Ptr(wo.ActualCostCents),
		wo.CreatedAt, wo.UpdatedAt, nullableStringPtr(wo.ApprovedAt), nullableStringPtr(wo.CompletedAt))
	return err
}

const workOrderColumns = `id,title,COALESCE(description,''),status,creator_id,assignee_id,vendor,estimated_cost_cents,actual_cost_cents,created_at,updated_at,approved_at,completed_at`

func scanWorkOrder(scan func(dest ...any) error) (domain.WorkOrder, error) {
	var wo domain.WorkOrder
	var assignee, vendor, approvedAt, completedAt sql.NullString
	var actualCost sql.NullInt64
	err := scan(&wo.ID, &wo.Title, &wo.Description, &wo.Status, &wo.CreatorID,
		&assignee, &vendor, &wo.EstimatedCostCents, &actualCost,
		&wo.CreatedAt, &wo.UpdatedAt, &approvedAt, &completedAt)
	if err == sql.ErrNoRows {
		return wo, ErrNotFound
	}
	if err != nil {
		return wo, err
	}
	if assignee.Valid {
		wo.AssigneeID = &assignee.String
	}
	if vendor.Valid {
		wo.Vendor = &vendor.String
	}
	if actualCost.Valid {
		wo.ActualCostCents = &actualCost.Int64
	}
	if approvedAt.Valid {
		wo.ApprovedAt = &approvedAt.String
	}
	if completedAt.Valid {
		wo.CompletedAt = &completedAt.String
	}
	return wo, nil
}

func (r Repo) GetWorkOrder(ctx context.Context, id string) (domain.WorkOrder, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+workOrderColumns+` FROM work_orders WHERE id=?`, id)
	return scanWorkOrder(row.Scan)
}

type WorkOrderFilters struct {
	Status    string
	CreatorID string
	Limit     int
}

func (r Repo) ListWorkOrders(ctx context.Context, f WorkOrderFilters) ([]domain.WorkOrder, error) {
	query := `SELECT ` + workOrderColumns + ` FROM work_orders`
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status=?")
		args = append(args, f.Status)
	}
	if f.CreatorID != "" {
		conds = append(conds, "creator_id=?")
		args = append(args, f.CreatorID)
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var orders []domain.WorkOrder
	for rows.Next() {
		wo, err := scanWorkOrder(rows.Scan)
		if err != nil {
			return nil, err
		}
		orders = append(orders, wo)
	}
	return orders, rows.Err()
}

// UpdateWorkOrderFields writes mutable non-state fields. The status column
// is deliberately excluded: state changes go through the engine only.
func (r Repo) UpdateWorkOrderFields(ctx context.Context, wo domain.WorkOrder) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE work_orders SET title=?, description=?, assignee_id=?, vendor=?, estimated_cost_cents=?, actual_cost_cents=?, updated_at=? WHERE id=?`,
		wo.Title, nullable(wo.Description), nullableStringPtr(wo.AssigneeID), nullableStringPtr(wo.Vendor),
		wo.EstimatedCostCents, nullableInt64Ptr(wo.ActualCostCents), wo.UpdatedAt, wo.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateWorkOrderStateTx is the compare-and-set write backing the engine's
// optimistic concurrency contract: the row is updated only if its stored
// status still equals the status read at the start of the transition. Zero
// rows affected means a concurrent writer won; the caller must re-read and
// retry.
func (r Repo) UpdateWorkOrderStateTx(ctx context.Context, tx *sql.Tx, wo domain.WorkOrder, fromStatus string) error {
	res, err := tx.ExecContext(ctx, `UPDATE work_orders SET status=?, assignee_id=?, vendor=?, estimated_cost_cents=?, actual_cost_cents=?, updated_at=?, approved_at=?, completed_at=? WHERE id=? AND status=?`,
		wo.Status, nullableStringPtr(wo.AssigneeID), nullableStringPtr(wo.Vendor),
		wo.EstimatedCostCents, nullableInt64Ptr(wo.ActualCostCents), wo.UpdatedAt,
		nullableStringPtr(wo.ApprovedAt), nullableStringPtr(wo.CompletedAt), wo.ID, fromStatus)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Disambiguate inside the same transaction. A read through r.DB
		// would take a second connection and block on the write lock this
		// transaction already holds.
		var one int
		switch err := tx.QueryRowContext(ctx, `SELECT 1 FROM work_orders WHERE id=?`, wo.ID).Scan(&one); {
		case err == sql.ErrNoRows:
			return fmt.Errorf("work order %s: %w", wo.ID, ErrNotFound)
		case err != nil:
			return err
		}
		return fmt.Errorf("work order %s: %w", wo.ID, engine.ErrStaleState)
	}
	return nil
}

func (r Repo) DeleteWorkOrder(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM work_orders WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountWorkOrdersByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM work_orders GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
