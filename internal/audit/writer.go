package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Writer persists audit records in SQLite. AppendTx lets the caller fold
// the record into its own transaction so a state write and its audit row
// commit together.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w Writer) Append(ctx context.Context, rec Record) error {
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := w.AppendTx(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

func (w Writer) AppendTx(ctx context.Context, tx *sql.Tx, rec Record) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = w.now()
	}
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO audit_records(entity_type,entity_id,from_state,to_state,actor_id,correlation_id,ts,comments,outcome,metadata_json)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rec.EntityType, rec.EntityID, rec.FromState, rec.ToState, rec.ActorID, rec.CorrelationID,
		rec.Timestamp.UTC().Format(time.RFC3339Nano), nullable(rec.Comments), string(rec.Outcome), string(meta))
	return err
}

func (w Writer) ByEntity(ctx context.Context, entityType, entityID string) ([]Record, error) {
	rows, err := w.DB.QueryContext(ctx, `SELECT entity_type,entity_id,from_state,to_state,actor_id,correlation_id,ts,COALESCE(comments,''),outcome,metadata_json
FROM audit_records WHERE entity_type=? AND entity_id=? ORDER BY id ASC`, entityType, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var recs []Record
	for rows.Next() {
		var rec Record
		var ts, outcome, metaJSON string
		if err := rows.Scan(&rec.EntityType, &rec.EntityID, &rec.FromState, &rec.ToState, &rec.ActorID,
			&rec.CorrelationID, &ts, &rec.Comments, &outcome, &metaJSON); err != nil {
			return nil, err
		}
		rec.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		rec.Outcome = Outcome(outcome)
		if metaJSON != "" && metaJSON != "null" {
			_ = json.Unmarshal([]byte(metaJSON), &rec.Metadata)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
