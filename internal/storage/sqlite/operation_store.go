package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shelfwatch/fetch-engine/internal/operation"
	"github.com/shelfwatch/fetch-engine/internal/store"
)

// OperationStore implements store.OperationStore on sqlite.
type OperationStore struct {
	db *DB
}

// NewOperationStore constructs a store over an open database.
func NewOperationStore(db *DB) (*OperationStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	return &OperationStore{db: db}, nil
}

const operationColumns = `id, kind, target_id, target_name, target_url, status,
	current, total, current_chunk, total_chunks,
	work_items, failed_ids, max_items, message, meta, started_at, updated_at`

// Create inserts a new operation record.
func (s *OperationStore) Create(ctx context.Context, op operation.Operation) error {
	workItems, err := marshalIDs(op.WorkItems)
	if err != nil {
		return fmt.Errorf("marshal work items: %w", err)
	}
	failedIDs, err := marshalIDs(op.FailedIDs)
	if err != nil {
		return fmt.Errorf("marshal failed ids: %w", err)
	}
	metaJSON, err := json.Marshal(op.Meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}

	query := `
	INSERT INTO operations (` + operationColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.conn.ExecContext(ctx, query,
		op.ID,
		string(op.Kind),
		op.TargetID,
		op.TargetName,
		op.TargetURL,
		string(op.Status),
		op.Progress.Current,
		op.Progress.Total,
		op.Progress.CurrentChunk,
		op.Progress.TotalChunks,
		workItems,
		failedIDs,
		op.MaxItems,
		op.Message,
		string(metaJSON),
		formatTime(op.StartedAt),
		formatTime(op.UpdatedAt),
	)
	if err != nil {
		return mapError("create operation", err)
	}
	return nil
}

// Get loads one operation by ID.
func (s *OperationStore) Get(ctx context.Context, id string) (operation.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE id = ?`
	row := s.db.conn.QueryRowContext(ctx, query, id)
	op, err := scanOperation(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return operation.Operation{}, store.ErrNotFound
		}
		return operation.Operation{}, mapError("get operation", err)
	}
	return op, nil
}

// UpdateStatus transitions status and bumps updated_at.
func (s *OperationStore) UpdateStatus(ctx context.Context, id string, status operation.Status, message string) error {
	query := `
	UPDATE operations
	SET status = ?,
		message = CASE WHEN ? <> '' THEN ? ELSE message END,
		updated_at = ?
	WHERE id = ?
	`
	res, err := s.db.conn.ExecContext(ctx, query,
		string(status), message, message, formatTime(time.Now()), id)
	if err != nil {
		return mapError("update status", err)
	}
	return requireRow(res)
}

// UpdateProgress merges a checkpoint. MAX keeps counters from moving
// backwards; a NULL failed list keeps the stored one.
func (s *OperationStore) UpdateProgress(
	ctx context.Context,
	id string,
	p operation.Progress,
	message string,
	failedIDs []string,
) error {
	var failedArg any
	if failedIDs != nil {
		b, err := marshalIDs(failedIDs)
		if err != nil {
			return fmt.Errorf("marshal failed ids: %w", err)
		}
		failedArg = b
	}

	query := `
	UPDATE operations
	SET current = MAX(current, ?),
		total = MAX(total, ?),
		current_chunk = MAX(current_chunk, ?),
		total_chunks = MAX(total_chunks, ?),
		message = CASE WHEN ? <> '' THEN ? ELSE message END,
		failed_ids = COALESCE(?, failed_ids),
		updated_at = ?
	WHERE id = ?
	`
	res, err := s.db.conn.ExecContext(ctx, query,
		p.Current, p.Total, p.CurrentChunk, p.TotalChunks,
		message, message, failedArg, formatTime(time.Now()), id)
	if err != nil {
		return mapError("update progress", err)
	}
	return requireRow(res)
}

// ResetProgress zeroes counters and failed ids ahead of a fresh run.
func (s *OperationStore) ResetProgress(ctx context.Context, id string) error {
	query := `
	UPDATE operations
	SET current = 0, total = 0, current_chunk = 0, total_chunks = 0,
		failed_ids = '[]', updated_at = ?
	WHERE id = ?
	`
	res, err := s.db.conn.ExecContext(ctx, query, formatTime(time.Now()), id)
	if err != nil {
		return mapError("reset progress", err)
	}
	return requireRow(res)
}

// Delete removes a record. Deleting an absent id is a no-op.
func (s *OperationStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.conn.ExecContext(ctx, `DELETE FROM operations WHERE id = ?`, id); err != nil {
		return mapError("delete operation", err)
	}
	return nil
}

// ListActive returns running and paused operations, oldest first.
func (s *OperationStore) ListActive(ctx context.Context) ([]operation.Operation, error) {
	query := `
	SELECT ` + operationColumns + `
	FROM operations
	WHERE status IN ('running', 'paused')
	ORDER BY started_at ASC
	`
	return s.list(ctx, "list active", query)
}

// ListCompleted returns terminal operations updated at or after since,
// newest first.
func (s *OperationStore) ListCompleted(ctx context.Context, since time.Time) ([]operation.Operation, error) {
	query := `
	SELECT ` + operationColumns + `
	FROM operations
	WHERE status IN ('completed', 'failed') AND updated_at >= ?
	ORDER BY updated_at DESC
	`
	return s.list(ctx, "list completed", query, formatTime(since))
}

// ListAll returns every record, oldest first.
func (s *OperationStore) ListAll(ctx context.Context) ([]operation.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations ORDER BY started_at ASC`
	return s.list(ctx, "list all", query)
}

func (s *OperationStore) list(ctx context.Context, opName, query string, args ...any) ([]operation.Operation, error) {
	rows, err := s.db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(opName, err)
	}
	defer rows.Close()

	var out []operation.Operation
	for rows.Next() {
		op, err := scanOperation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("%s: scan row: %w", opName, err)
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(opName, err)
	}
	return out, nil
}

func scanOperation(scan func(dest ...any) error) (operation.Operation, error) {
	var (
		op        operation.Operation
		kind      string
		status    string
		workItems string
		failedIDs string
		metaJSON  string
		startedAt string
		updatedAt string
	)
	err := scan(
		&op.ID,
		&kind,
		&op.TargetID,
		&op.TargetName,
		&op.TargetURL,
		&status,
		&op.Progress.Current,
		&op.Progress.Total,
		&op.Progress.CurrentChunk,
		&op.Progress.TotalChunks,
		&workItems,
		&failedIDs,
		&op.MaxItems,
		&op.Message,
		&metaJSON,
		&startedAt,
		&updatedAt,
	)
	if err != nil {
		return operation.Operation{}, err
	}

	op.Kind = operation.Kind(kind)
	op.Status = operation.Status(status)
	if err := json.Unmarshal([]byte(workItems), &op.WorkItems); err != nil {
		return operation.Operation{}, fmt.Errorf("unmarshal work items: %w", err)
	}
	if err := json.Unmarshal([]byte(failedIDs), &op.FailedIDs); err != nil {
		return operation.Operation{}, fmt.Errorf("unmarshal failed ids: %w", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &op.Meta); err != nil {
		return operation.Operation{}, fmt.Errorf("unmarshal meta: %w", err)
	}
	if op.StartedAt, err = parseTime(startedAt); err != nil {
		return operation.Operation{}, err
	}
	if op.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return operation.Operation{}, err
	}
	if len(op.FailedIDs) == 0 {
		op.FailedIDs = nil
	}
	return op, nil
}

func marshalIDs(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
