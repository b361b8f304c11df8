package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/shelfwatch/fetch-engine/internal/operation"
	"github.com/shelfwatch/fetch-engine/internal/store"
)

// OperationStore implements store.OperationStore on Postgres.
type OperationStore struct {
	pool pgxPool
}

// NewOperationStore constructs a store over an existing pool.
func NewOperationStore(pool pgxPool) (*OperationStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &OperationStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *OperationStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const operationColumns = `id, kind, target_id, target_name, target_url, status,
	current, total, current_chunk, total_chunks,
	work_items, failed_ids, max_items, message, meta, started_at, updated_at`

// Create inserts a new operation record.
func (s *OperationStore) Create(ctx context.Context, op operation.Operation) error {
	metaJSON, err := json.Marshal(op.Meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	query := `
		INSERT INTO operations (` + operationColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17);
	`
	_, err = s.pool.Exec(ctx, query,
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
		workItemsArg(op.WorkItems),
		workItemsArg(op.FailedIDs),
		op.MaxItems,
		op.Message,
		metaJSON,
		op.StartedAt,
		op.UpdatedAt,
	)
	if err != nil {
		return mapError("create operation", err)
	}
	return nil
}

// Get loads one operation by ID.
func (s *OperationStore) Get(ctx context.Context, id string) (operation.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations WHERE id = $1;`
	op, err := scanOperation(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return operation.Operation{}, store.ErrNotFound
		}
		return operation.Operation{}, mapError("get operation", err)
	}
	return op, nil
}

// UpdateStatus transitions status and bumps updated_at. An empty
// message keeps the stored one.
func (s *OperationStore) UpdateStatus(ctx context.Context, id string, status operation.Status, message string) error {
	query := `
		UPDATE operations
		SET status = $2,
			message = CASE WHEN $3 <> '' THEN $3 ELSE message END,
			updated_at = NOW()
		WHERE id = $1;
	`
	tag, err := s.pool.Exec(ctx, query, id, string(status), message)
	if err != nil {
		return mapError("update status", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UpdateProgress merges a checkpoint. GREATEST keeps counters from
// moving backwards when checkpoints land out of order; a NULL failed
// list keeps the stored one.
func (s *OperationStore) UpdateProgress(
	ctx context.Context,
	id string,
	p operation.Progress,
	message string,
	failedIDs []string,
) error {
	query := `
		UPDATE operations
		SET current = GREATEST(current, $2),
			total = GREATEST(total, $3),
			current_chunk = GREATEST(current_chunk, $4),
			total_chunks = GREATEST(total_chunks, $5),
			message = CASE WHEN $6 <> '' THEN $6 ELSE message END,
			failed_ids = COALESCE($7::text[], failed_ids),
			updated_at = NOW()
		WHERE id = $1;
	`
	tag, err := s.pool.Exec(ctx, query, id,
		p.Current, p.Total, p.CurrentChunk, p.TotalChunks,
		message, failedIDsArg(failedIDs),
	)
	if err != nil {
		return mapError("update progress", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// ResetProgress zeroes counters and failed ids ahead of a fresh run.
func (s *OperationStore) ResetProgress(ctx context.Context, id string) error {
	query := `
		UPDATE operations
		SET current = 0, total = 0, current_chunk = 0, total_chunks = 0,
			failed_ids = '{}', updated_at = NOW()
		WHERE id = $1;
	`
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return mapError("reset progress", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Delete removes a record. Deleting an absent id is a no-op.
func (s *OperationStore) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM operations WHERE id = $1;`, id); err != nil {
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
		ORDER BY started_at ASC;
	`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, mapError("list active", err)
	}
	defer rows.Close()
	return collectOperations(rows)
}

// ListCompleted returns terminal operations updated at or after since,
// newest first.
func (s *OperationStore) ListCompleted(ctx context.Context, since time.Time) ([]operation.Operation, error) {
	query := `
		SELECT ` + operationColumns + `
		FROM operations
		WHERE status IN ('completed', 'failed') AND updated_at >= $1
		ORDER BY updated_at DESC;
	`
	rows, err := s.pool.Query(ctx, query, since)
	if err != nil {
		return nil, mapError("list completed", err)
	}
	defer rows.Close()
	return collectOperations(rows)
}

// ListAll returns every record, oldest first.
func (s *OperationStore) ListAll(ctx context.Context) ([]operation.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM operations ORDER BY started_at ASC;`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, mapError("list all", err)
	}
	defer rows.Close()
	return collectOperations(rows)
}

func collectOperations(rows pgx.Rows) ([]operation.Operation, error) {
	var out []operation.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation row: %w", err)
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("iterate operations", err)
	}
	return out, nil
}

func scanOperation(row pgx.Row) (operation.Operation, error) {
	var (
		op       operation.Operation
		kind     string
		status   string
		metaJSON []byte
	)
	err := row.Scan(
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
		&op.WorkItems,
		&op.FailedIDs,
		&op.MaxItems,
		&op.Message,
		&metaJSON,
		&op.StartedAt,
		&op.UpdatedAt,
	)
	if err != nil {
		return operation.Operation{}, err
	}
	op.Kind = operation.Kind(kind)
	op.Status = operation.Status(status)
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &op.Meta); err != nil {
			return operation.Operation{}, fmt.Errorf("unmarshal meta: %w", err)
		}
	}
	if len(op.FailedIDs) == 0 {
		op.FailedIDs = nil
	}
	return op, nil
}

// workItemsArg never sends NULL for an array column.
func workItemsArg(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

// failedIDsArg keeps nil as NULL so COALESCE preserves the stored list.
func failedIDsArg(ids []string) any {
	if ids == nil {
		return nil
	}
	return ids
}
