package cleanup

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/shelfwatch/fetch-engine/internal/store"
)

// Migrator moves operation records out of the fallback store once the
// durable store is reachable again. Records written while the durable
// backend was down would otherwise stay invisible to recovery.
type Migrator struct {
	durable  store.OperationStore
	fallback store.OperationStore
	logger   *zap.Logger
}

// NewMigrator constructs a Migrator. A nil logger falls back to a no-op
// one.
func NewMigrator(durable, fallback store.OperationStore, logger *zap.Logger) *Migrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Migrator{durable: durable, fallback: fallback, logger: logger}
}

// Migrate copies every fallback record missing from the durable store,
// then clears the fallback. Failures are logged per record and leave
// that record in place for the next pass. Returns how many records were
// copied over.
func (m *Migrator) Migrate(ctx context.Context) (int, error) {
	stranded, err := m.fallback.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("list fallback records: %w", err)
	}
	if len(stranded) == 0 {
		return 0, nil
	}
	// One probe up front, so an unreachable durable store does not turn
	// into one failure log per stranded record.
	if _, err := m.durable.ListAll(ctx); err != nil {
		return 0, fmt.Errorf("durable store not ready: %w", err)
	}

	migrated := 0
	for _, op := range stranded {
		switch _, err := m.durable.Get(ctx, op.ID); {
		case err == nil:
			// already present, only the fallback copy needs clearing
		case errors.Is(err, store.ErrNotFound):
			if err := m.durable.Create(ctx, op); err != nil {
				m.logger.Warn("migrate operation record",
					zap.String("operation_id", op.ID), zap.Error(err))
				continue
			}
			migrated++
		default:
			m.logger.Warn("check durable store for record",
				zap.String("operation_id", op.ID), zap.Error(err))
			continue
		}
		if err := m.fallback.Delete(ctx, op.ID); err != nil {
			m.logger.Warn("clear migrated record from fallback",
				zap.String("operation_id", op.ID), zap.Error(err))
		}
	}
	if migrated > 0 {
		m.logger.Info("operation records migrated",
			zap.Int("count", migrated),
			zap.Int("stranded", len(stranded)))
	}
	return migrated, nil
}
