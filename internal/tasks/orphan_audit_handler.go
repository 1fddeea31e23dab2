package tasks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/makkenzo/keygate/internal/domain/key"
	"github.com/makkenzo/keygate/internal/metrics"
	"go.uber.org/zap"
)

const orphanAuditBatchSize = 1000

// OrphanAuditHandler periodically scans for the residue of interrupted
// recoveries: revoked keys whose replacement was never created. These need a
// manual reissue, so each one is logged loudly and the total is exported as
// a gauge.
type OrphanAuditHandler struct {
	store  key.Store
	logger *zap.Logger
}

func NewOrphanAuditHandler(store key.Store, logger *zap.Logger) *OrphanAuditHandler {
	return &OrphanAuditHandler{
		store:  store,
		logger: logger.Named("OrphanAuditHandler"),
	}
}

func (h *OrphanAuditHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	if t.Type() != TypeOrphanAudit {
		return fmt.Errorf("unexpected task type: %s", t.Type())
	}

	var p OrphanAuditPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		h.logger.Error("Failed to unmarshal payload for orphan audit task", zap.Error(err), zap.ByteString("payload", t.Payload()))
		return fmt.Errorf("invalid payload: %v", err)
	}

	h.logger.Info("Running recovery orphan audit...")

	orphans, err := h.store.ListRecoveryOrphans(ctx, orphanAuditBatchSize)
	if err != nil {
		h.logger.Error("Failed to list recovery orphans", zap.Error(err))
		return fmt.Errorf("store error listing recovery orphans: %w", err)
	}

	for _, rec := range orphans {
		h.logger.Warn("Revoked key has no replacement record, manual reissue needed",
			zap.String("key", rec.ID),
			zap.String("superseded_by", rec.SupersededBy.String),
			zap.String("owner_email", rec.OwnerEmail.String),
		)
	}

	metrics.RecoveryOrphans.Set(float64(len(orphans)))

	h.logger.Info("Recovery orphan audit finished", zap.Int("orphans", len(orphans)))
	return nil
}
