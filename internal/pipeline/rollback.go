package pipeline

import (
	"context"
	"log/slog"
)

// RollbackManager best-effort reverts provisioned infrastructure after an
// unrecoverable failure. Every internal step swallows its own errors: rollback
// must never crash the failure-reporting path.
type RollbackManager struct {
	infra  InfraController
	logger *slog.Logger
}

// NewRollbackManager constructs a RollbackManager driving the given controller.
func NewRollbackManager(infra InfraController, logger *slog.Logger) *RollbackManager {
	return &RollbackManager{infra: infra, logger: logger}
}

// Rollback attempts a full destroy of the resource graph with the resolved
// configuration. Failures are logged and swallowed.
func (m *RollbackManager) Rollback(ctx context.Context, vars map[string]string) {
	if m.infra == nil {
		return
	}
	m.logger.Warn("rolling back provisioned infrastructure")
	if err := m.infra.Destroy(ctx, vars, nil); err != nil {
		m.logger.Error("rollback destroy failed, manual cleanup may be required", "error", err)
		return
	}
	m.logger.Info("rollback completed")
}
