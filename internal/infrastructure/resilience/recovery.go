package resilience

import (
	"context"
	"log/slog"

	"github.com/kirillkom/rag-context-pipeline/internal/core/domain"
)

// Clearable is anything that can be wiped during recovery.
type Clearable interface {
	Clear()
}

type RecoveryHooks struct {
	Validate func() error
	Backup   func(ctx context.Context) error
	Restore  func(ctx context.Context) error
}

// RecoverFromCorruption validates target and, when it is corrupted, backs up,
// clears, restores and validates again. Only a failed final validation is
// returned; backup and restore failures are logged.
func (m *Manager) RecoverFromCorruption(ctx context.Context, target Clearable, hooks RecoveryHooks) error {
	if hooks.Validate == nil || target == nil {
		return nil
	}
	verr := hooks.Validate()
	if verr == nil {
		return nil
	}
	slog.Warn("corruption_detected", "error", verr)

	if hooks.Backup != nil {
		if err := hooks.Backup(ctx); err != nil {
			slog.Error("corruption_backup_failed", "error", err)
		}
	}

	target.Clear()

	if hooks.Restore != nil {
		if err := hooks.Restore(ctx); err != nil {
			slog.Error("corruption_restore_failed", "error", err)
		}
	}

	if err := hooks.Validate(); err != nil {
		slog.Error("corruption_recovery_failed", "error", err)
		return domain.WrapError(domain.ErrCacheCorrupted, "recover from corruption", err)
	}
	slog.Info("corruption_recovered")
	return nil
}
