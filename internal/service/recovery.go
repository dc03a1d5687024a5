package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bigkaa/goartstore/attachment-store/internal/repository"
	"github.com/bigkaa/goartstore/attachment-store/internal/storage/wal"
)

// journalRetention — сколько хранятся закрытые намерения журнала.
const journalRetention = 24 * time.Hour

// RecoveryResult — итог разбора журнала при старте.
type RecoveryResult struct {
	// Committed — намерения, метаданные которых уже в БД
	Committed int
	// RolledBack — намерения без строки в БД, файл удалён
	RolledBack int
	// Cleaned — удалённые закрытые записи журнала
	Cleaned int
	// Skipped — свежие намерения других экземпляров, оставленные владельцу
	Skipped int
}

// RecoverJournal разбирает незакрытые намерения журнала после аварийной
// остановки. Вызывается при старте до приёма запросов.
//
// Свои намерения разбираются всегда: процесс-владелец уже остановлен.
// Намерения другого экземпляра моложе grace могут быть в работе, их файл
// уже перенесён, а строка ещё не зафиксирована, поэтому они пропускаются.
func RecoverJournal(
	ctx context.Context,
	journal *wal.WAL,
	files FileRemover,
	store repository.AttachmentStore,
	grace time.Duration,
	logger *slog.Logger,
) (*RecoveryResult, error) {
	logger = logger.With(slog.String("component", "recovery"))

	pending, err := journal.RecoverPending()
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения журнала: %w", err)
	}

	result := &RecoveryResult{}
	cutoff := time.Now().Add(-grace)
	for _, e := range pending {
		if e.Owner != journal.Owner() && e.StartedAt.After(cutoff) {
			result.Skipped++
			continue
		}

		exists, err := store.Attachments().ExistsByStoragePath(ctx, e.StoragePath)
		if err != nil {
			return result, fmt.Errorf("ошибка проверки намерения %s: %w", e.TransactionID, err)
		}

		if exists {
			if err := journal.Commit(e.TransactionID); err != nil {
				return result, fmt.Errorf("ошибка закрытия намерения %s: %w", e.TransactionID, err)
			}
			result.Committed++
			continue
		}

		files.Remove(e.StoragePath)
		if err := journal.Rollback(e.TransactionID); err != nil {
			return result, fmt.Errorf("ошибка отката намерения %s: %w", e.TransactionID, err)
		}
		result.RolledBack++
		logger.Warn("Незавершённая загрузка откатана",
			slog.String("tx_id", e.TransactionID),
			slog.String("attachment_id", e.AttachmentID),
			slog.String("operation", string(e.Operation)),
		)
	}

	result.Cleaned, err = journal.CleanCommitted(journalRetention)
	if err != nil {
		logger.Warn("Ошибка очистки журнала", slog.String("error", err.Error()))
	}

	logger.Info("Журнал фиксации разобран",
		slog.Int("pending", len(pending)),
		slog.Int("committed", result.Committed),
		slog.Int("rolled_back", result.RolledBack),
		slog.Int("skipped", result.Skipped),
		slog.Int("cleaned", result.Cleaned),
	)
	return result, nil
}
