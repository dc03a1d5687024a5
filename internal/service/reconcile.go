// reconcile.go — фоновая сверка метаданных и файлового хранилища.
//
// Сверка сравнивает пути хранения из БД с файлами каталогов сущностей:
//   - orphaned_file: файл без строки в БД старше AS_RECONCILE_GRACE удаляется
//     (авария между переносом файла и фиксацией метаданных);
//   - missing_file: строка в БД без файла — учитывается и логируется,
//     такое вложение отдаёт NOT_FOUND при скачивании.
//
// Запускается как горутина с периодическим тикером (AS_RECONCILE_INTERVAL).
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/attachment-store/internal/repository"
	"github.com/bigkaa/goartstore/attachment-store/internal/storage/filestore"
)

// Prometheus метрики Reconciliation
var (
	reconcileRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "as_reconcile_runs_total",
		Help: "Общее количество запусков сверки",
	})

	reconcileIssuesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "as_reconcile_issues_total",
		Help: "Общее количество проблем, обнаруженных сверкой",
	}, []string{"type"})

	reconcileDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "as_reconcile_duration_seconds",
		Help:    "Длительность выполнения сверки в секундах",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
	})
)

// PermanentFiles — файлы постоянного хранения.
type PermanentFiles interface {
	ListPermanent() ([]filestore.StoredFile, error)
	Exists(storagePath string) bool
	Remove(storagePath string)
}

// ReconcileResult — результат одного запуска сверки.
type ReconcileResult struct {
	FilesChecked   int
	RecordsChecked int
	OrphansRemoved int
	// OrphansYoung — файлы без строки в БД, ещё не вышедшие из grace-периода
	OrphansYoung int
	MissingFiles int
	Duration     time.Duration
}

// ReconcileService — сервис фоновой сверки.
type ReconcileService struct {
	files    PermanentFiles
	store    repository.AttachmentStore
	interval time.Duration
	grace    time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex // защита от параллельного запуска
	inProcess bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewReconcileService создаёт сервис сверки.
func NewReconcileService(
	files PermanentFiles,
	store repository.AttachmentStore,
	interval time.Duration,
	grace time.Duration,
	logger *slog.Logger,
) *ReconcileService {
	return &ReconcileService{
		files:    files,
		store:    store,
		interval: interval,
		grace:    grace,
		logger:   logger.With(slog.String("component", "reconcile")),
		now:      time.Now,
	}
}

// Start запускает фоновую горутину сверки с периодическим тикером.
func (rs *ReconcileService) Start(ctx context.Context) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.cancel != nil {
		return
	}
	rsCtx, cancel := context.WithCancel(ctx)
	rs.cancel = cancel
	rs.done = make(chan struct{})

	go rs.run(rsCtx, rs.done)

	rs.logger.Info("Сверка запущена",
		slog.String("interval", rs.interval.String()),
		slog.String("grace", rs.grace.String()),
	)
}

// Stop останавливает фоновую сверку и ждёт завершения текущего цикла.
func (rs *ReconcileService) Stop() {
	rs.mu.Lock()
	cancel, done := rs.cancel, rs.done
	rs.cancel = nil
	rs.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	rs.logger.Info("Сверка остановлена")
}

// IsInProgress возвращает true, если сверка выполняется.
func (rs *ReconcileService) IsInProgress() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.inProcess
}

func (rs *ReconcileService) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := rs.RunOnce(ctx); err != nil {
				rs.logger.Error("Ошибка сверки", slog.String("error", err.Error()))
			}
		}
	}
}

// RunOnce выполняет один цикл сверки.
// Если сверка уже выполняется, возвращает nil, true.
func (rs *ReconcileService) RunOnce(ctx context.Context) (*ReconcileResult, bool, error) {
	rs.mu.Lock()
	if rs.inProcess {
		rs.mu.Unlock()
		rs.logger.Warn("Сверка уже выполняется, пропуск")
		return nil, true, nil
	}
	rs.inProcess = true
	rs.mu.Unlock()

	defer func() {
		rs.mu.Lock()
		rs.inProcess = false
		rs.mu.Unlock()
	}()

	start := time.Now()
	result := &ReconcileResult{}

	// Сначала файлы, затем БД: файл, перенесённый между двумя чтениями,
	// попадёт в БД-множество и не будет принят за сироту
	files, err := rs.files.ListPermanent()
	if err != nil {
		return nil, false, err
	}
	known, err := rs.store.Attachments().StoragePaths(ctx)
	if err != nil {
		return nil, false, err
	}
	result.FilesChecked = len(files)
	result.RecordsChecked = len(known)

	cutoff := rs.now().Add(-rs.grace)
	for _, f := range files {
		if _, ok := known[f.StoragePath]; ok {
			continue
		}
		if f.ModTime.After(cutoff) {
			result.OrphansYoung++
			continue
		}
		// Перепроверка: строка могла появиться после чтения множества путей
		if exists, err := rs.store.Attachments().ExistsByStoragePath(ctx, f.StoragePath); err != nil || exists {
			continue
		}
		rs.files.Remove(f.StoragePath)
		result.OrphansRemoved++
		reconcileIssuesTotal.WithLabelValues("orphaned_file").Inc()
	}

	for p := range known {
		if !rs.files.Exists(p) {
			result.MissingFiles++
			reconcileIssuesTotal.WithLabelValues("missing_file").Inc()
		}
	}

	result.Duration = time.Since(start)
	reconcileRunsTotal.Inc()
	reconcileDurationSeconds.Observe(result.Duration.Seconds())

	level := slog.LevelInfo
	if result.MissingFiles > 0 {
		level = slog.LevelWarn
	}
	rs.logger.Log(ctx, level, "Сверка завершена",
		slog.Int("files_checked", result.FilesChecked),
		slog.Int("records_checked", result.RecordsChecked),
		slog.Int("orphans_removed", result.OrphansRemoved),
		slog.Int("orphans_young", result.OrphansYoung),
		slog.Int("missing_files", result.MissingFiles),
		slog.Duration("duration", result.Duration),
	)
	return result, false, nil
}
