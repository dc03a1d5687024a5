// sweep.go — фоновая очистка области временного хранения.
//
// Загрузки, прерванные до переноса в постоянный каталог (обрыв
// соединения, аварийная остановка), оставляют файлы в temp/.
// Сервис удаляет файлы старше AS_SWEEP_MAX_AGE с периодом
// AS_SWEEP_INTERVAL. Жизненным циклом управляет владелец через Start/Stop.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus метрики очистки
var (
	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "as_sweep_runs_total",
		Help: "Общее количество запусков очистки временной области",
	})

	sweepFilesRemovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "as_sweep_files_removed_total",
		Help: "Общее количество брошенных временных файлов, удалённых очисткой",
	})

	sweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "as_sweep_duration_seconds",
		Help:    "Длительность очистки временной области в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
)

// TempSweeper — область временного хранения.
type TempSweeper interface {
	SweepTemp(maxAge time.Duration) (removed int, freed int64, err error)
}

// SweepResult — результат одного запуска очистки.
type SweepResult struct {
	Removed  int
	Freed    int64
	Duration time.Duration
}

// HoldingSweeper — фоновая очистка временной области.
type HoldingSweeper struct {
	temp     TempSweeper
	interval time.Duration
	maxAge   time.Duration
	logger   *slog.Logger

	runMu sync.Mutex // защита от параллельного запуска RunOnce

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewHoldingSweeper создаёт сервис очистки.
func NewHoldingSweeper(temp TempSweeper, interval, maxAge time.Duration, logger *slog.Logger) *HoldingSweeper {
	return &HoldingSweeper{
		temp:     temp,
		interval: interval,
		maxAge:   maxAge,
		logger:   logger.With(slog.String("component", "sweeper")),
	}
}

// Start запускает фоновую горутину. Повторный вызов без Stop ничего не делает.
func (s *HoldingSweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.run(runCtx, s.done)

	s.logger.Info("Очистка временной области запущена",
		slog.String("interval", s.interval.String()),
		slog.String("max_age", s.maxAge.String()),
	)
}

// Stop останавливает фоновую горутину и ждёт её завершения.
// Безопасен при повторном вызове и без Start.
func (s *HoldingSweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("Очистка временной области остановлена")
}

// Running сообщает, работает ли фоновая горутина.
func (s *HoldingSweeper) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *HoldingSweeper) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	// Первый запуск — сразу после старта
	s.RunOnce()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce()
		}
	}
}

// RunOnce выполняет один цикл очистки.
func (s *HoldingSweeper) RunOnce() *SweepResult {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	start := time.Now()
	removed, freed, err := s.temp.SweepTemp(s.maxAge)
	result := &SweepResult{Removed: removed, Freed: freed, Duration: time.Since(start)}

	sweepRunsTotal.Inc()
	sweepFilesRemovedTotal.Add(float64(removed))
	sweepDurationSeconds.Observe(result.Duration.Seconds())

	if err != nil {
		s.logger.Error("Ошибка очистки временной области", slog.String("error", err.Error()))
		return result
	}
	if removed > 0 {
		s.logger.Info("Брошенные временные файлы удалены",
			slog.Int("removed", removed),
			slog.Int64("freed_bytes", freed),
			slog.Duration("duration", result.Duration),
		)
	}
	return result
}
