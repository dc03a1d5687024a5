// Пакет audit — асинхронная запись событий аудита.
//
// Record никогда не блокирует запрос: событие кладётся в буферизованный
// канал, при переполнении отбрасывается и учитывается в метрике.
// Запись в приёмник выполняет одна фоновая горутина.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "as_audit_events_total",
		Help: "Количество событий аудита по результату записи",
	}, []string{"result"})
)

// Действия над вложениями.
const (
	ActionUpload         = "attachment.upload"
	ActionUploadVersion  = "attachment.upload_version"
	ActionUpdate         = "attachment.update"
	ActionDelete         = "attachment.delete"
	ActionDownloadLink   = "attachment.download_link"
	ActionStream         = "attachment.stream"
	ActionUploadRejected = "attachment.upload_rejected"
)

// Event — событие аудита.
type Event struct {
	Action       string
	Actor        string
	AttachmentID string
	ChainID      string
	Entity       string
	Filename     string
	Detail       string
	At           time.Time
}

// Sink — приёмник событий аудита.
type Sink interface {
	Write(ctx context.Context, e Event) error
}

// LogSink пишет события в структурированный лог.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink создаёт приёмник, пишущий события в лог.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With(slog.String("component", "audit"))}
}

// Write записывает событие уровнем INFO.
func (s *LogSink) Write(_ context.Context, e Event) error {
	attrs := []any{
		slog.String("action", e.Action),
		slog.String("actor", e.Actor),
		slog.Time("at", e.At),
	}
	if e.AttachmentID != "" {
		attrs = append(attrs, slog.String("attachment_id", e.AttachmentID))
	}
	if e.ChainID != "" {
		attrs = append(attrs, slog.String("chain_id", e.ChainID))
	}
	if e.Entity != "" {
		attrs = append(attrs, slog.String("entity", e.Entity))
	}
	if e.Filename != "" {
		attrs = append(attrs, slog.String("filename", e.Filename))
	}
	if e.Detail != "" {
		attrs = append(attrs, slog.String("detail", e.Detail))
	}
	s.logger.Info("Событие аудита", attrs...)
	return nil
}

// Recorder — асинхронный регистратор событий.
type Recorder struct {
	sink   Sink
	events chan Event
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRecorder создаёт регистратор с буфером на buffer событий.
func NewRecorder(sink Sink, buffer int, logger *slog.Logger) *Recorder {
	if buffer < 1 {
		buffer = 1
	}
	return &Recorder{
		sink:   sink,
		events: make(chan Event, buffer),
		logger: logger.With(slog.String("component", "audit_recorder")),
		now:    time.Now,
		done:   make(chan struct{}),
	}
}

// Record ставит событие в очередь. Не блокирует: при полном буфере
// или остановленном регистраторе событие отбрасывается.
func (r *Recorder) Record(e Event) {
	if e.At.IsZero() {
		e.At = r.now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		eventsTotal.WithLabelValues("dropped").Inc()
		return
	}
	select {
	case r.events <- e:
	default:
		eventsTotal.WithLabelValues("dropped").Inc()
		r.logger.Warn("Буфер аудита переполнен, событие отброшено",
			slog.String("action", e.Action),
			slog.String("attachment_id", e.AttachmentID),
		)
	}
}

// Start запускает фоновую запись. Повторный вызов ничего не делает.
func (r *Recorder) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.stopped {
		return
	}
	r.started = true
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	go r.run(runCtx)
}

// Stop прекращает приём событий, дописывает очередь и ждёт завершения горутины.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	started := r.started
	close(r.events)
	r.mu.Unlock()

	if started {
		<-r.done
		r.cancel()
	}
}

func (r *Recorder) run(ctx context.Context) {
	defer close(r.done)
	for e := range r.events {
		if err := r.sink.Write(ctx, e); err != nil {
			eventsTotal.WithLabelValues("error").Inc()
			r.logger.Warn("Ошибка записи события аудита",
				slog.String("action", e.Action),
				slog.String("error", err.Error()),
			)
			continue
		}
		eventsTotal.WithLabelValues("written").Inc()
	}
}
