// metrics.go — Prometheus метрики Attachment Store.
// HTTP: as_http_requests_total, as_http_request_duration_seconds.
// Бизнес-метрики экспортируются для обновления из сервисного слоя.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP метрики
var (
	// httpRequestsTotal — общее количество HTTP-запросов.
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "as_http_requests_total",
			Help: "Общее количество HTTP-запросов к Attachment Store",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDuration — гистограмма длительности HTTP-запросов.
	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "as_http_request_duration_seconds",
			Help:    "Длительность HTTP-запросов к Attachment Store в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Бизнес-метрики (экспортируются для обновления из сервисного слоя)
var (
	// OperationsTotal — количество операций над вложениями.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "as_operations_total",
			Help: "Общее количество операций над вложениями",
		},
		[]string{"operation", "result"},
	)

	// RejectionsTotal — отклонённые загрузки по причине.
	RejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "as_upload_rejections_total",
			Help: "Количество отклонённых загрузок по причине",
		},
		[]string{"reason"},
	)

	// UploadedBytesTotal — объём принятых загрузок.
	UploadedBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "as_uploaded_bytes_total",
			Help: "Объём успешно сохранённых загрузок в байтах",
		},
	)

	// StreamedBytesTotal — объём отданного клиентам содержимого.
	StreamedBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "as_streamed_bytes_total",
			Help: "Объём содержимого, отданного по ссылкам скачивания, в байтах",
		},
	)
)

// MetricsMiddleware возвращает HTTP middleware для сбора Prometheus метрик.
// Записывает количество запросов и длительность для каждого endpoint.
func MetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			normalizedPath := normalizePath(r.URL.Path)

			wrapped := newMetricsResponseWriter(w)
			next.ServeHTTP(wrapped, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(wrapped.statusCode)

			httpRequestsTotal.WithLabelValues(r.Method, normalizedPath, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, normalizedPath).Observe(duration)
		})
	}
}

// metricsResponseWriter — обёртка для перехвата статус-кода.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newMetricsResponseWriter(w http.ResponseWriter) *metricsResponseWriter {
	return &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap позволяет http.ResponseController получить доступ к оригинальному ResponseWriter.
func (rw *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// normalizePath заменяет UUID-сегменты пути на {id} для ограничения
// кардинальности метрик.
// /api/v1/attachments/a1b2c3d4-e5f6-7890-abcd-ef1234567890/stream → /api/v1/attachments/{id}/stream
func normalizePath(path string) string {
	segments := strings.Split(path, "/")
	for i, s := range segments {
		if len(s) == 36 {
			if _, err := uuid.Parse(s); err == nil {
				segments[i] = "{id}"
			}
		}
	}
	return strings.Join(segments, "/")
}
