// health.go — обработчики health endpoints для Kubernetes probes.
package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/bigkaa/goartstore/attachment-store/internal/config"
)

// statusFail — строковая константа для статуса "fail" в health checks.
const statusFail = "fail"

// WritableChecker — проверка записи в хранилище.
type WritableChecker interface {
	CheckWritable() error
}

// ReadinessChecker — проверка готовности внешней зависимости (БД).
type ReadinessChecker interface {
	Name() string
	CheckReady() (status string, message string)
}

// HealthHandler реализует /health/live и /health/ready.
type HealthHandler struct {
	version  string
	storage  WritableChecker
	walDir   string
	checkers []ReadinessChecker
}

// NewHealthHandler создаёт обработчик health endpoints.
// checkers — дополнительные проверки (PostgreSQL), могут отсутствовать.
func NewHealthHandler(storage WritableChecker, walDir string, checkers ...ReadinessChecker) *HealthHandler {
	return &HealthHandler{
		version:  config.Version,
		storage:  storage,
		walDir:   walDir,
		checkers: checkers,
	}
}

// HealthLive обрабатывает GET /health/live.
// Возвращает 200, если процесс жив. Зависимости не проверяются.
func (h *HealthHandler) HealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "attachment-store",
	})
}

// HealthReady обрабатывает GET /health/ready.
// Проверяет: хранилище и журнал доступны на запись, зависимости готовы.
// Недоступный журнал — degraded, остальное — fail (503).
func (h *HealthHandler) HealthReady(w http.ResponseWriter, _ *http.Request) {
	overallStatus := "ok"
	httpStatus := http.StatusOK
	fail := func() {
		overallStatus = statusFail
		httpStatus = http.StatusServiceUnavailable
	}

	checks := map[string]any{}

	storageCheck := h.checkStorage()
	checks["storage"] = storageCheck
	if storageCheck["status"] != "ok" {
		fail()
	}

	walCheck := h.checkWAL()
	checks["wal"] = walCheck
	if walCheck["status"] != "ok" && overallStatus != statusFail {
		overallStatus = "degraded"
	}

	for _, c := range h.checkers {
		status, message := c.CheckReady()
		checks[c.Name()] = map[string]any{"status": status, "message": message}
		if status != "ok" {
			fail()
		}
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    overallStatus,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   h.version,
		"service":   "attachment-store",
		"checks":    checks,
	})
}

// checkStorage проверяет, что в хранилище можно писать.
func (h *HealthHandler) checkStorage() map[string]any {
	if h.storage == nil {
		return map[string]any{"status": "ok", "message": "Проверка не настроена"}
	}
	if err := h.storage.CheckWritable(); err != nil {
		return map[string]any{
			"status":  statusFail,
			"message": "Хранилище недоступно для записи",
		}
	}
	return map[string]any{"status": "ok"}
}

// checkWAL проверяет доступность директории журнала на запись.
func (h *HealthHandler) checkWAL() map[string]any {
	if h.walDir == "" {
		return map[string]any{"status": "ok", "message": "Проверка не настроена"}
	}

	testFile := filepath.Join(h.walDir, ".health_check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return map[string]any{
			"status":  statusFail,
			"message": "Директория журнала недоступна для записи",
		}
	}
	_ = os.Remove(testFile)

	return map[string]any{"status": "ok"}
}
