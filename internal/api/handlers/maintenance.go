// maintenance.go — обработчик POST /api/v1/maintenance/reconcile.
// Внеплановая сверка БД и файлового хранилища, только для администратора.
package handlers

import (
	"context"
	"net/http"

	apierrors "github.com/bigkaa/goartstore/attachment-store/internal/api/errors"
	"github.com/bigkaa/goartstore/attachment-store/internal/service"
)

// ReconcileRunner — запуск одного цикла сверки.
type ReconcileRunner interface {
	// RunOnce возвращает результат и флаг "уже выполняется".
	RunOnce(ctx context.Context) (*service.ReconcileResult, bool, error)
}

// MaintenanceHandler — обработчик endpoints обслуживания.
type MaintenanceHandler struct {
	reconciler ReconcileRunner
	errs       *ErrorWriter
}

// NewMaintenanceHandler создаёт обработчик maintenance endpoints.
func NewMaintenanceHandler(reconciler ReconcileRunner, errs *ErrorWriter) *MaintenanceHandler {
	return &MaintenanceHandler{reconciler: reconciler, errs: errs}
}

// reconcileResponse — итог сверки.
type reconcileResponse struct {
	FilesChecked   int   `json:"files_checked"`
	RecordsChecked int   `json:"records_checked"`
	OrphansRemoved int   `json:"orphans_removed"`
	OrphansYoung   int   `json:"orphans_young"`
	MissingFiles   int   `json:"missing_files"`
	DurationMs     int64 `json:"duration_ms"`
}

// Reconcile обрабатывает POST /api/v1/maintenance/reconcile.
// Если сверка уже выполняется — 409 RECONCILE_IN_PROGRESS.
func (h *MaintenanceHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	if !caller.Admin {
		apierrors.Forbidden(w, "Сверка доступна только администратору")
		return
	}

	result, inProgress, err := h.reconciler.RunOnce(r.Context())
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	if inProgress {
		apierrors.WriteError(w, http.StatusConflict, apierrors.CodeReconcileInProgress, "Сверка уже выполняется")
		return
	}

	writeJSON(w, http.StatusOK, reconcileResponse{
		FilesChecked:   result.FilesChecked,
		RecordsChecked: result.RecordsChecked,
		OrphansRemoved: result.OrphansRemoved,
		OrphansYoung:   result.OrphansYoung,
		MissingFiles:   result.MissingFiles,
		DurationMs:     result.Duration.Milliseconds(),
	})
}
