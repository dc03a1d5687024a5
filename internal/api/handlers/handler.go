// handler.go — APIHandler собирает доменные handlers и регистрирует маршруты.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// APIHandler — все endpoints Attachment Store.
type APIHandler struct {
	attachments *AttachmentsHandler
	system      *SystemHandler
	maintenance *MaintenanceHandler
	health      *HealthHandler
	metrics     http.Handler
}

// NewAPIHandler создаёт единый handler для всех endpoints.
func NewAPIHandler(
	attachments *AttachmentsHandler,
	system *SystemHandler,
	maintenance *MaintenanceHandler,
	health *HealthHandler,
	metrics http.Handler,
) *APIHandler {
	return &APIHandler{
		attachments: attachments,
		system:      system,
		maintenance: maintenance,
		health:      health,
		metrics:     metrics,
	}
}

// Register регистрирует маршруты. auth защищает все API endpoints,
// кроме потоковой отдачи по ссылке; health и metrics публичны.
func (h *APIHandler) Register(r chi.Router, auth func(http.Handler) http.Handler) {
	r.Get("/health/live", h.health.HealthLive)
	r.Get("/health/ready", h.health.HealthReady)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/attachments/{id}/stream", h.attachments.Stream)

		r.Group(func(r chi.Router) {
			if auth != nil {
				r.Use(auth)
			}

			r.Post("/attachments", h.attachments.Upload)
			r.Get("/attachments", h.attachments.List)
			r.Get("/attachments/{id}", h.attachments.Get)
			r.Patch("/attachments/{id}", h.attachments.Update)
			r.Delete("/attachments/{id}", h.attachments.Delete)
			r.Post("/attachments/{id}/versions", h.attachments.UploadVersion)
			r.Get("/attachments/{id}/versions", h.attachments.ListVersions)
			r.Post("/attachments/{id}/download-link", h.attachments.DownloadLink)

			if h.system != nil {
				r.Get("/info", h.system.GetInfo)
			}
			if h.maintenance != nil {
				r.Post("/maintenance/reconcile", h.maintenance.Reconcile)
			}
		})
	})
}
