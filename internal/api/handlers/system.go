// system.go — обработчик GET /api/v1/info (сведения о сервисе).
package handlers

import (
	"net/http"

	"github.com/bigkaa/goartstore/attachment-store/internal/config"
	"github.com/bigkaa/goartstore/attachment-store/internal/storage/filestore"
)

// CapacityReporter — ёмкость тома хранилища.
type CapacityReporter interface {
	Usage() (filestore.Usage, error)
}

// LeaseStatus — состояние аренды фонового обслуживания.
type LeaseStatus interface {
	Held() bool
	Holder() string
}

// SystemHandler — обработчик системных endpoints.
type SystemHandler struct {
	cfg       *config.Config
	capacity  CapacityReporter
	lease     LeaseStatus
}

// NewSystemHandler создаёт обработчик системных endpoints.
// capacity и lease могут быть nil: тогда соответствующие поля не возвращаются.
func NewSystemHandler(cfg *config.Config, capacity CapacityReporter, lease LeaseStatus) *SystemHandler {
	return &SystemHandler{cfg: cfg, capacity: capacity, lease: lease}
}

// capacityInfo — ёмкость тома хранилища.
type capacityInfo struct {
	TotalBytes     int64 `json:"total_bytes"`
	UsedBytes      int64 `json:"used_bytes"`
	AvailableBytes int64 `json:"available_bytes"`
}

// serviceInfo — ответ GET /api/v1/info.
type serviceInfo struct {
	ServiceID       string        `json:"service_id"`
	Version         string        `json:"version"`
	MetadataBackend string        `json:"metadata_backend"`
	MaxFileSize     int64         `json:"max_file_size"`
	AllowedTypes    []string      `json:"allowed_types"`
	Capacity        *capacityInfo `json:"capacity,omitempty"`
	Maintenance     *leaseInfo    `json:"maintenance,omitempty"`
}

// leaseInfo — кто выполняет очистку и сверку.
type leaseInfo struct {
	Holder string `json:"holder"`
	Local  bool   `json:"local"`
}

// GetInfo обрабатывает GET /api/v1/info.
// Клиентам нужны лимит размера и реестр типов до загрузки.
func (h *SystemHandler) GetInfo(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireCaller(w, r); !ok {
		return
	}

	resp := serviceInfo{
		ServiceID:       h.cfg.ServiceID,
		Version:         config.Version,
		MetadataBackend: h.cfg.MetadataBackend,
		MaxFileSize:     h.cfg.MaxFileSize,
		AllowedTypes:    h.cfg.AllowedTypes,
	}
	if h.capacity != nil {
		if u, err := h.capacity.Usage(); err == nil {
			resp.Capacity = &capacityInfo{TotalBytes: u.Total, UsedBytes: u.Used, AvailableBytes: u.Available}
		}
	}
	if h.lease != nil {
		resp.Maintenance = &leaseInfo{Holder: h.lease.Holder(), Local: h.lease.Held()}
	}
	writeJSON(w, http.StatusOK, resp)
}
