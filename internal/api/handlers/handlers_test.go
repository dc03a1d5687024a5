package handlers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/goartstore/attachment-store/internal/service"
)

func TestUpload_DownloadLinkAndStream(t *testing.T) {
	api := newTestAPI(t, 1<<20)
	created := api.mustUpload(t, &filePart{name: "report.pdf", contentType: "application/pdf", data: pdfBody})

	if created.VersionNumber != 1 || !created.IsLatestVersion {
		t.Errorf("первая версия: номер %d, последняя %v", created.VersionNumber, created.IsLatestVersion)
	}
	if created.EntityKind != "task" || created.EntityID != "T-1" || created.UploadedBy != "alice" {
		t.Errorf("неожиданные метаданные: %+v", created)
	}

	rec := api.do(t, http.MethodPost, "/api/v1/attachments/"+created.ID+"/download-link", "bob", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("download-link: статус %d, тело %s", rec.Code, rec.Body.String())
	}
	link := decode[service.DownloadLink](t, rec)

	// Потоковая отдача не требует аутентификации
	rec = api.do(t, http.MethodGet, streamPath(t, link.URL), "", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stream: статус %d, тело %s", rec.Code, rec.Body.String())
	}
	if !bytes.Equal(rec.Body.Bytes(), pdfBody) {
		t.Error("отданное содержимое не совпадает с загруженным")
	}
	if got := rec.Header().Get("Content-Type"); got != "application/pdf" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := rec.Header().Get("Content-Disposition"); !strings.Contains(got, `filename="report.pdf"`) {
		t.Errorf("Content-Disposition = %q", got)
	}
}

func TestUpload_Errors(t *testing.T) {
	api := newTestAPI(t, 1024)

	tests := []struct {
		name     string
		subject  string
		fields   map[string]string
		file     *filePart
		wantCode int
		wantErr  string
	}{
		{
			name:     "без аутентификации",
			fields:   map[string]string{"entity_kind": "task", "entity_id": "T-1"},
			file:     &filePart{name: "a.pdf", contentType: "application/pdf", data: pdfBody},
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "нет поля file",
			subject:  "alice",
			fields:   map[string]string{"entity_kind": "task", "entity_id": "T-1"},
			wantCode: http.StatusBadRequest,
			wantErr:  "BAD_REQUEST",
		},
		{
			name:     "неизвестный вид сущности",
			subject:  "alice",
			fields:   map[string]string{"entity_kind": "sprint", "entity_id": "S-1"},
			file:     &filePart{name: "a.pdf", contentType: "application/pdf", data: pdfBody},
			wantCode: http.StatusBadRequest,
			wantErr:  "BAD_REQUEST",
		},
		{
			name:     "PNG под видом PDF",
			subject:  "alice",
			fields:   map[string]string{"entity_kind": "task", "entity_id": "T-1"},
			file:     &filePart{name: "a.pdf", contentType: "application/pdf", data: pngBody},
			wantCode: http.StatusUnprocessableEntity,
			wantErr:  string(service.KindValidation),
		},
		{
			name:     "файл больше лимита",
			subject:  "alice",
			fields:   map[string]string{"entity_kind": "task", "entity_id": "T-1"},
			file:     &filePart{name: "big.pdf", contentType: "application/pdf", data: append(append([]byte{}, pdfBody...), bytes.Repeat([]byte("x"), 2048)...)},
			wantCode: http.StatusRequestEntityTooLarge,
			wantErr:  string(service.KindTooLarge),
		},
		{
			name:     "некорректный is_public",
			subject:  "alice",
			fields:   map[string]string{"entity_kind": "task", "entity_id": "T-1", "is_public": "maybe"},
			file:     &filePart{name: "a.pdf", contentType: "application/pdf", data: pdfBody},
			wantCode: http.StatusBadRequest,
			wantErr:  "BAD_REQUEST",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ct := multipartBody(t, tt.fields, tt.file)
			rec := api.do(t, http.MethodPost, "/api/v1/attachments", tt.subject, body, ct)
			if rec.Code != tt.wantCode {
				t.Fatalf("статус = %d, ожидался %d (%s)", rec.Code, tt.wantCode, rec.Body.String())
			}
			if tt.wantErr != "" {
				if got := errorCode(t, rec); got != tt.wantErr {
					t.Errorf("код ошибки = %q, ожидался %q", got, tt.wantErr)
				}
			}
		})
	}
}

func TestUpload_BodyOverLimit(t *testing.T) {
	api := newTestAPI(t, 16)

	// Тело больше лимита файла вместе с запасом на поля формы
	data := append(append([]byte{}, pdfBody...), bytes.Repeat([]byte("x"), 2<<20)...)
	body, ct := multipartBody(t,
		map[string]string{"entity_kind": "task", "entity_id": "T-1"},
		&filePart{name: "huge.pdf", contentType: "application/pdf", data: data})

	rec := api.do(t, http.MethodPost, "/api/v1/attachments", "alice", body, ct)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("статус = %d, ожидался 413 (%s)", rec.Code, rec.Body.String())
	}
}

func TestVersions(t *testing.T) {
	api := newTestAPI(t, 1<<20)
	first := api.mustUpload(t, &filePart{name: "photo.jpg", contentType: "image/jpeg", data: jpgBody})

	upload := func(file *filePart) *httptest.ResponseRecorder {
		body, ct := multipartBody(t, map[string]string{"comment": "правка"}, file)
		return api.do(t, http.MethodPost, "/api/v1/attachments/"+first.ID+"/versions", "alice", body, ct)
	}

	rec := upload(&filePart{name: "photo-2.jpg", contentType: "image/jpeg", data: jpgBody})
	if rec.Code != http.StatusCreated {
		t.Fatalf("новая версия: статус %d, тело %s", rec.Code, rec.Body.String())
	}
	second := decode[struct {
		VersionNumber  int    `json:"version_number"`
		VersionComment string `json:"version_comment"`
	}](t, rec)
	if second.VersionNumber != 2 || second.VersionComment != "правка" {
		t.Errorf("вторая версия: %+v", second)
	}

	rec = upload(&filePart{name: "photo.png", contentType: "image/png", data: pngBody})
	if rec.Code != http.StatusConflict {
		t.Fatalf("смена типа: статус %d, ожидался 409", rec.Code)
	}

	rec = api.do(t, http.MethodGet, "/api/v1/attachments/"+first.ID+"/versions", "bob", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("список версий: статус %d", rec.Code)
	}
	list := decode[listResponse](t, rec)
	if list.Total != 2 || len(list.Items) != 2 {
		t.Fatalf("версий %d/%d, ожидалось 2", list.Total, len(list.Items))
	}
	if list.Items[0].VersionNumber != 2 || !list.Items[0].IsLatestVersion || list.Items[1].IsLatestVersion {
		t.Errorf("порядок или признак последней версии нарушен: %+v", list.Items)
	}
}

func TestList_Paging(t *testing.T) {
	api := newTestAPI(t, 1<<20)
	for i := 0; i < 3; i++ {
		api.mustUpload(t, &filePart{name: "doc.pdf", contentType: "application/pdf", data: pdfBody})
	}

	rec := api.do(t, http.MethodGet, "/api/v1/attachments?entity_kind=task&entity_id=T-1&page=2&page_size=2", "bob", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("статус %d, тело %s", rec.Code, rec.Body.String())
	}
	list := decode[listResponse](t, rec)
	if list.Total != 3 || len(list.Items) != 1 || list.Page != 2 || list.PageSize != 2 {
		t.Errorf("страница: total=%d items=%d page=%d size=%d", list.Total, len(list.Items), list.Page, list.PageSize)
	}

	tests := []struct {
		name  string
		query string
	}{
		{"нулевая страница", "entity_kind=task&entity_id=T-1&page=0"},
		{"слишком большая страница", "entity_kind=task&entity_id=T-1&page_size=1000"},
		{"не число", "entity_kind=task&entity_id=T-1&page=abc"},
		{"нет сущности", "page=1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, http.MethodGet, "/api/v1/attachments?"+tt.query, "bob", nil, "")
			if rec.Code != http.StatusBadRequest {
				t.Errorf("статус = %d, ожидался 400", rec.Code)
			}
		})
	}
}

func TestGet_NotFound(t *testing.T) {
	api := newTestAPI(t, 1<<20)

	for _, id := range []string{"not-a-uuid", "6f1f7c1e-5b1a-4a8e-9f0e-1a2b3c4d5e6f"} {
		rec := api.do(t, http.MethodGet, "/api/v1/attachments/"+id, "alice", nil, "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("GET %s: статус %d, ожидался 404", id, rec.Code)
		}
	}
}

func TestUpdateAndDelete(t *testing.T) {
	api := newTestAPI(t, 1<<20)
	created := api.mustUpload(t, &filePart{name: "contract.pdf", contentType: "application/pdf", data: pdfBody})
	path := "/api/v1/attachments/" + created.ID

	rec := api.do(t, http.MethodPatch, path, "bob", strings.NewReader(`{"description":"чужое"}`), "application/json")
	if rec.Code != http.StatusForbidden {
		t.Errorf("PATCH чужого вложения: статус %d, ожидался 403", rec.Code)
	}

	rec = api.do(t, http.MethodPatch, path, "alice", strings.NewReader(`{"owner":"bob"}`), "application/json")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("PATCH с неизвестным полем: статус %d, ожидался 400", rec.Code)
	}

	rec = api.do(t, http.MethodPatch, path, "alice", strings.NewReader(`{"description":"Техническое задание","is_public":true}`), "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("PATCH: статус %d, тело %s", rec.Code, rec.Body.String())
	}
	updated := decode[struct {
		Description string `json:"description"`
		IsPublic    bool   `json:"is_public"`
	}](t, rec)
	if updated.Description != "Техническое задание" || !updated.IsPublic {
		t.Errorf("метаданные не обновлены: %+v", updated)
	}

	rec = api.do(t, http.MethodDelete, path, "bob", nil, "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("DELETE чужого вложения: статус %d, ожидался 403", rec.Code)
	}

	// Администратор может удалить любое вложение
	rec = api.do(t, http.MethodDelete, path, "admin", nil, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE: статус %d, тело %s", rec.Code, rec.Body.String())
	}
	rec = api.do(t, http.MethodGet, path, "alice", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("GET после удаления: статус %d, ожидался 404", rec.Code)
	}
}

func TestStream_RejectsBadToken(t *testing.T) {
	api := newTestAPI(t, 1<<20)
	created := api.mustUpload(t, &filePart{name: "a.pdf", contentType: "application/pdf", data: pdfBody})

	tests := []struct {
		name   string
		target string
	}{
		{"без токена", "/api/v1/attachments/" + created.ID + "/stream"},
		{"мусорный токен", "/api/v1/attachments/" + created.ID + "/stream?token=abc.def.ghi"},
		{"некорректный id", "/api/v1/attachments/not-a-uuid/stream?token=abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, http.MethodGet, tt.target, "", nil, "")
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("статус = %d, ожидался 401", rec.Code)
			}
			if rec.Header().Get("Content-Disposition") != "" {
				t.Error("при отказе не должны отдаваться заголовки файла")
			}
		})
	}
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t, 1<<20)

	rec := api.do(t, http.MethodGet, "/health/live", "", nil, "")
	if rec.Code != http.StatusOK {
		t.Errorf("live: статус %d", rec.Code)
	}

	rec = api.do(t, http.MethodGet, "/health/ready", "", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("ready: статус %d, тело %s", rec.Code, rec.Body.String())
	}
	ready := decode[struct {
		Status string `json:"status"`
	}](t, rec)
	if ready.Status != "ok" {
		t.Errorf("ready: статус %q", ready.Status)
	}
}

// stubChecker — проверка зависимости с заданным результатом.
type stubChecker struct {
	status string
}

func (c stubChecker) Name() string { return "postgresql" }

func (c stubChecker) CheckReady() (string, string) { return c.status, "" }

// stubWritable — проверка хранилища с заданной ошибкой.
type stubWritable struct {
	err error
}

func (s stubWritable) CheckWritable() error { return s.err }

func TestHealthReady_Statuses(t *testing.T) {
	tests := []struct {
		name       string
		storage    WritableChecker
		walDir     string
		checkers   []ReadinessChecker
		wantCode   int
		wantStatus string
	}{
		{"всё доступно", stubWritable{}, t.TempDir(), []ReadinessChecker{stubChecker{"ok"}}, http.StatusOK, "ok"},
		{"хранилище недоступно", stubWritable{errors.New("ro")}, t.TempDir(), nil, http.StatusServiceUnavailable, statusFail},
		{"БД недоступна", stubWritable{}, t.TempDir(), []ReadinessChecker{stubChecker{statusFail}}, http.StatusServiceUnavailable, statusFail},
		{"журнал недоступен", stubWritable{}, "/nonexistent/wal", nil, http.StatusOK, "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(tt.storage, tt.walDir, tt.checkers...)
			rec := httptest.NewRecorder()
			h.HealthReady(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("HTTP статус = %d, ожидался %d", rec.Code, tt.wantCode)
			}
			got := decode[struct {
				Status string `json:"status"`
			}](t, rec)
			if got.Status != tt.wantStatus {
				t.Errorf("status = %q, ожидался %q", got.Status, tt.wantStatus)
			}
		})
	}
}

func TestInfo(t *testing.T) {
	api := newTestAPI(t, 1<<20)

	rec := api.do(t, http.MethodGet, "/api/v1/info", "alice", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("статус %d", rec.Code)
	}
	info := decode[serviceInfo](t, rec)
	if info.MaxFileSize != 1<<20 || len(info.AllowedTypes) == 0 {
		t.Errorf("неполные сведения: %+v", info)
	}
	if info.Capacity == nil || info.Capacity.AvailableBytes != 60 {
		t.Errorf("ёмкость = %+v", info.Capacity)
	}
	if info.Maintenance == nil || !info.Maintenance.Local || info.Maintenance.Holder != "as-0:8080" {
		t.Errorf("аренда обслуживания = %+v", info.Maintenance)
	}
}

func TestReconcile_AdminOnly(t *testing.T) {
	api := newTestAPI(t, 1<<20)
	api.mustUpload(t, &filePart{name: "a.pdf", contentType: "application/pdf", data: pdfBody})

	rec := api.do(t, http.MethodPost, "/api/v1/maintenance/reconcile", "alice", nil, "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("не администратор: статус %d, ожидался 403", rec.Code)
	}

	rec = api.do(t, http.MethodPost, "/api/v1/maintenance/reconcile", "admin", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("администратор: статус %d, тело %s", rec.Code, rec.Body.String())
	}
	result := decode[reconcileResponse](t, rec)
	if result.FilesChecked != 1 || result.RecordsChecked != 1 || result.MissingFiles != 0 {
		t.Errorf("итог сверки: %+v", result)
	}
}

// busyReconciler — сверка, которая уже выполняется.
type busyReconciler struct{}

func (busyReconciler) RunOnce(_ context.Context) (*service.ReconcileResult, bool, error) {
	return nil, true, nil
}

func TestReconcile_InProgress(t *testing.T) {
	h := NewMaintenanceHandler(busyReconciler{}, NewErrorWriter(false, nil, testLogger()))
	router := chi.NewRouter()
	router.With(fakeAuth).Post("/reconcile", h.Reconcile)

	req := httptest.NewRequest(http.MethodPost, "/reconcile", nil)
	req.Header.Set(headerSubject, "root")
	req.Header.Set(headerAdmin, "true")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("статус = %d, ожидался 409", rec.Code)
	}
	if got := errorCode(t, rec); got != "RECONCILE_IN_PROGRESS" {
		t.Errorf("код = %q", got)
	}
}

func TestErrorWriter_StorageMessage(t *testing.T) {
	cause := errors.New("open /srv/attachments/tasks/x: permission denied")
	err := &service.Error{Kind: service.KindStorage, Message: "не удалось сохранить", Err: cause}
	redact := func(s string) string { return strings.ReplaceAll(s, "/srv/attachments", "<storage>") }

	tests := []struct {
		name        string
		development bool
		want        string
		notWant     string
	}{
		{"production скрывает причину", false, genericStorageMessage, "permission denied"},
		{"development показывает причину без корня", true, "<storage>/tasks/x", "/srv/attachments"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ew := NewErrorWriter(tt.development, redact, slog.New(slog.NewTextHandler(io.Discard, nil)))
			rec := httptest.NewRecorder()
			ew.Write(rec, httptest.NewRequest(http.MethodGet, "/api/v1/attachments", nil), err)

			if rec.Code != http.StatusInternalServerError {
				t.Errorf("статус = %d, ожидался 500", rec.Code)
			}
			body := rec.Body.String()
			if !strings.Contains(body, tt.want) {
				t.Errorf("тело %q не содержит %q", body, tt.want)
			}
			if strings.Contains(body, tt.notWant) {
				t.Errorf("тело %q содержит %q", body, tt.notWant)
			}
		})
	}
}

func TestErrorWriter_KindStatus(t *testing.T) {
	ew := NewErrorWriter(false, nil, testLogger())
	for kind, want := range kindStatus {
		rec := httptest.NewRecorder()
		ew.Write(rec, httptest.NewRequest(http.MethodGet, "/", nil), &service.Error{Kind: kind, Message: "m"})
		if rec.Code != want {
			t.Errorf("%s: статус %d, ожидался %d", kind, rec.Code, want)
		}
	}

	rec := httptest.NewRecorder()
	ew.Write(rec, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("неизвестная"))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("обычная ошибка: статус %d, ожидался 500", rec.Code)
	}
}
