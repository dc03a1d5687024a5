// attachments.go — HTTP handlers вложений.
// Загрузка, версии, метаданные, удаление, ссылки скачивания и потоковая отдача.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	apierrors "github.com/bigkaa/goartstore/attachment-store/internal/api/errors"
	"github.com/bigkaa/goartstore/attachment-store/internal/api/middleware"
	"github.com/bigkaa/goartstore/attachment-store/internal/domain/model"
	"github.com/bigkaa/goartstore/attachment-store/internal/service"
)

const (
	// multipartMemory — часть multipart-формы, которая держится в памяти
	multipartMemory = 8 << 20
	// multipartOverhead — запас на заголовки и текстовые поля формы
	multipartOverhead = 1 << 20
	// maxJSONBody — лимит тела PATCH-запроса
	maxJSONBody = 64 << 10
)

// AttachmentService — операции над вложениями.
type AttachmentService interface {
	Upload(ctx context.Context, req service.UploadRequest) (*model.Attachment, error)
	UploadVersion(ctx context.Context, refID string, req service.UploadRequest) (*model.Attachment, error)
	Get(ctx context.Context, id string) (*model.Attachment, error)
	ListForEntity(ctx context.Context, b model.Binding, page, pageSize int) ([]*model.Attachment, int, error)
	ListVersions(ctx context.Context, id string, page, pageSize int) ([]*model.Attachment, int, error)
	GenerateDownloadLink(ctx context.Context, caller model.Caller, id string) (*service.DownloadLink, error)
	Stream(ctx context.Context, w http.ResponseWriter, id, token string) error
	UpdateMetadata(ctx context.Context, caller model.Caller, id string, description *string, isPublic *bool) (*model.Attachment, error)
	Delete(ctx context.Context, caller model.Caller, id string) error
}

// AttachmentsHandler — обработчик endpoints /api/v1/attachments.
type AttachmentsHandler struct {
	svc         AttachmentService
	maxFileSize int64
	errs        *ErrorWriter
}

// NewAttachmentsHandler создаёт обработчик вложений.
func NewAttachmentsHandler(svc AttachmentService, maxFileSize int64, errs *ErrorWriter) *AttachmentsHandler {
	return &AttachmentsHandler{svc: svc, maxFileSize: maxFileSize, errs: errs}
}

// listResponse — страница списка вложений.
type listResponse struct {
	Items    []model.Summary `json:"items"`
	Total    int             `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
}

// updateRequest — тело PATCH /api/v1/attachments/{id}.
type updateRequest struct {
	Description *string `json:"description"`
	IsPublic    *bool   `json:"is_public"`
}

// Upload обрабатывает POST /api/v1/attachments.
// Multipart form: file, entity_kind, entity_id, description, is_public, comment.
func (h *AttachmentsHandler) Upload(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	form, ok := h.parseUploadForm(w, r)
	if !ok {
		return
	}
	defer form.close()

	binding, err := model.NewBinding(r.FormValue("entity_kind"), r.FormValue("entity_id"))
	if err != nil {
		apierrors.BadRequest(w, err.Error())
		return
	}

	att, err := h.svc.Upload(r.Context(), form.request(caller, binding))
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, att.Summary())
}

// UploadVersion обрабатывает POST /api/v1/attachments/{id}/versions.
// Multipart form: file, comment, description, is_public.
func (h *AttachmentsHandler) UploadVersion(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	form, ok := h.parseUploadForm(w, r)
	if !ok {
		return
	}
	defer form.close()

	att, err := h.svc.UploadVersion(r.Context(), id, form.request(caller, model.Binding{}))
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, att.Summary())
}

// List обрабатывает GET /api/v1/attachments?entity_kind=&entity_id=&page=&page_size=.
func (h *AttachmentsHandler) List(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireCaller(w, r); !ok {
		return
	}
	q := r.URL.Query()
	binding, err := model.NewBinding(q.Get("entity_kind"), q.Get("entity_id"))
	if err != nil {
		apierrors.BadRequest(w, err.Error())
		return
	}
	page, pageSize, ok := parsePaging(w, r)
	if !ok {
		return
	}

	items, total, err := h.svc.ListForEntity(r.Context(), binding, page, pageSize)
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newListResponse(items, total, page, pageSize))
}

// Get обрабатывает GET /api/v1/attachments/{id}.
func (h *AttachmentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireCaller(w, r); !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	att, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, att.Summary())
}

// ListVersions обрабатывает GET /api/v1/attachments/{id}/versions.
func (h *AttachmentsHandler) ListVersions(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireCaller(w, r); !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	page, pageSize, ok := parsePaging(w, r)
	if !ok {
		return
	}

	items, total, err := h.svc.ListVersions(r.Context(), id, page, pageSize)
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newListResponse(items, total, page, pageSize))
}

// Update обрабатывает PATCH /api/v1/attachments/{id}.
func (h *AttachmentsHandler) Update(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var body updateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		apierrors.BadRequest(w, "Некорректное тело запроса: "+err.Error())
		return
	}

	att, err := h.svc.UpdateMetadata(r.Context(), caller, id, body.Description, body.IsPublic)
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, att.Summary())
}

// Delete обрабатывает DELETE /api/v1/attachments/{id}.
// Удаление первой версии удаляет всю цепочку.
func (h *AttachmentsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.svc.Delete(r.Context(), caller, id); err != nil {
		h.errs.Write(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DownloadLink обрабатывает POST /api/v1/attachments/{id}/download-link.
func (h *AttachmentsHandler) DownloadLink(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	link, err := h.svc.GenerateDownloadLink(r.Context(), caller, id)
	if err != nil {
		h.errs.Write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

// Stream обрабатывает GET /api/v1/attachments/{id}/stream?token=.
// JWT не требуется: доступ определяется токеном ссылки.
func (h *AttachmentsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		apierrors.Unauthorized(w, "Недействительная ссылка скачивания")
		return
	}
	if err := h.svc.Stream(r.Context(), w, id, r.URL.Query().Get("token")); err != nil {
		h.errs.Write(w, r, err)
	}
}

// uploadForm — разобранная multipart-форма загрузки.
type uploadForm struct {
	r           *http.Request
	file        io.ReadCloser
	filename    string
	contentType string
	// isPublic — nil, если поле не передано
	isPublic *bool
}

func (f *uploadForm) close() {
	_ = f.file.Close()
	if f.r.MultipartForm != nil {
		_ = f.r.MultipartForm.RemoveAll()
	}
}

func (f *uploadForm) request(caller model.Caller, binding model.Binding) service.UploadRequest {
	return service.UploadRequest{
		Caller:      caller,
		Binding:     binding,
		Filename:    f.filename,
		ContentType: f.contentType,
		Content:     f.file,
		Description: f.r.FormValue("description"),
		IsPublic:    f.isPublic,
		Comment:     f.r.FormValue("comment"),
	}
}

// parseUploadForm разбирает multipart-форму с ограничением размера тела.
// Тип содержимого берётся из поля content_type или заголовка части file.
func (h *AttachmentsHandler) parseUploadForm(w http.ResponseWriter, r *http.Request) (*uploadForm, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxFileSize+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			apierrors.FileTooLarge(w, "Размер запроса превышает максимально допустимый")
			return nil, false
		}
		apierrors.BadRequest(w, "Ошибка разбора multipart-формы: "+err.Error())
		return nil, false
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
		apierrors.BadRequest(w, "Поле file обязательно")
		return nil, false
	}

	form := &uploadForm{
		r:           r,
		file:        file,
		filename:    header.Filename,
		contentType: header.Header.Get("Content-Type"),
	}
	if ct := r.FormValue("content_type"); ct != "" {
		form.contentType = ct
	}
	if v := r.FormValue("is_public"); v != "" {
		public, err := strconv.ParseBool(v)
		if err != nil {
			form.close()
			apierrors.BadRequest(w, "Поле is_public должно быть true или false")
			return nil, false
		}
		form.isPublic = &public
	}
	return form, true
}

// requireCaller возвращает вызывающего из контекста или отвечает 401.
func requireCaller(w http.ResponseWriter, r *http.Request) (model.Caller, bool) {
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		apierrors.Unauthorized(w, "Требуется аутентификация")
	}
	return caller, ok
}

// pathID извлекает {id} из пути. Некорректный UUID — 404.
func pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		apierrors.NotFound(w, "Вложение не найдено")
		return "", false
	}
	return id, true
}

// parsePaging читает page и page_size из query.
func parsePaging(w http.ResponseWriter, r *http.Request) (page, pageSize int, ok bool) {
	page, pageSize = 1, service.DefaultPageSize
	q := r.URL.Query()
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			apierrors.BadRequest(w, "page должен быть положительным числом")
			return 0, 0, false
		}
		page = n
	}
	if v := q.Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > service.MaxPageSize {
			apierrors.BadRequest(w, "page_size должен быть в диапазоне 1-"+strconv.Itoa(service.MaxPageSize))
			return 0, 0, false
		}
		pageSize = n
	}
	return page, pageSize, true
}

func newListResponse(items []*model.Attachment, total, page, pageSize int) listResponse {
	resp := listResponse{
		Items:    make([]model.Summary, 0, len(items)),
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}
	for _, a := range items {
		resp.Items = append(resp.Items, a.Summary())
	}
	return resp
}

// writeJSON вспомогательная функция для записи JSON-ответа.
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}
