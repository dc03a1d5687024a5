package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/goartstore/attachment-store/internal/api/middleware"
	"github.com/bigkaa/goartstore/attachment-store/internal/config"
	"github.com/bigkaa/goartstore/attachment-store/internal/domain/model"
	"github.com/bigkaa/goartstore/attachment-store/internal/repository"
	"github.com/bigkaa/goartstore/attachment-store/internal/security/scanner"
	"github.com/bigkaa/goartstore/attachment-store/internal/security/signature"
	"github.com/bigkaa/goartstore/attachment-store/internal/service"
	"github.com/bigkaa/goartstore/attachment-store/internal/storage/filestore"
	"github.com/bigkaa/goartstore/attachment-store/internal/storage/wal"
)

// Заголовки тестовой аутентификации вместо JWT.
const (
	headerSubject = "X-Test-Subject"
	headerAdmin   = "X-Test-Admin"
)

var (
	pdfBody = []byte("%PDF-1.4\n1 0 obj << /Type /Catalog >> endobj\n%%EOF\n")
	pngBody = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0x00, 0x10}, 64)...)
	jpgBody = append([]byte("\xFF\xD8\xFF\xE0\x00\x10JFIF\x00"), bytes.Repeat([]byte{0x42}, 64)...)
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeAuth помещает вызывающего из тестовых заголовков; без заголовка — 401.
func fakeAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub := r.Header.Get(headerSubject)
		if sub == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		caller := model.Caller{Subject: sub, Admin: r.Header.Get(headerAdmin) == "true"}
		next.ServeHTTP(w, r.WithContext(middleware.WithCaller(r.Context(), caller)))
	})
}

// testAPI — роутер поверх настоящего координатора и хранилища в памяти.
type testAPI struct {
	router http.Handler
	files  *filestore.FileStore
}

func newTestAPI(t *testing.T, maxFileSize int64) *testAPI {
	t.Helper()
	logger := testLogger()
	root := t.TempDir()

	files, err := filestore.New(filepath.Join(root, "storage"), logger)
	if err != nil {
		t.Fatalf("filestore.New: %v", err)
	}
	journal, err := wal.New(filepath.Join(root, "wal"), "as-0:8080", logger)
	if err != nil {
		t.Fatalf("wal.New: %v", err)
	}
	store := repository.NewMemoryStore()
	versions := service.NewVersionManager(store, files, logger)
	tokens := service.NewTokenService("handlers-test-secret-0123456789abcdef", "/api/v1/attachments")
	coord := service.NewCoordinator(
		service.CoordinatorConfig{MaxFileSize: maxFileSize, AllowedTypes: config.DefaultAllowedTypes},
		files, journal, store, versions, tokens,
		signature.NewValidator(), scanner.New(4*maxFileSize, logger),
		service.NewCacheService(100, time.Minute), nil, logger,
	)

	errs := NewErrorWriter(false, files.Redact, logger)
	cfg := &config.Config{
		ServiceID:       "attachment-store",
		MetadataBackend: config.BackendMemory,
		MaxFileSize:     maxFileSize,
		AllowedTypes:    config.DefaultAllowedTypes,
	}
	api := NewAPIHandler(
		NewAttachmentsHandler(coord, maxFileSize, errs),
		NewSystemHandler(cfg, stubCapacity{}, stubLease{}),
		NewMaintenanceHandler(service.NewReconcileService(files, store, time.Hour, time.Hour, logger), errs),
		NewHealthHandler(files, filepath.Join(root, "wal")),
		nil,
	)

	router := chi.NewRouter()
	api.Register(router, fakeAuth)
	return &testAPI{router: router, files: files}
}

// stubCapacity — том на 100 байт, занято 40.
type stubCapacity struct{}

func (stubCapacity) Usage() (filestore.Usage, error) {
	return filestore.Usage{Total: 100, Used: 40, Available: 60}, nil
}

// stubLease — аренда, которую держит текущий экземпляр.
type stubLease struct{}

func (stubLease) Held() bool     { return true }
func (stubLease) Holder() string { return "as-0:8080" }

// filePart — файл в multipart-форме.
type filePart struct {
	name        string
	contentType string
	data        []byte
}

func multipartBody(t *testing.T, fields map[string]string, file *filePart) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if file != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, file.name))
		h.Set("Content-Type", file.contentType)
		pw, err := mw.CreatePart(h)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = pw.Write(file.data)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

// do выполняет запрос от имени subject (пустой — без аутентификации).
func (a *testAPI) do(t *testing.T, method, target, subject string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if subject != "" {
		req.Header.Set(headerSubject, subject)
	}
	if subject == "admin" {
		req.Header.Set(headerAdmin, "true")
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) upload(t *testing.T, subject, kind, entityID string, file *filePart) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartBody(t, map[string]string{"entity_kind": kind, "entity_id": entityID}, file)
	return a.do(t, http.MethodPost, "/api/v1/attachments", subject, body, ct)
}

func (a *testAPI) mustUpload(t *testing.T, file *filePart) model.Summary {
	t.Helper()
	rec := a.upload(t, "alice", "task", "T-1", file)
	if rec.Code != http.StatusCreated {
		t.Fatalf("загрузка: статус %d, тело %s", rec.Code, rec.Body.String())
	}
	return decode[model.Summary](t, rec)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("ответ не JSON: %v", err)
	}
	return v
}

// errorCode извлекает код ошибки из тела ответа.
func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("тело ошибки не JSON: %v (%s)", err, rec.Body.String())
	}
	return body.Error.Code
}

// streamPath переводит URL ссылки скачивания в путь запроса.
func streamPath(t *testing.T, link string) string {
	t.Helper()
	u, err := url.Parse(link)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(u.Path, "/stream") {
		t.Fatalf("неожиданный путь ссылки %q", u.Path)
	}
	return u.RequestURI()
}
