package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/attachment-store/internal/audit"
	"github.com/bigkaa/goartstore/attachment-store/internal/config"
	"github.com/bigkaa/goartstore/attachment-store/internal/domain/model"
	"github.com/bigkaa/goartstore/attachment-store/internal/repository"
	"github.com/bigkaa/goartstore/attachment-store/internal/security/scanner"
	"github.com/bigkaa/goartstore/attachment-store/internal/security/signature"
	"github.com/bigkaa/goartstore/attachment-store/internal/storage/filestore"
	"github.com/bigkaa/goartstore/attachment-store/internal/storage/wal"
)

const testSecret = "test-download-secret-0123456789abcdef"

// Образцы содержимого с корректными сигнатурами.
var (
	pdfV1 = []byte("%PDF-1.4\n1 0 obj << /Type /Catalog >> endobj\n%%EOF\n")
	pdfV2 = []byte("%PDF-1.7\n1 0 obj << /Type /Catalog /Version 2 >> endobj\n%%EOF\n")
	pngV1 = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0x00, 0x10}, 64)...)
	jpgV1 = append([]byte("\xFF\xD8\xFF\xE0\x00\x10JFIF\x00"), bytes.Repeat([]byte{0x42}, 64)...)
)

var (
	alice = model.Caller{Subject: "alice"}
	bob   = model.Caller{Subject: "bob"}
	admin = model.Caller{Subject: "root", Roles: []string{"admin"}, Admin: true}
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// failingStore подменяет Insert внутри транзакции для имитации сбоя БД.
type failingStore struct {
	repository.AttachmentStore

	mu         sync.Mutex
	failInsert error
}

func (s *failingStore) setFailInsert(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failInsert = err
}

func (s *failingStore) InTx(ctx context.Context, fn func(repo repository.AttachmentRepository) error) error {
	s.mu.Lock()
	failErr := s.failInsert
	s.mu.Unlock()
	return s.AttachmentStore.InTx(ctx, func(repo repository.AttachmentRepository) error {
		return fn(&failingRepo{AttachmentRepository: repo, err: failErr})
	})
}

type failingRepo struct {
	repository.AttachmentRepository
	err error
}

func (r *failingRepo) Insert(ctx context.Context, a *model.Attachment) error {
	if r.err != nil {
		return r.err
	}
	return r.AttachmentRepository.Insert(ctx, a)
}

// auditSpy сохраняет события аудита.
type auditSpy struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *auditSpy) Record(e audit.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *auditSpy) actions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Action)
	}
	return out
}

// fixture — координатор поверх временного каталога и хранилища в памяти.
type fixture struct {
	coord    *Coordinator
	store    *failingStore
	files    *filestore.FileStore
	journal  *wal.WAL
	versions *VersionManager
	tokens   *TokenService
	audit    *auditSpy
}

func newFixture(t *testing.T, maxFileSize int64) *fixture {
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
	store := &failingStore{AttachmentStore: repository.NewMemoryStore()}
	versions := NewVersionManager(store, files, logger)
	tokens := NewTokenService(testSecret, "/api/v1/attachments")
	spy := &auditSpy{}

	coord := NewCoordinator(
		CoordinatorConfig{MaxFileSize: maxFileSize, AllowedTypes: config.DefaultAllowedTypes},
		files, journal, store, versions, tokens,
		signature.NewValidator(), scanner.New(4*maxFileSize, logger),
		NewCacheService(100, time.Minute), spy, logger,
	)
	return &fixture{coord: coord, store: store, files: files, journal: journal, versions: versions, tokens: tokens, audit: spy}
}

// replica создаёт второй экземпляр координатора над теми же хранилищами
// со своим кэшем, как у соседнего процесса.
func (f *fixture) replica(t *testing.T) *Coordinator {
	t.Helper()
	logger := testLogger()
	return NewCoordinator(
		CoordinatorConfig{MaxFileSize: 1 << 20, AllowedTypes: config.DefaultAllowedTypes},
		f.files, f.journal, f.store, NewVersionManager(f.store, f.files, logger), f.tokens,
		signature.NewValidator(), scanner.New(4<<20, logger),
		NewCacheService(100, time.Minute), nil, logger,
	)
}

func binding(t *testing.T, kind, id string) model.Binding {
	t.Helper()
	b, err := model.NewBinding(kind, id)
	if err != nil {
		t.Fatalf("NewBinding: %v", err)
	}
	return b
}

func uploadReq(caller model.Caller, b model.Binding, name, contentType string, content []byte) UploadRequest {
	return UploadRequest{
		Caller:      caller,
		Binding:     b,
		Filename:    name,
		ContentType: contentType,
		Content:     bytes.NewReader(content),
	}
}

func (f *fixture) mustUpload(t *testing.T, b model.Binding, name, contentType string, content []byte) *model.Attachment {
	t.Helper()
	a, err := f.coord.Upload(context.Background(), uploadReq(alice, b, name, contentType, content))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	return a
}

func (f *fixture) mustUploadVersion(t *testing.T, refID, name, contentType string, content []byte) *model.Attachment {
	t.Helper()
	a, err := f.coord.UploadVersion(context.Background(), refID, uploadReq(alice, model.Binding{}, name, contentType, content))
	if err != nil {
		t.Fatalf("UploadVersion: %v", err)
	}
	return a
}

// stream выдаёт ссылку и скачивает содержимое по ней.
func (f *fixture) stream(t *testing.T, id string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	link, err := f.coord.GenerateDownloadLink(context.Background(), alice, id)
	if err != nil {
		t.Fatalf("GenerateDownloadLink: %v", err)
	}
	rec := httptest.NewRecorder()
	return rec, f.coord.Stream(context.Background(), rec, id, tokenFromURL(t, link.URL))
}

func newRecorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}

func tokenFromURL(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q): %v", raw, err)
	}
	return u.Query().Get("token")
}

// tempFiles возвращает число файлов во временной области.
func (f *fixture) tempFiles(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(f.files.TempDir())
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	return len(entries)
}

func (f *fixture) permanentFiles(t *testing.T) int {
	t.Helper()
	list, err := f.files.ListPermanent()
	if err != nil {
		t.Fatalf("ListPermanent: %v", err)
	}
	return len(list)
}

func wantKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	if err == nil {
		t.Fatalf("ожидалась ошибка %s, получено nil", kind)
	}
	if got := KindOf(err); got != kind {
		t.Fatalf("ожидалась ошибка %s, получено %s (%v)", kind, got, err)
	}
}

// errReader отдаёт несколько байт и затем ошибку.
type errReader struct {
	data []byte
	err  error
}

func (r *errReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

var _ io.Reader = (*errReader)(nil)

var errDBDown = errors.New("соединение с БД потеряно")
