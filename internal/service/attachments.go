// attachments.go — координатор жизненного цикла вложений.
//
// Конвейер загрузки (автомат lifecycle):
//  1. received: проверка реестра типов, запись во временную область с лимитом размера
//  2. validated: сигнатура содержимого соответствует заявленному типу
//  3. scanned: эвристический сканер не нашёл опасного содержимого
//  4. stored: намерение в журнале, атомарный перенос в каталог сущности
//  5. committed: метаданные зафиксированы, намерение закрыто
//
// До stored при ошибке удаляется временный файл. После stored при ошибке
// БД удаляется постоянный файл и откатывается намерение в журнале.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/attachment-store/internal/api/middleware"
	"github.com/bigkaa/goartstore/attachment-store/internal/audit"
	"github.com/bigkaa/goartstore/attachment-store/internal/domain/lifecycle"
	"github.com/bigkaa/goartstore/attachment-store/internal/domain/model"
	"github.com/bigkaa/goartstore/attachment-store/internal/repository"
	"github.com/bigkaa/goartstore/attachment-store/internal/security/scanner"
	"github.com/bigkaa/goartstore/attachment-store/internal/security/signature"
	"github.com/bigkaa/goartstore/attachment-store/internal/storage/filestore"
	"github.com/bigkaa/goartstore/attachment-store/internal/storage/wal"
)

// Ограничения метаданных.
const (
	maxDescriptionLen = 2000
	maxCommentLen     = 1000
	maxFilenameLen    = 255
	streamChunkSize   = 32 * 1024
)

// ContentValidator — проверка сигнатуры содержимого.
type ContentValidator interface {
	Validate(path, claimedType string) signature.Verdict
}

// ContentScanner — эвристическое сканирование содержимого.
type ContentScanner interface {
	Scan(path, claimedType string) scanner.Result
}

// Auditor — приёмник событий аудита (fire-and-forget).
type Auditor interface {
	Record(e audit.Event)
}

// UploadRequest — входные данные загрузки.
type UploadRequest struct {
	Caller model.Caller
	// Binding — привязка новой цепочки; для новой версии не используется
	Binding     model.Binding
	Filename    string
	ContentType string
	Content     io.Reader
	Description string
	// IsPublic — nil: для первой версии false, новая версия наследует значение предыдущей
	IsPublic *bool
	Comment  string
}

// CoordinatorConfig — параметры координатора.
type CoordinatorConfig struct {
	MaxFileSize  int64
	AllowedTypes []string
}

// Coordinator — операции над вложениями.
type Coordinator struct {
	files     *filestore.FileStore
	journal   *wal.WAL
	store     repository.AttachmentStore
	versions  *VersionManager
	tokens    *TokenService
	validator ContentValidator
	scanner   ContentScanner
	cache     *CacheService
	auditor   Auditor

	maxFileSize int64
	allowed     map[string]bool
	logger      *slog.Logger
}

// NewCoordinator создаёт координатор. cache и auditor могут быть nil.
func NewCoordinator(
	cfg CoordinatorConfig,
	files *filestore.FileStore,
	journal *wal.WAL,
	store repository.AttachmentStore,
	versions *VersionManager,
	tokens *TokenService,
	validator ContentValidator,
	contentScanner ContentScanner,
	cache *CacheService,
	auditor Auditor,
	logger *slog.Logger,
) *Coordinator {
	allowed := make(map[string]bool, len(cfg.AllowedTypes))
	for _, t := range cfg.AllowedTypes {
		allowed[signature.Normalize(t)] = true
	}
	return &Coordinator{
		files:       files,
		journal:     journal,
		store:       store,
		versions:    versions,
		tokens:      tokens,
		validator:   validator,
		scanner:     contentScanner,
		cache:       cache,
		auditor:     auditor,
		maxFileSize: cfg.MaxFileSize,
		allowed:     allowed,
		logger:      logger.With(slog.String("component", "coordinator")),
	}
}

// Upload создаёт новую цепочку с первой версией.
func (c *Coordinator) Upload(ctx context.Context, req UploadRequest) (*model.Attachment, error) {
	att, err := c.upload(ctx, req)
	c.finish("upload", audit.ActionUpload, req, att, err)
	return att, err
}

func (c *Coordinator) upload(ctx context.Context, req UploadRequest) (*model.Attachment, error) {
	if req.Binding.IsZero() {
		return nil, c.rejectEarly(req, newError(KindBadRequest, nil, "вложение должно быть привязано к сущности"))
	}
	return c.pipeline(ctx, req, wal.OpFileCommit, req.Binding.Kind, func(d Draft) (*model.Attachment, error) {
		d.Binding = req.Binding
		return c.versions.CreateFirstVersion(ctx, d)
	})
}

// UploadVersion добавляет версию в цепочку вложения refID.
func (c *Coordinator) UploadVersion(ctx context.Context, refID string, req UploadRequest) (*model.Attachment, error) {
	att, err := c.uploadVersion(ctx, refID, req)
	c.finish("upload_version", audit.ActionUploadVersion, req, att, err)
	return att, err
}

func (c *Coordinator) uploadVersion(ctx context.Context, refID string, req UploadRequest) (*model.Attachment, error) {
	ref, err := c.store.Attachments().GetByID(ctx, refID)
	if err != nil {
		return nil, c.rejectEarly(req, notFoundOr(err, refID))
	}
	// Быстрая проверка до приёма содержимого; окончательная — под блокировкой цепочки
	if got, want := signature.Normalize(req.ContentType), signature.Normalize(ref.ContentType); got != want {
		return nil, c.rejectEarly(req, newError(KindConflict, nil,
			"тип содержимого новой версии %s не совпадает с типом документа %s", got, want))
	}
	req.Binding = ref.Binding

	return c.pipeline(ctx, req, wal.OpVersionCommit, ref.Binding.Kind, func(d Draft) (*model.Attachment, error) {
		return c.versions.CreateNextVersion(ctx, refID, d)
	})
}

// pipeline проводит загрузку через все шаги автомата.
func (c *Coordinator) pipeline(
	ctx context.Context,
	req UploadRequest,
	op wal.OperationType,
	kind model.EntityKind,
	persist func(d Draft) (*model.Attachment, error),
) (*model.Attachment, error) {
	sm := lifecycle.New()
	log := c.logger.With(
		slog.String("caller", req.Caller.Subject),
		slog.String("entity", req.Binding.String()),
		slog.String("filename", req.Filename),
	)

	if err := c.checkRequest(&req); err != nil {
		sm.Fail(err.Error())
		return nil, err
	}
	contentType := signature.Normalize(req.ContentType)

	tmp, err := c.files.SaveTemp(req.Content, c.maxFileSize)
	if err != nil {
		sm.Fail("temp write")
		if errors.Is(err, filestore.ErrTooLarge) {
			return nil, newError(KindTooLarge, err, "размер файла превышает максимум %d байт", c.maxFileSize)
		}
		return nil, newError(KindStorage, err, "не удалось принять файл")
	}
	// Временный файл удаляется, если перенос не состоялся
	defer func() {
		if sm.Current() != lifecycle.StateStored && sm.Current() != lifecycle.StateCommitted {
			c.files.RemoveTemp(tmp.Path)
		}
	}()

	verdict := c.validator.Validate(tmp.Path, contentType)
	if !verdict.Valid {
		sm.Fail(verdict.Reason)
		middleware.RejectionsTotal.WithLabelValues("signature").Inc()
		log.Warn("Содержимое не соответствует заявленному типу",
			slog.String("content_type", contentType),
			slog.String("detected", verdict.Detected),
			slog.String("reason", verdict.Reason),
		)
		return nil, newError(KindValidation, nil, "%s", verdict.Reason)
	}
	if err := sm.Advance(lifecycle.StateValidated); err != nil {
		return nil, newError(KindStorage, err, "нарушен порядок обработки загрузки")
	}

	scan := c.scanner.Scan(tmp.Path, contentType)
	if !scan.Safe {
		sm.Fail(scan.Reason)
		middleware.RejectionsTotal.WithLabelValues("scanner").Inc()
		log.Warn("Сканер отклонил содержимое",
			slog.String("content_type", contentType),
			slog.String("reason", scan.Reason),
		)
		return nil, newError(KindSecurity, nil, "%s", scan.Reason)
	}
	if err := sm.Advance(lifecycle.StateScanned); err != nil {
		return nil, newError(KindStorage, err, "нарушен порядок обработки загрузки")
	}
	checksum := scan.SHA256
	if checksum == "" {
		checksum = tmp.Checksum
	}

	id := uuid.NewString()
	storagePath := c.files.NewStoragePath(kind, req.Filename)
	entry, err := c.journal.StartTransaction(op, id, storagePath)
	if err != nil {
		sm.Fail("journal")
		return nil, newError(KindStorage, err, "не удалось сохранить файл")
	}
	if err := c.files.Commit(tmp.Path, storagePath); err != nil {
		sm.Fail("commit")
		c.rollbackJournal(entry.TransactionID)
		return nil, newError(KindStorage, err, "не удалось сохранить файл")
	}
	if err := sm.Advance(lifecycle.StateStored); err != nil {
		c.compensate(storagePath, entry.TransactionID)
		return nil, newError(KindStorage, err, "нарушен порядок обработки загрузки")
	}

	att, err := persist(Draft{
		ID:               id,
		OriginalFilename: req.Filename,
		ContentType:      contentType,
		Size:             tmp.Size,
		StoragePath:      storagePath,
		Checksum:         checksum,
		Description:      req.Description,
		IsPublic:         req.IsPublic,
		VersionComment:   req.Comment,
		UploadedBy:       req.Caller.Subject,
	})
	if err != nil {
		sm.Fail("metadata")
		c.compensate(storagePath, entry.TransactionID)
		log.Error("Ошибка фиксации метаданных, файл удалён",
			slog.String("attachment_id", id),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	if err := c.journal.Commit(entry.TransactionID); err != nil {
		// Метаданные уже зафиксированы; незакрытое намерение разберёт восстановление
		log.Warn("Не удалось закрыть намерение в журнале",
			slog.String("tx_id", entry.TransactionID),
			slog.String("error", err.Error()),
		)
	}
	if err := sm.Advance(lifecycle.StateCommitted); err != nil {
		log.Warn("Переход в committed отклонён", slog.String("error", err.Error()))
	}

	middleware.UploadedBytesTotal.Add(float64(att.Size))
	log.Info("Вложение сохранено",
		slog.String("attachment_id", att.ID),
		slog.String("chain_id", att.ChainID),
		slog.Int("version", att.VersionNumber),
		slog.Int64("size", att.Size),
		slog.String("checksum", att.Checksum),
	)
	return att, nil
}

// checkRequest проверяет вызывающего, имя файла и реестр типов.
func (c *Coordinator) checkRequest(req *UploadRequest) error {
	if req.Caller.Subject == "" {
		return newError(KindAuth, nil, "вызывающий не определён")
	}
	if req.Content == nil {
		return newError(KindBadRequest, nil, "файл не передан")
	}
	req.Filename = strings.TrimSpace(req.Filename)
	if req.Filename == "" {
		return newError(KindBadRequest, nil, "имя файла не задано")
	}
	if utf8.RuneCountInString(req.Filename) > maxFilenameLen {
		return newError(KindBadRequest, nil, "имя файла длиннее %d символов", maxFilenameLen)
	}
	if utf8.RuneCountInString(req.Description) > maxDescriptionLen {
		return newError(KindBadRequest, nil, "описание длиннее %d символов", maxDescriptionLen)
	}
	if utf8.RuneCountInString(req.Comment) > maxCommentLen {
		return newError(KindBadRequest, nil, "комментарий длиннее %d символов", maxCommentLen)
	}
	ct := signature.Normalize(req.ContentType)
	if ct == "" || !c.allowed[ct] {
		middleware.RejectionsTotal.WithLabelValues("type_not_allowed").Inc()
		return newError(KindValidation, nil, "тип содержимого %q не разрешён", req.ContentType)
	}
	return nil
}

// compensate удаляет перенесённый файл и откатывает намерение в журнале.
func (c *Coordinator) compensate(storagePath, txID string) {
	c.files.Remove(storagePath)
	c.rollbackJournal(txID)
}

func (c *Coordinator) rollbackJournal(txID string) {
	if err := c.journal.Rollback(txID); err != nil {
		c.logger.Error("Ошибка отката намерения в журнале",
			slog.String("tx_id", txID),
			slog.String("error", err.Error()),
		)
	}
}

// rejectEarly учитывает отказ до запуска конвейера.
func (c *Coordinator) rejectEarly(req UploadRequest, err error) error {
	c.logger.Warn("Загрузка отклонена",
		slog.String("caller", req.Caller.Subject),
		slog.String("filename", req.Filename),
		slog.String("error", err.Error()),
	)
	return err
}

// finish обновляет метрики и аудит по итогам загрузки.
func (c *Coordinator) finish(op, action string, req UploadRequest, att *model.Attachment, err error) {
	if err != nil {
		middleware.OperationsTotal.WithLabelValues(op, "error").Inc()
		c.record(audit.Event{
			Action:   audit.ActionUploadRejected,
			Actor:    req.Caller.Subject,
			Entity:   req.Binding.String(),
			Filename: req.Filename,
			Detail:   string(KindOf(err)),
		})
		return
	}
	middleware.OperationsTotal.WithLabelValues(op, "success").Inc()
	c.cacheSet(att)
	c.record(audit.Event{
		Action:       action,
		Actor:        req.Caller.Subject,
		AttachmentID: att.ID,
		ChainID:      att.ChainID,
		Entity:       att.Binding.String(),
		Filename:     att.OriginalFilename,
	})
}

// Get возвращает вложение по id. Читает хранилище метаданных: флаг
// последней версии и видимость могли измениться на другом экземпляре.
func (c *Coordinator) Get(ctx context.Context, id string) (*model.Attachment, error) {
	a, err := c.store.Attachments().GetByID(ctx, id)
	if err != nil {
		return nil, notFoundOr(err, id)
	}
	c.cacheSet(a)
	return a, nil
}

// streamTarget возвращает неизменяемые поля версии для отдачи содержимого.
func (c *Coordinator) streamTarget(ctx context.Context, id string) (StreamTarget, error) {
	if c.cache != nil {
		if t, ok := c.cache.Get(id); ok {
			return t, nil
		}
	}
	a, err := c.Get(ctx, id)
	if err != nil {
		return StreamTarget{}, err
	}
	return streamTargetOf(a), nil
}

// ListForEntity возвращает последние версии вложений сущности и их общее число.
func (c *Coordinator) ListForEntity(ctx context.Context, b model.Binding, page, pageSize int) ([]*model.Attachment, int, error) {
	if b.IsZero() {
		return nil, 0, newError(KindBadRequest, nil, "сущность не задана")
	}
	limit, offset := pageBounds(page, pageSize)
	repo := c.store.Attachments()
	items, err := repo.ListByEntity(ctx, b, limit, offset)
	if err != nil {
		return nil, 0, storageError(err, "не удалось получить список вложений")
	}
	total, err := repo.CountByEntity(ctx, b)
	if err != nil {
		return nil, 0, storageError(err, "не удалось получить список вложений")
	}
	return items, total, nil
}

// ListVersions возвращает версии цепочки вложения id по убыванию номера.
func (c *Coordinator) ListVersions(ctx context.Context, id string, page, pageSize int) ([]*model.Attachment, int, error) {
	return c.versions.ListChain(ctx, id, page, pageSize)
}

// GenerateDownloadLink выдаёт ссылку скачивания вложения.
func (c *Coordinator) GenerateDownloadLink(ctx context.Context, caller model.Caller, id string) (*DownloadLink, error) {
	a, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	link, err := c.tokens.Issue(a.ID, a.OriginalFilename)
	if err != nil {
		return nil, err
	}
	middleware.OperationsTotal.WithLabelValues("download_link", "success").Inc()
	c.record(audit.Event{
		Action:       audit.ActionDownloadLink,
		Actor:        caller.Subject,
		AttachmentID: a.ID,
		ChainID:      a.ChainID,
		Filename:     a.OriginalFilename,
	})
	return link, nil
}

// Stream проверяет токен и отдаёт содержимое вложения в w.
// Ошибка возвращается, только если в w ещё ничего не записано;
// обрыв после первого байта логируется.
func (c *Coordinator) Stream(ctx context.Context, w http.ResponseWriter, id, token string) error {
	// Проверка токена не затрагивает файловую систему
	if err := c.tokens.Verify(token, id); err != nil {
		middleware.OperationsTotal.WithLabelValues("stream", "denied").Inc()
		return err
	}

	a, err := c.streamTarget(ctx, id)
	if err != nil {
		middleware.OperationsTotal.WithLabelValues("stream", "error").Inc()
		return err
	}

	f, err := c.files.Open(a.StoragePath)
	if err != nil {
		middleware.OperationsTotal.WithLabelValues("stream", "error").Inc()
		if errors.Is(err, filestore.ErrFileNotFound) {
			c.logger.Error("Файл вложения отсутствует в хранилище", slog.String("attachment_id", a.ID))
			return newError(KindNotFound, err, "файл вложения не найден")
		}
		return newError(KindStorage, err, "не удалось открыть файл вложения")
	}
	defer f.Close()

	// Первый фрагмент читается до заголовков: ошибка чтения ещё может
	// стать корректным ответом об ошибке
	buf := make([]byte, streamChunkSize)
	n, readErr := io.ReadFull(f, buf)
	if readErr != nil && !errors.Is(readErr, io.EOF) && !errors.Is(readErr, io.ErrUnexpectedEOF) {
		middleware.OperationsTotal.WithLabelValues("stream", "error").Inc()
		return newError(KindStorage, readErr, "ошибка чтения файла вложения")
	}

	h := w.Header()
	h.Set("Content-Type", a.ContentType)
	h.Set("Content-Disposition", contentDisposition(a.Filename))
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Cache-Control", "private, no-store")
	if info, err := f.Stat(); err == nil {
		h.Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	}
	w.WriteHeader(http.StatusOK)

	written, err := w.Write(buf[:n])
	total := int64(written)
	if err == nil && readErr == nil {
		var copied int64
		copied, err = io.Copy(w, f)
		total += copied
	}
	middleware.StreamedBytesTotal.Add(float64(total))
	if err != nil {
		middleware.OperationsTotal.WithLabelValues("stream", "aborted").Inc()
		c.logger.Warn("Передача содержимого прервана",
			slog.String("attachment_id", a.ID),
			slog.Int64("written", total),
			slog.String("error", c.files.Redact(err.Error())),
		)
		return nil
	}

	middleware.OperationsTotal.WithLabelValues("stream", "success").Inc()
	c.record(audit.Event{
		Action:       audit.ActionStream,
		AttachmentID: a.ID,
		ChainID:      a.ChainID,
		Filename:     a.Filename,
	})
	return nil
}

// UpdateMetadata меняет описание и/или видимость. Доступно владельцу цепочки
// (загрузившему первую версию) и администратору.
func (c *Coordinator) UpdateMetadata(ctx context.Context, caller model.Caller, id string, description *string, isPublic *bool) (*model.Attachment, error) {
	if description == nil && isPublic == nil {
		return nil, newError(KindBadRequest, nil, "нет изменяемых полей")
	}
	if description != nil && utf8.RuneCountInString(*description) > maxDescriptionLen {
		return nil, newError(KindBadRequest, nil, "описание длиннее %d символов", maxDescriptionLen)
	}

	a, err := c.store.Attachments().GetByID(ctx, id)
	if err != nil {
		return nil, notFoundOr(err, id)
	}
	if err := c.authorize(ctx, caller, a); err != nil {
		middleware.OperationsTotal.WithLabelValues("update", "denied").Inc()
		return nil, err
	}

	updated, err := c.store.Attachments().UpdateMetadata(ctx, id, description, isPublic)
	if err != nil {
		middleware.OperationsTotal.WithLabelValues("update", "error").Inc()
		return nil, notFoundOr(err, id)
	}
	middleware.OperationsTotal.WithLabelValues("update", "success").Inc()
	c.record(audit.Event{
		Action:       audit.ActionUpdate,
		Actor:        caller.Subject,
		AttachmentID: id,
		ChainID:      updated.ChainID,
		Entity:       updated.Binding.String(),
	})
	return updated, nil
}

// Delete удаляет вложение. Корневая версия удаляет всю цепочку.
// Доступно владельцу цепочки и администратору.
func (c *Coordinator) Delete(ctx context.Context, caller model.Caller, id string) error {
	a, err := c.store.Attachments().GetByID(ctx, id)
	if err != nil {
		return notFoundOr(err, id)
	}
	if err := c.authorize(ctx, caller, a); err != nil {
		middleware.OperationsTotal.WithLabelValues("delete", "denied").Inc()
		return err
	}

	removed, err := c.versions.DestroyVersion(ctx, id)
	if err != nil {
		middleware.OperationsTotal.WithLabelValues("delete", "error").Inc()
		return err
	}
	if c.cache != nil {
		for _, r := range removed {
			c.cache.Delete(r.ID)
		}
	}

	middleware.OperationsTotal.WithLabelValues("delete", "success").Inc()
	c.record(audit.Event{
		Action:       audit.ActionDelete,
		Actor:        caller.Subject,
		AttachmentID: id,
		ChainID:      a.ChainID,
		Entity:       a.Binding.String(),
		Filename:     a.OriginalFilename,
		Detail:       fmt.Sprintf("удалено версий: %d", len(removed)),
	})
	return nil
}

// authorize проверяет право вызывающего на изменение цепочки вложения a.
func (c *Coordinator) authorize(ctx context.Context, caller model.Caller, a *model.Attachment) error {
	root := a
	if !a.IsRoot() && !caller.Admin {
		var err error
		if root, err = c.store.Attachments().GetByID(ctx, a.RootID); err != nil {
			return notFoundOr(err, a.RootID)
		}
	}
	if !caller.CanModify(root) {
		return newError(KindPermission, nil, "изменять вложение может только владелец документа или администратор")
	}
	return nil
}

func (c *Coordinator) cacheSet(a *model.Attachment) {
	if c.cache != nil && a != nil {
		c.cache.Set(a)
	}
}

func (c *Coordinator) record(e audit.Event) {
	if c.auditor != nil {
		c.auditor.Record(e)
	}
}

// contentDisposition формирует заголовок attachment с исходным именем файла.
// Для не-ASCII имён добавляется filename* (RFC 5987), а в filename
// остаётся ASCII-замена.
func contentDisposition(filename string) string {
	var ascii strings.Builder
	plain := true
	for _, r := range filename {
		switch {
		case r == '"' || r == '\\':
			ascii.WriteByte('\\')
			ascii.WriteRune(r)
		case r < 0x20 || r == 0x7f:
			ascii.WriteByte('_')
		case r > 0x7e:
			plain = false
			ascii.WriteByte('_')
		default:
			ascii.WriteRune(r)
		}
	}
	v := `attachment; filename="` + ascii.String() + `"`
	if !plain {
		v += "; filename*=UTF-8''" + url.PathEscape(filename)
	}
	return v
}
