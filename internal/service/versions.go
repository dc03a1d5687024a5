// versions.go — менеджер версий: цепочки документов в хранилище метаданных.
//
// Инварианты цепочки:
//   - не более одной последней версии в любой момент и ровно одна после
//     успешной операции создания версии;
//   - номера версий строго возрастают и не переиспользуются (счётчик цепочки);
//   - тип содержимого новой версии совпадает с типом цепочки.
//
// Писатели одной цепочки упорядочиваются блокировкой строки цепочки
// (SELECT ... FOR UPDATE), разные цепочки не конкурируют.
package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/attachment-store/internal/domain/model"
	"github.com/bigkaa/goartstore/attachment-store/internal/repository"
	"github.com/bigkaa/goartstore/attachment-store/internal/security/signature"
)

// FileRemover удаляет файл постоянного хранения (best effort).
type FileRemover interface {
	Remove(storagePath string)
}

// Draft — данные новой версии, подготовленные координатором.
type Draft struct {
	// ID — заранее выданный идентификатор версии (попадает в журнал фиксации)
	ID               string
	Binding          model.Binding
	OriginalFilename string
	ContentType      string
	Size             int64
	StoragePath      string
	Checksum         string
	// Description — пустое значение у новой версии наследует описание предыдущей
	Description string
	// IsPublic — nil у новой версии наследует видимость предыдущей
	IsPublic       *bool
	VersionComment string
	UploadedBy     string
}

// VersionManager — создание, перечисление и удаление версий.
type VersionManager struct {
	store  repository.AttachmentStore
	files  FileRemover
	logger *slog.Logger
}

// NewVersionManager создаёт менеджер версий.
func NewVersionManager(store repository.AttachmentStore, files FileRemover, logger *slog.Logger) *VersionManager {
	return &VersionManager{
		store:  store,
		files:  files,
		logger: logger.With(slog.String("component", "version_manager")),
	}
}

// CreateFirstVersion создаёт цепочку и её первую версию в одной транзакции.
// При ошибке файл по d.StoragePath не удаляется: это делает вызывающий.
func (m *VersionManager) CreateFirstVersion(ctx context.Context, d Draft) (*model.Attachment, error) {
	if d.Binding.IsZero() {
		return nil, newError(KindBadRequest, nil, "вложение должно быть привязано к сущности")
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}

	chain := &model.Chain{
		ID:          uuid.NewString(),
		RootID:      d.ID,
		Binding:     d.Binding,
		ContentType: signature.Normalize(d.ContentType),
		LastVersion: 1,
	}
	att := d.attachment(chain, 1)

	err := m.store.InTx(ctx, func(repo repository.AttachmentRepository) error {
		if err := repo.CreateChain(ctx, chain); err != nil {
			return err
		}
		return repo.Insert(ctx, att)
	})
	if err != nil {
		return nil, storageError(err, "не удалось сохранить вложение")
	}

	m.logger.Info("Создана цепочка версий",
		slog.String("attachment_id", att.ID),
		slog.String("chain_id", chain.ID),
		slog.String("entity", d.Binding.String()),
	)
	return att, nil
}

// CreateNextVersion добавляет версию в цепочку вложения refID.
// refID может быть идентификатором любой версии цепочки.
func (m *VersionManager) CreateNextVersion(ctx context.Context, refID string, d Draft) (*model.Attachment, error) {
	ref, err := m.store.Attachments().GetByID(ctx, refID)
	if err != nil {
		return nil, notFoundOr(err, refID)
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}

	var att *model.Attachment
	err = m.store.InTx(ctx, func(repo repository.AttachmentRepository) error {
		chain, err := repo.LockChain(ctx, ref.ChainID)
		if err != nil {
			return err
		}
		if got := signature.Normalize(d.ContentType); got != chain.ContentType {
			return newError(KindConflict, nil,
				"тип содержимого новой версии %s не совпадает с типом документа %s", got, chain.ContentType)
		}

		if d.Description == "" || d.IsPublic == nil {
			if prev, err := repo.HighestRemaining(ctx, chain.ID); err == nil {
				if d.Description == "" {
					d.Description = prev.Description
				}
				if d.IsPublic == nil {
					public := prev.IsPublic
					d.IsPublic = &public
				}
			}
		}

		n, err := repo.BumpVersion(ctx, chain.ID)
		if err != nil {
			return err
		}
		if _, err := repo.ClearLatest(ctx, chain.ID); err != nil {
			return err
		}
		d.Binding = chain.Binding
		att = d.attachment(chain, n)
		return repo.Insert(ctx, att)
	})
	if err != nil {
		return nil, storageError(err, "не удалось сохранить новую версию")
	}

	m.logger.Info("Создана новая версия",
		slog.String("attachment_id", att.ID),
		slog.String("chain_id", att.ChainID),
		slog.Int("version", att.VersionNumber),
	)
	return att, nil
}

// ListChain возвращает версии цепочки вложения refID по убыванию номера
// и общее число версий. page начинается с 1.
func (m *VersionManager) ListChain(ctx context.Context, refID string, page, pageSize int) ([]*model.Attachment, int, error) {
	repo := m.store.Attachments()
	ref, err := repo.GetByID(ctx, refID)
	if err != nil {
		return nil, 0, notFoundOr(err, refID)
	}
	limit, offset := pageBounds(page, pageSize)

	items, err := repo.ListChain(ctx, ref.ChainID, limit, offset)
	if err != nil {
		return nil, 0, storageError(err, "не удалось получить версии")
	}
	total, err := repo.CountChain(ctx, ref.ChainID)
	if err != nil {
		return nil, 0, storageError(err, "не удалось получить версии")
	}
	return items, total, nil
}

// DestroyChain удаляет все версии цепочки: сначала файлы (best effort),
// затем строки. Возвращает удалённые версии.
func (m *VersionManager) DestroyChain(ctx context.Context, chainID string) ([]*model.Attachment, error) {
	var removed []*model.Attachment
	err := m.store.InTx(ctx, func(repo repository.AttachmentRepository) error {
		var err error
		removed, err = m.destroyChain(ctx, repo, chainID)
		return err
	})
	if err != nil {
		return nil, storageError(err, "не удалось удалить вложение")
	}
	return removed, nil
}

func (m *VersionManager) destroyChain(ctx context.Context, repo repository.AttachmentRepository, chainID string) ([]*model.Attachment, error) {
	if _, err := repo.LockChain(ctx, chainID); err != nil {
		return nil, err
	}
	members, err := repo.ListChain(ctx, chainID, 0, 0)
	if err != nil {
		return nil, err
	}
	for _, a := range members {
		m.files.Remove(a.StoragePath)
	}
	if err := repo.DeleteChain(ctx, chainID); err != nil {
		return nil, err
	}

	m.logger.Info("Цепочка версий удалена",
		slog.String("chain_id", chainID),
		slog.Int("versions", len(members)),
	)
	return members, nil
}

// DestroyVersion удаляет одну версию. Корневая версия удаляет всю цепочку.
// Если удалялась последняя версия, последней становится версия
// с наибольшим оставшимся номером.
func (m *VersionManager) DestroyVersion(ctx context.Context, id string) ([]*model.Attachment, error) {
	ref, err := m.store.Attachments().GetByID(ctx, id)
	if err != nil {
		return nil, notFoundOr(err, id)
	}

	var removed []*model.Attachment
	err = m.store.InTx(ctx, func(repo repository.AttachmentRepository) error {
		if ref.IsRoot() {
			var err error
			removed, err = m.destroyChain(ctx, repo, ref.ChainID)
			return err
		}

		if _, err := repo.LockChain(ctx, ref.ChainID); err != nil {
			return err
		}
		// Перечитываем под блокировкой: версия могла стать последней или исчезнуть
		a, err := repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		m.files.Remove(a.StoragePath)
		if err := repo.Delete(ctx, id); err != nil {
			return err
		}
		removed = []*model.Attachment{a}

		if !a.IsLatestVersion {
			return nil
		}
		next, err := repo.HighestRemaining(ctx, a.ChainID)
		if err != nil {
			return err
		}
		if err := repo.SetLatest(ctx, next.ID); err != nil {
			return err
		}
		m.logger.Info("Последней стала предыдущая версия",
			slog.String("chain_id", a.ChainID),
			slog.String("attachment_id", next.ID),
			slog.Int("version", next.VersionNumber),
		)
		return nil
	})
	if err != nil {
		return nil, notFoundOr(err, id)
	}
	return removed, nil
}

func (d Draft) attachment(chain *model.Chain, version int) *model.Attachment {
	return &model.Attachment{
		ID:               d.ID,
		ChainID:          chain.ID,
		RootID:           chain.RootID,
		Binding:          chain.Binding,
		OriginalFilename: d.OriginalFilename,
		ContentType:      chain.ContentType,
		Size:             d.Size,
		StoragePath:      d.StoragePath,
		Checksum:         d.Checksum,
		Description:      d.Description,
		IsPublic:         d.IsPublic != nil && *d.IsPublic,
		VersionNumber:    version,
		IsLatestVersion:  true,
		VersionComment:   d.VersionComment,
		UploadedBy:       d.UploadedBy,
	}
}

// notFoundOr превращает repository.ErrNotFound в NOT_FOUND, остальное — в сбой хранилища.
func notFoundOr(err error, id string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return newError(KindNotFound, err, "вложение %s не найдено", id)
	}
	return storageError(err, "ошибка хранилища метаданных")
}

// storageError оставляет ошибки сервисного слоя как есть,
// остальные оборачивает в STORAGE_FAILURE (конфликт уникальности — в CONFLICT).
func storageError(err error, message string) error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, repository.ErrNotFound) {
		return newError(KindNotFound, err, "вложение не найдено")
	}
	if errors.Is(err, repository.ErrConflict) {
		return newError(KindConflict, err, "параллельное изменение цепочки версий, повторите запрос")
	}
	return newError(KindStorage, err, "%s", message)
}

// pageBounds переводит номер страницы и её размер в limit/offset.
func pageBounds(page, pageSize int) (limit, offset int) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	if page < 1 {
		page = 1
	}
	return pageSize, (page - 1) * pageSize
}

// Границы постраничной выдачи.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)
