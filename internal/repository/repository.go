// Пакет repository — хранилище метаданных вложений: цепочки версий
// и их версии. PostgresStore работает через pgx чистым SQL, MemoryStore
// повторяет его транзакционную семантику для разработки и тестов.
package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bigkaa/goartstore/attachment-store/internal/domain/model"
)

var (
	// ErrNotFound — цепочка или версия не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — нарушена уникальность: второй последней версии,
	// номера версии или пути хранения.
	ErrConflict = errors.New("конфликт уникальности")
)

// DBTX — общее у *pgxpool.Pool и pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// AttachmentRepository — доступ к таблицам attachment_chains и attachments.
type AttachmentRepository interface {
	// CreateChain создаёт строку цепочки.
	CreateChain(ctx context.Context, c *model.Chain) error
	// GetChain возвращает цепочку без блокировки.
	GetChain(ctx context.Context, chainID string) (*model.Chain, error)
	// LockChain возвращает цепочку и блокирует её строку до конца транзакции.
	LockChain(ctx context.Context, chainID string) (*model.Chain, error)
	// BumpVersion увеличивает счётчик версий цепочки и возвращает новый номер.
	BumpVersion(ctx context.Context, chainID string) (int, error)
	// DeleteChain удаляет цепочку (версии удаляются каскадно).
	DeleteChain(ctx context.Context, chainID string) error

	// Insert добавляет версию вложения.
	Insert(ctx context.Context, a *model.Attachment) error
	// GetByID возвращает версию по UUID.
	GetByID(ctx context.Context, id string) (*model.Attachment, error)
	// ListChain возвращает версии цепочки по убыванию номера. limit 0 — без ограничения.
	ListChain(ctx context.Context, chainID string, limit, offset int) ([]*model.Attachment, error)
	// CountChain возвращает количество версий цепочки.
	CountChain(ctx context.Context, chainID string) (int, error)
	// ClearLatest снимает флаг последней версии в цепочке. Возвращает число изменённых строк.
	ClearLatest(ctx context.Context, chainID string) (int64, error)
	// SetLatest помечает версию последней.
	SetLatest(ctx context.Context, id string) error
	// HighestRemaining возвращает версию с наибольшим номером в цепочке.
	HighestRemaining(ctx context.Context, chainID string) (*model.Attachment, error)
	// UpdateMetadata изменяет описание и/или видимость версии.
	UpdateMetadata(ctx context.Context, id string, description *string, isPublic *bool) (*model.Attachment, error)
	// Delete удаляет версию.
	Delete(ctx context.Context, id string) error

	// ListByEntity возвращает последние версии вложений сущности.
	ListByEntity(ctx context.Context, b model.Binding, limit, offset int) ([]*model.Attachment, error)
	// CountByEntity возвращает количество цепочек сущности.
	CountByEntity(ctx context.Context, b model.Binding) (int, error)
	// StoragePaths возвращает множество путей хранения всех версий.
	StoragePaths(ctx context.Context) (map[string]struct{}, error)
	// ExistsByStoragePath сообщает, ссылается ли какая-либо версия на путь.
	ExistsByStoragePath(ctx context.Context, storagePath string) (bool, error)
}

// AttachmentStore — точка входа в хранилище метаданных: чтение вне
// транзакции и выполнение группы операций атомарно.
type AttachmentStore interface {
	Attachments() AttachmentRepository
	InTx(ctx context.Context, fn func(repo AttachmentRepository) error) error
}

// isUniqueViolation — код PostgreSQL 23505.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
