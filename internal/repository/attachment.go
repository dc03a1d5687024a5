package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigkaa/goartstore/attachment-store/internal/domain/model"
)

// PostgresStore — AttachmentStore поверх pgxpool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore создаёт хранилище метаданных PostgreSQL.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Attachments возвращает репозиторий, работающий вне транзакции.
func (s *PostgresStore) Attachments() AttachmentRepository {
	return NewAttachmentRepository(s.pool)
}

// InTx выполняет fn в транзакции READ COMMITTED с репозиторием,
// привязанным к ней. Писатели одной цепочки упорядочиваются LockChain.
// Ошибка fn откатывает транзакцию.
func (s *PostgresStore) InTx(ctx context.Context, fn func(repo AttachmentRepository) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // откат после коммита — no-op

	if err := fn(NewAttachmentRepository(tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("ошибка коммита транзакции: %w", err)
	}
	return nil
}

// attachmentRepo — реализация AttachmentRepository.
type attachmentRepo struct {
	db DBTX
}

// NewAttachmentRepository создаёт репозиторий вложений.
func NewAttachmentRepository(db DBTX) AttachmentRepository {
	return &attachmentRepo{db: db}
}

const chainColumns = `chain_id, root_id, entity_kind, entity_id, content_type, last_version, created_at`

const attachmentColumns = `
	a.id, a.chain_id, c.root_id, a.entity_kind, a.entity_id,
	a.original_filename, a.content_type, a.size, a.storage_path, a.checksum,
	a.description, a.is_public, a.version_number, a.is_latest_version,
	a.version_comment, a.uploaded_by, a.created_at, a.updated_at`

const attachmentFrom = `
	FROM attachments a
	JOIN attachment_chains c ON c.chain_id = a.chain_id`

func (r *attachmentRepo) CreateChain(ctx context.Context, c *model.Chain) error {
	query := `
		INSERT INTO attachment_chains (chain_id, root_id, entity_kind, entity_id, content_type, last_version)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`

	err := r.db.QueryRow(ctx, query,
		c.ID, c.RootID, string(c.Binding.Kind), c.Binding.ID, c.ContentType, c.LastVersion,
	).Scan(&c.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: цепочка %s уже существует", ErrConflict, c.ID)
		}
		return fmt.Errorf("ошибка создания цепочки: %w", err)
	}
	return nil
}

func (r *attachmentRepo) GetChain(ctx context.Context, chainID string) (*model.Chain, error) {
	return r.getChain(ctx, `SELECT `+chainColumns+` FROM attachment_chains WHERE chain_id = $1`, chainID)
}

func (r *attachmentRepo) LockChain(ctx context.Context, chainID string) (*model.Chain, error) {
	return r.getChain(ctx, `SELECT `+chainColumns+` FROM attachment_chains WHERE chain_id = $1 FOR UPDATE`, chainID)
}

func (r *attachmentRepo) getChain(ctx context.Context, query, chainID string) (*model.Chain, error) {
	c := &model.Chain{}
	var kind string
	err := r.db.QueryRow(ctx, query, chainID).Scan(
		&c.ID, &c.RootID, &kind, &c.Binding.ID, &c.ContentType, &c.LastVersion, &c.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения цепочки: %w", err)
	}
	c.Binding.Kind = model.EntityKind(kind)
	return c, nil
}

func (r *attachmentRepo) BumpVersion(ctx context.Context, chainID string) (int, error) {
	var next int
	err := r.db.QueryRow(ctx,
		`UPDATE attachment_chains SET last_version = last_version + 1 WHERE chain_id = $1 RETURNING last_version`,
		chainID,
	).Scan(&next)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("ошибка увеличения номера версии: %w", err)
	}
	return next, nil
}

func (r *attachmentRepo) DeleteChain(ctx context.Context, chainID string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM attachment_chains WHERE chain_id = $1`, chainID)
	if err != nil {
		return fmt.Errorf("ошибка удаления цепочки: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *attachmentRepo) Insert(ctx context.Context, a *model.Attachment) error {
	query := `
		INSERT INTO attachments (id, chain_id, entity_kind, entity_id,
			original_filename, content_type, size, storage_path, checksum,
			description, is_public, version_number, is_latest_version,
			version_comment, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		a.ID, a.ChainID, string(a.Binding.Kind), a.Binding.ID,
		a.OriginalFilename, a.ContentType, a.Size, a.StoragePath, a.Checksum,
		a.Description, a.IsPublic, a.VersionNumber, a.IsLatestVersion,
		a.VersionComment, a.UploadedBy,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: версия %d цепочки %s", ErrConflict, a.VersionNumber, a.ChainID)
		}
		return fmt.Errorf("ошибка добавления версии: %w", err)
	}
	return nil
}

func (r *attachmentRepo) GetByID(ctx context.Context, id string) (*model.Attachment, error) {
	query := `SELECT ` + attachmentColumns + attachmentFrom + ` WHERE a.id = $1`
	a, err := scanAttachment(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения вложения: %w", err)
	}
	return a, nil
}

func (r *attachmentRepo) ListChain(ctx context.Context, chainID string, limit, offset int) ([]*model.Attachment, error) {
	query := `SELECT ` + attachmentColumns + attachmentFrom + `
		WHERE a.chain_id = $1
		ORDER BY a.version_number DESC
		LIMIT NULLIF($2, 0) OFFSET $3`
	return r.list(ctx, query, chainID, limit, offset)
}

func (r *attachmentRepo) CountChain(ctx context.Context, chainID string) (int, error) {
	var count int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM attachments WHERE chain_id = $1`, chainID).Scan(&count); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта версий: %w", err)
	}
	return count, nil
}

func (r *attachmentRepo) ClearLatest(ctx context.Context, chainID string) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE attachments SET is_latest_version = false, updated_at = now()
		 WHERE chain_id = $1 AND is_latest_version`, chainID)
	if err != nil {
		return 0, fmt.Errorf("ошибка снятия флага последней версии: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *attachmentRepo) SetLatest(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE attachments SET is_latest_version = true, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: в цепочке уже есть последняя версия", ErrConflict)
		}
		return fmt.Errorf("ошибка установки последней версии: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *attachmentRepo) HighestRemaining(ctx context.Context, chainID string) (*model.Attachment, error) {
	query := `SELECT ` + attachmentColumns + attachmentFrom + `
		WHERE a.chain_id = $1
		ORDER BY a.version_number DESC
		LIMIT 1`
	a, err := scanAttachment(r.db.QueryRow(ctx, query, chainID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка поиска старшей версии: %w", err)
	}
	return a, nil
}

func (r *attachmentRepo) UpdateMetadata(ctx context.Context, id string, description *string, isPublic *bool) (*model.Attachment, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE attachments SET
			description = COALESCE($2, description),
			is_public = COALESCE($3, is_public),
			updated_at = now()
		WHERE id = $1`, id, description, isPublic)
	if err != nil {
		return nil, fmt.Errorf("ошибка обновления метаданных: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return r.GetByID(ctx, id)
}

func (r *attachmentRepo) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM attachments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления версии: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *attachmentRepo) ListByEntity(ctx context.Context, b model.Binding, limit, offset int) ([]*model.Attachment, error) {
	query := `SELECT ` + attachmentColumns + attachmentFrom + `
		WHERE a.entity_kind = $1 AND a.entity_id = $2 AND a.is_latest_version
		ORDER BY a.created_at DESC, a.id
		LIMIT NULLIF($3, 0) OFFSET $4`
	return r.list(ctx, query, string(b.Kind), b.ID, limit, offset)
}

func (r *attachmentRepo) CountByEntity(ctx context.Context, b model.Binding) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM attachments WHERE entity_kind = $1 AND entity_id = $2 AND is_latest_version`,
		string(b.Kind), b.ID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта вложений сущности: %w", err)
	}
	return count, nil
}

func (r *attachmentRepo) StoragePaths(ctx context.Context) (map[string]struct{}, error) {
	rows, err := r.db.Query(ctx, `SELECT storage_path FROM attachments`)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения путей хранения: %w", err)
	}
	defer rows.Close()

	paths := make(map[string]struct{})
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("ошибка сканирования пути хранения: %w", err)
		}
		paths[p] = struct{}{}
	}
	return paths, rows.Err()
}

func (r *attachmentRepo) ExistsByStoragePath(ctx context.Context, storagePath string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM attachments WHERE storage_path = $1)`, storagePath,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки пути хранения: %w", err)
	}
	return exists, nil
}

func (r *attachmentRepo) list(ctx context.Context, query string, args ...any) ([]*model.Attachment, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка вложений: %w", err)
	}
	defer rows.Close()

	var result []*model.Attachment
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования вложения: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// scanAttachment читает строку с колонками attachmentColumns.
func scanAttachment(row pgx.Row) (*model.Attachment, error) {
	a := &model.Attachment{}
	var kind string
	err := row.Scan(
		&a.ID, &a.ChainID, &a.RootID, &kind, &a.Binding.ID,
		&a.OriginalFilename, &a.ContentType, &a.Size, &a.StoragePath, &a.Checksum,
		&a.Description, &a.IsPublic, &a.VersionNumber, &a.IsLatestVersion,
		&a.VersionComment, &a.UploadedBy, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Binding.Kind = model.EntityKind(kind)
	return a, nil
}
