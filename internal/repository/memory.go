package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bigkaa/goartstore/attachment-store/internal/domain/model"
)

// MemoryStore — AttachmentStore в памяти процесса.
// Транзакция удерживает общий мьютекс целиком, поэтому писатели
// полностью упорядочены; при ошибке fn состояние восстанавливается
// из снимка. Ограничения уникальности повторяют схему PostgreSQL.
type MemoryStore struct {
	mu     sync.Mutex
	chains map[string]model.Chain
	rows   map[string]model.Attachment
	now    func() time.Time
}

// NewMemoryStore создаёт пустое хранилище метаданных в памяти.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chains: make(map[string]model.Chain),
		rows:   make(map[string]model.Attachment),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Attachments возвращает репозиторий, каждая операция которого атомарна.
func (s *MemoryStore) Attachments() AttachmentRepository {
	return &memoryRepo{store: s}
}

// InTx выполняет fn под мьютексом хранилища. Ошибка fn или отмена
// контекста откатывают все изменения.
func (s *MemoryStore) InTx(ctx context.Context, fn func(repo AttachmentRepository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}

	chains, rows := s.snapshot()
	if err := fn(&memoryRepo{store: s, inTx: true}); err != nil {
		s.chains, s.rows = chains, rows
		return err
	}
	if err := ctx.Err(); err != nil {
		s.chains, s.rows = chains, rows
		return fmt.Errorf("ошибка коммита транзакции: %w", err)
	}
	return nil
}

func (s *MemoryStore) snapshot() (map[string]model.Chain, map[string]model.Attachment) {
	chains := make(map[string]model.Chain, len(s.chains))
	for k, v := range s.chains {
		chains[k] = v
	}
	rows := make(map[string]model.Attachment, len(s.rows))
	for k, v := range s.rows {
		rows[k] = v
	}
	return chains, rows
}

// memoryRepo — AttachmentRepository поверх MemoryStore.
// Вне транзакции каждая операция захватывает мьютекс сама.
type memoryRepo struct {
	store *MemoryStore
	inTx  bool
}

func (r *memoryRepo) lock() func() {
	if r.inTx {
		return func() {}
	}
	r.store.mu.Lock()
	return r.store.mu.Unlock
}

func (r *memoryRepo) CreateChain(_ context.Context, c *model.Chain) error {
	defer r.lock()()
	s := r.store
	if _, ok := s.chains[c.ID]; ok {
		return fmt.Errorf("%w: цепочка %s уже существует", ErrConflict, c.ID)
	}
	for _, other := range s.chains {
		if other.RootID == c.RootID {
			return fmt.Errorf("%w: корень %s уже принадлежит цепочке", ErrConflict, c.RootID)
		}
	}
	if c.LastVersion < 1 {
		return fmt.Errorf("ошибка создания цепочки: last_version %d < 1", c.LastVersion)
	}
	c.CreatedAt = s.now()
	s.chains[c.ID] = *c
	return nil
}

func (r *memoryRepo) GetChain(_ context.Context, chainID string) (*model.Chain, error) {
	defer r.lock()()
	c, ok := r.store.chains[chainID]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

// LockChain в памяти эквивалентен GetChain: транзакция уже удерживает мьютекс.
func (r *memoryRepo) LockChain(ctx context.Context, chainID string) (*model.Chain, error) {
	return r.GetChain(ctx, chainID)
}

func (r *memoryRepo) BumpVersion(_ context.Context, chainID string) (int, error) {
	defer r.lock()()
	c, ok := r.store.chains[chainID]
	if !ok {
		return 0, ErrNotFound
	}
	c.LastVersion++
	r.store.chains[chainID] = c
	return c.LastVersion, nil
}

func (r *memoryRepo) DeleteChain(_ context.Context, chainID string) error {
	defer r.lock()()
	s := r.store
	if _, ok := s.chains[chainID]; !ok {
		return ErrNotFound
	}
	delete(s.chains, chainID)
	for id, a := range s.rows {
		if a.ChainID == chainID {
			delete(s.rows, id)
		}
	}
	return nil
}

func (r *memoryRepo) Insert(_ context.Context, a *model.Attachment) error {
	defer r.lock()()
	s := r.store
	c, ok := s.chains[a.ChainID]
	if !ok {
		return fmt.Errorf("ошибка добавления версии: цепочка %s не существует", a.ChainID)
	}
	if _, ok := s.rows[a.ID]; ok {
		return fmt.Errorf("%w: вложение %s уже существует", ErrConflict, a.ID)
	}
	for _, other := range s.rows {
		switch {
		case other.StoragePath == a.StoragePath:
			return fmt.Errorf("%w: путь хранения уже занят", ErrConflict)
		case other.ChainID == a.ChainID && other.VersionNumber == a.VersionNumber:
			return fmt.Errorf("%w: версия %d цепочки %s", ErrConflict, a.VersionNumber, a.ChainID)
		case other.ChainID == a.ChainID && other.IsLatestVersion && a.IsLatestVersion:
			return fmt.Errorf("%w: в цепочке уже есть последняя версия", ErrConflict)
		}
	}
	now := s.now()
	a.RootID = c.RootID
	a.CreatedAt, a.UpdatedAt = now, now
	s.rows[a.ID] = *a
	return nil
}

func (r *memoryRepo) GetByID(_ context.Context, id string) (*model.Attachment, error) {
	defer r.lock()()
	return r.get(id)
}

func (r *memoryRepo) get(id string) (*model.Attachment, error) {
	a, ok := r.store.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	a.RootID = r.store.chains[a.ChainID].RootID
	return &a, nil
}

func (r *memoryRepo) ListChain(_ context.Context, chainID string, limit, offset int) ([]*model.Attachment, error) {
	defer r.lock()()
	list := r.filter(func(a *model.Attachment) bool { return a.ChainID == chainID })
	sort.Slice(list, func(i, j int) bool { return list[i].VersionNumber > list[j].VersionNumber })
	return page(list, limit, offset), nil
}

func (r *memoryRepo) CountChain(_ context.Context, chainID string) (int, error) {
	defer r.lock()()
	return len(r.filter(func(a *model.Attachment) bool { return a.ChainID == chainID })), nil
}

func (r *memoryRepo) ClearLatest(_ context.Context, chainID string) (int64, error) {
	defer r.lock()()
	var n int64
	now := r.store.now()
	for id, a := range r.store.rows {
		if a.ChainID == chainID && a.IsLatestVersion {
			a.IsLatestVersion = false
			a.UpdatedAt = now
			r.store.rows[id] = a
			n++
		}
	}
	return n, nil
}

func (r *memoryRepo) SetLatest(_ context.Context, id string) error {
	defer r.lock()()
	a, ok := r.store.rows[id]
	if !ok {
		return ErrNotFound
	}
	for _, other := range r.store.rows {
		if other.ChainID == a.ChainID && other.ID != id && other.IsLatestVersion {
			return fmt.Errorf("%w: в цепочке уже есть последняя версия", ErrConflict)
		}
	}
	a.IsLatestVersion = true
	a.UpdatedAt = r.store.now()
	r.store.rows[id] = a
	return nil
}

func (r *memoryRepo) HighestRemaining(_ context.Context, chainID string) (*model.Attachment, error) {
	defer r.lock()()
	var best *model.Attachment
	for _, a := range r.filter(func(a *model.Attachment) bool { return a.ChainID == chainID }) {
		if best == nil || a.VersionNumber > best.VersionNumber {
			best = a
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

func (r *memoryRepo) UpdateMetadata(_ context.Context, id string, description *string, isPublic *bool) (*model.Attachment, error) {
	defer r.lock()()
	a, ok := r.store.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	if description != nil {
		a.Description = *description
	}
	if isPublic != nil {
		a.IsPublic = *isPublic
	}
	a.UpdatedAt = r.store.now()
	r.store.rows[id] = a
	return r.get(id)
}

func (r *memoryRepo) Delete(_ context.Context, id string) error {
	defer r.lock()()
	if _, ok := r.store.rows[id]; !ok {
		return ErrNotFound
	}
	delete(r.store.rows, id)
	return nil
}

func (r *memoryRepo) ListByEntity(_ context.Context, b model.Binding, limit, offset int) ([]*model.Attachment, error) {
	defer r.lock()()
	list := r.filter(func(a *model.Attachment) bool { return a.Binding == b && a.IsLatestVersion })
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.After(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
	return page(list, limit, offset), nil
}

func (r *memoryRepo) CountByEntity(_ context.Context, b model.Binding) (int, error) {
	defer r.lock()()
	return len(r.filter(func(a *model.Attachment) bool { return a.Binding == b && a.IsLatestVersion })), nil
}

func (r *memoryRepo) StoragePaths(_ context.Context) (map[string]struct{}, error) {
	defer r.lock()()
	paths := make(map[string]struct{}, len(r.store.rows))
	for _, a := range r.store.rows {
		paths[a.StoragePath] = struct{}{}
	}
	return paths, nil
}

func (r *memoryRepo) ExistsByStoragePath(_ context.Context, storagePath string) (bool, error) {
	defer r.lock()()
	for _, a := range r.store.rows {
		if a.StoragePath == storagePath {
			return true, nil
		}
	}
	return false, nil
}

// filter возвращает копии строк, удовлетворяющих условию. Вызывается под мьютексом.
func (r *memoryRepo) filter(match func(a *model.Attachment) bool) []*model.Attachment {
	var out []*model.Attachment
	for _, row := range r.store.rows {
		a := row
		a.RootID = r.store.chains[a.ChainID].RootID
		if match(&a) {
			out = append(out, &a)
		}
	}
	return out
}

func page(list []*model.Attachment, limit, offset int) []*model.Attachment {
	if offset >= len(list) {
		return nil
	}
	list = list[offset:]
	if limit > 0 && limit < len(list) {
		list = list[:limit]
	}
	return list
}
