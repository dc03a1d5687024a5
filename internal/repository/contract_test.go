package repository

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/bigkaa/goartstore/attachment-store/internal/domain/model"
)

// Общие сценарии для всех реализаций AttachmentStore.

func mustBinding(t *testing.T, kind, id string) model.Binding {
	t.Helper()
	b, err := model.NewBinding(kind, id)
	if err != nil {
		t.Fatalf("NewBinding: %v", err)
	}
	return b
}

// createChain создаёт цепочку с первой версией.
func createChain(t *testing.T, store AttachmentStore, b model.Binding, contentType string) *model.Attachment {
	t.Helper()
	ctx := context.Background()
	rootID := uuid.NewString()
	chain := &model.Chain{ID: uuid.NewString(), RootID: rootID, Binding: b, ContentType: contentType, LastVersion: 1}
	att := &model.Attachment{
		ID: rootID, ChainID: chain.ID, Binding: b,
		OriginalFilename: "doc.pdf", ContentType: contentType, Size: 10,
		StoragePath: string(b.Kind.Dir()) + "/" + rootID + ".pdf", Checksum: "abc",
		VersionNumber: 1, IsLatestVersion: true, UploadedBy: "alice",
	}
	err := store.InTx(ctx, func(repo AttachmentRepository) error {
		if err := repo.CreateChain(ctx, chain); err != nil {
			return err
		}
		return repo.Insert(ctx, att)
	})
	if err != nil {
		t.Fatalf("создание цепочки: %v", err)
	}
	return att
}

// addVersion добавляет следующую версию так же, как это делает менеджер версий.
func addVersion(ctx context.Context, store AttachmentStore, chainID string) (*model.Attachment, error) {
	var created *model.Attachment
	err := store.InTx(ctx, func(repo AttachmentRepository) error {
		chain, err := repo.LockChain(ctx, chainID)
		if err != nil {
			return err
		}
		n, err := repo.BumpVersion(ctx, chainID)
		if err != nil {
			return err
		}
		if _, err := repo.ClearLatest(ctx, chainID); err != nil {
			return err
		}
		id := uuid.NewString()
		created = &model.Attachment{
			ID: id, ChainID: chainID, Binding: chain.Binding,
			OriginalFilename: "doc.pdf", ContentType: chain.ContentType, Size: 20,
			StoragePath: chain.Binding.Kind.Dir() + "/" + id + ".pdf",
			VersionNumber: n, IsLatestVersion: true, UploadedBy: "bob",
		}
		return repo.Insert(ctx, created)
	})
	return created, err
}

func countLatest(t *testing.T, store AttachmentStore, chainID string) int {
	t.Helper()
	list, err := store.Attachments().ListChain(context.Background(), chainID, 1000, 0)
	if err != nil {
		t.Fatalf("ListChain: %v", err)
	}
	n := 0
	for _, a := range list {
		if a.IsLatestVersion {
			n++
		}
	}
	return n
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) AttachmentStore) {
	t.Run("первая версия и чтение", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		root := createChain(t, store, mustBinding(t, "task", "T-1"), "application/pdf")

		got, err := store.Attachments().GetByID(ctx, root.ID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if got.RootID != root.ID || !got.IsRoot() || !got.IsLatestVersion || got.VersionNumber != 1 {
			t.Errorf("неожиданная первая версия: %+v", got)
		}
		if got.Binding.Kind != model.KindTask || got.Binding.ID != "T-1" {
			t.Errorf("привязка: %+v", got.Binding)
		}
		if _, err := store.Attachments().GetByID(ctx, uuid.NewString()); !errors.Is(err, ErrNotFound) {
			t.Errorf("ожидалась ErrNotFound, получено %v", err)
		}
	})

	t.Run("версии по убыванию и единственная последняя", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		root := createChain(t, store, mustBinding(t, "epic", "E-1"), "application/pdf")
		if _, err := addVersion(ctx, store, root.ChainID); err != nil {
			t.Fatalf("addVersion: %v", err)
		}

		list, err := store.Attachments().ListChain(ctx, root.ChainID, 10, 0)
		if err != nil {
			t.Fatalf("ListChain: %v", err)
		}
		if len(list) != 2 || list[0].VersionNumber != 2 || list[1].VersionNumber != 1 {
			t.Fatalf("ожидался порядок [2,1], получено %d записей", len(list))
		}
		if !list[0].IsLatestVersion || list[1].IsLatestVersion {
			t.Error("последней должна быть только версия 2")
		}
		if list[0].RootID != root.ID {
			t.Errorf("RootID новой версии: %s", list[0].RootID)
		}
		if n, _ := store.Attachments().CountChain(ctx, root.ChainID); n != 2 {
			t.Errorf("CountChain: %d", n)
		}
	})

	t.Run("вторая последняя версия отклоняется", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		root := createChain(t, store, mustBinding(t, "story", "S-1"), "image/png")

		err := store.InTx(ctx, func(repo AttachmentRepository) error {
			return repo.Insert(ctx, &model.Attachment{
				ID: uuid.NewString(), ChainID: root.ChainID, Binding: root.Binding,
				OriginalFilename: "x.png", ContentType: "image/png", StoragePath: "stories/x.png",
				VersionNumber: 2, IsLatestVersion: true, UploadedBy: "alice",
			})
		})
		if !errors.Is(err, ErrConflict) {
			t.Fatalf("ожидалась ErrConflict, получено %v", err)
		}
		if n := countLatest(t, store, root.ChainID); n != 1 {
			t.Errorf("последних версий: %d", n)
		}
	})

	t.Run("откат транзакции", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		root := createChain(t, store, mustBinding(t, "project", "P-1"), "application/pdf")
		boom := errors.New("boom")

		err := store.InTx(ctx, func(repo AttachmentRepository) error {
			if _, err := repo.BumpVersion(ctx, root.ChainID); err != nil {
				return err
			}
			if _, err := repo.ClearLatest(ctx, root.ChainID); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("ожидалась исходная ошибка, получено %v", err)
		}
		chain, _ := store.Attachments().GetChain(ctx, root.ChainID)
		if chain.LastVersion != 1 {
			t.Errorf("счётчик версий после отката: %d", chain.LastVersion)
		}
		if n := countLatest(t, store, root.ChainID); n != 1 {
			t.Errorf("после отката последних версий: %d", n)
		}
	})

	t.Run("номера версий не переиспользуются", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		root := createChain(t, store, mustBinding(t, "task", "T-2"), "application/pdf")
		v2, _ := addVersion(ctx, store, root.ChainID)

		err := store.InTx(ctx, func(repo AttachmentRepository) error {
			if err := repo.Delete(ctx, v2.ID); err != nil {
				return err
			}
			top, err := repo.HighestRemaining(ctx, root.ChainID)
			if err != nil {
				return err
			}
			return repo.SetLatest(ctx, top.ID)
		})
		if err != nil {
			t.Fatalf("удаление версии: %v", err)
		}
		v3, err := addVersion(ctx, store, root.ChainID)
		if err != nil {
			t.Fatalf("addVersion: %v", err)
		}
		if v3.VersionNumber != 3 {
			t.Errorf("ожидался номер 3, получено %d", v3.VersionNumber)
		}
	})

	t.Run("обновление метаданных", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		root := createChain(t, store, mustBinding(t, "task", "T-3"), "application/pdf")
		desc := "Отчёт"
		pub := true

		got, err := store.Attachments().UpdateMetadata(ctx, root.ID, &desc, nil)
		if err != nil {
			t.Fatalf("UpdateMetadata: %v", err)
		}
		if got.Description != desc || got.IsPublic {
			t.Errorf("после обновления описания: %+v", got)
		}
		got, _ = store.Attachments().UpdateMetadata(ctx, root.ID, nil, &pub)
		if got.Description != desc || !got.IsPublic {
			t.Errorf("после обновления видимости: %+v", got)
		}
		if _, err := store.Attachments().UpdateMetadata(ctx, uuid.NewString(), &desc, nil); !errors.Is(err, ErrNotFound) {
			t.Errorf("ожидалась ErrNotFound, получено %v", err)
		}
	})

	t.Run("вложения сущности и пути хранения", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		b := mustBinding(t, "task", "T-4")
		first := createChain(t, store, b, "application/pdf")
		createChain(t, store, b, "image/png")
		createChain(t, store, mustBinding(t, "task", "T-other"), "image/png")
		v2, _ := addVersion(ctx, store, first.ChainID)

		list, err := store.Attachments().ListByEntity(ctx, b, 10, 0)
		if err != nil {
			t.Fatalf("ListByEntity: %v", err)
		}
		if len(list) != 2 {
			t.Fatalf("ожидалось 2 цепочки, получено %d", len(list))
		}
		for _, a := range list {
			if !a.IsLatestVersion {
				t.Errorf("в списке сущности не последняя версия: %s", a.ID)
			}
		}
		if n, _ := store.Attachments().CountByEntity(ctx, b); n != 2 {
			t.Errorf("CountByEntity: %d", n)
		}

		paths, err := store.Attachments().StoragePaths(ctx)
		if err != nil {
			t.Fatalf("StoragePaths: %v", err)
		}
		if _, ok := paths[v2.StoragePath]; !ok || len(paths) != 4 {
			t.Errorf("пути хранения: %v", paths)
		}
		if ok, _ := store.Attachments().ExistsByStoragePath(ctx, first.StoragePath); !ok {
			t.Error("путь первой версии должен существовать")
		}
	})

	t.Run("удаление цепочки каскадом", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		root := createChain(t, store, mustBinding(t, "epic", "E-2"), "application/pdf")
		v2, _ := addVersion(ctx, store, root.ChainID)

		if err := store.Attachments().DeleteChain(ctx, root.ChainID); err != nil {
			t.Fatalf("DeleteChain: %v", err)
		}
		for _, id := range []string{root.ID, v2.ID} {
			if _, err := store.Attachments().GetByID(ctx, id); !errors.Is(err, ErrNotFound) {
				t.Errorf("версия %s должна быть удалена: %v", id, err)
			}
		}
		if err := store.Attachments().DeleteChain(ctx, root.ChainID); !errors.Is(err, ErrNotFound) {
			t.Errorf("повторное удаление: ожидалась ErrNotFound, получено %v", err)
		}
	})

	t.Run("параллельное создание версий", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		root := createChain(t, store, mustBinding(t, "task", "T-5"), "application/pdf")

		const writers = 10
		var wg sync.WaitGroup
		errs := make(chan error, writers)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := addVersion(ctx, store, root.ChainID); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("addVersion: %v", err)
		}

		list, _ := store.Attachments().ListChain(ctx, root.ChainID, 100, 0)
		if len(list) != writers+1 {
			t.Fatalf("ожидалось %d версий, получено %d", writers+1, len(list))
		}
		for i, a := range list {
			if want := writers + 1 - i; a.VersionNumber != want {
				t.Errorf("позиция %d: ожидался номер %d, получено %d", i, want, a.VersionNumber)
			}
		}
		if n := countLatest(t, store, root.ChainID); n != 1 {
			t.Errorf("последних версий: %d", n)
		}
	})
}
