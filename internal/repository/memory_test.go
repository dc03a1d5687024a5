package repository

import (
	"context"
	"errors"
	"testing"
)

// TestMemoryStore прогоняет общие сценарии на хранилище в памяти.
func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) AttachmentStore {
		return NewMemoryStore()
	})
}

// TestMemoryStore_CanceledContext проверяет откат при отменённом контексте.
func TestMemoryStore_CanceledContext(t *testing.T) {
	store := NewMemoryStore()
	root := createChain(t, store, mustBinding(t, "task", "T-1"), "application/pdf")

	ctx, cancel := context.WithCancel(context.Background())
	err := store.InTx(ctx, func(repo AttachmentRepository) error {
		_, err := repo.BumpVersion(ctx, root.ChainID)
		cancel()
		return err
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("ожидалась context.Canceled, получено %v", err)
	}
	chain, _ := store.Attachments().GetChain(context.Background(), root.ChainID)
	if chain.LastVersion != 1 {
		t.Errorf("изменения должны откатиться, LastVersion=%d", chain.LastVersion)
	}
}

// TestPage проверяет постраничную выборку.
func TestPage(t *testing.T) {
	store := NewMemoryStore()
	b := mustBinding(t, "project", "P-1")
	for i := 0; i < 5; i++ {
		createChain(t, store, b, "application/pdf")
	}
	ctx := context.Background()

	tests := []struct {
		limit, offset, want int
	}{
		{2, 0, 2},
		{2, 4, 1},
		{10, 0, 5},
		{2, 5, 0},
	}
	for _, tt := range tests {
		list, _ := store.Attachments().ListByEntity(ctx, b, tt.limit, tt.offset)
		if len(list) != tt.want {
			t.Errorf("limit=%d offset=%d: ожидалось %d, получено %d", tt.limit, tt.offset, tt.want, len(list))
		}
	}
}
