package repository

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"key-custody-service/internal/domain"
)

func TestMemoryKeyRepository_CRUD(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryKeyRepository()
	now := time.Now().UTC()

	added, err := repo.Add(ctx, newTestKey("k1", now))
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	// 返却値を変更しても保存済みレコードに影響しない
	added.Name = "mutated"
	found, err := repo.Find(ctx, "k1")
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if found.Name != "key k1" {
		t.Errorf("stored record was aliased: %q", found.Name)
	}

	if _, err := repo.Add(ctx, newTestKey("k1", now)); err == nil {
		t.Error("expected duplicate error, got nil")
	}

	found.Certificate = "MIIB"
	if _, err := repo.Update(ctx, found); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	again, _ := repo.Find(ctx, "k1")
	if again.Certificate != "MIIB" {
		t.Errorf("want certificate MIIB, got %q", again.Certificate)
	}

	if _, err := repo.Update(ctx, newTestKey("ghost", now)); !errors.Is(err, domain.ErrKeyNotFound) {
		t.Errorf("want ErrKeyNotFound, got %v", err)
	}

	if err := repo.Delete(ctx, "k1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if k, _ := repo.Find(ctx, "k1"); k != nil {
		t.Error("expected key to be deleted")
	}
	if err := repo.Delete(ctx, "k1"); err != nil {
		t.Errorf("expected no error for absent id, got %v", err)
	}
}

func TestMemoryKeyRepository_AssignsIDWhenEmpty(t *testing.T) {
	repo := NewMemoryKeyRepository()
	added, err := repo.Add(context.Background(), newTestKey("", time.Now()))
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if added.ID == "" {
		t.Error("expected generated id")
	}
}

func TestMemoryKeyRepository_ListOrderAfterDelete(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryKeyRepository()
	now := time.Now().UTC()

	for _, id := range []string{"c", "a", "b", "d"} {
		if _, err := repo.Add(ctx, newTestKey(id, now)); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	if err := repo.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	page, err := repo.List(ctx, domain.PageRequest{Page: 1, PageSize: 10})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	want := []string{"c", "b", "d"}
	if page.Total != 3 || len(page.Data) != 3 {
		t.Fatalf("want 3 keys, got total=%d len=%d", page.Total, len(page.Data))
	}
	for i, k := range page.Data {
		if k.ID != want[i] {
			t.Errorf("position %d: want %s, got %s", i, want[i], k.ID)
		}
	}
}

func TestMemoryKeyRepository_ListFarPage(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryKeyRepository()
	if _, err := repo.Add(ctx, newTestKey("k1", time.Now().UTC())); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	req, err := domain.NewPageRequest(math.MaxInt/50, domain.MaxPageSize)
	if err != nil {
		t.Fatalf("NewPageRequest failed: %v", err)
	}
	result, err := repo.List(ctx, req)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(result.Data) != 0 {
		t.Errorf("want empty data, got %d items", len(result.Data))
	}
	if result.Total != 1 || result.Page != req.Page {
		t.Errorf("unexpected page info: total=%d page=%d", result.Total, result.Page)
	}
}
