package repository

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/google/uuid"

	"key-custody-service/internal/domain"
)

var errDuplicateKey = errors.New("key with the same id already exists")

// MemoryKeyRepository はプロセス内で鍵メタデータを保持するリポジトリ。
// 返却値はすべてコピーで、呼び出し側の変更は保存済みのレコードに影響しない。
type MemoryKeyRepository struct {
	mu    sync.RWMutex
	keys  map[string]*domain.Key
	order []string
}

// NewMemoryKeyRepository は空のMemoryKeyRepositoryを生成する。
func NewMemoryKeyRepository() *MemoryKeyRepository {
	return &MemoryKeyRepository{keys: make(map[string]*domain.Key)}
}

func (r *MemoryKeyRepository) List(_ context.Context, req domain.PageRequest) (*domain.Page[*domain.Key], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*domain.Key, len(r.order))
	for i, id := range r.order {
		all[i] = r.keys[id].Clone()
	}
	return domain.Paginate(all, req), nil
}

// Add はIDが空の場合にUUIDを採番して保存する。
func (r *MemoryKeyRepository) Add(_ context.Context, key *domain.Key) (*domain.Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := key.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if _, exists := r.keys[stored.ID]; exists {
		return nil, errDuplicateKey
	}
	r.keys[stored.ID] = stored
	r.order = append(r.order, stored.ID)
	return stored.Clone(), nil
}

func (r *MemoryKeyRepository) Find(_ context.Context, id string) (*domain.Key, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key, ok := r.keys[id]
	if !ok {
		return nil, nil
	}
	return key.Clone(), nil
}

func (r *MemoryKeyRepository) Update(_ context.Context, key *domain.Key) (*domain.Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.keys[key.ID]; !ok {
		return nil, domain.ErrKeyNotFound
	}
	r.keys[key.ID] = key.Clone()
	return key.Clone(), nil
}

func (r *MemoryKeyRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.keys[id]; !ok {
		return nil
	}
	delete(r.keys, id)
	r.order = slices.DeleteFunc(r.order, func(s string) bool { return s == id })
	return nil
}
