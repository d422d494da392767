// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"key-custody-service/internal/domain"
)

// SigningKeyModel はgorm用のモデル定義。
// Seq は挿入順を保持するための内部連番で、外部には公開しない。
type SigningKeyModel struct {
	Seq         uint64     `gorm:"primaryKey;autoIncrement"`
	ID          string     `gorm:"column:id;type:varchar(64);not null;uniqueIndex:uk_signing_keys_id"`
	Name        string     `gorm:"type:varchar(255);not null"`
	Algorithm   string     `gorm:"type:varchar(64);not null"`
	PublicKey   string     `gorm:"type:text;not null"`
	Certificate string     `gorm:"type:text;not null"`
	CreatedAt   time.Time  `gorm:"type:datetime(6);not null;autoCreateTime:false"`
	UpdatedAt   time.Time  `gorm:"type:datetime(6);not null;autoUpdateTime:false"`
	DeletedAt   *time.Time `gorm:"type:datetime(6)"`
}

// TableName はテーブル名を返す。
func (SigningKeyModel) TableName() string {
	return "signing_keys"
}

func newSigningKeyModel(key *domain.Key) *SigningKeyModel {
	return &SigningKeyModel{
		ID:          key.ID,
		Name:        key.Name,
		Algorithm:   key.Algorithm,
		PublicKey:   key.PublicKey,
		Certificate: key.Certificate,
		CreatedAt:   key.CreatedAt,
		UpdatedAt:   key.UpdatedAt,
		DeletedAt:   key.DeletedAt,
	}
}

// toDomain はモデルをドメインエンティティに変換する。
func (m *SigningKeyModel) toDomain() *domain.Key {
	key := &domain.Key{
		ID:          m.ID,
		Name:        m.Name,
		Algorithm:   m.Algorithm,
		PublicKey:   m.PublicKey,
		Certificate: m.Certificate,
		CreatedAt:   m.CreatedAt.UTC(),
		UpdatedAt:   m.UpdatedAt.UTC(),
	}
	if m.DeletedAt != nil {
		t := m.DeletedAt.UTC()
		key.DeletedAt = &t
	}
	return key
}

// KeyRepository はgormによる鍵メタデータのリポジトリ。
type KeyRepository struct {
	db *gorm.DB
}

// NewKeyRepository は新しいKeyRepositoryを生成する。
func NewKeyRepository(db *gorm.DB) *KeyRepository {
	return &KeyRepository{db: db}
}

// List は鍵メタデータを挿入順にページングして取得する。
func (r *KeyRepository) List(ctx context.Context, req domain.PageRequest) (*domain.Page[*domain.Key], error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&SigningKeyModel{}).Count(&total).Error; err != nil {
		slog.ErrorContext(ctx, "failed to count keys",
			"operation", "list",
			"error", err,
		)
		return nil, err
	}

	// 範囲外のページはクエリせずに空で返す
	if int64(req.Offset()) >= total {
		return &domain.Page[*domain.Key]{
			Page:     req.Page,
			PageSize: req.PageSize,
			Total:    total,
			Data:     []*domain.Key{},
		}, nil
	}

	var models []SigningKeyModel
	err := r.db.WithContext(ctx).
		Order("seq ASC").
		Offset(req.Offset()).
		Limit(req.PageSize).
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to list keys",
			"operation", "list",
			"page", req.Page,
			"page_size", req.PageSize,
			"error", err,
		)
		return nil, err
	}

	keys := make([]*domain.Key, len(models))
	for i := range models {
		keys[i] = models[i].toDomain()
	}
	return &domain.Page[*domain.Key]{
		Page:     req.Page,
		PageSize: req.PageSize,
		Total:    total,
		Data:     keys,
	}, nil
}

// Add は鍵メタデータを保存する。
func (r *KeyRepository) Add(ctx context.Context, key *domain.Key) (*domain.Key, error) {
	model := newSigningKeyModel(key)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to add key",
			"operation", "add",
			"key_id", key.ID,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// Find は指定されたIDの鍵メタデータを取得する。存在しない場合は nil を返す。
func (r *KeyRepository) Find(ctx context.Context, id string) (*domain.Key, error) {
	var model SigningKeyModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find key",
			"operation", "find",
			"key_id", id,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// Update は鍵メタデータを置き換える。対象が存在しない場合は domain.ErrKeyNotFound を返す。
func (r *KeyRepository) Update(ctx context.Context, key *domain.Key) (*domain.Key, error) {
	result := r.db.WithContext(ctx).
		Model(&SigningKeyModel{}).
		Where("id = ?", key.ID).
		Updates(map[string]any{
			"name":        key.Name,
			"algorithm":   key.Algorithm,
			"public_key":  key.PublicKey,
			"certificate": key.Certificate,
			"updated_at":  key.UpdatedAt,
			"deleted_at":  key.DeletedAt,
		})
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to update key",
			"operation", "update",
			"key_id", key.ID,
			"error", result.Error,
		)
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, domain.ErrKeyNotFound
	}
	return key.Clone(), nil
}

// Delete は鍵メタデータを物理削除する。存在しない場合は何もしない。
func (r *KeyRepository) Delete(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Where("id = ?", id).Delete(&SigningKeyModel{}).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to delete key",
			"operation", "delete",
			"key_id", id,
			"error", err,
		)
		return err
	}
	return nil
}
