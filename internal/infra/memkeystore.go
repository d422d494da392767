package infra

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"key-custody-service/internal/domain"
)

var errForeignKey = errors.New("private key handle was not issued by this key store")

// MemoryKeyStore はプロセス内に秘密鍵を保持するソフトウェアキーストア。開発・テスト用。
// 秘密鍵はハンドル越しにのみ利用でき、外部には返さない。
type MemoryKeyStore struct {
	mu   sync.RWMutex
	keys map[string]*ecdsa.PrivateKey
}

// NewMemoryKeyStore は空のMemoryKeyStoreを生成する。
func NewMemoryKeyStore() *MemoryKeyStore {
	return &MemoryKeyStore{keys: make(map[string]*ecdsa.PrivateKey)}
}

// softKey はMemoryKeyStoreの秘密鍵ハンドル。
type softKey struct {
	id  string
	key *ecdsa.PrivateKey
}

func (k *softKey) Public() crypto.PublicKey {
	return &k.key.PublicKey
}

func (k *softKey) Sign(r io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return k.key.Sign(r, digest, opts)
}

// GenerateKeyPair は鍵ペアを生成する。秘密鍵は StorePrivateKey まで未登録。
func (s *MemoryKeyStore) GenerateKeyPair(ctx context.Context, spec domain.AlgorithmSpec) (crypto.PublicKey, crypto.Signer, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	curve, err := spec.Curve()
	if err != nil {
		return nil, nil, err
	}
	key, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating key: %w", err)
	}
	return &key.PublicKey, &softKey{key: key}, nil
}

// StorePrivateKey は秘密鍵を登録し、新しいハンドルIDを返す。
func (s *MemoryKeyStore) StorePrivateKey(ctx context.Context, priv crypto.Signer) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	k, ok := priv.(*softKey)
	if !ok {
		return "", errForeignKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if k.id != "" {
		if _, exists := s.keys[k.id]; exists {
			return k.id, nil
		}
	}
	k.id = uuid.NewString()
	s.keys[k.id] = k.key
	return k.id, nil
}

// ExportPublicKey は公開鍵をSPKI DERで返す。
func (s *MemoryKeyStore) ExportPublicKey(ctx context.Context, pub crypto.PublicKey) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return exportSPKI(pub)
}

// ImportPublicKey はSPKI DERから公開鍵を復元する。
func (s *MemoryKeyStore) ImportPublicKey(ctx context.Context, der []byte, spec domain.AlgorithmSpec) (crypto.PublicKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return importSPKI(der, spec)
}

// RetrievePrivateKey はハンドルIDに対応する秘密鍵ハンドルを返す。
func (s *MemoryKeyStore) RetrievePrivateKey(ctx context.Context, id string) (crypto.Signer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.keys[id]
	if !ok {
		return nil, domain.ErrPrivateKeyNotFound
	}
	return &softKey{id: id, key: key}, nil
}

// RemovePrivateKey は秘密鍵を削除する。
func (s *MemoryKeyStore) RemovePrivateKey(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.keys[id]; !ok {
		return domain.ErrPrivateKeyNotFound
	}
	delete(s.keys, id)
	return nil
}

// Sign はダイジェストに署名する。
func (s *MemoryKeyStore) Sign(ctx context.Context, spec domain.AlgorithmSpec, priv crypto.Signer, digest []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, ok := priv.(*softKey); !ok {
		return nil, errForeignKey
	}
	return signDigest(spec, priv, digest)
}

// Len は保持している秘密鍵の数を返す。
func (s *MemoryKeyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Close は保持している秘密鍵をすべて破棄する。
func (s *MemoryKeyStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.keys)
	return nil
}
