//go:build pkcs11

package infra

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"io"

	"github.com/ThalesIgnite/crypto11"
	"github.com/google/uuid"

	"key-custody-service/internal/domain"
)

const pkcs11LabelPrefix = "key-custody-"

var errReadOnlySession = errors.New("PKCS#11 session is read-only")

// PKCS11KeyStore はPKCS#11トークン（HSM・SoftHSM2）上で秘密鍵を保持するキーストア。
// 鍵はトークン上で生成され、CKA_ID にハンドルIDを設定する。
type PKCS11KeyStore struct {
	ctx       *crypto11.Context
	readWrite bool
}

// NewPKCS11KeyStore はトークンにログインしてPKCS11KeyStoreを生成する。
func NewPKCS11KeyStore(cfg PKCS11Config) (*PKCS11KeyStore, error) {
	c := &crypto11.Config{
		Path: cfg.ModulePath,
		Pin:  cfg.PIN,
	}
	if cfg.TokenLabel != "" {
		c.TokenLabel = cfg.TokenLabel
	} else {
		slot := cfg.SlotNumber
		c.SlotNumber = &slot
	}

	ctx, err := crypto11.Configure(c)
	if err != nil {
		return nil, fmt.Errorf("configuring PKCS#11: %w", err)
	}
	return &PKCS11KeyStore{ctx: ctx, readWrite: cfg.ReadWrite}, nil
}

// pkcs11Key はトークン上の秘密鍵ハンドル。
type pkcs11Key struct {
	id     string
	signer crypto11.Signer
}

func (k *pkcs11Key) Public() crypto.PublicKey {
	return k.signer.Public()
}

func (k *pkcs11Key) Sign(r io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	return k.signer.Sign(r, digest, opts)
}

// GenerateKeyPair はトークン上で抽出不可の鍵ペアを生成する。
func (s *PKCS11KeyStore) GenerateKeyPair(ctx context.Context, spec domain.AlgorithmSpec) (crypto.PublicKey, crypto.Signer, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if !s.readWrite {
		return nil, nil, errReadOnlySession
	}
	curve, err := spec.Curve()
	if err != nil {
		return nil, nil, err
	}

	id := uuid.NewString()
	signer, err := s.ctx.GenerateECDSAKeyPairWithLabel([]byte(id), []byte(pkcs11LabelPrefix+id), curve)
	if err != nil {
		return nil, nil, fmt.Errorf("generating key pair on token: %w", err)
	}
	return signer.Public(), &pkcs11Key{id: id, signer: signer}, nil
}

// StorePrivateKey はトークン上の鍵のハンドルIDを返す。鍵は生成時点でトークンに永続化されているため、
// コンテキストがキャンセル済みでもIDを返す。
func (s *PKCS11KeyStore) StorePrivateKey(_ context.Context, priv crypto.Signer) (string, error) {
	k, ok := priv.(*pkcs11Key)
	if !ok {
		return "", errForeignKey
	}
	return k.id, nil
}

// ExportPublicKey は公開鍵をSPKI DERで返す。
func (s *PKCS11KeyStore) ExportPublicKey(ctx context.Context, pub crypto.PublicKey) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return exportSPKI(pub)
}

// ImportPublicKey はSPKI DERから公開鍵を復元する。
func (s *PKCS11KeyStore) ImportPublicKey(ctx context.Context, der []byte, spec domain.AlgorithmSpec) (crypto.PublicKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return importSPKI(der, spec)
}

// RetrievePrivateKey はCKA_ID で鍵ペアを検索する。
func (s *PKCS11KeyStore) RetrievePrivateKey(ctx context.Context, id string) (crypto.Signer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	signer, err := s.find(id)
	if err != nil {
		return nil, err
	}
	return &pkcs11Key{id: id, signer: signer}, nil
}

// RemovePrivateKey はトークンから鍵ペアを削除する。
func (s *PKCS11KeyStore) RemovePrivateKey(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.readWrite {
		return errReadOnlySession
	}
	signer, err := s.find(id)
	if err != nil {
		return err
	}
	if err := signer.Delete(); err != nil {
		return fmt.Errorf("deleting key pair: %w", err)
	}
	return nil
}

// Sign はトークン上の鍵でダイジェストに署名する。
func (s *PKCS11KeyStore) Sign(ctx context.Context, spec domain.AlgorithmSpec, priv crypto.Signer, digest []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, ok := priv.(*pkcs11Key); !ok {
		return nil, errForeignKey
	}
	return signDigest(spec, priv, digest)
}

// Close はトークンのセッションを閉じる。
func (s *PKCS11KeyStore) Close() error {
	return s.ctx.Close()
}

func (s *PKCS11KeyStore) find(id string) (crypto11.Signer, error) {
	if id == "" {
		return nil, domain.ErrPrivateKeyNotFound
	}
	signer, err := s.ctx.FindKeyPair([]byte(id), nil)
	if err != nil {
		return nil, fmt.Errorf("finding key pair: %w", err)
	}
	if signer == nil {
		return nil, domain.ErrPrivateKeyNotFound
	}
	return signer, nil
}
