package infra

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"

	"key-custody-service/config"
	"key-custody-service/internal/domain"
	"key-custody-service/internal/usecase"
)

// KeyStore はクローズ可能なセキュアキーストア。
type KeyStore interface {
	usecase.KeyStore
	io.Closer
}

// PKCS11Config はPKCS#11トークンへの接続設定を表す。
type PKCS11Config struct {
	ModulePath string
	TokenLabel string // 指定時は SlotNumber より優先
	SlotNumber int
	PIN        string
	ReadWrite  bool // false の場合、鍵の生成と削除を拒否する
}

// NewKeyStore は設定に応じたキーストアを生成する。
func NewKeyStore(ctx context.Context, cfg *config.Config) (KeyStore, error) {
	switch cfg.KeyStoreBackend {
	case config.KeyStoreBackendMemory:
		slog.WarnContext(ctx, "using in-memory key store; private keys are lost on restart")
		return NewMemoryKeyStore(), nil
	case config.KeyStoreBackendPKCS11:
		store, err := NewPKCS11KeyStore(PKCS11Config{
			ModulePath: cfg.PKCS11ModulePath,
			TokenLabel: cfg.PKCS11TokenLabel,
			SlotNumber: cfg.PKCS11Slot,
			PIN:        cfg.PKCS11PIN,
			ReadWrite:  cfg.PKCS11ReadWrite,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.KeyStoreBackendGCPKMS:
		store, err := NewKMSKeyStore(ctx, cfg.KMSKeyRing, cfg.KMSProtectionLevel)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown key store backend: %s", cfg.KeyStoreBackend)
	}
}

// exportSPKI は公開鍵をSubjectPublicKeyInfo DERに変換する。
func exportSPKI(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshaling public key: %w", err)
	}
	return der, nil
}

// importSPKI はSubjectPublicKeyInfo DERを解析し、spec の曲線と一致するか確認する。
func importSPKI(der []byte, spec domain.AlgorithmSpec) (crypto.PublicKey, error) {
	curve, err := spec.Curve()
	if err != nil {
		return nil, err
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok || ecPub.Curve != curve {
		return nil, fmt.Errorf("%w: public key is not %s", domain.ErrUnsupportedAlgorithm, spec)
	}
	return ecPub, nil
}

// signDigest は事前計算済みのダイジェストに署名する。署名はASN.1 DER形式。
func signDigest(spec domain.AlgorithmSpec, priv crypto.Signer, digest []byte) ([]byte, error) {
	if _, err := spec.Curve(); err != nil {
		return nil, err
	}
	if len(digest) != spec.Hash.Size() {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", domain.ErrInvalidDigest, spec.Hash.Size(), len(digest))
	}
	sig, err := priv.Sign(rand.Reader, digest, spec.Hash)
	if err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}
	return sig, nil
}
