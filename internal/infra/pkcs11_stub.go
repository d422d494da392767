//go:build !pkcs11

package infra

import (
	"context"
	"crypto"
	"errors"

	"key-custody-service/internal/domain"
)

// ErrPKCS11NotSupported はPKCS#11サポートなしでビルドされた場合に返される。
var ErrPKCS11NotSupported = errors.New("PKCS#11 support not compiled in (build with -tags pkcs11)")

// PKCS11KeyStore はPKCS#11サポートなしでビルドされた場合のスタブ。
type PKCS11KeyStore struct{}

// NewPKCS11KeyStore は常に ErrPKCS11NotSupported を返す。
func NewPKCS11KeyStore(PKCS11Config) (*PKCS11KeyStore, error) {
	return nil, ErrPKCS11NotSupported
}

func (s *PKCS11KeyStore) GenerateKeyPair(context.Context, domain.AlgorithmSpec) (crypto.PublicKey, crypto.Signer, error) {
	return nil, nil, ErrPKCS11NotSupported
}

func (s *PKCS11KeyStore) StorePrivateKey(context.Context, crypto.Signer) (string, error) {
	return "", ErrPKCS11NotSupported
}

func (s *PKCS11KeyStore) ExportPublicKey(context.Context, crypto.PublicKey) ([]byte, error) {
	return nil, ErrPKCS11NotSupported
}

func (s *PKCS11KeyStore) ImportPublicKey(context.Context, []byte, domain.AlgorithmSpec) (crypto.PublicKey, error) {
	return nil, ErrPKCS11NotSupported
}

func (s *PKCS11KeyStore) RetrievePrivateKey(context.Context, string) (crypto.Signer, error) {
	return nil, ErrPKCS11NotSupported
}

func (s *PKCS11KeyStore) RemovePrivateKey(context.Context, string) error {
	return ErrPKCS11NotSupported
}

func (s *PKCS11KeyStore) Sign(context.Context, domain.AlgorithmSpec, crypto.Signer, []byte) ([]byte, error) {
	return nil, ErrPKCS11NotSupported
}

// Close は何もしない。
func (s *PKCS11KeyStore) Close() error {
	return nil
}
