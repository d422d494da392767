package infra

import (
	"context"
	"crypto"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/google/uuid"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"key-custody-service/internal/domain"
)

const (
	kmsPublicKeyPollInterval = 500 * time.Millisecond
	kmsPublicKeyMaxAttempts  = 20

	// kmsSignerTimeout は crypto.Signer として直接使われた場合の署名タイムアウト。
	kmsSignerTimeout = 10 * time.Second
)

// kmsAPI はKMSKeyStoreが使用するCloud KMSのAPI。
type kmsAPI interface {
	CreateCryptoKey(ctx context.Context, req *kmspb.CreateCryptoKeyRequest, opts ...gax.CallOption) (*kmspb.CryptoKey, error)
	GetPublicKey(ctx context.Context, req *kmspb.GetPublicKeyRequest, opts ...gax.CallOption) (*kmspb.PublicKey, error)
	AsymmetricSign(ctx context.Context, req *kmspb.AsymmetricSignRequest, opts ...gax.CallOption) (*kmspb.AsymmetricSignResponse, error)
	DestroyCryptoKeyVersion(ctx context.Context, req *kmspb.DestroyCryptoKeyVersionRequest, opts ...gax.CallOption) (*kmspb.CryptoKeyVersion, error)
	Close() error
}

// KMSKeyStore はCloud KMSの非対称署名鍵を秘密鍵の保管先とするキーストア。
// ハンドルIDは鍵リング配下のCryptoKey IDで、常にバージョン1を使用する。
type KMSKeyStore struct {
	client          kmsAPI
	keyRing         string
	protectionLevel kmspb.ProtectionLevel
	pollInterval    time.Duration
}

// NewKMSKeyStore は鍵リング（projects/*/locations/*/keyRings/*）を指定してKMSKeyStoreを生成する。
func NewKMSKeyStore(ctx context.Context, keyRing, protectionLevel string) (*KMSKeyStore, error) {
	if keyRing == "" {
		return nil, fmt.Errorf("KMS key ring is required")
	}
	level, ok := kmspb.ProtectionLevel_value[protectionLevel]
	if !ok || level == int32(kmspb.ProtectionLevel_PROTECTION_LEVEL_UNSPECIFIED) {
		return nil, fmt.Errorf("unknown KMS protection level: %s", protectionLevel)
	}

	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}
	return newKMSKeyStore(client, keyRing, kmspb.ProtectionLevel(level)), nil
}

func newKMSKeyStore(client kmsAPI, keyRing string, level kmspb.ProtectionLevel) *KMSKeyStore {
	return &KMSKeyStore{
		client:          client,
		keyRing:         keyRing,
		protectionLevel: level,
		pollInterval:    kmsPublicKeyPollInterval,
	}
}

// kmsKey はCloud KMS上の鍵バージョンへのハンドル。
type kmsKey struct {
	id      string
	version string
	pub     crypto.PublicKey
	client  kmsAPI
}

func (k *kmsKey) Public() crypto.PublicKey {
	return k.pub
}

// Sign は crypto.Signer の実装。コンテキストを受け取れないため kmsSignerTimeout で打ち切る。
func (k *kmsKey) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), kmsSignerTimeout)
	defer cancel()
	return k.sign(ctx, digest, opts.HashFunc())
}

func (k *kmsKey) sign(ctx context.Context, digest []byte, hash crypto.Hash) ([]byte, error) {
	if hash != crypto.SHA256 {
		return nil, fmt.Errorf("%w: hash %v", domain.ErrUnsupportedAlgorithm, hash)
	}
	resp, err := k.client.AsymmetricSign(ctx, &kmspb.AsymmetricSignRequest{
		Name:   k.version,
		Digest: &kmspb.Digest{Digest: &kmspb.Digest_Sha256{Sha256: digest}},
	})
	if err != nil {
		return nil, kmsError("signing", err)
	}
	return resp.Signature, nil
}

// GenerateKeyPair は鍵リングに非対称署名鍵を作成し、公開鍵を取得する。
// 作成後に公開鍵を取得できなかった場合は鍵バージョンを破棄する。
// 破棄にも失敗した場合は domain.ErrInconsistentState を返す。
func (s *KMSKeyStore) GenerateKeyPair(ctx context.Context, spec domain.AlgorithmSpec) (crypto.PublicKey, crypto.Signer, error) {
	alg, err := kmsAlgorithm(spec)
	if err != nil {
		return nil, nil, err
	}

	id := uuid.NewString()
	_, err = s.client.CreateCryptoKey(ctx, &kmspb.CreateCryptoKeyRequest{
		Parent:      s.keyRing,
		CryptoKeyId: id,
		CryptoKey: &kmspb.CryptoKey{
			Purpose: kmspb.CryptoKey_ASYMMETRIC_SIGN,
			VersionTemplate: &kmspb.CryptoKeyVersionTemplate{
				Algorithm:       alg,
				ProtectionLevel: s.protectionLevel,
			},
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("creating crypto key: %w", err)
	}

	key, err := s.loadKey(ctx, id, true)
	if err != nil {
		return nil, nil, s.discard(ctx, id, err)
	}
	return key.pub, key, nil
}

// discard は生成途中の鍵バージョンを破棄し、原因のエラーを返す。
func (s *KMSKeyStore) discard(ctx context.Context, id string, cause error) error {
	_, err := s.client.DestroyCryptoKeyVersion(context.WithoutCancel(ctx), &kmspb.DestroyCryptoKeyVersionRequest{
		Name: s.versionName(id),
	})
	if err != nil {
		return fmt.Errorf("%w: crypto key %s was created but could not be destroyed: %w",
			domain.ErrInconsistentState, id, errors.Join(cause, err))
	}
	return cause
}

// StorePrivateKey は鍵のハンドルIDを返す。鍵は生成時点でKMSに永続化されているため、
// コンテキストがキャンセル済みでもIDを返す。
func (s *KMSKeyStore) StorePrivateKey(_ context.Context, priv crypto.Signer) (string, error) {
	k, ok := priv.(*kmsKey)
	if !ok {
		return "", errForeignKey
	}
	return k.id, nil
}

// ExportPublicKey は公開鍵をSPKI DERで返す。
func (s *KMSKeyStore) ExportPublicKey(ctx context.Context, pub crypto.PublicKey) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return exportSPKI(pub)
}

// ImportPublicKey はSPKI DERから公開鍵を復元する。
func (s *KMSKeyStore) ImportPublicKey(ctx context.Context, der []byte, spec domain.AlgorithmSpec) (crypto.PublicKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return importSPKI(der, spec)
}

// RetrievePrivateKey は鍵バージョンのハンドルを返す。
func (s *KMSKeyStore) RetrievePrivateKey(ctx context.Context, id string) (crypto.Signer, error) {
	if id == "" {
		return nil, domain.ErrPrivateKeyNotFound
	}
	return s.loadKey(ctx, id, false)
}

// RemovePrivateKey は鍵バージョンの破棄をスケジュールする。
// 破棄済みのCryptoKey IDは再利用されない。
func (s *KMSKeyStore) RemovePrivateKey(ctx context.Context, id string) error {
	if id == "" {
		return domain.ErrPrivateKeyNotFound
	}
	_, err := s.client.DestroyCryptoKeyVersion(ctx, &kmspb.DestroyCryptoKeyVersionRequest{
		Name: s.versionName(id),
	})
	if err != nil {
		return kmsError("destroying key version", err)
	}
	return nil
}

// Sign はCloud KMSでダイジェストに署名する。
func (s *KMSKeyStore) Sign(ctx context.Context, spec domain.AlgorithmSpec, priv crypto.Signer, digest []byte) ([]byte, error) {
	k, ok := priv.(*kmsKey)
	if !ok {
		return nil, errForeignKey
	}
	if _, err := kmsAlgorithm(spec); err != nil {
		return nil, err
	}
	if len(digest) != spec.Hash.Size() {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", domain.ErrInvalidDigest, spec.Hash.Size(), len(digest))
	}
	return k.sign(ctx, digest, spec.Hash)
}

// Close はKMSクライアントを閉じる。
func (s *KMSKeyStore) Close() error {
	return s.client.Close()
}

func (s *KMSKeyStore) versionName(id string) string {
	return s.keyRing + "/cryptoKeys/" + id + "/cryptoKeyVersions/1"
}

// loadKey は公開鍵を取得してハンドルを組み立てる。
// wait が真の場合、鍵バージョンの生成完了（FAILED_PRECONDITION が解消されるまで）を待つ。
func (s *KMSKeyStore) loadKey(ctx context.Context, id string, wait bool) (*kmsKey, error) {
	name := s.versionName(id)
	req := &kmspb.GetPublicKeyRequest{Name: name}

	var (
		resp *kmspb.PublicKey
		err  error
	)
	for attempt := 1; ; attempt++ {
		resp, err = s.client.GetPublicKey(ctx, req)
		if err == nil || !wait || status.Code(err) != codes.FailedPrecondition || isDestroyed(err) || attempt >= kmsPublicKeyMaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
	if err != nil {
		return nil, kmsError("getting public key", err)
	}

	block, _ := pem.Decode([]byte(resp.Pem))
	if block == nil {
		return nil, fmt.Errorf("decoding public key PEM of %s", name)
	}
	pub, err := importSPKI(block.Bytes, domain.ECDSAP256SHA256)
	if err != nil {
		return nil, err
	}
	return &kmsKey{id: id, version: name, pub: pub, client: s.client}, nil
}

func kmsAlgorithm(spec domain.AlgorithmSpec) (kmspb.CryptoKeyVersion_CryptoKeyVersionAlgorithm, error) {
	if spec == domain.ECDSAP256SHA256 {
		return kmspb.CryptoKeyVersion_EC_SIGN_P256_SHA256, nil
	}
	return 0, fmt.Errorf("%w: %s", domain.ErrUnsupportedAlgorithm, spec)
}

// isDestroyed は鍵バージョンが破棄済みまたは破棄予定の状態で拒否されたかを返す。
func isDestroyed(err error) bool {
	if status.Code(err) != codes.FailedPrecondition {
		return false
	}
	msg := status.Convert(err).Message()
	return strings.Contains(msg, kmspb.CryptoKeyVersion_DESTROYED.String()) ||
		strings.Contains(msg, kmspb.CryptoKeyVersion_DESTROY_SCHEDULED.String())
}

// kmsError はNOT_FOUNDと破棄済みの鍵バージョンを domain.ErrPrivateKeyNotFound に変換する。
func kmsError(op string, err error) error {
	if status.Code(err) == codes.NotFound || isDestroyed(err) {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrPrivateKeyNotFound, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
