// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"key-custody-service/internal/domain"
)

const (
	defaultCallTimeout       = 10 * time.Second
	defaultRequestCommonName = "Test"
)

var tracer = otel.Tracer("key-custody-service/usecase")

// KeyRepository は鍵メタデータのデータアクセスインターフェース。
type KeyRepository interface {
	List(ctx context.Context, req domain.PageRequest) (*domain.Page[*domain.Key], error)
	Add(ctx context.Context, key *domain.Key) (*domain.Key, error)
	Find(ctx context.Context, id string) (*domain.Key, error)
	Update(ctx context.Context, key *domain.Key) (*domain.Key, error)
	Delete(ctx context.Context, id string) error
}

// KeyStore は秘密鍵をエクスポート不可のまま保持するセキュアキーストアのインターフェース。
// 秘密鍵は crypto.Signer のハンドルとしてのみ扱い、生のバイト列は返さない。
type KeyStore interface {
	GenerateKeyPair(ctx context.Context, spec domain.AlgorithmSpec) (crypto.PublicKey, crypto.Signer, error)
	StorePrivateKey(ctx context.Context, priv crypto.Signer) (string, error)
	ExportPublicKey(ctx context.Context, pub crypto.PublicKey) ([]byte, error)
	ImportPublicKey(ctx context.Context, der []byte, spec domain.AlgorithmSpec) (crypto.PublicKey, error)
	RetrievePrivateKey(ctx context.Context, id string) (crypto.Signer, error)
	// RemovePrivateKey は未知のIDに対して domain.ErrPrivateKeyNotFound を返す。
	RemovePrivateKey(ctx context.Context, id string) error
	Sign(ctx context.Context, spec domain.AlgorithmSpec, priv crypto.Signer, digest []byte) ([]byte, error)
}

// Option はKeyServiceの設定を変更する。
type Option func(*KeyService)

// WithCallTimeout はキーストア呼び出し1回あたりのタイムアウトを設定する。0以下で無効。
func WithCallTimeout(d time.Duration) Option {
	return func(s *KeyService) { s.callTimeout = d }
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(s *KeyService) { s.now = now }
}

// WithRequestCommonName はCSRのサブジェクトCNを設定する。
func WithRequestCommonName(cn string) Option {
	return func(s *KeyService) {
		if cn != "" {
			s.commonName = cn
		}
	}
}

// KeyService は署名鍵に関するビジネスロジックを提供する。
type KeyService struct {
	repo        KeyRepository
	store       KeyStore
	spec        domain.AlgorithmSpec
	locks       *keyLocker
	callTimeout time.Duration
	commonName  string
	now         func() time.Time
}

// NewKeyService は新しいKeyServiceを生成する。
func NewKeyService(repo KeyRepository, store KeyStore, opts ...Option) *KeyService {
	s := &KeyService{
		repo:        repo,
		store:       store,
		spec:        domain.ECDSAP256SHA256,
		locks:       newKeyLocker(),
		callTimeout: defaultCallTimeout,
		commonName:  defaultRequestCommonName,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListKeys は鍵メタデータを作成順にページングして取得する。
func (s *KeyService) ListKeys(ctx context.Context, page, pageSize int) (result *domain.Page[*domain.Key], err error) {
	ctx, span := tracer.Start(ctx, "KeyService.ListKeys",
		trace.WithAttributes(attribute.Int("page", page), attribute.Int("page_size", pageSize)))
	defer func() { finishSpan(span, err) }()

	req, err := domain.NewPageRequest(page, pageSize)
	if err != nil {
		return nil, err
	}

	result, err = s.repo.List(ctx, req)
	if err != nil {
		return nil, repositoryError("listing keys", err)
	}
	return result, nil
}

// GetKey は指定されたIDの鍵メタデータを取得する。
func (s *KeyService) GetKey(ctx context.Context, id string) (key *domain.Key, err error) {
	ctx, span := tracer.Start(ctx, "KeyService.GetKey", trace.WithAttributes(attribute.String("key.id", id)))
	defer func() { finishSpan(span, err) }()

	return s.getKey(ctx, id)
}

// CreateKey は鍵ペアをキーストアで生成し、メタデータを登録する。
// 登録に失敗した場合はキーストアに残った秘密鍵を削除する。
func (s *KeyService) CreateKey(ctx context.Context, name, algorithm string) (key *domain.Key, err error) {
	ctx, span := tracer.Start(ctx, "KeyService.CreateKey")
	defer func() { finishSpan(span, err) }()

	if err := domain.ValidateKeyName(name); err != nil {
		return nil, err
	}
	if algorithm == "" {
		algorithm = domain.DefaultAlgorithmID
	}
	if err := s.checkAlgorithm(algorithm); err != nil {
		return nil, err
	}

	// キーストアで鍵ペアを生成
	pub, priv, err := s.generateKeyPair(ctx)
	if err != nil {
		return nil, err
	}

	// 秘密鍵を保存し、ハンドルIDを取得
	id, err := s.storePrivateKey(ctx, priv)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("key.id", id))

	// 公開鍵をSPKI形式でエクスポート
	der, err := s.exportPublicKey(ctx, pub)
	if err != nil {
		return nil, s.discardPrivateKey(ctx, id, err)
	}

	now := s.timestamp()
	key = &domain.Key{
		ID:        id,
		Name:      name,
		Algorithm: algorithm,
		PublicKey: base64.StdEncoding.EncodeToString(der),
		CreatedAt: now,
		UpdatedAt: now,
	}

	// メタデータを登録
	created, err := s.repo.Add(ctx, key)
	if err != nil {
		return nil, s.discardPrivateKey(ctx, id, repositoryError("adding key", err))
	}
	return created, nil
}

// DeleteKey は秘密鍵をキーストアから削除した後、メタデータを削除する。
// キーストアからの削除に失敗した場合、メタデータは削除しない。
func (s *KeyService) DeleteKey(ctx context.Context, id string) (err error) {
	ctx, span := tracer.Start(ctx, "KeyService.DeleteKey", trace.WithAttributes(attribute.String("key.id", id)))
	defer func() { finishSpan(span, err) }()

	unlock := s.locks.Lock(id)
	defer unlock()

	key, err := s.getKey(ctx, id)
	if err != nil {
		return err
	}

	callCtx, cancel := s.callContext(ctx)
	err = s.store.RemovePrivateKey(callCtx, key.ID)
	cancel()
	switch {
	case errors.Is(err, domain.ErrPrivateKeyNotFound):
		slog.WarnContext(ctx, "private key already absent from key store, removing metadata",
			"operation", "delete_key",
			"key_id", key.ID,
		)
	case err != nil:
		return providerError("removing private key", err)
	}

	if err := s.repo.Delete(ctx, key.ID); err != nil {
		slog.ErrorContext(ctx, "private key removed but metadata could not be deleted",
			"operation", "delete_key",
			"key_id", key.ID,
			"error", err,
		)
		return fmt.Errorf("%w: metadata of removed key %s remains: %w",
			domain.ErrInconsistentState, key.ID, repositoryError("deleting key", err))
	}
	return nil
}

// CreateRequest は保存済みの鍵からPKCS#10の証明書署名要求を生成し、Base64で返す。
// メタデータは変更しない。
func (s *KeyService) CreateRequest(ctx context.Context, id string) (request string, err error) {
	ctx, span := tracer.Start(ctx, "KeyService.CreateRequest", trace.WithAttributes(attribute.String("key.id", id)))
	defer func() { finishSpan(span, err) }()

	unlock := s.locks.RLock(id)
	defer unlock()

	key, err := s.getKey(ctx, id)
	if err != nil {
		return "", err
	}

	der, err := base64.StdEncoding.DecodeString(key.PublicKey)
	if err != nil {
		return "", fmt.Errorf("%w: stored public key of %s is not base64: %w", domain.ErrRepository, key.ID, err)
	}

	// 公開鍵をキーストアにインポート
	callCtx, cancel := s.callContext(ctx)
	pub, err := s.store.ImportPublicKey(callCtx, der, s.spec)
	cancel()
	if err != nil {
		return "", providerError("importing public key", err)
	}

	priv, err := s.retrievePrivateKey(ctx, key.ID)
	if err != nil {
		return "", err
	}

	sigAlg, err := s.spec.SignatureAlgorithm()
	if err != nil {
		return "", err
	}
	template := &x509.CertificateRequest{
		Subject:            pkix.Name{CommonName: s.commonName},
		SignatureAlgorithm: sigAlg,
	}
	signer := &storeSigner{ctx: ctx, svc: s, handle: priv, pub: pub}

	csr, err := x509.CreateCertificateRequest(rand.Reader, template, signer)
	if err != nil {
		return "", providerError("creating certificate request", err)
	}
	return base64.StdEncoding.EncodeToString(csr), nil
}

// AssignCertificate は鍵に証明書を割り当てる。
// 証明書の公開鍵が保存済みの公開鍵と一致しない場合はエラーを返す。
func (s *KeyService) AssignCertificate(ctx context.Context, id, certificate string) (err error) {
	ctx, span := tracer.Start(ctx, "KeyService.AssignCertificate", trace.WithAttributes(attribute.String("key.id", id)))
	defer func() { finishSpan(span, err) }()

	unlock := s.locks.Lock(id)
	defer unlock()

	key, err := s.getKey(ctx, id)
	if err != nil {
		return err
	}

	der, err := decodeBase64(certificate)
	if err != nil {
		return err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrInvalidCertificate, err)
	}
	if err := matchPublicKey(cert, key); err != nil {
		return err
	}

	updated := key.Clone()
	updated.Certificate = base64.StdEncoding.EncodeToString(der)
	updated.UpdatedAt = s.nextTimestamp(key.UpdatedAt)

	if _, err := s.repo.Update(ctx, updated); err != nil {
		if errors.Is(err, domain.ErrKeyNotFound) {
			return err
		}
		return repositoryError("updating key", err)
	}
	return nil
}

// SignHash は指定された鍵でダイジェストに署名し、ASN.1 DER形式の署名をBase64で返す。
func (s *KeyService) SignHash(ctx context.Context, id string, params domain.SignHashParams) (signature string, err error) {
	ctx, span := tracer.Start(ctx, "KeyService.SignHash", trace.WithAttributes(attribute.String("key.id", id)))
	defer func() { finishSpan(span, err) }()

	unlock := s.locks.RLock(id)
	defer unlock()

	key, err := s.getKey(ctx, id)
	if err != nil {
		return "", err
	}

	if params.Algorithm != "" {
		if err := s.checkAlgorithm(params.Algorithm); err != nil {
			return "", err
		}
	}
	digest, err := decodeBase64(params.Hash)
	if err != nil {
		return "", err
	}
	if len(digest) != s.spec.Hash.Size() {
		return "", fmt.Errorf("%w: want %d bytes, got %d", domain.ErrInvalidDigest, s.spec.Hash.Size(), len(digest))
	}

	priv, err := s.retrievePrivateKey(ctx, key.ID)
	if err != nil {
		return "", err
	}

	sig, err := s.sign(ctx, priv, digest)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// getKey は存在確認を行う唯一の経路。
func (s *KeyService) getKey(ctx context.Context, id string) (*domain.Key, error) {
	if id == "" {
		return nil, domain.ErrKeyNotFound
	}
	key, err := s.repo.Find(ctx, id)
	if err != nil {
		return nil, repositoryError("finding key", err)
	}
	if key == nil {
		return nil, domain.ErrKeyNotFound
	}
	return key, nil
}

func (s *KeyService) checkAlgorithm(id string) error {
	spec, err := domain.ParseAlgorithm(id)
	if err != nil {
		return err
	}
	if spec != s.spec {
		return fmt.Errorf("%w: %q", domain.ErrUnsupportedAlgorithm, id)
	}
	return nil
}

func (s *KeyService) generateKeyPair(ctx context.Context) (crypto.PublicKey, crypto.Signer, error) {
	callCtx, cancel := s.callContext(ctx)
	defer cancel()

	pub, priv, err := s.store.GenerateKeyPair(callCtx, s.spec)
	if err != nil {
		return nil, nil, providerError("generating key pair", err)
	}
	return pub, priv, nil
}

func (s *KeyService) storePrivateKey(ctx context.Context, priv crypto.Signer) (string, error) {
	callCtx, cancel := s.callContext(ctx)
	defer cancel()

	id, err := s.store.StorePrivateKey(callCtx, priv)
	if err != nil {
		return "", providerError("storing private key", err)
	}
	if id == "" {
		return "", fmt.Errorf("storing private key: %w: empty handle", domain.ErrProvider)
	}
	return id, nil
}

func (s *KeyService) exportPublicKey(ctx context.Context, pub crypto.PublicKey) ([]byte, error) {
	callCtx, cancel := s.callContext(ctx)
	defer cancel()

	der, err := s.store.ExportPublicKey(callCtx, pub)
	if err != nil {
		return nil, providerError("exporting public key", err)
	}
	return der, nil
}

func (s *KeyService) retrievePrivateKey(ctx context.Context, id string) (crypto.Signer, error) {
	callCtx, cancel := s.callContext(ctx)
	defer cancel()

	priv, err := s.store.RetrievePrivateKey(callCtx, id)
	if err != nil {
		if errors.Is(err, domain.ErrPrivateKeyNotFound) {
			slog.ErrorContext(ctx, "metadata exists but private key is missing from key store",
				"operation", "retrieve_private_key",
				"key_id", id,
			)
			return nil, fmt.Errorf("%w: %w", domain.ErrInconsistentState, providerError("retrieving private key", err))
		}
		return nil, providerError("retrieving private key", err)
	}
	return priv, nil
}

func (s *KeyService) sign(ctx context.Context, priv crypto.Signer, digest []byte) ([]byte, error) {
	callCtx, cancel := s.callContext(ctx)
	defer cancel()

	sig, err := s.store.Sign(callCtx, s.spec, priv, digest)
	if err != nil {
		return nil, providerError("signing digest", err)
	}
	return sig, nil
}

// discardPrivateKey は作成途中で失敗した鍵の秘密鍵を削除する。
// 呼び出し元のコンテキストがキャンセルされていても削除を試みる。
func (s *KeyService) discardPrivateKey(ctx context.Context, id string, cause error) error {
	callCtx, cancel := s.callContext(context.WithoutCancel(ctx))
	defer cancel()

	if err := s.store.RemovePrivateKey(callCtx, id); err != nil {
		slog.ErrorContext(ctx, "failed to remove orphaned private key",
			"operation", "create_key",
			"key_id", id,
			"error", err,
		)
		return fmt.Errorf("%w: orphaned private key %s: %w", domain.ErrInconsistentState, id, errors.Join(cause, err))
	}
	slog.WarnContext(ctx, "removed private key of failed key creation",
		"operation", "create_key",
		"key_id", id,
		"error", cause,
	)
	return cause
}

func (s *KeyService) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.callTimeout)
}

// timestamp はDBの精度（マイクロ秒）に揃えたUTCの現在時刻を返す。
func (s *KeyService) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// nextTimestamp は prev より必ず後になる現在時刻を返す。
func (s *KeyService) nextTimestamp(prev time.Time) time.Time {
	now := s.timestamp()
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	return now
}

// storeSigner はCSR生成時に署名処理をキーストア経由で行うための crypto.Signer。
type storeSigner struct {
	ctx    context.Context
	svc    *KeyService
	handle crypto.Signer
	pub    crypto.PublicKey
}

func (s *storeSigner) Public() crypto.PublicKey {
	return s.pub
}

func (s *storeSigner) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if opts.HashFunc() != s.svc.spec.Hash {
		return nil, fmt.Errorf("%w: hash %v", domain.ErrUnsupportedAlgorithm, opts.HashFunc())
	}
	return s.svc.sign(s.ctx, s.handle, digest)
}

func matchPublicKey(cert *x509.Certificate, key *domain.Key) error {
	der, err := base64.StdEncoding.DecodeString(key.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: stored public key of %s is not base64: %w", domain.ErrRepository, key.ID, err)
	}
	stored, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return fmt.Errorf("%w: stored public key of %s: %w", domain.ErrRepository, key.ID, err)
	}
	certPub, ok := cert.PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !certPub.Equal(stored) {
		return domain.ErrCertificateMismatch
	}
	return nil
}

func decodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil || len(b) == 0 {
		return nil, domain.ErrInvalidEncoding
	}
	return b, nil
}

func providerError(op string, err error) error {
	if errors.Is(err, domain.ErrProvider) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrProvider, err)
}

func repositoryError(op string, err error) error {
	if errors.Is(err, domain.ErrRepository) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrRepository, err)
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
