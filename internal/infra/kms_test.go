package infra

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"strings"
	"sync"
	"testing"
	"time"

	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
	"github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"key-custody-service/internal/domain"
	"key-custody-service/internal/repository"
	"key-custody-service/internal/usecase"
)

const testKeyRing = "projects/p/locations/global/keyRings/ring"

// fakeKMS は鍵バージョン名をキーにECDSA鍵を保持するCloud KMSの代替。
type fakeKMS struct {
	mu              sync.Mutex
	keys            map[string]*ecdsa.PrivateKey
	destroyed       map[string]bool
	pending         int // GetPublicKey が FAILED_PRECONDITION を返す残り回数
	created         []*kmspb.CreateCryptoKeyRequest
	signErr         error
	destroyErr      error
	signHadDeadline bool
	closed          bool
}

func newFakeKMS() *fakeKMS {
	return &fakeKMS{keys: make(map[string]*ecdsa.PrivateKey), destroyed: make(map[string]bool)}
}

// lookup は破棄予定の鍵バージョンに対して実際のKMSと同じく FAILED_PRECONDITION を返す。
func (f *fakeKMS) lookup(name string) (*ecdsa.PrivateKey, error) {
	if f.destroyed[name] {
		return nil, status.Errorf(codes.FailedPrecondition,
			"%s is in state DESTROY_SCHEDULED, but must be in state ENABLED", name)
	}
	key, ok := f.keys[name]
	if !ok {
		return nil, status.Error(codes.NotFound, name)
	}
	return key, nil
}

func (f *fakeKMS) CreateCryptoKey(_ context.Context, req *kmspb.CreateCryptoKeyRequest, _ ...gax.CallOption) (*kmspb.CryptoKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	name := req.Parent + "/cryptoKeys/" + req.CryptoKeyId
	f.keys[name+"/cryptoKeyVersions/1"] = key
	f.created = append(f.created, req)
	return &kmspb.CryptoKey{Name: name}, nil
}

func (f *fakeKMS) GetPublicKey(_ context.Context, req *kmspb.GetPublicKeyRequest, _ ...gax.CallOption) (*kmspb.PublicKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pending > 0 {
		f.pending--
		return nil, status.Error(codes.FailedPrecondition, "key version is PENDING_GENERATION")
	}
	key, err := f.lookup(req.Name)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	return &kmspb.PublicKey{
		Name: req.Name,
		Pem:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})),
	}, nil
}

func (f *fakeKMS) AsymmetricSign(ctx context.Context, req *kmspb.AsymmetricSignRequest, _ ...gax.CallOption) (*kmspb.AsymmetricSignResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, f.signHadDeadline = ctx.Deadline()
	if f.signErr != nil {
		return nil, f.signErr
	}
	key, err := f.lookup(req.Name)
	if err != nil {
		return nil, err
	}
	sig, err := ecdsa.SignASN1(rand.Reader, key, req.Digest.GetSha256())
	if err != nil {
		return nil, err
	}
	return &kmspb.AsymmetricSignResponse{Name: req.Name, Signature: sig}, nil
}

func (f *fakeKMS) DestroyCryptoKeyVersion(_ context.Context, req *kmspb.DestroyCryptoKeyVersionRequest, _ ...gax.CallOption) (*kmspb.CryptoKeyVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.destroyErr != nil {
		return nil, f.destroyErr
	}
	if _, err := f.lookup(req.Name); err != nil {
		return nil, err
	}
	delete(f.keys, req.Name)
	f.destroyed[req.Name] = true
	return &kmspb.CryptoKeyVersion{Name: req.Name, State: kmspb.CryptoKeyVersion_DESTROY_SCHEDULED}, nil
}

func (f *fakeKMS) Close() error {
	f.closed = true
	return nil
}

func newTestKMSKeyStore(f *fakeKMS) *KMSKeyStore {
	s := newKMSKeyStore(f, testKeyRing, kmspb.ProtectionLevel_HSM)
	s.pollInterval = time.Millisecond
	return s
}

func TestKMSKeyStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	fake := newFakeKMS()
	store := newTestKMSKeyStore(fake)

	pub, priv, err := store.GenerateKeyPair(ctx, domain.ECDSAP256SHA256)
	require.NoError(t, err)

	require.Len(t, fake.created, 1)
	req := fake.created[0]
	assert.Equal(t, testKeyRing, req.Parent)
	assert.Equal(t, kmspb.CryptoKey_ASYMMETRIC_SIGN, req.CryptoKey.Purpose)
	assert.Equal(t, kmspb.CryptoKeyVersion_EC_SIGN_P256_SHA256, req.CryptoKey.VersionTemplate.Algorithm)
	assert.Equal(t, kmspb.ProtectionLevel_HSM, req.CryptoKey.VersionTemplate.ProtectionLevel)

	id, err := store.StorePrivateKey(ctx, priv)
	require.NoError(t, err)
	assert.Equal(t, req.CryptoKeyId, id)

	handle, err := store.RetrievePrivateKey(ctx, id)
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("hello world"))
	sig, err := store.Sign(ctx, domain.ECDSAP256SHA256, handle, digest[:])
	require.NoError(t, err)
	assert.True(t, ecdsa.VerifyASN1(pub.(*ecdsa.PublicKey), digest[:], sig))

	require.NoError(t, store.RemovePrivateKey(ctx, id))
	assert.ErrorIs(t, store.RemovePrivateKey(ctx, id), domain.ErrPrivateKeyNotFound)

	_, err = store.RetrievePrivateKey(ctx, id)
	assert.ErrorIs(t, err, domain.ErrPrivateKeyNotFound)

	require.NoError(t, store.Close())
	assert.True(t, fake.closed)
}

func TestKMSKeyStore_WaitsForPendingGeneration(t *testing.T) {
	fake := newFakeKMS()
	fake.pending = 2
	store := newTestKMSKeyStore(fake)

	_, _, err := store.GenerateKeyPair(context.Background(), domain.ECDSAP256SHA256)
	require.NoError(t, err)
	assert.Equal(t, 0, fake.pending)
}

func TestKMSKeyStore_RetrieveDoesNotWait(t *testing.T) {
	ctx := context.Background()
	fake := newFakeKMS()
	store := newTestKMSKeyStore(fake)

	_, priv, err := store.GenerateKeyPair(ctx, domain.ECDSAP256SHA256)
	require.NoError(t, err)
	id, err := store.StorePrivateKey(ctx, priv)
	require.NoError(t, err)

	fake.pending = 1
	_, err = store.RetrievePrivateKey(ctx, id)
	require.Error(t, err)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestKMSKeyStore_SignErrors(t *testing.T) {
	ctx := context.Background()
	fake := newFakeKMS()
	store := newTestKMSKeyStore(fake)

	_, priv, err := store.GenerateKeyPair(ctx, domain.ECDSAP256SHA256)
	require.NoError(t, err)

	_, err = store.Sign(ctx, domain.ECDSAP256SHA256, priv, []byte("short"))
	assert.ErrorIs(t, err, domain.ErrInvalidDigest)

	foreign, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	digest := sha256.Sum256([]byte("x"))
	_, err = store.Sign(ctx, domain.ECDSAP256SHA256, foreign, digest[:])
	assert.ErrorIs(t, err, errForeignKey)

	fake.signErr = status.Error(codes.Unavailable, "try again")
	_, err = store.Sign(ctx, domain.ECDSAP256SHA256, priv, digest[:])
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrPrivateKeyNotFound)
	assert.True(t, strings.HasPrefix(err.Error(), "signing:"))
}

func TestNewKMSKeyStore_Validation(t *testing.T) {
	_, err := NewKMSKeyStore(context.Background(), "", "HSM")
	assert.Error(t, err)

	_, err = NewKMSKeyStore(context.Background(), testKeyRing, "QUANTUM")
	assert.Error(t, err)
}

func TestKMSKeyStore_DestroysKeyWhenPublicKeyUnavailable(t *testing.T) {
	fake := newFakeKMS()
	fake.pending = kmsPublicKeyMaxAttempts + 10
	store := newTestKMSKeyStore(fake)

	_, _, err := store.GenerateKeyPair(context.Background(), domain.ECDSAP256SHA256)
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrInconsistentState)
	require.Len(t, fake.created, 1)
	assert.Empty(t, fake.keys)
	assert.Len(t, fake.destroyed, 1)
}

func TestKMSKeyStore_ReportsUndestroyableKey(t *testing.T) {
	fake := newFakeKMS()
	fake.pending = kmsPublicKeyMaxAttempts + 10
	fake.destroyErr = status.Error(codes.Unavailable, "try again")
	store := newTestKMSKeyStore(fake)

	_, _, err := store.GenerateKeyPair(context.Background(), domain.ECDSAP256SHA256)
	require.ErrorIs(t, err, domain.ErrInconsistentState)
	assert.Contains(t, err.Error(), fake.created[0].CryptoKeyId)
}

func TestKMSKeyStore_CreateKeyLeavesNoOrphan(t *testing.T) {
	fake := newFakeKMS()
	fake.pending = kmsPublicKeyMaxAttempts + 10
	repo := repository.NewMemoryKeyRepository()
	svc := usecase.NewKeyService(repo, newTestKMSKeyStore(fake))

	_, err := svc.CreateKey(context.Background(), "svc1", "ECDSA-P256")
	require.ErrorIs(t, err, domain.ErrProvider)

	assert.Empty(t, fake.keys)
	page, err := repo.List(context.Background(), domain.PageRequest{Page: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestKMSKeyStore_StoreIgnoresCancellation(t *testing.T) {
	fake := newFakeKMS()
	store := newTestKMSKeyStore(fake)

	_, priv, err := store.GenerateKeyPair(context.Background(), domain.ECDSAP256SHA256)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	id, err := store.StorePrivateKey(ctx, priv)
	require.NoError(t, err)
	assert.Equal(t, fake.created[0].CryptoKeyId, id)
}

func TestKMSKeyStore_DestroyedVersionIsNotFound(t *testing.T) {
	ctx := context.Background()
	fake := newFakeKMS()
	store := newTestKMSKeyStore(fake)

	_, priv, err := store.GenerateKeyPair(ctx, domain.ECDSAP256SHA256)
	require.NoError(t, err)
	id, err := store.StorePrivateKey(ctx, priv)
	require.NoError(t, err)
	require.NoError(t, store.RemovePrivateKey(ctx, id))

	err = store.RemovePrivateKey(ctx, id)
	assert.ErrorIs(t, err, domain.ErrPrivateKeyNotFound)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	_, err = store.RetrievePrivateKey(ctx, id)
	assert.ErrorIs(t, err, domain.ErrPrivateKeyNotFound)

	digest := sha256.Sum256([]byte("x"))
	_, err = store.Sign(ctx, domain.ECDSAP256SHA256, priv, digest[:])
	assert.ErrorIs(t, err, domain.ErrPrivateKeyNotFound)

	destroyed := status.Error(codes.FailedPrecondition, "version is in state DESTROYED")
	assert.ErrorIs(t, kmsError("signing", destroyed), domain.ErrPrivateKeyNotFound)
	pending := status.Error(codes.FailedPrecondition, "version is in state PENDING_GENERATION")
	assert.NotErrorIs(t, kmsError("signing", pending), domain.ErrPrivateKeyNotFound)
}

func TestKMSKey_SignerHasDeadline(t *testing.T) {
	fake := newFakeKMS()
	store := newTestKMSKeyStore(fake)

	_, priv, err := store.GenerateKeyPair(context.Background(), domain.ECDSAP256SHA256)
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("x"))
	_, err = priv.Sign(rand.Reader, digest[:], crypto.SHA256)
	require.NoError(t, err)
	assert.True(t, fake.signHadDeadline)
}
