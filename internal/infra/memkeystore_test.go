package infra

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"key-custody-service/internal/domain"
)

func TestMemoryKeyStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryKeyStore()

	pub, priv, err := store.GenerateKeyPair(ctx, domain.ECDSAP256SHA256)
	require.NoError(t, err)
	assert.Equal(t, 0, store.Len(), "generated key must not be stored until StorePrivateKey")

	id, err := store.StorePrivateKey(ctx, priv)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, store.Len())

	der, err := store.ExportPublicKey(ctx, pub)
	require.NoError(t, err)

	imported, err := store.ImportPublicKey(ctx, der, domain.ECDSAP256SHA256)
	require.NoError(t, err)
	assert.True(t, imported.(*ecdsa.PublicKey).Equal(pub))

	handle, err := store.RetrievePrivateKey(ctx, id)
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("hello world"))
	sig, err := store.Sign(ctx, domain.ECDSAP256SHA256, handle, digest[:])
	require.NoError(t, err)
	assert.True(t, ecdsa.VerifyASN1(pub.(*ecdsa.PublicKey), digest[:], sig))

	require.NoError(t, store.RemovePrivateKey(ctx, id))
	assert.Equal(t, 0, store.Len())

	_, err = store.RetrievePrivateKey(ctx, id)
	assert.ErrorIs(t, err, domain.ErrPrivateKeyNotFound)
	assert.ErrorIs(t, store.RemovePrivateKey(ctx, id), domain.ErrPrivateKeyNotFound)
}

func TestMemoryKeyStore_StoreIsIdempotentPerHandle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryKeyStore()

	_, priv, err := store.GenerateKeyPair(ctx, domain.ECDSAP256SHA256)
	require.NoError(t, err)

	first, err := store.StorePrivateKey(ctx, priv)
	require.NoError(t, err)
	second, err := store.StorePrivateKey(ctx, priv)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, store.Len())
}

func TestMemoryKeyStore_DistinctIDs(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryKeyStore()

	seen := make(map[string]bool)
	for range 20 {
		_, priv, err := store.GenerateKeyPair(ctx, domain.ECDSAP256SHA256)
		require.NoError(t, err)
		id, err := store.StorePrivateKey(ctx, priv)
		require.NoError(t, err)
		assert.False(t, seen[id], "id %s issued twice", id)
		seen[id] = true
	}
}

func TestMemoryKeyStore_RejectsForeignHandle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryKeyStore()

	foreign, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	_, err = store.StorePrivateKey(ctx, foreign)
	assert.ErrorIs(t, err, errForeignKey)

	digest := sha256.Sum256([]byte("x"))
	_, err = store.Sign(ctx, domain.ECDSAP256SHA256, foreign, digest[:])
	assert.ErrorIs(t, err, errForeignKey)
}

func TestMemoryKeyStore_RejectsBadInput(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryKeyStore()

	_, _, err := store.GenerateKeyPair(ctx, domain.AlgorithmSpec{Name: "ECDSA", NamedCurve: "P-384", Hash: crypto.SHA384})
	assert.ErrorIs(t, err, domain.ErrUnsupportedAlgorithm)

	_, priv, err := store.GenerateKeyPair(ctx, domain.ECDSAP256SHA256)
	require.NoError(t, err)
	_, err = store.Sign(ctx, domain.ECDSAP256SHA256, priv, []byte("short"))
	assert.ErrorIs(t, err, domain.ErrInvalidDigest)

	p384, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	der, err := exportSPKI(&p384.PublicKey)
	require.NoError(t, err)
	_, err = store.ImportPublicKey(ctx, der, domain.ECDSAP256SHA256)
	assert.ErrorIs(t, err, domain.ErrUnsupportedAlgorithm)

	_, err = store.ImportPublicKey(ctx, []byte("garbage"), domain.ECDSAP256SHA256)
	assert.Error(t, err)
}

func TestMemoryKeyStore_HonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := NewMemoryKeyStore()
	_, _, err := store.GenerateKeyPair(ctx, domain.ECDSAP256SHA256)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryKeyStore_Close(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryKeyStore()

	_, priv, err := store.GenerateKeyPair(ctx, domain.ECDSAP256SHA256)
	require.NoError(t, err)
	_, err = store.StorePrivateKey(ctx, priv)
	require.NoError(t, err)

	require.NoError(t, store.Close())
	assert.Equal(t, 0, store.Len())
}
