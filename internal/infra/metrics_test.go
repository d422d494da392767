package infra

import (
	"context"
	"crypto/sha256"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"key-custody-service/internal/domain"
)

func TestInstrumentedKeyStore_RecordsCalls(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	store, err := NewInstrumentedKeyStore(NewMemoryKeyStore(), "memory", reg)
	require.NoError(t, err)

	_, priv, err := store.GenerateKeyPair(ctx, domain.ECDSAP256SHA256)
	require.NoError(t, err)
	id, err := store.StorePrivateKey(ctx, priv)
	require.NoError(t, err)

	digest := sha256.Sum256([]byte("payload"))
	_, err = store.Sign(ctx, domain.ECDSAP256SHA256, priv, digest[:])
	require.NoError(t, err)

	require.NoError(t, store.RemovePrivateKey(ctx, id))
	_, err = store.RetrievePrivateKey(ctx, id)
	require.ErrorIs(t, err, domain.ErrPrivateKeyNotFound)
	_, err = store.Sign(ctx, domain.ECDSAP256SHA256, priv, []byte("short"))
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(store.calls.WithLabelValues("generate_key_pair", resultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(store.calls.WithLabelValues("sign", resultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(store.calls.WithLabelValues("sign", resultError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(store.calls.WithLabelValues("retrieve_private_key", resultNotFound)))
	// generate, store, sign, remove, retrieve
	assert.Equal(t, 5, testutil.CollectAndCount(store.duration))
}

func TestInstrumentedKeyStore_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewInstrumentedKeyStore(NewMemoryKeyStore(), "memory", reg)
	require.NoError(t, err)

	_, err = NewInstrumentedKeyStore(NewMemoryKeyStore(), "memory", reg)
	assert.Error(t, err)
}
