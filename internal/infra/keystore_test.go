package infra

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"key-custody-service/config"
)

func TestNewKeyStore(t *testing.T) {
	store, err := NewKeyStore(context.Background(), &config.Config{KeyStoreBackend: config.KeyStoreBackendMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryKeyStore{}, store)
	require.NoError(t, store.Close())

	_, err = NewKeyStore(context.Background(), &config.Config{KeyStoreBackend: "vault"})
	assert.Error(t, err)
}
