//go:build pkcs11

package infra

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPKCS11KeyStore_StoreIgnoresCancellation(t *testing.T) {
	store := &PKCS11KeyStore{readWrite: true}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	id, err := store.StorePrivateKey(ctx, &pkcs11Key{id: "token-object"})
	require.NoError(t, err)
	assert.Equal(t, "token-object", id)
}

func TestPKCS11KeyStore_StoreRejectsForeignKey(t *testing.T) {
	store := &PKCS11KeyStore{readWrite: true}

	_, err := store.StorePrivateKey(context.Background(), &softKey{})
	assert.ErrorIs(t, err, errForeignKey)
}
