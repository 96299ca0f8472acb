package server

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goudaren0528/orderinfo-server/internal/config"
	"github.com/goudaren0528/orderinfo-server/internal/signing"
	"github.com/goudaren0528/orderinfo-server/internal/store"
)

func openKeyTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "keys.db"),
	})
	require.NoError(t, err)
	return st
}

func TestResolveSigningKeysGeneratesAndPersists(t *testing.T) {
	st := openKeyTestStore(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	priv, pubPEM, err := ResolveSigningKeys(st, log)
	require.NoError(t, err)
	require.NotNil(t, priv)

	// A second resolve returns the same pair, not a fresh one.
	again, againPub, err := ResolveSigningKeys(st, log)
	require.NoError(t, err)
	assert.Equal(t, priv, again)
	assert.Equal(t, pubPEM, againPub)

	// The persisted public key parses and matches the private key.
	pub, err := signing.ParsePublicKeyPEM(pubPEM)
	require.NoError(t, err)
	sig := signing.SignBytes(priv, []byte("probe"))
	assert.NoError(t, signing.VerifyBytes(pub, []byte("probe"), sig))
}

func TestResolveSigningKeysFromEnvironment(t *testing.T) {
	priv, pub, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	privPEM, err := signing.EncodePrivateKeyPEM(priv)
	require.NoError(t, err)
	pubPEM, err := signing.EncodePublicKeyPEM(pub)
	require.NoError(t, err)

	t.Setenv("LICENSE_PRIVATE_KEY", privPEM)
	t.Setenv("LICENSE_PUBLIC_KEY", pubPEM)

	st := openKeyTestStore(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	resolved, resolvedPub, err := ResolveSigningKeys(st, log)
	require.NoError(t, err)
	assert.Equal(t, priv, resolved)

	parsed, err := signing.ParsePublicKeyPEM(resolvedPub)
	require.NoError(t, err)
	assert.Equal(t, pub, parsed)
}
