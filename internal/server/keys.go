package server

import (
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"os"

	"github.com/goudaren0528/orderinfo-server/internal/signing"
	"github.com/goudaren0528/orderinfo-server/internal/store"
)

// ResolveSigningKeys loads the server's Ed25519 signing keypair. Order:
// LICENSE_PRIVATE_KEY/LICENSE_PUBLIC_KEY environment PEMs, then the KeyStore
// rows, then a freshly generated pair persisted for the service's lifetime.
// The pair is never rotated automatically.
func ResolveSigningKeys(st *store.Store, log *slog.Logger) (ed25519.PrivateKey, string, error) {
	envPriv := os.Getenv("LICENSE_PRIVATE_KEY")
	envPub := os.Getenv("LICENSE_PUBLIC_KEY")
	if envPriv != "" && envPub != "" {
		priv, err := signing.ParsePrivateKeyPEM(envPriv)
		if err == nil {
			return priv, signing.NormalizePEM(envPub) + "\n", nil
		}
		log.Warn("ignoring invalid signing keys from environment",
			slog.String("error", err.Error()),
		)
	}

	privPEM, havePriv, err := st.GetKeyStore(store.KeyServerPrivateKey)
	if err != nil {
		return nil, "", err
	}
	pubPEM, havePub, err := st.GetKeyStore(store.KeyServerPublicKey)
	if err != nil {
		return nil, "", err
	}
	if havePriv && havePub {
		priv, err := signing.ParsePrivateKeyPEM(privPEM)
		if err != nil {
			return nil, "", fmt.Errorf("stored signing key is corrupt: %w", err)
		}
		return priv, pubPEM, nil
	}

	priv, pub, err := signing.GenerateKeyPair()
	if err != nil {
		return nil, "", err
	}
	privPEM, err = signing.EncodePrivateKeyPEM(priv)
	if err != nil {
		return nil, "", err
	}
	pubPEM, err = signing.EncodePublicKeyPEM(pub)
	if err != nil {
		return nil, "", err
	}
	if err := st.PutKeyStore(store.KeyServerPrivateKey, privPEM); err != nil {
		return nil, "", err
	}
	if err := st.PutKeyStore(store.KeyServerPublicKey, pubPEM); err != nil {
		return nil, "", err
	}
	log.Info("generated new server signing keypair")
	return priv, pubPEM, nil
}
