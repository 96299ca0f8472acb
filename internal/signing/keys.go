package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBadSignature is returned when a signature does not verify.
	ErrBadSignature = errors.New("signature verification failed")
	// ErrNotEd25519 is returned when a PEM block decodes to a key of the
	// wrong algorithm.
	ErrNotEd25519 = errors.New("key is not an Ed25519 key")
)

// GenerateKeyPair creates a fresh Ed25519 keypair.
func GenerateKeyPair() (ed25519.PrivateKey, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	return priv, pub, nil
}

// EncodePrivateKeyPEM renders priv as a PKCS#8 PEM block.
func EncodePrivateKeyPEM(priv ed25519.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("marshal private key: %w", err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// EncodePublicKeyPEM renders pub as a PKIX PEM block.
func EncodePublicKeyPEM(pub ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// NormalizePEM repairs PEM text that traveled through an environment variable
// with literal "\n" escapes in place of newlines.
func NormalizePEM(text string) string {
	return strings.TrimSpace(strings.ReplaceAll(text, `\n`, "\n"))
}

// ParsePrivateKeyPEM decodes a PKCS#8 PEM private key and requires Ed25519.
func ParsePrivateKeyPEM(pemText string) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode([]byte(NormalizePEM(pemText) + "\n"))
	if block == nil {
		return nil, errors.New("no PEM block found in private key")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, ErrNotEd25519
	}
	return priv, nil
}

// ParsePublicKeyPEM decodes a PKIX PEM public key and requires Ed25519.
func ParsePublicKeyPEM(pemText string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(NormalizePEM(pemText) + "\n"))
	if block == nil {
		return nil, errors.New("no PEM block found in public key")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, ErrNotEd25519
	}
	return pub, nil
}

// SignBytes signs the exact byte string and returns a base64 signature.
func SignBytes(priv ed25519.PrivateKey, body []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(priv, body))
}

// SignPayload canonicalizes payload and signs the canonical bytes.
func SignPayload(priv ed25519.PrivateKey, payload any) (string, error) {
	body, err := Canonical(payload)
	if err != nil {
		return "", err
	}
	return SignBytes(priv, body), nil
}

// VerifyBytes checks a base64 signature over the exact byte string.
func VerifyBytes(pub ed25519.PublicKey, body []byte, signatureB64 string) error {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if !ed25519.Verify(pub, body, sig) {
		return ErrBadSignature
	}
	return nil
}

// VerifyPayload canonicalizes payload and checks the signature against the
// canonical bytes. Used by the client to verify server-signed certificates
// and configuration payloads offline.
func VerifyPayload(pub ed25519.PublicKey, payload any, signatureB64 string) error {
	body, err := Canonical(payload)
	if err != nil {
		return err
	}
	return VerifyBytes(pub, body, signatureB64)
}
