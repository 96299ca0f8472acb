package server

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/goudaren0528/orderinfo-server/internal/config"
	"github.com/goudaren0528/orderinfo-server/internal/models"
	"github.com/goudaren0528/orderinfo-server/internal/protocol"
	"github.com/goudaren0528/orderinfo-server/internal/signing"
	"github.com/goudaren0528/orderinfo-server/internal/store"
)

const testAdminKey = "test-admin-key"

type env struct {
	t   *testing.T
	srv *Server
	st  *store.Store
	ts  *httptest.Server
}

// newEnv spins up a server over a throwaway sqlite store. mutate tweaks the
// protocol config before the server is built.
func newEnv(t *testing.T, mutate func(*config.ProtocolConfig)) *env {
	t.Helper()

	protoCfg := config.Default().Protocol
	if mutate != nil {
		mutate(&protoCfg)
	}

	st, err := store.Open(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "licensing.db"),
	})
	require.NoError(t, err)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	signKey, publicKeyPEM, err := ResolveSigningKeys(st, log)
	require.NoError(t, err)

	srv := New(Options{
		Store:        st,
		Logger:       log,
		Protocol:     protoCfg,
		AdminAPIKey:  testAdminKey,
		SignKey:      signKey,
		PublicKeyPEM: publicKeyPEM,
		Registry:     prometheus.NewRegistry(),
	})

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &env{t: t, srv: srv, st: st, ts: ts}
}

func (e *env) createLicense(code string, maxDevices int, expire time.Time) {
	e.t.Helper()
	require.NoError(e.t, e.st.CreateLicense(&models.License{
		Code:       code,
		MaxDevices: maxDevices,
		ExpireDate: expire,
	}))
}

func (e *env) serverPublicKey() ed25519.PublicKey {
	e.t.Helper()
	pub, err := signing.ParsePublicKeyPEM(e.srv.publicKeyPEM)
	require.NoError(e.t, err)
	return pub
}

// device is a simulated client machine with its own keypair.
type device struct {
	machineID string
	priv      ed25519.PrivateKey
	pubPEM    string
}

func newDevice(t *testing.T, machineID string) *device {
	t.Helper()
	priv, pub, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	pubPEM, err := signing.EncodePublicKeyPEM(pub)
	require.NoError(t, err)
	return &device{machineID: machineID, priv: priv, pubPEM: pubPEM}
}

// post canonicalizes payload, signs it with the device key and posts it.
func (d *device) post(t *testing.T, baseURL, path string, payload any) (int, []byte) {
	t.Helper()
	return postSignedWith(t, baseURL, path, payload, d.priv)
}

func postSignedWith(t *testing.T, baseURL, path string, payload any, priv ed25519.PrivateKey) (int, []byte) {
	t.Helper()
	body, err := signing.Canonical(payload)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, baseURL+path, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(protocol.HeaderDeviceSignature, signing.SignBytes(priv, body))

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, raw
}

// activate performs a complete activation exchange for the device.
func (e *env) activate(d *device, code string) (int, protocol.ActivateResponse, []byte) {
	e.t.Helper()
	req := protocol.ActivateRequest{
		Code:            code,
		MachineID:       d.machineID,
		DevicePublicKey: d.pubPEM,
		TS:              time.Now().Unix(),
		Nonce:           uuid.New().String(),
	}
	status, raw := d.post(e.t, e.ts.URL, "/api/activate", req)
	var out protocol.ActivateResponse
	if status == http.StatusOK {
		require.NoError(e.t, json.Unmarshal(raw, &out))
	}
	return status, out, raw
}

func (e *env) heartbeat(d *device, code string) (int, []byte) {
	e.t.Helper()
	req := protocol.HeartbeatRequest{
		Code:      code,
		MachineID: d.machineID,
		TS:        time.Now().Unix(),
		Nonce:     uuid.New().String(),
	}
	return d.post(e.t, e.ts.URL, "/api/heartbeat", req)
}

func errorMessage(t *testing.T, raw []byte) string {
	t.Helper()
	var envelope protocol.StatusResponse
	require.NoError(t, json.Unmarshal(raw, &envelope))
	return envelope.Message
}
