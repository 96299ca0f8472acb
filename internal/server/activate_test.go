package server

import (
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goudaren0528/orderinfo-server/internal/config"
	"github.com/goudaren0528/orderinfo-server/internal/models"
	"github.com/goudaren0528/orderinfo-server/internal/protocol"
	"github.com/goudaren0528/orderinfo-server/internal/signing"
)

func TestActivateIssuesVerifiableCertificate(t *testing.T) {
	e := newEnv(t, nil)
	expire := time.Now().AddDate(1, 0, 0)
	e.createLicense("L-1", 3, expire)

	d := newDevice(t, "machine-a")
	status, out, _ := e.activate(d, "L-1")
	require.Equal(t, http.StatusOK, status)

	assert.Equal(t, protocol.StatusSuccess, out.Status)
	assert.Equal(t, "L-1", out.License.Code)
	assert.Equal(t, "machine-a", out.License.MachineID)
	assert.Equal(t, expire.Format("2006-01-02"), out.License.ExpireDate)
	assert.Equal(t, 3, out.License.MaxDevices)

	// The certificate must verify against the server key the response
	// carries.
	pub, err := signing.ParsePublicKeyPEM(out.PublicKey)
	require.NoError(t, err)
	require.NoError(t, signing.VerifyPayload(pub, out.License, out.LicenseSignature))

	dev, err := e.st.FindDevice("L-1", "machine-a")
	require.NoError(t, err)
	require.NotNil(t, dev)
	assert.Equal(t, d.pubPEM, dev.PublicKey)
}

func TestActivateUnknownLicenseIs404(t *testing.T) {
	e := newEnv(t, nil)
	d := newDevice(t, "machine-a")
	status, _, _ := e.activate(d, "NO-SUCH-CODE")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestActivateRevokedAndExpired(t *testing.T) {
	e := newEnv(t, nil)
	require.NoError(t, e.st.CreateLicense(&models.License{
		Code:       "L-REVOKED",
		MaxDevices: 1,
		ExpireDate: time.Now().AddDate(1, 0, 0),
		Revoked:    true,
	}))
	e.createLicense("L-EXPIRED", 1, time.Now().AddDate(0, 0, -1))

	d := newDevice(t, "machine-a")

	status, _, _ := e.activate(d, "L-REVOKED")
	assert.Equal(t, http.StatusForbidden, status)

	status, _, _ = e.activate(d, "L-EXPIRED")
	assert.Equal(t, http.StatusForbidden, status)
}

func TestActivateQuotaExceeded(t *testing.T) {
	e := newEnv(t, nil)
	e.createLicense("L-1", 1, time.Now().AddDate(1, 0, 0))

	a := newDevice(t, "machine-a")
	status, _, _ := e.activate(a, "L-1")
	require.Equal(t, http.StatusOK, status)

	b := newDevice(t, "machine-b")
	status, _, raw := e.activate(b, "L-1")
	assert.Equal(t, http.StatusForbidden, status)
	assert.Contains(t, errorMessage(t, raw), "quota")
}

func TestActivateIsIdempotentPerMachine(t *testing.T) {
	e := newEnv(t, nil)
	e.createLicense("L-1", 1, time.Now().AddDate(1, 0, 0))

	d := newDevice(t, "machine-a")
	status, _, _ := e.activate(d, "L-1")
	require.Equal(t, http.StatusOK, status)
	status, _, _ = e.activate(d, "L-1")
	require.Equal(t, http.StatusOK, status)

	count, err := e.st.CountDevices("L-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestActivateStaleDeviceFreesSlot(t *testing.T) {
	e := newEnv(t, nil)
	e.createLicense("L-1", 1, time.Now().AddDate(1, 0, 0))

	a := newDevice(t, "machine-a")
	status, _, _ := e.activate(a, "L-1")
	require.Equal(t, http.StatusOK, status)

	// Machine A goes silent past the liveness window.
	dev, err := e.st.FindDevice("L-1", "machine-a")
	require.NoError(t, err)
	dev.LastHeartbeat = time.Now().Add(-time.Hour)
	require.NoError(t, e.st.SaveDevice(dev))

	b := newDevice(t, "machine-b")
	status, _, _ = e.activate(b, "L-1")
	assert.Equal(t, http.StatusOK, status)

	gone, err := e.st.FindDevice("L-1", "machine-a")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestActivateKeyMismatchPolicy(t *testing.T) {
	e := newEnv(t, func(p *config.ProtocolConfig) {
		p.AllowDeviceKeyReset = false
	})
	e.createLicense("L-1", 1, time.Now().AddDate(1, 0, 0))

	first := newDevice(t, "machine-a")
	status, _, _ := e.activate(first, "L-1")
	require.Equal(t, http.StatusOK, status)

	// Same machine ID, different keypair: must be rejected when key reset
	// is disabled.
	impostor := newDevice(t, "machine-a")
	status, _, raw := e.activate(impostor, "L-1")
	assert.Equal(t, http.StatusForbidden, status)
	assert.Contains(t, errorMessage(t, raw), "key mismatch")
}

func TestActivateKeyResetAllowed(t *testing.T) {
	e := newEnv(t, nil) // default policy permits reset
	e.createLicense("L-1", 1, time.Now().AddDate(1, 0, 0))

	first := newDevice(t, "machine-a")
	status, _, _ := e.activate(first, "L-1")
	require.Equal(t, http.StatusOK, status)

	reinstalled := newDevice(t, "machine-a")
	status, _, _ = e.activate(reinstalled, "L-1")
	require.Equal(t, http.StatusOK, status)

	dev, err := e.st.FindDevice("L-1", "machine-a")
	require.NoError(t, err)
	assert.Equal(t, reinstalled.pubPEM, dev.PublicKey)
}

func TestActivateRejectsReplayedNonce(t *testing.T) {
	e := newEnv(t, nil)
	e.createLicense("L-1", 2, time.Now().AddDate(1, 0, 0))

	d := newDevice(t, "machine-a")
	req := protocol.ActivateRequest{
		Code:            "L-1",
		MachineID:       d.machineID,
		DevicePublicKey: d.pubPEM,
		TS:              time.Now().Unix(),
		Nonce:           uuid.New().String(),
	}
	status, _ := d.post(t, e.ts.URL, "/api/activate", req)
	require.Equal(t, http.StatusOK, status)

	// Byte-identical replay within the retention window.
	status, raw := d.post(t, e.ts.URL, "/api/activate", req)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Contains(t, errorMessage(t, raw), "replayed")

	// Same timestamp under a fresh nonce is a legitimate retry, not a replay.
	req.Nonce = uuid.New().String()
	status, _ = d.post(t, e.ts.URL, "/api/activate", req)
	assert.Equal(t, http.StatusOK, status)
}

func TestActivateRejectsStaleTimestamp(t *testing.T) {
	e := newEnv(t, nil)
	e.createLicense("L-1", 1, time.Now().AddDate(1, 0, 0))

	d := newDevice(t, "machine-a")
	req := protocol.ActivateRequest{
		Code:            "L-1",
		MachineID:       d.machineID,
		DevicePublicKey: d.pubPEM,
		TS:              time.Now().Add(-time.Hour).Unix(),
		Nonce:           uuid.New().String(),
	}
	status, raw := d.post(t, e.ts.URL, "/api/activate", req)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Contains(t, errorMessage(t, raw), "expired")
}

func TestActivateRejectsBadSignature(t *testing.T) {
	e := newEnv(t, nil)
	e.createLicense("L-1", 1, time.Now().AddDate(1, 0, 0))

	d := newDevice(t, "machine-a")
	other := newDevice(t, "machine-a")
	req := protocol.ActivateRequest{
		Code:            "L-1",
		MachineID:       d.machineID,
		DevicePublicKey: d.pubPEM,
		TS:              time.Now().Unix(),
		Nonce:           uuid.New().String(),
	}
	// Signed with a key that does not match the submitted public key.
	status, _ := postSignedWith(t, e.ts.URL, "/api/activate", req, other.priv)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestActivateRejectsIncompleteRequest(t *testing.T) {
	e := newEnv(t, nil)
	d := newDevice(t, "machine-a")
	req := map[string]any{"code": "L-1"} // missing machine_id, key, ts, nonce
	status, _ := d.post(t, e.ts.URL, "/api/activate", req)
	assert.Equal(t, http.StatusBadRequest, status)
}
