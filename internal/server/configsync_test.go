package server

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goudaren0528/orderinfo-server/internal/protocol"
	"github.com/goudaren0528/orderinfo-server/internal/signing"
	"github.com/goudaren0528/orderinfo-server/internal/store"
)

func (e *env) fetchConfig(d *device, code string) (int, protocol.ConfigFetchResponse) {
	e.t.Helper()
	req := protocol.ConfigFetchRequest{
		Code:      code,
		MachineID: d.machineID,
		TS:        time.Now().Unix(),
		Nonce:     uuid.New().String(),
	}
	status, raw := d.post(e.t, e.ts.URL, "/api/config/fetch", req)
	var out protocol.ConfigFetchResponse
	if status == http.StatusOK {
		require.NoError(e.t, json.Unmarshal(raw, &out))
	}
	return status, out
}

func (e *env) saveConfig(d *device, code, token string, cfg map[string]any) (int, []byte) {
	e.t.Helper()
	req := protocol.ConfigSaveRequest{
		Code:        code,
		MachineID:   d.machineID,
		TS:          time.Now().Unix(),
		Nonce:       uuid.New().String(),
		ConfigToken: token,
		Config:      cfg,
	}
	return d.post(e.t, e.ts.URL, "/api/config/save", req)
}

func TestConfigFetchReturnsSignedMergedView(t *testing.T) {
	e := newEnv(t, nil)
	e.createLicense("L-1", 1, time.Now().AddDate(1, 0, 0))
	require.NoError(t, e.st.PutKeyStore(store.KeyCommonConfig, `{"feature":"on"}`))
	require.NoError(t, e.st.SaveLicenseConfig("L-1", map[string]any{"theme": "dark"}))

	d := newDevice(t, "machine-a")
	status, _, _ := e.activate(d, "L-1")
	require.Equal(t, http.StatusOK, status)

	status, out := e.fetchConfig(d, "L-1")
	require.Equal(t, http.StatusOK, status)

	assert.Equal(t, "on", out.CommonConfig["feature"])
	assert.Equal(t, "dark", out.UserConfig["theme"])
	assert.NotEmpty(t, out.ConfigToken)
	assert.Greater(t, out.ConfigTokenExpire, time.Now().Unix())

	// The signature covers the whole merged view as one canonical payload.
	payload := protocol.ConfigPayload{
		Code:         "L-1",
		MachineID:    "machine-a",
		TS:           out.ConfigTS,
		CommonConfig: out.CommonConfig,
		UserConfig:   out.UserConfig,
	}
	require.NoError(t, signing.VerifyPayload(e.serverPublicKey(), payload, out.ConfigSignature))
}

func TestConfigFetchRequiresActivation(t *testing.T) {
	e := newEnv(t, nil)
	e.createLicense("L-1", 1, time.Now().AddDate(1, 0, 0))

	d := newDevice(t, "machine-unseen")
	status, _ := e.fetchConfig(d, "L-1")
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestConfigSaveRotatesToken(t *testing.T) {
	e := newEnv(t, nil)
	e.createLicense("L-1", 1, time.Now().AddDate(1, 0, 0))

	d := newDevice(t, "machine-a")
	status, _, _ := e.activate(d, "L-1")
	require.Equal(t, http.StatusOK, status)
	status, fetched := e.fetchConfig(d, "L-1")
	require.Equal(t, http.StatusOK, status)

	status, raw := e.saveConfig(d, "L-1", fetched.ConfigToken, map[string]any{"theme": "light"})
	require.Equal(t, http.StatusOK, status)

	var saved protocol.ConfigSaveResponse
	require.NoError(t, json.Unmarshal(raw, &saved))
	assert.NotEmpty(t, saved.ConfigToken)
	assert.NotEqual(t, fetched.ConfigToken, saved.ConfigToken)

	// The consumed token is dead.
	status, raw = e.saveConfig(d, "L-1", fetched.ConfigToken, map[string]any{"theme": "red"})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Contains(t, errorMessage(t, raw), "token")

	// The rotated one works.
	status, _ = e.saveConfig(d, "L-1", saved.ConfigToken, map[string]any{"theme": "red"})
	assert.Equal(t, http.StatusOK, status)

	assert.Equal(t, "red", e.st.LoadLicenseConfig("L-1")["theme"])
}

func TestConfigSaveRejectsUnknownToken(t *testing.T) {
	e := newEnv(t, nil)
	e.createLicense("L-1", 1, time.Now().AddDate(1, 0, 0))

	d := newDevice(t, "machine-a")
	status, _, _ := e.activate(d, "L-1")
	require.Equal(t, http.StatusOK, status)

	status, _ = e.saveConfig(d, "L-1", "made-up-token", map[string]any{"theme": "light"})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestConfigSaveRejectsExpiredToken(t *testing.T) {
	e := newEnv(t, nil)
	e.createLicense("L-1", 1, time.Now().AddDate(1, 0, 0))

	d := newDevice(t, "machine-a")
	status, _, _ := e.activate(d, "L-1")
	require.Equal(t, http.StatusOK, status)
	status, fetched := e.fetchConfig(d, "L-1")
	require.Equal(t, http.StatusOK, status)

	// Advance the token store's clock past the TTL.
	e.srv.tokens.now = func() time.Time {
		return time.Now().Add(e.srv.protocol.ConfigTokenTTL + time.Minute)
	}

	status, _ = e.saveConfig(d, "L-1", fetched.ConfigToken, map[string]any{"theme": "light"})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestConfigEndpointsAreAudited(t *testing.T) {
	e := newEnv(t, nil)
	e.createLicense("L-1", 1, time.Now().AddDate(1, 0, 0))

	d := newDevice(t, "machine-a")
	status, _, _ := e.activate(d, "L-1")
	require.Equal(t, http.StatusOK, status)

	status, fetched := e.fetchConfig(d, "L-1")
	require.Equal(t, http.StatusOK, status)
	status, _ = e.saveConfig(d, "L-1", fetched.ConfigToken, map[string]any{"theme": "light"})
	require.Equal(t, http.StatusOK, status)
	status, _ = e.saveConfig(d, "L-1", "bogus", map[string]any{"theme": "light"})
	require.Equal(t, http.StatusUnauthorized, status)

	audits, err := e.st.ListAudits("L-1")
	require.NoError(t, err)
	require.Len(t, audits, 3)
	assert.True(t, audits[0].OK)
	assert.True(t, audits[1].OK)
	assert.False(t, audits[2].OK)
	assert.Equal(t, "config_save", audits[2].Endpoint)
	assert.NotEmpty(t, audits[2].Reason)
}
