package agent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/goudaren0528/orderinfo-server/internal/config"
	"github.com/goudaren0528/orderinfo-server/internal/protocol"
	"github.com/goudaren0528/orderinfo-server/internal/signing"
)

// Agent drives the client side of the protocol. All state mutations go
// through the StateStore so heartbeats and config calls can run concurrently.
type Agent struct {
	cfg    config.AgentConfig
	states *StateStore
	client *Client
	log    *slog.Logger

	now func() time.Time
}

// New derives the machine identity and assembles the agent.
func New(cfg config.AgentConfig, log *slog.Logger) (*Agent, error) {
	client, err := NewClient(cfg.ServerURL, cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}
	machineID := MachineID(log)
	return &Agent{
		cfg:    cfg,
		states: NewStateStore(cfg.StateFile, machineID, cfg.EncryptState, log),
		client: client,
		log:    log.With(slog.String("component", "agent")),
		now:    time.Now,
	}, nil
}

func newNonce() string {
	return uuid.New().String()
}

// ensureKeyPair generates and stores the device keypair on first use.
func (a *Agent) ensureKeyPair(st *State) error {
	if st.DevicePrivateKey != "" {
		return nil
	}
	priv, pub, err := signing.GenerateKeyPair()
	if err != nil {
		return err
	}
	pubPEM, err := signing.EncodePublicKeyPEM(pub)
	if err != nil {
		return err
	}
	st.SetKeyPair(priv, pubPEM)
	a.log.Info("device keypair generated")
	return nil
}

// Activate binds this machine to the license code: it sends the signed
// activation request, verifies the returned certificate against the server
// key, pins that key and persists the whole bundle.
func (a *Agent) Activate(ctx context.Context, code string) error {
	st, err := a.states.Load()
	if err != nil {
		return err
	}
	st.MachineID = a.states.machineID
	if err := a.ensureKeyPair(st); err != nil {
		return err
	}
	priv, err := st.PrivateKey()
	if err != nil {
		return err
	}

	req := protocol.ActivateRequest{
		Code:            code,
		MachineID:       st.MachineID,
		DevicePublicKey: st.DevicePublicKey,
		TS:              a.now().Unix(),
		Nonce:           newNonce(),
	}
	resp, perr := a.client.postSigned(ctx, "/api/activate", req, priv)
	if perr != nil {
		return perr
	}
	if resp.StatusCode != 200 {
		return classifyStatus(resp)
	}

	var out protocol.ActivateResponse
	if perr := resp.decode(&out); perr != nil {
		return perr
	}

	// Trust on first use: the key from the first successful activation is
	// pinned; later activations must verify against it.
	serverKeyPEM := st.ServerPublicKey
	if serverKeyPEM == "" {
		serverKeyPEM = out.PublicKey
	}
	serverKey, err := signing.ParsePublicKeyPEM(serverKeyPEM)
	if err != nil {
		return protocol.WrapError(protocol.KindIntegrity, "server public key unusable", err)
	}
	if err := signing.VerifyPayload(serverKey, out.License, out.LicenseSignature); err != nil {
		return protocol.WrapError(protocol.KindIntegrity, "license certificate rejected", err)
	}
	if out.License.Code != code || out.License.MachineID != st.MachineID {
		return protocol.NewError(protocol.KindIntegrity, "license certificate does not match this machine")
	}

	if err := a.states.Update(func(cur *State) {
		cur.MachineID = st.MachineID
		cur.DevicePrivateKey = st.DevicePrivateKey
		cur.DevicePublicKey = st.DevicePublicKey
		cur.ServerPublicKey = serverKeyPEM
		cur.License = &out.License
		cur.LicenseSignature = out.LicenseSignature
		cur.LastOKTS = a.now().Unix()
	}); err != nil {
		return err
	}

	a.log.Info("license activated",
		slog.String("license_code", code),
		slog.String("expire_date", out.License.ExpireDate),
	)
	return nil
}

// Heartbeat renews the device's liveness claim. A transport failure within
// the grace window is a soft pass: the agent keeps operating on the cached
// certificate. A server rejection is always a hard fail, grace or not.
func (a *Agent) Heartbeat(ctx context.Context) error {
	st, err := a.states.Load()
	if err != nil {
		return err
	}
	if st.License == nil {
		return protocol.NewError(protocol.KindAuthorization, "not activated")
	}
	priv, err := st.PrivateKey()
	if err != nil {
		return err
	}

	req := protocol.HeartbeatRequest{
		Code:      st.License.Code,
		MachineID: st.MachineID,
		TS:        a.now().Unix(),
		Nonce:     newNonce(),
	}
	resp, perr := a.client.postSigned(ctx, "/api/heartbeat", req, priv)
	if perr != nil {
		if perr.Kind == protocol.KindTransport {
			return a.graceCheck(st, perr)
		}
		return perr
	}
	if resp.StatusCode != 200 {
		perr := classifyStatus(resp)
		if perr.Kind == protocol.KindTransport {
			return a.graceCheck(st, perr)
		}
		return perr
	}

	// Only the liveness stamp belongs to the heartbeat; a config fetch may
	// have rotated the token since st was loaded.
	if err := a.states.Update(func(cur *State) {
		cur.LastOKTS = a.now().Unix()
	}); err != nil {
		return err
	}
	return nil
}

// graceCheck decides whether a transport failure is survivable. Within the
// grace window the failure is absorbed; past it the agent reports the machine
// as no longer authorized.
func (a *Agent) graceCheck(st *State, cause *protocol.Error) error {
	elapsed := a.now().Unix() - st.LastOKTS
	if st.LastOKTS > 0 && elapsed <= int64(a.cfg.GracePeriod.Seconds()) {
		a.log.Warn("server unreachable, operating within grace window",
			slog.Int64("offline_seconds", elapsed),
			slog.String("cause", cause.Message),
		)
		return nil
	}
	return protocol.WrapError(protocol.KindAuthorization, "grace period exhausted", cause)
}

// RunHeartbeatLoop beats until ctx is cancelled. Failures surface in the log;
// the loop itself only stops with the context.
func (a *Agent) RunHeartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := a.Heartbeat(ctx); err != nil {
				a.log.Error("heartbeat failed", slog.String("error", err.Error()))
			}
		case <-ctx.Done():
			return
		}
	}
}

// FetchConfig pulls the merged configuration, verifies the server's signature
// over it and stores the rotating config token for a later save. A signature
// mismatch discards the payload and reads as a transport failure.
func (a *Agent) FetchConfig(ctx context.Context) (common, user map[string]any, err error) {
	out, perr := a.fetchAndVerifyConfig(ctx)
	if perr != nil {
		return nil, nil, perr
	}
	return out.CommonConfig, out.UserConfig, nil
}

func (a *Agent) fetchAndVerifyConfig(ctx context.Context) (*protocol.ConfigFetchResponse, *protocol.Error) {
	st, err := a.states.Load()
	if err != nil {
		return nil, protocol.WrapError(protocol.KindInternal, "load state", err)
	}
	if st.License == nil {
		return nil, protocol.NewError(protocol.KindAuthorization, "not activated")
	}
	priv, err := st.PrivateKey()
	if err != nil {
		return nil, protocol.WrapError(protocol.KindInternal, "device key unusable", err)
	}

	req := protocol.ConfigFetchRequest{
		Code:      st.License.Code,
		MachineID: st.MachineID,
		TS:        a.now().Unix(),
		Nonce:     newNonce(),
	}
	resp, perr := a.client.postSigned(ctx, "/api/config/fetch", req, priv)
	if perr != nil {
		return nil, perr
	}
	if resp.StatusCode != 200 {
		return nil, classifyStatus(resp)
	}

	var out protocol.ConfigFetchResponse
	if perr := resp.decode(&out); perr != nil {
		return nil, perr
	}

	serverKey, err := signing.ParsePublicKeyPEM(st.ServerPublicKey)
	if err != nil {
		return nil, protocol.WrapError(protocol.KindIntegrity, "pinned server key unusable", err)
	}
	payload := protocol.ConfigPayload{
		Code:         st.License.Code,
		MachineID:    st.MachineID,
		TS:           out.ConfigTS,
		CommonConfig: out.CommonConfig,
		UserConfig:   out.UserConfig,
	}
	if err := signing.VerifyPayload(serverKey, payload, out.ConfigSignature); err != nil {
		// An unverifiable payload is indistinguishable from a broken
		// transport; it is discarded, never trusted.
		return nil, protocol.WrapError(protocol.KindTransport, "configuration payload rejected", err)
	}

	if err := a.states.Update(func(cur *State) {
		cur.ConfigToken = out.ConfigToken
		cur.ConfigTokenExpire = out.ConfigTokenExpire
		cur.LastOKTS = a.now().Unix()
	}); err != nil {
		return nil, protocol.WrapError(protocol.KindInternal, "persist state", err)
	}
	return &out, nil
}

// SaveConfig uploads the per-license overlay. Password-like keys are stripped
// before upload. An invalid or expired token is healed once by re-fetching,
// then retried.
func (a *Agent) SaveConfig(ctx context.Context, cfg map[string]any) error {
	st, err := a.states.Load()
	if err != nil {
		return err
	}
	if st.License == nil {
		return protocol.NewError(protocol.KindAuthorization, "not activated")
	}

	cleaned := stripSensitive(cfg)

	token := st.ConfigToken
	if token == "" || st.ConfigTokenExpire <= a.now().Unix() {
		out, perr := a.fetchAndVerifyConfig(ctx)
		if perr != nil {
			return perr
		}
		token = out.ConfigToken
	}

	perr := a.pushConfig(ctx, token, cleaned)
	if perr == nil {
		return nil
	}
	if perr.Kind != protocol.KindAuthentication {
		return perr
	}

	// Token raced a rotation or expired in flight; one fresh fetch, one
	// retry.
	a.log.Warn("config token rejected, refetching", slog.String("cause", perr.Message))
	out, fperr := a.fetchAndVerifyConfig(ctx)
	if fperr != nil {
		return fperr
	}
	if perr := a.pushConfig(ctx, out.ConfigToken, cleaned); perr != nil {
		return perr
	}
	return nil
}

func (a *Agent) pushConfig(ctx context.Context, token string, cfg map[string]any) *protocol.Error {
	st, err := a.states.Load()
	if err != nil {
		return protocol.WrapError(protocol.KindInternal, "load state", err)
	}
	if st.License == nil {
		return protocol.NewError(protocol.KindAuthorization, "not activated")
	}
	priv, err := st.PrivateKey()
	if err != nil {
		return protocol.WrapError(protocol.KindInternal, "device key unusable", err)
	}

	req := protocol.ConfigSaveRequest{
		Code:        st.License.Code,
		MachineID:   st.MachineID,
		TS:          a.now().Unix(),
		Nonce:       newNonce(),
		ConfigToken: token,
		Config:      cfg,
	}
	resp, perr := a.client.postSigned(ctx, "/api/config/save", req, priv)
	if perr != nil {
		return perr
	}
	if resp.StatusCode != 200 {
		return classifyStatus(resp)
	}

	var out protocol.ConfigSaveResponse
	if perr := resp.decode(&out); perr != nil {
		return perr
	}
	if err := a.states.Update(func(cur *State) {
		cur.ConfigToken = out.ConfigToken
		cur.ConfigTokenExpire = out.ConfigTokenExpire
		cur.LastOKTS = a.now().Unix()
	}); err != nil {
		return protocol.WrapError(protocol.KindInternal, "persist state", err)
	}
	return nil
}

// Status summarizes the cached entitlement for display.
type Status struct {
	Activated   bool
	MachineID   string
	LicenseCode string
	ExpireDate  string
	LastOK      time.Time
	InGrace     bool
}

// Status reports the locally cached activation state without touching the
// network.
func (a *Agent) Status() (*Status, error) {
	st, err := a.states.Load()
	if err != nil {
		return nil, err
	}
	status := &Status{
		Activated: st.License != nil,
		MachineID: st.MachineID,
	}
	if st.License != nil {
		status.LicenseCode = st.License.Code
		status.ExpireDate = st.License.ExpireDate
	}
	if st.LastOKTS > 0 {
		status.LastOK = time.Unix(st.LastOKTS, 0)
		status.InGrace = a.now().Unix()-st.LastOKTS <= int64(a.cfg.GracePeriod.Seconds())
	}
	return status, nil
}

// stripSensitive removes password-like keys from the payload recursively.
// Defense in depth: credentials never ride along with a config upload.
func stripSensitive(value map[string]any) map[string]any {
	out := make(map[string]any, len(value))
	for key, v := range value {
		if isSensitiveKey(key) {
			continue
		}
		out[key] = stripSensitiveValue(v)
	}
	return out
}

func stripSensitiveValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return stripSensitive(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = stripSensitiveValue(item)
		}
		return out
	default:
		return v
	}
}

var sensitiveKeyFragments = []string{"password", "passwd", "pwd", "secret", "api_key", "apikey"}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, fragment := range sensitiveKeyFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}
