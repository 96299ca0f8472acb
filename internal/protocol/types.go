// Package protocol defines the wire schemas and the error taxonomy shared by
// the client agent and the licensing service. Every request and response is an
// explicit tagged struct validated before any business logic runs; nothing in
// the protocol is handled as a loose map except the opaque configuration
// blobs, which the server stores without interpreting.
package protocol

// HeaderDeviceSignature carries the base64 Ed25519 signature computed over
// the canonical JSON request body. It never travels in the body itself.
const HeaderDeviceSignature = "X-Device-Signature"

// HeaderAdminAPIKey guards the operator-only license generation endpoint.
const HeaderAdminAPIKey = "X-Admin-Api-Key"

// StatusSuccess and StatusError are the only values of the status field.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// ActivateRequest binds a machine to a license. First contact carries the
// device's self-declared public key; the signature is checked against it.
type ActivateRequest struct {
	Code            string `json:"code" validate:"required,max=64"`
	MachineID       string `json:"machine_id" validate:"required,max=128"`
	DevicePublicKey string `json:"device_public_key" validate:"required"`
	TS              int64  `json:"ts" validate:"required"`
	Nonce           string `json:"nonce" validate:"required,max=128"`
}

// HeartbeatRequest keeps a registered device live and re-checks license
// status on every call.
type HeartbeatRequest struct {
	Code      string `json:"code" validate:"required,max=64"`
	MachineID string `json:"machine_id" validate:"required,max=128"`
	TS        int64  `json:"ts" validate:"required"`
	Nonce     string `json:"nonce" validate:"required,max=128"`
}

// ConfigFetchRequest requests the merged configuration view.
type ConfigFetchRequest struct {
	Code      string `json:"code" validate:"required,max=64"`
	MachineID string `json:"machine_id" validate:"required,max=128"`
	TS        int64  `json:"ts" validate:"required"`
	Nonce     string `json:"nonce" validate:"required,max=128"`
}

// ConfigSaveRequest uploads the per-license configuration overlay. The config
// token must be the one issued by the most recent fetch or save.
type ConfigSaveRequest struct {
	Code        string         `json:"code" validate:"required,max=64"`
	MachineID   string         `json:"machine_id" validate:"required,max=128"`
	TS          int64          `json:"ts" validate:"required"`
	Nonce       string         `json:"nonce" validate:"required,max=128"`
	ConfigToken string         `json:"config_token" validate:"required"`
	Config      map[string]any `json:"config" validate:"required"`
}

// LicenseCertificate is the server-signed statement binding a license code,
// machine identifier and expiry. The client trusts it because it verifies
// against the pinned server public key.
type LicenseCertificate struct {
	Code       string `json:"code"`
	MachineID  string `json:"machine_id"`
	ExpireDate string `json:"expire_date"`
	MaxDevices int    `json:"max_devices"`
	IssuedAt   int64  `json:"issued_at"`
}

// ActivateResponse is the success payload of /api/activate.
type ActivateResponse struct {
	Status           string             `json:"status"`
	Message          string             `json:"message,omitempty"`
	License          LicenseCertificate `json:"license"`
	LicenseSignature string             `json:"license_signature"`
	PublicKey        string             `json:"public_key"`
}

// StatusResponse is the minimal success/error envelope.
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ConfigPayload is the canonical payload the server signs when returning
// configuration, so the client can verify it as one unit.
type ConfigPayload struct {
	Code         string         `json:"code"`
	MachineID    string         `json:"machine_id"`
	TS           int64          `json:"ts"`
	CommonConfig map[string]any `json:"common_config"`
	UserConfig   map[string]any `json:"user_config"`
}

// ConfigFetchResponse is the success payload of /api/config/fetch.
type ConfigFetchResponse struct {
	Status            string         `json:"status"`
	CommonConfig      map[string]any `json:"common_config"`
	UserConfig        map[string]any `json:"user_config"`
	ConfigSignature   string         `json:"config_signature"`
	ConfigTS          int64          `json:"config_ts"`
	ConfigToken       string         `json:"config_token"`
	ConfigTokenExpire int64          `json:"config_token_expire"`
}

// ConfigSaveResponse is the success payload of /api/config/save; the returned
// token replaces the one just consumed.
type ConfigSaveResponse struct {
	Status            string `json:"status"`
	ConfigToken       string `json:"config_token"`
	ConfigTokenExpire int64  `json:"config_token_expire"`
}

// PublicKeyResponse is the payload of GET /api/public-key.
type PublicKeyResponse struct {
	PublicKey string `json:"public_key"`
}

// AdminGenerateRequest creates a license record via the operator API.
type AdminGenerateRequest struct {
	Code       string `json:"code,omitempty" validate:"omitempty,max=64"`
	Days       int    `json:"days,omitempty" validate:"omitempty,min=1"`
	MaxDevices int    `json:"max_devices,omitempty" validate:"omitempty,min=1"`
	Permanent  bool   `json:"permanent,omitempty"`
	Remark     string `json:"remark,omitempty" validate:"omitempty,max=255"`
}

// AdminGenerateResponse echoes the created license.
type AdminGenerateResponse struct {
	Status     string `json:"status"`
	Code       string `json:"code"`
	ExpireDate string `json:"expire_date"`
	MaxDevices int    `json:"max_devices"`
}
