package server

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/goudaren0528/orderinfo-server/internal/models"
	"github.com/goudaren0528/orderinfo-server/internal/protocol"
	"github.com/goudaren0528/orderinfo-server/internal/signing"
	"github.com/goudaren0528/orderinfo-server/internal/store"
)

// handleActivate binds a machine to a license. Pipeline: rate limit, schema
// validation, nonce/timestamp freshness, signature against the submitted
// public key (first contact has no key on file), license status, stale-device
// garbage collection, then register-or-update under the quota.
func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := clientIP(r)

	var outcome *protocol.Error
	defer func() { s.metrics.observe("activate", errOrNil(outcome)) }()

	if !s.limiter.Allow(ip, "activate", s.protocol.ActivateRateLimit) {
		outcome = protocol.NewError(protocol.KindValidation, "rate limited")
		renderTooManyRequests(w, r)
		return
	}

	body, perr := s.readBody(r)
	if perr != nil {
		outcome = perr
		renderProtocolError(w, r, perr)
		return
	}
	var req protocol.ActivateRequest
	if perr := s.decodeRequest(body, &req); perr != nil {
		outcome = perr
		renderProtocolError(w, r, perr)
		return
	}
	if perr := s.checkFreshness(req.TS, req.Nonce); perr != nil {
		outcome = perr
		renderProtocolError(w, r, perr)
		return
	}
	if perr := s.verifyDeviceSignature(r, body, req.DevicePublicKey); perr != nil {
		outcome = perr
		renderProtocolError(w, r, perr)
		return
	}

	lic, err := s.store.GetLicense(req.Code)
	if err != nil {
		outcome = protocol.WrapError(protocol.KindInternal, "license lookup failed", err)
		s.log.ErrorContext(ctx, "license lookup failed", slog.String("error", err.Error()))
		renderProtocolError(w, r, outcome)
		return
	}
	if lic == nil {
		outcome = protocol.NewError(protocol.KindAuthorization, "license code invalid")
		renderError(w, r, http.StatusNotFound, outcome.Message)
		return
	}
	if perr := s.checkLicense(lic); perr != nil {
		outcome = perr
		renderProtocolError(w, r, perr)
		return
	}

	// Free quota slots held by machines that silently disappeared.
	threshold := s.now().Add(-s.protocol.LivenessWindow)
	if removed, err := s.store.DeleteStaleDevices(req.Code, threshold); err != nil {
		s.log.WarnContext(ctx, "stale device cleanup failed",
			slog.String("license_code", req.Code),
			slog.String("error", err.Error()),
		)
	} else if removed > 0 {
		s.log.InfoContext(ctx, "stale devices removed",
			slog.String("license_code", req.Code),
			slog.Int64("removed", removed),
		)
	}

	device, perr := s.registerDevice(&req, lic, ip)
	if perr != nil {
		outcome = perr
		renderProtocolError(w, r, perr)
		return
	}

	cert := protocol.LicenseCertificate{
		Code:       lic.Code,
		MachineID:  device.MachineID,
		ExpireDate: lic.ExpireDate.Format("2006-01-02"),
		MaxDevices: lic.MaxDevices,
		IssuedAt:   s.now().Unix(),
	}
	signature, err := signing.SignPayload(s.signKey, cert)
	if err != nil {
		outcome = protocol.WrapError(protocol.KindInternal, "certificate signing failed", err)
		s.log.ErrorContext(ctx, "certificate signing failed", slog.String("error", err.Error()))
		renderProtocolError(w, r, outcome)
		return
	}

	s.log.InfoContext(ctx, "device activated",
		slog.String("license_code", lic.Code),
		slog.String("machine_id", device.MachineID),
		slog.String("ip_address", ip),
	)
	renderJSON(w, r, protocol.ActivateResponse{
		Status:           protocol.StatusSuccess,
		Message:          "activation successful",
		License:          cert,
		LicenseSignature: signature,
		PublicKey:        s.publicKeyPEM,
	})
}

// registerDevice updates the existing row for (code, machine_id) or inserts
// a new one under the quota. A unique-constraint violation on insert means a
// concurrent activation won the race; the loser retries as an update instead
// of failing the caller.
func (s *Server) registerDevice(req *protocol.ActivateRequest, lic *models.License, ip string) (*models.Device, *protocol.Error) {
	device, err := s.store.FindDevice(req.Code, req.MachineID)
	if err != nil {
		return nil, protocol.WrapError(protocol.KindInternal, "device lookup failed", err)
	}
	if device != nil {
		return s.refreshDevice(device, req.DevicePublicKey, ip)
	}

	liveCount, err := s.store.CountDevices(req.Code)
	if err != nil {
		return nil, protocol.WrapError(protocol.KindInternal, "device count failed", err)
	}
	if liveCount >= int64(lic.MaxDevices) {
		return nil, protocol.NewError(protocol.KindAuthorization,
			fmt.Sprintf("device quota exceeded (%d/%d)", liveCount, lic.MaxDevices))
	}

	fresh := &models.Device{
		MachineID:     req.MachineID,
		LicenseCode:   req.Code,
		LastHeartbeat: s.now(),
		IPAddress:     ip,
		PublicKey:     req.DevicePublicKey,
	}
	err = s.store.CreateDevice(fresh)
	if err == nil {
		return fresh, nil
	}
	if !store.IsDuplicate(err) {
		return nil, protocol.WrapError(protocol.KindInternal, "device insert failed", err)
	}

	existing, err := s.store.FindDevice(req.Code, req.MachineID)
	if err != nil || existing == nil {
		return nil, protocol.WrapError(protocol.KindInternal, "activation failed", err)
	}
	return s.refreshDevice(existing, req.DevicePublicKey, ip)
}

// refreshDevice re-activates an existing row: the stored public key is set
// when empty and replaced only when key reset is permitted by policy.
func (s *Server) refreshDevice(device *models.Device, publicKey, ip string) (*models.Device, *protocol.Error) {
	if device.PublicKey != "" && device.PublicKey != publicKey {
		if !s.protocol.AllowDeviceKeyReset {
			return nil, protocol.NewError(protocol.KindAuthorization, "device key mismatch")
		}
		device.PublicKey = publicKey
	}
	if device.PublicKey == "" {
		device.PublicKey = publicKey
	}
	device.LastHeartbeat = s.now()
	device.IPAddress = ip
	if err := s.store.SaveDevice(device); err != nil {
		return nil, protocol.WrapError(protocol.KindInternal, "device update failed", err)
	}
	return device, nil
}

func errOrNil(perr *protocol.Error) error {
	if perr == nil {
		return nil
	}
	return perr
}
