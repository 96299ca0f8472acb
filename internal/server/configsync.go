package server

import (
	"log/slog"
	"net/http"

	"github.com/goudaren0528/orderinfo-server/internal/protocol"
	"github.com/goudaren0528/orderinfo-server/internal/signing"
)

// handleConfigFetch returns the merged configuration view: the shared base
// layer plus the per-license overlay, signed as one payload, alongside a fresh
// config token for the next save. Every attempt, pass or fail, lands in the
// audit trail.
func (s *Server) handleConfigFetch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := clientIP(r)

	var outcome *protocol.Error
	defer func() { s.metrics.observe("config_fetch", errOrNil(outcome)) }()

	if !s.limiter.Allow(ip, "config_fetch", s.protocol.ConfigRateLimit) {
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
	var req protocol.ConfigFetchRequest
	if perr := s.decodeRequest(body, &req); perr != nil {
		outcome = perr
		renderProtocolError(w, r, perr)
		return
	}

	_, _, perr = s.authenticateDevice(r, body, req.Code, req.MachineID, req.TS, req.Nonce)
	if perr != nil {
		outcome = perr
		s.auditor.Record(ctx, ip, "config_fetch", req.Code, req.MachineID, false, perr.Message)
		renderProtocolError(w, r, perr)
		return
	}

	payload := protocol.ConfigPayload{
		Code:         req.Code,
		MachineID:    req.MachineID,
		TS:           s.now().Unix(),
		CommonConfig: s.store.LoadCommonConfig(),
		UserConfig:   s.store.LoadLicenseConfig(req.Code),
	}
	signature, err := signing.SignPayload(s.signKey, payload)
	if err != nil {
		outcome = protocol.WrapError(protocol.KindInternal, "config signing failed", err)
		s.log.ErrorContext(ctx, "config signing failed", slog.String("error", err.Error()))
		s.auditor.Record(ctx, ip, "config_fetch", req.Code, req.MachineID, false, "signing failed")
		renderProtocolError(w, r, outcome)
		return
	}

	token, expire := s.tokens.Issue(req.Code, req.MachineID)
	s.metrics.tokenIssued()
	s.auditor.Record(ctx, ip, "config_fetch", req.Code, req.MachineID, true, "")

	renderJSON(w, r, protocol.ConfigFetchResponse{
		Status:            protocol.StatusSuccess,
		CommonConfig:      payload.CommonConfig,
		UserConfig:        payload.UserConfig,
		ConfigSignature:   signature,
		ConfigTS:          payload.TS,
		ConfigToken:       token,
		ConfigTokenExpire: expire,
	})
}

// handleConfigSave accepts the per-license overlay after validating the
// single-use config token, then rotates the token so the previous one can
// never be replayed.
func (s *Server) handleConfigSave(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := clientIP(r)

	var outcome *protocol.Error
	defer func() { s.metrics.observe("config_save", errOrNil(outcome)) }()

	if !s.limiter.Allow(ip, "config_save", s.protocol.SaveRateLimit) {
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
	var req protocol.ConfigSaveRequest
	if perr := s.decodeRequest(body, &req); perr != nil {
		outcome = perr
		renderProtocolError(w, r, perr)
		return
	}

	_, _, perr = s.authenticateDevice(r, body, req.Code, req.MachineID, req.TS, req.Nonce)
	if perr != nil {
		outcome = perr
		s.auditor.Record(ctx, ip, "config_save", req.Code, req.MachineID, false, perr.Message)
		renderProtocolError(w, r, perr)
		return
	}

	if !s.tokens.Verify(req.Code, req.MachineID, req.ConfigToken) {
		outcome = protocol.NewError(protocol.KindAuthentication, "config token invalid or expired")
		s.auditor.Record(ctx, ip, "config_save", req.Code, req.MachineID, false, outcome.Message)
		renderProtocolError(w, r, outcome)
		return
	}

	if err := s.store.SaveLicenseConfig(req.Code, req.Config); err != nil {
		outcome = protocol.WrapError(protocol.KindInternal, "config persist failed", err)
		s.log.ErrorContext(ctx, "config persist failed",
			slog.String("license_code", req.Code),
			slog.String("error", err.Error()),
		)
		s.auditor.Record(ctx, ip, "config_save", req.Code, req.MachineID, false, "persist failed")
		renderProtocolError(w, r, outcome)
		return
	}

	// Rotate: the consumed token is gone whether or not the client sees this
	// response.
	token, expire := s.tokens.Issue(req.Code, req.MachineID)
	s.metrics.tokenIssued()
	s.auditor.Record(ctx, ip, "config_save", req.Code, req.MachineID, true, "")

	s.log.InfoContext(ctx, "license config saved",
		slog.String("license_code", req.Code),
		slog.String("machine_id", req.MachineID),
	)
	renderJSON(w, r, protocol.ConfigSaveResponse{
		Status:            protocol.StatusSuccess,
		ConfigToken:       token,
		ConfigTokenExpire: expire,
	})
}
