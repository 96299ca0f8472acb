package server

import (
	"encoding/json"
	"io"
	"net"
	"net/http"

	"github.com/goudaren0528/orderinfo-server/internal/models"
	"github.com/goudaren0528/orderinfo-server/internal/protocol"
	"github.com/goudaren0528/orderinfo-server/internal/signing"
)

// clientIP extracts the client address. chi's RealIP middleware has already
// folded X-Forwarded-For into RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
	return host
}

// readBody consumes the request body up to the configured limit. The raw
// bytes are kept because the device signature is verified over exactly what
// arrived on the wire.
func (s *Server) readBody(r *http.Request) ([]byte, *protocol.Error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.maxBodyBytes))
	if err != nil {
		return nil, protocol.WrapError(protocol.KindValidation, "unreadable request body", err)
	}
	if len(body) == 0 {
		return nil, protocol.NewError(protocol.KindValidation, "empty request body")
	}
	return body, nil
}

// decodeRequest unmarshals body into req and validates it against its schema
// tags, failing closed before any business logic.
func (s *Server) decodeRequest(body []byte, req any) *protocol.Error {
	if err := json.Unmarshal(body, req); err != nil {
		return protocol.WrapError(protocol.KindValidation, "malformed request", err)
	}
	if err := s.validate.Struct(req); err != nil {
		return protocol.WrapError(protocol.KindValidation, "incomplete request", err)
	}
	return nil
}

// checkFreshness enforces the anti-replay contract: the timestamp must be
// within the clock-skew tolerance and the nonce unseen within the retention
// window.
func (s *Server) checkFreshness(ts int64, nonce string) *protocol.Error {
	now := s.now().Unix()
	skew := int64(s.protocol.ClockSkew.Seconds())
	delta := now - ts
	if delta < 0 {
		delta = -delta
	}
	if delta > skew {
		return protocol.NewError(protocol.KindAuthentication, "request expired")
	}
	if !s.nonces.CheckAndMark(nonce) {
		return protocol.NewError(protocol.KindAuthentication, "request replayed")
	}
	return nil
}

// verifyDeviceSignature checks the X-Device-Signature header against the
// exact body bytes using the given PEM public key.
func (s *Server) verifyDeviceSignature(r *http.Request, body []byte, publicKeyPEM string) *protocol.Error {
	sigB64 := r.Header.Get(protocol.HeaderDeviceSignature)
	if sigB64 == "" {
		return protocol.NewError(protocol.KindAuthentication, "missing request signature")
	}
	pub, err := signing.ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return protocol.WrapError(protocol.KindAuthentication, "invalid device public key", err)
	}
	if err := signing.VerifyBytes(pub, body, sigB64); err != nil {
		return protocol.WrapError(protocol.KindAuthentication, "signature verification failed", err)
	}
	return nil
}

// checkLicense re-validates license status. Authorization is re-checked on
// every call, never cached.
func (s *Server) checkLicense(lic *models.License) *protocol.Error {
	if lic == nil {
		return protocol.NewError(protocol.KindAuthorization, "license code invalid")
	}
	if lic.Revoked {
		return protocol.NewError(protocol.KindAuthorization, "license code revoked")
	}
	if lic.Expired(s.now()) {
		return protocol.NewError(protocol.KindAuthorization, "license code expired")
	}
	return nil
}

// authenticateDevice runs the full validation pipeline shared by heartbeat
// and both config operations: device on file with a registered key, fresh
// timestamp and nonce, signature against the stored key, license still
// authorizing.
func (s *Server) authenticateDevice(r *http.Request, body []byte, code, machineID string, ts int64, nonce string) (*models.Device, *models.License, *protocol.Error) {
	device, err := s.store.FindDevice(code, machineID)
	if err != nil {
		return nil, nil, protocol.WrapError(protocol.KindInternal, "device lookup failed", err)
	}
	if device == nil {
		return nil, nil, protocol.NewError(protocol.KindAuthentication, "device not activated or offline")
	}
	if device.PublicKey == "" {
		return nil, nil, protocol.NewError(protocol.KindAuthentication, "device key not registered")
	}
	if perr := s.checkFreshness(ts, nonce); perr != nil {
		return nil, nil, perr
	}
	if perr := s.verifyDeviceSignature(r, body, device.PublicKey); perr != nil {
		return nil, nil, perr
	}

	lic, err := s.store.GetLicense(code)
	if err != nil {
		return nil, nil, protocol.WrapError(protocol.KindInternal, "license lookup failed", err)
	}
	if perr := s.checkLicense(lic); perr != nil {
		return nil, nil, perr
	}
	return device, lic, nil
}
