package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/goudaren0528/orderinfo-server/internal/models"
	"github.com/goudaren0528/orderinfo-server/internal/protocol"
	"github.com/goudaren0528/orderinfo-server/internal/store"
)

// handlePublicKey exposes the server's signing public key. Clients bootstrap
// trust out of band; this endpoint exists for tooling and diagnostics.
func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	renderJSON(w, r, protocol.PublicKeyResponse{PublicKey: s.publicKeyPEM})
}

// handleAdminGenerate mints a license record. Guarded by the operator API key;
// refuses all requests when no key is configured.
func (s *Server) handleAdminGenerate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := clientIP(r)

	var outcome *protocol.Error
	defer func() { s.metrics.observe("admin_generate", errOrNil(outcome)) }()

	if !s.limiter.Allow(ip, "admin_generate", s.protocol.AdminRateLimit) {
		outcome = protocol.NewError(protocol.KindValidation, "rate limited")
		renderTooManyRequests(w, r)
		return
	}

	key := r.Header.Get(protocol.HeaderAdminAPIKey)
	if s.adminAPIKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.adminAPIKey)) != 1 {
		outcome = protocol.NewError(protocol.KindAuthentication, "unauthorized")
		renderError(w, r, http.StatusUnauthorized, outcome.Message)
		return
	}

	body, perr := s.readBody(r)
	if perr != nil {
		outcome = perr
		renderProtocolError(w, r, perr)
		return
	}
	var req protocol.AdminGenerateRequest
	if perr := s.decodeRequest(body, &req); perr != nil {
		outcome = perr
		renderProtocolError(w, r, perr)
		return
	}

	code := req.Code
	if code == "" {
		code = uuid.New().String()
	}
	days := req.Days
	if days <= 0 {
		days = 365
	}
	maxDevices := req.MaxDevices
	if maxDevices <= 0 {
		maxDevices = 1
	}
	expireDate := s.now().AddDate(0, 0, days)
	if req.Permanent {
		expireDate = models.PermanentExpireDate
	}

	lic := &models.License{
		Code:       code,
		MaxDevices: maxDevices,
		ExpireDate: expireDate,
		Remark:     req.Remark,
		CreatedAt:  s.now(),
	}
	if err := s.store.CreateLicense(lic); err != nil {
		if store.IsDuplicate(err) {
			outcome = protocol.NewError(protocol.KindValidation, "license code already exists")
			renderProtocolError(w, r, outcome)
			return
		}
		outcome = protocol.WrapError(protocol.KindInternal, "license creation failed", err)
		s.log.ErrorContext(ctx, "license creation failed", slog.String("error", err.Error()))
		renderProtocolError(w, r, outcome)
		return
	}

	s.log.InfoContext(ctx, "license generated",
		slog.String("license_code", code),
		slog.Int("max_devices", maxDevices),
		slog.Time("expire_date", expireDate),
	)
	renderJSON(w, r, protocol.AdminGenerateResponse{
		Status:     protocol.StatusSuccess,
		Code:       code,
		ExpireDate: expireDate.Format("2006-01-02"),
		MaxDevices: maxDevices,
	})
}
