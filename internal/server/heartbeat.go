package server

import (
	"log/slog"
	"net/http"

	"github.com/goudaren0528/orderinfo-server/internal/protocol"
)

// handleHeartbeat renews a device's liveness claim. Authorization is decided
// fresh on every beat so revocation and expiry take effect within one
// heartbeat interval.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := clientIP(r)

	var outcome *protocol.Error
	defer func() { s.metrics.observe("heartbeat", errOrNil(outcome)) }()

	if !s.limiter.Allow(ip, "heartbeat", s.protocol.HeartbeatRateLimit) {
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
	var req protocol.HeartbeatRequest
	if perr := s.decodeRequest(body, &req); perr != nil {
		outcome = perr
		renderProtocolError(w, r, perr)
		return
	}

	device, _, perr := s.authenticateDevice(r, body, req.Code, req.MachineID, req.TS, req.Nonce)
	if perr != nil {
		outcome = perr
		renderProtocolError(w, r, perr)
		return
	}

	device.LastHeartbeat = s.now()
	device.IPAddress = ip
	if err := s.store.SaveDevice(device); err != nil {
		outcome = protocol.WrapError(protocol.KindInternal, "device update failed", err)
		s.log.ErrorContext(ctx, "heartbeat persist failed",
			slog.String("license_code", req.Code),
			slog.String("machine_id", req.MachineID),
			slog.String("error", err.Error()),
		)
		renderProtocolError(w, r, outcome)
		return
	}

	renderJSON(w, r, protocol.StatusResponse{
		Status:  protocol.StatusSuccess,
		Message: "heartbeat accepted",
	})
}
