package server

import (
	"context"
	"log/slog"

	"github.com/goudaren0528/orderinfo-server/internal/models"
	"github.com/goudaren0528/orderinfo-server/internal/store"
)

// Auditor appends one row per authenticated config-endpoint attempt. The
// protocol never reads the log back; failures to write are logged and
// swallowed so auditing can never fail a request.
type Auditor struct {
	store *store.Store
	log   *slog.Logger
}

// NewAuditor builds an auditor over the store.
func NewAuditor(st *store.Store, log *slog.Logger) *Auditor {
	return &Auditor{store: st, log: log}
}

// Record writes one audit row.
func (a *Auditor) Record(ctx context.Context, ip, endpoint, code, machineID string, ok bool, reason string) {
	rec := &models.ApiAudit{
		IPAddress:   ip,
		Endpoint:    endpoint,
		LicenseCode: code,
		MachineID:   machineID,
		OK:          ok,
		Reason:      reason,
	}
	if err := a.store.AppendAudit(rec); err != nil {
		a.log.WarnContext(ctx, "audit write failed",
			slog.String("endpoint", endpoint),
			slog.String("error", err.Error()),
		)
	}
}
