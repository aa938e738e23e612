// Package telemetry centralizes the two cross-cutting observability
// concerns every write path shares (§7: "Every write path records an audit
// entry identifying principal and outcome"): structured logging sub-loggers
// and append-only audit persistence. Grounded on scheduler.go's original
// inline writeAudit/isContextCanceled helpers, pulled out here so C4-C10 and
// the operator CLI don't each reimplement the same INSERT.
package telemetry

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/bmetallica/systemmap/internal/model"
)

// NewLogger returns a component-scoped sub-logger, matching the
// `log.With().Str("component", ...).Logger()` convention used across
// rules/scheduler/jobqueue.
func NewLogger(base zerolog.Logger, component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}

// Auditor persists AuditEntry rows.
type Auditor struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// NewAuditor constructs an Auditor.
func NewAuditor(pool *pgxpool.Pool, log zerolog.Logger) *Auditor {
	return &Auditor{pool: pool, log: NewLogger(log, "telemetry")}
}

// Record writes one audit entry. Failures are logged, not returned: an
// audit-write failure must never abort the write path it is describing
// (§7's propagation policy treats audit as best-effort observability, not
// a transactional participant).
func (a *Auditor) Record(ctx context.Context, principal, action, outcome string, hostID *int64, detail string) {
	_, err := a.pool.Exec(ctx, `
		INSERT INTO audit_entries (principal, action, outcome, host_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, now())`, principal, action, outcome, hostID, detail)
	if err != nil && !IsContextCanceled(err) {
		a.log.Error().Err(err).Str("action", action).Str("principal", principal).Msg("failed to write audit entry")
	}
}

// OutcomeOK and OutcomeError build the "ok" | "error:<code>" outcome
// strings the AuditEntry.Outcome field documents.
const OutcomeOK = "ok"

// OutcomeError formats a classified error's code into the documented
// "error:<code>" outcome shape.
func OutcomeError(err error) string {
	var classified *model.Error
	if errors.As(err, &classified) {
		return "error:" + classified.Code
	}
	return "error:" + model.CodeUnknown
}

// IsContextCanceled reports whether err reflects caller cancellation
// rather than a real audit-write failure worth logging.
func IsContextCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, pgx.ErrTxClosed)
}
