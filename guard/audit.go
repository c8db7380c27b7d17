package guard

import (
	"context"

	"github.com/dpup/fieldguard/audit"
	"github.com/dpup/fieldguard/auth"
)

// Audit records every resolution of the field, whether it succeeded or not,
// and returns the result unchanged. It never authorizes and a failing audit
// sink never surfaces as a field error.
//
// The record is written after the inner guards and the field have run, so it
// is also written for operations that were cancelled part way through. The
// record's metadata carries the outcome ("ok" or "error") and the error kind.
func Audit(logger *audit.Logger, action string) FieldGuard {
	if action == "" {
		action = audit.ActionAccess
	}
	return &auditGuard{logger: logger, action: action}
}

type auditGuard struct {
	logger *audit.Logger
	action string
}

func (g *auditGuard) Name() string { return "audit" }

func (g *auditGuard) Guard(ctx context.Context, p Params, next Resolver) (any, error) {
	v, err := next(ctx, p)
	if !g.logger.Enabled() {
		return v, err
	}

	rec := audit.FromContext(ctx)
	rec.Action = g.action
	rec.Field = p.Field.String()
	rec.Metadata = map[string]any{"field": rec.Field, "outcome": "ok"}
	if err != nil {
		rec.Metadata["outcome"] = "error"
		if kind := auth.Kind(err); kind != "" {
			rec.Metadata["error_kind"] = kind
		}
	}
	if err == nil && IsRecord(v) && !isSequence(v) {
		if id, ok := IDOf(v); ok {
			rec.AuditableID = id
		}
	}
	g.logger.Log(ctx, rec)
	return v, err
}
