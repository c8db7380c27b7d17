// Package audit records who did what to which record. Writing an audit record
// is best effort: Logger.Log never returns an error and never panics, so a
// failing sink can not change the outcome of the operation being audited.
package audit

import (
	"time"
)

// Actions emitted by the audit guard and the model helpers.
const (
	ActionUnknown = "unknown"
	ActionAccess  = "access"

	EventCreated = "created"
	EventUpdated = "updated"
	EventDeleted = "deleted"
)

// Record is an immutable, append-only audit entry.
type Record struct {
	ID string

	// UserID is nil for unauthenticated actions.
	UserID *string
	Action string

	// Field is the "Parent.field" identifier when the record was emitted by a
	// guarded field.
	Field string

	AuditableType string
	AuditableID   string

	IPAddress string
	UserAgent string

	Data     map[string]any
	Metadata map[string]any

	CreatedAt time.Time
}

func (r *Record) PK() string { return r.ID }

// Name stores records in the audit_logs table.
func (r *Record) Name() string { return "audit_logs" }

// Actor returns the acting principal id, or "" for anonymous actions.
func (r *Record) Actor() string {
	if r.UserID == nil {
		return ""
	}
	return *r.UserID
}

// UserID returns a pointer suitable for Record.UserID. An empty id yields nil.
func UserID(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}
