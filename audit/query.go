package audit

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/dpup/fieldguard/errors"
	"github.com/dpup/fieldguard/storage"
)

// QueryOption narrows an audit query.
type QueryOption func(*query)

type query struct {
	filter   Record
	from, to time.Time
	limit    int
}

// ForAction matches records with the given action.
func ForAction(action string) QueryOption {
	return func(q *query) { q.filter.Action = action }
}

// ForUser matches records by the acting principal.
func ForUser(userID string) QueryOption {
	return func(q *query) { q.filter.UserID = UserID(userID) }
}

// ForModel matches records about one stored model.
func ForModel(auditableType, auditableID string) QueryOption {
	return func(q *query) {
		q.filter.AuditableType = auditableType
		q.filter.AuditableID = auditableID
	}
}

// InDateRange matches records created in [from, to]. A zero bound is open.
func InDateRange(from, to time.Time) QueryOption {
	return func(q *query) {
		q.from = from
		q.to = to
	}
}

// Limit caps the number of records returned.
func Limit(n int) QueryOption {
	return func(q *query) { q.limit = n }
}

// Query returns matching records, newest first.
func Query(ctx context.Context, store storage.Store, opts ...QueryOption) ([]*Record, error) {
	var q query
	for _, opt := range opts {
		opt(&q)
	}

	var recs []*Record
	if err := store.List(ctx, &recs, &q.filter); err != nil {
		return nil, errors.WrapPrefix(err, "audit: query", 0)
	}

	recs = slices.DeleteFunc(recs, func(r *Record) bool {
		return (!q.from.IsZero() && r.CreatedAt.Before(q.from)) ||
			(!q.to.IsZero() && r.CreatedAt.After(q.to))
	})
	slices.SortStableFunc(recs, func(a, b *Record) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if q.limit > 0 && len(recs) > q.limit {
		recs = recs[:q.limit]
	}
	return recs, nil
}
