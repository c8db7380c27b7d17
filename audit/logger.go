package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dpup/fieldguard/auth"
	"github.com/dpup/fieldguard/errors"
	"github.com/dpup/fieldguard/internal/ids"
	"github.com/dpup/fieldguard/logging"
	"github.com/dpup/fieldguard/metrics"
	"github.com/dpup/fieldguard/serverutil"
	"github.com/dpup/fieldguard/storage"
)

// Stubbed in tests.
var timeFunc = time.Now

// Option configures a Logger.
type Option func(*Logger)

// WithMetrics counts writes and failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Logger) {
		l.metrics = m
	}
}

// WithEnabled turns the logger on or off. A disabled logger drops records.
func WithEnabled(enabled bool) Option {
	return func(l *Logger) {
		l.enabled = enabled
	}
}

// Logger writes audit records to a sink.
type Logger struct {
	sink    Sink
	metrics *metrics.Metrics
	enabled bool
}

// NewLogger returns an enabled logger writing to sink.
func NewLogger(sink Sink, opts ...Option) *Logger {
	l := &Logger{sink: sink, enabled: true}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Enabled reports whether records are written. A nil logger is disabled.
func (l *Logger) Enabled() bool {
	return l != nil && l.enabled && l.sink != nil
}

// Log fills in defaults and writes rec. Failures, including panics in the
// sink, are logged and counted but never returned.
//
// The write is detached from ctx cancellation so that an operation which
// completed before its deadline still gets its record.
func (l *Logger) Log(ctx context.Context, rec Record) {
	if !l.Enabled() {
		return
	}
	applyDefaults(&rec)

	err := l.write(context.WithoutCancel(ctx), &rec)
	l.metrics.AuditRecord(err)
	if err != nil {
		logging.Errorw(ctx, "audit: failed to write record",
			"error", err, "audit.id", rec.ID, "audit.action", rec.Action)
	}
}

func (l *Logger) write(ctx context.Context, rec *Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Recovered(r)
		}
	}()
	return l.sink.Write(ctx, rec)
}

// LogAction records an action by the principal on ctx, with the client
// address and user agent of the request on ctx.
func (l *Logger) LogAction(ctx context.Context, action string, data map[string]any) {
	if !l.Enabled() {
		return
	}
	rec := FromContext(ctx)
	rec.Action = action
	rec.Data = data
	l.Log(ctx, rec)
}

// LogModelEvent records a created, updated or deleted event for a stored
// model. For updates, before is the prior state and the record data holds the
// old values and the changed fields; for the other events the single
// non-nil model supplies the data.
func (l *Logger) LogModelEvent(ctx context.Context, event string, before, after storage.Model) {
	if !l.Enabled() {
		return
	}
	subject := after
	if subject == nil {
		subject = before
	}
	if storage.ValidateReceiver(subject) != nil {
		logging.Warnw(ctx, "audit: model event without a model", "audit.action", event)
		return
	}

	rec := FromContext(ctx)
	rec.Action = event
	rec.AuditableType = storage.Name(subject)
	rec.AuditableID = subject.PK()

	switch event {
	case EventUpdated:
		old := attributes(before)
		rec.Data = map[string]any{"old": old, "new": changes(old, attributes(after))}
	default:
		rec.Data = attributes(subject)
	}
	l.Log(ctx, rec)
}

// FromContext returns a record prefilled with the principal and request
// carried by ctx.
func FromContext(ctx context.Context) Record {
	req := serverutil.RequestFromContext(ctx)
	return Record{
		UserID:    UserID(auth.PrincipalFromContext(ctx).GetID()),
		IPAddress: req.IP(),
		UserAgent: req.UserAgent(),
	}
}

func applyDefaults(rec *Record) {
	if rec.Action == "" {
		rec.Action = ActionUnknown
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = timeFunc()
	}
	if rec.ID == "" {
		rec.ID = ids.NewAt(rec.CreatedAt)
	}
	if rec.Data == nil {
		rec.Data = map[string]any{}
	}
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
}

// Hider is implemented by models with attributes that must not be copied
// into audit records, such as secrets.
type Hider interface {
	AuditHidden() []string
}

// attributes flattens a model to its JSON representation, without the
// attributes it hides.
func attributes(m storage.Model) map[string]any {
	if storage.ValidateReceiver(m) != nil {
		return map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return map[string]any{}
	}
	attrs := map[string]any{}
	if err := json.Unmarshal(b, &attrs); err != nil {
		return map[string]any{}
	}
	if h, ok := m.(Hider); ok {
		for _, k := range h.AuditHidden() {
			delete(attrs, k)
		}
	}
	return attrs
}

func changes(old, updated map[string]any) map[string]any {
	diff := map[string]any{}
	for k, v := range updated {
		prev, ok := old[k]
		if !ok || !jsonEqual(prev, v) {
			diff[k] = v
		}
	}
	return diff
}

func jsonEqual(a, b any) bool {
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && string(ab) == string(bb)
}
