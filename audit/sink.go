package audit

import (
	"context"

	"github.com/dpup/fieldguard/errors"
	"github.com/dpup/fieldguard/eventbus"
	"github.com/dpup/fieldguard/logging"
	"github.com/dpup/fieldguard/storage"
)

// TopicRecord is published by EventSink for every record.
const TopicRecord = "audit.record"

// Sink persists or forwards audit records.
type Sink interface {
	Write(ctx context.Context, rec *Record) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, rec *Record) error

func (f SinkFunc) Write(ctx context.Context, rec *Record) error {
	return f(ctx, rec)
}

// StoreSink appends records to a store.
type StoreSink struct {
	Store storage.Store
}

func (s StoreSink) Write(ctx context.Context, rec *Record) error {
	return s.Store.Create(ctx, rec)
}

// LogSink writes records to the context logger under the "audit" name.
type LogSink struct{}

func (LogSink) Write(ctx context.Context, rec *Record) error {
	logging.FromContext(ctx).Named("audit").Infow("audit event",
		"audit.id", rec.ID,
		"audit.user_id", rec.Actor(),
		"audit.action", rec.Action,
		"audit.field", rec.Field,
		"audit.auditable_type", rec.AuditableType,
		"audit.auditable_id", rec.AuditableID,
		"audit.ip_address", rec.IPAddress,
		"audit.user_agent", rec.UserAgent,
		"audit.data", rec.Data,
		"audit.metadata", rec.Metadata,
		"audit.timestamp", rec.CreatedAt,
	)
	return nil
}

// EventSink publishes records on the event bus.
type EventSink struct {
	Bus eventbus.Publisher
}

func (s EventSink) Write(ctx context.Context, rec *Record) error {
	s.Bus.Publish(ctx, TopicRecord, *rec)
	return nil
}

// MultiSink writes to every sink, even when an earlier one fails, and
// returns the joined errors.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, rec *Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
