package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dpup/fieldguard/auth"
	"github.com/dpup/fieldguard/errors"
	"github.com/dpup/fieldguard/eventbus"
	"github.com/dpup/fieldguard/logging"
	"github.com/dpup/fieldguard/metrics"
	"github.com/dpup/fieldguard/serverutil"
	"github.com/dpup/fieldguard/storage/memstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type captureSink struct {
	mu   sync.Mutex
	recs []*Record
}

func (c *captureSink) Write(ctx context.Context, rec *Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
	return nil
}

func stubTime(t *testing.T, now time.Time) {
	t.Helper()
	timeFunc = func() time.Time { return now }
	t.Cleanup(func() { timeFunc = time.Now })
}

func TestLog_defaults(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	stubTime(t, now)

	sink := &captureSink{}
	NewLogger(sink).Log(t.Context(), Record{})

	require.Len(t, sink.recs, 1)
	rec := sink.recs[0]
	assert.Equal(t, ActionUnknown, rec.Action)
	assert.Equal(t, now, rec.CreatedAt)
	assert.NotEmpty(t, rec.ID)
	assert.Nil(t, rec.UserID)
	assert.NotNil(t, rec.Data)
	assert.NotNil(t, rec.Metadata)
}

func TestLog_keepsProvidedValues(t *testing.T) {
	at := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	sink := &captureSink{}
	NewLogger(sink).Log(t.Context(), Record{
		ID:        "fixed",
		Action:    "view",
		CreatedAt: at,
		Data:      map[string]any{"k": "v"},
	})

	rec := sink.recs[0]
	assert.Equal(t, "fixed", rec.ID)
	assert.Equal(t, "view", rec.Action)
	assert.Equal(t, at, rec.CreatedAt)
	assert.Equal(t, map[string]any{"k": "v"}, rec.Data)
}

func TestLog_sinkFailuresAreSwallowed(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	ctx := logging.With(t.Context(), logging.NewZapLogger(zap.New(core)))
	m := metrics.New(prometheus.NewRegistry())

	failing := SinkFunc(func(context.Context, *Record) error { return errors.New("disk full") })
	panicking := SinkFunc(func(context.Context, *Record) error { panic("sink exploded") })

	for _, sink := range []Sink{failing, panicking} {
		assert.NotPanics(t, func() {
			NewLogger(sink, WithMetrics(m)).Log(ctx, Record{Action: "view"})
		})
	}
	assert.Equal(t, 2, logs.FilterMessage("audit: failed to write record").Len())
}

func TestLog_disabled(t *testing.T) {
	sink := &captureSink{}
	l := NewLogger(sink, WithEnabled(false))
	l.Log(t.Context(), Record{Action: "view"})
	l.LogAction(t.Context(), "view", nil)
	assert.Empty(t, sink.recs)

	var nilLogger *Logger
	assert.False(t, nilLogger.Enabled())
	assert.NotPanics(t, func() { nilLogger.Log(t.Context(), Record{}) })
}

func TestLog_writesAfterCancel(t *testing.T) {
	store := memstore.New()
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	NewLogger(StoreSink{Store: store}).Log(ctx, Record{Action: "view"})

	recs, err := Query(t.Context(), store)
	require.NoError(t, err)
	assert.Len(t, recs, 1, "record is written even though the operation was cancelled")
}

func TestLogAction_usesContext(t *testing.T) {
	sink := &captureSink{}
	ctx := auth.WithPrincipal(t.Context(), &auth.Principal{ID: "u1"})
	ctx = serverutil.WithRequest(ctx, serverutil.StaticRequest{ClientIP: "10.0.0.1", ClientUA: "curl/8"})

	NewLogger(sink).LogAction(ctx, "export", map[string]any{"format": "csv"})

	rec := sink.recs[0]
	assert.Equal(t, "u1", rec.Actor())
	assert.Equal(t, "export", rec.Action)
	assert.Equal(t, "10.0.0.1", rec.IPAddress)
	assert.Equal(t, "curl/8", rec.UserAgent)
	assert.Equal(t, "csv", rec.Data["format"])
}

func TestLogAction_anonymous(t *testing.T) {
	sink := &captureSink{}
	NewLogger(sink).LogAction(t.Context(), "view", nil)
	assert.Nil(t, sink.recs[0].UserID)
	assert.Empty(t, sink.recs[0].Actor())
}

type post struct {
	ID    string
	Title string
	Body  string
}

func (p *post) PK() string { return p.ID }

func TestLogModelEvent(t *testing.T) {
	sink := &captureSink{}
	l := NewLogger(sink)
	ctx := t.Context()

	l.LogModelEvent(ctx, EventCreated, nil, &post{ID: "p1", Title: "Hello", Body: "x"})
	l.LogModelEvent(ctx, EventUpdated, &post{ID: "p1", Title: "Hello", Body: "x"}, &post{ID: "p1", Title: "Hi", Body: "x"})
	l.LogModelEvent(ctx, EventDeleted, &post{ID: "p1", Title: "Hi"}, nil)
	l.LogModelEvent(ctx, EventDeleted, nil, nil)

	require.Len(t, sink.recs, 3)

	created := sink.recs[0]
	assert.Equal(t, EventCreated, created.Action)
	assert.Equal(t, "posts", created.AuditableType)
	assert.Equal(t, "p1", created.AuditableID)
	assert.Equal(t, "Hello", created.Data["Title"])

	updated := sink.recs[1]
	assert.Equal(t, map[string]any{"Title": "Hi"}, updated.Data["new"])
	assert.Equal(t, "Hello", updated.Data["old"].(map[string]any)["Title"])

	assert.Equal(t, EventDeleted, sink.recs[2].Action)
}

type secret struct {
	ID    string
	Token string
}

func (s *secret) PK() string           { return s.ID }
func (s *secret) AuditHidden() []string { return []string{"Token"} }

var _ Hider = (*secret)(nil)

func TestLogModelEvent_hidden(t *testing.T) {
	sink := &captureSink{}
	NewLogger(sink).LogModelEvent(t.Context(), EventCreated, nil, &secret{ID: "s1", Token: "hunter2"})

	require.Len(t, sink.recs, 1)
	assert.Equal(t, map[string]any{"ID": "s1"}, sink.recs[0].Data)
}

func TestMultiSink(t *testing.T) {
	a, b := &captureSink{}, &captureSink{}
	failing := SinkFunc(func(context.Context, *Record) error { return errors.New("nope") })

	err := MultiSink{a, failing, b}.Write(t.Context(), &Record{ID: "r1"})
	require.Error(t, err)
	assert.Len(t, a.recs, 1)
	assert.Len(t, b.recs, 1, "later sinks run after a failure")
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	ctx := logging.With(t.Context(), logging.NewZapLogger(zap.New(core)))

	require.NoError(t, LogSink{}.Write(ctx, &Record{ID: "r1", Action: "view", UserID: UserID("u1")}))

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "audit", entry.LoggerName)
	assert.Equal(t, "u1", entry.ContextMap()["audit.user_id"])
	assert.Equal(t, "view", entry.ContextMap()["audit.action"])
}

func TestEventSink(t *testing.T) {
	bus := eventbus.New(logging.EnsureLogger(t.Context()))
	var got Record
	bus.Subscribe(TopicRecord, func(ctx context.Context, e eventbus.Event) error {
		got = e.Data.(Record)
		return nil
	})

	NewLogger(EventSink{Bus: bus}).Log(t.Context(), Record{Action: "view"})
	require.NoError(t, bus.Wait(t.Context()))
	assert.Equal(t, "view", got.Action)
}

func TestQuery(t *testing.T) {
	store := memstore.New()
	ctx := t.Context()
	l := NewLogger(StoreSink{Store: store})

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.Log(ctx, Record{Action: "login", UserID: UserID("u1"), CreatedAt: base})
	l.Log(ctx, Record{Action: "view", UserID: UserID("u1"), CreatedAt: base.Add(time.Hour), AuditableType: "posts", AuditableID: "p1"})
	l.Log(ctx, Record{Action: "view", UserID: UserID("u2"), CreatedAt: base.Add(2 * time.Hour), AuditableType: "posts", AuditableID: "p2"})
	l.Log(ctx, Record{Action: "view", CreatedAt: base.Add(3 * time.Hour)})

	actions := func(recs []*Record) []string {
		var out []string
		for _, r := range recs {
			out = append(out, r.Action+":"+r.Actor())
		}
		return out
	}

	recs, err := Query(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, []string{"view:", "view:u2", "view:u1", "login:u1"}, actions(recs), "newest first")

	recs, err = Query(ctx, store, ForAction("view"), ForUser("u1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"view:u1"}, actions(recs))

	recs, err = Query(ctx, store, ForModel("posts", "p2"))
	require.NoError(t, err)
	assert.Equal(t, []string{"view:u2"}, actions(recs))

	recs, err = Query(ctx, store, InDateRange(base.Add(time.Hour), base.Add(2*time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, []string{"view:u2", "view:u1"}, actions(recs))

	recs, err = Query(ctx, store, InDateRange(base.Add(2*time.Hour), time.Time{}), Limit(1))
	require.NoError(t, err)
	assert.Equal(t, []string{"view:"}, actions(recs))
}
