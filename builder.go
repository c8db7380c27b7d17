package fieldguard

import (
	"context"
	"time"

	"github.com/dpup/fieldguard/audit"
	"github.com/dpup/fieldguard/auth/pwdauth"
	"github.com/dpup/fieldguard/device"
	"github.com/dpup/fieldguard/errors"
	"github.com/dpup/fieldguard/eventbus"
	"github.com/dpup/fieldguard/guard"
	"github.com/dpup/fieldguard/logging"
	"github.com/dpup/fieldguard/metrics"
	"github.com/dpup/fieldguard/ratelimit"
	"github.com/dpup/fieldguard/rbac"
	"github.com/dpup/fieldguard/session"
	"github.com/dpup/fieldguard/storage"
	"github.com/dpup/fieldguard/storage/memstore"
	"github.com/dpup/fieldguard/storage/postgres"
	"github.com/dpup/fieldguard/storage/sqlite"
	"github.com/dpup/fieldguard/tenant"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc/codes"
)

// Option customizes how a System is built.
type Option func(*builder)

type builder struct {
	logger     logging.Logger
	store      storage.Store
	registerer prometheus.Registerer
	limiter    ratelimit.Limiter
	hasher     pwdauth.Hasher
	extraSinks []audit.Sink
	extensions *Registry

	loggingMode     string
	storageDriver   string
	storageDSN      string
	storagePrefix   string
	metricsEnabled  bool
	auditEnabled    bool
	tenancy         tenant.Config
	devicesEnabled  bool
	maxDevices      int
	tokenTTL        time.Duration
	refreshTTL      time.Duration
	defaultDevice   string
	loginRateLimit  int
	loginRateBurst  int
	redisAddr       string
	seedPermissions bool
}

func newBuilder() *builder {
	return &builder{
		loggingMode:    Config.String("logging.mode"),
		storageDriver:  Config.String("storage.driver"),
		storageDSN:     Config.String("storage.dsn"),
		storagePrefix:  Config.String("storage.prefix"),
		metricsEnabled: Config.Bool("metrics.enabled"),
		auditEnabled:   Config.Bool("audit.enabled"),
		tenancy: tenant.Config{
			Enabled:    Config.Bool("tenancy.enabled"),
			Resolver:   Config.String("tenancy.resolver"),
			HeaderName: Config.String("tenancy.headerName"),
		},
		devicesEnabled:  Config.Bool("devices.enabled"),
		maxDevices:      Config.Int("devices.maxPerUser"),
		tokenTTL:        Config.Duration("auth.tokenExpiration"),
		refreshTTL:      Config.Duration("auth.refreshTokenExpiration"),
		defaultDevice:   Config.String("auth.defaultDeviceName"),
		loginRateLimit:  Config.Int("auth.loginRateLimit"),
		loginRateBurst:  Config.Int("auth.loginRateBurst"),
		redisAddr:       Config.String("redis.addr"),
		seedPermissions: Config.Bool("rbac.seed"),
		extensions:      &Registry{},
	}
}

func (b *builder) build(ctx context.Context) (*System, error) {
	if b.logger == nil {
		b.logger = logging.NewLogger(b.loggingMode)
	}
	ctx = logging.With(ctx, b.logger)

	store, err := b.buildStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := storage.InitModels(ctx, store, Models()...); err != nil {
		return nil, errors.WrapPrefix(err, "fieldguard: initializing models", 0)
	}

	var m *metrics.Metrics
	if b.metricsEnabled {
		m = metrics.New(b.registerer)
	}

	bus := eventbus.New(ctx, eventbus.WithMetrics(m))
	sinks := append(audit.MultiSink{audit.StoreSink{Store: store}, audit.LogSink{}, audit.EventSink{Bus: bus}}, b.extraSinks...)

	s := &System{
		ctx:        ctx,
		store:      store,
		metrics:    m,
		bus:        bus,
		audit:      audit.NewLogger(sinks, audit.WithMetrics(m), audit.WithEnabled(b.auditEnabled)),
		tenants:    tenant.ResolverFromConfig(b.tenancy),
		rbac:       rbac.New(store),
		accounts:   pwdauth.NewAccountStore(store, b.hasher),
		schema:     guard.NewSchema(m),
		extensions: b.extensions,
	}

	sessionOpts := []session.Option{
		session.WithLimiter(b.buildLimiter()),
		session.WithEvents(bus),
		session.WithMetrics(m),
		session.WithTokenExpiration(b.tokenTTL),
		session.WithRefreshExpiration(b.refreshTTL),
		session.WithDefaultDeviceName(b.defaultDevice),
	}
	if b.devicesEnabled {
		s.devices = device.NewRegistry(store, device.WithMaxPerPrincipal(b.maxDevices), device.WithMetrics(m))
		sessionOpts = append(sessionOpts, session.WithDevices(s.devices))
	}
	s.sessions = session.NewService(store, pwdauth.NewVerifier(s.accounts, b.hasher), s, sessionOpts...)

	if b.seedPermissions {
		if err := s.rbac.Seed(ctx); err != nil {
			return nil, errors.WrapPrefix(err, "fieldguard: seeding roles", 0)
		}
	}

	s.registerFields()

	if err := s.extensions.Init(ctx, s); err != nil {
		return nil, err
	}

	logging.Infow(ctx, "fieldguard: system ready",
		"storage.driver", b.storageDriver,
		"tenancy.enabled", s.tenants.Enabled(),
		"audit.enabled", s.audit.Enabled(),
		"fields", len(s.schema.Fields()),
	)
	return s, nil
}

func (b *builder) buildStore(ctx context.Context) (storage.Store, error) {
	if b.store != nil {
		return b.store, nil
	}
	switch b.storageDriver {
	case "", "memory":
		return memstore.New(), nil
	case "sqlite":
		return sqlite.New(b.storageDSN, sqlite.WithPrefix(b.storagePrefix))
	case "postgres":
		return postgres.New(ctx, b.storageDSN, postgres.WithPrefix(b.storagePrefix))
	default:
		return nil, errors.Codef(codes.InvalidArgument, "fieldguard: unknown storage driver %q", b.storageDriver)
	}
}

func (b *builder) buildLimiter() ratelimit.Limiter {
	if b.limiter != nil {
		return b.limiter
	}
	if b.loginRateLimit <= 0 {
		return ratelimit.Unlimited{}
	}
	if b.redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: b.redisAddr})
		return ratelimit.NewRedis(client, b.loginRateLimit, time.Minute)
	}
	return ratelimit.NewMemory(b.loginRateLimit, b.loginRateBurst)
}

// WithLogger sets the logger used by the system and handed to every operation
// through the base context.
func WithLogger(l logging.Logger) Option {
	return func(b *builder) {
		b.logger = l
	}
}

// WithStore uses an existing store instead of the configured driver.
func WithStore(s storage.Store) Option {
	return func(b *builder) {
		b.store = s
	}
}

// WithRegisterer registers metrics with r instead of the default prometheus
// registerer.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(b *builder) {
		b.registerer = r
		b.metricsEnabled = true
	}
}

// WithoutMetrics disables metrics.
func WithoutMetrics() Option {
	return func(b *builder) {
		b.metricsEnabled = false
	}
}

// WithLoginLimiter overrides the configured login limiter.
func WithLoginLimiter(l ratelimit.Limiter) Option {
	return func(b *builder) {
		b.limiter = l
	}
}

// WithHasher sets the password hasher. Tests use pwdauth.TestHasher.
func WithHasher(h pwdauth.Hasher) Option {
	return func(b *builder) {
		b.hasher = h
	}
}

// WithAuditSink adds a sink that receives every audit record.
func WithAuditSink(s audit.Sink) Option {
	return func(b *builder) {
		b.extraSinks = append(b.extraSinks, s)
	}
}

// WithTenancy overrides the configured tenancy settings.
func WithTenancy(c tenant.Config) Option {
	return func(b *builder) {
		b.tenancy = c
	}
}

// WithMaxDevices overrides the configured per-principal device cap. Zero
// disables the cap.
func WithMaxDevices(n int) Option {
	return func(b *builder) {
		b.maxDevices = n
	}
}

// WithAudit enables or disables audit records.
func WithAudit(enabled bool) Option {
	return func(b *builder) {
		b.auditEnabled = enabled
	}
}

// WithSeed controls whether the default roles and permissions are seeded.
func WithSeed(seed bool) Option {
	return func(b *builder) {
		b.seedPermissions = seed
	}
}

// WithExtension registers an extension, initialized once the built-in
// components exist.
func WithExtension(e Extension) Option {
	return func(b *builder) {
		b.extensions.Register(e)
	}
}
