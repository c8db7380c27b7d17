// Package fieldguard wires field-level authorization, tenant isolation,
// auditing and token sessions into a single System.
//
// A System is built from configuration. Its Schema exposes the account,
// session, device and role administration operations as guarded fields, and
// applications register their own fields on the same schema, usually from an
// Extension:
//
//	sys, err := fieldguard.New(ctx,
//	  fieldguard.WithExtension(posts.NewExtension()),
//	)
//	ctx, err = sys.Authenticate(ctx, bearerToken)
//	v, err := sys.Schema().Resolve(ctx, "Query", "posts", nil, args)
package fieldguard

import (
	"context"

	"github.com/dpup/fieldguard/audit"
	"github.com/dpup/fieldguard/auth"
	"github.com/dpup/fieldguard/auth/pwdauth"
	"github.com/dpup/fieldguard/device"
	"github.com/dpup/fieldguard/errors"
	"github.com/dpup/fieldguard/eventbus"
	"github.com/dpup/fieldguard/guard"
	"github.com/dpup/fieldguard/logging"
	"github.com/dpup/fieldguard/metrics"
	"github.com/dpup/fieldguard/rbac"
	"github.com/dpup/fieldguard/session"
	"github.com/dpup/fieldguard/storage"
	"github.com/dpup/fieldguard/tenant"
)

// System holds the wired components.
type System struct {
	ctx context.Context

	store      storage.Store
	metrics    *metrics.Metrics
	bus        *eventbus.Bus
	audit      *audit.Logger
	tenants    *tenant.Resolver
	rbac       *rbac.Store
	accounts   *pwdauth.AccountStore
	devices    *device.Registry
	sessions   *session.Service
	schema     *guard.Schema
	extensions *Registry
}

// New builds a System from Config and opts, seeds the default roles and
// permissions, registers the built-in fields and initializes extensions.
func New(ctx context.Context, opts ...Option) (*System, error) {
	b := newBuilder()
	for _, opt := range opts {
		opt(b)
	}
	return b.build(ctx)
}

// Store returns the storage backend.
func (s *System) Store() storage.Store { return s.store }

// Metrics returns the collectors, nil when metrics are disabled.
func (s *System) Metrics() *metrics.Metrics { return s.metrics }

// Bus returns the event bus. Session events and audit records are published
// on it.
func (s *System) Bus() *eventbus.Bus { return s.bus }

// AuditLogger returns the audit logger.
func (s *System) AuditLogger() *audit.Logger { return s.audit }

// TenantResolver returns the tenant resolver.
func (s *System) TenantResolver() *tenant.Resolver { return s.tenants }

// RBAC returns the role and permission store.
func (s *System) RBAC() *rbac.Store { return s.rbac }

// Accounts returns the account store.
func (s *System) Accounts() *pwdauth.AccountStore { return s.accounts }

// Devices returns the device registry.
func (s *System) Devices() *device.Registry { return s.devices }

// Sessions returns the session service.
func (s *System) Sessions() *session.Service { return s.sessions }

// Schema returns the guarded field registry.
func (s *System) Schema() *guard.Schema { return s.schema }

// Extensions returns the extension registry.
func (s *System) Extensions() *Registry { return s.extensions }

// Context returns the base context the system was built with, carrying its
// logger.
func (s *System) Context() context.Context { return s.ctx }

// CreateAccount creates an account and gives it the named roles.
func (s *System) CreateAccount(ctx context.Context, email, name, tenantID, password string, roles ...string) (*pwdauth.Account, error) {
	a, err := s.accounts.CreateAccount(ctx, email, name, tenantID, password)
	if err != nil {
		return nil, err
	}
	for _, r := range roles {
		if _, err := s.rbac.AssignRoleByName(ctx, a.ID, r); err != nil {
			return nil, err
		}
	}
	s.audit.LogModelEvent(ctx, audit.EventCreated, nil, a)
	return a, nil
}

// LoadPrincipal builds the principal for an account, with its roles and
// resolved permissions.
func (s *System) LoadPrincipal(ctx context.Context, id string) (*auth.Principal, error) {
	a, err := s.accounts.FindAccountByID(ctx, id)
	if err != nil {
		return nil, err
	}
	roles, perms, err := s.rbac.Resolve(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	return &auth.Principal{
		ID:          a.ID,
		Roles:       roles,
		Permissions: perms,
		TenantID:    a.TenantID,
	}, nil
}

type tokenKey struct{}

// Authenticate resolves a bearer token and returns a context carrying the
// principal. An empty token leaves the context anonymous.
func (s *System) Authenticate(ctx context.Context, token string) (context.Context, error) {
	if token == "" {
		return ctx, nil
	}
	p, tok, err := s.sessions.Authenticate(ctx, token)
	if err != nil {
		return ctx, err
	}
	logging.Track(ctx, "principal.id", p.ID)
	ctx = auth.WithPrincipal(ctx, p)
	return context.WithValue(ctx, tokenKey{}, tok), nil
}

// CurrentToken returns the token the context was authenticated with.
func CurrentToken(ctx context.Context) *session.Token {
	tok, _ := ctx.Value(tokenKey{}).(*session.Token)
	return tok
}

// Shutdown drains the event bus.
func (s *System) Shutdown(ctx context.Context) error {
	if err := s.bus.Shutdown(ctx); err != nil {
		return errors.WrapPrefix(err, "fieldguard: shutdown", 0)
	}
	return nil
}

// Models returns every model the system persists.
func Models() []storage.Model {
	models := []storage.Model{
		&pwdauth.Account{},
		&session.Token{},
		&device.Device{},
		&audit.Record{},
	}
	return append(models, rbac.Models()...)
}

