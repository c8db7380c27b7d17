// Package tenant resolves the tenant an operation runs under. Exactly one
// strategy is active at a time and resolution is a pure function of the
// request and the authenticated principal; nothing is cached between calls.
package tenant

import (
	"context"
	"net"
	"strings"

	"github.com/dpup/fieldguard/auth"
	"github.com/dpup/fieldguard/serverutil"
)

// Strategies understood by the resolver.
const (
	StrategyDomain = "domain"
	StrategyHeader = "header"
	StrategyToken  = "token"
)

// DefaultHeaderName is read by the header strategy unless overridden.
const DefaultHeaderName = "X-Tenant-ID"

// Config mirrors the tenancy.* configuration keys.
type Config struct {
	Enabled    bool
	Resolver   string
	HeaderName string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithHeaderName sets the header read by the header strategy.
func WithHeaderName(name string) Option {
	return func(r *Resolver) {
		if name != "" {
			r.headerName = name
		}
	}
}

// WithEnabled toggles tenancy enforcement. Resolution still works when
// disabled; guards consult Enabled to decide whether to enforce.
func WithEnabled(enabled bool) Option {
	return func(r *Resolver) {
		r.enabled = enabled
	}
}

// Resolver extracts a tenant id from an inbound request.
type Resolver struct {
	strategy   string
	headerName string
	enabled    bool
}

// NewResolver returns a resolver for the named strategy. Unknown strategies
// are accepted and always resolve to no tenant, so that tenant checks deny
// rather than bypass.
func NewResolver(strategy string, opts ...Option) *Resolver {
	r := &Resolver{
		strategy:   strategy,
		headerName: DefaultHeaderName,
		enabled:    true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ResolverFromConfig builds a resolver from tenancy configuration.
func ResolverFromConfig(c Config) *Resolver {
	return NewResolver(c.Resolver, WithHeaderName(c.HeaderName), WithEnabled(c.Enabled))
}

// Strategy returns the configured strategy name.
func (r *Resolver) Strategy() string {
	return r.strategy
}

// Enabled reports whether tenancy is enforced. A nil resolver is disabled.
func (r *Resolver) Enabled() bool {
	return r != nil && r.enabled
}

// Resolve returns the tenant for the request. p may be nil.
func (r *Resolver) Resolve(ctx context.Context, req serverutil.Request, p *auth.Principal) (string, bool) {
	if r == nil {
		return "", false
	}
	switch r.strategy {
	case StrategyDomain:
		if req == nil {
			return "", false
		}
		return fromHost(req.Host())
	case StrategyHeader:
		if req == nil {
			return "", false
		}
		v := req.Header(r.headerName)
		return v, v != ""
	case StrategyToken:
		return p.Tenant()
	default:
		return "", false
	}
}

// Current returns the tenant for the operation carried by ctx. A tenant
// attached with WithTenant wins; otherwise the request and principal on the
// context are resolved.
func (r *Resolver) Current(ctx context.Context) (string, bool) {
	if id, ok := FromContext(ctx); ok {
		return id, true
	}
	return r.Resolve(ctx, serverutil.RequestFromContext(ctx), auth.PrincipalFromContext(ctx))
}

// fromHost treats the first label as the tenant when the host has more than
// two labels. IP literals never name a tenant.
func fromHost(host string) (string, bool) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" || net.ParseIP(host) != nil {
		return "", false
	}
	parts := strings.Split(host, ".")
	if len(parts) <= 2 || parts[0] == "" {
		return "", false
	}
	return parts[0], true
}

type ctxKey struct{}

// WithTenant attaches an already resolved tenant to the context.
func WithTenant(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the tenant attached with WithTenant.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// BelongsTo reports whether p is a member of tenantID.
func BelongsTo(p *auth.Principal, tenantID string) bool {
	if tenantID == "" {
		return false
	}
	id, ok := p.Tenant()
	return ok && id == tenantID
}
