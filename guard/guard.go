// Package guard composes authorization and audit checks around field
// resolution.
//
// A field is registered with an ordered list of guards. The Chain dispatcher
// runs them outer to inner on the way in, each receiving a continuation that
// invokes the rest of the chain, and inner to outer on the way out, so a guard
// that inspects the result (tenant scope, ownership, audit) sees what the
// guards closer to the field produced.
//
//	schema.Field("Query", "posts", listPosts,
//	  guard.Audit(auditLogger, "view"),
//	  guard.Permission("view posts"),
//	  guard.TenantScope(resolver, "tenant_id"),
//	)
package guard

import (
	"context"
	"time"

	"github.com/dpup/fieldguard/auth"
	"github.com/dpup/fieldguard/errors"
	"github.com/dpup/fieldguard/logging"
	"github.com/dpup/fieldguard/metrics"
	"google.golang.org/grpc/status"
)

// FieldInfo identifies the field being resolved.
type FieldInfo struct {
	ParentType string
	FieldName  string
}

// String returns "Parent.field".
func (f FieldInfo) String() string {
	return f.ParentType + "." + f.FieldName
}

// Params are passed to every guard and to the field resolver.
type Params struct {
	Root  any
	Args  map[string]any
	Field FieldInfo
}

// Arg returns a string argument, or "" when it is missing or not a string.
func (p Params) Arg(name string) string {
	s, _ := p.Args[name].(string)
	return s
}

// Resolver produces a field's value. A nil value with a nil error means the
// field resolved to nothing.
type Resolver func(ctx context.Context, p Params) (any, error)

// FieldGuard wraps field resolution. A guard either returns an error without
// calling next, or calls next exactly once and returns its result, possibly
// filtered or replaced by an error.
type FieldGuard interface {
	Name() string
	Guard(ctx context.Context, p Params, next Resolver) (any, error)
}

// Chain is an ordered list of guards around a resolver.
type Chain struct {
	guards  []FieldGuard
	metrics *metrics.Metrics
}

// NewChain returns a chain that runs guards in declaration order. m may be
// nil.
func NewChain(m *metrics.Metrics, guards ...FieldGuard) *Chain {
	return &Chain{guards: guards, metrics: m}
}

// Guards returns the guards in declaration order.
func (c *Chain) Guards() []FieldGuard {
	return c.guards
}

// Wrap returns a resolver that runs the chain around r.
func (c *Chain) Wrap(r Resolver) Resolver {
	return func(ctx context.Context, p Params) (any, error) {
		return c.Resolve(ctx, p, r)
	}
}

// Resolve runs the guards and then r.
func (c *Chain) Resolve(ctx context.Context, p Params, r Resolver) (any, error) {
	field := p.Field.String()
	ctx = logging.With(ctx, logging.FromContext(ctx).Named(field))

	start := time.Now()
	v, err := c.step(0, r)(ctx, p)
	c.metrics.ObserveResolve(field, err, time.Since(start))
	return v, err
}

// step returns the continuation that runs guard i, or the resolver once the
// guards are exhausted. Each guard finishes its decision before the next one
// starts.
func (c *Chain) step(i int, r Resolver) Resolver {
	return func(ctx context.Context, p Params) (any, error) {
		if err := ctx.Err(); err != nil {
			return nil, errors.WithCode(err, status.FromContextError(err).Code())
		}
		if i == len(c.guards) {
			return r(ctx, p)
		}

		g := c.guards[i]
		next := c.step(i+1, r)

		var reached bool
		var innerErr error
		v, err := g.Guard(ctx, p, func(ctx context.Context, p Params) (any, error) {
			reached = true
			v, err := next(ctx, p)
			innerErr = err
			return v, err
		})

		// Errors from further in pass through outer guards unchanged; only an
		// error the guard produced itself counts as its denial.
		denied := err != nil && (!reached || innerErr == nil || !errors.Is(err, innerErr))
		c.metrics.GuardDecision(g.Name(), !denied)
		if denied {
			logging.Track(ctx, "guard.denied", g.Name())
			logging.Track(ctx, "guard.reason", auth.Kind(err))
			logging.Debugw(ctx, "guard: denied", "error", err)
		}
		return v, err
	}
}
