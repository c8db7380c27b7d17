package guard

import (
	"context"

	"github.com/dpup/fieldguard/auth"
)

// Func adapts a pre-check to a FieldGuard. check runs before the field and
// denies by returning an error.
func Func(name string, check func(ctx context.Context, p Params) error) FieldGuard {
	return funcGuard{name: name, check: check}
}

type funcGuard struct {
	name  string
	check func(ctx context.Context, p Params) error
}

func (g funcGuard) Name() string { return g.name }

func (g funcGuard) Guard(ctx context.Context, p Params, next Resolver) (any, error) {
	if err := g.check(ctx, p); err != nil {
		return nil, err
	}
	return next(ctx, p)
}

// Authenticated requires a principal.
func Authenticated() FieldGuard {
	return Func("authenticated", func(ctx context.Context, _ Params) error {
		_, err := auth.RequirePrincipal(ctx)
		return err
	})
}

// Role requires the principal to hold role.
func Role(role string) FieldGuard {
	return Func("role", func(ctx context.Context, _ Params) error {
		return auth.RequireRole(ctx, role)
	})
}

// AnyRole requires the principal to hold at least one of roles.
func AnyRole(roles ...string) FieldGuard {
	return Func("any_role", func(ctx context.Context, _ Params) error {
		return auth.RequireAnyRole(ctx, roles...)
	})
}

// Permission requires the principal to hold permission, directly or through
// a role.
func Permission(permission string) FieldGuard {
	return Func("permission", func(ctx context.Context, _ Params) error {
		return auth.RequirePermission(ctx, permission)
	})
}

// AnyPermission requires at least one of permissions.
func AnyPermission(permissions ...string) FieldGuard {
	return Func("any_permission", func(ctx context.Context, _ Params) error {
		return auth.RequireAnyPermission(ctx, permissions...)
	})
}
