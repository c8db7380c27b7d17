// Package auth defines the authenticated principal, the capabilities guards
// rely on, and the error kinds returned when access is denied.
package auth

import (
	"context"
	"slices"
)

// RoleHolder is implemented by principals that carry roles.
type RoleHolder interface {
	HasRole(role string) bool
}

// PermissionHolder is implemented by principals that carry resolved
// permissions, direct and role-derived.
type PermissionHolder interface {
	HasPermission(permission string) bool
}

// Principal is the authenticated actor for one request. It is built once per
// request from storage and must not be mutated afterwards.
type Principal struct {
	ID          string
	Roles       []string
	Permissions []string
	TenantID    string
}

var (
	_ RoleHolder       = (*Principal)(nil)
	_ PermissionHolder = (*Principal)(nil)
)

func (p *Principal) GetID() string {
	if p == nil {
		return ""
	}
	return p.ID
}

func (p *Principal) HasRole(role string) bool {
	return p != nil && slices.Contains(p.Roles, role)
}

func (p *Principal) HasPermission(permission string) bool {
	return p != nil && slices.Contains(p.Permissions, permission)
}

// Tenant returns the principal's tenant, if it has one.
func (p *Principal) Tenant() (string, bool) {
	if p == nil || p.TenantID == "" {
		return "", false
	}
	return p.TenantID, true
}

// HasAnyRole reports whether h has at least one of roles.
func HasAnyRole(h RoleHolder, roles ...string) bool {
	return slices.ContainsFunc(roles, h.HasRole)
}

// HasAllRoles reports whether h has every one of roles.
func HasAllRoles(h RoleHolder, roles ...string) bool {
	for _, r := range roles {
		if !h.HasRole(r) {
			return false
		}
	}
	return true
}

// CanAny reports whether h has at least one of permissions.
func CanAny(h PermissionHolder, permissions ...string) bool {
	return slices.ContainsFunc(permissions, h.HasPermission)
}

// CanAll reports whether h has every one of permissions.
func CanAll(h PermissionHolder, permissions ...string) bool {
	for _, p := range permissions {
		if !h.HasPermission(p) {
			return false
		}
	}
	return true
}

type principalKey struct{}

// WithPrincipal attaches the resolved principal to the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the current principal, or nil for anonymous
// requests.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// RequirePrincipal returns the current principal or ErrUnauthenticated.
func RequirePrincipal(ctx context.Context) (*Principal, error) {
	p := PrincipalFromContext(ctx)
	if p == nil {
		return nil, Deny(ErrUnauthenticated, "Unauthenticated.")
	}
	return p, nil
}

// RequireRole fails unless the current principal has role.
func RequireRole(ctx context.Context, role string) error {
	p, err := RequirePrincipal(ctx)
	if err != nil {
		return err
	}
	if !p.HasRole(role) {
		return Deny(ErrForbidden, "missing required role %q", role)
	}
	return nil
}

// RequireAnyRole fails unless the current principal has one of roles.
func RequireAnyRole(ctx context.Context, roles ...string) error {
	p, err := RequirePrincipal(ctx)
	if err != nil {
		return err
	}
	if !HasAnyRole(p, roles...) {
		return Deny(ErrForbidden, "requires one of roles %q", roles)
	}
	return nil
}

// RequirePermission fails unless the current principal has permission.
func RequirePermission(ctx context.Context, permission string) error {
	p, err := RequirePrincipal(ctx)
	if err != nil {
		return err
	}
	if !p.HasPermission(permission) {
		return Deny(ErrForbidden, "missing required permission %q", permission)
	}
	return nil
}

// RequireAnyPermission fails unless the current principal has one of
// permissions.
func RequireAnyPermission(ctx context.Context, permissions ...string) error {
	p, err := RequirePrincipal(ctx)
	if err != nil {
		return err
	}
	if !CanAny(p, permissions...) {
		return Deny(ErrForbidden, "requires one of permissions %q", permissions)
	}
	return nil
}
