package guard

import (
	"context"

	"github.com/dpup/fieldguard/auth"
	"github.com/dpup/fieldguard/tenant"
)

// Default relation attributes.
const (
	DefaultTenantRelation = "tenant_id"
	DefaultOwnerRelation  = "user_id"
)

// TenantScope confines results to the tenant of the current operation. A
// single record from another tenant is denied; a list is filtered down to the
// members of the tenant, in their original order. When tenancy is disabled on
// the resolver the guard passes through.
//
// The resolved tenant is attached to the context seen by the field, see
// tenant.FromContext.
func TenantScope(resolver *tenant.Resolver, relation string) FieldGuard {
	if relation == "" {
		relation = DefaultTenantRelation
	}
	return &tenantScopeGuard{resolver: resolver, relation: relation}
}

type tenantScopeGuard struct {
	resolver *tenant.Resolver
	relation string
}

func (g *tenantScopeGuard) Name() string { return "tenant_scope" }

func (g *tenantScopeGuard) Guard(ctx context.Context, p Params, next Resolver) (any, error) {
	if !g.resolver.Enabled() {
		return next(ctx, p)
	}
	if _, err := auth.RequirePrincipal(ctx); err != nil {
		return nil, err
	}
	tenantID, ok := g.resolver.Current(ctx)
	if !ok {
		return nil, auth.Deny(auth.ErrTenantUnresolved, "Tenant could not be resolved.")
	}

	v, err := next(tenant.WithTenant(ctx, tenantID), p)
	if err != nil || isNil(v) {
		return v, err
	}

	inTenant := func(m any) bool {
		a, ok := AttributeOf(m, g.relation)
		return ok && stringify(a) == tenantID
	}

	if isSequence(v) {
		return filterSequence(v, inTenant), nil
	}
	if IsRecord(v) && !inTenant(v) {
		return nil, auth.Deny(auth.ErrForbidden, "This resource does not belong to your tenant.")
	}
	return v, nil
}

// Ownership requires every returned record to belong to the principal. Unlike
// TenantScope it never filters: the first record owned by someone else fails
// the whole field. A record without the relation attribute fails with
// ErrMisconfiguredRelation.
func Ownership(relation string) FieldGuard {
	if relation == "" {
		relation = DefaultOwnerRelation
	}
	return &ownershipGuard{relation: relation}
}

type ownershipGuard struct {
	relation string
}

func (g *ownershipGuard) Name() string { return "ownership" }

func (g *ownershipGuard) Guard(ctx context.Context, p Params, next Resolver) (any, error) {
	principal, err := auth.RequirePrincipal(ctx)
	if err != nil {
		return nil, err
	}

	v, err := next(ctx, p)
	if err != nil || isNil(v) {
		return v, err
	}

	if isSequence(v) {
		if err := eachMember(v, func(m any) error {
			return g.check(m, principal.ID)
		}); err != nil {
			return nil, err
		}
		return v, nil
	}
	if err := g.check(v, principal.ID); err != nil {
		return nil, err
	}
	return v, nil
}

func (g *ownershipGuard) check(v any, principalID string) error {
	if !IsRecord(v) {
		return nil
	}
	owner, ok := AttributeOf(v, g.relation)
	if !ok {
		return auth.Deny(auth.ErrMisconfiguredRelation, "Resource does not have an owner field %q.", g.relation)
	}
	if stringify(owner) != principalID {
		return auth.Deny(auth.ErrForbidden, "You do not own this resource.")
	}
	return nil
}
