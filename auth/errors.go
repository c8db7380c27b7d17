package auth

import (
	"github.com/dpup/fieldguard/errors"
	"google.golang.org/grpc/codes"
)

// Reason tags carried on denial errors. They are stable and safe to expose to
// clients as the error's kind.
const (
	ReasonUnauthenticated       = "UNAUTHENTICATED"
	ReasonForbidden             = "FORBIDDEN"
	ReasonTenantUnresolved      = "TENANT_UNRESOLVED"
	ReasonInvalidCredentials    = "INVALID_CREDENTIALS"
	ReasonInvalidToken          = "INVALID_TOKEN"
	ReasonMisconfiguredRelation = "MISCONFIGURED_RELATION"
)

var (
	// ErrUnauthenticated is returned when a principal is required but none is
	// present.
	ErrUnauthenticated = errors.NewC("unauthenticated", codes.Unauthenticated).
		WithReason(ReasonUnauthenticated).
		WithPublicMessage("Unauthenticated.")

	// ErrForbidden is returned when the principal lacks a role, permission,
	// ownership or tenant match.
	ErrForbidden = errors.NewC("forbidden", codes.PermissionDenied).
		WithReason(ReasonForbidden).
		WithPublicMessage("You are not authorized to access this resource.")

	// ErrTenantUnresolved is returned when tenancy is enforced but no tenant
	// could be determined for the request.
	ErrTenantUnresolved = errors.NewC("tenant unresolved", codes.PermissionDenied).
		WithReason(ReasonTenantUnresolved).
		WithPublicMessage("Tenant context could not be determined.")

	// ErrInvalidCredentials is returned by login for every failure cause so
	// that callers cannot tell unknown accounts from wrong secrets.
	ErrInvalidCredentials = errors.NewC("invalid credentials", codes.Unauthenticated).
		WithReason(ReasonInvalidCredentials).
		WithPublicMessage("The provided credentials are incorrect.")

	// ErrInvalidToken is returned when a token does not resolve to a valid
	// stored record, including a refresh token that was already redeemed.
	ErrInvalidToken = errors.NewC("invalid token", codes.Unauthenticated).
		WithReason(ReasonInvalidToken).
		WithPublicMessage("Invalid refresh token.")

	// ErrMisconfiguredRelation is returned when a record lacks the attribute
	// a guard checks. It is presented to clients the same way as
	// ErrForbidden.
	ErrMisconfiguredRelation = errors.NewC("misconfigured relation", codes.PermissionDenied).
		WithReason(ReasonMisconfiguredRelation).
		WithPublicMessage("You are not authorized to access this resource.")
)

// Kind returns the reason tag of a denial error, or "" for other errors.
func Kind(err error) string {
	return errors.Reason(err)
}

// Deny returns a copy of the sentinel with a message that names what was
// missing, with the stack pointing at the caller.
func Deny(sentinel *errors.Error, format string, a ...any) error {
	return errors.Mark(sentinel, 1).WithUserPresentableMessage(format, a...)
}
