package fieldguard

import (
	"context"

	"github.com/dpup/fieldguard/auth"
	"github.com/dpup/fieldguard/device"
	"github.com/dpup/fieldguard/errors"
	"github.com/dpup/fieldguard/session"
	"google.golang.org/grpc/codes"
)

// Profile is the current principal as returned by Me.
type Profile struct {
	ID          string
	Email       string
	Name        string
	TenantID    string
	Roles       []string
	Permissions []string
}

// Login verifies credentials and issues a token named after deviceName.
func (s *System) Login(ctx context.Context, email, password, deviceName string) (*session.Result, error) {
	return s.sessions.Login(ctx, session.Credentials{Email: email, Password: password}, deviceName)
}

// RefreshToken redeems a token for a new one, exactly once.
func (s *System) RefreshToken(ctx context.Context, token string) (*session.Result, error) {
	return s.sessions.Refresh(ctx, token)
}

// Logout revokes every token of the current principal. Anonymous callers
// succeed without effect.
func (s *System) Logout(ctx context.Context) (bool, error) {
	if err := s.sessions.Logout(ctx, auth.PrincipalFromContext(ctx)); err != nil {
		return false, err
	}
	return true, nil
}

// Me returns the current principal's profile, or nil when anonymous.
func (s *System) Me(ctx context.Context) (*Profile, error) {
	p := auth.PrincipalFromContext(ctx)
	if p == nil {
		return nil, nil
	}
	a, err := s.accounts.FindAccountByID(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	return &Profile{
		ID:          a.ID,
		Email:       a.Email,
		Name:        a.Name,
		TenantID:    a.TenantID,
		Roles:       p.Roles,
		Permissions: p.Permissions,
	}, nil
}

// MyRoles returns the current principal's roles, empty when anonymous.
func (s *System) MyRoles(ctx context.Context) []string {
	p := auth.PrincipalFromContext(ctx)
	if p == nil {
		return []string{}
	}
	return append([]string{}, p.Roles...)
}

// MyPermissions returns the current principal's resolved permissions, empty
// when anonymous.
func (s *System) MyPermissions(ctx context.Context) []string {
	p := auth.PrincipalFromContext(ctx)
	if p == nil {
		return []string{}
	}
	return append([]string{}, p.Permissions...)
}

// MyDevices lists the current principal's devices, empty when anonymous.
func (s *System) MyDevices(ctx context.Context) ([]*device.Device, error) {
	p := auth.PrincipalFromContext(ctx)
	if p == nil || s.devices == nil {
		return []*device.Device{}, nil
	}
	return s.devices.List(ctx, p.ID)
}

// RegisterDevice registers a device for the current principal, linked to the
// token the context was authenticated with.
func (s *System) RegisterDevice(ctx context.Context, name string) (*device.Device, error) {
	p, err := auth.RequirePrincipal(ctx)
	if err != nil {
		return nil, err
	}
	if s.devices == nil {
		return nil, errDevicesDisabled()
	}
	reg := device.Registration{Name: name}
	if tok := CurrentToken(ctx); tok != nil {
		reg.TokenID = tok.ID
	}
	return s.devices.Register(ctx, p.ID, reg)
}

// RemoveDevice deletes one of the current principal's devices. It reports
// false when the principal has no such device.
func (s *System) RemoveDevice(ctx context.Context, deviceID string) (bool, error) {
	p, err := auth.RequirePrincipal(ctx)
	if err != nil {
		return false, err
	}
	if s.devices == nil {
		return false, errDevicesDisabled()
	}
	return s.devices.Remove(ctx, p.ID, deviceID)
}

// DeactivateAllDevices deactivates every device of the current principal and
// returns how many were active.
func (s *System) DeactivateAllDevices(ctx context.Context) (int, error) {
	p, err := auth.RequirePrincipal(ctx)
	if err != nil {
		return 0, err
	}
	if s.devices == nil {
		return 0, errDevicesDisabled()
	}
	return s.devices.DeactivateAll(ctx, p.ID)
}

func errDevicesDisabled() error {
	return errors.NewC("fieldguard: device tracking is disabled", codes.FailedPrecondition)
}
