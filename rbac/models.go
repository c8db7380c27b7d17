package rbac

import "time"

// Role is a named set of permissions.
type Role struct {
	ID          string
	Name        string
	Description string
	Permissions []string
	CreatedAt   time.Time
}

func (r *Role) PK() string { return r.ID }

// Permission is a named ability, such as "edit posts".
type Permission struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
}

func (p *Permission) PK() string { return p.ID }

// Grants holds the roles and permissions given directly to a principal, by
// name.
type Grants struct {
	PrincipalID string
	Roles       []string
	Permissions []string
}

func (g *Grants) PK() string { return g.PrincipalID }

// RoleUpdate changes the non-nil fields of a role.
type RoleUpdate struct {
	Name        *string
	Description *string
}

// PermissionUpdate changes the non-nil fields of a permission.
type PermissionUpdate struct {
	Name        *string
	Description *string
}
