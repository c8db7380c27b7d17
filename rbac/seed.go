package rbac

import (
	"context"

	"github.com/dpup/fieldguard/logging"
)

// Default permissions created by Seed.
var DefaultPermissions = []string{
	"view users", "create users", "edit users", "delete users",
	"view roles", "create roles", "edit roles", "delete roles",
	"assign roles", "remove roles",
	"view permissions", "create permissions", "edit permissions", "delete permissions",
	"assign permissions", "remove permissions",
	"view posts", "create posts", "edit posts", "delete posts", "publish posts",
	"view audit logs", "manage system", "manage tenants",
}

// RoleSuperAdmin is seeded with every permission.
const RoleSuperAdmin = "super-admin"

// DefaultRoles maps each seeded role to its permissions. The super admin role
// receives every permission that exists when Seed runs.
var DefaultRoles = map[string][]string{
	RoleSuperAdmin: nil,
	"admin": {
		"view users", "create users", "edit users", "delete users",
		"view roles", "create roles", "edit roles", "delete roles",
		"assign roles", "remove roles",
		"view permissions", "create permissions", "edit permissions", "delete permissions",
		"assign permissions", "remove permissions",
		"view posts", "create posts", "edit posts", "delete posts", "publish posts",
		"view audit logs",
	},
	"moderator": {"view users", "view posts", "edit posts", "delete posts", "publish posts"},
	"editor":    {"view posts", "create posts", "edit posts", "publish posts"},
	"author":    {"view posts", "create posts", "edit posts"},
	"user":      {"view posts"},
}

// Seed creates the default permissions and roles. Existing entries are kept
// and only gain missing permissions, so Seed can run on every start.
func (s *Store) Seed(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, name := range DefaultPermissions {
		if p, err := s.permissionByName(ctx, name); err != nil {
			return err
		} else if p != nil {
			continue
		}
		if _, err := s.createPermission(ctx, name, ""); err != nil {
			return err
		}
	}

	all, err := s.Permissions(ctx)
	if err != nil {
		return err
	}
	for name, perms := range DefaultRoles {
		if name == RoleSuperAdmin {
			perms = make([]string, len(all))
			for i, p := range all {
				perms[i] = p.Name
			}
		}
		if err := s.seedRole(ctx, name, perms); err != nil {
			return err
		}
	}
	logging.Infow(ctx, "rbac: seeded defaults", "rbac.roles", len(DefaultRoles), "rbac.permissions", len(all))
	return nil
}

func (s *Store) seedRole(ctx context.Context, name string, perms []string) error {
	r, err := s.roleByName(ctx, name)
	if err != nil {
		return err
	}
	if r == nil {
		r = &Role{ID: newID(), Name: name, Permissions: normalize(perms), CreatedAt: timeFunc()}
		return s.store.Create(ctx, r)
	}
	changed := false
	for _, p := range perms {
		changed = add(&r.Permissions, p) || changed
	}
	if !changed {
		return nil
	}
	return s.store.Update(ctx, r)
}
