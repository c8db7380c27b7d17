// Package rbac stores roles and permissions and resolves what a principal has
// been granted.
//
// Roles and permissions are referenced by name in Role.Permissions and in
// Grants, so renames and deletes cascade to every reference. Admin operations
// are serialized in-process.
package rbac

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dpup/fieldguard/errors"
	"github.com/dpup/fieldguard/internal/ids"
	"github.com/dpup/fieldguard/logging"
	"github.com/dpup/fieldguard/storage"
	"google.golang.org/grpc/codes"
)

var (
	// ErrNameRequired is returned when a role or permission has no name.
	ErrNameRequired = errors.NewC("rbac: name is required", codes.InvalidArgument).WithReason("NAME_REQUIRED")

	// ErrDuplicateName is returned when a name is already taken.
	ErrDuplicateName = errors.NewC("rbac: name already exists", codes.AlreadyExists).WithReason("DUPLICATE_NAME")
)

// Stubbed in tests.
var timeFunc = time.Now

// Store manages roles, permissions and grants in a storage.Store.
type Store struct {
	store storage.Store
	mu    sync.Mutex
}

// New returns a Store.
func New(store storage.Store) *Store {
	return &Store{store: store}
}

// Models returns the models persisted by the store, for storage.InitModels.
func Models() []storage.Model {
	return []storage.Model{&Role{}, &Permission{}, &Grants{}}
}

// CreateRole creates a role holding the named permissions, which must exist.
func (s *Store) CreateRole(ctx context.Context, name, description string, permissions ...string) (*Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.Mark(ErrNameRequired, 0)
	}
	if r, err := s.roleByName(ctx, name); err != nil {
		return nil, err
	} else if r != nil {
		return nil, errors.Mark(ErrDuplicateName, 0).Append("role " + name)
	}
	for _, p := range permissions {
		if _, err := s.requirePermission(ctx, p); err != nil {
			return nil, err
		}
	}

	r := &Role{
		ID:          newID(),
		Name:        name,
		Description: description,
		Permissions: normalize(permissions),
		CreatedAt:   timeFunc(),
	}
	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}
	logging.Infow(ctx, "rbac: role created", "rbac.role", name)
	return r, nil
}

// UpdateRole renames or redescribes a role. A rename is applied to every
// principal holding the role.
func (s *Store) UpdateRole(ctx context.Context, id string, u RoleUpdate) (*Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &Role{}
	if err := s.store.Read(ctx, id, r); err != nil {
		return nil, err
	}
	if u.Description != nil {
		r.Description = *u.Description
	}

	oldName := r.Name
	if u.Name != nil {
		name := strings.TrimSpace(*u.Name)
		if name == "" {
			return nil, errors.Mark(ErrNameRequired, 0)
		}
		if name != oldName {
			if other, err := s.roleByName(ctx, name); err != nil {
				return nil, err
			} else if other != nil {
				return nil, errors.Mark(ErrDuplicateName, 0).Append("role " + name)
			}
			r.Name = name
		}
	}

	if err := s.store.Update(ctx, r); err != nil {
		return nil, err
	}
	if r.Name != oldName {
		if err := s.rewriteGrants(ctx, func(g *Grants) bool {
			return rename(&g.Roles, oldName, r.Name)
		}); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DeleteRole deletes a role and takes it away from every principal.
func (s *Store) DeleteRole(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &Role{}
	if err := s.store.Read(ctx, id, r); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, r); err != nil {
		return err
	}
	logging.Infow(ctx, "rbac: role deleted", "rbac.role", r.Name)
	return s.rewriteGrants(ctx, func(g *Grants) bool {
		return remove(&g.Roles, r.Name)
	})
}

// CreatePermission creates a permission.
func (s *Store) CreatePermission(ctx context.Context, name, description string) (*Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createPermission(ctx, name, description)
}

func (s *Store) createPermission(ctx context.Context, name, description string) (*Permission, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.Mark(ErrNameRequired, 0)
	}
	if p, err := s.permissionByName(ctx, name); err != nil {
		return nil, err
	} else if p != nil {
		return nil, errors.Mark(ErrDuplicateName, 0).Append("permission " + name)
	}
	p := &Permission{
		ID:          newID(),
		Name:        name,
		Description: description,
		CreatedAt:   timeFunc(),
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// UpdatePermission renames or redescribes a permission. A rename is applied
// to every role and principal holding it.
func (s *Store) UpdatePermission(ctx context.Context, id string, u PermissionUpdate) (*Permission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := &Permission{}
	if err := s.store.Read(ctx, id, p); err != nil {
		return nil, err
	}
	if u.Description != nil {
		p.Description = *u.Description
	}

	oldName := p.Name
	if u.Name != nil {
		name := strings.TrimSpace(*u.Name)
		if name == "" {
			return nil, errors.Mark(ErrNameRequired, 0)
		}
		if name != oldName {
			if other, err := s.permissionByName(ctx, name); err != nil {
				return nil, err
			} else if other != nil {
				return nil, errors.Mark(ErrDuplicateName, 0).Append("permission " + name)
			}
			p.Name = name
		}
	}

	if err := s.store.Update(ctx, p); err != nil {
		return nil, err
	}
	if p.Name != oldName {
		if err := s.rewriteRoles(ctx, func(r *Role) bool {
			return rename(&r.Permissions, oldName, p.Name)
		}); err != nil {
			return nil, err
		}
		if err := s.rewriteGrants(ctx, func(g *Grants) bool {
			return rename(&g.Permissions, oldName, p.Name)
		}); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// DeletePermission deletes a permission and removes it from every role and
// principal.
func (s *Store) DeletePermission(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := &Permission{}
	if err := s.store.Read(ctx, id, p); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, p); err != nil {
		return err
	}
	if err := s.rewriteRoles(ctx, func(r *Role) bool {
		return remove(&r.Permissions, p.Name)
	}); err != nil {
		return err
	}
	return s.rewriteGrants(ctx, func(g *Grants) bool {
		return remove(&g.Permissions, p.Name)
	})
}

// GivePermissionToRole adds a permission to a role. Giving a permission the
// role already has is a no-op.
func (s *Store) GivePermissionToRole(ctx context.Context, roleID, permissionID string) (*Role, error) {
	return s.updateRole(ctx, roleID, permissionID, func(r *Role, name string) bool {
		return add(&r.Permissions, name)
	})
}

// RevokePermissionFromRole removes a permission from a role.
func (s *Store) RevokePermissionFromRole(ctx context.Context, roleID, permissionID string) (*Role, error) {
	return s.updateRole(ctx, roleID, permissionID, func(r *Role, name string) bool {
		return remove(&r.Permissions, name)
	})
}

func (s *Store) updateRole(ctx context.Context, roleID, permissionID string, fn func(*Role, string) bool) (*Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := &Role{}
	if err := s.store.Read(ctx, roleID, r); err != nil {
		return nil, err
	}
	p := &Permission{}
	if err := s.store.Read(ctx, permissionID, p); err != nil {
		return nil, err
	}
	if fn(r, p.Name) {
		if err := s.store.Update(ctx, r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// AssignRole gives a role to a principal.
func (s *Store) AssignRole(ctx context.Context, principalID, roleID string) (*Grants, error) {
	return s.updateGrants(ctx, principalID, func(g *Grants) (bool, error) {
		r := &Role{}
		if err := s.store.Read(ctx, roleID, r); err != nil {
			return false, err
		}
		return add(&g.Roles, r.Name), nil
	})
}

// RemoveRole takes a role away from a principal.
func (s *Store) RemoveRole(ctx context.Context, principalID, roleID string) (*Grants, error) {
	return s.updateGrants(ctx, principalID, func(g *Grants) (bool, error) {
		r := &Role{}
		if err := s.store.Read(ctx, roleID, r); err != nil {
			return false, err
		}
		return remove(&g.Roles, r.Name), nil
	})
}

// AssignPermission gives a permission directly to a principal.
func (s *Store) AssignPermission(ctx context.Context, principalID, permissionID string) (*Grants, error) {
	return s.updateGrants(ctx, principalID, func(g *Grants) (bool, error) {
		p := &Permission{}
		if err := s.store.Read(ctx, permissionID, p); err != nil {
			return false, err
		}
		return add(&g.Permissions, p.Name), nil
	})
}

// RemovePermission takes a directly given permission away from a principal.
// Permissions held through a role are unaffected.
func (s *Store) RemovePermission(ctx context.Context, principalID, permissionID string) (*Grants, error) {
	return s.updateGrants(ctx, principalID, func(g *Grants) (bool, error) {
		p := &Permission{}
		if err := s.store.Read(ctx, permissionID, p); err != nil {
			return false, err
		}
		return remove(&g.Permissions, p.Name), nil
	})
}

func (s *Store) updateGrants(ctx context.Context, principalID string, fn func(*Grants) (bool, error)) (*Grants, error) {
	if principalID == "" {
		return nil, errors.Codef(codes.InvalidArgument, "rbac: principal id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := s.Grants(ctx, principalID)
	if err != nil {
		return nil, err
	}
	changed, err := fn(g)
	if err != nil || !changed {
		return g, err
	}
	if err := s.store.Upsert(ctx, g); err != nil {
		return nil, err
	}
	return g, nil
}

// AssignRoleByName gives the named role to a principal.
func (s *Store) AssignRoleByName(ctx context.Context, principalID, role string) (*Grants, error) {
	r, err := s.RoleByName(ctx, role)
	if err != nil {
		return nil, err
	}
	return s.AssignRole(ctx, principalID, r.ID)
}

// Grants returns what was given directly to the principal. Principals with no
// grants get an empty value.
func (s *Store) Grants(ctx context.Context, principalID string) (*Grants, error) {
	g := &Grants{}
	if err := s.store.Read(ctx, principalID, g); storage.IsNotFound(err) {
		return &Grants{PrincipalID: principalID}, nil
	} else if err != nil {
		return nil, err
	}
	return g, nil
}

// Resolve returns the principal's role names and its permission names, both
// direct and through roles, de-duplicated and sorted.
func (s *Store) Resolve(ctx context.Context, principalID string) (roles, permissions []string, err error) {
	if principalID == "" {
		return nil, nil, nil
	}
	g, err := s.Grants(ctx, principalID)
	if err != nil {
		return nil, nil, err
	}

	permissions = slices.Clone(g.Permissions)
	for _, name := range g.Roles {
		r, err := s.roleByName(ctx, name)
		if err != nil {
			return nil, nil, err
		}
		if r == nil {
			continue
		}
		roles = append(roles, r.Name)
		permissions = append(permissions, r.Permissions...)
	}
	return normalize(roles), normalize(permissions), nil
}

// Roles lists every role, ordered by name.
func (s *Store) Roles(ctx context.Context) ([]*Role, error) {
	var roles []*Role
	if err := s.store.List(ctx, &roles, &Role{}); err != nil {
		return nil, err
	}
	slices.SortFunc(roles, func(a, b *Role) int { return strings.Compare(a.Name, b.Name) })
	return roles, nil
}

// Permissions lists every permission, ordered by name.
func (s *Store) Permissions(ctx context.Context) ([]*Permission, error) {
	var perms []*Permission
	if err := s.store.List(ctx, &perms, &Permission{}); err != nil {
		return nil, err
	}
	slices.SortFunc(perms, func(a, b *Permission) int { return strings.Compare(a.Name, b.Name) })
	return perms, nil
}

// RoleByName returns the named role or storage.ErrNotFound.
func (s *Store) RoleByName(ctx context.Context, name string) (*Role, error) {
	r, err := s.roleByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, errors.Mark(storage.ErrNotFound, 0).Append("role " + name)
	}
	return r, nil
}

// PermissionByName returns the named permission or storage.ErrNotFound.
func (s *Store) PermissionByName(ctx context.Context, name string) (*Permission, error) {
	return s.requirePermission(ctx, name)
}

func (s *Store) requirePermission(ctx context.Context, name string) (*Permission, error) {
	p, err := s.permissionByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errors.Mark(storage.ErrNotFound, 0).Append("permission " + name)
	}
	return p, nil
}

func (s *Store) roleByName(ctx context.Context, name string) (*Role, error) {
	var roles []*Role
	if err := s.store.List(ctx, &roles, &Role{Name: name}); err != nil {
		return nil, err
	}
	if len(roles) == 0 {
		return nil, nil
	}
	return roles[0], nil
}

func (s *Store) permissionByName(ctx context.Context, name string) (*Permission, error) {
	var perms []*Permission
	if err := s.store.List(ctx, &perms, &Permission{Name: name}); err != nil {
		return nil, err
	}
	if len(perms) == 0 {
		return nil, nil
	}
	return perms[0], nil
}

func (s *Store) rewriteRoles(ctx context.Context, fn func(*Role) bool) error {
	var roles []*Role
	if err := s.store.List(ctx, &roles, &Role{}); err != nil {
		return err
	}
	for _, r := range roles {
		if !fn(r) {
			continue
		}
		if err := s.store.Update(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) rewriteGrants(ctx context.Context, fn func(*Grants) bool) error {
	var grants []*Grants
	if err := s.store.List(ctx, &grants, &Grants{}); err != nil {
		return err
	}
	for _, g := range grants {
		if !fn(g) {
			continue
		}
		if err := s.store.Update(ctx, g); err != nil {
			return err
		}
	}
	return nil
}

func newID() string { return ids.NewAt(timeFunc()) }

func normalize(names []string) []string {
	out := slices.Clone(names)
	slices.Sort(out)
	return slices.Compact(out)
}

func add(names *[]string, name string) bool {
	if slices.Contains(*names, name) {
		return false
	}
	*names = normalize(append(*names, name))
	return true
}

func remove(names *[]string, name string) bool {
	n := len(*names)
	*names = slices.DeleteFunc(*names, func(s string) bool { return s == name })
	return len(*names) != n
}

func rename(names *[]string, from, to string) bool {
	if !remove(names, from) {
		return false
	}
	add(names, to)
	return true
}
