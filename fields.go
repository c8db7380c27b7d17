package fieldguard

import (
	"context"
	"time"

	"github.com/dpup/fieldguard/audit"
	"github.com/dpup/fieldguard/guard"
	"github.com/dpup/fieldguard/rbac"
)

// Permissions required by the role administration fields.
const (
	PermViewRoles         = "view roles"
	PermCreateRoles       = "create roles"
	PermEditRoles         = "edit roles"
	PermDeleteRoles       = "delete roles"
	PermAssignRoles       = "assign roles"
	PermRemoveRoles       = "remove roles"
	PermViewPermissions   = "view permissions"
	PermCreatePermissions = "create permissions"
	PermEditPermissions   = "edit permissions"
	PermDeletePermissions = "delete permissions"
	PermAssignPermissions = "assign permissions"
	PermRemovePermissions = "remove permissions"
	PermViewAuditLogs     = "view audit logs"
)

func (s *System) registerFields() {
	s.registerSessionFields()
	s.registerDeviceFields()
	s.registerRBACFields()
}

func (s *System) registerSessionFields() {
	s.schema.
		Field("Mutation", "login", func(ctx context.Context, p guard.Params) (any, error) {
			return s.Login(ctx, p.Arg("email"), p.Arg("password"), p.Arg("device_name"))
		}, guard.Audit(s.audit, "login")).
		Field("Mutation", "refreshToken", func(ctx context.Context, p guard.Params) (any, error) {
			return s.RefreshToken(ctx, p.Arg("refresh_token"))
		}, guard.Audit(s.audit, "refresh")).
		Field("Mutation", "logout", func(ctx context.Context, _ guard.Params) (any, error) {
			return s.Logout(ctx)
		}, guard.Audit(s.audit, "logout")).
		Field("Query", "me", func(ctx context.Context, _ guard.Params) (any, error) {
			return s.Me(ctx)
		}).
		Field("Query", "myRoles", func(ctx context.Context, _ guard.Params) (any, error) {
			return s.MyRoles(ctx), nil
		}).
		Field("Query", "myPermissions", func(ctx context.Context, _ guard.Params) (any, error) {
			return s.MyPermissions(ctx), nil
		})
}

func (s *System) registerDeviceFields() {
	s.schema.
		Field("Query", "myDevices", func(ctx context.Context, _ guard.Params) (any, error) {
			return s.MyDevices(ctx)
		}).
		Field("Mutation", "registerDevice", func(ctx context.Context, p guard.Params) (any, error) {
			return s.RegisterDevice(ctx, p.Arg("name"))
		}, guard.Audit(s.audit, "device.register"), guard.Authenticated()).
		Field("Mutation", "removeDevice", func(ctx context.Context, p guard.Params) (any, error) {
			return s.RemoveDevice(ctx, p.Arg("id"))
		}, guard.Audit(s.audit, "device.remove"), guard.Authenticated()).
		Field("Mutation", "deactivateAllDevices", func(ctx context.Context, _ guard.Params) (any, error) {
			return s.DeactivateAllDevices(ctx)
		}, guard.Audit(s.audit, "device.deactivate_all"), guard.Authenticated())
}

func (s *System) registerRBACFields() {
	admin := func(action, permission string) []guard.FieldGuard {
		return []guard.FieldGuard{guard.Audit(s.audit, action), guard.Permission(permission)}
	}

	s.schema.
		Field("Query", "roles", func(ctx context.Context, _ guard.Params) (any, error) {
			return s.rbac.Roles(ctx)
		}, guard.Permission(PermViewRoles)).
		Field("Query", "permissions", func(ctx context.Context, _ guard.Params) (any, error) {
			return s.rbac.Permissions(ctx)
		}, guard.Permission(PermViewPermissions)).
		Field("Query", "auditLogs", func(ctx context.Context, p guard.Params) (any, error) {
			return audit.Query(ctx, s.store, auditFilters(p)...)
		}, guard.Permission(PermViewAuditLogs))

	s.schema.
		Field("Mutation", "createRole", func(ctx context.Context, p guard.Params) (any, error) {
			r, err := s.rbac.CreateRole(ctx, p.Arg("name"), p.Arg("description"), argStrings(p, "permissions")...)
			if err != nil {
				return nil, err
			}
			s.audit.LogModelEvent(ctx, audit.EventCreated, nil, r)
			return r, nil
		}, admin("role.create", PermCreateRoles)...).
		Field("Mutation", "updateRole", func(ctx context.Context, p guard.Params) (any, error) {
			before := &rbac.Role{}
			if err := s.store.Read(ctx, p.Arg("id"), before); err != nil {
				return nil, err
			}
			r, err := s.rbac.UpdateRole(ctx, p.Arg("id"), rbac.RoleUpdate{
				Name:        argOptional(p, "name"),
				Description: argOptional(p, "description"),
			})
			if err != nil {
				return nil, err
			}
			s.audit.LogModelEvent(ctx, audit.EventUpdated, before, r)
			return r, nil
		}, admin("role.update", PermEditRoles)...).
		Field("Mutation", "deleteRole", func(ctx context.Context, p guard.Params) (any, error) {
			r := &rbac.Role{}
			if err := s.store.Read(ctx, p.Arg("id"), r); err != nil {
				return nil, err
			}
			if err := s.rbac.DeleteRole(ctx, r.ID); err != nil {
				return nil, err
			}
			s.audit.LogModelEvent(ctx, audit.EventDeleted, r, nil)
			return true, nil
		}, admin("role.delete", PermDeleteRoles)...).
		Field("Mutation", "createPermission", func(ctx context.Context, p guard.Params) (any, error) {
			perm, err := s.rbac.CreatePermission(ctx, p.Arg("name"), p.Arg("description"))
			if err != nil {
				return nil, err
			}
			s.audit.LogModelEvent(ctx, audit.EventCreated, nil, perm)
			return perm, nil
		}, admin("permission.create", PermCreatePermissions)...).
		Field("Mutation", "updatePermission", func(ctx context.Context, p guard.Params) (any, error) {
			before := &rbac.Permission{}
			if err := s.store.Read(ctx, p.Arg("id"), before); err != nil {
				return nil, err
			}
			perm, err := s.rbac.UpdatePermission(ctx, p.Arg("id"), rbac.PermissionUpdate{
				Name:        argOptional(p, "name"),
				Description: argOptional(p, "description"),
			})
			if err != nil {
				return nil, err
			}
			s.audit.LogModelEvent(ctx, audit.EventUpdated, before, perm)
			return perm, nil
		}, admin("permission.update", PermEditPermissions)...).
		Field("Mutation", "deletePermission", func(ctx context.Context, p guard.Params) (any, error) {
			perm := &rbac.Permission{}
			if err := s.store.Read(ctx, p.Arg("id"), perm); err != nil {
				return nil, err
			}
			if err := s.rbac.DeletePermission(ctx, perm.ID); err != nil {
				return nil, err
			}
			s.audit.LogModelEvent(ctx, audit.EventDeleted, perm, nil)
			return true, nil
		}, admin("permission.delete", PermDeletePermissions)...).
		Field("Mutation", "assignRole", func(ctx context.Context, p guard.Params) (any, error) {
			return s.rbac.AssignRole(ctx, p.Arg("user_id"), p.Arg("role_id"))
		}, admin("role.assign", PermAssignRoles)...).
		Field("Mutation", "removeRole", func(ctx context.Context, p guard.Params) (any, error) {
			return s.rbac.RemoveRole(ctx, p.Arg("user_id"), p.Arg("role_id"))
		}, admin("role.remove", PermRemoveRoles)...).
		Field("Mutation", "assignPermission", func(ctx context.Context, p guard.Params) (any, error) {
			return s.rbac.AssignPermission(ctx, p.Arg("user_id"), p.Arg("permission_id"))
		}, admin("permission.assign", PermAssignPermissions)...).
		Field("Mutation", "removePermission", func(ctx context.Context, p guard.Params) (any, error) {
			return s.rbac.RemovePermission(ctx, p.Arg("user_id"), p.Arg("permission_id"))
		}, admin("permission.remove", PermRemovePermissions)...).
		Field("Mutation", "givePermissionToRole", func(ctx context.Context, p guard.Params) (any, error) {
			return s.rbac.GivePermissionToRole(ctx, p.Arg("role_id"), p.Arg("permission_id"))
		}, admin("role.give_permission", PermAssignPermissions)...).
		Field("Mutation", "revokePermissionFromRole", func(ctx context.Context, p guard.Params) (any, error) {
			return s.rbac.RevokePermissionFromRole(ctx, p.Arg("role_id"), p.Arg("permission_id"))
		}, admin("role.revoke_permission", PermRemovePermissions)...)
}

func auditFilters(p guard.Params) []audit.QueryOption {
	var opts []audit.QueryOption
	if v := p.Arg("action"); v != "" {
		opts = append(opts, audit.ForAction(v))
	}
	if v := p.Arg("user_id"); v != "" {
		opts = append(opts, audit.ForUser(v))
	}
	if v := p.Arg("auditable_type"); v != "" {
		opts = append(opts, audit.ForModel(v, p.Arg("auditable_id")))
	}
	from, fromOK := p.Args["from"].(time.Time)
	to, toOK := p.Args["to"].(time.Time)
	if fromOK || toOK {
		opts = append(opts, audit.InDateRange(from, to))
	}
	if n, ok := p.Args["limit"].(int); ok {
		opts = append(opts, audit.Limit(n))
	}
	return opts
}

// argStrings reads a list argument given as []string or []any.
func argStrings(p guard.Params, name string) []string {
	switch v := p.Args[name].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// argOptional returns a pointer to a string argument, nil when absent.
func argOptional(p guard.Params, name string) *string {
	v, ok := p.Args[name].(string)
	if !ok {
		return nil
	}
	return &v
}
