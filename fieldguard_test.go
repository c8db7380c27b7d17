package fieldguard

import (
	"context"
	"sync"
	"testing"

	"github.com/dpup/fieldguard/audit"
	"github.com/dpup/fieldguard/auth"
	"github.com/dpup/fieldguard/auth/pwdauth"
	"github.com/dpup/fieldguard/device"
	"github.com/dpup/fieldguard/errors"
	"github.com/dpup/fieldguard/guard"
	"github.com/dpup/fieldguard/logging"
	"github.com/dpup/fieldguard/rbac"
	"github.com/dpup/fieldguard/serverutil"
	"github.com/dpup/fieldguard/session"
	"github.com/dpup/fieldguard/storage/memstore"
	"github.com/dpup/fieldguard/tenant"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

type auditCapture struct {
	mu   sync.Mutex
	recs []audit.Record
}

func (c *auditCapture) Write(_ context.Context, rec *audit.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, *rec)
	return nil
}

func (c *auditCapture) actions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, r := range c.recs {
		out = append(out, r.Action)
	}
	return out
}

func newSystem(t *testing.T, opts ...Option) *System {
	t.Helper()
	base := []Option{
		WithStore(memstore.New()),
		WithRegisterer(prometheus.NewRegistry()),
		WithHasher(pwdauth.TestHasher),
		WithLogger(logging.NewZapLogger(zap.NewNop())),
		WithSeed(true),
	}
	sys, err := New(t.Context(), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sys.Shutdown(context.Background()) })
	return sys
}

func login(t *testing.T, sys *System, email string) (context.Context, *session.Result) {
	t.Helper()
	v, err := sys.Schema().Resolve(t.Context(), "Mutation", "login", nil, map[string]any{
		"email":       email,
		"password":    "secret",
		"device_name": "laptop",
	})
	require.NoError(t, err)
	res := v.(*session.Result)
	ctx, err := sys.Authenticate(t.Context(), res.AccessToken)
	require.NoError(t, err)
	return ctx, res
}

func TestNew_registersFields(t *testing.T) {
	sys := newSystem(t)

	var names []string
	for _, f := range sys.Schema().Fields() {
		names = append(names, f.String())
	}
	for _, want := range []string{
		"Mutation.login", "Mutation.refreshToken", "Mutation.logout",
		"Mutation.registerDevice", "Mutation.removeDevice", "Mutation.deactivateAllDevices",
		"Query.me", "Query.myRoles", "Query.myPermissions", "Query.myDevices",
		"Mutation.createRole", "Mutation.assignRole", "Mutation.givePermissionToRole",
		"Query.roles", "Query.auditLogs",
	} {
		assert.Contains(t, names, want)
	}
	assert.Equal(t, []string{"audit", "permission"}, sys.Schema().Guards("Mutation", "createRole"))

	roles, err := sys.RBAC().Roles(t.Context())
	require.NoError(t, err)
	assert.Len(t, roles, len(rbac.DefaultRoles))
}

func TestNew_unknownStorageDriver(t *testing.T) {
	_, err := New(t.Context(),
		WithLogger(logging.NewZapLogger(zap.NewNop())),
		WithoutMetrics(),
		func(b *builder) { b.storageDriver = "mongo" },
	)
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, errors.Code(err))
}

func TestLoginAndProfile(t *testing.T) {
	sys := newSystem(t)
	a, err := sys.CreateAccount(t.Context(), "x@x.com", "X", "acme", "secret", "editor")
	require.NoError(t, err)

	ctx, res := login(t, sys, "x@x.com")
	assert.Equal(t, session.TokenTypeBearer, res.TokenType)
	assert.Equal(t, a.ID, res.Principal.ID)

	v, err := sys.Schema().Resolve(ctx, "Query", "me", nil, nil)
	require.NoError(t, err)
	me := v.(*Profile)
	assert.Equal(t, "x@x.com", me.Email)
	assert.Equal(t, "acme", me.TenantID)
	assert.Equal(t, []string{"editor"}, me.Roles)

	v, err = sys.Schema().Resolve(ctx, "Query", "myPermissions", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"create posts", "edit posts", "publish posts", "view posts"}, v)

	v, err = sys.Schema().Resolve(ctx, "Query", "myDevices", nil, nil)
	require.NoError(t, err)
	devices := v.([]*device.Device)
	require.Len(t, devices, 1)
	assert.Equal(t, "laptop", devices[0].Name)
	assert.Equal(t, res.Token.ID, devices[0].TokenID)
}

func TestLogin_invalidCredentials(t *testing.T) {
	sys := newSystem(t)
	_, err := sys.CreateAccount(t.Context(), "x@x.com", "X", "", "secret")
	require.NoError(t, err)

	_, wrong := sys.Schema().Resolve(t.Context(), "Mutation", "login", nil, map[string]any{"email": "x@x.com", "password": "wrong"})
	_, missing := sys.Schema().Resolve(t.Context(), "Mutation", "login", nil, map[string]any{"email": "y@x.com", "password": "wrong"})

	require.ErrorIs(t, wrong, auth.ErrInvalidCredentials)
	require.ErrorIs(t, missing, auth.ErrInvalidCredentials)
	assert.Equal(t, errors.PublicMessage(wrong), errors.PublicMessage(missing))
}

func TestAnonymousQueries(t *testing.T) {
	sys := newSystem(t)
	ctx := t.Context()

	for field, want := range map[string]any{
		"myRoles":       []string{},
		"myPermissions": []string{},
		"myDevices":     []*device.Device{},
	} {
		v, err := sys.Schema().Resolve(ctx, "Query", field, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, want, v, field)
	}

	v, err := sys.Schema().Resolve(ctx, "Query", "me", nil, nil)
	require.NoError(t, err)
	assert.Nil(t, v.(*Profile))

	v, err = sys.Schema().Resolve(ctx, "Mutation", "logout", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, true, v)

	_, err = sys.Schema().Resolve(ctx, "Mutation", "registerDevice", nil, nil)
	require.ErrorIs(t, err, auth.ErrUnauthenticated)

	ctx, err = sys.Authenticate(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, auth.PrincipalFromContext(ctx))
}

func TestRefreshToken(t *testing.T) {
	sys := newSystem(t)
	_, err := sys.CreateAccount(t.Context(), "x@x.com", "X", "", "secret", "user")
	require.NoError(t, err)
	_, res := login(t, sys, "x@x.com")

	args := map[string]any{"refresh_token": res.AccessToken}
	v, err := sys.Schema().Resolve(t.Context(), "Mutation", "refreshToken", nil, args)
	require.NoError(t, err)
	assert.Equal(t, session.RefreshTokenName, v.(*session.Result).Token.Name)

	_, err = sys.Schema().Resolve(t.Context(), "Mutation", "refreshToken", nil, args)
	require.ErrorIs(t, err, auth.ErrInvalidToken)

	_, err = sys.Authenticate(t.Context(), res.AccessToken)
	require.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestLogout(t *testing.T) {
	sys := newSystem(t)
	_, err := sys.CreateAccount(t.Context(), "x@x.com", "X", "", "secret")
	require.NoError(t, err)
	ctx, res := login(t, sys, "x@x.com")

	v, err := sys.Schema().Resolve(ctx, "Mutation", "logout", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, true, v)

	assert.False(t, sys.Sessions().IsValidToken(t.Context(), res.AccessToken))
	active, err := sys.Devices().Active(t.Context(), res.Principal.ID)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestDeviceOperations(t *testing.T) {
	sys := newSystem(t, WithMaxDevices(2))
	_, err := sys.CreateAccount(t.Context(), "x@x.com", "X", "", "secret")
	require.NoError(t, err)
	ctx, res := login(t, sys, "x@x.com")

	v, err := sys.Schema().Resolve(ctx, "Mutation", "registerDevice", nil, map[string]any{"name": "phone"})
	require.NoError(t, err)
	phone := v.(*device.Device)
	assert.Equal(t, res.Token.ID, phone.TokenID, "linked to the current token")

	_, err = sys.RegisterDevice(ctx, "tablet")
	require.NoError(t, err)
	active, err := sys.Devices().Active(ctx, res.Principal.ID)
	require.NoError(t, err)
	assert.Len(t, active, 2, "cap holds")

	v, err = sys.Schema().Resolve(ctx, "Mutation", "removeDevice", nil, map[string]any{"id": phone.ID})
	require.NoError(t, err)
	assert.Equal(t, true, v)
	v, err = sys.Schema().Resolve(ctx, "Mutation", "removeDevice", nil, map[string]any{"id": phone.ID})
	require.NoError(t, err)
	assert.Equal(t, false, v)

	v, err = sys.Schema().Resolve(ctx, "Mutation", "deactivateAllDevices", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestRoleAdministration(t *testing.T) {
	capture := &auditCapture{}
	sys := newSystem(t, WithAuditSink(capture))
	_, err := sys.CreateAccount(t.Context(), "admin@x.com", "Admin", "", "secret", "admin")
	require.NoError(t, err)
	u, err := sys.CreateAccount(t.Context(), "user@x.com", "User", "", "secret", "user")
	require.NoError(t, err)

	adminCtx, _ := login(t, sys, "admin@x.com")
	userCtx, _ := login(t, sys, "user@x.com")

	// A principal with only "view posts" can not create roles.
	_, err = sys.Schema().Resolve(userCtx, "Mutation", "createRole", nil, map[string]any{"name": "reviewer"})
	require.ErrorIs(t, err, auth.ErrForbidden)
	assert.Contains(t, errors.PublicMessage(err), "create roles")

	v, err := sys.Schema().Resolve(adminCtx, "Mutation", "createRole", nil, map[string]any{
		"name":        "reviewer",
		"permissions": []any{"view posts", "edit posts"},
	})
	require.NoError(t, err)
	reviewer := v.(*rbac.Role)
	assert.Equal(t, []string{"edit posts", "view posts"}, reviewer.Permissions)

	_, err = sys.Schema().Resolve(adminCtx, "Mutation", "assignRole", nil, map[string]any{
		"user_id": u.ID,
		"role_id": reviewer.ID,
	})
	require.NoError(t, err)

	p, err := sys.LoadPrincipal(t.Context(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"reviewer", "user"}, p.Roles)
	assert.True(t, p.HasPermission("edit posts"))

	v, err = sys.Schema().Resolve(adminCtx, "Mutation", "updateRole", nil, map[string]any{"id": reviewer.ID, "name": "critic"})
	require.NoError(t, err)
	assert.Equal(t, "critic", v.(*rbac.Role).Name)

	v, err = sys.Schema().Resolve(adminCtx, "Mutation", "deleteRole", nil, map[string]any{"id": reviewer.ID})
	require.NoError(t, err)
	assert.Equal(t, true, v)

	actions := capture.actions()
	assert.Contains(t, actions, "role.create")
	assert.Contains(t, actions, audit.EventCreated)
	assert.Contains(t, actions, audit.EventUpdated)
	assert.Contains(t, actions, audit.EventDeleted)

	// The denied attempt was audited too.
	var denied *audit.Record
	capture.mu.Lock()
	for i := range capture.recs {
		if capture.recs[i].Action == "role.create" && capture.recs[i].Actor() == u.ID {
			denied = &capture.recs[i]
		}
	}
	capture.mu.Unlock()
	require.NotNil(t, denied)
	assert.Equal(t, "error", denied.Metadata["outcome"])
	assert.Equal(t, auth.ReasonForbidden, denied.Metadata["error_kind"])

	v, err = sys.Schema().Resolve(adminCtx, "Query", "auditLogs", nil, map[string]any{"action": "role.create", "limit": 1})
	require.NoError(t, err)
	logs := v.([]*audit.Record)
	require.Len(t, logs, 1)
	assert.Equal(t, "Mutation.createRole", logs[0].Field)
}

func TestCreateAccount_hidesPassword(t *testing.T) {
	capture := &auditCapture{}
	sys := newSystem(t, WithAuditSink(capture))
	a, err := sys.CreateAccount(t.Context(), "x@x.com", "X", "", "secret")
	require.NoError(t, err)

	require.Len(t, capture.recs, 1)
	assert.Equal(t, a.ID, capture.recs[0].AuditableID)
	assert.NotContains(t, capture.recs[0].Data, "HashedPassword")
	assert.Equal(t, "x@x.com", capture.recs[0].Data["Email"])
}

func TestAuditDisabled(t *testing.T) {
	capture := &auditCapture{}
	sys := newSystem(t, WithAuditSink(capture), WithAudit(false))
	_, err := sys.CreateAccount(t.Context(), "x@x.com", "X", "", "secret")
	require.NoError(t, err)
	login(t, sys, "x@x.com")
	assert.Empty(t, capture.actions())
}

type post struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
}

type postsExtension struct {
	posts []post
}

func (e *postsExtension) Name() string { return "posts" }

func (e *postsExtension) Init(_ context.Context, s *System) error {
	s.Schema().Field("Query", "posts", func(context.Context, guard.Params) (any, error) {
		return e.posts, nil
	},
		guard.Audit(s.AuditLogger(), "view"),
		guard.Permission("view posts"),
		guard.TenantScope(s.TenantResolver(), guard.DefaultTenantRelation),
	)
	s.Schema().Field("Query", "post", func(_ context.Context, p guard.Params) (any, error) {
		for _, post := range e.posts {
			if post.ID == p.Arg("id") {
				return post, nil
			}
		}
		return nil, nil
	}, guard.Ownership(guard.DefaultOwnerRelation))
	return nil
}

func TestExtensionFields(t *testing.T) {
	sys := newSystem(t,
		WithTenancy(tenant.Config{Enabled: true, Resolver: tenant.StrategyHeader, HeaderName: tenant.DefaultHeaderName}),
		WithExtension(&postsExtension{posts: []post{
			{ID: "p1", TenantID: "acme", UserID: "nobody"},
			{ID: "p2", TenantID: "other", UserID: "nobody"},
		}}),
	)
	_, err := sys.CreateAccount(t.Context(), "x@x.com", "X", "acme", "secret", "user")
	require.NoError(t, err)
	ctx, _ := login(t, sys, "x@x.com")
	require.NotNil(t, sys.Extensions().Get("posts"))

	// Header strategy with X-Tenant-ID: acme keeps only acme's posts.
	reqCtx := serverutil.WithRequest(ctx, serverutil.StaticRequest{Headers: map[string]string{"X-Tenant-ID": "acme"}})
	v, err := sys.Schema().Resolve(reqCtx, "Query", "posts", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []post{{ID: "p1", TenantID: "acme", UserID: "nobody"}}, v)

	_, err = sys.Schema().Resolve(ctx, "Query", "posts", nil, nil)
	require.ErrorIs(t, err, auth.ErrTenantUnresolved)

	_, err = sys.Schema().Resolve(ctx, "Query", "post", nil, map[string]any{"id": "p1"})
	require.ErrorIs(t, err, auth.ErrForbidden)
}
