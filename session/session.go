// Package session issues, rotates and revokes access tokens, and ties them
// to the devices they were issued on.
//
// Login verifies credentials and issues an unrestricted token named after the
// device. Refresh redeems a token exactly once: the conditional delete in the
// store is the serialization point, so of two concurrent refreshes with the
// same token only one can succeed. Logout revokes every token of the
// principal.
package session

import (
	"context"
	"strings"
	"time"

	"github.com/dpup/fieldguard/auth"
	"github.com/dpup/fieldguard/auth/pwdauth"
	"github.com/dpup/fieldguard/device"
	"github.com/dpup/fieldguard/errors"
	"github.com/dpup/fieldguard/eventbus"
	"github.com/dpup/fieldguard/logging"
	"github.com/dpup/fieldguard/metrics"
	"github.com/dpup/fieldguard/ratelimit"
	"github.com/dpup/fieldguard/serverutil"
	"github.com/dpup/fieldguard/storage"
)

const (
	// TokenTypeBearer is returned with every issued token.
	TokenTypeBearer = "Bearer"

	// RefreshTokenName names tokens issued by Refresh.
	RefreshTokenName = "refresh-token"

	// DefaultDeviceName names login tokens when no device name is given.
	DefaultDeviceName = "unknown"
)

// Topics published on the event bus.
const (
	TopicLogin   = "auth.login"
	TopicRefresh = "auth.refresh"
	TopicLogout  = "auth.logout"
)

// Stubbed in tests.
var timeFunc = time.Now

// Event is published for logins, refreshes and logouts.
type Event struct {
	PrincipalID string
	TokenID     string
	DeviceID    string
	IPAddress   string
	UserAgent   string
}

// Credentials identify an account for Login.
type Credentials struct {
	Email    string
	Password string
}

// Result is returned by Login and Refresh.
type Result struct {
	Principal   *auth.Principal
	AccessToken string
	TokenType   string
	Token       *Token
	Device      *device.Device
}

// Verifier checks credentials. *pwdauth.Verifier implements it.
type Verifier interface {
	Verify(ctx context.Context, email, password string) (*pwdauth.Account, error)
}

// PrincipalLoader builds the principal for an account id, with its roles and
// resolved permissions. It returns storage.ErrNotFound for unknown ids.
type PrincipalLoader interface {
	LoadPrincipal(ctx context.Context, id string) (*auth.Principal, error)
}

// PrincipalLoaderFunc adapts a function to a PrincipalLoader.
type PrincipalLoaderFunc func(ctx context.Context, id string) (*auth.Principal, error)

func (f PrincipalLoaderFunc) LoadPrincipal(ctx context.Context, id string) (*auth.Principal, error) {
	return f(ctx, id)
}

// Option configures a Service.
type Option func(*Service)

// WithDevices registers a device on login and maintains it on refresh,
// authentication and logout.
func WithDevices(r *device.Registry) Option {
	return func(s *Service) { s.devices = r }
}

// WithLimiter throttles login attempts per email.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

// WithEvents publishes session events.
func WithEvents(p eventbus.Publisher) Option {
	return func(s *Service) { s.events = p }
}

// WithMetrics counts session operations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithTokenExpiration sets the lifetime of issued tokens. Zero means tokens
// do not expire.
func WithTokenExpiration(d time.Duration) Option {
	return func(s *Service) { s.tokenTTL = d }
}

// WithRefreshExpiration limits how long after issue a token may be redeemed
// by Refresh. Zero means no limit.
func WithRefreshExpiration(d time.Duration) Option {
	return func(s *Service) { s.refreshTTL = d }
}

// WithDefaultDeviceName names login tokens when no device name is given.
func WithDefaultDeviceName(name string) Option {
	return func(s *Service) {
		if name != "" {
			s.defaultDeviceName = name
		}
	}
}

// Service manages tokens.
type Service struct {
	store      storage.Store
	verifier   Verifier
	principals PrincipalLoader

	devices           *device.Registry
	limiter           ratelimit.Limiter
	events            eventbus.Publisher
	metrics           *metrics.Metrics
	tokenTTL          time.Duration
	refreshTTL        time.Duration
	defaultDeviceName string
}

// NewService returns a session service storing tokens in store.
func NewService(store storage.Store, verifier Verifier, principals PrincipalLoader, opts ...Option) *Service {
	s := &Service{
		store:             store,
		verifier:          verifier,
		principals:        principals,
		limiter:           ratelimit.Unlimited{},
		defaultDeviceName: DefaultDeviceName,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Login verifies credentials and issues an unrestricted token named after
// deviceName. Every credential failure is reported as
// auth.ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, creds Credentials, deviceName string) (res *Result, err error) {
	defer func() { s.metrics.AuthEvent("login", err) }()

	key := strings.ToLower(strings.TrimSpace(creds.Email))
	if ok, err := s.limiter.Allow(ctx, "login:"+key); err != nil {
		return nil, err
	} else if !ok {
		s.metrics.RateLimited("login")
		logging.Infow(ctx, "session: login rate limited")
		return nil, errors.Mark(ratelimit.ErrLimited, 0)
	}

	account, err := s.verifier.Verify(ctx, creds.Email, creds.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			logging.Infow(ctx, "session: login failed")
		}
		return nil, err
	}

	principal, err := s.principals.LoadPrincipal(ctx, account.ID)
	if storage.IsNotFound(err) {
		logging.Infow(ctx, "session: login failed")
		return nil, errors.Mark(auth.ErrInvalidCredentials, 0)
	} else if err != nil {
		return nil, err
	}

	if deviceName == "" {
		deviceName = s.defaultDeviceName
	}
	plain, tok, err := s.IssueToken(ctx, principal.ID, deviceName, []string{AbilityAll})
	if err != nil {
		return nil, err
	}

	res = &Result{Principal: principal, AccessToken: plain, TokenType: TokenTypeBearer, Token: tok}
	if s.devices != nil {
		res.Device, err = s.devices.Register(ctx, principal.ID, device.Registration{
			Name:    deviceName,
			TokenID: tok.ID,
		})
		if err != nil {
			if derr := s.store.Delete(context.WithoutCancel(ctx), tok); derr != nil && !storage.IsNotFound(derr) {
				logging.Errorw(ctx, "session: failed to delete token after device registration failed",
					"token.id", tok.ID, "error", derr)
			}
			return nil, err
		}
	}

	logging.Track(ctx, "principal.id", principal.ID)
	s.publish(ctx, TopicLogin, res)
	return res, nil
}

// Refresh redeems a token for a new one. The redeemed token is deleted;
// redeeming it again fails with auth.ErrInvalidToken.
func (s *Service) Refresh(ctx context.Context, plaintext string) (res *Result, err error) {
	defer func() { s.metrics.AuthEvent("refresh", err) }()

	old, err := s.find(ctx, plaintext)
	if err != nil {
		return nil, err
	}
	if s.refreshTTL > 0 && timeFunc().After(old.CreatedAt.Add(s.refreshTTL)) {
		return nil, errors.Mark(auth.ErrInvalidToken, 0)
	}

	principal, err := s.principals.LoadPrincipal(ctx, old.PrincipalID)
	if storage.IsNotFound(err) {
		return nil, errors.Mark(auth.ErrInvalidToken, 0)
	} else if err != nil {
		return nil, err
	}

	// Only one concurrent redemption gets to delete the token.
	if err := s.store.Delete(ctx, old); storage.IsNotFound(err) {
		return nil, errors.Mark(auth.ErrInvalidToken, 0)
	} else if err != nil {
		return nil, err
	}

	plain, tok, err := s.IssueToken(ctx, principal.ID, RefreshTokenName, []string{AbilityAll})
	if err != nil {
		return nil, err
	}

	res = &Result{Principal: principal, AccessToken: plain, TokenType: TokenTypeBearer, Token: tok}
	if s.devices != nil {
		if err := s.devices.Relink(ctx, principal.ID, old.ID, tok.ID); err != nil {
			return nil, err
		}
		res.Device, err = s.devices.ByToken(ctx, principal.ID, tok.ID)
		if err != nil {
			return nil, err
		}
	}

	s.publish(ctx, TopicRefresh, res)
	return res, nil
}

// Logout revokes every token of p and deactivates its devices. A nil
// principal is a no-op.
func (s *Service) Logout(ctx context.Context, p *auth.Principal) (err error) {
	if p == nil {
		return nil
	}
	defer func() { s.metrics.AuthEvent("logout", err) }()

	if _, err := s.revoke(ctx, p.ID, func(*Token) bool { return true }); err != nil {
		return err
	}
	if s.devices != nil {
		if _, err := s.devices.DeactivateAll(ctx, p.ID); err != nil {
			return err
		}
	}
	s.publish(ctx, TopicLogout, &Result{Principal: p})
	return nil
}

// Authenticate resolves the principal for an access token, stamps the token
// and its device as used, and returns both.
func (s *Service) Authenticate(ctx context.Context, plaintext string) (*auth.Principal, *Token, error) {
	tok, err := s.find(ctx, plaintext)
	if err != nil {
		return nil, nil, err
	}
	now := timeFunc()
	if tok.Expired(now) {
		return nil, nil, auth.Deny(auth.ErrInvalidToken, "Token has expired.")
	}

	principal, err := s.principals.LoadPrincipal(ctx, tok.PrincipalID)
	if storage.IsNotFound(err) {
		return nil, nil, errors.Mark(auth.ErrInvalidToken, 0)
	} else if err != nil {
		return nil, nil, err
	}

	tok.LastUsedAt = &now
	if err := s.store.Update(ctx, tok); err != nil && !storage.IsNotFound(err) {
		logging.Warnw(ctx, "session: failed to stamp token use", "error", err)
	}
	if s.devices != nil {
		if err := s.devices.Touch(ctx, principal.ID, tok.ID); err != nil {
			logging.Warnw(ctx, "session: failed to touch device", "error", err)
		}
	}
	return principal, tok, nil
}

// IsValidToken reports whether plaintext resolves to a stored, unexpired
// token.
func (s *Service) IsValidToken(ctx context.Context, plaintext string) bool {
	tok, err := s.find(ctx, plaintext)
	return err == nil && !tok.Expired(timeFunc())
}

// TokenAbilities returns the abilities of a token, or nil when the token is
// not found.
func (s *Service) TokenAbilities(ctx context.Context, plaintext string) []string {
	tok, err := s.find(ctx, plaintext)
	if err != nil {
		return nil
	}
	return tok.Abilities
}

// TokenCan reports whether a token grants ability.
func (s *Service) TokenCan(ctx context.Context, plaintext, ability string) bool {
	tok, err := s.find(ctx, plaintext)
	return err == nil && tok.Can(ability)
}

// IssueToken creates a token for the principal and returns its plaintext.
func (s *Service) IssueToken(ctx context.Context, principalID, name string, abilities []string) (string, *Token, error) {
	if len(abilities) == 0 {
		abilities = []string{AbilityAll}
	}
	tok, plain, err := newToken(principalID, name, abilities, timeFunc(), s.tokenTTL)
	if err != nil {
		return "", nil, errors.WrapPrefix(err, "session: generating token", 0)
	}
	if err := s.store.Create(ctx, tok); err != nil {
		return "", nil, errors.WrapPrefix(err, "session: storing token", 0)
	}
	return plain, tok, nil
}

// Tokens lists the principal's tokens.
func (s *Service) Tokens(ctx context.Context, principalID string) ([]*Token, error) {
	if principalID == "" {
		return nil, nil
	}
	var tokens []*Token
	if err := s.store.List(ctx, &tokens, &Token{PrincipalID: principalID}); err != nil {
		return nil, err
	}
	return tokens, nil
}

// RevokeToken deletes a single token. It reports false when the token was not
// found.
func (s *Service) RevokeToken(ctx context.Context, plaintext string) (bool, error) {
	tok, err := s.find(ctx, plaintext)
	if err != nil {
		return false, nil
	}
	if err := s.store.Delete(ctx, tok); storage.IsNotFound(err) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

// RevokeOtherTokens deletes every token of the principal except keepID.
func (s *Service) RevokeOtherTokens(ctx context.Context, principalID, keepID string) (int, error) {
	return s.revoke(ctx, principalID, func(t *Token) bool { return t.ID != keepID })
}

// RevokeTokensByName deletes the principal's tokens with the given name.
func (s *Service) RevokeTokensByName(ctx context.Context, principalID, name string) (int, error) {
	return s.revoke(ctx, principalID, func(t *Token) bool { return t.Name == name })
}

func (s *Service) revoke(ctx context.Context, principalID string, match func(*Token) bool) (int, error) {
	tokens, err := s.Tokens(ctx, principalID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tokens {
		if !match(t) {
			continue
		}
		if err := s.store.Delete(ctx, t); storage.IsNotFound(err) {
			continue
		} else if err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// find resolves a plaintext token to its stored record.
func (s *Service) find(ctx context.Context, plaintext string) (*Token, error) {
	id, secret := parsePlaintext(plaintext)
	if secret == "" {
		return nil, errors.Mark(auth.ErrInvalidToken, 0)
	}

	var tok *Token
	if id != "" {
		t := &Token{}
		if err := s.store.Read(ctx, id, t); storage.IsNotFound(err) {
			return nil, errors.Mark(auth.ErrInvalidToken, 0)
		} else if err != nil {
			return nil, err
		}
		tok = t
	} else {
		var tokens []*Token
		if err := s.store.List(ctx, &tokens, &Token{Hash: hashSecret(secret)}); err != nil {
			return nil, err
		}
		if len(tokens) == 0 {
			return nil, errors.Mark(auth.ErrInvalidToken, 0)
		}
		tok = tokens[0]
	}

	if !tok.matches(secret) {
		return nil, errors.Mark(auth.ErrInvalidToken, 0)
	}
	return tok, nil
}

func (s *Service) publish(ctx context.Context, topic string, res *Result) {
	if s.events == nil {
		return
	}
	req := serverutil.RequestFromContext(ctx)
	e := Event{
		PrincipalID: res.Principal.GetID(),
		IPAddress:   req.IP(),
		UserAgent:   req.UserAgent(),
	}
	if res.Token != nil {
		e.TokenID = res.Token.ID
	}
	if res.Device != nil {
		e.DeviceID = res.Device.ID
	}
	s.events.Publish(ctx, topic, e)
}
