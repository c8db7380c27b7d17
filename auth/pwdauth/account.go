// Package pwdauth verifies email and password credentials against stored
// accounts.
package pwdauth

import (
	"context"
	"strings"

	"github.com/dpup/fieldguard/auth"
	"github.com/dpup/fieldguard/errors"
	"github.com/dpup/fieldguard/storage"
	"github.com/google/uuid"
)

// AccountFinder looks up accounts. Applications with their own user model can
// implement it instead of using AccountStore.
type AccountFinder interface {
	// FindAccount looks up a user by their email. Returns storage.ErrNotFound
	// when there is no such account.
	FindAccount(ctx context.Context, email string) (*Account, error)

	// FindAccountByID looks up a user by id.
	FindAccountByID(ctx context.Context, id string) (*Account, error)
}

// Account contains the information needed to authenticate a user and build
// its principal.
type Account struct {
	ID             string
	Email          string
	Name           string
	TenantID       string
	HashedPassword []byte
}

func (a Account) PK() string { return a.ID }

// AuditHidden keeps the password hash out of audit records.
func (a Account) AuditHidden() []string { return []string{"HashedPassword"} }

// Verifier checks credentials.
type Verifier struct {
	finder AccountFinder
	hasher Hasher

	// Compared against when no account exists, so that unknown emails cost
	// the same as wrong passwords.
	decoy []byte
}

// NewVerifier returns a Verifier using hasher. A nil hasher uses
// DefaultHasher.
func NewVerifier(finder AccountFinder, hasher Hasher) *Verifier {
	if hasher == nil {
		hasher = DefaultHasher
	}
	decoy, _ := hasher.Generate([]byte(uuid.NewString()))
	return &Verifier{finder: finder, hasher: hasher, decoy: decoy}
}

// Verify returns the account matching email and password. Every failure,
// whether the account is missing or the password is wrong, is reported as
// auth.ErrInvalidCredentials. Storage errors other than not found are
// returned unchanged.
func (v *Verifier) Verify(ctx context.Context, email, password string) (*Account, error) {
	if email == "" || password == "" {
		return nil, errors.Mark(auth.ErrInvalidCredentials, 0)
	}

	a, err := v.finder.FindAccount(ctx, email)
	if errors.Is(err, storage.ErrNotFound) {
		_ = v.hasher.Compare(v.decoy, []byte(password))
		return nil, errors.Mark(auth.ErrInvalidCredentials, 0)
	} else if err != nil {
		return nil, err
	}

	if err := v.hasher.Compare(a.HashedPassword, []byte(password)); err != nil {
		return nil, errors.Mark(auth.ErrInvalidCredentials, 0)
	}
	return a, nil
}

// AccountStore persists accounts in a storage.Store.
type AccountStore struct {
	store  storage.Store
	hasher Hasher
}

var _ AccountFinder = (*AccountStore)(nil)

// NewAccountStore returns an AccountStore. A nil hasher uses DefaultHasher.
func NewAccountStore(store storage.Store, hasher Hasher) *AccountStore {
	if hasher == nil {
		hasher = DefaultHasher
	}
	return &AccountStore{store: store, hasher: hasher}
}

// CreateAccount hashes password and stores a new account. Emails are unique,
// compared case-insensitively.
func (s *AccountStore) CreateAccount(ctx context.Context, email, name, tenantID, password string) (*Account, error) {
	email = normalizeEmail(email)
	if _, err := s.FindAccount(ctx, email); err == nil {
		return nil, errors.Mark(storage.ErrAlreadyExists, 0).Append("email already registered")
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	hashed, err := s.hasher.Generate([]byte(password))
	if err != nil {
		return nil, errors.WrapPrefix(err, "hashing password", 0)
	}
	a := &Account{
		ID:             uuid.NewString(),
		Email:          email,
		Name:           name,
		TenantID:       tenantID,
		HashedPassword: hashed,
	}
	if err := s.store.Create(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *AccountStore) FindAccount(ctx context.Context, email string) (*Account, error) {
	var accounts []Account
	if err := s.store.List(ctx, &accounts, Account{Email: normalizeEmail(email)}); err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, errors.Mark(storage.ErrNotFound, 0)
	}
	return &accounts[0], nil
}

func (s *AccountStore) FindAccountByID(ctx context.Context, id string) (*Account, error) {
	a := &Account{}
	if err := s.store.Read(ctx, id, a); err != nil {
		return nil, err
	}
	return a, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
