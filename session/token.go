package session

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AbilityAll grants every ability.
const AbilityAll = "*"

// Token is a stored personal access token. Only a hash of the secret is kept;
// the plaintext "<id>|<secret>" is handed to the client once, when issued.
type Token struct {
	ID          string
	PrincipalID string
	Name        string
	Abilities   []string
	Hash        string
	ExpiresAt   *time.Time
	LastUsedAt  *time.Time
	CreatedAt   time.Time
}

func (t *Token) PK() string { return t.ID }

// Can reports whether the token grants ability.
func (t *Token) Can(ability string) bool {
	return slices.Contains(t.Abilities, AbilityAll) || slices.Contains(t.Abilities, ability)
}

// Expired reports whether the token has an expiry at or before now.
func (t *Token) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !t.ExpiresAt.After(now)
}

// newToken returns a token and its plaintext form.
func newToken(principalID, name string, abilities []string, now time.Time, ttl time.Duration) (*Token, string, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, "", err
	}
	plain := hex.EncodeToString(secret)

	t := &Token{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		Name:        name,
		Abilities:   abilities,
		Hash:        hashSecret(plain),
		CreatedAt:   now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		t.ExpiresAt = &exp
	}
	return t, t.ID + "|" + plain, nil
}

// parsePlaintext splits "<id>|<secret>". A value without an id is treated as
// a bare secret.
func parsePlaintext(plaintext string) (id, secret string) {
	if id, secret, ok := strings.Cut(plaintext, "|"); ok {
		return id, secret
	}
	return "", plaintext
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func (t *Token) matches(secret string) bool {
	return subtle.ConstantTimeCompare([]byte(t.Hash), []byte(hashSecret(secret))) == 1
}
