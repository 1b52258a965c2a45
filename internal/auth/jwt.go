// Package auth verifies bearer tokens issued by the identity provider and
// keeps a list of revoked tokens.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/djlord-it/easy-notify/internal/domain"
)

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	// TokenID is the jti claim, or a digest of the token when absent.
	TokenID   string
	ExpiresAt time.Time
}

// Verifier checks HS256 tokens signed with a shared secret.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	clock    func() time.Time
}

// NewVerifier builds a verifier. Empty issuer or audience disables that check.
func NewVerifier(secret, issuer, audience string) *Verifier {
	return &Verifier{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		clock:    time.Now,
	}
}

// WithClock overrides the time source. Intended for tests.
func (v *Verifier) WithClock(clock func() time.Time) *Verifier {
	v.clock = clock
	return v
}

// Verify parses token and returns the identity it carries. Every failure
// wraps domain.ErrUnauthorized.
func (v *Verifier) Verify(token string) (Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.clock),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := &jwt.RegisteredClaims{}
	t, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, errors.Wrap(domain.ErrUnauthorized, err.Error())
	}
	if !t.Valid {
		return Identity{}, errors.Wrap(domain.ErrUnauthorized, "invalid token")
	}
	if claims.Subject == "" {
		return Identity{}, errors.Wrap(domain.ErrUnauthorized, "missing sub")
	}

	id := Identity{
		UserID:  claims.Subject,
		TokenID: claims.ID,
	}
	if id.TokenID == "" {
		sum := sha256.Sum256([]byte(token))
		id.TokenID = hex.EncodeToString(sum[:])
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}

// Sign issues a token for userID valid for ttl. Used by tests and local
// tooling; production tokens come from the identity provider.
func (v *Verifier) Sign(userID string, ttl time.Duration) (string, error) {
	now := v.clock()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    v.issuer,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
