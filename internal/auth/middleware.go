package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/djlord-it/easy-notify/internal/domain"
)

type ctxKey string

const identityKey ctxKey = "identity"

// FromContext returns the identity stamped by RequireAuth.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// Authenticator verifies tokens and consults the revocation list.
type Authenticator struct {
	verifier *Verifier
	revoked  RevocationList
	logger   logrus.FieldLogger
}

func NewAuthenticator(verifier *Verifier, revoked RevocationList, logger logrus.FieldLogger) *Authenticator {
	return &Authenticator{
		verifier: verifier,
		revoked:  revoked,
		logger:   logger.WithField("component", "auth"),
	}
}

// Authenticate returns the identity behind token. Invalid, expired and
// revoked tokens yield an error wrapping domain.ErrUnauthorized.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (Identity, error) {
	id, err := a.verifier.Verify(token)
	if err != nil {
		return Identity{}, err
	}
	revoked, err := a.revoked.IsRevoked(ctx, id.TokenID)
	if err != nil {
		return Identity{}, errors.Wrap(err, "check revocation")
	}
	if revoked {
		return Identity{}, errors.Wrap(domain.ErrUnauthorized, "token revoked")
	}
	return id, nil
}

// Logout revokes the token identified by id until it expires.
func (a *Authenticator) Logout(ctx context.Context, id Identity) error {
	if err := a.revoked.Revoke(ctx, id.TokenID, id.ExpiresAt); err != nil {
		return errors.Wrap(err, "revoke token")
	}
	a.logger.WithField("user_id", id.UserID).Info("token revoked")
	return nil
}

// RequireAuth rejects requests without a valid bearer token. A revocation
// backend failure is reported as 503 rather than letting the request through.
func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if h == "" || !strings.HasPrefix(h, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))

		id, err := a.Authenticate(r.Context(), token)
		if err != nil {
			if errors.Is(err, domain.ErrUnauthorized) {
				a.logger.WithError(err).Debug("rejected token")
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			a.logger.WithError(err).Error("authentication backend failure")
			writeError(w, http.StatusServiceUnavailable, "authentication unavailable")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
