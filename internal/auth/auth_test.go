package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/easy-notify/internal/domain"
	"github.com/djlord-it/easy-notify/internal/testutil"
)

const secret = "test-secret-with-enough-entropy"

var now = time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return now }

func TestVerify_RoundTrip(t *testing.T) {
	v := NewVerifier(secret, "https://id.example.com", "easynotify").WithClock(fixedClock)

	token, err := v.Sign("user-1", time.Hour)
	require.NoError(t, err)

	id, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.UserID)
	assert.NotEmpty(t, id.TokenID)
	assert.Equal(t, now.Add(time.Hour), id.ExpiresAt)
}

func TestVerify_Rejections(t *testing.T) {
	v := NewVerifier(secret, "https://id.example.com", "easynotify").WithClock(fixedClock)

	sign := func(claims jwt.RegisteredClaims, key string, method jwt.SigningMethod) string {
		tok, err := jwt.NewWithClaims(method, claims).SignedString([]byte(key))
		require.NoError(t, err)
		return tok
	}
	valid := jwt.RegisteredClaims{
		Subject:   "user-1",
		Issuer:    "https://id.example.com",
		Audience:  jwt.ClaimStrings{"easynotify"},
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"wrong secret", sign(valid, "other-secret", jwt.SigningMethodHS256)},
		{"wrong algorithm", sign(valid, secret, jwt.SigningMethodHS512)},
		{"expired", func() string {
			c := valid
			c.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute))
			return sign(c, secret, jwt.SigningMethodHS256)
		}()},
		{"no expiry", func() string {
			c := valid
			c.ExpiresAt = nil
			return sign(c, secret, jwt.SigningMethodHS256)
		}()},
		{"wrong issuer", func() string {
			c := valid
			c.Issuer = "https://evil.example.com"
			return sign(c, secret, jwt.SigningMethodHS256)
		}()},
		{"wrong audience", func() string {
			c := valid
			c.Audience = jwt.ClaimStrings{"someone-else"}
			return sign(c, secret, jwt.SigningMethodHS256)
		}()},
		{"missing subject", func() string {
			c := valid
			c.Subject = ""
			return sign(c, secret, jwt.SigningMethodHS256)
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			assert.ErrorIs(t, err, domain.ErrUnauthorized)
		})
	}
}

func TestVerify_TokenIDFallsBackToDigest(t *testing.T) {
	v := NewVerifier(secret, "", "").WithClock(fixedClock)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	id, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Len(t, id.TokenID, 64)
}

func TestMemoryRevocationList(t *testing.T) {
	clock := testutil.NewFakeClock(now)
	l := NewMemoryRevocationList().WithClock(clock.Now)
	ctx := context.Background()

	require.NoError(t, l.Revoke(ctx, "t1", now.Add(time.Hour)))
	require.NoError(t, l.Revoke(ctx, "stale", now.Add(-time.Hour)))

	revoked, _ := l.IsRevoked(ctx, "t1")
	assert.True(t, revoked)
	revoked, _ = l.IsRevoked(ctx, "stale")
	assert.False(t, revoked)

	clock.Advance(2 * time.Hour)
	revoked, _ = l.IsRevoked(ctx, "t1")
	assert.False(t, revoked, "entries lapse with the token")

	require.NoError(t, l.Revoke(ctx, "t2", clock.Now().Add(time.Hour)))
	assert.Equal(t, 1, l.Len(), "expired entries pruned on write")
}

func TestRedisRevocationList(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l := NewRedisRevocationList(client, "").WithClock(fixedClock)
	ctx := context.Background()

	require.NoError(t, l.Revoke(ctx, "t1", now.Add(time.Hour)))
	assert.True(t, mr.Exists(DefaultRevocationPrefix+":t1"))
	assert.Equal(t, time.Hour, mr.TTL(DefaultRevocationPrefix+":t1"))

	revoked, err := l.IsRevoked(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, revoked)

	mr.FastForward(time.Hour + time.Second)
	revoked, err = l.IsRevoked(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, l.Revoke(ctx, "old", now.Add(-time.Minute)))
	assert.False(t, mr.Exists(DefaultRevocationPrefix+":old"))
}

type failingList struct{}

func (failingList) Revoke(context.Context, string, time.Time) error { return errors.New("redis down") }
func (failingList) IsRevoked(context.Context, string) (bool, error) {
	return false, errors.New("redis down")
}

func TestRequireAuth(t *testing.T) {
	logger, _ := testutil.Logger()
	v := NewVerifier(secret, "", "").WithClock(fixedClock)
	revoked := NewMemoryRevocationList().WithClock(fixedClock)
	a := NewAuthenticator(v, revoked, logger)

	var seen Identity
	h := a.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusUnauthorized, do("").Code)
	assert.Equal(t, http.StatusUnauthorized, do("Basic abc").Code)
	assert.Equal(t, http.StatusUnauthorized, do("Bearer nope").Code)

	token, err := v.Sign("user-1", time.Hour)
	require.NoError(t, err)
	rec := do("Bearer " + token)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "user-1", seen.UserID)

	require.NoError(t, a.Logout(context.Background(), seen))
	rec = do("Bearer " + token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"unauthorized"}`, rec.Body.String())
}

func TestRequireAuth_RevocationBackendDown(t *testing.T) {
	logger, _ := testutil.Logger()
	v := NewVerifier(secret, "", "").WithClock(fixedClock)
	a := NewAuthenticator(v, failingList{}, logger)
	token, err := v.Sign("user-1", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	a.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	})).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
