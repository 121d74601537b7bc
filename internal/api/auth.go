package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kalambet/dealmark/internal/storage"
)

// sessionCookie is the cookie carrying the signed session token.
const sessionCookie = "access_token"

// Sessions issues and verifies HS256-signed session tokens.
type Sessions struct {
	secret []byte
	ttl    time.Duration
}

func NewSessions(secret string, ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Sessions{secret: []byte(secret), ttl: ttl}
}

// Issue creates a signed token with the user's email as subject.
func (s *Sessions) Issue(email string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   storage.NormalizeEmail(email),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Verify checks the token signature and expiry and returns the subject email.
func (s *Sessions) Verify(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return "", err
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", errors.New("invalid token")
	}
	return claims.Subject, nil
}

// TTL returns the session lifetime, used for the cookie max-age.
func (s *Sessions) TTL() time.Duration { return s.ttl }

type ctxKey int

const userKey ctxKey = 0

// userFrom returns the authenticated user placed in the context by
// requireUser.
func userFrom(ctx context.Context) (storage.User, bool) {
	u, ok := ctx.Value(userKey).(storage.User)
	return u, ok
}

// requireUser authenticates the session cookie and verifies the user still
// exists; deleted users lose access even with a live token.
func (d Deps) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, errType, msg := d.authenticate(r)
		if errType != "" {
			httpError(w, http.StatusUnauthorized, errType, "%s", msg)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, u)))
	})
}

// authenticate resolves the session cookie to a stored user. On failure it
// returns the error type and message for the 401 response.
func (d Deps) authenticate(r *http.Request) (storage.User, string, string) {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil || cookie.Value == "" {
		return storage.User{}, "not_authenticated", "not authenticated"
	}
	email, err := d.Sessions.Verify(cookie.Value)
	if err != nil {
		return storage.User{}, "not_authenticated", "invalid or expired session"
	}
	u, err := d.Store.User(r.Context(), email)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.User{}, "not_authenticated", "user no longer exists"
	}
	if err != nil {
		return storage.User{}, "storage_error", "verifying session"
	}
	return u, "", ""
}

// requireAdmin gates the admin surface. The configured admin password in the
// X-Admin-Password header passes outright (the CLI path); otherwise a valid
// session is required and non-admin users get a 403, not a 401.
func (d Deps) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if pw := r.Header.Get("X-Admin-Password"); pw != "" && d.AdminPassword != "" {
			if subtle.ConstantTimeCompare([]byte(pw), []byte(d.AdminPassword)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
			httpError(w, http.StatusUnauthorized, "not_authenticated", "invalid admin password")
			return
		}

		u, errType, msg := d.authenticate(r)
		if errType != "" {
			httpError(w, http.StatusUnauthorized, errType, "%s", msg)
			return
		}
		if !u.IsAdmin {
			httpError(w, http.StatusForbidden, "not_authorized", "admin access required")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, u)))
	})
}
