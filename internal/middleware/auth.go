package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type contextKey string

const (
	userKey    = contextKey("user")
	cookieName = "arko_backup_token"
)

// Auth requires the configured API token as a bearer token, a cookie or a
// token query parameter. A valid query token is moved into a cookie so a
// browser opened on a tokenized URL keeps working.
func Auth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if valid(bearer(r), token) {
				next.ServeHTTP(w, r)
				return
			}
			if c, err := r.Cookie(cookieName); err == nil && valid(c.Value, token) {
				next.ServeHTTP(w, r)
				return
			}
			if valid(r.URL.Query().Get("token"), token) {
				http.SetCookie(w, &http.Cookie{
					Name:     cookieName,
					Value:    token,
					Path:     "/",
					HttpOnly: true,
					SameSite: http.SameSiteStrictMode,
				})
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		})
	}
}

func bearer(r *http.Request) string {
	v, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return v
}

func valid(got, want string) bool {
	return got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// User resolves which account a request acts on: the user query
// parameter, then the X-Arko-User header, then defaultUser.
func User(defaultUser func() string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := r.URL.Query().Get("user")
			if userID == "" {
				userID = r.Header.Get("X-Arko-User")
			}
			if userID == "" && defaultUser != nil {
				userID = defaultUser()
			}
			ctx := context.WithValue(r.Context(), userKey, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(userKey).(string); ok {
		return v
	}
	return ""
}
