package middleware

import (
	"net/http"
	"strings"

	"directChat/pkg/api"
	"github.com/rs/zerolog/log"
)

// SessionCookie holds the Firebase ID token of a browser session.
const SessionCookie = "session"

// Authenticator verifies the caller's ID token and stores the identity in
// the request context. Requests without a valid token are passed to
// onFailure.
func Authenticator(provider api.AuthProvider, onFailure http.HandlerFunc) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			idToken := findToken(r, tokenFromHeader, tokenFromQuery, tokenFromCookie)

			identity, err := provider.VerifyIDToken(r.Context(), idToken)
			if err != nil {
				log.Debug().Err(err).Str("path", r.URL.Path).Msg("Rejected unauthenticated request")
				onFailure(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// Unauthorized answers with 401.
func Unauthorized(w http.ResponseWriter, r *http.Request) {
	http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
}

// RedirectToLogin sends page requests back to the login page and answers
// everything else with 401.
func RedirectToLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && !strings.HasSuffix(r.URL.Path, "/ws") {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	Unauthorized(w, r)
}

func tokenFromHeader(r *http.Request) string {
	// Get token from authorization header.
	bearer := r.Header.Get("Authorization")
	if len(bearer) > 7 && strings.ToUpper(bearer[0:6]) == "BEARER" {
		return bearer[7:]
	}
	return ""
}

func tokenFromQuery(r *http.Request) string {
	// Get token from query param named "token".
	return r.URL.Query().Get("token")
}

func tokenFromCookie(r *http.Request) string {
	cookie, err := r.Cookie(SessionCookie)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func findToken(r *http.Request, findTokenFns ...func(r *http.Request) string) string {
	var tokenString string

	for _, fn := range findTokenFns {
		tokenString = fn(r)
		if tokenString != "" {
			break
		}
	}

	return tokenString
}
