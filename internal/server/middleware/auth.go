package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/mailgate/mailgate/internal/service"
)

type contextKeyAuth string

const (
	// AuthPrincipalKey is the context key for the authenticated operator.
	AuthPrincipalKey contextKeyAuth = "auth_principal"
)

// Principal represents the operator making the request.
type Principal struct {
	Type    string // "jwt" or "api_key"
	Subject string
}

// Authenticate returns an HTTP middleware that requires operator
// credentials. It accepts two methods:
//
//  1. API key via apiKeyHeader (static keys hashed in configuration)
//  2. JWT Bearer token via the Authorization header (minted by
//     `mailgate admin token`)
//
// On success, a Principal is attached to the request context. On failure,
// a 401 JSON error response is returned.
func Authenticate(authSvc *service.AuthService, apiKeyHeader string) func(http.Handler) http.Handler {
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var principal *Principal

			if apiKey := r.Header.Get(apiKeyHeader); apiKey != "" {
				p, err := authSvc.ValidateAPIKey(r.Context(), apiKey)
				if err != nil {
					writeAuthError(w, http.StatusUnauthorized, "Invalid API key")
					return
				}
				principal = &Principal{Type: p.Via, Subject: p.Subject}
			}

			if principal == nil {
				authHeader := r.Header.Get("Authorization")
				if strings.HasPrefix(authHeader, "Bearer ") {
					token := strings.TrimPrefix(authHeader, "Bearer ")
					p, err := authSvc.ValidateJWT(r.Context(), token)
					if err != nil {
						msg := "Invalid token"
						if errors.Is(err, service.ErrTokenExpired) {
							msg = "Token expired"
						}
						writeAuthError(w, http.StatusUnauthorized, msg)
						return
					}
					principal = &Principal{Type: p.Via, Subject: p.Subject}
				}
			}

			if principal == nil {
				writeAuthError(w, http.StatusUnauthorized,
					"Operator authentication required. Provide "+apiKeyHeader+" header or Bearer token.")
				return
			}

			ctx := context.WithValue(r.Context(), AuthPrincipalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetPrincipal extracts the authenticated operator from the context.
// Returns nil for unauthenticated requests.
func GetPrincipal(ctx context.Context) *Principal {
	if p, ok := ctx.Value(AuthPrincipalKey).(*Principal); ok {
		return p
	}
	return nil
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Built by hand to avoid an import cycle with the handler package.
	w.Write([]byte(`{"error":{"code":` + httpStatusString(status) + `,"kind":"unauthorized","message":"` + message + `"}}`))
}

func httpStatusString(code int) string {
	switch code {
	case 401:
		return "401"
	case 403:
		return "403"
	case 413:
		return "413"
	case 429:
		return "429"
	default:
		return "500"
	}
}
