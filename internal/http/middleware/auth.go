package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/wolfman30/carebook/internal/apperr"
	"github.com/wolfman30/carebook/internal/http/respond"
)

type contextKey string

const principalKey contextKey = "principal"

// RoleAdmin marks staff tokens allowed on /admin routes.
const RoleAdmin = "admin"

// Claims are the JWT claims issued by the portal's auth service.
type Claims struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
	Role  string `json:"role"`
	jwt.RegisteredClaims
}

// Principal is the verified caller of a request.
type Principal struct {
	Subject string
	Email   string
	Name    string
	Role    string
}

// IsAdmin reports whether the principal carries the admin role.
func (p Principal) IsAdmin() bool {
	return strings.EqualFold(p.Role, RoleAdmin)
}

// JWT verifies an HMAC-signed bearer token and stores the Principal in the
// request context. Session management lives elsewhere; only verification happens here.
func JWT(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				respond.Error(w, r, nil, apperr.Auth("", "auth disabled"))
				return
			}
			tokenString, ok := bearerToken(r)
			if !ok {
				respond.Error(w, r, nil, apperr.Auth("", "missing authorization header"))
				return
			}
			claims := Claims{}
			token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid || claims.Subject == "" {
				respond.Error(w, r, nil, apperr.Auth("", "invalid token"))
				return
			}
			p := Principal{
				Subject: claims.Subject,
				Email:   strings.ToLower(strings.TrimSpace(claims.Email)),
				Name:    claims.Name,
				Role:    claims.Role,
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireAdmin rejects principals without the admin role. Must run after JWT.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromContext(r.Context())
		if !ok {
			respond.Error(w, r, nil, apperr.Auth("", "unauthenticated"))
			return
		}
		if !p.IsAdmin() {
			respond.Error(w, r, nil, apperr.Forbidden("admin role required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CronAuth guards scheduler endpoints with a static bearer secret.
func CronAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if secret == "" || !ok || subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
				respond.Error(w, r, nil, apperr.Auth("", "invalid cron credentials"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the verified caller if present.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if auth == "" || !strings.HasPrefix(auth, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	return token, token != ""
}
