// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tradeskill/marketplace-chat/internal/model"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// IdentityKey is the context key for the authenticated identity.
	IdentityKey ContextKey = "identity"

	identityHolderKey ContextKey = "identity_holder"
)

type identityHolder struct {
	id model.Identity
}

// Claims represents JWT claims. The subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
	Name string `json:"name,omitempty"`
}

var errMissingToken = errors.New("missing authorization token")

// TokenFromRequest reads a bearer token from the Authorization header, or
// from the token query parameter for clients that cannot set headers on a
// websocket upgrade.
func TokenFromRequest(r *http.Request) (string, error) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return "", errors.New("invalid authorization header format")
		}
		return parts[1], nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", errMissingToken
}

// ParseToken validates an HMAC-signed token and returns its identity.
func ParseToken(jwtSecret, tokenString string) (model.Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(jwtSecret), nil
	})
	if err != nil || !token.Valid {
		return model.Identity{}, errors.New("invalid token")
	}

	id := model.Identity{UserID: claims.Subject, Role: model.Role(claims.Role), DisplayName: claims.Name}
	if id.UserID == "" || !id.Role.Valid() {
		return model.Identity{}, errors.New("token lacks subject or role")
	}
	return id, nil
}

// IssueToken signs a token for id. Tokens are normally issued by the identity
// service; this is used by tests and local tooling.
func IssueToken(jwtSecret string, id model.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role: string(id.Role),
		Name: id.DisplayName,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jwtSecret))
}

// Auth creates JWT authentication middleware.
func Auth(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := TokenFromRequest(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			id, err := ParseToken(jwtSecret, tokenString)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// WithIdentity stores id in ctx.
func WithIdentity(ctx context.Context, id model.Identity) context.Context {
	if h, ok := ctx.Value(identityHolderKey).(*identityHolder); ok {
		h.id = id
	}
	return context.WithValue(ctx, IdentityKey, id)
}

// GetIdentity gets the authenticated identity from context.
func GetIdentity(ctx context.Context) (model.Identity, bool) {
	id, ok := ctx.Value(IdentityKey).(model.Identity)
	return id, ok
}

// GetUserID gets user ID from context.
func GetUserID(ctx context.Context) string {
	id, _ := GetIdentity(ctx)
	return id.UserID
}

// GetRole gets the caller's role from context.
func GetRole(ctx context.Context) model.Role {
	id, _ := GetIdentity(ctx)
	return id.Role
}

// RequireRole creates middleware that admits only the given roles.
func RequireRole(roles ...model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := GetRole(r.Context())
			for _, allowed := range roles {
				if role == allowed {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusForbidden, "insufficient permissions")
		})
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
