package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	AccessTokenCookie = "access_token"
	UserIDHeader      = "X-User-ID"
)

type ctxKey int

const ownerKey ctxKey = iota

// WithOwner stores the authenticated owner id on ctx.
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerKey, ownerID)
}

// OwnerFromContext returns the owner id set by AuthService.Middleware.
func OwnerFromContext(ctx context.Context) (string, bool) {
	ownerID, ok := ctx.Value(ownerKey).(string)
	return ownerID, ok && ownerID != ""
}

// AuthService resolves the caller's identity. Accounts and token issuing
// belong to the identity service; this side only verifies.
type AuthService struct {
	jwtSecret    []byte
	accessExpiry time.Duration
}

type CookieClaims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// NewAuthService verifies HS256 tokens signed with jwtSecret. With an empty
// secret it trusts the X-User-ID header set by the gateway.
func NewAuthService(jwtSecret string) *AuthService {
	return &AuthService{
		jwtSecret:    []byte(jwtSecret),
		accessExpiry: 15 * time.Minute,
	}
}

func (s *AuthService) trustsGateway() bool {
	return len(s.jwtSecret) == 0
}

// VerifyAccessToken validates token and returns the user id it was issued to.
func (s *AuthService) VerifyAccessToken(token string) (string, error) {
	claims := &CookieClaims{}

	parsedToken, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}
	if !parsedToken.Valid {
		return "", fmt.Errorf("invalid token")
	}
	if claims.UserID == "" {
		return "", fmt.Errorf("token has no user_id claim")
	}
	return claims.UserID, nil
}

// GenerateAccessToken signs a short-lived token for userID. Used by tooling and tests.
func (s *AuthService) GenerateAccessToken(userID, email, role string) (string, error) {
	now := time.Now()
	claims := &CookieClaims{
		UserID: userID,
		Email:  email,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// GetTokenFromRequest reads a bearer token, falling back to the access cookie.
func (s *AuthService) GetTokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	cookie, err := r.Cookie(AccessTokenCookie)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// Middleware rejects requests without a resolvable identity.
func (s *AuthService) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.trustsGateway() {
			ownerID := strings.TrimSpace(r.Header.Get(UserIDHeader))
			if ownerID == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing "+UserIDHeader+" header")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), ownerID)))
			return
		}

		token := s.GetTokenFromRequest(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing access token")
			return
		}
		ownerID, err := s.VerifyAccessToken(token)
		if err != nil {
			slog.Warn("Rejected access token", "error", err, "path", r.URL.Path)
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid access token")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), ownerID)))
	})
}
