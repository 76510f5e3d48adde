// Package middleware содержит HTTP middleware сервера штамп-ралли.
package middleware

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mmeshcher/stamprally-system/internal/model"
)

type contextKey string

const (
	userKey        contextKey = "user"
	adminTenantKey contextKey = "adminTenant"
)

const (
	userTokenTTL  = 30 * time.Minute
	adminTokenTTL = 24 * time.Hour
)

// UserResolver загружает активного пользователя по имени и тенанту.
type UserResolver interface {
	ResolveUser(ctx context.Context, username, tenantID string) (*model.User, error)
}

// AuthMiddleware выпускает и проверяет токены доступа участников и
// администраторов тенантов.
type AuthMiddleware struct {
	secretKey []byte
	resolver  UserResolver
}

// NewAuthMiddleware создаёт middleware аутентификации с указанным секретным ключом.
func NewAuthMiddleware(secret string, resolver UserResolver) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
		resolver:  resolver,
	}
}

// IssueUserToken выпускает токен доступа участника.
func (a *AuthMiddleware) IssueUserToken(user *model.User) (string, error) {
	return a.issueToken(user.Username, user.TenantID, string(user.Role), userTokenTTL)
}

// IssueAdminToken выпускает токен сессии администратора тенанта.
func (a *AuthMiddleware) IssueAdminToken(tenantID string) (string, error) {
	return a.issueToken(tenantID, tenantID, string(model.RoleTenantAdmin), adminTokenTTL)
}

func (a *AuthMiddleware) issueToken(subject, tenantID, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":       subject,
		"tenant_id": tenantID,
		"role":      role,
		"iat":       jwt.NewNumericDate(now),
		"exp":       jwt.NewNumericDate(now.Add(ttl)),
	})
	signed, err := token.SignedString(a.secretKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Middleware проверяет токен участника и добавляет пользователя в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.parseToken(extractBearer(r))
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		user, err := a.resolver.ResolveUser(r.Context(), claims.Subject, claims.TenantID)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		if !user.IsActive {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}

		ctx := context.WithValue(r.Context(), userKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// TenantAdminMiddleware проверяет токен администратора тенанта и добавляет
// идентификатор тенанта в контекст запроса.
func (a *AuthMiddleware) TenantAdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.parseToken(extractBearer(r))
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		if claims.Role != string(model.RoleTenantAdmin) {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}

		ctx := context.WithValue(r.Context(), adminTenantKey, claims.TenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type tokenClaims struct {
	Subject  string
	TenantID string
	Role     string
}

func (a *AuthMiddleware) parseToken(raw string) (tokenClaims, error) {
	if raw == "" {
		return tokenClaims{}, errors.New("missing bearer token")
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secretKey, nil
	})
	if err != nil {
		return tokenClaims{}, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return tokenClaims{}, errors.New("invalid token")
	}

	out := tokenClaims{}
	if sub, err := claims.GetSubject(); err == nil {
		out.Subject = sub
	}
	if v, ok := claims["tenant_id"].(string); ok {
		out.TenantID = v
	}
	if v, ok := claims["role"].(string); ok {
		out.Role = v
	}
	if out.Subject == "" {
		return tokenClaims{}, errors.New("token without subject")
	}
	return out, nil
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// GetUserFromContext извлекает пользователя из контекста запроса.
func GetUserFromContext(ctx context.Context) (*model.User, bool) {
	u, ok := ctx.Value(userKey).(*model.User)
	return u, ok
}

// GetAdminTenantFromContext извлекает тенант администратора из контекста запроса.
func GetAdminTenantFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(adminTenantKey).(string)
	return id, ok
}
