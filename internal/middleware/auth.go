// Package middleware provides Gin HTTP middleware for authentication, authorization,
// tenant resolution, rate limiting, security headers and request logging.
//
// Middleware ordering matters and is enforced in router.go:
//
//	Security → RateLimit → Auth → Scope → Company → Handler
//
// Security headers run first so they appear on all responses including errors.
// Rate limiting runs before auth to block brute-force attempts before any DB work.
// Auth populates the caller identity and scopes; scope checks and company resolution
// read from that context.
package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/erp-backup/backup-service/internal/auth"
	"github.com/erp-backup/backup-service/internal/db/models"
	"github.com/erp-backup/backup-service/internal/db/repositories"
	"github.com/erp-backup/backup-service/internal/safego"
	"github.com/erp-backup/backup-service/internal/tenant"
)

// Context keys set by AuthMiddleware.
const (
	UserKey       = "user"
	UserIDKey     = "user_id"
	ScopesKey     = "scopes"
	AuthMethodKey = "auth_method"
	APIKeyKey     = "api_key"
	PrincipalKey  = "principal"
)

// UserLookup loads the user a JWT names.
type UserLookup interface {
	GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// APIKeyStore finds API keys by display prefix and records their use.
type APIKeyStore interface {
	GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateLastUsed(ctx context.Context, keyID uuid.UUID) error
}

var (
	_ UserLookup  = (*repositories.UserRepository)(nil)
	_ APIKeyStore = (*repositories.APIKeyRepository)(nil)
)

// AuthMiddleware validates a Bearer JWT or API key and stores the caller in the context.
func AuthMiddleware(users UserLookup, apiKeys APIKeyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.ExtractBearerToken(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		// JWT first: it is a signature check with no database round-trip
		if claims, err := auth.ValidateJWT(token); err == nil {
			userID, err := uuid.Parse(claims.UserID)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token subject"})
				return
			}
			user, err := users.GetUserByID(c.Request.Context(), userID)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to load user"})
				return
			}
			if user == nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "User not found"})
				return
			}

			scopes := claims.Scopes
			if scopes == nil {
				scopes = []string{}
			}
			c.Set(UserKey, user)
			c.Set(UserIDKey, user.ID)
			c.Set(AuthMethodKey, "jwt")
			c.Set(ScopesKey, scopes)
			c.Set(PrincipalKey, tenant.Principal{UserID: &user.ID, Scopes: scopes})
			c.Next()
			return
		}

		// Only the bcrypt hash is stored; the plaintext display prefix narrows the
		// candidates so bcrypt runs on a handful of rows.
		prefix := token
		if len(prefix) > auth.DisplayPrefixLength {
			prefix = prefix[:auth.DisplayPrefixLength]
		}
		apiKey, err := authenticateAPIKey(c.Request.Context(), token, prefix, apiKeys)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Authentication failed"})
			return
		}
		if apiKey == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
			return
		}
		if apiKey.IsExpired(time.Now()) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "API key expired"})
			return
		}

		// best-effort; a lost update only makes last_used_at stale
		keyID := apiKey.ID
		safego.Go("api-key-last-used", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = apiKeys.UpdateLastUsed(ctx, keyID)
		})

		scopes := []string(apiKey.Scopes)
		if scopes == nil {
			scopes = []string{}
		}
		companyID := apiKey.CompanyID
		c.Set(APIKeyKey, apiKey)
		c.Set(AuthMethodKey, "api_key")
		c.Set(ScopesKey, scopes)
		if apiKey.UserID != nil {
			c.Set(UserIDKey, *apiKey.UserID)
		}
		c.Set(PrincipalKey, tenant.Principal{UserID: apiKey.UserID, APIKeyCompanyID: &companyID, Scopes: scopes})
		c.Next()
	}
}

// authenticateAPIKey matches the key against the bcrypt hashes sharing its prefix.
func authenticateAPIKey(ctx context.Context, providedKey, prefix string, apiKeys APIKeyStore) (*models.APIKey, error) {
	keys, err := apiKeys.GetAPIKeysByPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		if auth.ValidateAPIKey(providedKey, key.KeyHash) {
			return key, nil
		}
	}
	return nil, nil
}

func apiKeyFrom(c *gin.Context) (*models.APIKey, bool) {
	v, ok := c.Get(APIKeyKey)
	if !ok {
		return nil, false
	}
	key, ok := v.(*models.APIKey)
	return key, ok && key != nil
}

// PrincipalFrom returns the caller stored by AuthMiddleware.
func PrincipalFrom(c *gin.Context) (tenant.Principal, bool) {
	v, ok := c.Get(PrincipalKey)
	if !ok {
		return tenant.Principal{}, false
	}
	p, ok := v.(tenant.Principal)
	return p, ok
}
