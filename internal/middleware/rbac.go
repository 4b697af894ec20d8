// Package middleware (rbac.go) implements scope and company-role authorization.
//
// Scopes come from the credential and gate which operations a caller may attempt at
// all. The company role comes from the caller's membership in the company a request
// acts on, resolved per request, so a role change applies on the next request.

package middleware

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/erp-backup/backup-service/internal/auth"
	"github.com/erp-backup/backup-service/internal/db/models"
	"github.com/erp-backup/backup-service/internal/tenant"
)

// CompanyKey is the gin.Context key holding the resolved *tenant.CompanyContext.
const CompanyKey = "company"

// RequireScope checks if the authenticated caller has the required scope
func RequireScope(scope auth.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		userScopes, ok := scopesFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Insufficient permissions",
			})
			return
		}

		if !auth.HasScope(userScopes, scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "Missing required scope",
				"details": "Required scope: " + string(scope),
			})
			return
		}

		c.Next()
	}
}

// RequireAnyScope checks if the authenticated caller has at least one of the scopes
func RequireAnyScope(scopes ...auth.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		userScopes, ok := scopesFrom(c)
		if !ok || !auth.HasAnyScope(userScopes, scopes) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Missing required scope",
			})
			return
		}
		c.Next()
	}
}

func scopesFrom(c *gin.Context) ([]string, bool) {
	v, exists := c.Get(ScopesKey)
	if !exists {
		return nil, false
	}
	scopes, ok := v.([]string)
	return scopes, ok
}

// RequireCompany resolves the active company from the X-Company-ID header or the
// company_id query parameter and requires at least role min in it.
func RequireCompany(resolver *tenant.Resolver, min models.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		var requested *uuid.UUID
		if raw := c.Query("company_id"); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid company_id"})
				return
			}
			requested = &id
		}
		if _, ok := ResolveCompany(c, resolver, requested, min); !ok {
			return
		}
		c.Next()
	}
}

// ResolveCompany resolves the active company for handlers that read company_id from
// the request body. On failure it writes the error response, aborts and returns false.
func ResolveCompany(c *gin.Context, resolver *tenant.Resolver, requested *uuid.UUID, min models.Role) (*tenant.CompanyContext, bool) {
	p, ok := PrincipalFrom(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Not authenticated"})
		return nil, false
	}

	cc, err := resolver.Resolve(c.Request.Context(), p, c.GetHeader(tenant.HeaderCompanyID), requested)
	if err == nil {
		err = cc.Require(min)
	}
	if err != nil {
		status := http.StatusInternalServerError
		msg := "Failed to resolve company"
		switch {
		case errors.Is(err, tenant.ErrNotMember), errors.Is(err, tenant.ErrInsufficientRole):
			status, msg = http.StatusForbidden, err.Error()
		case errors.Is(err, tenant.ErrNoCompany), errors.Is(err, tenant.ErrCompanyConflict),
			errors.Is(err, tenant.ErrInvalidHeader):
			status, msg = http.StatusBadRequest, err.Error()
		}
		c.AbortWithStatusJSON(status, gin.H{"error": msg})
		return nil, false
	}

	c.Set(CompanyKey, cc)
	c.Request = c.Request.WithContext(tenant.NewContext(c.Request.Context(), cc))
	return cc, true
}

// CompanyFrom returns the company resolved by RequireCompany or ResolveCompany.
func CompanyFrom(c *gin.Context) (*tenant.CompanyContext, bool) {
	v, ok := c.Get(CompanyKey)
	if !ok {
		return nil, false
	}
	cc, ok := v.(*tenant.CompanyContext)
	return cc, ok && cc != nil
}
