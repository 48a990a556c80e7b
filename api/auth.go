package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"weave.evalgo.org/security"
)

// tenantContextKey is where middleware stores the authenticated tenant.
const tenantContextKey = "tenant_id"

// TenantID returns the tenant the current request is authenticated for.
func TenantID(c echo.Context) string {
	tenant, _ := c.Get(tenantContextKey).(string)
	return tenant
}

// APIKeyAuth authenticates requests with a static key. The key carries no
// tenant claim, so the caller must name the tenant in X-Tenant-ID.
func APIKeyAuth(validKey string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.Request().Header.Get("X-API-Key")
			if validKey == "" || key == "" || key != validKey {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing API key")
			}
			tenant := c.Request().Header.Get("X-Tenant-ID")
			if tenant == "" {
				return echo.NewHTTPError(http.StatusBadRequest, "X-Tenant-ID header is required with API key auth")
			}
			c.Set(tenantContextKey, tenant)
			return next(c)
		}
	}
}

// BearerAuth authenticates requests with a tenant-scoped JWT issued by the
// token endpoint. The tenant comes from the token claim, never from a
// client-controlled header.
func BearerAuth(jwtSvc *security.JWTService) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			tenant, err := jwtSvc.ValidateToken(token)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			c.Set(tenantContextKey, tenant)
			return next(c)
		}
	}
}

// Auth accepts either a bearer token or the static API key. Requests that
// present neither are rejected.
func Auth(jwtSvc *security.JWTService, apiKey string) echo.MiddlewareFunc {
	bearer := BearerAuth(jwtSvc)
	static := APIKeyAuth(apiKey)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if strings.HasPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ") {
				return bearer(next)(c)
			}
			return static(next)(c)
		}
	}
}
