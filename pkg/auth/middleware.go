package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	apperrors "github.com/sessionmesh/sessionmesh/pkg/errors"
)

// TenantHeader is the inbound header carrying the active tenant
const TenantHeader = "X-Tenant-ID"

// TenantMiddleware binds the tenant context from the X-Tenant-ID header.
// Requests without the header are rejected with TENANT_REQUIRED before
// reaching the core.
func TenantMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(TenantHeader)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"code":    string(apperrors.CodeTenantRequired),
				"message": "missing " + TenantHeader + " header",
			})
			return
		}

		tenantID, err := uuid.Parse(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"code":    string(apperrors.CodeValidation),
				"message": "malformed " + TenantHeader + " header",
			})
			return
		}

		ctx := WithTenantID(c.Request.Context(), tenantID)
		if corr := c.GetHeader("X-Correlation-ID"); corr != "" {
			ctx = WithCorrelationID(ctx, corr)
		} else {
			ctx = WithCorrelationID(ctx, uuid.New().String())
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// Claims are the JWT claims the control plane understands
type Claims struct {
	TenantID string `json:"tenant_id"`
	jwt.RegisteredClaims
}

// JWTMiddleware validates a bearer token when a secret is configured and
// cross-checks the token's tenant claim against the bound tenant context.
// An empty secret disables validation (local development).
func JWTMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    string(apperrors.CodeForbidden),
				"message": "missing bearer token",
			})
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(strings.TrimPrefix(header, "Bearer "), claims,
			func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, apperrors.Newf(apperrors.CodeForbidden, "unexpected signing method %v", t.Header["alg"])
				}
				return []byte(secret), nil
			})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"code":    string(apperrors.CodeForbidden),
				"message": "invalid token",
			})
			return
		}

		if claims.TenantID != "" {
			bound := GetTenantID(c.Request.Context())
			if bound != uuid.Nil && claims.TenantID != bound.String() {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"code":    string(apperrors.CodeForbidden),
					"message": "token tenant does not match request tenant",
				})
				return
			}
		}

		if claims.Subject != "" {
			c.Request = c.Request.WithContext(WithUserID(c.Request.Context(), claims.Subject))
		}
		c.Next()
	}
}
