// Package auth carries request identity through the call graph. The tenant
// context is call-scoped: every unit of work spawned on behalf of a request
// must run with the request's context (or rebind via WithTenantID) so that
// repositories and the coordination store can filter on the current tenant.
package auth

import (
	"context"

	"github.com/google/uuid"

	apperrors "github.com/sessionmesh/sessionmesh/pkg/errors"
)

type contextKey string

// Context keys
const (
	tenantIDKey      contextKey = "tenant_id"
	userIDKey        contextKey = "user_id"
	correlationIDKey contextKey = "correlation_id"
)

// WithTenantID adds tenant ID to context
func WithTenantID(ctx context.Context, tenantID uuid.UUID) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// GetTenantID gets the tenant ID from context; uuid.Nil when unbound
func GetTenantID(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(tenantIDKey).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// RequireTenantID gets the tenant ID from context, failing with
// TENANT_REQUIRED when the context is unbound. Only explicitly global
// operations (health checks, metrics exposition) may skip this.
func RequireTenantID(ctx context.Context) (uuid.UUID, error) {
	id := GetTenantID(ctx)
	if id == uuid.Nil {
		return uuid.Nil, apperrors.New(apperrors.CodeTenantRequired, "no tenant bound to request context")
	}
	return id, nil
}

// WithUserID adds user ID to context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserID gets the user ID from context
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// WithCorrelationID adds a correlation ID to context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// GetCorrelationID gets the correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(correlationIDKey).(string); ok {
		return v
	}
	return ""
}

// Rebind copies the identity values from src onto a fresh base context.
// Used when work for the same tenant is started under a new lifetime
// (background goroutines that must outlive the request).
func Rebind(base context.Context, src context.Context) context.Context {
	if id := GetTenantID(src); id != uuid.Nil {
		base = WithTenantID(base, id)
	}
	if user := GetUserID(src); user != "" {
		base = WithUserID(base, user)
	}
	if corr := GetCorrelationID(src); corr != "" {
		base = WithCorrelationID(base, corr)
	}
	return base
}
