// Package repository implements the durable persistence contract: tenant
// scoped, soft-delete aware, optimistically locked access to sessions,
// tasks, agents and tenants. Every query reads the tenant from the call
// context and adds a tenant_id predicate; callers never pass it explicitly.
package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/sessionmesh/sessionmesh/pkg/auth"
	apperrors "github.com/sessionmesh/sessionmesh/pkg/errors"
)

// SortDirection orders query results
type SortDirection string

// Sort directions
const (
	SortAsc  SortDirection = "ASC"
	SortDesc SortDirection = "DESC"
)

// Sort is one ordering term
type Sort struct {
	Field     string
	Direction SortDirection
}

// Pagination bounds a list query
type Pagination struct {
	Page     int
	PageSize int
}

// Normalize clamps pagination to sane bounds
func (p Pagination) Normalize() Pagination {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = 20
	}
	if p.PageSize > 200 {
		p.PageSize = 200
	}
	return p
}

// Offset converts page/page_size into a row offset
func (p Pagination) Offset() int {
	return (p.Page - 1) * p.PageSize
}

// Page is one page of results
type Page[T any] struct {
	Items      []T   `json:"items"`
	Total      int64 `json:"total"`
	PageNumber int   `json:"page"`
	PageSize   int   `json:"page_size"`
}

// tenantID reads the mandatory tenant from the call context
func tenantID(ctx context.Context) (uuid.UUID, error) {
	return auth.RequireTenantID(ctx)
}

// notFound builds the standard missing-record error
func notFound(entity string, id uuid.UUID) error {
	return apperrors.Newf(apperrors.CodeNotFound, "%s %s not found", entity, id)
}

// staleVersion builds the optimistic-lock conflict error
func staleVersion(entity string, id uuid.UUID, version int) error {
	return apperrors.Newf(apperrors.CodeStaleVersion,
		"%s %s was modified concurrently (expected version %d)", entity, id, version)
}

// orderClause renders a safe ORDER BY from a column allow-list
func orderClause(sorts []Sort, allowed map[string]bool, fallback string) string {
	terms := make([]string, 0, len(sorts))
	for _, s := range sorts {
		if !allowed[s.Field] {
			continue
		}
		dir := "ASC"
		if s.Direction == SortDesc {
			dir = "DESC"
		}
		terms = append(terms, fmt.Sprintf("%s %s", s.Field, dir))
	}
	if len(terms) == 0 {
		return fallback
	}
	return strings.Join(terms, ", ")
}
