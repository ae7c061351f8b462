package services

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/sessionmesh/sessionmesh/pkg/coordination"
	apperrors "github.com/sessionmesh/sessionmesh/pkg/errors"
)

// tokenWindow is the rolling window for per-tenant token accounting
const tokenWindow = 24 * time.Hour

// TokenMeter maintains the per-tenant rolling token counter in the
// coordination store. The counter expires with the window, so usage
// naturally rolls off after 24h.
type TokenMeter struct {
	store *coordination.Client
}

// NewTokenMeter creates a token meter over the coordination store
func NewTokenMeter(store *coordination.Client) *TokenMeter {
	return &TokenMeter{store: store}
}

// Record adds consumed tokens to the tenant's window and reports the
// new total. Usage is recorded even when it crosses the limit; the
// gate lives in Check.
func (m *TokenMeter) Record(ctx context.Context, tenantID uuid.UUID, tokens int64) (int64, error) {
	if tokens <= 0 {
		return m.Used(ctx, tenantID)
	}
	return m.store.IncrByWithWindow(ctx, tokenKey(tenantID), tokens, tokenWindow)
}

// Used returns the tokens consumed inside the current window
func (m *TokenMeter) Used(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	value, found, err := m.store.Get(ctx, tokenKey(tenantID))
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	used, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.CodeInternal, "corrupt token counter")
	}
	return used, nil
}

// Check fails with QUOTA_EXCEEDED when the window total has reached the
// tenant's daily limit. A limit of 0 means unmetered.
func (m *TokenMeter) Check(ctx context.Context, tenantID uuid.UUID, limit int64) error {
	if limit <= 0 {
		return nil
	}
	used, err := m.Used(ctx, tenantID)
	if err != nil {
		return err
	}
	if used >= limit {
		return apperrors.Newf(apperrors.CodeQuotaExceeded,
			"tenant %s exhausted its daily token budget (%d/%d)", tenantID, used, limit)
	}
	return nil
}

func tokenKey(tenantID uuid.UUID) string {
	return coordination.NamespaceTenantTokens + tenantID.String()
}
