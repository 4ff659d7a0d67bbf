package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/railzway-integrations/internal/domain/integration"
)

// IntegrationRepository persists integration records.
type IntegrationRepository interface {
	Create(ctx context.Context, rec integration.IntegrationRecord) (integration.IntegrationRecord, error)
	// Update writes status/credential fields with optimistic concurrency:
	// it fails with ErrConflict when the row changed since rec was read.
	Update(ctx context.Context, rec integration.IntegrationRecord) (integration.IntegrationRecord, error)
	GetByID(ctx context.Context, id int64) (*integration.IntegrationRecord, error)
	FindFirst(ctx context.Context, scope integration.Scope, provider, category string, status integration.Status) (*integration.IntegrationRecord, error)
	// ListByCategory returns platform-level records plus, when the tenant has
	// a client id, that client's records.
	ListByCategory(ctx context.Context, tenant integration.TenantRef, category string) ([]integration.IntegrationRecord, error)
	CountByCategory(ctx context.Context, orgID int64, category string) (int64, error)
	// Delete refuses with ErrRecordReferenced while any client record still
	// borrows this record as its platform credential source.
	Delete(ctx context.Context, id int64) error
}

// StateRepository persists short-lived OAuth authorization states.
type StateRepository interface {
	Create(ctx context.Context, state integration.OAuthState) error
	// Consume atomically marks the state used and returns it. The lookup and
	// the used_at write are one indivisible operation so two concurrent
	// callbacks cannot both succeed. Failures are ErrStateNotFound,
	// ErrStateUsed or ErrStateExpired.
	Consume(ctx context.Context, state string, now time.Time) (*integration.OAuthState, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// TokenRepository persists encrypted OAuth token pairs, keyed by integration.
type TokenRepository interface {
	Upsert(ctx context.Context, token integration.OAuthToken) (integration.OAuthToken, error)
	GetActive(ctx context.Context, integrationID int64) (*integration.OAuthToken, error)
	UpdateStatus(ctx context.Context, tokenID int64, status integration.TokenStatus, errorMessage string) error
	// MarkRefreshed persists the re-encrypted access token (and rotated
	// refresh token when present) in one statement, so a cancelled refresh
	// leaves the old token untouched.
	MarkRefreshed(ctx context.Context, token integration.OAuthToken) error
	TouchUsed(ctx context.Context, tokenID int64) error
}
