package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallbiznis/railzway-integrations/internal/domain/integration"
)

// Compile-time interface assertions.
var (
	_ IntegrationRepository = (*PostgresIntegrationRepo)(nil)
	_ StateRepository       = (*PostgresStateRepo)(nil)
	_ TokenRepository       = (*PostgresTokenRepo)(nil)
)

// PostgresIntegrationRepo implements IntegrationRepository on pgx.
type PostgresIntegrationRepo struct {
	db *pgxpool.Pool
}

func NewPostgresIntegrationRepo(pool *pgxpool.Pool) *PostgresIntegrationRepo {
	return &PostgresIntegrationRepo{db: pool}
}

const integrationColumns = `id, org_id, client_id, scope, provider, category, mode, credentials, status, is_default, is_verified, priority, last_tested_at, last_test_result, error_message, created_at, updated_at`

const insertIntegrationSQL = `INSERT INTO integrations (id, org_id, client_id, scope, provider, category, mode, credentials, status, is_default, is_verified, priority, last_test_result, error_message)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
RETURNING ` + integrationColumns

func (r *PostgresIntegrationRepo) Create(ctx context.Context, rec integration.IntegrationRecord) (integration.IntegrationRecord, error) {
	creds, err := marshalPayload(rec.Credentials)
	if err != nil {
		return integration.IntegrationRecord{}, err
	}
	row := r.db.QueryRow(ctx, insertIntegrationSQL,
		rec.ID,
		rec.OrgID,
		rec.ClientID,
		rec.Scope,
		rec.Provider,
		rec.Category,
		rec.Mode,
		creds,
		rec.Status,
		rec.IsDefault,
		rec.IsVerified,
		rec.Priority,
		rec.LastTestResult,
		rec.ErrorMessage,
	)
	out, err := scanIntegration(row)
	if err != nil {
		return integration.IntegrationRecord{}, fmt.Errorf("create integration: %w", err)
	}
	return *out, nil
}

const updateIntegrationSQL = `UPDATE integrations
SET credentials = $2, status = $3, is_default = $4, is_verified = $5, priority = $6, last_tested_at = $7, last_test_result = $8, error_message = $9, updated_at = now()
WHERE id = $1 AND updated_at = $10
RETURNING ` + integrationColumns

func (r *PostgresIntegrationRepo) Update(ctx context.Context, rec integration.IntegrationRecord) (integration.IntegrationRecord, error) {
	creds, err := marshalPayload(rec.Credentials)
	if err != nil {
		return integration.IntegrationRecord{}, err
	}
	row := r.db.QueryRow(ctx, updateIntegrationSQL,
		rec.ID,
		creds,
		rec.Status,
		rec.IsDefault,
		rec.IsVerified,
		rec.Priority,
		rec.LastTestedAt,
		rec.LastTestResult,
		rec.ErrorMessage,
		rec.UpdatedAt,
	)
	out, err := scanIntegration(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return integration.IntegrationRecord{}, r.conflictOrMissing(ctx, rec.ID)
		}
		return integration.IntegrationRecord{}, fmt.Errorf("update integration: %w", err)
	}
	return *out, nil
}

// conflictOrMissing distinguishes a stale optimistic guard from a deleted row.
func (r *PostgresIntegrationRepo) conflictOrMissing(ctx context.Context, id int64) error {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM integrations WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("update integration: %w", err)
	}
	if exists {
		return integration.ErrConflict
	}
	return integration.ErrNotFound
}

const getIntegrationSQL = `SELECT ` + integrationColumns + ` FROM integrations WHERE id = $1`

func (r *PostgresIntegrationRepo) GetByID(ctx context.Context, id int64) (*integration.IntegrationRecord, error) {
	out, err := scanIntegration(r.db.QueryRow(ctx, getIntegrationSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, integration.ErrNotFound
		}
		return nil, fmt.Errorf("get integration: %w", err)
	}
	return out, nil
}

const findFirstIntegrationSQL = `SELECT ` + integrationColumns + ` FROM integrations
WHERE scope = $1 AND provider = $2 AND category = $3 AND status = $4
ORDER BY priority ASC, id ASC
LIMIT 1`

func (r *PostgresIntegrationRepo) FindFirst(ctx context.Context, scope integration.Scope, provider, category string, status integration.Status) (*integration.IntegrationRecord, error) {
	out, err := scanIntegration(r.db.QueryRow(ctx, findFirstIntegrationSQL, scope, provider, category, status))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, integration.ErrNotFound
		}
		return nil, fmt.Errorf("find integration: %w", err)
	}
	return out, nil
}

const listByCategorySQL = `SELECT ` + integrationColumns + ` FROM integrations
WHERE org_id = $1 AND category = $2 AND (scope = 'platform' OR ($3::bigint IS NOT NULL AND client_id = $3))
ORDER BY priority ASC, id ASC`

func (r *PostgresIntegrationRepo) ListByCategory(ctx context.Context, tenant integration.TenantRef, category string) ([]integration.IntegrationRecord, error) {
	rows, err := r.db.Query(ctx, listByCategorySQL, tenant.OrgID, category, tenant.ClientID)
	if err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}
	defer rows.Close()

	var out []integration.IntegrationRecord
	for rows.Next() {
		rec, err := scanIntegration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan integration: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

func (r *PostgresIntegrationRepo) CountByCategory(ctx context.Context, orgID int64, category string) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM integrations WHERE org_id = $1 AND category = $2`, orgID, category).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count integrations: %w", err)
	}
	return count, nil
}

const deleteIntegrationSQL = `DELETE FROM integrations
WHERE id = $1
AND NOT EXISTS (
	SELECT 1 FROM integrations borrower
	WHERE borrower.mode = 'PLATFORM'
	AND borrower.scope = 'client'
	AND borrower.provider = integrations.provider
	AND borrower.category = integrations.category
	AND integrations.scope = 'platform'
)`

func (r *PostgresIntegrationRepo) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, deleteIntegrationSQL, id)
	if err != nil {
		return fmt.Errorf("delete integration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM integrations WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("delete integration: %w", err)
		}
		if exists {
			return integration.ErrRecordReferenced
		}
		return integration.ErrNotFound
	}
	return nil
}

type pgxRow interface {
	Scan(dest ...any) error
}

func scanIntegration(row pgxRow) (*integration.IntegrationRecord, error) {
	var (
		rec   integration.IntegrationRecord
		creds []byte
	)
	if err := row.Scan(
		&rec.ID,
		&rec.OrgID,
		&rec.ClientID,
		&rec.Scope,
		&rec.Provider,
		&rec.Category,
		&rec.Mode,
		&creds,
		&rec.Status,
		&rec.IsDefault,
		&rec.IsVerified,
		&rec.Priority,
		&rec.LastTestedAt,
		&rec.LastTestResult,
		&rec.ErrorMessage,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(creds) > 0 {
		var payload integration.EncryptedPayload
		if err := json.Unmarshal(creds, &payload); err != nil {
			return nil, fmt.Errorf("decode credentials: %w", err)
		}
		rec.Credentials = &payload
	}
	return &rec, nil
}

func marshalPayload(p *integration.EncryptedPayload) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	out, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode credentials: %w", err)
	}
	return out, nil
}

// PostgresStateRepo implements StateRepository on pgx.
type PostgresStateRepo struct {
	db *pgxpool.Pool
}

func NewPostgresStateRepo(pool *pgxpool.Pool) *PostgresStateRepo {
	return &PostgresStateRepo{db: pool}
}

const insertStateSQL = `INSERT INTO oauth_states (state, provider, org_id, client_id, flow_type, redirect_url, pkce_verifier, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

func (r *PostgresStateRepo) Create(ctx context.Context, state integration.OAuthState) error {
	_, err := r.db.Exec(ctx, insertStateSQL,
		state.State,
		state.Provider,
		state.OrgID,
		state.ClientID,
		state.FlowType,
		state.RedirectURL,
		state.PKCEVerifier,
		state.CreatedAt,
		state.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// consumeStateSQL only succeeds when the row is still unused and unexpired;
// the conditional update is the single-use guarantee.
const consumeStateSQL = `UPDATE oauth_states
SET used_at = $2
WHERE state = $1 AND used_at IS NULL AND expires_at > $2
RETURNING state, provider, org_id, client_id, flow_type, redirect_url, pkce_verifier, created_at, expires_at, used_at`

func (r *PostgresStateRepo) Consume(ctx context.Context, state string, now time.Time) (*integration.OAuthState, error) {
	var out integration.OAuthState
	err := r.db.QueryRow(ctx, consumeStateSQL, state, now).Scan(
		&out.State,
		&out.Provider,
		&out.OrgID,
		&out.ClientID,
		&out.FlowType,
		&out.RedirectURL,
		&out.PKCEVerifier,
		&out.CreatedAt,
		&out.ExpiresAt,
		&out.UsedAt,
	)
	if err == nil {
		return &out, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("consume state: %w", err)
	}

	// The conditional update lost; classify why.
	var (
		usedAt    *time.Time
		expiresAt time.Time
	)
	err = r.db.QueryRow(ctx, `SELECT used_at, expires_at FROM oauth_states WHERE state = $1`, state).Scan(&usedAt, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, integration.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("inspect state: %w", err)
	}
	if usedAt != nil {
		return nil, integration.ErrStateUsed
	}
	return nil, integration.ErrStateExpired
}

func (r *PostgresStateRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM oauth_states WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired states: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PostgresTokenRepo implements TokenRepository on pgx.
type PostgresTokenRepo struct {
	db *pgxpool.Pool
}

func NewPostgresTokenRepo(pool *pgxpool.Pool) *PostgresTokenRepo {
	return &PostgresTokenRepo{db: pool}
}

const tokenColumns = `id, integration_id, access_token, refresh_token, token_type, expires_at, scopes, status, last_refreshed_at, last_used_at, error_message, created_at, updated_at`

const upsertTokenSQL = `INSERT INTO oauth_tokens (id, integration_id, access_token, refresh_token, token_type, expires_at, scopes, status, error_message)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (integration_id) DO UPDATE
SET access_token = EXCLUDED.access_token,
    refresh_token = EXCLUDED.refresh_token,
    token_type = EXCLUDED.token_type,
    expires_at = EXCLUDED.expires_at,
    scopes = EXCLUDED.scopes,
    status = EXCLUDED.status,
    error_message = EXCLUDED.error_message,
    updated_at = now()
RETURNING ` + tokenColumns

func (r *PostgresTokenRepo) Upsert(ctx context.Context, token integration.OAuthToken) (integration.OAuthToken, error) {
	access, err := json.Marshal(token.AccessToken)
	if err != nil {
		return integration.OAuthToken{}, fmt.Errorf("encode access token: %w", err)
	}
	refresh, err := marshalPayload(token.RefreshToken)
	if err != nil {
		return integration.OAuthToken{}, err
	}
	row := r.db.QueryRow(ctx, upsertTokenSQL,
		token.ID,
		token.IntegrationID,
		access,
		refresh,
		token.TokenType,
		token.ExpiresAt,
		token.Scopes,
		token.Status,
		token.ErrorMessage,
	)
	out, err := scanToken(row)
	if err != nil {
		return integration.OAuthToken{}, fmt.Errorf("upsert token: %w", err)
	}
	return *out, nil
}

const getActiveTokenSQL = `SELECT ` + tokenColumns + ` FROM oauth_tokens
WHERE integration_id = $1 AND status = 'ACTIVE'
LIMIT 1`

func (r *PostgresTokenRepo) GetActive(ctx context.Context, integrationID int64) (*integration.OAuthToken, error) {
	out, err := scanToken(r.db.QueryRow(ctx, getActiveTokenSQL, integrationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, integration.ErrTokenNotFound
		}
		return nil, fmt.Errorf("get active token: %w", err)
	}
	return out, nil
}

func (r *PostgresTokenRepo) UpdateStatus(ctx context.Context, tokenID int64, status integration.TokenStatus, errorMessage string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE oauth_tokens SET status = $2, error_message = $3, updated_at = now() WHERE id = $1`,
		tokenID, status, errorMessage,
	)
	if err != nil {
		return fmt.Errorf("update token status: %w", err)
	}
	return nil
}

const markRefreshedSQL = `UPDATE oauth_tokens
SET access_token = $2,
    refresh_token = COALESCE($3, refresh_token),
    expires_at = $4,
    status = 'ACTIVE',
    error_message = '',
    last_refreshed_at = now(),
    updated_at = now()
WHERE id = $1`

func (r *PostgresTokenRepo) MarkRefreshed(ctx context.Context, token integration.OAuthToken) error {
	access, err := json.Marshal(token.AccessToken)
	if err != nil {
		return fmt.Errorf("encode access token: %w", err)
	}
	refresh, err := marshalPayload(token.RefreshToken)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, markRefreshedSQL, token.ID, access, refresh, token.ExpiresAt)
	if err != nil {
		return fmt.Errorf("mark token refreshed: %w", err)
	}
	return nil
}

func (r *PostgresTokenRepo) TouchUsed(ctx context.Context, tokenID int64) error {
	_, err := r.db.Exec(ctx, `UPDATE oauth_tokens SET last_used_at = now() WHERE id = $1`, tokenID)
	if err != nil {
		return fmt.Errorf("touch token: %w", err)
	}
	return nil
}

func scanToken(row pgxRow) (*integration.OAuthToken, error) {
	var (
		token   integration.OAuthToken
		access  []byte
		refresh []byte
	)
	if err := row.Scan(
		&token.ID,
		&token.IntegrationID,
		&access,
		&refresh,
		&token.TokenType,
		&token.ExpiresAt,
		&token.Scopes,
		&token.Status,
		&token.LastRefreshedAt,
		&token.LastUsedAt,
		&token.ErrorMessage,
		&token.CreatedAt,
		&token.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(access, &token.AccessToken); err != nil {
		return nil, fmt.Errorf("decode access token: %w", err)
	}
	if len(refresh) > 0 {
		var payload integration.EncryptedPayload
		if err := json.Unmarshal(refresh, &payload); err != nil {
			return nil, fmt.Errorf("decode refresh token: %w", err)
		}
		token.RefreshToken = &payload
	}
	return &token, nil
}
