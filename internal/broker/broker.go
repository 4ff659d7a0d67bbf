package broker

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	oauthadapter "github.com/smallbiznis/railzway-integrations/internal/adapter/oauth"
	"github.com/smallbiznis/railzway-integrations/internal/config"
	"github.com/smallbiznis/railzway-integrations/internal/domain/integration"
	"github.com/smallbiznis/railzway-integrations/internal/providers"
	"github.com/smallbiznis/railzway-integrations/internal/repository"
	"github.com/smallbiznis/railzway-integrations/internal/vault"
)

// accessTokenField is the key token plaintext lives under inside the vault
// payload.
const accessTokenField = "token"

// Broker defines the OAuth2 orchestration behaviors: authorize, callback
// exchange, transparent refresh and revocation.
type Broker interface {
	BeginAuthorization(ctx context.Context, in BeginInput) (*BeginOutput, error)
	HandleCallback(ctx context.Context, in CallbackInput) (*CallbackResult, error)
	GetAccessToken(ctx context.Context, integrationID int64) (string, error)
	RefreshAccessToken(ctx context.Context, integrationID int64) error
	RevokeToken(ctx context.Context, integrationID int64) error
	CleanupExpiredStates(ctx context.Context) (int64, error)
}

// BeginInput contains parameters for constructing an authorization URL.
type BeginInput struct {
	Provider    string
	Tenant      integration.TenantRef
	FlowType    string
	RedirectURL string
	ExtraScopes []string
}

// BeginOutput returns the prepared authorization URL and the state token.
type BeginOutput struct {
	AuthorizationURL string
	State            string
}

// CallbackInput captures the authorization callback query parameters.
type CallbackInput struct {
	Code             string
	State            string
	ErrorParam       string
	ErrorDescription string
}

// CallbackResult reports a completed exchange and the caller's original
// redirect URL for UX continuation.
type CallbackResult struct {
	IntegrationID int64
	RedirectURL   string
}

type broker struct {
	registry       *providers.Registry
	states         repository.StateRepository
	tokens         repository.TokenRepository
	integrations   repository.IntegrationRepository
	providerClient oauthadapter.ProviderClient
	vault          *vault.Vault
	node           *snowflake.Node
	cfg            config.Config
	logger         *zap.Logger
	refreshGroup   singleflight.Group
	now            func() time.Time
}

// New wires the broker implementation.
func New(
	registry *providers.Registry,
	states repository.StateRepository,
	tokens repository.TokenRepository,
	integrations repository.IntegrationRepository,
	providerClient oauthadapter.ProviderClient,
	v *vault.Vault,
	node *snowflake.Node,
	cfg config.Config,
	logger *zap.Logger,
) Broker {
	return &broker{
		registry:       registry,
		states:         states,
		tokens:         tokens,
		integrations:   integrations,
		providerClient: providerClient,
		vault:          v,
		node:           node,
		cfg:            cfg,
		logger:         logger,
		now:            time.Now,
	}
}

func (b *broker) BeginAuthorization(ctx context.Context, in BeginInput) (*BeginOutput, error) {
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		return nil, fmt.Errorf("provider is required")
	}

	def, err := b.registry.Lookup(provider)
	if err != nil {
		return nil, err
	}
	if def.Auth != integration.AuthOAuth {
		return nil, fmt.Errorf("provider %s does not use oauth", provider)
	}
	app, ok := b.cfg.OAuthApps[provider]
	if !ok || app.ClientID == "" {
		return nil, fmt.Errorf("provider %s: %w", provider, integration.ErrAppNotConfigured)
	}

	state, err := secureRandomString(32)
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}

	var verifier, challenge string
	if def.RequirePKCE {
		verifier, err = secureRandomString(64)
		if err != nil {
			return nil, fmt.Errorf("generate pkce verifier: %w", err)
		}
		challenge = pkceChallenge(verifier)
	}

	authURL, err := url.Parse(def.Endpoints.AuthorizationURL)
	if err != nil {
		return nil, fmt.Errorf("parse auth url: %w", err)
	}

	scopes := append(append([]string{}, def.Scopes...), in.ExtraScopes...)

	params := authURL.Query()
	params.Set("client_id", app.ClientID)
	params.Set("response_type", "code")
	params.Set("redirect_uri", b.callbackURL())
	if len(scopes) > 0 {
		params.Set("scope", strings.Join(scopes, " "))
	}
	params.Set("state", state)
	if challenge != "" {
		params.Set("code_challenge", challenge)
		params.Set("code_challenge_method", "S256")
	}
	authURL.RawQuery = params.Encode()

	now := b.now().UTC()
	if err := b.states.Create(ctx, integration.OAuthState{
		State:        state,
		Provider:     provider,
		OrgID:        in.Tenant.OrgID,
		ClientID:     in.Tenant.ClientID,
		FlowType:     in.FlowType,
		RedirectURL:  in.RedirectURL,
		PKCEVerifier: verifier,
		CreatedAt:    now,
		ExpiresAt:    now.Add(b.cfg.StateTTL),
	}); err != nil {
		return nil, fmt.Errorf("persist state: %w", err)
	}

	return &BeginOutput{AuthorizationURL: authURL.String(), State: state}, nil
}

func (b *broker) HandleCallback(ctx context.Context, in CallbackInput) (*CallbackResult, error) {
	// A provider-reported error short-circuits before any state lookup.
	if strings.TrimSpace(in.ErrorParam) != "" {
		return nil, &integration.AuthorizationError{Code: in.ErrorParam, Description: in.ErrorDescription}
	}
	if strings.TrimSpace(in.State) == "" || strings.TrimSpace(in.Code) == "" {
		return nil, fmt.Errorf("code and state are required")
	}

	// Consume is atomic: a concurrent callback on the same state loses here,
	// before any token exchange happens.
	state, err := b.states.Consume(ctx, in.State, b.now())
	if err != nil {
		return nil, err
	}

	def, err := b.registry.Lookup(state.Provider)
	if err != nil {
		return nil, err
	}
	app, ok := b.cfg.OAuthApps[state.Provider]
	if !ok || app.ClientID == "" {
		return nil, fmt.Errorf("provider %s: %w", state.Provider, integration.ErrAppNotConfigured)
	}

	resp, err := b.providerClient.ExchangeCode(ctx, def, app, in.Code, state.PKCEVerifier, b.callbackURL())
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	if strings.TrimSpace(resp.AccessToken) == "" {
		return nil, fmt.Errorf("provider %s returned empty access token", state.Provider)
	}

	rec, err := b.ensureIntegration(ctx, state, def)
	if err != nil {
		return nil, err
	}
	if err := b.storeTokens(ctx, rec.ID, def, resp); err != nil {
		return nil, err
	}

	b.log().Info("oauth authorization completed",
		zap.String("provider", state.Provider),
		zap.Int64("org_id", state.OrgID),
		zap.Int64("integration_id", rec.ID),
	)
	return &CallbackResult{IntegrationID: rec.ID, RedirectURL: state.RedirectURL}, nil
}

// ensureIntegration finds or creates the tenant's integration record for the
// authorized provider and marks it active and verified.
func (b *broker) ensureIntegration(ctx context.Context, state *integration.OAuthState, def providers.Definition) (*integration.IntegrationRecord, error) {
	tenant := integration.TenantRef{OrgID: state.OrgID, ClientID: state.ClientID}
	scope := integration.ScopePlatform
	if state.ClientID != nil {
		scope = integration.ScopeClient
	}

	now := b.now().UTC()
	existing, err := b.integrations.ListByCategory(ctx, tenant, def.Category)
	if err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}
	for _, rec := range existing {
		if rec.Provider != def.Name || rec.Scope != scope {
			continue
		}
		rec.Status = integration.StatusActive
		rec.IsVerified = true
		rec.LastTestedAt = &now
		rec.LastTestResult = "oauth authorization completed"
		rec.ErrorMessage = ""
		updated, err := b.integrations.Update(ctx, rec)
		if err != nil {
			return nil, fmt.Errorf("update integration: %w", err)
		}
		return &updated, nil
	}

	created, err := b.integrations.Create(ctx, integration.IntegrationRecord{
		ID:             b.node.Generate().Int64(),
		OrgID:          state.OrgID,
		ClientID:       state.ClientID,
		Scope:          scope,
		Provider:       def.Name,
		Category:       def.Category,
		Mode:           integration.ModeOwn,
		Status:         integration.StatusActive,
		IsVerified:     true,
		LastTestResult: "oauth authorization completed",
	})
	if err != nil {
		return nil, fmt.Errorf("create integration: %w", err)
	}
	return &created, nil
}

func (b *broker) storeTokens(ctx context.Context, integrationID int64, def providers.Definition, resp *oauthadapter.TokenResponse) error {
	access, err := b.encryptToken(ctx, resp.AccessToken)
	if err != nil {
		return err
	}
	var refresh *integration.EncryptedPayload
	if resp.RefreshToken != "" {
		refresh, err = b.encryptToken(ctx, resp.RefreshToken)
		if err != nil {
			return err
		}
	}

	token := integration.OAuthToken{
		ID:            b.node.Generate().Int64(),
		IntegrationID: integrationID,
		AccessToken:   *access,
		RefreshToken:  refresh,
		TokenType:     resp.TokenType,
		Status:        integration.TokenActive,
	}
	if resp.ExpiresIn > 0 {
		expires := b.now().UTC().Add(time.Duration(resp.ExpiresIn) * time.Second)
		token.ExpiresAt = &expires
	}
	if resp.Scope != "" {
		token.Scopes = strings.Fields(resp.Scope)
	} else {
		token.Scopes = append([]string{}, def.Scopes...)
	}

	if _, err := b.tokens.Upsert(ctx, token); err != nil {
		return fmt.Errorf("persist tokens: %w", err)
	}
	return nil
}

func (b *broker) GetAccessToken(ctx context.Context, integrationID int64) (string, error) {
	token, err := b.tokens.GetActive(ctx, integrationID)
	if err != nil {
		return "", err
	}

	if !token.ExpiresWithin(b.now(), b.cfg.RefreshBuffer) {
		plaintext, err := b.decryptToken(ctx, &token.AccessToken)
		if err != nil {
			return "", err
		}
		if err := b.tokens.TouchUsed(ctx, token.ID); err != nil {
			b.log().Warn("failed to touch token", zap.Error(err))
		}
		return plaintext, nil
	}

	if token.RefreshToken == nil {
		if err := b.tokens.UpdateStatus(ctx, token.ID, integration.TokenExpired, "access token expired with no refresh token"); err != nil {
			b.log().Warn("failed to mark token expired", zap.Error(err))
		}
		return "", integration.ErrReauthorizationRequired
	}

	// Refreshes for the same integration coalesce so concurrent callers
	// cannot race the provider and invalidate each other's rotated token.
	_, err, _ = b.refreshGroup.Do(fmt.Sprintf("refresh:%d", integrationID), func() (any, error) {
		return nil, b.RefreshAccessToken(ctx, integrationID)
	})
	if err != nil {
		return "", err
	}

	refreshed, err := b.tokens.GetActive(ctx, integrationID)
	if err != nil {
		return "", err
	}
	plaintext, err := b.decryptToken(ctx, &refreshed.AccessToken)
	if err != nil {
		return "", err
	}
	if err := b.tokens.TouchUsed(ctx, refreshed.ID); err != nil {
		b.log().Warn("failed to touch token", zap.Error(err))
	}
	return plaintext, nil
}

func (b *broker) RefreshAccessToken(ctx context.Context, integrationID int64) error {
	rec, err := b.integrations.GetByID(ctx, integrationID)
	if err != nil {
		return err
	}
	def, err := b.registry.Lookup(rec.Provider)
	if err != nil {
		return err
	}
	app, ok := b.cfg.OAuthApps[rec.Provider]
	if !ok || app.ClientID == "" {
		return fmt.Errorf("provider %s: %w", rec.Provider, integration.ErrAppNotConfigured)
	}

	token, err := b.tokens.GetActive(ctx, integrationID)
	if err != nil {
		return err
	}
	if token.RefreshToken == nil {
		if err := b.tokens.UpdateStatus(ctx, token.ID, integration.TokenExpired, "no refresh token"); err != nil {
			b.log().Warn("failed to mark token expired", zap.Error(err))
		}
		return integration.ErrReauthorizationRequired
	}

	refreshPlaintext, err := b.decryptToken(ctx, token.RefreshToken)
	if err != nil {
		return err
	}

	resp, err := b.providerClient.Refresh(ctx, def, app, refreshPlaintext)
	if err != nil {
		// The old token row is left untouched apart from its status; the
		// caller gets a hard failure, never a silently stale token.
		if statusErr := b.tokens.UpdateStatus(ctx, token.ID, integration.TokenRefreshFailed, err.Error()); statusErr != nil {
			b.log().Warn("failed to mark refresh failure", zap.Error(statusErr))
		}
		return fmt.Errorf("refresh token: %w", err)
	}
	if strings.TrimSpace(resp.AccessToken) == "" {
		if statusErr := b.tokens.UpdateStatus(ctx, token.ID, integration.TokenRefreshFailed, "provider returned empty access token"); statusErr != nil {
			b.log().Warn("failed to mark refresh failure", zap.Error(statusErr))
		}
		return fmt.Errorf("provider %s returned empty access token on refresh", rec.Provider)
	}

	access, err := b.encryptToken(ctx, resp.AccessToken)
	if err != nil {
		return err
	}
	updated := integration.OAuthToken{ID: token.ID, AccessToken: *access}
	if resp.RefreshToken != "" {
		// Provider rotated the refresh token; otherwise the stored one is
		// retained by the persistence layer.
		rotated, err := b.encryptToken(ctx, resp.RefreshToken)
		if err != nil {
			return err
		}
		updated.RefreshToken = rotated
	}
	if resp.ExpiresIn > 0 {
		expires := b.now().UTC().Add(time.Duration(resp.ExpiresIn) * time.Second)
		updated.ExpiresAt = &expires
	}

	if err := b.tokens.MarkRefreshed(ctx, updated); err != nil {
		return fmt.Errorf("persist refreshed token: %w", err)
	}
	b.log().Info("access token refreshed",
		zap.String("provider", rec.Provider),
		zap.Int64("integration_id", integrationID),
		zap.Bool("refresh_token_rotated", resp.RefreshToken != ""),
	)
	return nil
}

func (b *broker) RevokeToken(ctx context.Context, integrationID int64) error {
	rec, err := b.integrations.GetByID(ctx, integrationID)
	if err != nil {
		return err
	}
	def, err := b.registry.Lookup(rec.Provider)
	if err != nil {
		return err
	}

	token, err := b.tokens.GetActive(ctx, integrationID)
	if err != nil {
		if errors.Is(err, integration.ErrTokenNotFound) {
			return nil
		}
		return err
	}

	// Provider revocation is best-effort; the local token is marked revoked
	// unconditionally.
	if app, ok := b.cfg.OAuthApps[rec.Provider]; ok {
		if plaintext, err := b.decryptToken(ctx, &token.AccessToken); err == nil {
			if err := b.providerClient.Revoke(ctx, def, app, plaintext); err != nil {
				b.log().Warn("provider revoke failed",
					zap.String("provider", rec.Provider),
					zap.Int64("integration_id", integrationID),
					zap.Error(err),
				)
			}
		} else {
			b.log().Warn("could not decrypt token for provider revoke", zap.Error(err))
		}
	}

	if err := b.tokens.UpdateStatus(ctx, token.ID, integration.TokenRevoked, ""); err != nil {
		return fmt.Errorf("mark token revoked: %w", err)
	}
	b.log().Info("token revoked",
		zap.String("provider", rec.Provider),
		zap.Int64("integration_id", integrationID),
	)
	return nil
}

func (b *broker) CleanupExpiredStates(ctx context.Context) (int64, error) {
	deleted, err := b.states.DeleteExpired(ctx, b.now())
	if err != nil {
		return 0, fmt.Errorf("cleanup states: %w", err)
	}
	if deleted > 0 {
		b.log().Debug("expired oauth states removed", zap.Int64("count", deleted))
	}
	return deleted, nil
}

func (b *broker) encryptToken(ctx context.Context, plaintext string) (*integration.EncryptedPayload, error) {
	payload, err := b.vault.Encrypt(ctx, map[string]any{accessTokenField: plaintext})
	if err != nil {
		return nil, fmt.Errorf("encrypt token: %w", err)
	}
	return payload, nil
}

func (b *broker) decryptToken(ctx context.Context, payload *integration.EncryptedPayload) (string, error) {
	fields, err := b.vault.Decrypt(ctx, payload)
	if err != nil {
		return "", err
	}
	value, ok := fields[accessTokenField].(string)
	if !ok {
		return "", fmt.Errorf("token payload missing %q field", accessTokenField)
	}
	return value, nil
}

func (b *broker) callbackURL() string {
	return b.cfg.CallbackBaseURL + "/oauth/callback"
}

func (b *broker) log() *zap.Logger {
	if b != nil && b.logger != nil {
		return b.logger
	}
	return zap.L()
}

func secureRandomString(size int) (string, error) {
	if size <= 0 {
		size = 32
	}
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func pkceChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
