package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/smallbiznis/railzway-integrations/internal/config"
	"github.com/smallbiznis/railzway-integrations/internal/domain/integration"
	"github.com/smallbiznis/railzway-integrations/internal/providers"
)

// TokenResponse models a provider token endpoint response.
type TokenResponse struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	TokenType    string
	Scope        string
	Raw          map[string]any
}

// ProviderClient encapsulates outbound HTTP calls to provider OAuth endpoints.
type ProviderClient interface {
	ExchangeCode(ctx context.Context, def providers.Definition, app config.OAuthApp, code, codeVerifier, redirectURI string) (*TokenResponse, error)
	Refresh(ctx context.Context, def providers.Definition, app config.OAuthApp, refreshToken string) (*TokenResponse, error)
	Revoke(ctx context.Context, def providers.Definition, app config.OAuthApp, token string) error
}

// HTTPProviderClient is the default implementation. Outbound calls are
// rate-limited per provider so one misbehaving caller cannot exhaust a
// provider's token endpoint quota.
type HTTPProviderClient struct {
	httpClient *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perSec   rate.Limit
	burst    int
}

var _ ProviderClient = (*HTTPProviderClient)(nil)

// NewHTTPProviderClient constructs the default ProviderClient. A nil client
// gets a 10 second timeout; every provider call must finish inside it.
func NewHTTPProviderClient(client *http.Client) *HTTPProviderClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProviderClient{
		httpClient: client,
		limiters:   make(map[string]*rate.Limiter),
		perSec:     rate.Limit(10),
		burst:      5,
	}
}

// ExchangeCode performs the authorization-code grant.
func (c *HTTPProviderClient) ExchangeCode(ctx context.Context, def providers.Definition, app config.OAuthApp, code, codeVerifier, redirectURI string) (*TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	data.Set("redirect_uri", redirectURI)
	data.Set("client_id", app.ClientID)
	if app.ClientSecret != "" {
		data.Set("client_secret", app.ClientSecret)
	}
	if strings.TrimSpace(codeVerifier) != "" {
		data.Set("code_verifier", codeVerifier)
	}
	return c.postToken(ctx, def, data)
}

// Refresh performs the refresh_token grant.
func (c *HTTPProviderClient) Refresh(ctx context.Context, def providers.Definition, app config.OAuthApp, refreshToken string) (*TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	data.Set("client_id", app.ClientID)
	if app.ClientSecret != "" {
		data.Set("client_secret", app.ClientSecret)
	}
	return c.postToken(ctx, def, data)
}

// Revoke calls the provider's revoke endpoint. Providers without one are a
// no-op; the caller marks the token revoked locally either way.
func (c *HTTPProviderClient) Revoke(ctx context.Context, def providers.Definition, app config.OAuthApp, token string) error {
	if strings.TrimSpace(def.Endpoints.RevokeURL) == "" {
		return nil
	}
	if err := c.limiter(def.Name).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	data := url.Values{}
	data.Set("token", token)
	data.Set("client_id", app.ClientID)
	if app.ClientSecret != "" {
		data.Set("client_secret", app.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, def.Endpoints.RevokeURL, strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("build revoke request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &integration.ProviderError{Provider: def.Name, Body: err.Error()}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return &integration.ProviderError{Provider: def.Name, Status: resp.StatusCode, Body: string(body)}
	}
	return nil
}

func (c *HTTPProviderClient) postToken(ctx context.Context, def providers.Definition, data url.Values) (*TokenResponse, error) {
	if strings.TrimSpace(def.Endpoints.TokenURL) == "" {
		return nil, fmt.Errorf("provider %s: token url missing", def.Name)
	}
	if err := c.limiter(def.Name).Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, def.Endpoints.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &integration.ProviderError{Provider: def.Name, Body: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, &integration.ProviderError{Provider: def.Name, Status: resp.StatusCode, Body: string(body)}
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}

	token := &TokenResponse{
		AccessToken:  stringValue(raw["access_token"]),
		RefreshToken: stringValue(raw["refresh_token"]),
		TokenType:    stringValue(raw["token_type"]),
		Scope:        stringValue(raw["scope"]),
		Raw:          raw,
	}
	if exp := raw["expires_in"]; exp != nil {
		token.ExpiresIn = int64Value(exp)
	}
	return token, nil
}

func (c *HTTPProviderClient) limiter(provider string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[provider]
	if !ok {
		lim = rate.NewLimiter(c.perSec, c.burst)
		c.limiters[provider] = lim
	}
	return lim
}

func stringValue(input any) string {
	switch v := input.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func int64Value(input any) int64 {
	switch v := input.(type) {
	case float64:
		return int64(v)
	case float32:
		return int64(v)
	case int64:
		return v
	case int32:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
