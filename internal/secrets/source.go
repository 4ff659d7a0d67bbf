package secrets

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/railzway-integrations/internal/config"
	"github.com/smallbiznis/railzway-integrations/internal/domain/integration"
)

// ErrSecretNotFound signals the secret manager has no entry under the name.
var ErrSecretNotFound = errors.New("secrets: secret not found")

// Material is raw key material plus where it came from.
type Material struct {
	Value  string
	Origin string
}

// Source yields encryption key material from one backing location.
type Source interface {
	Fetch(ctx context.Context) (Material, error)
}

// HTTPSource reads a named secret from a remote secret manager over HTTP.
// The endpoint is expected to return either a raw hex string or a JSON blob
// carrying the key under a known field.
type HTTPSource struct {
	endpoint   string
	token      string
	secretName string
	httpClient *http.Client
}

var _ Source = (*HTTPSource)(nil)

// NewHTTPSource constructs a remote secret source.
func NewHTTPSource(endpoint, token, secretName string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSource{
		endpoint:   strings.TrimRight(endpoint, "/"),
		token:      token,
		secretName: secretName,
		httpClient: client,
	}
}

// Fetch loads the secret value from the remote store.
func (s *HTTPSource) Fetch(ctx context.Context) (Material, error) {
	url := fmt.Sprintf("%s/v1/secret/%s", s.endpoint, s.secretName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Material{}, fmt.Errorf("build secret request: %w", err)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Material{}, fmt.Errorf("secret request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Material{}, fmt.Errorf("read secret response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return Material{}, fmt.Errorf("secret %s: %w", s.secretName, ErrSecretNotFound)
	}
	if resp.StatusCode >= 300 {
		return Material{}, fmt.Errorf("secret fetch failed: status=%d", resp.StatusCode)
	}

	value := parseSecretBody(body)
	if value == "" {
		return Material{}, fmt.Errorf("secret %s: empty value", s.secretName)
	}
	return Material{Value: value, Origin: "secret-manager"}, nil
}

// parseSecretBody accepts a raw hex string or a JSON object carrying the key
// under encryption_key, value or key.
func parseSecretBody(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ""
	}
	if !strings.HasPrefix(trimmed, "{") {
		return strings.Trim(trimmed, `"`)
	}
	var blob map[string]any
	if err := json.Unmarshal([]byte(trimmed), &blob); err != nil {
		return ""
	}
	for _, field := range []string{"encryption_key", "value", "key"} {
		if v, ok := blob[field].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// EnvSource reads key material from local configuration.
type EnvSource struct {
	value string
}

var _ Source = (*EnvSource)(nil)

// NewEnvSource wraps a locally configured key value.
func NewEnvSource(value string) *EnvSource {
	return &EnvSource{value: strings.TrimSpace(value)}
}

// Fetch returns the configured value or ErrSecretNotFound when unset.
func (s *EnvSource) Fetch(context.Context) (Material, error) {
	if s.value == "" {
		return Material{}, ErrSecretNotFound
	}
	return Material{Value: s.value, Origin: "env"}, nil
}

// Resolve walks the source priority chain and returns the first material
// found. When every source is empty the service must refuse to start, except
// in explicitly-flagged non-production mode where a random ephemeral key is
// generated; data encrypted under it is unrecoverable after restart.
func Resolve(ctx context.Context, cfg config.Config, logger *zap.Logger, sources ...Source) (Material, error) {
	for _, src := range sources {
		material, err := src.Fetch(ctx)
		if err == nil {
			logger.Info("encryption key material resolved", zap.String("origin", material.Origin))
			return material, nil
		}
		if !errors.Is(err, ErrSecretNotFound) {
			logger.Warn("secret source failed", zap.Error(err))
		}
	}

	if cfg.AllowEphemeralKey && cfg.Environment != "production" {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return Material{}, fmt.Errorf("generate ephemeral key: %w", err)
		}
		logger.Warn("EPHEMERAL ENCRYPTION KEY GENERATED: credentials encrypted under this key are unrecoverable after restart; local development only")
		return Material{Value: hex.EncodeToString(buf), Origin: "ephemeral"}, nil
	}

	return Material{}, integration.ErrNoKeyMaterial
}

// ChainFromConfig builds the default source priority: remote secret manager
// first, local configuration second.
func ChainFromConfig(cfg config.Config) []Source {
	var sources []Source
	if cfg.SecretsEndpoint != "" && cfg.SecretName != "" {
		sources = append(sources, NewHTTPSource(cfg.SecretsEndpoint, cfg.SecretsToken, cfg.SecretName, nil))
	}
	sources = append(sources, NewEnvSource(cfg.EncryptionKey))
	return sources
}
