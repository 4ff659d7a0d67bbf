package secrets

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/railzway-integrations/internal/config"
	"github.com/smallbiznis/railzway-integrations/internal/domain/integration"
)

const hexKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestHTTPSource_RawHexBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/secret/integrations-encryption-key", r.URL.Path)
		require.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(hexKey))
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, "tok-123", "integrations-encryption-key", srv.Client())
	material, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, hexKey, material.Value)
	require.Equal(t, "secret-manager", material.Origin)
}

func TestHTTPSource_JSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"encryption_key":"` + hexKey + `"}`))
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, "", "master-key", srv.Client())
	material, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, hexKey, material.Value)
}

func TestHTTPSource_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, "", "missing", srv.Client())
	_, err := src.Fetch(context.Background())
	require.ErrorIs(t, err, ErrSecretNotFound)
}

func TestHTTPSource_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL, "", "master-key", srv.Client())
	_, err := src.Fetch(context.Background())
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrSecretNotFound)
}

func TestResolve_PrefersRemoteOverEnv(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(hexKey))
	}))
	defer srv.Close()

	remote := NewHTTPSource(srv.URL, "", "master-key", srv.Client())
	local := NewEnvSource("local-passphrase")

	material, err := Resolve(context.Background(), config.Config{}, zap.NewNop(), remote, local)
	require.NoError(t, err)
	require.Equal(t, "secret-manager", material.Origin)
}

func TestResolve_FallsBackToEnv(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	remote := NewHTTPSource(srv.URL, "", "missing", srv.Client())
	local := NewEnvSource("local-passphrase")

	material, err := Resolve(context.Background(), config.Config{}, zap.NewNop(), remote, local)
	require.NoError(t, err)
	require.Equal(t, "env", material.Origin)
	require.Equal(t, "local-passphrase", material.Value)
}

func TestResolve_FailsHardWithoutMaterial(t *testing.T) {
	_, err := Resolve(context.Background(), config.Config{}, zap.NewNop(), NewEnvSource(""))
	require.ErrorIs(t, err, integration.ErrNoKeyMaterial)
}

func TestResolve_EphemeralKeyOnlyOutsideProduction(t *testing.T) {
	cfg := config.Config{Environment: "development", AllowEphemeralKey: true}
	material, err := Resolve(context.Background(), cfg, zap.NewNop(), NewEnvSource(""))
	require.NoError(t, err)
	require.Equal(t, "ephemeral", material.Origin)
	require.Len(t, material.Value, 64)

	cfg = config.Config{Environment: "production", AllowEphemeralKey: true}
	_, err = Resolve(context.Background(), cfg, zap.NewNop(), NewEnvSource(""))
	require.ErrorIs(t, err, integration.ErrNoKeyMaterial)
}

func TestChainFromConfig(t *testing.T) {
	chain := ChainFromConfig(config.Config{EncryptionKey: "abc"})
	require.Len(t, chain, 1)

	chain = ChainFromConfig(config.Config{
		SecretsEndpoint: "https://secrets.internal",
		SecretName:      "master-key",
		EncryptionKey:   "abc",
	})
	require.Len(t, chain, 2)
	_, ok := chain[0].(*HTTPSource)
	require.True(t, ok)
}
