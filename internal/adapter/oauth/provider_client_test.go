package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/railzway-integrations/internal/config"
	"github.com/smallbiznis/railzway-integrations/internal/domain/integration"
	"github.com/smallbiznis/railzway-integrations/internal/providers"
)

func testDefinition(tokenURL, revokeURL string) providers.Definition {
	return providers.Definition{
		Name:     "testprov",
		Category: providers.CategoryPayments,
		Auth:     integration.AuthOAuth,
		Endpoints: providers.Endpoints{
			AuthorizationURL: "https://provider.example.com/authorize",
			TokenURL:         tokenURL,
			RevokeURL:        revokeURL,
		},
	}
}

var testApp = config.OAuthApp{ClientID: "client-1", ClientSecret: "secret-1"}

func TestHTTPProviderClient_ExchangeCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		require.NoError(t, r.ParseForm())
		require.Equal(t, "authorization_code", r.PostFormValue("grant_type"))
		require.Equal(t, "auth-code", r.PostFormValue("code"))
		require.Equal(t, "client-1", r.PostFormValue("client_id"))
		require.Equal(t, "secret-1", r.PostFormValue("client_secret"))
		require.Equal(t, "verifier-xyz", r.PostFormValue("code_verifier"))
		require.Equal(t, "https://platform.example.com/oauth/callback", r.PostFormValue("redirect_uri"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-1","refresh_token":"rt-1","expires_in":3600,"token_type":"Bearer","scope":"read write"}`))
	}))
	defer srv.Close()

	client := NewHTTPProviderClient(srv.Client())
	resp, err := client.ExchangeCode(context.Background(), testDefinition(srv.URL, ""), testApp,
		"auth-code", "verifier-xyz", "https://platform.example.com/oauth/callback")
	require.NoError(t, err)
	require.Equal(t, "at-1", resp.AccessToken)
	require.Equal(t, "rt-1", resp.RefreshToken)
	require.Equal(t, int64(3600), resp.ExpiresIn)
	require.Equal(t, "Bearer", resp.TokenType)
	require.Equal(t, "read write", resp.Scope)
}

func TestHTTPProviderClient_ExchangeCodeOmitsEmptyVerifier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		_, present := r.PostForm["code_verifier"]
		require.False(t, present, "code_verifier must be omitted for providers without PKCE")
		_, _ = w.Write([]byte(`{"access_token":"at-1","token_type":"Bearer"}`))
	}))
	defer srv.Close()

	client := NewHTTPProviderClient(srv.Client())
	_, err := client.ExchangeCode(context.Background(), testDefinition(srv.URL, ""), testApp,
		"auth-code", "", "https://platform.example.com/oauth/callback")
	require.NoError(t, err)
}

func TestHTTPProviderClient_Refresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "refresh_token", r.PostFormValue("grant_type"))
		require.Equal(t, "rt-old", r.PostFormValue("refresh_token"))
		_, _ = w.Write([]byte(`{"access_token":"at-2","token_type":"Bearer","expires_in":"7200"}`))
	}))
	defer srv.Close()

	client := NewHTTPProviderClient(srv.Client())
	resp, err := client.Refresh(context.Background(), testDefinition(srv.URL, ""), testApp, "rt-old")
	require.NoError(t, err)
	require.Equal(t, "at-2", resp.AccessToken)
	// Some providers send expires_in as a string.
	require.Equal(t, int64(7200), resp.ExpiresIn)
}

func TestHTTPProviderClient_ErrorBodyCaptured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	client := NewHTTPProviderClient(srv.Client())
	_, err := client.Refresh(context.Background(), testDefinition(srv.URL, ""), testApp, "rt-old")

	var provErr *integration.ProviderError
	require.ErrorAs(t, err, &provErr)
	require.Equal(t, "testprov", provErr.Provider)
	require.Equal(t, http.StatusBadRequest, provErr.Status)
	require.Contains(t, provErr.Body, "invalid_grant")
}

func TestHTTPProviderClient_MissingTokenURL(t *testing.T) {
	client := NewHTTPProviderClient(nil)
	_, err := client.ExchangeCode(context.Background(), testDefinition("", ""), testApp, "code", "", "uri")
	require.Error(t, err)
}

func TestHTTPProviderClient_RevokeNoEndpointIsNoop(t *testing.T) {
	client := NewHTTPProviderClient(nil)
	err := client.Revoke(context.Background(), testDefinition("https://x/token", ""), testApp, "tok")
	require.NoError(t, err)
}

func TestHTTPProviderClient_Revoke(t *testing.T) {
	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotToken = r.PostFormValue("token")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewHTTPProviderClient(srv.Client())
	require.NoError(t, client.Revoke(context.Background(), testDefinition("https://x/token", srv.URL), testApp, "tok-123"))
	require.Equal(t, "tok-123", gotToken)
}

func TestHTTPProviderClient_RevokeFailureWrapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("nope"))
	}))
	defer srv.Close()

	client := NewHTTPProviderClient(srv.Client())
	err := client.Revoke(context.Background(), testDefinition("https://x/token", srv.URL), testApp, "tok-123")

	var provErr *integration.ProviderError
	require.ErrorAs(t, err, &provErr)
	require.Equal(t, http.StatusForbidden, provErr.Status)
	require.Equal(t, "nope", provErr.Body)
}
