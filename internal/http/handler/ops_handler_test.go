package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/railzway-integrations/internal/broker"
	"github.com/smallbiznis/railzway-integrations/internal/domain/integration"
	"github.com/smallbiznis/railzway-integrations/internal/failover"
	"github.com/smallbiznis/railzway-integrations/internal/providers"
)

type stubBroker struct {
	result *broker.CallbackResult
	err    error
}

func (s *stubBroker) BeginAuthorization(context.Context, broker.BeginInput) (*broker.BeginOutput, error) {
	return nil, nil
}

func (s *stubBroker) HandleCallback(context.Context, broker.CallbackInput) (*broker.CallbackResult, error) {
	return s.result, s.err
}

func (s *stubBroker) GetAccessToken(context.Context, int64) (string, error) { return "", nil }
func (s *stubBroker) RefreshAccessToken(context.Context, int64) error      { return nil }
func (s *stubBroker) RevokeToken(context.Context, int64) error             { return nil }
func (s *stubBroker) CleanupExpiredStates(context.Context) (int64, error)  { return 0, nil }

type stubRepo struct {
	records []integration.IntegrationRecord
}

func (s *stubRepo) Create(_ context.Context, rec integration.IntegrationRecord) (integration.IntegrationRecord, error) {
	return rec, nil
}

func (s *stubRepo) Update(_ context.Context, rec integration.IntegrationRecord) (integration.IntegrationRecord, error) {
	return rec, nil
}

func (s *stubRepo) GetByID(context.Context, int64) (*integration.IntegrationRecord, error) {
	return nil, integration.ErrNotFound
}

func (s *stubRepo) FindFirst(context.Context, integration.Scope, string, string, integration.Status) (*integration.IntegrationRecord, error) {
	return nil, integration.ErrNotFound
}

func (s *stubRepo) ListByCategory(_ context.Context, tenant integration.TenantRef, category string) ([]integration.IntegrationRecord, error) {
	var out []integration.IntegrationRecord
	for _, rec := range s.records {
		if rec.Category == category && rec.OrgID == tenant.OrgID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *stubRepo) CountByCategory(context.Context, int64, string) (int64, error) { return 0, nil }
func (s *stubRepo) Delete(context.Context, int64) error                           { return nil }

func newTestRouter(t *testing.T, h *OpsHandler) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/healthz", h.Healthz)
	r.GET("/oauth/callback", h.OAuthCallback)
	r.GET("/ops/integrations/:org/health", h.IntegrationHealth)
	r.POST("/ops/integrations/:id/test", h.TestIntegration)
	return r
}

func TestOpsHandler_Healthz(t *testing.T) {
	router := newTestRouter(t, NewOpsHandler(nil, nil, &stubBroker{}, zap.NewNop()))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestOpsHandler_IntegrationHealthValidation(t *testing.T) {
	router := newTestRouter(t, NewOpsHandler(nil, nil, &stubBroker{}, zap.NewNop()))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ops/integrations/not-a-number/health?category=payments", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ops/integrations/1/health", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOpsHandler_IntegrationHealthSnapshot(t *testing.T) {
	repo := &stubRepo{records: []integration.IntegrationRecord{
		{ID: 11, OrgID: 1, Scope: integration.ScopePlatform, Provider: "stripe", Category: providers.CategoryPayments, Status: integration.StatusActive},
	}}
	controller := failover.NewController(providers.NewRegistry(), repo, failover.NewMemoryHealthStore(), failover.DefaultConfig(), zap.NewNop())
	require.NoError(t, controller.RecordError(context.Background(), 11))

	router := newTestRouter(t, NewOpsHandler(nil, controller, &stubBroker{}, zap.NewNop()))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ops/integrations/1/health?category=payments", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"consecutive_errors":1`)
	require.Contains(t, w.Body.String(), `"integration_id":"11"`)
}

func TestOpsHandler_TestIntegrationInvalidID(t *testing.T) {
	router := newTestRouter(t, NewOpsHandler(nil, nil, &stubBroker{}, zap.NewNop()))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/ops/integrations/abc/test", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOpsHandler_OAuthCallbackRedirects(t *testing.T) {
	b := &stubBroker{result: &broker.CallbackResult{IntegrationID: 42, RedirectURL: "https://merchant.example.com/done"}}
	router := newTestRouter(t, NewOpsHandler(nil, nil, b, zap.NewNop()))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/oauth/callback?code=c&state=s", nil))
	require.Equal(t, http.StatusFound, w.Code)
	require.Equal(t, "https://merchant.example.com/done", w.Header().Get("Location"))
}

func TestOpsHandler_OAuthCallbackStateErrors(t *testing.T) {
	b := &stubBroker{err: integration.ErrStateUsed}
	router := newTestRouter(t, NewOpsHandler(nil, nil, b, zap.NewNop()))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/oauth/callback?code=c&state=s", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOpsHandler_OAuthCallbackProviderDenied(t *testing.T) {
	b := &stubBroker{err: &integration.AuthorizationError{Code: "access_denied", Description: "user cancelled"}}
	router := newTestRouter(t, NewOpsHandler(nil, nil, b, zap.NewNop()))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/oauth/callback?error=access_denied", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, w.Body.String(), "access_denied")
}
