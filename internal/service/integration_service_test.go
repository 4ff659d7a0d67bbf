package service

import (
	"context"
	"sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smallbiznis/railzway-integrations/internal/domain/integration"
	"github.com/smallbiznis/railzway-integrations/internal/failover"
	"github.com/smallbiznis/railzway-integrations/internal/providers"
	"github.com/smallbiznis/railzway-integrations/internal/vault"
)

type stubIntegrationRepo struct {
	mu      sync.Mutex
	records map[int64]*integration.IntegrationRecord
}

func newStubIntegrationRepo() *stubIntegrationRepo {
	return &stubIntegrationRepo{records: make(map[int64]*integration.IntegrationRecord)}
}

func (s *stubIntegrationRepo) Create(_ context.Context, rec integration.IntegrationRecord) (integration.IntegrationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := rec
	s.records[rec.ID] = &stored
	return stored, nil
}

func (s *stubIntegrationRepo) Update(_ context.Context, rec integration.IntegrationRecord) (integration.IntegrationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; !ok {
		return integration.IntegrationRecord{}, integration.ErrNotFound
	}
	stored := rec
	s.records[rec.ID] = &stored
	return stored, nil
}

func (s *stubIntegrationRepo) GetByID(_ context.Context, id int64) (*integration.IntegrationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, integration.ErrNotFound
	}
	out := *rec
	return &out, nil
}

func (s *stubIntegrationRepo) FindFirst(_ context.Context, scope integration.Scope, provider, category string, status integration.Status) (*integration.IntegrationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.Scope == scope && rec.Provider == provider && rec.Category == category && rec.Status == status {
			out := *rec
			return &out, nil
		}
	}
	return nil, integration.ErrNotFound
}

func (s *stubIntegrationRepo) ListByCategory(_ context.Context, tenant integration.TenantRef, category string) ([]integration.IntegrationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []integration.IntegrationRecord
	for _, rec := range s.records {
		if rec.Category == category && rec.OrgID == tenant.OrgID {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (s *stubIntegrationRepo) CountByCategory(_ context.Context, orgID int64, category string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, rec := range s.records {
		if rec.OrgID == orgID && rec.Category == category {
			n++
		}
	}
	return n, nil
}

func (s *stubIntegrationRepo) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return integration.ErrNotFound
	}
	delete(s.records, id)
	return nil
}

type serviceHarness struct {
	service *IntegrationService
	repo    *stubIntegrationRepo
	health  *failover.MemoryHealthStore
	vault   *vault.Vault
}

func newServiceHarness(t *testing.T, testers map[string]Tester) *serviceHarness {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	v, err := vault.New(map[int][]byte{vault.CurrentKeyVersion: key}, vault.CurrentKeyVersion, zap.NewNop())
	require.NoError(t, err)
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)

	h := &serviceHarness{
		repo:   newStubIntegrationRepo(),
		health: failover.NewMemoryHealthStore(),
		vault:  v,
	}
	registry := providers.NewRegistry()
	controller := failover.NewController(registry, h.repo, h.health, failover.DefaultConfig(), zap.NewNop())
	h.service = NewIntegrationService(registry, h.repo, v, controller, testers, node, zap.NewNop())
	return h
}

func passTester() Tester {
	return func(context.Context, map[string]any) (bool, string) {
		return true, "connection verified"
	}
}

func failTester(message string) Tester {
	return func(context.Context, map[string]any) (bool, string) {
		return false, message
	}
}

func TestService_ProvisionOwnMode(t *testing.T) {
	h := newServiceHarness(t, nil)

	rec, err := h.service.Provision(context.Background(), ProvisionInput{
		Tenant:      integration.TenantRef{OrgID: 1},
		Provider:    "sendgrid",
		Mode:        integration.ModeOwn,
		Credentials: map[string]any{"api_key": "SG.super-secret-key"},
	})
	require.NoError(t, err)
	require.Equal(t, integration.StatusPending, rec.Status)
	require.Equal(t, integration.ScopePlatform, rec.Scope)
	require.Equal(t, providers.CategoryEmail, rec.Category)
	require.NotNil(t, rec.Credentials)
	require.NotContains(t, rec.Credentials.Ciphertext, "SG.super-secret-key")

	decrypted, err := h.vault.Decrypt(context.Background(), rec.Credentials)
	require.NoError(t, err)
	require.Equal(t, "SG.super-secret-key", decrypted["api_key"])
}

func TestService_ProvisionOwnModeRequiresCredentials(t *testing.T) {
	h := newServiceHarness(t, nil)

	_, err := h.service.Provision(context.Background(), ProvisionInput{
		Tenant:   integration.TenantRef{OrgID: 1},
		Provider: "sendgrid",
		Mode:     integration.ModeOwn,
	})
	require.Error(t, err)
}

func TestService_ProvisionPlatformModeForbidsCredentials(t *testing.T) {
	h := newServiceHarness(t, nil)
	clientID := int64(7)

	_, err := h.service.Provision(context.Background(), ProvisionInput{
		Tenant:      integration.TenantRef{OrgID: 1, ClientID: &clientID},
		Provider:    "sendgrid",
		Mode:        integration.ModePlatform,
		Credentials: map[string]any{"api_key": "nope"},
	})
	require.Error(t, err)

	rec, err := h.service.Provision(context.Background(), ProvisionInput{
		Tenant:   integration.TenantRef{OrgID: 1, ClientID: &clientID},
		Provider: "sendgrid",
		Mode:     integration.ModePlatform,
	})
	require.NoError(t, err)
	require.Equal(t, integration.ScopeClient, rec.Scope)
	require.Nil(t, rec.Credentials)
}

func TestService_ProvisionUnknownProvider(t *testing.T) {
	h := newServiceHarness(t, nil)

	_, err := h.service.Provision(context.Background(), ProvisionInput{
		Tenant:   integration.TenantRef{OrgID: 1},
		Provider: "carrier-pigeon",
		Mode:     integration.ModeOwn,
	})
	require.ErrorIs(t, err, integration.ErrProviderNotFound)
}

func TestService_TestConnectionActivatesRecord(t *testing.T) {
	h := newServiceHarness(t, map[string]Tester{"sendgrid": passTester()})
	ctx := context.Background()

	rec, err := h.service.Provision(ctx, ProvisionInput{
		Tenant:      integration.TenantRef{OrgID: 1},
		Provider:    "sendgrid",
		Mode:        integration.ModeOwn,
		Credentials: map[string]any{"api_key": "SG.key"},
	})
	require.NoError(t, err)
	require.Equal(t, integration.StatusPending, rec.Status)

	result, err := h.service.TestConnection(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, result.Success)

	updated, err := h.repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, integration.StatusActive, updated.Status)
	require.True(t, updated.IsVerified)
	require.NotNil(t, updated.LastTestedAt)
	require.Empty(t, updated.ErrorMessage)

	health, err := h.health.Status(ctx, rec.ID)
	require.NoError(t, err)
	require.Zero(t, health.Errors)
}

func TestService_TestConnectionFailureMarksError(t *testing.T) {
	h := newServiceHarness(t, map[string]Tester{"sendgrid": failTester("401 unauthorized")})
	ctx := context.Background()

	rec, err := h.service.Provision(ctx, ProvisionInput{
		Tenant:      integration.TenantRef{OrgID: 1},
		Provider:    "sendgrid",
		Mode:        integration.ModeOwn,
		Credentials: map[string]any{"api_key": "bad-key"},
	})
	require.NoError(t, err)

	result, err := h.service.TestConnection(ctx, rec.ID)
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, "401 unauthorized", result.Message)

	updated, err := h.repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, integration.StatusError, updated.Status)
	require.Equal(t, "401 unauthorized", updated.ErrorMessage)

	health, err := h.health.Status(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, 1, health.Errors)
}

func TestService_TestConnectionNoTesterFailsClosed(t *testing.T) {
	h := newServiceHarness(t, nil)
	ctx := context.Background()

	rec, err := h.service.Provision(ctx, ProvisionInput{
		Tenant:      integration.TenantRef{OrgID: 1},
		Provider:    "sendgrid",
		Mode:        integration.ModeOwn,
		Credentials: map[string]any{"api_key": "SG.key"},
	})
	require.NoError(t, err)

	_, err = h.service.TestConnection(ctx, rec.ID)
	require.Error(t, err)

	// The record stays PENDING; only a completed test moves it.
	updated, err := h.repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, integration.StatusPending, updated.Status)
}

func TestService_TestConnectionBorrowsPlatformCredentials(t *testing.T) {
	var seen map[string]any
	tester := func(_ context.Context, credentials map[string]any) (bool, string) {
		seen = credentials
		return true, "ok"
	}
	h := newServiceHarness(t, map[string]Tester{"sendgrid": tester})
	ctx := context.Background()

	platform, err := h.service.Provision(ctx, ProvisionInput{
		Tenant:      integration.TenantRef{OrgID: 1},
		Provider:    "sendgrid",
		Mode:        integration.ModeOwn,
		Credentials: map[string]any{"api_key": "SG.platform-key"},
	})
	require.NoError(t, err)
	platform.Status = integration.StatusActive
	_, err = h.repo.Update(ctx, *platform)
	require.NoError(t, err)

	clientID := int64(7)
	borrowed, err := h.service.Provision(ctx, ProvisionInput{
		Tenant:   integration.TenantRef{OrgID: 1, ClientID: &clientID},
		Provider: "sendgrid",
		Mode:     integration.ModePlatform,
	})
	require.NoError(t, err)

	result, err := h.service.TestConnection(ctx, borrowed.ID)
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "SG.platform-key", seen["api_key"])
}

func TestService_MaskedCredentials(t *testing.T) {
	h := newServiceHarness(t, nil)
	ctx := context.Background()

	rec, err := h.service.Provision(ctx, ProvisionInput{
		Tenant:      integration.TenantRef{OrgID: 1},
		Provider:    "sendgrid",
		Mode:        integration.ModeOwn,
		Credentials: map[string]any{"api_key": "SG.abcdef123456"},
	})
	require.NoError(t, err)

	masked, err := h.service.MaskedCredentials(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, "SG.a****3456", masked["api_key"])
}

func TestService_Remove(t *testing.T) {
	h := newServiceHarness(t, nil)
	ctx := context.Background()

	rec, err := h.service.Provision(ctx, ProvisionInput{
		Tenant:      integration.TenantRef{OrgID: 1},
		Provider:    "sendgrid",
		Mode:        integration.ModeOwn,
		Credentials: map[string]any{"api_key": "SG.key"},
	})
	require.NoError(t, err)

	require.NoError(t, h.service.Remove(ctx, rec.ID))
	_, err = h.repo.GetByID(ctx, rec.ID)
	require.ErrorIs(t, err, integration.ErrNotFound)
}

func TestUsageMarkup(t *testing.T) {
	require.Equal(t, 2.5, integration.UsageMarkup(integration.ModePlatform, 1.0, 2.5))
	require.Equal(t, 1.0, integration.UsageMarkup(integration.ModeOwn, 1.0, 2.5))
}
