package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/smallbiznis/railzway-integrations/internal/domain/integration"
	"github.com/smallbiznis/railzway-integrations/internal/failover"
	"github.com/smallbiznis/railzway-integrations/internal/providers"
	"github.com/smallbiznis/railzway-integrations/internal/repository"
	"github.com/smallbiznis/railzway-integrations/internal/vault"
)

// Tester runs a provider's uniform connection test against decrypted
// credentials. Provider adapters register one per provider name; unknown
// providers fail closed.
type Tester func(ctx context.Context, credentials map[string]any) (ok bool, message string)

// TestResult reports the outcome of one connection test.
type TestResult struct {
	Success bool
	Message string
}

// ProvisionInput creates a new integration record. Credentials are required
// for OWN mode and forbidden for PLATFORM mode.
type ProvisionInput struct {
	Tenant      integration.TenantRef
	Provider    string
	Mode        integration.Mode
	Credentials map[string]any
	IsDefault   bool
	Priority    int
}

// IntegrationService provisions integration records and runs the explicit
// connection tests that move them out of PENDING.
type IntegrationService struct {
	registry *providers.Registry
	repo     repository.IntegrationRepository
	vault    *vault.Vault
	health   *failover.Controller
	testers  map[string]Tester
	node     *snowflake.Node
	logger   *zap.Logger
	now      func() time.Time
}

// NewIntegrationService wires the service.
func NewIntegrationService(
	registry *providers.Registry,
	repo repository.IntegrationRepository,
	v *vault.Vault,
	health *failover.Controller,
	testers map[string]Tester,
	node *snowflake.Node,
	logger *zap.Logger,
) *IntegrationService {
	return &IntegrationService{
		registry: registry,
		repo:     repo,
		vault:    v,
		health:   health,
		testers:  testers,
		node:     node,
		logger:   logger,
		now:      time.Now,
	}
}

// Provision creates a record in PENDING; only an explicit connection test
// moves it to ACTIVE or ERROR.
func (s *IntegrationService) Provision(ctx context.Context, in ProvisionInput) (*integration.IntegrationRecord, error) {
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	def, err := s.registry.Lookup(provider)
	if err != nil {
		return nil, err
	}

	scope := integration.ScopePlatform
	if in.Tenant.ClientID != nil {
		scope = integration.ScopeClient
	}

	rec := integration.IntegrationRecord{
		ID:        s.node.Generate().Int64(),
		OrgID:     in.Tenant.OrgID,
		ClientID:  in.Tenant.ClientID,
		Scope:     scope,
		Provider:  def.Name,
		Category:  def.Category,
		Mode:      in.Mode,
		Status:    integration.StatusPending,
		IsDefault: in.IsDefault,
		Priority:  in.Priority,
	}

	switch in.Mode {
	case integration.ModeOwn:
		if len(in.Credentials) == 0 {
			return nil, fmt.Errorf("credentials are required for OWN mode")
		}
		encrypted, err := s.vault.Encrypt(ctx, in.Credentials)
		if err != nil {
			return nil, fmt.Errorf("encrypt credentials: %w", err)
		}
		rec.Credentials = encrypted
	case integration.ModePlatform:
		if len(in.Credentials) > 0 {
			return nil, fmt.Errorf("PLATFORM mode borrows platform credentials; none may be supplied")
		}
	default:
		return nil, fmt.Errorf("unknown mode %q", in.Mode)
	}

	created, err := s.repo.Create(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("create integration: %w", err)
	}
	s.log().Info("integration provisioned",
		zap.Int64("integration_id", created.ID),
		zap.String("provider", created.Provider),
		zap.String("mode", string(created.Mode)),
	)
	return &created, nil
}

// TestConnection resolves live credentials, runs the provider's tester and
// records the outcome on the record and in the failover health tracker. This
// is the only path that flips a PENDING record.
func (s *IntegrationService) TestConnection(ctx context.Context, integrationID int64) (*TestResult, error) {
	rec, err := s.repo.GetByID(ctx, integrationID)
	if err != nil {
		return nil, err
	}

	credentials, err := s.resolveCredentials(ctx, rec)
	if err != nil {
		return nil, err
	}

	tester, ok := s.testers[rec.Provider]
	if !ok {
		return nil, fmt.Errorf("provider %s: no connection tester registered", rec.Provider)
	}

	success, message := tester(ctx, credentials)
	now := s.now().UTC()
	rec.LastTestedAt = &now
	rec.LastTestResult = message
	rec.IsVerified = success
	if success {
		rec.Status = integration.StatusActive
		rec.ErrorMessage = ""
	} else {
		rec.Status = integration.StatusError
		rec.ErrorMessage = message
	}

	if _, err := s.repo.Update(ctx, *rec); err != nil {
		return nil, fmt.Errorf("record test result: %w", err)
	}

	if success {
		if err := s.health.RecordSuccess(ctx, rec.ID); err != nil {
			s.log().Warn("failed to record health success", zap.Error(err))
		}
	} else {
		if err := s.health.RecordError(ctx, rec.ID); err != nil {
			s.log().Warn("failed to record health error", zap.Error(err))
		}
	}

	s.log().Info("connection test completed",
		zap.Int64("integration_id", rec.ID),
		zap.String("provider", rec.Provider),
		zap.Bool("success", success),
	)
	return &TestResult{Success: success, Message: message}, nil
}

// MaskedCredentials returns display-safe credential fields.
func (s *IntegrationService) MaskedCredentials(ctx context.Context, integrationID int64) (map[string]string, error) {
	rec, err := s.repo.GetByID(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	credentials, err := s.resolveCredentials(ctx, rec)
	if err != nil {
		return nil, err
	}
	return s.vault.Mask(credentials), nil
}

// Remove deletes a record; the repository refuses while other records borrow
// it as their platform credential source.
func (s *IntegrationService) Remove(ctx context.Context, integrationID int64) error {
	return s.repo.Delete(ctx, integrationID)
}

// resolveCredentials decrypts the record's own credentials, or for PLATFORM
// mode the borrowed platform record's credentials.
func (s *IntegrationService) resolveCredentials(ctx context.Context, rec *integration.IntegrationRecord) (map[string]any, error) {
	source := rec
	if rec.Mode == integration.ModePlatform {
		platform, err := s.repo.FindFirst(ctx, integration.ScopePlatform, rec.Provider, rec.Category, integration.StatusActive)
		if err != nil {
			return nil, fmt.Errorf("resolve platform credentials: %w", err)
		}
		source = platform
	}
	if source.Credentials == nil {
		return nil, fmt.Errorf("integration %d has no credentials", source.ID)
	}
	credentials, err := s.vault.Decrypt(ctx, source.Credentials)
	if err != nil {
		return nil, err
	}
	return credentials, nil
}

func (s *IntegrationService) log() *zap.Logger {
	if s != nil && s.logger != nil {
		return s.logger
	}
	return zap.L()
}
