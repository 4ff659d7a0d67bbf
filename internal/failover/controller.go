package failover

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/smallbiznis/railzway-integrations/internal/domain/integration"
	"github.com/smallbiznis/railzway-integrations/internal/providers"
	"github.com/smallbiznis/railzway-integrations/internal/repository"
)

// Selection names the provider and integration chosen for a category.
type Selection struct {
	Provider      string
	IntegrationID int64
}

// Config tunes the circuit breaker.
type Config struct {
	// Threshold is the consecutive error count that opens the breaker.
	Threshold int
	// Cooldown is how long an open breaker blocks an integration before the
	// next call is allowed through again.
	Cooldown time.Duration
}

// DefaultConfig returns the reference breaker tuning.
func DefaultConfig() Config {
	return Config{Threshold: 3, Cooldown: 5 * time.Minute}
}

// Controller ranks interchangeable providers within a category over the
// static topology and tracks per-integration health.
type Controller struct {
	registry *providers.Registry
	repo     repository.IntegrationRepository
	health   HealthStore
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewController wires the failover controller.
func NewController(registry *providers.Registry, repo repository.IntegrationRepository, health HealthStore, cfg Config, logger *zap.Logger) *Controller {
	if cfg.Threshold < 1 {
		cfg.Threshold = 1
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	return &Controller{
		registry: registry,
		repo:     repo,
		health:   health,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the time source. Tests only.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// GetAvailableProvider returns the best available provider for a category:
// candidates sorted by position in the category's priority chain, then by
// ascending error count, first one whose breaker is closed.
func (c *Controller) GetAvailableProvider(ctx context.Context, tenant integration.TenantRef, category string) (*Selection, error) {
	records, err := c.repo.ListByCategory(ctx, tenant, category)
	if err != nil {
		return nil, fmt.Errorf("list category %s: %w", category, err)
	}

	candidates := c.rank(ctx, category, records)
	for _, cand := range candidates {
		available, err := c.IsAvailable(ctx, cand.rec.ID)
		if err != nil {
			return nil, err
		}
		if available {
			return &Selection{Provider: cand.rec.Provider, IntegrationID: cand.rec.ID}, nil
		}
	}
	return nil, fmt.Errorf("category %s: %w", category, integration.ErrNoProviderAvailable)
}

type candidate struct {
	rec    integration.IntegrationRecord
	pos    int
	errors int
}

func (c *Controller) rank(ctx context.Context, category string, records []integration.IntegrationRecord) []candidate {
	candidates := make([]candidate, 0, len(records))
	for _, rec := range records {
		if rec.Status != integration.StatusActive {
			continue
		}
		health, err := c.health.Status(ctx, rec.ID)
		if err != nil {
			c.log().Warn("health lookup failed", zap.Int64("integration_id", rec.ID), zap.Error(err))
		}
		candidates = append(candidates, candidate{
			rec:    rec,
			pos:    c.registry.Position(category, rec.Provider),
			errors: health.Errors,
		})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].pos != candidates[j].pos {
			return candidates[i].pos < candidates[j].pos
		}
		return candidates[i].errors < candidates[j].errors
	})
	return candidates
}

// RecordError increments the integration's consecutive error count and opens
// the breaker once the threshold is reached.
func (c *Controller) RecordError(ctx context.Context, integrationID int64) error {
	count, err := c.health.RecordError(ctx, integrationID)
	if err != nil {
		return fmt.Errorf("record error: %w", err)
	}
	if count < c.cfg.Threshold {
		return nil
	}
	health, err := c.health.Status(ctx, integrationID)
	if err != nil {
		return fmt.Errorf("health status: %w", err)
	}
	if health.FailedSince != nil {
		return nil
	}
	at := c.now()
	if err := c.health.Trip(ctx, integrationID, at); err != nil {
		return fmt.Errorf("trip breaker: %w", err)
	}
	c.log().Warn("circuit breaker opened",
		zap.Int64("integration_id", integrationID),
		zap.Int("consecutive_errors", count),
	)
	return nil
}

// RecordSuccess resets the error counter and closes any open breaker.
func (c *Controller) RecordSuccess(ctx context.Context, integrationID int64) error {
	if err := c.health.RecordSuccess(ctx, integrationID); err != nil {
		return fmt.Errorf("record success: %w", err)
	}
	return nil
}

// IsAvailable reports whether the integration's breaker is closed. A tripped
// breaker becomes available again once the cooldown has elapsed, at which
// point its counters are cleared and the next call is simply allowed through.
func (c *Controller) IsAvailable(ctx context.Context, integrationID int64) (bool, error) {
	health, err := c.health.Status(ctx, integrationID)
	if err != nil {
		return false, fmt.Errorf("health status: %w", err)
	}
	if health.FailedSince == nil {
		return true, nil
	}
	if c.now().Sub(*health.FailedSince) >= c.cfg.Cooldown {
		if err := c.health.Clear(ctx, integrationID); err != nil {
			return false, fmt.Errorf("clear breaker: %w", err)
		}
		c.log().Info("circuit breaker cooldown elapsed", zap.Int64("integration_id", integrationID))
		return true, nil
	}
	return false, nil
}

// AttemptFailover resolves the failed integration's provider and category and
// returns the first fallback, strictly after it in the priority chain, that
// has a healthy integration for the tenant. The result names the features
// lost by switching so the caller can judge the degraded set.
func (c *Controller) AttemptFailover(ctx context.Context, failedIntegrationID int64, tenant integration.TenantRef) (*integration.FailoverResult, error) {
	failed, err := c.repo.GetByID(ctx, failedIntegrationID)
	if err != nil {
		return nil, fmt.Errorf("resolve failed integration: %w", err)
	}

	records, err := c.repo.ListByCategory(ctx, tenant, failed.Category)
	if err != nil {
		return nil, fmt.Errorf("list category %s: %w", failed.Category, err)
	}
	byProvider := make(map[string][]integration.IntegrationRecord)
	for _, rec := range records {
		if rec.Status != integration.StatusActive || rec.ID == failed.ID {
			continue
		}
		byProvider[rec.Provider] = append(byProvider[rec.Provider], rec)
	}

	for _, fallback := range c.registry.Fallbacks(failed.Category, failed.Provider) {
		for _, rec := range byProvider[fallback] {
			available, err := c.IsAvailable(ctx, rec.ID)
			if err != nil {
				return nil, err
			}
			if !available {
				continue
			}
			lost, err := c.registry.FeaturesLost(failed.Provider, fallback)
			if err != nil {
				return nil, err
			}
			c.log().Info("failover resolved",
				zap.String("from", failed.Provider),
				zap.String("to", fallback),
				zap.Int64("integration_id", rec.ID),
				zap.Strings("features_lost", lost),
			)
			return &integration.FailoverResult{
				Provider:      fallback,
				IntegrationID: rec.ID,
				FeaturesLost:  lost,
			}, nil
		}
	}

	return nil, fmt.Errorf("no healthy fallback after %s in category %s: %w",
		failed.Provider, failed.Category, integration.ErrNoProviderAvailable)
}

// Snapshot reports current health for every integration in a category,
// for the ops surface.
func (c *Controller) Snapshot(ctx context.Context, tenant integration.TenantRef, category string) (map[int64]Health, error) {
	records, err := c.repo.ListByCategory(ctx, tenant, category)
	if err != nil {
		return nil, fmt.Errorf("list category %s: %w", category, err)
	}
	out := make(map[int64]Health, len(records))
	for _, rec := range records {
		health, err := c.health.Status(ctx, rec.ID)
		if err != nil {
			return nil, err
		}
		out[rec.ID] = health
	}
	return out, nil
}

func (c *Controller) log() *zap.Logger {
	if c != nil && c.logger != nil {
		return c.logger
	}
	return zap.L()
}
