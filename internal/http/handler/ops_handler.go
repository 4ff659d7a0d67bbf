package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/smallbiznis/railzway-integrations/internal/broker"
	"github.com/smallbiznis/railzway-integrations/internal/domain/integration"
	"github.com/smallbiznis/railzway-integrations/internal/failover"
	"github.com/smallbiznis/railzway-integrations/internal/service"
)

// OpsHandler exposes the operational surface: health snapshots, connection
// tests, and the provider callback endpoint. Broker and vault operations are
// not exposed over REST; callers integrate through the Go API.
type OpsHandler struct {
	Service  *service.IntegrationService
	Failover *failover.Controller
	Broker   broker.Broker
	Logger   *zap.Logger
}

// NewOpsHandler creates the handler set.
func NewOpsHandler(svc *service.IntegrationService, ctrl *failover.Controller, brk broker.Broker, logger *zap.Logger) *OpsHandler {
	return &OpsHandler{Service: svc, Failover: ctrl, Broker: brk, Logger: logger}
}

// Healthz reports process liveness.
func (h *OpsHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// IntegrationHealth returns the failover health snapshot for one org and
// category.
func (h *OpsHandler) IntegrationHealth(c *gin.Context) {
	orgID, err := strconv.ParseInt(c.Param("org"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "org must be an integer id."})
		return
	}
	category := c.Query("category")
	if category == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "category query parameter is required."})
		return
	}

	tenant := integration.TenantRef{OrgID: orgID}
	if raw := c.Query("client_id"); raw != "" {
		clientID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "client_id must be an integer id."})
			return
		}
		tenant.ClientID = &clientID
	}

	snapshot, err := h.Failover.Snapshot(c.Request.Context(), tenant, category)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": err.Error()})
		return
	}

	entries := make([]gin.H, 0, len(snapshot))
	for id, health := range snapshot {
		entry := gin.H{
			"integration_id":     strconv.FormatInt(id, 10),
			"consecutive_errors": health.Errors,
		}
		if health.FailedSince != nil {
			entry["failed_since"] = health.FailedSince
		}
		entries = append(entries, entry)
	}
	c.JSON(http.StatusOK, gin.H{"org_id": strconv.FormatInt(orgID, 10), "category": category, "integrations": entries})
}

// TestIntegration runs the provider connection test for one integration and
// returns the outcome. This is the only path that moves a record out of
// PENDING.
func (h *OpsHandler) TestIntegration(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "id must be an integer id."})
		return
	}

	result, err := h.Service.TestConnection(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, integration.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "error_description": "Integration not found."})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": result.Success, "message": result.Message})
}

// MaskedCredentials returns the masked view of an integration's stored
// credentials. Plaintext never leaves the service.
func (h *OpsHandler) MaskedCredentials(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "error_description": "id must be an integer id."})
		return
	}

	masked, err := h.Service.MaskedCredentials(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, integration.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "error_description": "Integration not found."})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server_error", "error_description": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"credentials": masked})
}

// OAuthCallback terminates the provider redirect leg: it consumes the state,
// exchanges the code, and sends the browser back to the caller's original
// redirect URL.
func (h *OpsHandler) OAuthCallback(c *gin.Context) {
	in := broker.CallbackInput{
		Code:             c.Query("code"),
		State:            c.Query("state"),
		ErrorParam:       c.Query("error"),
		ErrorDescription: c.Query("error_description"),
	}

	result, err := h.Broker.HandleCallback(c.Request.Context(), in)
	if err != nil {
		status := http.StatusBadGateway
		var authErr *integration.AuthorizationError
		switch {
		case errors.As(err, &authErr):
			status = http.StatusBadRequest
		case errors.Is(err, integration.ErrStateNotFound),
			errors.Is(err, integration.ErrStateUsed),
			errors.Is(err, integration.ErrStateExpired):
			status = http.StatusBadRequest
		}
		h.log().Warn("oauth callback rejected", zap.Error(err))
		c.JSON(status, gin.H{"error": "authorization_failed", "error_description": err.Error()})
		return
	}

	if result.RedirectURL != "" {
		c.Redirect(http.StatusFound, result.RedirectURL)
		return
	}
	c.JSON(http.StatusOK, gin.H{"integration_id": strconv.FormatInt(result.IntegrationID, 10)})
}

func (h *OpsHandler) log() *zap.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return zap.L()
}
