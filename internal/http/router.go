package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/smallbiznis/railzway-integrations/internal/config"
	"github.com/smallbiznis/railzway-integrations/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/railzway-integrations/internal/http/middleware"
	"github.com/smallbiznis/railzway-integrations/internal/middleware"
)

// NewRouter wires Gin routes and middleware for the operational surface.
func NewRouter(cfg config.Config, ops *handler.OpsHandler, rateLimiter *middleware.RateLimiter) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(nil))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/healthz", ops.Healthz)

	// Provider redirects land here; everything else about the authorization
	// flow stays behind the Go API.
	r.GET("/oauth/callback", ops.OAuthCallback)

	opsGroup := r.Group("/ops")
	{
		opsGroup.GET("/integrations/:org/health", ops.IntegrationHealth)
		opsGroup.POST("/integrations/:id/test", ops.TestIntegration)
		opsGroup.GET("/integrations/:id/credentials", ops.MaskedCredentials)
	}

	return r
}
