package api

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/jivelabs/passport/internal/app"
	iauth "github.com/jivelabs/passport/internal/auth"
	"github.com/jivelabs/passport/internal/handlers"
	"github.com/jivelabs/passport/internal/middleware"
	"github.com/jivelabs/passport/internal/services"
)

// Services bundles the wired service layer handed to the router.
type Services struct {
	Auth         *services.AuthService
	Entitlements *services.EntitlementService
	Audit        *services.AuditService
	Sessions     *iauth.SessionService
	JWT          *iauth.JWTService
}

// NewRouter builds the Gin engine, wires middleware and registers all routes.
func NewRouter(db *gorm.DB, cfg *app.Config, svc Services) (*gin.Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config must be provided")
	}
	if svc.Auth == nil || svc.Entitlements == nil || svc.Audit == nil {
		return nil, fmt.Errorf("service layer must be fully provided")
	}
	if svc.JWT == nil || svc.Sessions == nil {
		return nil, fmt.Errorf("jwt and session services must be provided")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	// Basic rate limiting: 100 requests/minute per IP+path
	r.Use(middleware.RateLimit(100, time.Minute))

	r.NoRoute(middleware.NotFoundHandler)

	// Health endpoint (public)
	r.GET("/health", handlers.Health())

	if cfg.Monitoring.Prometheus.Enabled {
		endpoint := cfg.Monitoring.Prometheus.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	requireAuth := middleware.Auth(svc.JWT)
	internalKey := cfg.Auth.InternalAPIKey

	registerAuthRoutes(r, db, cfg, svc, requireAuth)
	registerSubscriptionRoutes(r, cfg, svc, requireAuth, internalKey)
	registerAuditRoutes(r, svc, requireAuth)

	return r, nil
}
