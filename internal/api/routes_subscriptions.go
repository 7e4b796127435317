package api

import (
	"github.com/gin-gonic/gin"

	"github.com/jivelabs/passport/internal/app"
	"github.com/jivelabs/passport/internal/handlers"
	"github.com/jivelabs/passport/internal/middleware"
)

func registerSubscriptionRoutes(r *gin.Engine, cfg *app.Config, svc Services, requireAuth gin.HandlerFunc, internalKey string) {
	subHandler := handlers.NewSubscriptionHandler(svc.Entitlements, cfg.Entitlement.LowCreditThreshold)

	// Session holders read their own ledger; internal callers pass ?email=.
	r.GET("/api/subscription", middleware.AuthOrInternalKey(requireAuth, internalKey), subHandler.Get)

	admin := r.Group("/api/admin")
	admin.Use(middleware.AdminOrInternalKey(requireAuth, internalKey))
	{
		admin.POST("/subscriptions/activate", subHandler.Activate)
	}

	internal := r.Group("/api/internal")
	internal.Use(middleware.InternalKey(internalKey))
	{
		internal.POST("/low-credit-scan", subHandler.LowCreditScan)
		internal.POST("/reset-monthly", subHandler.ResetMonthly)
	}
}
