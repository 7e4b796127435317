package api

import (
	"github.com/gin-gonic/gin"

	"github.com/jivelabs/passport/internal/handlers"
	"github.com/jivelabs/passport/internal/middleware"
)

func registerAuditRoutes(r *gin.Engine, svc Services, requireAuth gin.HandlerFunc) {
	auditHandler := handlers.NewAuditHandler(svc.Audit)

	admin := r.Group("/api/admin")
	admin.Use(requireAuth, middleware.RequireAdmin())
	{
		admin.GET("/audit", auditHandler.List)
	}
}
