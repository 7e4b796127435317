package api

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/jivelabs/passport/internal/app"
	"github.com/jivelabs/passport/internal/handlers"
)

func registerAuthRoutes(r *gin.Engine, db *gorm.DB, cfg *app.Config, svc Services, requireAuth gin.HandlerFunc) {
	authHandler := handlers.NewAuthHandler(db, svc.Auth, svc.Sessions, handlers.AuthRedirects{
		SuccessURL: cfg.Auth.MagicLink.SuccessURL,
		ErrorURL:   cfg.Auth.MagicLink.ErrorURL,
	})

	// Public auth routes
	auth := r.Group("/api/auth")
	{
		auth.POST("/token", authHandler.RequestToken)
		auth.GET("/verify", authHandler.Verify)
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
	}

	// Authenticated auth routes
	authed := r.Group("/api/auth")
	authed.Use(requireAuth)
	{
		authed.GET("/me", authHandler.Me)
		authed.POST("/logout", authHandler.Logout)
	}
}
