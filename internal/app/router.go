package app

import (
	"listening_game_backend/docs"
	"listening_game_backend/internal/config"
	"listening_game_backend/internal/middleware"
	"listening_game_backend/pkg/monitoring"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

func (a *App) registerRoutes(router *gin.Engine, c *controllers, cfg *config.Config) {
	docs.SwaggerInfo.BasePath = "/api"
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler, ginSwagger.URL("/swagger/doc.json")))

	router.GET("/metrics", monitoring.PrometheusHandler())

	a.registerPublicRoutes(router, c)

	authGroup := router.Group("/api")
	authGroup.Use(middleware.AuthMiddleware(cfg))
	{
		a.registerListeningRoutes(authGroup, c)
	}
}

func (a *App) registerPublicRoutes(router *gin.Engine, c *controllers) {
	public := router.Group("/api")
	{
		public.GET("/health", c.health.HealthCheck)
	}
}

func (a *App) registerListeningRoutes(rg *gin.RouterGroup, c *controllers) {
	sessions := rg.Group("/listening/sessions")
	{
		sessions.POST("", c.game.CreateSession)
		sessions.GET("", c.game.ListSessions)
		sessions.GET("/:id", c.game.GetSession)
		sessions.PATCH("/:id", c.game.UpdateSession)
		sessions.DELETE("/:id", c.game.DeleteSession)
		sessions.POST("/:id/start", c.game.StartSession)
		sessions.POST("/:id/cancel", c.game.CancelSession)
		sessions.POST("/:id/advance", c.game.Advance)
		sessions.GET("/:id/summary", c.game.Summary)

		sessions.GET("/:id/rounds/current", c.game.GetCurrentRound)
		sessions.POST("/:id/rounds/:n/attempt", c.game.SubmitAttempt)
		sessions.POST("/:id/rounds/:n/replay", c.game.RegisterReplay)
	}
}
