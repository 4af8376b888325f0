package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-skills/internal/config"
	"github.com/stemsi/exstem-skills/internal/handler"
	"github.com/stemsi/exstem-skills/internal/middleware"
	"github.com/stemsi/exstem-skills/internal/response"
	"github.com/stemsi/exstem-skills/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Session    *handler.SessionHandler
	Submission *handler.SubmissionHandler
	WS         *handler.WSHandler
	System     *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	limiter *middleware.RateLimiter,
	handlers *Handlers,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(response.RequestIDMiddleware())
	router.Use(middleware.Brotli())

	router.GET("/health", handlers.System.Health)

	// ─── 1. Learner Group (JWT, Rate Limited) ──────────────────────────
	learner := router.Group("/api/v1/learner")
	learner.Use(
		middleware.RequireLearnerJWT(authService),
		limiter.Middleware(),
		middleware.NoStore(),
	)
	{
		learner.POST("/exercises/:exercise_id/sessions", handlers.Session.StartSession)

		sessions := learner.Group("/sessions/:session_id")
		{
			sessions.GET("", handlers.Session.GetSession)
			sessions.DELETE("", handlers.Session.Abandon)
			sessions.POST("/navigate", handlers.Session.Navigate)
			sessions.POST("/submit", handlers.Session.Submit)

			sessions.PUT("/answers/:question_id", handlers.Session.SetAnswer)
			sessions.GET("/answers/:question_id/validation", handlers.Session.GetValidation)
			sessions.POST("/answers/:question_id/audio", handlers.Session.UploadAudio)
			sessions.DELETE("/answers/:question_id/audio", handlers.Session.RemoveAudio)
			sessions.PUT("/answers/:question_id/audio/duration", handlers.Session.ReportDuration)
		}

		learner.GET("/submissions/:submission_id", handlers.Submission.GetSubmission)
	}

	// ─── 2. WebSocket Group (Learner WS Auth) ──────────────────────────
	ws := router.Group("/ws/v1/learner")
	ws.Use(middleware.RequireLearnerWSAuth(authService))
	{
		ws.GET("/sessions/:session_id/stream", handlers.WS.SessionStream)
		ws.GET("/submissions/:submission_id/stream", handlers.WS.SubmissionStream)
	}

	return router
}
