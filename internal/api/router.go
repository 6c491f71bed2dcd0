package api

import (
	"klipnote/pkg/logger"
	"klipnote/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// SetupRoutes wires the five HTTP endpoints of spec.md §6 onto a gin.Engine
// built the way the teacher builds its own: gin.New() with explicit
// Recovery, a structured request logger, gzip compression, and a
// configuration-driven CORS middleware. Every auth-gated group, CLI-install
// route, and CSV/LLM endpoint from the teacher's router has no spec.md
// counterpart and is dropped.
func SetupRoutes(handler *Handler, corsOrigins []string, isProduction bool) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	logger.SetGinOutput()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logger.GinLogger())
	router.Use(middleware.CompressionMiddleware())
	router.Use(corsMiddleware(corsOrigins, isProduction))

	router.GET("/health", handler.HealthCheck)

	router.POST("/upload", handler.UploadAudio)
	router.GET("/status/:job_id", handler.GetStatus)
	router.GET("/result/:job_id", handler.GetResult)
	router.GET("/media/:job_id", handler.GetMedia)
	router.POST("/export/:job_id", handler.Export)

	return router
}

func corsMiddleware(allowedOrigins []string, isProduction bool) gin.HandlerFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		allowOrigin := "*"
		if isProduction {
			allowOrigin = ""
			if allowed[origin] {
				allowOrigin = origin
			}
		} else if origin != "" {
			allowOrigin = origin
		}

		if allowOrigin != "" {
			c.Header("Access-Control-Allow-Origin", allowOrigin)
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-Language-Hint")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
