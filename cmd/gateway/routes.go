package main

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/therealutkarshpriyadarshi/livegate/internal/logging"
	"github.com/therealutkarshpriyadarshi/livegate/internal/middleware"
)

func setupRouter(api *API, log *logging.Logger, tracingEnabled bool) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(log))
	router.Use(middleware.Metrics())

	// Health and metrics
	router.GET("/health", api.healthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Ingest surface, written to by ffmpeg
	router.PUT("/transcode/:transcodeId/:file", api.ingestFile)

	// Playback surface, read by HLS players
	router.GET("/streams/:sessionId/:file", api.serveStream)

	// Control API
	apiGroup := router.Group("/api")
	if tracingEnabled {
		apiGroup.Use(middleware.Tracing())
	}
	{
		apiGroup.POST("/broadcasts", api.startBroadcast)
		apiGroup.GET("/broadcasts/current", api.broadcastStatus)
		apiGroup.DELETE("/broadcasts/current", api.stopBroadcast)
		apiGroup.POST("/broadcasts/current/restart", api.restartTranscode)
		apiGroup.GET("/broadcasts/current/log", api.streamBroadcastLog)

		if api.history != nil {
			apiGroup.GET("/broadcasts/history", api.broadcastHistory)
		}
	}

	return router
}
