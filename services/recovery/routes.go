// Copyright (C) 2026 Fablewood (engineering@fablewood.app)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package recovery

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/fablewood/resilience/pkg/telemetry"
)

// RegisterRoutes registers the recovery debug surface on the router group.
//
// Routes:
//
//	GET  /v1/recovery/health - Health snapshot and operating mode
//	GET  /v1/recovery/diagnostics - Diagnostic report (?format=json|text)
//	GET  /v1/recovery/logs - Log history export
//	POST /v1/recovery/errors - Global error intake
//	POST /v1/recovery/recover - Manual component recovery
//	GET  /v1/recovery/events - Websocket event feed (?replay=true)
//
// Example:
//
//	sys := recovery.NewSystem(recovery.SystemConfig{...})
//	handlers := recovery.NewHandlers(sys)
//
//	v1 := router.Group("/v1")
//	recovery.RegisterRoutes(v1, handlers)
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	rec := rg.Group("/recovery")
	{
		rec.GET("/health", handlers.HandleHealth)
		rec.GET("/diagnostics", handlers.HandleDiagnostics)
		rec.GET("/logs", handlers.HandleLogs)
		rec.POST("/errors", handlers.HandleErrorIntake)
		rec.POST("/recover", handlers.HandleRecover)
		rec.GET("/events", handlers.HandleEvents)
	}
}

// NewRouter builds the debug surface router: otel middleware, the
// /v1/recovery routes, and the Prometheus scrape endpoint.
func NewRouter(sys *System) *gin.Engine {
	router := gin.Default()
	router.Use(otelgin.Middleware("recovery-service"))

	v1 := router.Group("/v1")
	RegisterRoutes(v1, NewHandlers(sys))

	router.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))

	return router
}
