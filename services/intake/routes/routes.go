// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/GenomeGate/pkg/logging"
	"github.com/AleutianAI/GenomeGate/services/intake/handlers"
	"github.com/AleutianAI/GenomeGate/services/intake/jobs"
	"github.com/AleutianAI/GenomeGate/services/intake/pipeline"
	"github.com/AleutianAI/GenomeGate/services/intake/scan"
	"github.com/AleutianAI/GenomeGate/services/intake/store"
)

// Deps bundles everything the HTTP surface needs.
type Deps struct {
	Executor *pipeline.Executor
	Registry *jobs.Registry
	Store    *store.Store
	IDS      *scan.IDS
	AML      *scan.AML
	MaxBytes int64
	Logger   *logging.Logger
}

// SetupRoutes wires the intake API onto the router.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.Use(otelgin.Middleware("genomegate-intake"))

	router.GET("/health", handlers.Health(deps.IDS, deps.AML))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/upload", handlers.Upload(deps.Executor, deps.MaxBytes, deps.Logger))
		v1.GET("/status/:jobId", handlers.Status(deps.Registry))
		v1.GET("/events/:jobId", handlers.Watch(deps.Registry))
		v1.GET("/result/:jobId", handlers.Result(deps.Registry))
		v1.POST("/cancel/:jobId", handlers.Cancel(deps.Registry))
		v1.GET("/proof/:jobId", handlers.Proof(deps.Store))
		v1.GET("/seclog/:jobId", handlers.SecurityLog(deps.Store, deps.Registry))
		v1.DELETE("/artifact/:jobId", handlers.DeleteArtifact(deps.Executor))
		v1.GET("/stats", handlers.Stats(deps.Registry, deps.Store, deps.IDS, deps.AML))
	}
}
