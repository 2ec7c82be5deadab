// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// GenomeGate intake service: receives genomic sequence uploads, runs
// them through the layered validation pipeline, and serves status,
// results, and deletion proofs.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/AleutianAI/GenomeGate/pkg/logging"
	"github.com/AleutianAI/GenomeGate/services/intake/analysis"
	"github.com/AleutianAI/GenomeGate/services/intake/config"
	"github.com/AleutianAI/GenomeGate/services/intake/jobs"
	"github.com/AleutianAI/GenomeGate/services/intake/observability"
	"github.com/AleutianAI/GenomeGate/services/intake/pipeline"
	"github.com/AleutianAI/GenomeGate/services/intake/routes"
	"github.com/AleutianAI/GenomeGate/services/intake/scan"
	"github.com/AleutianAI/GenomeGate/services/intake/store"
)

const shutdownTimeout = 15 * time.Second

func initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("genomegate-intake")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			log.Printf("failed to shutdown OTLP exporter: %v", err)
		}
	}, nil
}

func main() {
	configPath := flag.String("config", "", "path to config.yaml (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		LogDir:  cfg.LogDir,
		Service: "intake",
		JSON:    cfg.LogJSON,
	})
	defer logger.Close()

	// Sensitive buffers (encryption key, proof secret) live in locked
	// memory; wipe them on every exit path.
	defer memguard.Purge()

	if cfg.Passphrase == "" {
		logger.Warn("GENOMEGATE_PASSPHRASE not set, using an ephemeral key: artifacts will be unreadable after restart")
	}
	if cfg.ProofSecret == "" {
		logger.Warn("GENOMEGATE_PROOF_SECRET not set, using an ephemeral secret: deletion proofs will not verify after restart")
	}

	keys, err := store.NewKeyManager(cfg.Passphrase, cfg.ProofSecret)
	if err != nil {
		log.Fatalf("key manager: %v", err)
	}
	defer keys.Destroy()

	st, err := store.Open(
		store.Config{Root: cfg.DataDir, Algorithm: cfg.EncryptionAlgorithm},
		store.DefaultKVConfig(filepath.Join(cfg.DataDir, "meta")),
		keys,
		logger,
	)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer st.Close()

	if cfg.OTLPEndpoint != "" {
		cleanup, err := initTracer(cfg.OTLPEndpoint)
		if err != nil {
			log.Fatalf("failed to setup the OTLP tracer: %v", err)
		}
		defer cleanup(context.Background())
	}

	registry := jobs.NewRegistry(logger)
	ids := scan.NewIDS(nil, cfg.IDSThreshold)

	aml, loaded, err := scan.LoadAML(cfg.ModelPath, cfg.ThresholdPath, 0)
	if err != nil {
		log.Fatalf("aml model: %v", err)
	}
	if loaded {
		logger.Info("aml model loaded", "path", cfg.ModelPath, "threshold", aml.Threshold())
	} else {
		logger.Warn("aml model not found, adversarial check runs in skip mode", "path", cfg.ModelPath)
	}
	if cfg.AMLThreshold > 0 {
		aml.SetThreshold(cfg.AMLThreshold)
		logger.Info("aml threshold overridden by config", "threshold", cfg.AMLThreshold)
	}

	metrics := observability.NewMetrics(nil)

	exec := pipeline.New(
		pipeline.Config{
			Workers:       cfg.Workers,
			QueueDepth:    cfg.QueueDepth,
			MaxInputBytes: cfg.MaxInputBytes,
			Deadlines:     cfg.StageDeadlines,
			Retention:     cfg.Retention(),
			SweepInterval: time.Minute,
		},
		registry, ids, aml, st, analysis.New(), metrics, logger,
	)
	exec.Start()

	if cfg.GAParametersPath != "" {
		tuner, err := config.NewTunerWatch(cfg.GAParametersPath, logger, func(p config.GAParameters) {
			if p.IDSThreshold > 0 {
				ids.SetThreshold(p.IDSThreshold)
			}
			if p.AMLThreshold > 0 {
				aml.SetThreshold(p.AMLThreshold)
			}
			if p.Workers > 0 && p.Workers != cfg.Workers {
				logger.Info("tuner workers override recorded, takes effect on restart",
					"current", cfg.Workers, "requested", p.Workers)
			}
		})
		if err != nil {
			logger.Error("tuner watch unavailable", "path", cfg.GAParametersPath, "error", err)
		} else {
			defer tuner.Close()
		}
	}

	router := gin.Default()
	routes.SetupRoutes(router, routes.Deps{
		Executor: exec,
		Registry: registry,
		Store:    st,
		IDS:      ids,
		AML:      aml,
		MaxBytes: cfg.MaxInputBytes,
		Logger:   logger,
	})

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	go func() {
		logger.Info("intake server listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	stop()
	logger.Info("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	if err := exec.Stop(shutdownCtx); err != nil {
		logger.Error("pipeline drain failed", "error", err)
	}
	logger.Info("shutdown complete")
}
