// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics for the intake pipeline.
//
// # Description
//
// This package implements Prometheus metrics for the job-processing
// core. The event taxonomy:
//   - job_submitted, job_terminal{state, reason}
//   - stage_started{stage}, stage_finished{stage, outcome} with a
//     duration histogram
//   - artifact_written{bytes}, artifact_deleted, integrity_failure
//   - queue depth and active worker gauges
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal
// locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const metricsNamespace = "genomegate"

// Subsystem for pipeline metrics
const intakeSubsystem = "intake"

// Metrics holds all Prometheus metrics for the intake core.
//
// Initialize once at startup via NewMetrics().
type Metrics struct {
	// JobsSubmitted counts accepted uploads.
	JobsSubmitted prometheus.Counter

	// JobsRejected counts admission rejections.
	// Labels: reason (oversize, empty, queue_full)
	JobsRejected *prometheus.CounterVec

	// JobsTerminal counts jobs reaching a terminal state.
	// Labels: state (completed, failed, cancelled), reason
	JobsTerminal *prometheus.CounterVec

	// StagesStarted counts stage executions.
	// Labels: stage
	StagesStarted *prometheus.CounterVec

	// StagesFinished counts finished stages by outcome.
	// Labels: stage, outcome (pass, fail, skip)
	StagesFinished *prometheus.CounterVec

	// StageDurationSeconds measures per-stage wall-clock time.
	// Labels: stage
	StageDurationSeconds *prometheus.HistogramVec

	// ArtifactsWritten counts persisted artifacts.
	ArtifactsWritten prometheus.Counter

	// ArtifactBytesWritten counts ciphertext bytes written.
	ArtifactBytesWritten prometheus.Counter

	// ArtifactsDeleted counts deletion proofs issued.
	ArtifactsDeleted prometheus.Counter

	// IntegrityFailures counts failed tag/MAC verifications.
	IntegrityFailures prometheus.Counter

	// QueueDepth tracks jobs waiting for a worker.
	QueueDepth prometheus.Gauge

	// ActiveWorkers tracks workers currently executing a job.
	ActiveWorkers prometheus.Gauge
}

// NewMetrics creates and registers all pipeline metrics.
//
// Inputs:
//
//	reg - Target registry. Nil selects the default registry. Tests
//	      pass their own prometheus.NewRegistry() so parallel tests
//	      never collide on registration.
//
// Outputs:
//
//	*Metrics - The registered metrics instance.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		JobsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: intakeSubsystem,
			Name:      "jobs_submitted_total",
			Help:      "Total uploads admitted to the pipeline",
		}),

		JobsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: intakeSubsystem,
				Name:      "jobs_rejected_total",
				Help:      "Total uploads rejected at admission by reason",
			},
			[]string{"reason"},
		),

		JobsTerminal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: intakeSubsystem,
				Name:      "jobs_terminal_total",
				Help:      "Total jobs reaching a terminal state by state and reason",
			},
			[]string{"state", "reason"},
		),

		StagesStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: intakeSubsystem,
				Name:      "stages_started_total",
				Help:      "Total stage executions by stage",
			},
			[]string{"stage"},
		),

		StagesFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: intakeSubsystem,
				Name:      "stages_finished_total",
				Help:      "Total finished stages by stage and outcome",
			},
			[]string{"stage", "outcome"},
		),

		StageDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: intakeSubsystem,
				Name:      "stage_duration_seconds",
				Help:      "Per-stage wall-clock duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"stage"},
		),

		ArtifactsWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: intakeSubsystem,
			Name:      "artifacts_written_total",
			Help:      "Total artifacts persisted to the object store",
		}),

		ArtifactBytesWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: intakeSubsystem,
			Name:      "artifact_bytes_written_total",
			Help:      "Total ciphertext bytes written to the object store",
		}),

		ArtifactsDeleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: intakeSubsystem,
			Name:      "artifacts_deleted_total",
			Help:      "Total deletion proofs issued",
		}),

		IntegrityFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: intakeSubsystem,
			Name:      "integrity_failures_total",
			Help:      "Total artifact integrity verification failures",
		}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: intakeSubsystem,
			Name:      "queue_depth",
			Help:      "Jobs queued and waiting for a worker",
		}),

		ActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: intakeSubsystem,
			Name:      "active_workers",
			Help:      "Workers currently executing a job",
		}),
	}
}
