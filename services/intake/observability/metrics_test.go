// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics_RegistersAndCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.JobsSubmitted.Inc()
	m.JobsSubmitted.Inc()
	m.JobsRejected.WithLabelValues("oversize").Inc()
	m.StagesStarted.WithLabelValues("format").Inc()
	m.StagesFinished.WithLabelValues("format", "pass").Inc()
	m.StageDurationSeconds.WithLabelValues("format").Observe(0.002)
	m.JobsTerminal.WithLabelValues("completed", "").Inc()
	m.ArtifactsWritten.Inc()
	m.ArtifactBytesWritten.Add(1024)
	m.ArtifactsDeleted.Inc()
	m.IntegrityFailures.Inc()
	m.QueueDepth.Set(3)
	m.ActiveWorkers.Set(2)

	if got := testutil.ToFloat64(m.JobsSubmitted); got != 2 {
		t.Errorf("jobs_submitted_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.JobsRejected.WithLabelValues("oversize")); got != 1 {
		t.Errorf("jobs_rejected_total{oversize} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ArtifactBytesWritten); got != 1024 {
		t.Errorf("artifact_bytes_written_total = %v, want 1024", got)
	}
	if got := testutil.ToFloat64(m.QueueDepth); got != 3 {
		t.Errorf("queue_depth = %v, want 3", got)
	}

	// Everything landed in the supplied registry.
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	if len(families) == 0 {
		t.Error("no metric families registered")
	}
}

func TestNewMetrics_IndependentRegistries(t *testing.T) {
	a := NewMetrics(prometheus.NewRegistry())
	b := NewMetrics(prometheus.NewRegistry())

	a.JobsSubmitted.Inc()
	if got := testutil.ToFloat64(b.JobsSubmitted); got != 0 {
		t.Errorf("registries not independent: %v", got)
	}
}
