// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/GenomeGate/services/intake/jobs"
	"github.com/AleutianAI/GenomeGate/services/intake/pipeline"
	"github.com/AleutianAI/GenomeGate/services/intake/scan"
	"github.com/AleutianAI/GenomeGate/services/intake/store"
)

// ProofResponse wraps a deletion proof with its verification result
// under the store's current secret.
type ProofResponse struct {
	Proof    *store.DeletionProof `json:"proof"`
	Verified bool                 `json:"verified"`
}

// Proof returns the deletion proof for a job whose artifact has been
// deleted. Until deletion happens there is no proof, and the endpoint
// answers 404.
func Proof(st *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		proof, err := st.Proof(c.Param("jobId"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "no deletion proof for job"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, ProofResponse{Proof: proof, Verified: st.VerifyProof(proof)})
	}
}

// DeleteArtifact removes a terminal job's stored artifact on demand
// and returns the minted deletion proof.
func DeleteArtifact(exec *pipeline.Executor) gin.HandlerFunc {
	return func(c *gin.Context) {
		proof, err := exec.DeleteArtifact(c.Request.Context(), c.Param("jobId"))
		if err != nil {
			switch {
			case errors.Is(err, jobs.ErrNotFound), errors.Is(err, store.ErrNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "job or artifact not found"})
			case errors.Is(err, pipeline.ErrNotReady):
				c.JSON(http.StatusConflict, gin.H{"error": "job is not terminal yet"})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusOK, ProofResponse{Proof: proof, Verified: true})
	}
}

// SecurityLog returns the append-only security events for a job.
func SecurityLog(st *store.Store, registry *jobs.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("jobId")
		if _, err := registry.Snapshot(jobID); err != nil {
			// The log may outlive the pruned record; fall through only
			// when events exist.
			events, evErr := st.SecurityEvents(jobID)
			if evErr != nil || len(events) == 0 {
				c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"job_id": jobID, "events": events})
			return
		}

		events, err := st.SecurityEvents(jobID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"job_id": jobID, "events": events})
	}
}

// HealthResponse reports per-layer readiness.
type HealthResponse struct {
	Status string          `json:"status"`
	Layers map[string]bool `json:"layers"`
}

// Health reports liveness and the readiness of each validation layer.
// The aml layer reads false in skip mode; the service is still healthy,
// callers use the flag to see which defenses are active.
func Health(ids *scan.IDS, aml *scan.AML) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, HealthResponse{
			Status: "ok",
			Layers: map[string]bool{
				"format":   true,
				"ids":      ids != nil,
				"aml":      aml != nil && aml.Loaded(),
				"store":    true,
				"registry": true,
			},
		})
	}
}

// StatsResponse is the operational snapshot for dashboards.
type StatsResponse struct {
	Jobs  map[string]int `json:"jobs"`
	Store StoreStats     `json:"store"`
	IDS   IDSStats       `json:"ids"`
	AML   AMLStats       `json:"aml"`
}

// StoreStats are artifact store totals.
type StoreStats struct {
	Artifacts int `json:"artifacts"`
	Deletions int `json:"deletions"`
}

// IDSStats mirrors the intrusion scanner's counters plus its live
// tuning state.
type IDSStats struct {
	Scans          uint64 `json:"scans"`
	ThreatsFound   uint64 `json:"threats_found"`
	Blocked        uint64 `json:"blocked"`
	Threshold      int    `json:"threshold"`
	PatternVersion string `json:"pattern_version"`
}

// AMLStats is the adversarial detector's live tuning state.
type AMLStats struct {
	Loaded    bool    `json:"loaded"`
	Threshold float64 `json:"threshold"`
}

// Stats aggregates job counts, store totals, and scanner counters.
func Stats(registry *jobs.Registry, st *store.Store, ids *scan.IDS, aml *scan.AML) gin.HandlerFunc {
	return func(c *gin.Context) {
		s := ids.Stats()
		c.JSON(http.StatusOK, StatsResponse{
			Jobs: registry.Counts(),
			Store: StoreStats{
				Artifacts: st.ArtifactCount(),
				Deletions: st.DeletionCount(),
			},
			IDS: IDSStats{
				Scans:          s.Scans,
				ThreatsFound:   s.ThreatsFound,
				Blocked:        s.Blocked,
				Threshold:      ids.Threshold(),
				PatternVersion: scan.PatternVersion,
			},
			AML: AMLStats{
				Loaded:    aml.Loaded(),
				Threshold: aml.Threshold(),
			},
		})
	}
}
