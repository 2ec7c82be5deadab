// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers holds the HTTP surface of the intake service. Each
// handler is a thin closure over its collaborators; all job semantics
// live in the pipeline and jobs packages.
package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/GenomeGate/pkg/logging"
	"github.com/AleutianAI/GenomeGate/services/intake/jobs"
	"github.com/AleutianAI/GenomeGate/services/intake/pipeline"
)

// UploadResponse acknowledges an admitted job.
type UploadResponse struct {
	JobID string `json:"job_id"`
	State string `json:"state"`
}

// Upload accepts a sequence file and enqueues it for validation.
//
// Description:
//
//	Two request shapes are supported: multipart form data with a
//	"file" field, or a raw body with an optional ?filename= query
//	parameter. The response is 202: admission only queues the job,
//	the verdict arrives through the status and result endpoints.
func Upload(exec *pipeline.Executor, maxBytes int64, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		filename, payload, err := readUpload(c, maxBytes)
		if err != nil {
			logger.Warn("upload read failed", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		jobID, err := exec.Submit(filename, payload)
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, pipeline.ErrEmpty):
				status = http.StatusBadRequest
			case errors.Is(err, pipeline.ErrOversize):
				status = http.StatusRequestEntityTooLarge
			case errors.Is(err, pipeline.ErrQueueFull):
				status = http.StatusTooManyRequests
			case errors.Is(err, pipeline.ErrShutdown):
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusAccepted, UploadResponse{JobID: jobID, State: "queued"})
	}
}

// readUpload extracts filename and payload from either request shape.
// The reader is capped one byte past the admission limit so oversize
// uploads are rejected by the pipeline without buffering the excess.
func readUpload(c *gin.Context, maxBytes int64) (string, []byte, error) {
	if file, err := c.FormFile("file"); err == nil {
		f, err := file.Open()
		if err != nil {
			return "", nil, err
		}
		defer f.Close()
		payload, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
		if err != nil {
			return "", nil, err
		}
		return file.Filename, payload, nil
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBytes+1))
	if err != nil {
		return "", nil, err
	}
	filename := c.Query("filename")
	if filename == "" {
		filename = "upload"
	}
	return filename, payload, nil
}

// Status returns the job's current snapshot.
func Status(registry *jobs.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := registry.Snapshot(c.Param("jobId"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

// Watch streams job snapshots as server-sent events until the job is
// terminal or the client disconnects.
func Watch(registry *jobs.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		stream, unsubscribe, err := registry.Subscribe(c.Param("jobId"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		defer unsubscribe()

		clientGone := c.Request.Context().Done()
		c.Stream(func(w io.Writer) bool {
			select {
			case <-clientGone:
				return false
			case view, ok := <-stream:
				if !ok {
					return false
				}
				c.SSEvent("state", view)
				return !view.State.Terminal()
			}
		})
	}
}

// Result returns the verdict of a terminal job. A job still in flight
// answers 409 so pollers can distinguish "not yet" from "not found".
func Result(registry *jobs.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		view, err := registry.Snapshot(c.Param("jobId"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		if !view.State.Terminal() || view.Verdict == nil {
			c.JSON(http.StatusConflict, gin.H{
				"error": "not_ready",
				"state": view.State,
			})
			return
		}
		c.JSON(http.StatusOK, view.Verdict)
	}
}

// Cancel requests cooperative cancellation. Idempotent: repeating the
// request, or cancelling a job that already finished, is not an error.
func Cancel(registry *jobs.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("jobId")

		view, err := registry.Snapshot(jobID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		if view.State.Terminal() {
			c.JSON(http.StatusOK, gin.H{"job_id": jobID, "status": "already_terminal"})
			return
		}

		if err := registry.Cancel(jobID); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "status": "cancel_requested"})
	}
}
