// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import "github.com/AleutianAI/GenomeGate/services/intake/jobs"

// AdmitDetail is the structured summary for the admit stage.
type AdmitDetail struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// Kind tags the detail for stage-record dispatch.
func (AdmitDetail) Kind() string { return "admit" }

// PersistDetail is the structured summary for the persist stage.
type PersistDetail struct {
	ContentHash  string `json:"content_hash"`
	StoredSize   int64  `json:"stored_size"`
	AlgorithmTag string `json:"algorithm_tag"`
}

// Kind tags the detail for stage-record dispatch.
func (PersistDetail) Kind() string { return "persist" }

// AnalyzeDetail is the structured summary for the analyze stage.
type AnalyzeDetail struct {
	OK        bool `json:"ok"`
	Sequences int  `json:"sequences,omitempty"`
	Bases     int  `json:"bases,omitempty"`
}

// Kind tags the detail for stage-record dispatch.
func (AnalyzeDetail) Kind() string { return "analyze" }

// FailDetail marks a stage abandoned by timeout, cancellation, or an
// internal fault, when no scanner detail exists for it.
type FailDetail struct {
	Reason  jobs.Reason `json:"reason"`
	Timeout bool        `json:"timeout,omitempty"`
}

// Kind tags the detail for stage-record dispatch.
func (FailDetail) Kind() string { return "fail" }

// FinalizeDetail is the structured summary for the finalize stage.
type FinalizeDetail struct {
	BuffersZeroed bool `json:"buffers_zeroed"`
}

// Kind tags the detail for stage-record dispatch.
func (FinalizeDetail) Kind() string { return "finalize" }
