// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package jobs holds the in-process job registry: the process-wide map
// of job identifier to job record, with safe concurrent access, CAS
// state transitions, and subscriber fan-out.
package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/GenomeGate/services/intake/analysis"
	"github.com/AleutianAI/GenomeGate/services/intake/store"
)

// Sentinel errors for registry operations.
var (
	// ErrNotFound means no job exists under the identifier.
	ErrNotFound = errors.New("job not found")

	// ErrDuplicateID means Create was called with an existing id.
	ErrDuplicateID = errors.New("job id already exists")

	// ErrIllegalTransition means a state change outside the legal
	// transition set was attempted. This is a programming fault, not
	// an operational condition.
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrNotRunning means a stage append was attempted outside the
	// running state.
	ErrNotRunning = errors.New("job is not running")
)

// State is a job's lifecycle state.
type State int

const (
	// StateQueued means admitted but not yet picked up by a worker.
	StateQueued State = iota

	// StateRunning means a worker is executing the stage loop.
	StateRunning

	// StateCompleted means every fatal stage passed.
	StateCompleted

	// StateFailed means a fatal stage failed or timed out.
	StateFailed

	// StateCancelled means the cancel signal stopped the pipeline.
	StateCancelled

	// StateRetainedDeleted means the artifact was deleted and the
	// record is held only for proof queries until pruning.
	StateRetainedDeleted
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	case StateRetainedDeleted:
		return "retained_deleted"
	default:
		return "unknown"
	}
}

// MarshalJSON emits the wire name.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON parses the wire name.
func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for _, state := range []State{
		StateQueued, StateRunning, StateCompleted,
		StateFailed, StateCancelled, StateRetainedDeleted,
	} {
		if state.String() == name {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown job state %q", name)
}

// Terminal reports whether the state ends pipeline execution.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateRetainedDeleted:
		return true
	}
	return false
}

// legalTransition encodes the state machine:
// queued -> running -> {completed, failed, cancelled} -> retained_deleted.
func legalTransition(from, to State) bool {
	switch from {
	case StateQueued:
		return to == StateRunning
	case StateRunning:
		return to == StateCompleted || to == StateFailed || to == StateCancelled
	case StateCompleted, StateFailed, StateCancelled:
		return to == StateRetainedDeleted
	default:
		return false
	}
}

// Outcome is a stage's result.
type Outcome int

const (
	OutcomePass Outcome = iota
	OutcomeFail
	OutcomeSkip
)

// String returns the wire name of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomePass:
		return "pass"
	case OutcomeFail:
		return "fail"
	case OutcomeSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// MarshalJSON emits the wire name.
func (o Outcome) MarshalJSON() ([]byte, error) {
	return []byte(`"` + o.String() + `"`), nil
}

// UnmarshalJSON parses the wire name.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for _, outcome := range []Outcome{OutcomePass, OutcomeFail, OutcomeSkip} {
		if outcome.String() == name {
			*o = outcome
			return nil
		}
	}
	return fmt.Errorf("unknown stage outcome %q", name)
}

// Reason is the coarse failure classification carried on a verdict.
// The set is stable and testable; free-form strings are for logs only.
type Reason string

const (
	ReasonFormatInvalid   Reason = "format_invalid"
	ReasonThreatsDetected Reason = "threats_detected"
	ReasonAdversarial     Reason = "adversarial"
	ReasonTimeout         Reason = "timeout"
	ReasonCancelled       Reason = "cancelled"
	ReasonStorageError    Reason = "storage_error"
	ReasonIntegrityError  Reason = "integrity_error"
	ReasonInternal        Reason = "internal"
)

// StageDetail is the tagged detail blob on a stage record. Each stage
// kind contributes its own detail type; Kind names the variant so
// downstream consumers can dispatch.
type StageDetail interface {
	Kind() string
}

// StageRecord is one executed stage. Detail holds counts, scores, and
// thresholds only, never input bytes.
type StageRecord struct {
	Name       string      `json:"name"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
	Outcome    Outcome     `json:"outcome"`
	Detail     StageDetail `json:"detail,omitempty"`
}

// DurationMS returns the stage's wall-clock duration in milliseconds.
func (r StageRecord) DurationMS() int64 {
	return r.FinishedAt.Sub(r.StartedAt).Milliseconds()
}

// RawDetail is the generic decoding of a stage detail whose concrete
// type is not known to the reader, e.g. in API clients.
type RawDetail map[string]any

// Kind tags the detail as generically decoded.
func (RawDetail) Kind() string { return "raw" }

// UnmarshalJSON decodes the record with its detail as a RawDetail,
// since the concrete detail type is not recoverable from the wire.
func (r *StageRecord) UnmarshalJSON(data []byte) error {
	type alias StageRecord
	aux := struct {
		*alias
		Detail json.RawMessage `json:"detail,omitempty"`
	}{alias: (*alias)(r)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Detail) > 0 {
		var detail RawDetail
		if err := json.Unmarshal(aux.Detail, &detail); err != nil {
			return err
		}
		r.Detail = detail
	}
	return nil
}

// Verdict is the terminal per-job outcome summary.
type Verdict struct {
	TerminalState State `json:"terminal_state"`

	// Reason is empty when the job completed.
	Reason Reason `json:"reason,omitempty"`

	Stages []StageRecord `json:"stages"`

	Artifact *store.ArtifactRef `json:"artifact_ref,omitempty"`

	Analysis   *analysis.Report `json:"analysis_result,omitempty"`
	AnalysisOK bool             `json:"analysis_ok"`

	IDSScore        int     `json:"ids_score"`
	AMLScore        float64 `json:"aml_score"`
	TotalDurationMS int64   `json:"total_duration_ms"`
}

// JobView is a read-only consistent snapshot of one job, safe to hand
// to any number of concurrent readers.
type JobView struct {
	ID          string             `json:"job_id"`
	Filename    string             `json:"filename"`
	Size        int64              `json:"size"`
	ReceivedAt  time.Time          `json:"received_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	DeletionAt  *time.Time         `json:"deletion_at,omitempty"`
	State       State              `json:"state"`
	StageCursor int                `json:"stage_cursor"`
	Stages      []StageRecord      `json:"stages"`
	Verdict     *Verdict           `json:"verdict,omitempty"`
	Artifact    *store.ArtifactRef `json:"artifact_ref,omitempty"`
}
