// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline runs jobs through the ordered validation stages:
// admit, format, ids, aml, persist, analyze, finalize.
//
// Execution is parallel across jobs and strictly sequential within
// one: a fixed worker pool drains a bounded FIFO queue, each worker
// holding exactly one job. Every stage runs under its configured
// deadline; the first fatal failure short-circuits the remaining
// stages, and finalize always runs so plaintext buffers are zeroed
// whatever the outcome.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/GenomeGate/pkg/logging"
	"github.com/AleutianAI/GenomeGate/services/intake/analysis"
	"github.com/AleutianAI/GenomeGate/services/intake/config"
	"github.com/AleutianAI/GenomeGate/services/intake/jobs"
	"github.com/AleutianAI/GenomeGate/services/intake/observability"
	"github.com/AleutianAI/GenomeGate/services/intake/scan"
	"github.com/AleutianAI/GenomeGate/services/intake/store"
)

// Admission errors surfaced to the submitter.
var (
	// ErrEmpty rejects zero-length uploads.
	ErrEmpty = errors.New("empty input")

	// ErrOversize rejects uploads above the configured maximum.
	ErrOversize = errors.New("input exceeds maximum size")

	// ErrQueueFull is the back-pressure rejection.
	ErrQueueFull = errors.New("job queue is full")

	// ErrShutdown rejects submissions during drain.
	ErrShutdown = errors.New("executor is shutting down")

	// ErrNotReady means a result was requested before the job reached
	// a terminal state.
	ErrNotReady = errors.New("job is not terminal yet")
)

// Stage names, in execution order.
const (
	StageAdmit    = "admit"
	StageFormat   = "format"
	StageIDS      = "ids"
	StageAML      = "aml"
	StagePersist  = "persist"
	StageAnalyze  = "analyze"
	StageFinalize = "finalize"
)

// stageOrder is the fixed stage list between admit and finalize.
var stageOrder = []string{StageFormat, StageIDS, StageAML, StagePersist, StageAnalyze}

// Config holds the executor knobs.
type Config struct {
	// Workers is the pool size.
	Workers int

	// QueueDepth bounds the FIFO of queued jobs.
	QueueDepth int

	// MaxInputBytes is the admission size limit.
	MaxInputBytes int64

	// Deadlines are the per-stage timeouts.
	Deadlines config.StageDeadlines

	// Retention is how long terminal jobs keep their artifact before
	// the sweep deletes it and, one retention period later, prunes
	// the record.
	Retention time.Duration

	// SweepInterval is how often the retention sweep runs.
	// Zero disables the sweep (tests drive it directly).
	SweepInterval time.Duration
}

// queued is one admitted job waiting for a worker. The executor owns
// the payload from submission until finalize zeroes it.
type queued struct {
	id      string
	payload []byte
}

// Executor is the pipeline worker pool.
//
// Thread Safety: safe for concurrent use after Start.
type Executor struct {
	cfg      Config
	registry *jobs.Registry
	ids      *scan.IDS
	aml      *scan.AML
	store    *store.Store
	analyzer *analysis.Analyzer
	metrics  *observability.Metrics
	logger   *logging.Logger

	queue chan queued

	baseCtx   context.Context
	cancelAll context.CancelFunc
	group     *errgroup.Group

	mu     sync.Mutex
	closed bool
}

// New wires an executor. All collaborators are required except metrics
// may be shared across executors.
func New(
	cfg Config,
	registry *jobs.Registry,
	ids *scan.IDS,
	aml *scan.AML,
	st *store.Store,
	analyzer *analysis.Analyzer,
	metrics *observability.Metrics,
	logger *logging.Logger,
) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)

	return &Executor{
		cfg:       cfg,
		registry:  registry,
		ids:       ids,
		aml:       aml,
		store:     st,
		analyzer:  analyzer,
		metrics:   metrics,
		logger:    logger,
		queue:     make(chan queued, cfg.QueueDepth),
		baseCtx:   ctx,
		cancelAll: cancel,
		group:     group,
	}
}

// Start launches the worker pool and the retention sweep.
func (e *Executor) Start() {
	for i := 0; i < e.cfg.Workers; i++ {
		e.group.Go(e.worker)
	}
	if e.cfg.SweepInterval > 0 {
		e.group.Go(e.sweepLoop)
	}
	e.logger.Info("pipeline started",
		"workers", e.cfg.Workers,
		"queue_depth", e.cfg.QueueDepth)
}

// Stop drains the pool: no new submissions, queued jobs finish, then
// workers exit. If ctx expires first, in-flight jobs are cancelled.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.group.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		e.cancelAll()
		<-done
	}
	e.cancelAll()
	e.logger.Info("pipeline stopped")
	return nil
}

// Submit admits an upload and enqueues it for execution.
//
// Description:
//
//	Admission control happens here: empty and oversize inputs are
//	rejected before a job exists, and a full queue rejects with
//	back-pressure. The payload is owned by the pipeline from this
//	point until finalize zeroes it; callers must not reuse it.
//
// Outputs:
//
//	string - The new job id.
//	error - ErrEmpty, ErrOversize, ErrQueueFull, or ErrShutdown.
func (e *Executor) Submit(filename string, payload []byte) (string, error) {
	if len(payload) == 0 {
		e.metrics.JobsRejected.WithLabelValues("empty").Inc()
		return "", ErrEmpty
	}
	if int64(len(payload)) > e.cfg.MaxInputBytes {
		e.metrics.JobsRejected.WithLabelValues("oversize").Inc()
		return "", ErrOversize
	}

	id := uuid.NewString()
	if _, err := e.registry.Create(id, filename, int64(len(payload))); err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		e.registry.Remove(id)
		return "", ErrShutdown
	}

	select {
	case e.queue <- queued{id: id, payload: payload}:
	default:
		e.registry.Remove(id)
		e.metrics.JobsRejected.WithLabelValues("queue_full").Inc()
		return "", ErrQueueFull
	}

	e.metrics.JobsSubmitted.Inc()
	e.metrics.QueueDepth.Inc()
	e.logger.Info("job submitted", "job_id", id, "filename", filename, "size", len(payload))
	return id, nil
}

// worker drains the queue until shutdown.
func (e *Executor) worker() error {
	for {
		select {
		case <-e.baseCtx.Done():
			return nil
		case q, ok := <-e.queue:
			if !ok {
				return nil
			}
			e.metrics.QueueDepth.Dec()
			e.metrics.ActiveWorkers.Inc()
			e.runJob(q)
			e.metrics.ActiveWorkers.Dec()
		}
	}
}

// stageOutcome is one stage's result inside the loop.
type stageOutcome struct {
	outcome jobs.Outcome
	detail  jobs.StageDetail
	reason  jobs.Reason
	fatal   bool
}

// runJob executes the full stage loop for one job.
func (e *Executor) runJob(q queued) {
	start := time.Now()
	id := q.id
	payload := q.payload

	if err := e.registry.Transition(id, jobs.StateQueued, jobs.StateRunning); err != nil {
		e.logger.Error("job pickup failed", "job_id", id, "error", err)
		return
	}

	// The registry's single-shot cancel signal is checked at every
	// stage boundary and mapped onto a context so in-flight stage work
	// can observe it too.
	jobCtx, cancelJob := context.WithCancel(e.baseCtx)
	defer cancelJob()

	signal, err := e.registry.CancelSignal(id)
	if err != nil {
		signal = make(chan struct{})
	}

	var (
		records    []jobs.StageRecord
		fatal      jobs.Reason
		cancelled  bool
		idsScore   int
		amlScore   float64
		artifact   *store.ArtifactRef
		report     *analysis.Report
		analysisOK bool
	)

	record := func(rec jobs.StageRecord) {
		records = append(records, rec)
	}

	// admit runs inline: pure bookkeeping, no deadline needed.
	record(e.admitStage(id, q))

	for _, name := range stageOrder {
		if fatal != "" || cancelled {
			record(e.skipStage(id, name))
			continue
		}

		deadline, fn := e.stageFn(name, id, payload, &idsScore, &amlScore, &artifact, &report, &analysisOK)
		out, rec := e.runStage(jobCtx, cancelJob, signal, id, name, deadline, fn)
		record(rec)

		if out.reason == jobs.ReasonCancelled {
			cancelled = true
			continue
		}
		if out.outcome == jobs.OutcomeFail && out.fatal {
			fatal = out.reason
		}
	}

	// finalize always runs: zero the plaintext buffer.
	record(e.finalizeStage(id, payload))

	terminal := jobs.StateCompleted
	reason := jobs.Reason("")
	switch {
	case cancelled:
		terminal = jobs.StateCancelled
		reason = jobs.ReasonCancelled
	case fatal != "":
		terminal = jobs.StateFailed
		reason = fatal
	}

	verdict := jobs.Verdict{
		TerminalState:   terminal,
		Reason:          reason,
		Stages:          records,
		Artifact:        artifact,
		Analysis:        report,
		AnalysisOK:      analysisOK,
		IDSScore:        idsScore,
		AMLScore:        amlScore,
		TotalDurationMS: time.Since(start).Milliseconds(),
	}
	if err := e.registry.Finalize(id, verdict); err != nil {
		e.logger.Error("finalize failed", "job_id", id, "error", err)
		return
	}
	e.metrics.JobsTerminal.WithLabelValues(terminal.String(), string(reason)).Inc()
}

// stageFn binds a stage name to its implementation and deadline.
func (e *Executor) stageFn(
	name, id string,
	payload []byte,
	idsScore *int,
	amlScore *float64,
	artifact **store.ArtifactRef,
	report **analysis.Report,
	analysisOK *bool,
) (time.Duration, func(ctx context.Context) stageOutcome) {
	switch name {
	case StageFormat:
		return e.cfg.Deadlines.Format(), func(ctx context.Context) stageOutcome {
			result := scan.ValidateFormat(payload)
			if !result.Passed {
				e.store.LogSecurityEvent(id, "format", "blocked", string(result.Detail.Format))
				return stageOutcome{
					outcome: jobs.OutcomeFail,
					detail:  result.Detail,
					reason:  jobs.ReasonFormatInvalid,
					fatal:   true,
				}
			}
			e.store.LogSecurityEvent(id, "format", "passed", string(result.Detail.Format))
			return stageOutcome{outcome: jobs.OutcomePass, detail: result.Detail}
		}

	case StageIDS:
		return e.cfg.Deadlines.IDS(), func(ctx context.Context) stageOutcome {
			result := e.ids.Scan(payload)
			*idsScore = result.Score
			if !result.Passed {
				e.store.LogSecurityEvent(id, "ids", "blocked", "score over threshold")
				return stageOutcome{
					outcome: jobs.OutcomeFail,
					detail:  result.Detail,
					reason:  jobs.ReasonThreatsDetected,
					fatal:   true,
				}
			}
			e.store.LogSecurityEvent(id, "ids", "passed", "")
			return stageOutcome{outcome: jobs.OutcomePass, detail: result.Detail}
		}

	case StageAML:
		return e.cfg.Deadlines.AML(), func(ctx context.Context) stageOutcome {
			result := e.aml.Scan(payload)
			*amlScore = result.Score
			if result.Skipped {
				e.store.LogSecurityEvent(id, "aml", "skipped", "no model loaded")
				return stageOutcome{outcome: jobs.OutcomeSkip, detail: result.Detail}
			}
			if !result.Passed {
				e.store.LogSecurityEvent(id, "aml", "blocked", "reconstruction error over threshold")
				return stageOutcome{
					outcome: jobs.OutcomeFail,
					detail:  result.Detail,
					reason:  jobs.ReasonAdversarial,
					fatal:   true,
				}
			}
			e.store.LogSecurityEvent(id, "aml", "passed", "")
			return stageOutcome{outcome: jobs.OutcomePass, detail: result.Detail}
		}

	case StagePersist:
		return e.cfg.Deadlines.Persist(), func(ctx context.Context) stageOutcome {
			ref, err := e.store.Put(ctx, id, payload)
			if err != nil {
				return e.classifyStorageErr(err)
			}
			*artifact = ref
			e.registry.SetArtifact(id, ref)
			e.metrics.ArtifactsWritten.Inc()
			e.metrics.ArtifactBytesWritten.Add(float64(ref.StoredSize))
			return stageOutcome{
				outcome: jobs.OutcomePass,
				detail: PersistDetail{
					ContentHash:  ref.ContentHash,
					StoredSize:   ref.StoredSize,
					AlgorithmTag: ref.AlgorithmTag,
				},
			}
		}

	case StageAnalyze:
		return e.cfg.Deadlines.Analyze(), func(ctx context.Context) stageOutcome {
			result, err := e.analyzer.Analyze(ctx, payload)
			if err != nil {
				if ctxErr := classifyCtxErr(err); ctxErr != nil {
					return *ctxErr
				}
				// Analysis faults are non-fatal: the job still
				// completes with analysis_ok=false.
				e.logger.Warn("analysis failed", "job_id", id, "error", err)
				return stageOutcome{
					outcome: jobs.OutcomeFail,
					detail:  AnalyzeDetail{OK: false},
				}
			}
			*report = result
			*analysisOK = true
			return stageOutcome{
				outcome: jobs.OutcomePass,
				detail: AnalyzeDetail{
					OK:        true,
					Sequences: result.SequencesAnalyzed,
					Bases:     result.TotalBases,
				},
			}
		}
	}

	return 0, func(ctx context.Context) stageOutcome {
		return stageOutcome{
			outcome: jobs.OutcomeFail,
			detail:  FailDetail{Reason: jobs.ReasonInternal},
			reason:  jobs.ReasonInternal,
			fatal:   true,
		}
	}
}

// classifyStorageErr maps store errors to stage outcomes.
func (e *Executor) classifyStorageErr(err error) stageOutcome {
	if ctxErr := classifyCtxErr(err); ctxErr != nil {
		return *ctxErr
	}
	reason := jobs.ReasonStorageError
	if errors.Is(err, store.ErrIntegrity) {
		reason = jobs.ReasonIntegrityError
		e.metrics.IntegrityFailures.Inc()
	}
	return stageOutcome{
		outcome: jobs.OutcomeFail,
		detail:  FailDetail{Reason: reason},
		reason:  reason,
		fatal:   true,
	}
}

// cancelRequested is a non-blocking check of the cancel signal.
func cancelRequested(signal <-chan struct{}) bool {
	select {
	case <-signal:
		return true
	default:
		return false
	}
}

// classifyCtxErr maps context errors to cancelled/timeout outcomes.
func classifyCtxErr(err error) *stageOutcome {
	switch {
	case errors.Is(err, context.Canceled):
		return &stageOutcome{
			outcome: jobs.OutcomeFail,
			detail:  FailDetail{Reason: jobs.ReasonCancelled},
			reason:  jobs.ReasonCancelled,
			fatal:   true,
		}
	case errors.Is(err, context.DeadlineExceeded):
		return &stageOutcome{
			outcome: jobs.OutcomeFail,
			detail:  FailDetail{Reason: jobs.ReasonTimeout, Timeout: true},
			reason:  jobs.ReasonTimeout,
			fatal:   true,
		}
	}
	return nil
}

// runStage executes one stage under its deadline and the job's cancel
// signal, records it, and returns the outcome.
//
// The cancel signal is checked before the stage runs and raced against
// completion while it runs, so a cancel request lands at the next
// stage boundary at the latest.
func (e *Executor) runStage(
	jobCtx context.Context,
	cancelJob context.CancelFunc,
	signal <-chan struct{},
	id, name string,
	deadline time.Duration,
	fn func(ctx context.Context) stageOutcome,
) (stageOutcome, jobs.StageRecord) {
	e.registry.BeginStage(id)
	e.metrics.StagesStarted.WithLabelValues(name).Inc()
	started := time.Now().UTC()

	ctx, cancel := context.WithTimeout(jobCtx, deadline)
	defer cancel()

	var out stageOutcome
	if cancelRequested(signal) || jobCtx.Err() != nil {
		cancelJob()
		out = *classifyCtxErr(context.Canceled)
	} else {
		done := make(chan stageOutcome, 1)
		go func() { done <- fn(ctx) }()

		overtaken := false
		select {
		case out = <-done:
		case <-signal:
			cancelJob()
			overtaken = true
			out = *classifyCtxErr(context.Canceled)
		case <-ctx.Done():
			overtaken = true
			if jobCtx.Err() != nil {
				out = *classifyCtxErr(context.Canceled)
			} else {
				out = *classifyCtxErr(context.DeadlineExceeded)
			}
		}
		if overtaken {
			// The stage goroutine still holds the payload buffer and
			// its ctx is now cancelled. Wait for it to return before
			// finalize zeroes the buffer out from under it.
			<-done
		}
	}

	finished := time.Now().UTC()
	rec := jobs.StageRecord{
		Name:       name,
		StartedAt:  started,
		FinishedAt: finished,
		Outcome:    out.outcome,
		Detail:     out.detail,
	}
	e.registry.AppendStage(id, rec)
	e.metrics.StagesFinished.WithLabelValues(name, out.outcome.String()).Inc()
	e.metrics.StageDurationSeconds.WithLabelValues(name).Observe(finished.Sub(started).Seconds())
	return out, rec
}

// admitStage records filename and size. Admission limits were already
// enforced at Submit.
func (e *Executor) admitStage(id string, q queued) jobs.StageRecord {
	e.registry.BeginStage(id)
	e.metrics.StagesStarted.WithLabelValues(StageAdmit).Inc()
	now := time.Now().UTC()

	view, _ := e.registry.Snapshot(id)
	rec := jobs.StageRecord{
		Name:       StageAdmit,
		StartedAt:  now,
		FinishedAt: now,
		Outcome:    jobs.OutcomePass,
		Detail:     AdmitDetail{Filename: view.Filename, Size: int64(len(q.payload))},
	}
	e.registry.AppendStage(id, rec)
	e.metrics.StagesFinished.WithLabelValues(StageAdmit, jobs.OutcomePass.String()).Inc()
	return rec
}

// skipStage records a stage bypassed by short-circuiting.
func (e *Executor) skipStage(id, name string) jobs.StageRecord {
	now := time.Now().UTC()
	rec := jobs.StageRecord{
		Name:       name,
		StartedAt:  now,
		FinishedAt: now,
		Outcome:    jobs.OutcomeSkip,
	}
	e.registry.AppendStage(id, rec)
	e.metrics.StagesFinished.WithLabelValues(name, jobs.OutcomeSkip.String()).Inc()
	return rec
}

// finalizeStage zeroes the plaintext buffer and records the stage.
func (e *Executor) finalizeStage(id string, payload []byte) jobs.StageRecord {
	e.registry.BeginStage(id)
	e.metrics.StagesStarted.WithLabelValues(StageFinalize).Inc()
	started := time.Now().UTC()

	for i := range payload {
		payload[i] = 0
	}

	rec := jobs.StageRecord{
		Name:       StageFinalize,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
		Outcome:    jobs.OutcomePass,
		Detail:     FinalizeDetail{BuffersZeroed: true},
	}
	e.registry.AppendStage(id, rec)
	e.metrics.StagesFinished.WithLabelValues(StageFinalize, jobs.OutcomePass.String()).Inc()
	return rec
}

// sweepLoop runs the retention sweep on a ticker.
func (e *Executor) sweepLoop() error {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.baseCtx.Done():
			return nil
		case <-ticker.C:
			e.Sweep(time.Now().UTC())
		}
	}
}

// Sweep deletes artifacts of jobs terminal for longer than the
// retention window (issuing deletion proofs), and prunes
// retained_deleted records one further retention window later.
//
// Exposed so tests and operators can force a sweep.
func (e *Executor) Sweep(now time.Time) {
	cutoff := now.Add(-e.cfg.Retention)

	for _, id := range e.registry.TerminalBefore(cutoff) {
		_, err := e.store.Delete(e.baseCtx, id)
		switch {
		case err == nil:
			e.metrics.ArtifactsDeleted.Inc()
		case errors.Is(err, store.ErrNotFound):
			// Failed and cancelled jobs have no artifact; the record
			// still moves to retained_deleted.
		default:
			e.logger.Error("retention delete failed", "job_id", id, "error", err)
			continue
		}
		// Stamped with the sweep clock so the record survives exactly
		// one more retention window before pruning.
		if err := e.registry.MarkDeleted(id, now); err != nil {
			e.logger.Error("retention mark failed", "job_id", id, "error", err)
		}
	}

	e.registry.Prune(cutoff)
}

// DeleteArtifact deletes a job's artifact on demand and returns the
// proof. The job record transitions to retained_deleted.
func (e *Executor) DeleteArtifact(ctx context.Context, id string) (*store.DeletionProof, error) {
	view, err := e.registry.Snapshot(id)
	if err != nil {
		return nil, err
	}
	if !view.State.Terminal() {
		return nil, ErrNotReady
	}

	proof, err := e.store.Delete(ctx, id)
	if err != nil {
		return nil, err
	}
	e.metrics.ArtifactsDeleted.Inc()

	if view.State != jobs.StateRetainedDeleted {
		deletedAt := time.UnixMilli(proof.DeletionTS).UTC()
		if err := e.registry.MarkDeleted(id, deletedAt); err != nil {
			e.logger.Error("mark deleted failed", "job_id", id, "error", err)
		}
	}
	return proof, nil
}
