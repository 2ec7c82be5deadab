// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package jobs

import (
	"sync"
	"time"

	"github.com/AleutianAI/GenomeGate/pkg/logging"
	"github.com/AleutianAI/GenomeGate/services/intake/store"
)

// defaultSubscriberBuffer bounds each subscriber's pending snapshots.
// On overflow the oldest pending snapshot is dropped, so a slow
// consumer can miss intermediate states but never the latest one.
const defaultSubscriberBuffer = 16

// job is the registry's mutable record. All fields are guarded by the
// registry mutex except cancelCh/cancelOnce, which are safe on their
// own.
type job struct {
	id          string
	filename    string
	size        int64
	receivedAt  time.Time
	completedAt *time.Time
	deletionAt  *time.Time
	state       State
	stageCursor int
	stages      []StageRecord
	verdict     *Verdict
	artifact    *store.ArtifactRef

	cancelCh   chan struct{}
	cancelOnce sync.Once

	subs map[int]chan JobView
}

// Registry is the process-wide job map.
//
// Description:
//
//	Registry owns every Job record: one writer at a time per job (the
//	executor worker assigned to it), many concurrent readers. State
//	changes are compare-and-swap against the legal transition set;
//	snapshots are consistent cuts; subscribers get non-blocking
//	drop-oldest delivery with the terminal state always delivered.
//
// Thread Safety: safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	jobs   map[string]*job
	logger *logging.Logger

	subBuffer int
	nextSubID int
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *logging.Logger) *Registry {
	return &Registry{
		jobs:      make(map[string]*job),
		logger:    logger,
		subBuffer: defaultSubscriberBuffer,
	}
}

// Create inserts a job in the queued state.
//
// Outputs:
//
//	JobView - Snapshot of the new job.
//	error - ErrDuplicateID if the id is already present.
func (r *Registry) Create(id, filename string, size int64) (JobView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[id]; exists {
		return JobView{}, ErrDuplicateID
	}

	j := &job{
		id:         id,
		filename:   filename,
		size:       size,
		receivedAt: time.Now().UTC(),
		state:      StateQueued,
		cancelCh:   make(chan struct{}),
		subs:       make(map[int]chan JobView),
	}
	r.jobs[id] = j

	r.logger.Info("job created", "job_id", id, "size", size)
	return snapshotLocked(j), nil
}

// Transition performs an atomic CAS on the job's state.
//
// Outputs:
//
//	error - ErrNotFound, or ErrIllegalTransition when the current
//	state is not `from` or `from -> to` is outside the legal set.
func (r *Registry) Transition(id string, from, to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.state != from || !legalTransition(from, to) {
		return ErrIllegalTransition
	}

	j.state = to
	if to.Terminal() && j.completedAt == nil && to != StateRetainedDeleted {
		now := time.Now().UTC()
		j.completedAt = &now
	}

	r.notifyLocked(j)
	return nil
}

// BeginStage advances the stage cursor to the stage about to execute.
// Only legal while running.
func (r *Registry) BeginStage(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.state != StateRunning {
		return ErrNotRunning
	}

	// The executing stage's index is one past the finished records.
	if cursor := len(j.stages); cursor > j.stageCursor {
		j.stageCursor = cursor
	}
	r.notifyLocked(j)
	return nil
}

// AppendStage records a finished stage. Only legal while running.
func (r *Registry) AppendStage(id string, rec StageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.state != StateRunning {
		return ErrNotRunning
	}

	j.stages = append(j.stages, rec)
	r.notifyLocked(j)
	return nil
}

// SetArtifact attaches the persisted artifact reference.
func (r *Registry) SetArtifact(id string, ref *store.ArtifactRef) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.artifact = ref
	return nil
}

// Finalize transitions a running job to its terminal state and attaches
// the verdict in the same critical section, so no snapshot can observe
// a terminal state without its verdict.
func (r *Registry) Finalize(id string, verdict Verdict) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.state != StateRunning || !legalTransition(StateRunning, verdict.TerminalState) {
		return ErrIllegalTransition
	}

	j.state = verdict.TerminalState
	j.verdict = &verdict
	now := time.Now().UTC()
	j.completedAt = &now
	// Terminal states carry the cursor on the last recorded stage.
	if len(j.stages) > 0 {
		j.stageCursor = len(j.stages) - 1
	}

	r.notifyLocked(j)
	r.logger.Info("job terminal",
		"job_id", id,
		"state", verdict.TerminalState.String(),
		"reason", string(verdict.Reason),
		"duration_ms", verdict.TotalDurationMS)
	return nil
}

// MarkDeleted transitions a terminal job to retained_deleted and
// records the deletion timestamp.
func (r *Registry) MarkDeleted(id string, deletionAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if j.state == StateRetainedDeleted {
		j.deletionAt = &deletionAt
		return nil
	}
	if !legalTransition(j.state, StateRetainedDeleted) {
		return ErrIllegalTransition
	}

	j.state = StateRetainedDeleted
	j.deletionAt = &deletionAt
	r.notifyLocked(j)
	return nil
}

// Snapshot returns a consistent read-only copy of the job.
func (r *Registry) Snapshot(id string) (JobView, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, ok := r.jobs[id]
	if !ok {
		return JobView{}, ErrNotFound
	}
	return snapshotLocked(j), nil
}

// Subscribe registers for state change notifications.
//
// Description:
//
//	The current snapshot is delivered immediately, then every change.
//	Delivery never blocks the writer: when a subscriber's buffer is
//	full the oldest pending snapshot is dropped. A terminal state is
//	always delivered because the drop frees a slot for the newest
//	snapshot.
//
// Outputs:
//
//	<-chan JobView - The subscription stream.
//	func() - Unsubscribe; closes the stream.
//	error - ErrNotFound if the job does not exist.
func (r *Registry) Subscribe(id string) (<-chan JobView, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return nil, nil, ErrNotFound
	}

	ch := make(chan JobView, r.subBuffer)
	subID := r.nextSubID
	r.nextSubID++
	j.subs[subID] = ch

	// Immediate snapshot for late subscribers.
	ch <- snapshotLocked(j)

	unsubscribe := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.jobs[id]; ok {
			if _, live := cur.subs[subID]; live {
				delete(cur.subs, subID)
				close(ch)
			}
		}
	}
	return ch, unsubscribe, nil
}

// Cancel triggers the job's single-shot cancel signal. Idempotent:
// cancelling twice, or cancelling a terminal job, is not an error.
func (r *Registry) Cancel(id string) error {
	r.mu.RLock()
	j, ok := r.jobs[id]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	j.cancelOnce.Do(func() {
		close(j.cancelCh)
		r.logger.Info("job cancel requested", "job_id", id)
	})
	return nil
}

// CancelSignal returns the job's cancel channel for the executor.
func (r *Registry) CancelSignal(id string) (<-chan struct{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.cancelCh, nil
}

// Remove discards a queued job that never reached a worker. Used for
// admission rollback when the queue is full; any other state is left
// alone.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok || j.state != StateQueued {
		return
	}
	for subID, ch := range j.subs {
		delete(j.subs, subID)
		close(ch)
	}
	delete(r.jobs, id)
}

// TerminalBefore returns ids of jobs that reached completed, failed,
// or cancelled before the cutoff. Used by the retention sweep.
func (r *Registry) TerminalBefore(cutoff time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, j := range r.jobs {
		switch j.state {
		case StateCompleted, StateFailed, StateCancelled:
			if j.completedAt != nil && j.completedAt.Before(cutoff) {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// Prune removes retained_deleted jobs whose deletion happened before
// the cutoff. Returns the number removed.
func (r *Registry) Prune(before time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, j := range r.jobs {
		if j.state != StateRetainedDeleted {
			continue
		}
		if j.deletionAt != nil && j.deletionAt.Before(before) {
			for subID, ch := range j.subs {
				delete(j.subs, subID)
				close(ch)
			}
			delete(r.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Info("pruned jobs", "count", removed)
	}
	return removed
}

// Counts returns the number of jobs per state, for the stats surface.
func (r *Registry) Counts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int)
	for _, j := range r.jobs {
		counts[j.state.String()]++
	}
	return counts
}

// notifyLocked fans the current snapshot out to every subscriber.
// Caller holds the write lock.
func (r *Registry) notifyLocked(j *job) {
	if len(j.subs) == 0 {
		return
	}
	view := snapshotLocked(j)
	for _, ch := range j.subs {
		select {
		case ch <- view:
		default:
			// Buffer full: drop the oldest pending snapshot, then the
			// newest always fits.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- view:
			default:
			}
		}
	}
}

// snapshotLocked builds a JobView. Caller holds at least a read lock.
func snapshotLocked(j *job) JobView {
	view := JobView{
		ID:          j.id,
		Filename:    j.filename,
		Size:        j.size,
		ReceivedAt:  j.receivedAt,
		State:       j.state,
		StageCursor: j.stageCursor,
		Stages:      make([]StageRecord, len(j.stages)),
		Artifact:    j.artifact,
	}
	copy(view.Stages, j.stages)

	if j.completedAt != nil {
		t := *j.completedAt
		view.CompletedAt = &t
	}
	if j.deletionAt != nil {
		t := *j.deletionAt
		view.DeletionAt = &t
	}
	if j.verdict != nil {
		v := *j.verdict
		view.Verdict = &v
	}
	return view
}
