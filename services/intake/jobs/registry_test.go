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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/GenomeGate/pkg/logging"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	logger := logging.New(logging.Config{Quiet: true})
	t.Cleanup(func() { logger.Close() })
	return NewRegistry(logger)
}

func TestCreate(t *testing.T) {
	r := newTestRegistry(t)

	view, err := r.Create("job-1", "sample.fasta", 128)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if view.State != StateQueued {
		t.Errorf("State = %v, want queued", view.State)
	}
	if view.Filename != "sample.fasta" || view.Size != 128 {
		t.Errorf("view = %+v", view)
	}
	if view.ReceivedAt.IsZero() {
		t.Error("ReceivedAt not set")
	}

	if _, err := r.Create("job-1", "other.fasta", 1); !errors.Is(err, ErrDuplicateID) {
		t.Errorf("duplicate Create() error = %v, want ErrDuplicateID", err)
	}
}

func TestTransition_LegalSet(t *testing.T) {
	tests := []struct {
		name  string
		from  State
		to    State
		legal bool
	}{
		{"queued_running", StateQueued, StateRunning, true},
		{"running_completed", StateRunning, StateCompleted, true},
		{"running_failed", StateRunning, StateFailed, true},
		{"running_cancelled", StateRunning, StateCancelled, true},
		{"completed_retained", StateCompleted, StateRetainedDeleted, true},
		{"failed_retained", StateFailed, StateRetainedDeleted, true},
		{"cancelled_retained", StateCancelled, StateRetainedDeleted, true},
		{"queued_completed", StateQueued, StateCompleted, false},
		{"queued_retained", StateQueued, StateRetainedDeleted, false},
		{"completed_running", StateCompleted, StateRunning, false},
		{"retained_anything", StateRetainedDeleted, StateQueued, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := legalTransition(tt.from, tt.to); got != tt.legal {
				t.Errorf("legalTransition(%v, %v) = %v, want %v", tt.from, tt.to, got, tt.legal)
			}
		})
	}
}

func TestTransition_CAS(t *testing.T) {
	r := newTestRegistry(t)
	r.Create("job-1", "f", 1)

	if err := r.Transition("job-1", StateQueued, StateRunning); err != nil {
		t.Fatalf("queued->running error = %v", err)
	}

	// Stale CAS: the job is no longer queued.
	if err := r.Transition("job-1", StateQueued, StateRunning); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("stale CAS error = %v, want ErrIllegalTransition", err)
	}

	if err := r.Transition("missing", StateQueued, StateRunning); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing job error = %v, want ErrNotFound", err)
	}
}

func TestAppendStage_OnlyWhileRunning(t *testing.T) {
	r := newTestRegistry(t)
	r.Create("job-1", "f", 1)

	rec := StageRecord{Name: "admit", Outcome: OutcomePass}
	if err := r.AppendStage("job-1", rec); !errors.Is(err, ErrNotRunning) {
		t.Errorf("append while queued error = %v, want ErrNotRunning", err)
	}

	r.Transition("job-1", StateQueued, StateRunning)
	if err := r.AppendStage("job-1", rec); err != nil {
		t.Fatalf("append while running error = %v", err)
	}

	view, _ := r.Snapshot("job-1")
	if len(view.Stages) != 1 || view.Stages[0].Name != "admit" {
		t.Errorf("Stages = %+v", view.Stages)
	}
}

func TestStageCursor_Monotonic(t *testing.T) {
	r := newTestRegistry(t)
	r.Create("job-1", "f", 1)
	r.Transition("job-1", StateQueued, StateRunning)

	stages := []string{"admit", "format", "ids"}
	for _, name := range stages {
		if err := r.BeginStage("job-1"); err != nil {
			t.Fatal(err)
		}
		view, _ := r.Snapshot("job-1")
		if view.StageCursor < len(view.Stages)-1 {
			t.Errorf("cursor %d < len(stages)-1 %d", view.StageCursor, len(view.Stages)-1)
		}
		if err := r.AppendStage("job-1", StageRecord{Name: name, Outcome: OutcomePass}); err != nil {
			t.Fatal(err)
		}
	}

	if err := r.Finalize("job-1", Verdict{TerminalState: StateCompleted}); err != nil {
		t.Fatal(err)
	}

	view, _ := r.Snapshot("job-1")
	if view.StageCursor != len(view.Stages)-1 {
		t.Errorf("terminal cursor = %d, want %d", view.StageCursor, len(view.Stages)-1)
	}
}

func TestFinalize(t *testing.T) {
	r := newTestRegistry(t)
	r.Create("job-1", "f", 1)
	r.Transition("job-1", StateQueued, StateRunning)
	r.AppendStage("job-1", StageRecord{Name: "admit", Outcome: OutcomePass})

	verdict := Verdict{
		TerminalState:   StateFailed,
		Reason:          ReasonThreatsDetected,
		IDSScore:        24,
		TotalDurationMS: 12,
	}
	if err := r.Finalize("job-1", verdict); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	view, _ := r.Snapshot("job-1")
	if view.State != StateFailed {
		t.Errorf("State = %v, want failed", view.State)
	}
	if view.CompletedAt == nil {
		t.Error("CompletedAt not set on terminal state")
	}
	if view.Verdict == nil || view.Verdict.Reason != ReasonThreatsDetected {
		t.Errorf("Verdict = %+v", view.Verdict)
	}

	// Terminal states never change again.
	if err := r.Finalize("job-1", Verdict{TerminalState: StateCompleted}); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("re-Finalize error = %v, want ErrIllegalTransition", err)
	}
}

func TestSnapshot_Isolation(t *testing.T) {
	r := newTestRegistry(t)
	r.Create("job-1", "f", 1)
	r.Transition("job-1", StateQueued, StateRunning)
	r.AppendStage("job-1", StageRecord{Name: "admit", Outcome: OutcomePass})

	view, _ := r.Snapshot("job-1")
	view.Stages[0].Name = "mutated"

	fresh, _ := r.Snapshot("job-1")
	if fresh.Stages[0].Name != "admit" {
		t.Error("snapshot mutation leaked into the registry")
	}
}

func TestSubscribe_ImmediateSnapshotAndChanges(t *testing.T) {
	r := newTestRegistry(t)
	r.Create("job-1", "f", 1)

	ch, unsubscribe, err := r.Subscribe("job-1")
	if err != nil {
		t.Fatal(err)
	}
	defer unsubscribe()

	first := <-ch
	if first.State != StateQueued {
		t.Errorf("immediate snapshot state = %v, want queued", first.State)
	}

	r.Transition("job-1", StateQueued, StateRunning)
	next := <-ch
	if next.State != StateRunning {
		t.Errorf("notified state = %v, want running", next.State)
	}
}

func TestSubscribe_DropOldestDeliversTerminal(t *testing.T) {
	r := newTestRegistry(t)
	r.subBuffer = 2
	r.Create("job-1", "f", 1)

	ch, unsubscribe, err := r.Subscribe("job-1")
	if err != nil {
		t.Fatal(err)
	}
	defer unsubscribe()

	// Generate more updates than the buffer holds without reading.
	r.Transition("job-1", StateQueued, StateRunning)
	for i := 0; i < 10; i++ {
		r.AppendStage("job-1", StageRecord{Name: "admit", Outcome: OutcomePass})
	}
	r.Finalize("job-1", Verdict{TerminalState: StateCompleted})

	// Drain: the final delivered snapshot must be terminal.
	var last JobView
	for {
		select {
		case view := <-ch:
			last = view
			continue
		default:
		}
		break
	}
	if !last.State.Terminal() {
		t.Errorf("last delivered state = %v, want terminal", last.State)
	}
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	r := newTestRegistry(t)
	r.Create("job-1", "f", 1)

	ch, unsubscribe, _ := r.Subscribe("job-1")
	<-ch
	unsubscribe()
	unsubscribe() // safe to call twice

	if _, open := <-ch; open {
		t.Error("channel still open after unsubscribe")
	}
}

func TestCancel_Idempotent(t *testing.T) {
	r := newTestRegistry(t)
	r.Create("job-1", "f", 1)

	if err := r.Cancel("job-1"); err != nil {
		t.Fatal(err)
	}
	if err := r.Cancel("job-1"); err != nil {
		t.Errorf("second Cancel() error = %v, want nil", err)
	}

	signal, err := r.CancelSignal("job-1")
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-signal:
	default:
		t.Error("cancel signal not triggered")
	}

	if err := r.Cancel("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Cancel(missing) error = %v, want ErrNotFound", err)
	}
}

func TestMarkDeletedAndPrune(t *testing.T) {
	r := newTestRegistry(t)
	r.Create("job-1", "f", 1)
	r.Transition("job-1", StateQueued, StateRunning)
	r.Finalize("job-1", Verdict{TerminalState: StateCompleted})

	deletedAt := time.Now().UTC().Add(-time.Hour)
	if err := r.MarkDeleted("job-1", deletedAt); err != nil {
		t.Fatalf("MarkDeleted() error = %v", err)
	}

	view, _ := r.Snapshot("job-1")
	if view.State != StateRetainedDeleted {
		t.Errorf("State = %v, want retained_deleted", view.State)
	}
	if view.DeletionAt == nil || !view.DeletionAt.Equal(deletedAt) {
		t.Errorf("DeletionAt = %v, want %v", view.DeletionAt, deletedAt)
	}

	// Not yet past the cutoff.
	if n := r.Prune(deletedAt.Add(-time.Minute)); n != 0 {
		t.Errorf("Prune() = %d, want 0", n)
	}
	if n := r.Prune(time.Now().UTC()); n != 1 {
		t.Errorf("Prune() = %d, want 1", n)
	}
	if _, err := r.Snapshot("job-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Snapshot() after prune = %v, want ErrNotFound", err)
	}
}

func TestMarkDeleted_QueuedIsIllegal(t *testing.T) {
	r := newTestRegistry(t)
	r.Create("job-1", "f", 1)

	if err := r.MarkDeleted("job-1", time.Now()); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("MarkDeleted(queued) error = %v, want ErrIllegalTransition", err)
	}
}

func TestConcurrentReadersOneWriter(t *testing.T) {
	r := newTestRegistry(t)
	r.Create("job-1", "f", 1)
	r.Transition("job-1", StateQueued, StateRunning)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	// Many readers taking snapshots while the writer appends stages.
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				view, err := r.Snapshot("job-1")
				if err != nil {
					t.Error(err)
					return
				}
				if view.StageCursor < len(view.Stages)-1 {
					t.Error("inconsistent snapshot cut")
					return
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		r.BeginStage("job-1")
		r.AppendStage("job-1", StageRecord{Name: "ids", Outcome: OutcomePass})
	}
	close(stop)
	wg.Wait()
}
