// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analysis

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestAnalyze_SingleRecord(t *testing.T) {
	content := []byte(">seq1\nGGGGGCCCCC\n")

	report, err := New().Analyze(context.Background(), content)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	if report.SequencesAnalyzed != 1 {
		t.Errorf("SequencesAnalyzed = %d, want 1", report.SequencesAnalyzed)
	}
	if report.TotalBases != 10 {
		t.Errorf("TotalBases = %d, want 10", report.TotalBases)
	}
	if report.GCContent != 100.0 {
		t.Errorf("GCContent = %v, want 100", report.GCContent)
	}
	if report.SpeciesPrediction != "Unknown" {
		t.Errorf("SpeciesPrediction = %q, want Unknown for GC 100%%", report.SpeciesPrediction)
	}
}

func TestAnalyze_MultiRecord(t *testing.T) {
	content := []byte(">a\nACGT\nACGT\n>b\nTTTT\n")

	report, err := New().Analyze(context.Background(), content)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	if report.SequencesAnalyzed != 2 {
		t.Errorf("SequencesAnalyzed = %d, want 2", report.SequencesAnalyzed)
	}
	// 8 + 4 bases, 4 G/C total.
	if report.TotalBases != 12 {
		t.Errorf("TotalBases = %d, want 12", report.TotalBases)
	}
	if report.GCContent != 33.33 {
		t.Errorf("GCContent = %v, want 33.33", report.GCContent)
	}
	if report.SpeciesPrediction != "Bacterial (GC: 30-40%)" {
		t.Errorf("SpeciesPrediction = %q", report.SpeciesPrediction)
	}
}

func TestAnalyze_SpeciesBands(t *testing.T) {
	tests := []struct {
		name string
		seq  string
		want string
	}{
		// 45% GC: 9 of 20 bases... use exact constructions.
		{"human", ">h\n" + strings.Repeat("G", 45) + strings.Repeat("A", 55), "Human-like (GC: 40-50%)"},
		{"bacterial", ">b\n" + strings.Repeat("G", 35) + strings.Repeat("A", 65), "Bacterial (GC: 30-40%)"},
		{"plant", ">p\n" + strings.Repeat("G", 60) + strings.Repeat("A", 40), "Plant-like (GC: 50-70%)"},
		{"unknown_low", ">u\n" + strings.Repeat("G", 10) + strings.Repeat("A", 90), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := New().Analyze(context.Background(), []byte(tt.seq))
			if err != nil {
				t.Fatalf("Analyze() error = %v", err)
			}
			if report.SpeciesPrediction != tt.want {
				t.Errorf("SpeciesPrediction = %q, want %q (GC %v)",
					report.SpeciesPrediction, tt.want, report.GCContent)
			}
		})
	}
}

func TestAnalyze_Kmers(t *testing.T) {
	// AAAA yields AAA twice; single dominant k-mer.
	content := []byte(">k\nAAAA\n")

	report, err := New().Analyze(context.Background(), content)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	if report.UniqueKmers != 1 {
		t.Errorf("UniqueKmers = %d, want 1", report.UniqueKmers)
	}
	if report.MostCommonKmer != "AAA" {
		t.Errorf("MostCommonKmer = %q, want AAA", report.MostCommonKmer)
	}
}

func TestAnalyze_AmbiguityCodesExcludedFromKmers(t *testing.T) {
	// N breaks every 3-mer window it touches.
	content := []byte(">n\nANA\n")

	report, err := New().Analyze(context.Background(), content)
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	if report.TotalBases != 3 {
		t.Errorf("TotalBases = %d, want 3", report.TotalBases)
	}
	if report.UniqueKmers != 0 {
		t.Errorf("UniqueKmers = %d, want 0", report.UniqueKmers)
	}
	if report.MostCommonKmer != "N/A" {
		t.Errorf("MostCommonKmer = %q, want N/A", report.MostCommonKmer)
	}
}

func TestAnalyze_Empty(t *testing.T) {
	_, err := New().Analyze(context.Background(), []byte(">header only\n"))
	if !errors.Is(err, ErrNoSequences) {
		t.Errorf("Analyze() error = %v, want ErrNoSequences", err)
	}
}

func TestAnalyze_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New().Analyze(ctx, []byte(">a\nACGT\n>b\nACGT\n"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Analyze() error = %v, want context.Canceled", err)
	}
}
