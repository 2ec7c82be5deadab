// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package analysis computes summary statistics for validated genomic
// uploads: sequence counts, GC content, k-mer inventory, and a coarse
// GC-band species guess.
//
// The analyzer runs as the pipeline's analyze stage. It reads the
// plaintext exactly once and returns a small structured report; it never
// retains the input. Errors here are non-fatal to the job.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrNoSequences is returned when the input contains no sequence data.
var ErrNoSequences = errors.New("no sequences found in input")

// Report summarizes one analyzed upload.
//
// Field names mirror the intake API response; the report is stored on
// the job verdict and returned by the result endpoint.
type Report struct {
	// SequencesAnalyzed is the number of FASTA records seen.
	SequencesAnalyzed int `json:"sequences_analyzed"`

	// TotalBases is the summed length of all sequence lines.
	TotalBases int `json:"total_bases"`

	// GCContent is the G+C percentage across all bases, 2 decimals.
	GCContent float64 `json:"gc_content"`

	// UniqueKmers is the count of distinct ACGT 3-mers observed.
	UniqueKmers int `json:"unique_kmers"`

	// MostCommonKmer is the most frequent 3-mer, or "N/A".
	MostCommonKmer string `json:"most_common_kmer"`

	// SpeciesPrediction is a coarse GC-band classification.
	SpeciesPrediction string `json:"species_prediction"`

	// QualityScore is a heuristic 0-100+ score derived from GC content.
	QualityScore float64 `json:"quality_score"`

	// AnalysisMethod names the method for the report consumer.
	AnalysisMethod string `json:"analysis_method"`
}

// Analyzer computes Reports from FASTA payloads.
//
// Thread Safety: Analyzer is stateless and safe for concurrent use.
type Analyzer struct{}

// New creates an Analyzer.
func New() *Analyzer {
	return &Analyzer{}
}

// Analyze parses the FASTA payload and computes the report.
//
// Description:
//
//	Splits the payload into records on '>' header lines, concatenates
//	sequence lines per record, and derives GC content, the 3-mer
//	inventory, and the GC-band species guess. Non-ACGT characters are
//	counted toward total bases but excluded from k-mers.
//
// Inputs:
//
//	ctx - Checked between records so a cancelled job stops promptly.
//	content - Raw upload bytes. Treated as UTF-8 text; undecodable
//	          bytes pass through and simply never match ACGT.
//
// Outputs:
//
//	*Report - The computed report. Nil on error.
//	error - ErrNoSequences if no sequence data, ctx.Err() on cancel.
func (a *Analyzer) Analyze(ctx context.Context, content []byte) (*Report, error) {
	var sequences []string
	var current strings.Builder

	lines := strings.Split(string(content), "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, ">") {
			if current.Len() > 0 {
				sequences = append(sequences, current.String())
				current.Reset()
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			continue
		}
		current.WriteString(line)
	}
	if current.Len() > 0 {
		sequences = append(sequences, current.String())
	}

	totalBases := 0
	gcCount := 0
	kmers := make(map[string]int)

	for _, seq := range sequences {
		seq = strings.ToUpper(seq)
		totalBases += len(seq)
		gcCount += strings.Count(seq, "G") + strings.Count(seq, "C")

		for i := 0; i+3 <= len(seq); i++ {
			kmer := seq[i : i+3]
			if isACGT(kmer) {
				kmers[kmer]++
			}
		}
	}

	if totalBases == 0 {
		return nil, ErrNoSequences
	}

	gcContent := float64(gcCount) / float64(totalBases) * 100

	mostCommon := "N/A"
	best := 0
	for kmer, n := range kmers {
		// Ties resolve to the lexicographically smaller k-mer so the
		// report is deterministic across runs.
		if n > best || (n == best && kmer < mostCommon) {
			best = n
			mostCommon = kmer
		}
	}

	quality := 0.0
	if gcContent > 0 {
		quality = 95.0 + gcContent/10
	}

	return &Report{
		SequencesAnalyzed: len(sequences),
		TotalBases:        totalBases,
		GCContent:         round2(gcContent),
		UniqueKmers:       len(kmers),
		MostCommonKmer:    mostCommon,
		SpeciesPrediction: speciesFromGC(gcContent),
		QualityScore:      round2(quality),
		AnalysisMethod:    "K-mer based ML classification",
	}, nil
}

// speciesFromGC maps GC content percentage to a coarse organism class.
func speciesFromGC(gc float64) string {
	switch {
	case gc >= 40 && gc <= 50:
		return "Human-like (GC: 40-50%)"
	case gc >= 30 && gc < 40:
		return "Bacterial (GC: 30-40%)"
	case gc > 50 && gc <= 70:
		return "Plant-like (GC: 50-70%)"
	default:
		return "Unknown"
	}
}

func isACGT(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case 'A', 'C', 'G', 'T':
		default:
			return false
		}
	}
	return true
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// String implements fmt.Stringer for log-friendly summaries.
func (r *Report) String() string {
	return fmt.Sprintf("%d sequences, %d bases, GC %.2f%%",
		r.SequencesAnalyzed, r.TotalBases, r.GCContent)
}
