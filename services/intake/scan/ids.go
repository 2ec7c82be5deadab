// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scan

import (
	"sort"
	"sync/atomic"
)

const (
	// DefaultIDSThreshold is the pass cutoff: a score at or below it
	// passes. Five allows a handful of low-severity delimiter hits.
	DefaultIDSThreshold = 5

	// DefaultScoreCap bounds the accumulated score so a pathological
	// input cannot overflow the verdict.
	DefaultScoreCap = 100

	// maxSampleOffsets caps the offsets carried in the detail.
	maxSampleOffsets = 8
)

// CategoryCount is one (category, hit count) pair in the IDS detail,
// ordered by descending count.
type CategoryCount struct {
	Category Category `json:"category"`
	Count    int      `json:"count"`
}

// IDSDetail is the structured summary attached to the ids stage.
//
// Raw matched bytes are never included; offsets and counts only.
type IDSDetail struct {
	MatchCount    int             `json:"match_count"`
	TopCategories []CategoryCount `json:"top_categories,omitempty"`
	SampleOffsets []int           `json:"sample_offsets,omitempty"`
	Score         int             `json:"score"`
	Threshold     int             `json:"threshold"`
}

// Kind tags the detail for stage-record dispatch.
func (IDSDetail) Kind() string { return "ids" }

// IDSResult is the intrusion scanner's verdict.
type IDSResult struct {
	Passed bool
	Score  int
	Detail IDSDetail
}

// IDSStats are cumulative counters for the stats surface.
type IDSStats struct {
	Scans        uint64 `json:"scans"`
	ThreatsFound uint64 `json:"threats_found"`
	Blocked      uint64 `json:"blocked"`
}

// IDS is the literal-pattern intrusion scanner.
//
// Description:
//
//	IDS compiles a fixed pattern database into an Aho-Corasick
//	automaton and scores inputs by summing severity weights of every
//	occurrence (overlaps included), capped at scoreCap. An input
//	passes iff score <= threshold.
//
// Thread Safety:
//
//	IDS is safe for concurrent use. The automaton is immutable after
//	construction; threshold reads and stats updates are atomic.
type IDS struct {
	ac       *automaton
	patterns []Pattern

	threshold atomic.Int64
	scoreCap  int

	scans   atomic.Uint64
	threats atomic.Uint64
	blocked atomic.Uint64
}

// NewIDS builds a scanner over the given patterns.
//
// A threshold <= 0 selects DefaultIDSThreshold. Nil patterns select
// DefaultPatterns.
func NewIDS(patterns []Pattern, threshold int) *IDS {
	if patterns == nil {
		patterns = DefaultPatterns()
	}
	if threshold <= 0 {
		threshold = DefaultIDSThreshold
	}
	ids := &IDS{
		ac:       newAutomaton(patterns),
		patterns: patterns,
		scoreCap: DefaultScoreCap,
	}
	ids.threshold.Store(int64(threshold))
	return ids
}

// Threshold returns the current pass cutoff.
func (s *IDS) Threshold() int {
	return int(s.threshold.Load())
}

// SetThreshold updates the pass cutoff. Used by the parameter tuner;
// in-flight scans keep the cutoff they started with.
func (s *IDS) SetThreshold(threshold int) {
	if threshold > 0 {
		s.threshold.Store(int64(threshold))
	}
}

// Scan scores the buffer against the pattern database.
//
// Inputs:
//
//	content - Raw upload bytes. Not modified, not retained.
//
// Outputs:
//
//	IDSResult - Score, pass verdict, and the structured detail.
func (s *IDS) Scan(content []byte) IDSResult {
	s.scans.Add(1)
	threshold := s.Threshold()

	score := 0
	matchCount := 0
	categories := make(map[Category]int)
	var offsets []int

	s.ac.scan(content, func(m match) bool {
		p := s.patterns[m.pattern]
		matchCount++
		categories[p.Category]++
		if score < s.scoreCap {
			score += p.Severity.Weight()
			if score > s.scoreCap {
				score = s.scoreCap
			}
		}
		if len(offsets) < maxSampleOffsets {
			offsets = append(offsets, m.end-len(p.Literal))
		}
		return true
	})

	if matchCount > 0 {
		s.threats.Add(uint64(matchCount))
	}

	passed := score <= threshold
	if !passed {
		s.blocked.Add(1)
	}

	return IDSResult{
		Passed: passed,
		Score:  score,
		Detail: IDSDetail{
			MatchCount:    matchCount,
			TopCategories: sortCategories(categories),
			SampleOffsets: offsets,
			Score:         score,
			Threshold:     threshold,
		},
	}
}

// Stats returns cumulative scan counters.
func (s *IDS) Stats() IDSStats {
	return IDSStats{
		Scans:        s.scans.Load(),
		ThreatsFound: s.threats.Load(),
		Blocked:      s.blocked.Load(),
	}
}

func sortCategories(counts map[Category]int) []CategoryCount {
	if len(counts) == 0 {
		return nil
	}
	out := make([]CategoryCount, 0, len(counts))
	for cat, n := range counts {
		out = append(out, CategoryCount{Category: cat, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Category < out[j].Category
	})
	return out
}
