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
	"strings"
	"testing"
)

func TestIDS_CleanSequence(t *testing.T) {
	ids := NewIDS(nil, 0)

	result := ids.Scan([]byte(">h1\nACGTACGTACGT\n"))
	if !result.Passed {
		t.Fatalf("clean input failed: %+v", result.Detail)
	}
	if result.Score != 0 {
		t.Errorf("Score = %d, want 0", result.Score)
	}
	if result.Detail.MatchCount != 0 {
		t.Errorf("MatchCount = %d, want 0", result.Detail.MatchCount)
	}
}

func TestIDS_SQLInjection(t *testing.T) {
	ids := NewIDS(nil, 0)

	result := ids.Scan([]byte(">h\nACGT\n>evil'; DROP TABLE users;--\nACGT\n"))
	if result.Passed {
		t.Fatal("injection payload passed")
	}
	// ' + ; + drop table + ; + ;-- + -- at minimum.
	if result.Detail.MatchCount < 5 {
		t.Errorf("MatchCount = %d, want >= 5", result.Detail.MatchCount)
	}

	found := false
	for _, cc := range result.Detail.TopCategories {
		if cc.Category == CategorySQL {
			found = true
		}
	}
	if !found {
		t.Errorf("sql_injection missing from categories: %v", result.Detail.TopCategories)
	}
}

func TestIDS_CaseInsensitive(t *testing.T) {
	ids := NewIDS(nil, 0)

	for _, payload := range []string{"DROP TABLE", "drop table", "DrOp TaBlE"} {
		result := ids.Scan([]byte(payload))
		if result.Score < SeverityCritical.Weight() {
			t.Errorf("Scan(%q) score = %d, want >= %d",
				payload, result.Score, SeverityCritical.Weight())
		}
	}
}

func TestIDS_ThresholdBoundary(t *testing.T) {
	ids := NewIDS(nil, 5)

	// Five single quotes: five low-severity hits, score exactly at
	// the threshold.
	atThreshold := ids.Scan([]byte("'''''"))
	if atThreshold.Score != 5 {
		t.Fatalf("Score = %d, want 5", atThreshold.Score)
	}
	if !atThreshold.Passed {
		t.Error("score equal to threshold must pass")
	}

	overThreshold := ids.Scan([]byte("''''''"))
	if overThreshold.Score != 6 {
		t.Fatalf("Score = %d, want 6", overThreshold.Score)
	}
	if overThreshold.Passed {
		t.Error("score one over threshold must fail")
	}
}

func TestIDS_OverlappingMatches(t *testing.T) {
	ids := NewIDS(nil, 0)

	// ";--" contains ";", ";--", and "--": all three reported.
	result := ids.Scan([]byte(";--"))
	if result.Detail.MatchCount != 3 {
		t.Errorf("MatchCount = %d, want 3 overlapping matches", result.Detail.MatchCount)
	}
}

func TestIDS_ScoreCap(t *testing.T) {
	ids := NewIDS(nil, 0)

	result := ids.Scan([]byte(strings.Repeat("drop table ", 50)))
	if result.Score != DefaultScoreCap {
		t.Errorf("Score = %d, want cap %d", result.Score, DefaultScoreCap)
	}
}

func TestIDS_OffsetsWithinInput(t *testing.T) {
	ids := NewIDS(nil, 0)

	input := []byte("ACGT../ACGT<script>ACGT")
	result := ids.Scan(input)

	if len(result.Detail.SampleOffsets) == 0 {
		t.Fatal("expected sample offsets")
	}
	for _, off := range result.Detail.SampleOffsets {
		if off < 0 || off >= len(input) {
			t.Errorf("offset %d outside [0, %d)", off, len(input))
		}
	}
	if result.Detail.SampleOffsets[0] != 4 {
		t.Errorf("first offset = %d, want 4 for ../", result.Detail.SampleOffsets[0])
	}
}

func TestIDS_SampleOffsetCap(t *testing.T) {
	ids := NewIDS(nil, 0)

	result := ids.Scan([]byte(strings.Repeat("'", 20)))
	if len(result.Detail.SampleOffsets) != maxSampleOffsets {
		t.Errorf("SampleOffsets = %d, want %d",
			len(result.Detail.SampleOffsets), maxSampleOffsets)
	}
}

func TestIDS_SetThreshold(t *testing.T) {
	ids := NewIDS(nil, 5)

	payload := []byte("''''''") // score 6
	if ids.Scan(payload).Passed {
		t.Fatal("expected fail at threshold 5")
	}

	ids.SetThreshold(10)
	if !ids.Scan(payload).Passed {
		t.Error("expected pass at threshold 10")
	}

	// Non-positive updates are ignored.
	ids.SetThreshold(0)
	if ids.Threshold() != 10 {
		t.Errorf("Threshold = %d, want 10", ids.Threshold())
	}
}

func TestIDS_Stats(t *testing.T) {
	ids := NewIDS(nil, 0)

	ids.Scan([]byte("ACGT"))
	ids.Scan([]byte("drop table users"))

	stats := ids.Stats()
	if stats.Scans != 2 {
		t.Errorf("Scans = %d, want 2", stats.Scans)
	}
	if stats.ThreatsFound == 0 {
		t.Error("expected ThreatsFound > 0")
	}
	if stats.Blocked != 1 {
		t.Errorf("Blocked = %d, want 1", stats.Blocked)
	}
}
