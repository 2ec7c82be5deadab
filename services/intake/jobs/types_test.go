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
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateWireNames(t *testing.T) {
	data, err := json.Marshal(StateRetainedDeleted)
	require.NoError(t, err)
	assert.Equal(t, `"retained_deleted"`, string(data))

	var s State
	require.NoError(t, json.Unmarshal([]byte(`"cancelled"`), &s))
	assert.Equal(t, StateCancelled, s)

	assert.Error(t, json.Unmarshal([]byte(`"exploded"`), &s))
	assert.Error(t, json.Unmarshal([]byte(`3`), &s))
}

func TestOutcomeWireNames(t *testing.T) {
	data, err := json.Marshal(OutcomeSkip)
	require.NoError(t, err)
	assert.Equal(t, `"skip"`, string(data))

	var o Outcome
	require.NoError(t, json.Unmarshal([]byte(`"fail"`), &o))
	assert.Equal(t, OutcomeFail, o)

	assert.Error(t, json.Unmarshal([]byte(`"maybe"`), &o))
}

type testDetail struct {
	MatchCount int `json:"match_count"`
	Score      int `json:"score"`
}

func (testDetail) Kind() string { return "test" }

// API clients decode stage records without knowing the concrete detail
// types, so the detail must come back as a generic map.
func TestStageRecordDecode(t *testing.T) {
	started := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	rec := StageRecord{
		Name:       "ids",
		StartedAt:  started,
		FinishedAt: started.Add(42 * time.Millisecond),
		Outcome:    OutcomeFail,
		Detail:     testDetail{MatchCount: 3, Score: 9},
	}

	data, err := json.Marshal(rec)
	require.NoError(t, err)

	var decoded StageRecord
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, rec.Name, decoded.Name)
	assert.Equal(t, OutcomeFail, decoded.Outcome)
	assert.Equal(t, int64(42), decoded.DurationMS())

	detail, ok := decoded.Detail.(RawDetail)
	require.True(t, ok, "decoded detail should be a RawDetail, got %T", decoded.Detail)
	assert.Equal(t, float64(3), detail["match_count"])
	assert.Equal(t, float64(9), detail["score"])
}

func TestStageRecordDecode_NoDetail(t *testing.T) {
	var decoded StageRecord
	require.NoError(t, json.Unmarshal([]byte(`{"name":"finalize","outcome":"pass"}`), &decoded))
	assert.Nil(t, decoded.Detail)
}
