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
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeModelFile writes a zero-weight autoencoder: every output is
// sigmoid(0) = 0.5 regardless of input.
func writeModelFile(t *testing.T, dir string, dim int) string {
	t.Helper()

	path := filepath.Join(dir, "aml.bin")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if _, err := f.WriteString(modelMagic); err != nil {
		t.Fatal(err)
	}
	for _, v := range []uint32{1, 1, uint32(dim), uint32(dim)} {
		if err := binary.Write(f, binary.LittleEndian, v); err != nil {
			t.Fatal(err)
		}
	}
	zeros := make([]float64, dim*dim+dim)
	if err := binary.Write(f, binary.LittleEndian, zeros); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeThresholdFile(t *testing.T, dir string, v string) string {
	t.Helper()
	path := filepath.Join(dir, "aml.threshold")
	if err := os.WriteFile(path, []byte(v+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExtractBody(t *testing.T) {
	body := ExtractBody([]byte(">header with acgt\nACGT\nTTTT\n>h2\nGG\n"), 0)
	if string(body) != "ACGTTTTTGG" {
		t.Errorf("ExtractBody = %q, want ACGTTTTTGG", body)
	}
}

func TestExtractBody_Truncation(t *testing.T) {
	body := ExtractBody([]byte(">h\n"+strings.Repeat("A", 100)+"\n"), 10)
	if len(body) != 10 {
		t.Errorf("len(body) = %d, want 10", len(body))
	}
}

func TestExtractFeatures_Range(t *testing.T) {
	features := ExtractFeatures([]byte("ACGTACGTNNNGGCCAAAA"), 0)

	if len(features) != DefaultFeatureDim {
		t.Fatalf("len = %d, want %d", len(features), DefaultFeatureDim)
	}
	for i, v := range features {
		if v < 0 || v > 1 || math.IsNaN(v) {
			t.Errorf("feature[%d] = %v outside [0,1]", i, v)
		}
	}
}

func TestExtractFeatures_GCFraction(t *testing.T) {
	features := ExtractFeatures([]byte("GGGGGCCCCC"), 0)
	if features[80] != 1.0 {
		t.Errorf("GC fraction = %v, want 1.0", features[80])
	}

	features = ExtractFeatures([]byte("AATT"), 0)
	if features[80] != 0.0 {
		t.Errorf("GC fraction = %v, want 0.0", features[80])
	}
}

func TestExtractFeatures_Homopolymer(t *testing.T) {
	// 10 bases, longest run 8 As.
	features := ExtractFeatures([]byte("AAAAAAAAGT"), 0)

	if features[81] != 0.8 {
		t.Errorf("longest run = %v, want 0.8", features[81])
	}
	if features[82] != 0.8 { // A-run maximum
		t.Errorf("A-run = %v, want 0.8", features[82])
	}
	if features[85] != 0.1 { // T-run maximum
		t.Errorf("T-run = %v, want 0.1", features[85])
	}
}

func TestExtractFeatures_Empty(t *testing.T) {
	features := ExtractFeatures(nil, 0)
	for i, v := range features {
		if v != 0 {
			t.Fatalf("feature[%d] = %v, want all zeros", i, v)
		}
	}
}

func TestLoadModel_Missing(t *testing.T) {
	_, err := LoadModel(filepath.Join(t.TempDir(), "absent.bin"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("error = %v, want ErrNotExist", err)
	}
}

func TestLoadModel_BadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aml.bin")
	if err := os.WriteFile(path, []byte("NOPE0000"), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadModel(path)
	if !errors.Is(err, ErrModelFormat) {
		t.Errorf("error = %v, want ErrModelFormat", err)
	}
}

func TestLoadAML_SkipMode(t *testing.T) {
	dir := t.TempDir()

	detector, loaded, err := LoadAML(
		filepath.Join(dir, "absent.bin"),
		filepath.Join(dir, "absent.threshold"),
		0,
	)
	if err != nil {
		t.Fatalf("LoadAML() error = %v", err)
	}
	if loaded {
		t.Error("expected loaded=false")
	}

	result := detector.Scan([]byte(">h\nACGT\n"))
	if !result.Skipped {
		t.Error("expected Skipped result in skip mode")
	}
	if result.Passed {
		t.Error("skip mode must not claim a pass")
	}
}

func TestLoadAML_MissingThresholdFile(t *testing.T) {
	dir := t.TempDir()
	modelPath := writeModelFile(t, dir, 4)

	detector, loaded, err := LoadAML(modelPath, filepath.Join(dir, "absent.threshold"), 0)
	if err != nil {
		t.Fatalf("LoadAML() error = %v", err)
	}
	if !loaded {
		t.Fatal("expected loaded=true with a present model")
	}
	if detector.Threshold() != DefaultAMLThreshold {
		t.Errorf("Threshold() = %v, want DefaultAMLThreshold %v",
			detector.Threshold(), DefaultAMLThreshold)
	}

	// The zero-weight model reconstructs 0.5 everywhere, so body AAAA
	// scores 0.25, over the default cutoff.
	result := detector.Scan([]byte(">h\nAAAA\n"))
	if result.Skipped {
		t.Fatal("unexpected skip with a loaded model")
	}
	if result.Passed {
		t.Error("score 0.25 must fail the default threshold")
	}
}

func TestLoadAML_MalformedThresholdFile(t *testing.T) {
	dir := t.TempDir()
	modelPath := writeModelFile(t, dir, 4)
	thresholdPath := writeThresholdFile(t, dir, "not-a-number")

	if _, _, err := LoadAML(modelPath, thresholdPath, 0); err == nil {
		t.Fatal("expected error for malformed threshold file")
	}
}

func TestAML_ConfiguredThresholdOverride(t *testing.T) {
	dir := t.TempDir()
	detector, _, err := LoadAML(
		writeModelFile(t, dir, 4),
		writeThresholdFile(t, dir, "0.3"),
		0,
	)
	if err != nil {
		t.Fatalf("LoadAML() error = %v", err)
	}

	// The entrypoint applies a positive config threshold after load;
	// the override must win over the file value for later scans.
	detector.SetThreshold(0.2)
	if detector.Threshold() != 0.2 {
		t.Fatalf("Threshold() = %v, want 0.2", detector.Threshold())
	}
	if detector.Scan([]byte(">h\nAAAA\n")).Passed {
		t.Error("score 0.25 must fail the overridden threshold 0.2")
	}
}

func TestAML_ScanWithModel(t *testing.T) {
	dir := t.TempDir()
	modelPath := writeModelFile(t, dir, 4)
	thresholdPath := writeThresholdFile(t, dir, "0.3")

	detector, loaded, err := LoadAML(modelPath, thresholdPath, 0)
	if err != nil {
		t.Fatalf("LoadAML() error = %v", err)
	}
	if !loaded {
		t.Fatal("expected loaded=true")
	}

	// Body AAAA: tri-feature AAA = 1.0, others 0. The zero-weight
	// model reconstructs 0.5 everywhere, so the MSE is exactly 0.25.
	result := detector.Scan([]byte(">h\nAAAA\n"))
	if result.Skipped {
		t.Fatal("unexpected skip")
	}
	if math.Abs(result.Score-0.25) > 1e-12 {
		t.Errorf("Score = %v, want 0.25", result.Score)
	}
	if !result.Passed {
		t.Error("score 0.25 must pass threshold 0.3")
	}
	if result.Detail.Threshold != 0.3 {
		t.Errorf("Detail.Threshold = %v, want 0.3", result.Detail.Threshold)
	}
	if result.Detail.FeatureDim != 4 {
		t.Errorf("Detail.FeatureDim = %v, want 4", result.Detail.FeatureDim)
	}

	detector.SetThreshold(0.2)
	if detector.Scan([]byte(">h\nAAAA\n")).Passed {
		t.Error("score 0.25 must fail threshold 0.2")
	}
}

func TestAML_DeterministicScore(t *testing.T) {
	dir := t.TempDir()
	detector, _, err := LoadAML(
		writeModelFile(t, dir, 8),
		writeThresholdFile(t, dir, "0.5"),
		0,
	)
	if err != nil {
		t.Fatal(err)
	}

	input := []byte(">h\nACGTACGTGGCCAATT\n")
	first := detector.Scan(input)
	second := detector.Scan(input)
	if first.Score != second.Score {
		t.Errorf("scores differ: %v vs %v", first.Score, second.Score)
	}
}
