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
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

// modelMagic identifies an autoencoder weight file.
const modelMagic = "AMLW"

// ErrModelFormat is returned when a weight file is malformed.
var ErrModelFormat = errors.New("malformed aml model file")

// AMLDetail is the structured summary attached to the aml stage.
//
// The threshold is included so an operator can correlate verdicts with
// configuration changes.
type AMLDetail struct {
	Score          float64 `json:"score"`
	Threshold      float64 `json:"threshold"`
	FeatureDim     int     `json:"feature_dim"`
	BodyLengthUsed int     `json:"body_length_used"`
}

// Kind tags the detail for stage-record dispatch.
func (AMLDetail) Kind() string { return "aml" }

// AMLResult is the adversarial-input detector's verdict.
//
// Skipped is true when no model is loaded; the pipeline treats a
// skipped scan as non-fatal.
type AMLResult struct {
	Passed  bool
	Skipped bool
	Score   float64
	Detail  AMLDetail
}

// =============================================================================
// Model
// =============================================================================

// Model is a feed-forward autoencoder loaded from a weight file.
//
// File layout (little-endian): "AMLW" magic, uint32 version, uint32
// layer count, then per layer uint32 in, uint32 out, out*in float64
// weights (row-major), out float64 biases. Hidden layers use ReLU; the
// final layer uses sigmoid so reconstructions stay in [0, 1].
//
// Thread Safety: read-only after load; safe to share across workers.
type Model struct {
	layers []denseLayer
	dim    int
}

type denseLayer struct {
	in, out int
	w       []float64
	b       []float64
}

// LoadModel reads an autoencoder weight file.
func LoadModel(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var magic [4]byte
	if _, err := readFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelFormat, err)
	}
	if string(magic[:]) != modelMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrModelFormat, magic)
	}

	var version, nLayers uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelFormat, err)
	}
	if err := binary.Read(r, binary.LittleEndian, &nLayers); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelFormat, err)
	}
	if nLayers == 0 || nLayers > 16 {
		return nil, fmt.Errorf("%w: layer count %d", ErrModelFormat, nLayers)
	}

	m := &Model{}
	for i := uint32(0); i < nLayers; i++ {
		var in, out uint32
		if err := binary.Read(r, binary.LittleEndian, &in); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrModelFormat, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &out); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrModelFormat, err)
		}
		if in == 0 || out == 0 || in > 1<<16 || out > 1<<16 {
			return nil, fmt.Errorf("%w: layer %d shape %dx%d", ErrModelFormat, i, out, in)
		}

		layer := denseLayer{
			in:  int(in),
			out: int(out),
			w:   make([]float64, int(in)*int(out)),
			b:   make([]float64, out),
		}
		if err := binary.Read(r, binary.LittleEndian, &layer.w); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrModelFormat, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &layer.b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrModelFormat, err)
		}

		if len(m.layers) > 0 && m.layers[len(m.layers)-1].out != layer.in {
			return nil, fmt.Errorf("%w: layer %d input mismatch", ErrModelFormat, i)
		}
		m.layers = append(m.layers, layer)
	}

	first, last := m.layers[0], m.layers[len(m.layers)-1]
	if first.in != last.out {
		return nil, fmt.Errorf("%w: not an autoencoder (%d in, %d out)",
			ErrModelFormat, first.in, last.out)
	}
	m.dim = first.in
	return m, nil
}

// Dim returns the model's expected feature dimension.
func (m *Model) Dim() int { return m.dim }

// Reconstruct runs the autoencoder forward pass.
func (m *Model) Reconstruct(features []float64) []float64 {
	x := features
	for i, layer := range m.layers {
		y := make([]float64, layer.out)
		for o := 0; o < layer.out; o++ {
			sum := layer.b[o]
			row := layer.w[o*layer.in : (o+1)*layer.in]
			for j, w := range row {
				sum += w * x[j]
			}
			if i == len(m.layers)-1 {
				y[o] = sigmoid(sum)
			} else if sum > 0 {
				y[o] = sum
			}
		}
		x = y
	}
	return x
}

func sigmoid(v float64) float64 {
	return 1 / (1 + math.Exp(-v))
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		k, err := r.Read(buf[n:])
		n += k
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// =============================================================================
// Detector
// =============================================================================

// AML is the anomaly-based adversarial-input detector.
//
// Description:
//
//	AML extracts a fixed-dimension feature vector from the sequence
//	body and scores it by autoencoder reconstruction error (mean
//	squared error). An input passes iff score <= threshold. Without a
//	loaded model the detector runs in skip mode and every scan reports
//	Skipped.
//
// Thread Safety:
//
//	Safe for concurrent use. The model is read-only after load; the
//	threshold is read and updated atomically.
type AML struct {
	model     *Model
	threshold atomic.Uint64
	maxBody   int
}

// DefaultAMLThreshold is the pass cutoff used when no threshold file
// accompanies the model. Calibration normally supplies a tighter value.
const DefaultAMLThreshold = 0.1

// NewAML creates a detector around an already loaded model. A nil
// model selects skip mode. maxBody <= 0 selects DefaultMaxBodyLength.
func NewAML(model *Model, threshold float64, maxBody int) *AML {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyLength
	}
	d := &AML{model: model, maxBody: maxBody}
	d.SetThreshold(threshold)
	return d
}

// LoadAML loads the model and threshold files and builds a detector.
//
// A missing model file is not an error: the detector comes up in skip
// mode and loaded reports false. A missing threshold file falls back
// to DefaultAMLThreshold. A present but malformed model or threshold
// file is an error.
func LoadAML(modelPath, thresholdPath string, maxBody int) (*AML, bool, error) {
	model, err := LoadModel(modelPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewAML(nil, 0, maxBody), false, nil
		}
		return nil, false, err
	}

	threshold, err := loadThreshold(thresholdPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, false, err
		}
		threshold = DefaultAMLThreshold
	}
	return NewAML(model, threshold, maxBody), true, nil
}

// loadThreshold reads a float from a one-line text file.
func loadThreshold(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse threshold file %s: %w", path, err)
	}
	return v, nil
}

// Loaded reports whether a model is available.
func (d *AML) Loaded() bool { return d.model != nil }

// Threshold returns the current pass cutoff.
func (d *AML) Threshold() float64 {
	return math.Float64frombits(d.threshold.Load())
}

// SetThreshold updates the pass cutoff. Used by the parameter tuner.
func (d *AML) SetThreshold(threshold float64) {
	if threshold >= 0 {
		d.threshold.Store(math.Float64bits(threshold))
	}
}

// Scan extracts features from the FASTA content and scores them.
//
// Inputs:
//
//	content - Raw upload bytes; the sequence body is extracted and
//	          truncated internally.
//
// Outputs:
//
//	AMLResult - Skipped when no model is loaded, otherwise the MSE
//	score, pass verdict, and detail.
func (d *AML) Scan(content []byte) AMLResult {
	body := ExtractBody(content, d.maxBody)

	if d.model == nil {
		return AMLResult{
			Skipped: true,
			Detail: AMLDetail{
				FeatureDim:     DefaultFeatureDim,
				BodyLengthUsed: len(body),
			},
		}
	}

	features := ExtractFeatures(body, d.model.Dim())
	reconstruction := d.model.Reconstruct(features)

	var sum float64
	for i, f := range features {
		delta := f - reconstruction[i]
		sum += delta * delta
	}
	score := sum / float64(len(features))
	threshold := d.Threshold()

	return AMLResult{
		Passed: score <= threshold,
		Score:  score,
		Detail: AMLDetail{
			Score:          score,
			Threshold:      threshold,
			FeatureDim:     d.model.Dim(),
			BodyLengthUsed: len(body),
		},
	}
}
