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

const (
	// DefaultFeatureDim is the fixed feature-vector size the AML model
	// expects. Real features occupy the first 86 slots; the rest is
	// zero padding.
	DefaultFeatureDim = 784

	// DefaultMaxBodyLength truncates the sequence body before feature
	// extraction so inference cost is bounded.
	DefaultMaxBodyLength = 250_000
)

// baseIndex maps A/C/G/T (case-insensitive) to 0..3, -1 otherwise.
func baseIndex(c byte) int {
	switch c {
	case 'A', 'a':
		return 0
	case 'C', 'c':
		return 1
	case 'G', 'g':
		return 2
	case 'T', 't':
		return 3
	}
	return -1
}

// ExtractBody concatenates the sequence lines of a FASTA buffer,
// dropping header lines and whitespace. The result is truncated to
// maxLen bytes (0 selects DefaultMaxBodyLength).
func ExtractBody(content []byte, maxLen int) []byte {
	if maxLen <= 0 {
		maxLen = DefaultMaxBodyLength
	}
	body := make([]byte, 0, min(len(content), maxLen))
	inHeader := false
	for _, c := range content {
		switch {
		case c == '>':
			inHeader = true
		case c == '\n':
			inHeader = false
		case inHeader || isSpace(c):
		default:
			body = append(body, c)
			if len(body) >= maxLen {
				return body
			}
		}
	}
	return body
}

// ExtractFeatures maps a sequence body to a fixed-dimension vector.
//
// Description:
//
//	Layout: 64 trinucleotide frequencies, 16 dinucleotide frequencies,
//	GC fraction, longest homopolymer run normalized by body length,
//	then the four per-base homopolymer maxima normalized by length.
//	K-mer windows containing an ambiguous or gap character contribute
//	nothing. The vector is zero-padded (or truncated) to dim.
//
// Inputs:
//
//	body - Concatenated sequence bytes, already truncated by caller.
//	dim - Output vector size; 0 selects DefaultFeatureDim.
//
// Outputs:
//
//	[]float64 - Length dim, every element in [0, 1].
func ExtractFeatures(body []byte, dim int) []float64 {
	if dim <= 0 {
		dim = DefaultFeatureDim
	}

	var tri [64]float64
	var di [16]float64
	triWindows := 0
	diWindows := 0

	acgt := 0
	gc := 0

	var runMax [4]int
	run := 0
	prev := -1

	for i := 0; i < len(body); i++ {
		b0 := baseIndex(body[i])
		if b0 >= 0 {
			acgt++
			if b0 == 1 || b0 == 2 {
				gc++
			}
			if b0 == prev {
				run++
			} else {
				run = 1
			}
			if run > runMax[b0] {
				runMax[b0] = run
			}
		} else {
			run = 0
		}
		prev = b0

		if i+2 <= len(body)-1 {
			b1 := baseIndex(body[i+1])
			b2 := baseIndex(body[i+2])
			if b0 >= 0 && b1 >= 0 && b2 >= 0 {
				tri[b0*16+b1*4+b2]++
				triWindows++
			}
		}
		if i+1 <= len(body)-1 {
			b1 := baseIndex(body[i+1])
			if b0 >= 0 && b1 >= 0 {
				di[b0*4+b1]++
				diWindows++
			}
		}
	}

	features := make([]float64, dim)
	put := func(i int, v float64) {
		if i < dim {
			features[i] = v
		}
	}

	if triWindows > 0 {
		for i, n := range tri {
			put(i, n/float64(triWindows))
		}
	}
	if diWindows > 0 {
		for i, n := range di {
			put(64+i, n/float64(diWindows))
		}
	}
	if acgt > 0 {
		put(80, float64(gc)/float64(acgt))
	}

	if len(body) > 0 {
		longest := 0
		for _, r := range runMax {
			if r > longest {
				longest = r
			}
		}
		put(81, float64(longest)/float64(len(body)))
		for i, r := range runMax {
			put(82+i, float64(r)/float64(len(body)))
		}
	}

	return features
}
