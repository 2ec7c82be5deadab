// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scan implements the pipeline's verdict functions: the genomic
// format validator, the literal-pattern intrusion scanner (IDS), and the
// anomaly-based adversarial-input detector (AML).
//
// All three scanners are pure: bytes in, structured verdict out. None of
// them retains the input, and none of them includes raw input bytes in a
// verdict detail. The pipeline executor owns the decision of which
// outcomes are fatal.
package scan

import (
	"bytes"
	"fmt"
)

// MaxViolations caps the number of alphabet/structure violations reported
// per scan. Once the cap is hit, scanning stops and the detail is marked
// truncated.
const MaxViolations = 32

// Format identifies the recognized genomic file formats.
type Format string

const (
	// FormatFASTA is a '>'-headed record format.
	FormatFASTA Format = "fasta"

	// FormatFASTQ is a four-line '@'-headed record format.
	FormatFASTQ Format = "fastq"

	// FormatUnknown covers anything the validator does not recognize.
	FormatUnknown Format = "unknown_format"
)

// Violation reports one invalid character or structural problem.
//
// The offending byte is reported as a printable token, never as raw
// sequence content around it.
type Violation struct {
	// Char is the offending character, quoted printable form.
	Char string `json:"char"`

	// Offset is the zero-based byte offset in the input.
	Offset int `json:"offset"`

	// Header is the header line of the enclosing record.
	Header string `json:"header"`
}

// FormatDetail is the structured summary attached to the format stage.
type FormatDetail struct {
	// Format is the detected format, or "unknown_format".
	Format Format `json:"format"`

	// Records is the number of complete records seen.
	Records int `json:"records"`

	// Violations lists up to MaxViolations problems.
	Violations []Violation `json:"violations,omitempty"`

	// Truncated is true when the violation cap stopped the scan early.
	Truncated bool `json:"truncated"`
}

// Kind tags the detail for stage-record dispatch.
func (FormatDetail) Kind() string { return "format" }

// FormatResult is the format validator's verdict.
type FormatResult struct {
	Passed bool
	Detail FormatDetail
}

// allowedBase reports whether c is in the sequence alphabet
// {A,C,G,T,N,-}, case-insensitive.
func allowedBase(c byte) bool {
	switch c {
	case 'A', 'C', 'G', 'T', 'N', '-',
		'a', 'c', 'g', 't', 'n':
		return true
	}
	return false
}

// ValidateFormat checks that the buffer is well-formed FASTA or FASTQ.
//
// Description:
//
//	The format is chosen by the first non-whitespace byte: '>' selects
//	FASTA, '@' selects FASTQ, anything else is unknown_format. FASTA
//	records are a header line followed by one or more sequence lines
//	over {A,C,G,T,N,-} (case-insensitive). FASTQ records are exactly
//	four lines with quality length equal to sequence length. Violations
//	carry the offending character, byte offset, and enclosing header,
//	capped at MaxViolations.
//
// Inputs:
//
//	content - The raw upload bytes. Not modified, not retained.
//
// Outputs:
//
//	FormatResult - Passed is true iff at least one complete record was
//	found and no violation occurred.
func ValidateFormat(content []byte) FormatResult {
	i := 0
	for i < len(content) && isSpace(content[i]) {
		i++
	}
	if i >= len(content) {
		return FormatResult{Detail: FormatDetail{Format: FormatUnknown}}
	}

	switch content[i] {
	case '>':
		return validateFASTA(content, i)
	case '@':
		return validateFASTQ(content, i)
	default:
		return FormatResult{Detail: FormatDetail{
			Format: FormatUnknown,
			Violations: []Violation{{
				Char:   printable(content[i]),
				Offset: i,
			}},
		}}
	}
}

// validateFASTA walks header/sequence lines collecting alphabet
// violations.
func validateFASTA(content []byte, start int) FormatResult {
	detail := FormatDetail{Format: FormatFASTA}
	structural := false

	header := ""
	headerSeen := false
	seqLines := 0

	pos := start
	for pos < len(content) {
		end := pos
		for end < len(content) && content[end] != '\n' {
			end++
		}
		line := trimCR(content[pos:end])

		switch {
		case len(line) == 0:
			// Blank lines are tolerated between records.
		case line[0] == '>':
			if headerSeen && seqLines == 0 {
				// Header followed directly by another header.
				structural = true
			}
			if headerSeen && seqLines > 0 {
				detail.Records++
			}
			header = string(line)
			headerSeen = true
			seqLines = 0
		case !headerSeen:
			// Sequence data before any header.
			structural = true
			addViolation(&detail, Violation{
				Char:   printable(line[0]),
				Offset: pos,
				Header: "",
			})
		default:
			seqLines++
			for j, c := range line {
				if isSpace(c) || allowedBase(c) {
					continue
				}
				if !addViolation(&detail, Violation{
					Char:   printable(c),
					Offset: pos + j,
					Header: header,
				}) {
					return FormatResult{Detail: detail}
				}
			}
		}

		pos = end + 1
		if detail.Truncated {
			return FormatResult{Detail: detail}
		}
	}

	if headerSeen && seqLines > 0 {
		detail.Records++
	} else if headerSeen {
		structural = true
	}

	passed := detail.Records > 0 && len(detail.Violations) == 0 && !structural
	return FormatResult{Passed: passed, Detail: detail}
}

// validateFASTQ enforces the strict four-line record shape.
func validateFASTQ(content []byte, start int) FormatResult {
	detail := FormatDetail{Format: FormatFASTQ}
	structural := false

	lines, offsets := splitLines(content[start:], start)

	// Trailing blank lines are tolerated.
	for len(lines) > 0 && len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
		offsets = offsets[:len(offsets)-1]
	}

	if len(lines)%4 != 0 {
		structural = true
	}

	for rec := 0; rec+4 <= len(lines); rec += 4 {
		header := lines[rec]
		seq := lines[rec+1]
		sep := lines[rec+2]
		qual := lines[rec+3]

		if len(header) == 0 || header[0] != '@' {
			structural = true
			continue
		}
		if len(sep) == 0 || sep[0] != '+' {
			structural = true
		}
		if len(qual) != len(seq) {
			structural = true
		}

		for j := 0; j < len(seq); j++ {
			c := seq[j]
			if allowedBase(c) {
				continue
			}
			if !addViolation(&detail, Violation{
				Char:   printable(c),
				Offset: offsets[rec+1] + j,
				Header: string(header),
			}) {
				return FormatResult{Detail: detail}
			}
		}
		detail.Records++
	}

	passed := detail.Records > 0 && len(detail.Violations) == 0 && !structural
	return FormatResult{Passed: passed, Detail: detail}
}

// addViolation appends v, returning false once the cap is reached.
func addViolation(detail *FormatDetail, v Violation) bool {
	detail.Violations = append(detail.Violations, v)
	if len(detail.Violations) >= MaxViolations {
		detail.Truncated = true
		return false
	}
	return true
}

// splitLines splits on '\n', trimming trailing '\r', and returns the
// byte offset of each line in the original buffer.
func splitLines(buf []byte, base int) ([][]byte, []int) {
	var lines [][]byte
	var offsets []int
	pos := 0
	for pos <= len(buf) {
		end := bytes.IndexByte(buf[pos:], '\n')
		if end < 0 {
			lines = append(lines, trimCR(buf[pos:]))
			offsets = append(offsets, base+pos)
			break
		}
		lines = append(lines, trimCR(buf[pos:pos+end]))
		offsets = append(offsets, base+pos)
		pos += end + 1
	}
	return lines, offsets
}

func trimCR(line []byte) []byte {
	if len(line) > 0 && line[len(line)-1] == '\r' {
		return line[:len(line)-1]
	}
	return line
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

// printable renders a byte for a violation report without leaking
// surrounding content.
func printable(c byte) string {
	if c >= 0x20 && c < 0x7f {
		return string(c)
	}
	return fmt.Sprintf("\\x%02x", c)
}
