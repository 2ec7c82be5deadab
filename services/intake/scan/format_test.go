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

func TestValidateFormat_CleanFASTA(t *testing.T) {
	result := ValidateFormat([]byte(">h1\nACGTACGTACGT\n"))

	if !result.Passed {
		t.Fatalf("expected pass, got violations %v", result.Detail.Violations)
	}
	if result.Detail.Format != FormatFASTA {
		t.Errorf("Format = %v, want fasta", result.Detail.Format)
	}
	if result.Detail.Records != 1 {
		t.Errorf("Records = %d, want 1", result.Detail.Records)
	}
}

func TestValidateFormat_MultiRecordFASTA(t *testing.T) {
	input := ">a\nACGT\nACGT\n>b\nNNN-\n"
	result := ValidateFormat([]byte(input))

	if !result.Passed {
		t.Fatalf("expected pass, got %+v", result.Detail)
	}
	if result.Detail.Records != 2 {
		t.Errorf("Records = %d, want 2", result.Detail.Records)
	}
}

func TestValidateFormat_LowercaseAllowed(t *testing.T) {
	result := ValidateFormat([]byte(">h\nacgtn\n"))
	if !result.Passed {
		t.Errorf("lowercase bases should pass, got %+v", result.Detail)
	}
}

func TestValidateFormat_InvalidCharacters(t *testing.T) {
	result := ValidateFormat([]byte(">h\nACGT!@#\n"))

	if result.Passed {
		t.Fatal("expected fail")
	}
	if len(result.Detail.Violations) != 3 {
		t.Fatalf("violations = %d, want 3", len(result.Detail.Violations))
	}

	v := result.Detail.Violations[0]
	if v.Char != "!" {
		t.Errorf("Char = %q, want !", v.Char)
	}
	// ">h\n" is 3 bytes, "ACGT" 4 more.
	if v.Offset != 7 {
		t.Errorf("Offset = %d, want 7", v.Offset)
	}
	if v.Header != ">h" {
		t.Errorf("Header = %q, want >h", v.Header)
	}
}

func TestValidateFormat_ViolationCap(t *testing.T) {
	input := ">h\n" + strings.Repeat("!", MaxViolations*2) + "\n"
	result := ValidateFormat([]byte(input))

	if result.Passed {
		t.Fatal("expected fail")
	}
	if len(result.Detail.Violations) != MaxViolations {
		t.Errorf("violations = %d, want cap %d", len(result.Detail.Violations), MaxViolations)
	}
	if !result.Detail.Truncated {
		t.Error("expected Truncated")
	}
}

func TestValidateFormat_NoHeader(t *testing.T) {
	// Valid alphabet but no record header.
	result := ValidateFormat([]byte("ACGTACGT\n"))

	if result.Passed {
		t.Fatal("expected fail without header")
	}
	if result.Detail.Format != FormatUnknown {
		t.Errorf("Format = %v, want unknown_format", result.Detail.Format)
	}
}

func TestValidateFormat_HeaderOnly(t *testing.T) {
	result := ValidateFormat([]byte(">lonely header\n"))
	if result.Passed {
		t.Error("header without sequence should fail")
	}
}

func TestValidateFormat_Empty(t *testing.T) {
	for _, input := range []string{"", "   \n\t\n"} {
		result := ValidateFormat([]byte(input))
		if result.Passed {
			t.Errorf("ValidateFormat(%q) passed, want fail", input)
		}
		if result.Detail.Format != FormatUnknown {
			t.Errorf("Format = %v, want unknown_format", result.Detail.Format)
		}
	}
}

func TestValidateFormat_FASTQ(t *testing.T) {
	input := "@read1\nACGT\n+\nIIII\n"
	result := ValidateFormat([]byte(input))

	if !result.Passed {
		t.Fatalf("expected pass, got %+v", result.Detail)
	}
	if result.Detail.Format != FormatFASTQ {
		t.Errorf("Format = %v, want fastq", result.Detail.Format)
	}
	if result.Detail.Records != 1 {
		t.Errorf("Records = %d, want 1", result.Detail.Records)
	}
}

func TestValidateFormat_FASTQQualityLengthMismatch(t *testing.T) {
	result := ValidateFormat([]byte("@read1\nACGT\n+\nII\n"))
	if result.Passed {
		t.Error("quality/sequence length mismatch should fail")
	}
}

func TestValidateFormat_FASTQTruncatedRecord(t *testing.T) {
	result := ValidateFormat([]byte("@read1\nACGT\n+\n"))
	if result.Passed {
		t.Error("three-line record should fail")
	}
}

func TestValidateFormat_CRLF(t *testing.T) {
	result := ValidateFormat([]byte(">h\r\nACGT\r\n"))
	if !result.Passed {
		t.Errorf("CRLF input should pass, got %+v", result.Detail)
	}
}
