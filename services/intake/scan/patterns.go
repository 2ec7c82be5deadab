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

// PatternVersion tracks the threat-pattern database version.
const PatternVersion = "2026.01"

// Severity indicates how strongly a pattern hit counts against the
// IDS score.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the human-readable severity name.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Weight returns the score contribution of one hit at this severity.
func (s Severity) Weight() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 3
	case SeverityHigh:
		return 6
	case SeverityCritical:
		return 12
	default:
		return 0
	}
}

// Category groups patterns by attack family.
type Category string

const (
	CategorySQL       Category = "sql_injection"
	CategoryScript    Category = "script_injection"
	CategoryTraversal Category = "path_traversal"
	CategoryShell     Category = "command_injection"
)

// Pattern is one literal byte sequence the IDS matches.
//
// Patterns are matched case-insensitively (ASCII folding). Regular
// expressions are deliberately out of scope: the whole set is compiled
// into a single multi-pattern automaton.
//
// Thread Safety: Pattern is an immutable value type.
type Pattern struct {
	// Literal is the byte sequence to match. Stored lowercase.
	Literal string

	// Category is the attack family tag.
	Category Category

	// Severity drives the score weight for each hit.
	Severity Severity
}

// DefaultPatterns returns the built-in threat-pattern database.
//
// The delimiters `'`, `"` and `;` are legitimate in some quality
// strings, so they score low: a handful of hits stays under the
// default threshold while a real injection payload does not.
func DefaultPatterns() []Pattern {
	return []Pattern{
		// SQL-shape patterns.
		{"drop table", CategorySQL, SeverityCritical},
		{"union select", CategorySQL, SeverityCritical},
		{"or 1=1", CategorySQL, SeverityHigh},
		{"and 1=1", CategorySQL, SeverityHigh},
		{"--", CategorySQL, SeverityMedium},
		{"/*", CategorySQL, SeverityMedium},
		{"*/", CategorySQL, SeverityMedium},
		{";--", CategorySQL, SeverityHigh},
		{"'", CategorySQL, SeverityLow},
		{`"`, CategorySQL, SeverityLow},
		{";", CategorySQL, SeverityLow},

		// Script/markup patterns.
		{"<script", CategoryScript, SeverityCritical},
		{"javascript:", CategoryScript, SeverityHigh},
		{"onload=", CategoryScript, SeverityHigh},
		{"onerror=", CategoryScript, SeverityHigh},
		{"<iframe", CategoryScript, SeverityHigh},
		{"<embed", CategoryScript, SeverityHigh},

		// Path-traversal patterns.
		{"../", CategoryTraversal, SeverityHigh},
		{`..\`, CategoryTraversal, SeverityHigh},
		{"/etc/passwd", CategoryTraversal, SeverityCritical},
		{`c:\windows`, CategoryTraversal, SeverityHigh},
		{`\\`, CategoryTraversal, SeverityMedium},

		// Shell patterns.
		{"rm -rf", CategoryShell, SeverityCritical},
		{"; rm ", CategoryShell, SeverityCritical},
		{"&& rm ", CategoryShell, SeverityCritical},
		{"| rm ", CategoryShell, SeverityCritical},
		{"`", CategoryShell, SeverityMedium},
		{"$(", CategoryShell, SeverityMedium},
	}
}
