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

// automaton is an Aho-Corasick failure-function trie over the pattern
// set. One pass over the input reports every occurrence of every
// pattern, overlapping matches included.
//
// Case folding is ASCII-only: bytes are lowercased at insert time and
// again on each scanned byte; non-ASCII bytes compare as-is.
//
// Thread Safety: immutable after newAutomaton returns; safe for
// concurrent scans.
type automaton struct {
	// nodes is the trie; node 0 is the root.
	nodes []acNode

	patterns []Pattern
}

type acNode struct {
	// next maps a folded byte to a child node, 0 meaning no edge.
	next map[byte]int32

	// fail is the longest proper suffix node.
	fail int32

	// output lists pattern indices ending at this node, including
	// those inherited through the failure chain.
	output []int32
}

// match is one pattern occurrence in the scanned buffer.
type match struct {
	// pattern indexes into automaton.patterns.
	pattern int32

	// end is the byte offset one past the last matched byte.
	end int
}

func foldByte(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}

// newAutomaton compiles the pattern set into a matching automaton.
//
// Construction is O(total pattern length); empty literals are ignored.
func newAutomaton(patterns []Pattern) *automaton {
	a := &automaton{
		nodes:    []acNode{{next: make(map[byte]int32)}},
		patterns: patterns,
	}

	for idx, p := range patterns {
		if p.Literal == "" {
			continue
		}
		cur := int32(0)
		for i := 0; i < len(p.Literal); i++ {
			c := foldByte(p.Literal[i])
			child, ok := a.nodes[cur].next[c]
			if !ok {
				child = int32(len(a.nodes))
				a.nodes = append(a.nodes, acNode{next: make(map[byte]int32)})
				a.nodes[cur].next[c] = child
			}
			cur = child
		}
		a.nodes[cur].output = append(a.nodes[cur].output, int32(idx))
	}

	// Breadth-first failure links. Children of the root fail to the
	// root; deeper nodes fail to the longest proper suffix present in
	// the trie, inheriting its outputs.
	queue := make([]int32, 0, len(a.nodes))
	for _, child := range a.nodes[0].next {
		a.nodes[child].fail = 0
		queue = append(queue, child)
	}
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		for c, v := range a.nodes[u].next {
			f := a.nodes[u].fail
			for {
				if w, ok := a.nodes[f].next[c]; ok {
					a.nodes[v].fail = w
					break
				}
				if f == 0 {
					a.nodes[v].fail = 0
					break
				}
				f = a.nodes[f].fail
			}
			a.nodes[v].output = append(a.nodes[v].output, a.nodes[a.nodes[v].fail].output...)
			queue = append(queue, v)
		}
	}

	return a
}

// scan reports every pattern occurrence in content via fn. Returning
// false from fn stops the scan early.
func (a *automaton) scan(content []byte, fn func(m match) bool) {
	cur := int32(0)
	for i := 0; i < len(content); i++ {
		c := foldByte(content[i])

		for {
			if next, ok := a.nodes[cur].next[c]; ok {
				cur = next
				break
			}
			if cur == 0 {
				break
			}
			cur = a.nodes[cur].fail
		}

		for _, p := range a.nodes[cur].output {
			if !fn(match{pattern: p, end: i + 1}) {
				return
			}
		}
	}
}
