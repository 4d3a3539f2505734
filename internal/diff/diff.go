// Package diff computes line-level diffs with the sergi/go-diff engine and
// derives the edit geometry the verifier needs: which lines of the original
// file a patch touches, and how large the edit is.
package diff

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// OpType classifies a line operation.
type OpType int

const (
	OpContext OpType = iota
	OpAdd
	OpRemove
)

// Op is a single line operation with positions in both files (1-based;
// -1 when the line does not exist on that side).
type Op struct {
	Type    OpType
	OldLine int
	NewLine int
	Content string
}

// Range is an inclusive 1-based line range in the original file.
type Range struct {
	Start int
	End   int
}

// Contains reports whether line falls inside the range.
func (r Range) Contains(line int) bool { return line >= r.Start && line <= r.End }

// Stats summarizes an edit's size.
type Stats struct {
	Added   int
	Removed int
}

// Total returns the number of changed lines on both sides.
func (s Stats) Total() int { return s.Added + s.Removed }

// Engine wraps diffmatchpatch with line-level reduction and a result cache
// for identical input pairs.
type Engine struct {
	dmp   *diffmatchpatch.DiffMatchPatch
	cache sync.Map
}

type cacheKey struct {
	oldHash uint64
	newHash uint64
}

// NewEngine creates an engine tuned for code diffs.
func NewEngine() *Engine {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0 // accuracy over speed
	return &Engine{dmp: dmp}
}

// DefaultEngine is the shared engine for general use.
var DefaultEngine = NewEngine()

// Ops computes the line operations transforming old into new.
func (e *Engine) Ops(oldContent, newContent string) []Op {
	key := cacheKey{fnv64(oldContent), fnv64(newContent)}
	if cached, ok := e.cache.Load(key); ok {
		return cached.([]Op)
	}

	a, b, lineArray := e.dmp.DiffLinesToChars(oldContent, newContent)
	diffs := e.dmp.DiffMain(a, b, false)
	diffs = e.dmp.DiffCleanupSemantic(diffs)
	diffs = e.dmp.DiffCharsToLines(diffs, lineArray)

	ops := toLineOps(diffs)
	e.cache.Store(key, ops)
	return ops
}

func toLineOps(diffs []diffmatchpatch.Diff) []Op {
	var ops []Op
	oldLine, newLine := 0, 0
	for _, d := range diffs {
		lines := strings.Split(d.Text, "\n")
		if len(lines) > 0 && lines[len(lines)-1] == "" {
			lines = lines[:len(lines)-1]
		}
		for _, line := range lines {
			switch d.Type {
			case diffmatchpatch.DiffEqual:
				oldLine++
				newLine++
				ops = append(ops, Op{Type: OpContext, OldLine: oldLine, NewLine: newLine, Content: line})
			case diffmatchpatch.DiffDelete:
				oldLine++
				ops = append(ops, Op{Type: OpRemove, OldLine: oldLine, NewLine: -1, Content: line})
			case diffmatchpatch.DiffInsert:
				newLine++
				ops = append(ops, Op{Type: OpAdd, OldLine: -1, NewLine: newLine, Content: line})
			}
		}
	}
	return ops
}

// ChangedRanges returns the ranges of the original file touched by the edit,
// merged when adjacent. Pure insertions are attributed to the original line
// they land after (or line 1 at the top of the file).
func (e *Engine) ChangedRanges(oldContent, newContent string) []Range {
	var ranges []Range
	lastOld := 0
	for _, op := range e.Ops(oldContent, newContent) {
		var line int
		switch op.Type {
		case OpContext:
			lastOld = op.OldLine
			continue
		case OpRemove:
			line = op.OldLine
			lastOld = op.OldLine
		case OpAdd:
			line = lastOld
			if line == 0 {
				line = 1
			}
		}
		if n := len(ranges); n > 0 && line <= ranges[n-1].End+1 {
			if line > ranges[n-1].End {
				ranges[n-1].End = line
			}
			continue
		}
		ranges = append(ranges, Range{Start: line, End: line})
	}
	return ranges
}

// EditStats returns added/removed line counts for the edit.
func (e *Engine) EditStats(oldContent, newContent string) Stats {
	var s Stats
	for _, op := range e.Ops(oldContent, newContent) {
		switch op.Type {
		case OpAdd:
			s.Added++
		case OpRemove:
			s.Removed++
		}
	}
	return s
}

// WithinWindow reports whether every changed range falls inside
// [center-window, center+window] of the original file.
func (e *Engine) WithinWindow(oldContent, newContent string, center, window int) bool {
	for _, r := range e.ChangedRanges(oldContent, newContent) {
		if r.Start < center-window || r.End > center+window {
			return false
		}
	}
	return true
}

// Unified renders a unified diff of the edit, suitable for storing on a fix
// record and for human review.
func (e *Engine) Unified(path, oldContent, newContent string) string {
	ops := e.Ops(oldContent, newContent)
	changed := false
	for _, op := range ops {
		if op.Type != OpContext {
			changed = true
			break
		}
	}
	if !changed {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "--- a/%s\n+++ b/%s\n", path, path)
	for _, h := range groupHunks(ops, 3) {
		fmt.Fprintf(&b, "@@ -%d,%d +%d,%d @@\n", h.oldStart, h.oldCount, h.newStart, h.newCount)
		for _, op := range h.ops {
			switch op.Type {
			case OpContext:
				b.WriteString(" " + op.Content + "\n")
			case OpRemove:
				b.WriteString("-" + op.Content + "\n")
			case OpAdd:
				b.WriteString("+" + op.Content + "\n")
			}
		}
	}
	return b.String()
}

type hunk struct {
	oldStart, oldCount int
	newStart, newCount int
	ops                []Op
}

func groupHunks(ops []Op, context int) []hunk {
	var hunks []hunk
	var current *hunk
	lastChange := -1

	for i, op := range ops {
		if op.Type != OpContext {
			if current == nil {
				start := i - context
				if start < 0 {
					start = 0
				}
				current = &hunk{}
				for j := start; j < i; j++ {
					current.ops = append(current.ops, ops[j])
				}
				current.oldStart, current.newStart = hunkStart(ops, start)
			}
			lastChange = i
		}
		if current == nil {
			continue
		}
		current.ops = append(current.ops, op)
		if op.Type == OpContext && i-lastChange >= context {
			// Peek ahead: close the hunk only if the next change is far.
			next := nextChange(ops, i+1)
			if next == -1 || next-i > context {
				finishHunk(current)
				hunks = append(hunks, *current)
				current = nil
			}
		}
	}
	if current != nil {
		finishHunk(current)
		hunks = append(hunks, *current)
	}
	return hunks
}

func hunkStart(ops []Op, idx int) (oldStart, newStart int) {
	oldStart, newStart = 1, 1
	for j := idx; j < len(ops); j++ {
		if ops[j].OldLine > 0 {
			oldStart = ops[j].OldLine
			break
		}
	}
	for j := idx; j < len(ops); j++ {
		if ops[j].NewLine > 0 {
			newStart = ops[j].NewLine
			break
		}
	}
	return oldStart, newStart
}

func nextChange(ops []Op, from int) int {
	for i := from; i < len(ops); i++ {
		if ops[i].Type != OpContext {
			return i
		}
	}
	return -1
}

func finishHunk(h *hunk) {
	for _, op := range h.ops {
		if op.Type != OpAdd {
			h.oldCount++
		}
		if op.Type != OpRemove {
			h.newCount++
		}
	}
}

// ClearCache drops cached results.
func (e *Engine) ClearCache() { e.cache = sync.Map{} }

func fnv64(s string) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}
