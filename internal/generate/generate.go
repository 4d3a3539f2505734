// Package generate produces candidate fixes for issues. Strategies run in
// cost order: a learned pattern replay when one is confident enough, then
// the model guided by the project's expert guides, then the bare model on a
// file slice. The first strategy that yields a plausible candidate wins.
package generate

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"codewarden/internal/diff"
	"codewarden/internal/experts"
	"codewarden/internal/logging"
	"codewarden/internal/store"
	"codewarden/internal/types"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// patternConfidenceFloor is the minimum pattern confidence for a replay;
// below it the pattern is ignored and the model strategies run.
const patternConfidenceFloor = 0.75

// sliceWindow is how many lines around the issue the bare-model strategy
// shows the model.
const sliceWindow = 40

// ErrNoCandidate means every strategy declined or failed.
var ErrNoCandidate = errors.New("no fix candidate produced")

// Candidate is one proposed fix, before verification.
type Candidate struct {
	Generator     types.GeneratorKind
	NewContent    string
	Diff          string // unified, for humans and fix records
	PatchText     string // diffmatchpatch serialization, for pattern replay
	RawConfidence float64
	GuideIDs      []string
	Reasoning     string
}

// Generator runs the strategy chain.
type Generator struct {
	store   *store.Store
	llm     types.LLMClient
	experts *experts.Manager
	engine  *diff.Engine
	dmp     *diffmatchpatch.DiffMatchPatch
}

// New creates a generator.
func New(st *store.Store, llm types.LLMClient, em *experts.Manager) *Generator {
	return &Generator{
		store:   st,
		llm:     llm,
		experts: em,
		engine:  diff.NewEngine(),
		dmp:     diffmatchpatch.New(),
	}
}

// Generate produces a candidate for the issue against the current file
// content, or ErrNoCandidate.
func (g *Generator) Generate(ctx context.Context, issue types.Issue, content string) (Candidate, error) {
	log := logging.Get(logging.CategoryGenerator)

	if cand, err := g.fromPattern(issue, content); err == nil {
		log.Info("pattern replay for issue %s (confidence %.2f)", issue.ID, cand.RawConfidence)
		return cand, nil
	} else if !errors.Is(err, store.ErrNotFound) && !errors.Is(err, errPatchMisapplied) {
		return Candidate{}, err
	}

	if cand, err := g.fromExperts(ctx, issue, content); err == nil {
		log.Info("expert-guided fix for issue %s (confidence %.2f, %d guides)",
			issue.ID, cand.RawConfidence, len(cand.GuideIDs))
		return cand, nil
	} else if ctx.Err() != nil {
		return Candidate{}, ctx.Err()
	} else {
		log.Debug("expert strategy declined for issue %s: %v", issue.ID, err)
	}

	cand, err := g.fromModel(ctx, issue, content)
	if err != nil {
		if ctx.Err() != nil {
			return Candidate{}, ctx.Err()
		}
		log.Debug("model strategy declined for issue %s: %v", issue.ID, err)
		return Candidate{}, ErrNoCandidate
	}
	log.Info("model fix for issue %s (confidence %.2f)", issue.ID, cand.RawConfidence)
	return cand, nil
}

var errPatchMisapplied = errors.New("stored patch no longer applies")

// fromPattern replays the stored best fix of a confident, non-deprecated
// pattern. Deterministic: no model call.
func (g *Generator) fromPattern(issue types.Issue, content string) (Candidate, error) {
	p, err := g.store.LookupUsablePattern(issue.ProjectID, issue.Fingerprint, patternConfidenceFloor)
	if err != nil {
		return Candidate{}, err
	}
	patches, err := g.dmp.PatchFromText(p.BestFix)
	if err != nil || len(patches) == 0 {
		return Candidate{}, errPatchMisapplied
	}
	newContent, applied := g.dmp.PatchApply(patches, content)
	for _, ok := range applied {
		if !ok {
			return Candidate{}, errPatchMisapplied
		}
	}
	if newContent == content {
		return Candidate{}, errPatchMisapplied
	}
	return g.finish(issue, content, Candidate{
		Generator:     types.GeneratorPattern,
		NewContent:    newContent,
		RawConfidence: p.Confidence,
		Reasoning:     fmt.Sprintf("replayed learned fix (%d successes, %d failures)", p.Success, p.Failure),
	}), nil
}

// fromExperts asks the model for a whole-file rewrite with the project's
// relevant guides in the system prompt.
func (g *Generator) fromExperts(ctx context.Context, issue types.Issue, content string) (Candidate, error) {
	guides, err := g.experts.RelevantGuides(issue.ProjectID, issue)
	if err != nil {
		return Candidate{}, err
	}
	if len(guides) == 0 {
		return Candidate{}, errors.New("no relevant guides")
	}

	var system strings.Builder
	system.WriteString(fixSystemPrompt)
	system.WriteString("\n\nProject conventions:\n")
	guideIDs := make([]string, 0, len(guides))
	for _, gd := range guides {
		fmt.Fprintf(&system, "\n[%s]\n%s\n", gd.Kind, gd.Body)
		guideIDs = append(guideIDs, gd.ID)
	}

	reply, err := g.llm.CompleteWithSystem(ctx, system.String(), fixPrompt(issue, content, 0, 0))
	if err != nil {
		return Candidate{}, err
	}
	newContent, confidence, reasoning, err := parseFixReply(reply)
	if err != nil {
		return Candidate{}, err
	}
	newContent = matchTrailingNewline(content, newContent)
	if newContent == content {
		return Candidate{}, errors.New("model returned the file unchanged")
	}
	return g.finish(issue, content, Candidate{
		Generator:     types.GeneratorExpert,
		NewContent:    newContent,
		RawConfidence: confidence,
		GuideIDs:      guideIDs,
		Reasoning:     reasoning,
	}), nil
}

// fromModel shows the model only a slice of the file around the issue and
// splices the corrected slice back.
func (g *Generator) fromModel(ctx context.Context, issue types.Issue, content string) (Candidate, error) {
	lines := strings.Split(content, "\n")
	start := issue.Line - 1 - sliceWindow
	if start < 0 {
		start = 0
	}
	end := issue.Line - 1 + sliceWindow
	if end > len(lines)-1 {
		end = len(lines) - 1
	}
	slice := strings.Join(lines[start:end+1], "\n")

	reply, err := g.llm.CompleteWithSystem(ctx, fixSystemPrompt, fixPrompt(issue, slice, start+1, issue.Line-start))
	if err != nil {
		return Candidate{}, err
	}
	newSlice, confidence, reasoning, err := parseFixReply(reply)
	if err != nil {
		return Candidate{}, err
	}
	newSlice = matchTrailingNewline(slice, newSlice)
	if newSlice == slice {
		return Candidate{}, errors.New("model returned the slice unchanged")
	}

	spliced := make([]string, 0, len(lines))
	spliced = append(spliced, lines[:start]...)
	spliced = append(spliced, strings.Split(newSlice, "\n")...)
	spliced = append(spliced, lines[end+1:]...)

	return g.finish(issue, content, Candidate{
		Generator:     types.GeneratorModel,
		NewContent:    strings.Join(spliced, "\n"),
		RawConfidence: confidence,
		Reasoning:     reasoning,
	}), nil
}

// finish derives the diff artifacts from old and new content.
func (g *Generator) finish(issue types.Issue, oldContent string, cand Candidate) Candidate {
	cand.Diff = g.engine.Unified(issue.Path, oldContent, cand.NewContent)
	cand.PatchText = g.dmp.PatchToText(g.dmp.PatchMake(oldContent, cand.NewContent))
	return cand
}

const fixSystemPrompt = `You are an automated code-fixing system. Fix exactly the reported defect with the smallest possible edit. Do not reformat, rename, or restructure unrelated code.

Respond in exactly this format:
CONFIDENCE: <0.0-1.0>
REASONING: <one line>
<fenced code block containing the complete corrected input>`

func fixPrompt(issue types.Issue, code string, firstLine, issueLine int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "File: %s\nDefect (%s/%s): %s\n", issue.Path, issue.Kind, issue.Severity, issue.Message)
	if issueLine > 0 {
		fmt.Fprintf(&b, "Defect is on line %d of the excerpt below (file line %d).\n", issueLine, issue.Line)
	} else {
		fmt.Fprintf(&b, "Defect is on line %d.\n", issue.Line)
	}
	if firstLine > 1 {
		fmt.Fprintf(&b, "The excerpt starts at file line %d.\n", firstLine)
	}
	fmt.Fprintf(&b, "\n```\n%s\n```\n", code)
	return b.String()
}

// matchTrailingNewline restores the original's trailing newline; fenced
// model replies cannot carry one, and a newline-only delta is not a fix.
func matchTrailingNewline(old, replacement string) string {
	if strings.HasSuffix(old, "\n") && !strings.HasSuffix(replacement, "\n") {
		return replacement + "\n"
	}
	return replacement
}

var (
	confidenceRe = regexp.MustCompile(`(?m)^CONFIDENCE:\s*([0-9.]+)`)
	reasoningRe  = regexp.MustCompile(`(?m)^REASONING:\s*(.+)$`)
	fencedRe     = regexp.MustCompile("(?s)```[a-zA-Z]*\n(.*?)\n```")
)

func parseFixReply(reply string) (code string, confidence float64, reasoning string, err error) {
	m := fencedRe.FindStringSubmatch(reply)
	if m == nil {
		return "", 0, "", errors.New("reply contains no fenced code block")
	}
	code = m[1]

	confidence = 0.5
	if cm := confidenceRe.FindStringSubmatch(reply); cm != nil {
		if f, perr := strconv.ParseFloat(cm[1], 64); perr == nil && f >= 0 && f <= 1 {
			confidence = f
		}
	}
	if rm := reasoningRe.FindStringSubmatch(reply); rm != nil {
		reasoning = strings.TrimSpace(rm[1])
	}
	return code, confidence, reasoning, nil
}
