// Package crawl selects and scans project files. Selection is ordered by
// expected yield: files changed since the last crawl, then files carrying
// open issues, then files with poor health, then same-directory neighbors of
// recent issue files, all capped by the file budget. A (project, path, hash)
// triple that was scanned before is never scanned again.
package crawl

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"codewarden/internal/detect"
	"codewarden/internal/locks"
	"codewarden/internal/logging"
	"codewarden/internal/store"
	"codewarden/internal/types"
	"codewarden/internal/watcher"

	"golang.org/x/sync/errgroup"
)

// unhealthyThreshold marks files whose last health score queues them for
// rescanning.
const unhealthyThreshold = 70

// maxFileSize skips generated bundles and binary blobs.
const maxFileSize = 1 << 20

// Task is the payload of a crawl-queue job, enqueued by the HTTP front or
// the watcher and consumed by the crawl worker. AutoFix hands every issue
// found straight to the fix pipeline; Budget overrides the configured file
// budget for this run when positive.
type Task struct {
	ProjectID string   `json:"project_id"`
	Changed   []string `json:"changed,omitempty"`
	AutoFix   bool     `json:"auto_fix,omitempty"`
	Budget    int      `json:"budget,omitempty"`
}

// Stats summarizes one crawl run.
type Stats struct {
	FilesSelected    int `json:"files_selected"`
	FilesScanned     int `json:"files_scanned"`
	FilesSkipped     int `json:"files_skipped"` // unchanged hash or lock contention
	IssuesFound      int `json:"issues_found"`
	IssuesSuperseded int `json:"issues_superseded"`
	FixesQueued      int `json:"fixes_queued"`
	Errors           int `json:"errors"`
}

// FixSink receives every issue a crawl hands to the fix pipeline when its
// task runs with auto-fix on. The sink enqueues; it must not block.
type FixSink func(issue types.Issue)

// Crawler scans checkouts with the shared detector registry.
type Crawler struct {
	store       *store.Store
	registry    *detect.Registry
	locks       *locks.Registry
	fileBudget  int
	concurrency int
	fixSink     FixSink
}

// SetFixSink wires the fix handoff used by auto-fix crawls. Without a sink
// auto-fix tasks degrade to plain crawls.
func (c *Crawler) SetFixSink(sink FixSink) { c.fixSink = sink }

// New creates a crawler.
func New(st *store.Store, registry *detect.Registry, lr *locks.Registry, fileBudget, concurrency int) *Crawler {
	if fileBudget <= 0 {
		fileBudget = 2000
	}
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Crawler{store: st, registry: registry, locks: lr, fileBudget: fileBudget, concurrency: concurrency}
}

// Crawl scans the project per the task: task.Changed lists paths known to
// have changed (from the watcher or a webhook push) and may be empty for a
// full sweep.
func (c *Crawler) Crawl(ctx context.Context, project types.Project, task Task) (Stats, error) {
	timer := logging.StartTimer(logging.CategoryCrawler, "Crawl")
	defer timer.Stop()

	selected, err := c.selectFiles(project, task)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{FilesSelected: len(selected)}
	logging.Crawler("crawling %s: %d files selected", project.Name, len(selected))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for _, path := range selected {
		path := path
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			res, err := c.scanOne(project, path, task.AutoFix)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				stats.Errors++
				logging.Get(logging.CategoryCrawler).Warn("scan of %s failed: %v", path, err)
			case res.scanned:
				stats.FilesScanned++
				stats.IssuesFound += res.found
				stats.IssuesSuperseded += res.superseded
				stats.FixesQueued += res.queued
			default:
				stats.FilesSkipped++
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}
	logging.Crawler("crawl of %s done: %d scanned, %d skipped, %d issues, %d superseded",
		project.Name, stats.FilesScanned, stats.FilesSkipped, stats.IssuesFound, stats.IssuesSuperseded)
	return stats, nil
}

// selectFiles builds the ordered, deduplicated, budget-capped worklist.
func (c *Crawler) selectFiles(project types.Project, task Task) ([]string, error) {
	budget := c.fileBudget
	if task.Budget > 0 {
		budget = task.Budget
	}
	changed := task.Changed
	seen := make(map[string]bool)
	var selected []string
	add := func(paths ...string) {
		for _, p := range paths {
			if p == "" || seen[p] || len(selected) >= budget {
				continue
			}
			seen[p] = true
			selected = append(selected, p)
		}
	}

	add(changed...)

	openPaths, err := c.store.OpenIssuePaths(project.ID)
	if err != nil {
		return nil, err
	}
	add(openPaths...)

	unhealthy, err := c.store.UnhealthyPaths(project.ID, unhealthyThreshold)
	if err != nil {
		return nil, err
	}
	add(unhealthy...)

	// Neighborhood: siblings of every file already selected for cause.
	for _, p := range append(append([]string{}, changed...), openPaths...) {
		if len(selected) >= budget {
			break
		}
		add(c.siblings(project.RootPath, p)...)
	}

	// An empty worklist means a fresh project: full walk, budget-capped.
	if len(selected) == 0 {
		add(c.walkAll(project.RootPath)...)
	}
	return selected, nil
}

func (c *Crawler) siblings(root, rel string) []string {
	dir := filepath.Dir(rel)
	entries, err := os.ReadDir(filepath.Join(root, dir))
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if p == rel || !scannable(e.Name()) {
			continue
		}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (c *Crawler) walkAll(root string) []string {
	var out []string
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if ignoredDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !scannable(d.Name()) {
			return nil
		}
		if rel, err := filepath.Rel(root, path); err == nil {
			out = append(out, rel)
		}
		return nil
	})
	sort.Strings(out)
	return out
}

var ignoredDirNames = map[string]bool{
	".git": true, ".warden": true, "vendor": true, "node_modules": true,
}

func ignoredDir(name string) bool { return ignoredDirNames[name] }

var scanExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".tsx": true,
	".java": true, ".rb": true, ".rs": true, ".c": true, ".h": true,
	".cpp": true, ".cs": true, ".sh": true, ".yaml": true, ".yml": true,
}

func scannable(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return scanExtensions[ext]
}

// scanResult carries the per-file counters back to the crawl loop.
type scanResult struct {
	scanned    bool
	found      int
	superseded int
	queued     int
}

// scanOne scans one file under its advisory lock. scanned is false when the
// hash is already snapshotted or the file is busy.
func (c *Crawler) scanOne(project types.Project, rel string, autoFix bool) (scanResult, error) {
	var res scanResult
	release, ok := c.locks.TryAcquire(project.ID, rel)
	if !ok {
		// A fix is in flight on this file; the next crawl catches it.
		return res, nil
	}
	defer release()

	abs := filepath.Join(project.RootPath, rel)
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return res, nil
		}
		return res, err
	}
	if info.Size() > maxFileSize {
		return res, nil
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return res, err
	}

	already, err := c.store.SnapshotFile(project.ID, rel, watcher.HashContent(content))
	if err != nil {
		return res, err
	}
	if already {
		return res, nil
	}
	res.scanned = true

	issues := c.registry.Scan(rel, content, project)
	live := make(map[string]bool, len(issues))
	for _, iss := range issues {
		id, err := c.store.UpsertIssue(iss)
		if err != nil {
			return res, err
		}
		res.found++
		live[iss.Fingerprint] = true
		if autoFix && c.fixSink != nil {
			iss.ID = id
			c.fixSink(iss)
			res.queued++
		}
	}

	// Open issues whose fingerprint no longer comes out of this scan were
	// fixed in the source by other means; supersede them.
	open, err := c.store.ListIssues(store.IssueFilter{ProjectID: project.ID, Path: rel, OpenOnly: true})
	if err != nil {
		return res, err
	}
	for _, prior := range open {
		if live[prior.Fingerprint] {
			continue
		}
		if err := c.store.TransitionIssue(prior.ID, types.StatusSuperseded, "", "crawler"); err != nil {
			logging.Get(logging.CategoryCrawler).Warn("failed to supersede issue %s: %v", prior.ID, err)
			continue
		}
		res.superseded++
	}

	if err := c.store.RecordHealth(healthOf(project.ID, rel, issues)); err != nil {
		return res, err
	}
	return res, nil
}

// healthOf scores a file 0-100 from its open defects: severities deduct
// more the more urgent they are.
func healthOf(projectID, path string, issues []types.Issue) types.HealthSnapshot {
	deductions := map[types.Severity]float64{
		types.SeverityCritical: 40,
		types.SeverityHigh:     20,
		types.SeverityMedium:   10,
		types.SeverityLow:      4,
	}
	score := 100.0
	components := map[string]float64{}
	for _, iss := range issues {
		d := deductions[iss.Severity]
		score -= d
		components[string(iss.Severity)] += d
	}
	if score < 0 {
		score = 0
	}
	return types.HealthSnapshot{
		ProjectID:  projectID,
		Path:       path,
		Score:      score,
		Components: components,
	}
}
