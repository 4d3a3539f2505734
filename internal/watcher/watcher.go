// Package watcher turns filesystem activity in a project checkout into
// debounced change notifications for the crawler.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"codewarden/internal/logging"

	"github.com/fsnotify/fsnotify"
)

// ignoredDirs are never watched and never reported.
var ignoredDirs = map[string]bool{
	".git":         true,
	".warden":      true,
	"vendor":       true,
	"node_modules": true,
	".idea":        true,
	".vscode":      true,
}

// ChangeKind classifies a settled change.
type ChangeKind string

const (
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
)

// Change is one settled file change, reported after the debounce window.
type Change struct {
	Path string // relative to the project root
	Kind ChangeKind
	Hash string // sha256 of content, empty for deletions
}

// Sink receives batches of settled changes.
type Sink func(projectID string, changes []Change)

// Stats tracks watcher activity for the stats endpoint and tests.
type Stats struct {
	EventsSeen    int
	BatchesFlushed int
	FilesReported int
	Errors        int
	LastEventPath string
	LastEventTime time.Time
}

// Watcher watches one project root recursively, debounces rapid saves per
// path, and hands settled batches to the sink.
type Watcher struct {
	mu          sync.RWMutex
	fsw         *fsnotify.Watcher
	projectID   string
	root        string
	sink        Sink
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	stats Stats
}

// New creates a watcher for a project checkout rooted at root.
func New(projectID, root string, sink Sink) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		fsw:         fsw,
		projectID:   projectID,
		root:        root,
		sink:        sink,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// SetDebounce overrides the settle window. Only useful before Start.
func (w *Watcher) SetDebounce(d time.Duration) { w.debounceDur = d }

// Start registers every non-ignored directory under the root and begins the
// event loop. Non-blocking.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := w.addRecursive(w.root); err != nil {
		return err
	}
	logging.Get(logging.CategoryWatcher).Info("watching %s for project %s", w.root, w.projectID)

	go w.run(ctx)
	return nil
}

// Stop halts the event loop and releases the OS watches.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.fsw.Close(); err != nil {
		logging.Get(logging.CategoryWatcher).Error("error closing watcher: %v", err)
	}
}

// IsWatching reports whether the event loop is live.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// GetStats returns a snapshot of the activity counters.
func (w *Watcher) GetStats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree, skip
		}
		if !d.IsDir() {
			return nil
		}
		if ignoredDirs[d.Name()] {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			logging.WatcherDebug("cannot watch %s: %v", path, err)
		}
		return nil
	})
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	flushTicker := time.NewTicker(100 * time.Millisecond)
	defer flushTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryWatcher).Error("watch error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-flushTicker.C:
			w.flushSettled()
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return // chmod etc.
	}
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil || ignoredPath(rel) {
		return
	}

	// A created directory needs its own watch.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(event.Name); err != nil {
				logging.WatcherDebug("cannot watch new dir %s: %v", event.Name, err)
			}
			return
		}
	}

	w.mu.Lock()
	w.stats.EventsSeen++
	w.stats.LastEventPath = rel
	w.stats.LastEventTime = time.Now()
	w.debounceMap[rel] = time.Now()
	w.mu.Unlock()
}

// flushSettled reports every path whose last event is older than the
// debounce window. Rapid saves of the same file collapse into one change.
func (w *Watcher) flushSettled() {
	w.mu.Lock()
	now := time.Now()
	var settled []string
	for path, at := range w.debounceMap {
		if now.Sub(at) >= w.debounceDur {
			settled = append(settled, path)
			delete(w.debounceMap, path)
		}
	}
	w.mu.Unlock()

	if len(settled) == 0 {
		return
	}

	changes := make([]Change, 0, len(settled))
	for _, rel := range settled {
		abs := filepath.Join(w.root, rel)
		content, err := os.ReadFile(abs)
		if err != nil {
			if os.IsNotExist(err) {
				changes = append(changes, Change{Path: rel, Kind: ChangeDeleted})
				continue
			}
			logging.WatcherDebug("cannot read %s: %v", abs, err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
			continue
		}
		changes = append(changes, Change{Path: rel, Kind: ChangeModified, Hash: HashContent(content)})
	}

	w.mu.Lock()
	w.stats.BatchesFlushed++
	w.stats.FilesReported += len(changes)
	w.mu.Unlock()

	logging.WatcherDebug("flushing %d settled changes for project %s", len(changes), w.projectID)
	w.sink(w.projectID, changes)
}

func ignoredPath(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if ignoredDirs[part] {
			return true
		}
	}
	return false
}

// HashContent returns the hex sha256 of file content; the content hash used
// everywhere snapshots and staleness checks compare file versions.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
