package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"codewarden/internal/cache"
	"codewarden/internal/crawl"
	"codewarden/internal/logging"
	"codewarden/internal/orchestrate"
	"codewarden/internal/queue"
	"codewarden/internal/store"
	"codewarden/internal/types"
)

// runtime is the dependency-injected context shared by commands: the durable
// stores plus the optional cache, opened from the loaded config.
type runtime struct {
	store *store.Store
	queue *queue.Queue
	cache *cache.Cache
}

// openRuntime opens the store and queue named by the config. The parent
// directories are created on first use so "warden init && warden serve"
// works in a fresh checkout.
func openRuntime() (*runtime, error) {
	for _, path := range []string{cfg.Store.URL, cfg.Queue.URL} {
		if err := ensureParentDir(path); err != nil {
			return nil, failf(exitUnavailable, "create data directory for %s: %v", path, err)
		}
	}

	st, err := store.Open(cfg.Store.URL, nil)
	if err != nil {
		return nil, failf(exitUnavailable, "open store %s: %v", cfg.Store.URL, err)
	}
	q, err := queue.Open(cfg.Queue.URL, queue.Options{
		MaxAttempts:       cfg.Queue.MaxAttempts,
		VisibilityTimeout: cfg.VisibilityTimeout(),
		BackoffBase:       cfg.BackoffBase(),
		BackoffCap:        cfg.BackoffCap(),
	}, nil)
	if err != nil {
		st.Close()
		return nil, failf(exitUnavailable, "open queue %s: %v", cfg.Queue.URL, err)
	}
	return &runtime{store: st, queue: q, cache: cache.FromURL(cfg.Cache.URL, nil)}, nil
}

func (r *runtime) Close() {
	r.cache.Close()
	r.queue.Close()
	r.store.Close()
}

// fixEnqueueSink hands crawler-discovered issues to the fix queue, one job
// per issue, prioritized by severity. Used by auto-fix crawls.
func fixEnqueueSink(q *queue.Queue) crawl.FixSink {
	return func(issue types.Issue) {
		payload, err := json.Marshal(orchestrate.FixTask{IssueID: issue.ID})
		if err != nil {
			return
		}
		if _, err := q.Enqueue(queue.QueueFix, payload, int(issue.Severity.Weight())); err != nil {
			logging.Get(logging.CategoryCrawler).Error("failed to enqueue fix for issue %s: %v", issue.ID, err)
		}
	}
}

func ensureParentDir(path string) error {
	if path == "" || strings.HasPrefix(path, ":memory:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}
