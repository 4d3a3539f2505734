package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"codewarden/internal/bus"
	"codewarden/internal/crawl"
	"codewarden/internal/detect"
	"codewarden/internal/experts"
	"codewarden/internal/generate"
	"codewarden/internal/learn"
	"codewarden/internal/locks"
	"codewarden/internal/logging"
	"codewarden/internal/orchestrate"
	"codewarden/internal/queue"
	"codewarden/internal/server"
	"codewarden/internal/verify"
	"codewarden/internal/worker"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the platform: HTTP API, workers, and the fix pipeline",
	Long: `Starts everything in one process: the HTTP front (crawl triggers,
issue review, webhooks, analytics), the worker pool consuming the crawl,
fix, analysis, and notification queues, and the learning subscriber that
turns fix outcomes into patterns and calibration data.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return failf(exitConfig, "invalid config: %v", err)
	}
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	boot := logging.Get(logging.CategoryBoot)
	boot.Info("%s %s starting", cfg.Name, cfg.Version)

	// Wiring. The bus connects apply/rollback events to the learning pass;
	// the lock registry is shared by the crawler and the orchestrator so a
	// file is never scanned and patched at the same time.
	registry := detect.DefaultRegistry()
	lockReg := locks.NewRegistry()
	eventBus := bus.New()
	learn.NewSubscriber(rt.store, eventBus).Register()

	llm := generate.NewAnthropicClient(cfg.Model, cfg.ModelTimeout())
	expertMgr := experts.NewManager(rt.store, llm)
	generator := generate.New(rt.store, llm, expertMgr)
	verifier := verify.New(registry)
	orch := orchestrate.New(rt.store, generator, verifier, registry,
		eventBus, rt.queue, lockReg, cfg, nil)
	crawler := crawl.New(rt.store, registry, lockReg, cfg.Crawl.FileBudget, cfg.Worker.Concurrency)
	crawler.SetFixSink(fixEnqueueSink(rt.queue))

	pool := worker.NewPool(rt.queue, cfg.Worker.Concurrency, cfg.VisibilityTimeout()/3)
	pool.Handle(queue.QueueCrawl, crawlHandler(rt, crawler, expertMgr))
	pool.Handle(queue.QueueFix, orch.HandleFixJob)
	pool.Handle(queue.QueueAnalysis, orch.HandleMonitorJob)
	pool.Handle(queue.QueueNotification, notificationHandler())

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	pool.Start(ctx)
	defer pool.Stop()

	api := server.New(rt.store, rt.queue, rt.cache, cfg)
	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		boot.Info("http listening on %s", cfg.Server.Addr)
		serveErr <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return failf(exitFailure, "http server: %v", err)
		}
		return nil
	case <-ctx.Done():
	}

	boot.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		boot.Warn("http shutdown: %v", err)
	}
	return nil
}

// crawlHandler consumes crawl-queue jobs: run the crawl, publish the run's
// stats for GET /crawl/{id}, and keep the project's expert guides current.
func crawlHandler(rt *runtime, crawler *crawl.Crawler, expertMgr *experts.Manager) worker.Handler {
	return func(ctx context.Context, payload []byte) error {
		var task crawl.Task
		if err := json.Unmarshal(payload, &task); err != nil {
			return err
		}
		project, err := rt.store.GetProject(task.ProjectID)
		if err != nil {
			return err
		}
		stats, err := crawler.Crawl(ctx, project, task)
		if err != nil {
			return err
		}
		server.CacheCrawlStats(rt.cache, worker.JobID(ctx), stats)

		// Guide authoring needs the model; without a key the pipeline still
		// runs on patterns and bare generation.
		if cfg.Model.APIKey != "" {
			log := logging.Get(logging.CategoryExperts)
			if _, err := expertMgr.EnsureGuides(ctx, project); err != nil {
				log.Warn("guide authoring for %s failed: %v", project.Name, err)
			}
			if n, err := expertMgr.ReviseUnderperformers(ctx, project); err != nil {
				log.Warn("guide revision for %s failed: %v", project.Name, err)
			} else if n > 0 {
				log.Info("revised %d underperforming guides for %s", n, project.Name)
			}
		}
		return nil
	}
}

// notificationHandler drains the notification queue. Delivery to external
// channels is a collaborator's concern; here the events are logged so an
// operator tailing the serve log sees regressions and dead letters.
func notificationHandler() worker.Handler {
	return func(ctx context.Context, payload []byte) error {
		var n struct {
			Event    string `json:"event"`
			Severity string `json:"severity"`
			Detail   string `json:"detail"`
		}
		if err := json.Unmarshal(payload, &n); err != nil {
			return err
		}
		logging.Get(logging.CategoryMonitor).Warn("notification [%s/%s]: %s", n.Event, n.Severity, n.Detail)
		return nil
	}
}
