package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"codewarden/internal/bus"
	"codewarden/internal/crawl"
	"codewarden/internal/detect"
	"codewarden/internal/experts"
	"codewarden/internal/generate"
	"codewarden/internal/locks"
	"codewarden/internal/orchestrate"
	"codewarden/internal/queue"
	"codewarden/internal/store"
	"codewarden/internal/types"
	"codewarden/internal/watcher"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	initTenantName  string
	initProjectName string
	initRepoURL     string
	initRootPath    string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the .warden directory, config, and optionally a first project",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ensureParentDir(cfgPath); err != nil {
			return failf(exitUnavailable, "create config directory: %v", err)
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			if err := cfg.Save(cfgPath); err != nil {
				return failf(exitConfig, "write config: %v", err)
			}
			fmt.Printf("wrote %s\n", cfgPath)
		}

		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		if initTenantName == "" {
			fmt.Println("initialized (no tenant created; pass --tenant to add one)")
			return nil
		}
		tenantID, err := rt.store.CreateTenant(types.Tenant{Name: initTenantName})
		if err != nil {
			return failf(exitFailure, "create tenant: %v", err)
		}
		fmt.Printf("tenant %s created: %s\n", initTenantName, tenantID)

		if initProjectName == "" {
			return nil
		}
		root := initRootPath
		if root == "" {
			root, _ = os.Getwd()
		}
		root, err = filepath.Abs(root)
		if err != nil {
			return failf(exitFailure, "resolve root path: %v", err)
		}
		projectID, err := rt.store.CreateProject(types.Project{
			TenantID: tenantID, Name: initProjectName,
			RepoURL: initRepoURL, RootPath: root,
		})
		if err != nil {
			return failf(exitFailure, "create project: %v", err)
		}
		fmt.Printf("project %s created: %s (root %s)\n", initProjectName, projectID, root)
		return nil
	},
}

var (
	crawlProjectID string
	crawlAutoFix   bool
	crawlBudget    int
)

var crawlCmd = &cobra.Command{
	Use:   "crawl [changed-paths...]",
	Short: "Run one crawl synchronously and print its stats",
	Long: `Scans the project checkout and records the issues it finds. With
--auto-fix, every discovered issue is also queued straight into the fix
pipeline; the pipeline's own gates decide what actually gets patched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if crawlProjectID == "" {
			return failf(exitFailure, "--project is required")
		}
		if crawlBudget < 0 {
			return failf(exitFailure, "--budget must be non-negative")
		}
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		project, err := rt.store.GetProject(crawlProjectID)
		if err != nil {
			return failf(exitFailure, "load project: %v", err)
		}
		crawler := crawl.New(rt.store, detect.DefaultRegistry(), locks.NewRegistry(),
			cfg.Crawl.FileBudget, cfg.Worker.Concurrency)
		if crawlAutoFix {
			crawler.SetFixSink(fixEnqueueSink(rt.queue))
		}
		task := crawl.Task{ProjectID: crawlProjectID, Changed: args, AutoFix: crawlAutoFix, Budget: crawlBudget}
		stats, err := crawler.Crawl(cmd.Context(), project, task)
		if err != nil {
			return failf(exitFailure, "crawl: %v", err)
		}
		return printJSON(stats)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depths and dead-letter counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "QUEUE\tDEPTH\tDEAD")
		for _, name := range []string{queue.QueueCrawl, queue.QueueFix, queue.QueueAnalysis, queue.QueueNotification} {
			depth, err := rt.queue.Depth(name)
			if err != nil {
				return failf(exitFailure, "queue depth: %v", err)
			}
			dead, err := rt.queue.DeadLetters(name)
			if err != nil {
				return failf(exitFailure, "dead letters: %v", err)
			}
			fmt.Fprintf(w, "%s\t%d\t%d\n", name, depth, len(dead))
		}
		return w.Flush()
	},
}

var (
	issuesProjectID string
	issuesStatus    string
	issuesSeverity  string
	issuesKind      string
	issuesLimit     int
)

func issueFilter() store.IssueFilter {
	return store.IssueFilter{
		ProjectID: issuesProjectID,
		Status:    types.IssueStatus(issuesStatus),
		Severity:  types.Severity(issuesSeverity),
		Kind:      types.IssueKind(issuesKind),
		Limit:     issuesLimit,
	}
}

var issuesCmd = &cobra.Command{
	Use:   "issues",
	Short: "List issues",
	RunE: func(cmd *cobra.Command, args []string) error {
		if issuesProjectID == "" {
			return failf(exitFailure, "--project is required")
		}
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		issues, err := rt.store.ListIssues(issueFilter())
		if err != nil {
			return failf(exitFailure, "list issues: %v", err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tSEVERITY\tKIND\tOCC\tLOCATION\tMESSAGE")
		for _, is := range issues {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s:%d\t%s\n",
				is.ID, is.Status, is.Severity, is.Kind, is.Occurrences, is.Path, is.Line, is.Message)
		}
		return w.Flush()
	},
}

var reviewActor string

var reviewCmd = &cobra.Command{
	Use:   "review <issue-id> <approve|reject|defer>",
	Short: "Review an issue; approval queues an automated fix",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		newStatus, ok := map[string]types.IssueStatus{
			"approve": types.StatusApproved,
			"reject":  types.StatusRejected,
			"defer":   types.StatusDeferred,
		}[args[1]]
		if !ok {
			return failf(exitFailure, "action must be approve, reject, or defer")
		}
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		if err := rt.store.TransitionIssue(id, newStatus, "", reviewActor); err != nil {
			return failf(exitFailure, "transition: %v", err)
		}
		if newStatus == types.StatusApproved {
			issue, err := rt.store.GetIssue(id)
			if err != nil {
				return failf(exitFailure, "load issue: %v", err)
			}
			payload, err := json.Marshal(orchestrate.FixTask{IssueID: id})
			if err != nil {
				return failf(exitFailure, "encode fix task: %v", err)
			}
			jobID, err := rt.queue.Enqueue(queue.QueueFix, payload, int(issue.Severity.Weight()))
			if err != nil {
				return failf(exitFailure, "enqueue fix: %v", err)
			}
			fmt.Printf("issue %s approved; fix job %s queued\n", id, jobID)
			return nil
		}
		fmt.Printf("issue %s -> %s\n", id, newStatus)
		return nil
	},
}

var statsProjectID string

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show project health and issue totals",
	RunE: func(cmd *cobra.Command, args []string) error {
		if statsProjectID == "" {
			return failf(exitFailure, "--project is required")
		}
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		health, err := rt.store.LatestHealth(statsProjectID)
		if err != nil {
			return failf(exitFailure, "load health: %v", err)
		}
		var sum float64
		worst := struct {
			path  string
			score float64
		}{score: 101}
		for path, score := range health {
			sum += score
			if score < worst.score {
				worst.path, worst.score = path, score
			}
		}
		if len(health) > 0 {
			fmt.Printf("health: %.1f average over %d files (worst %s at %.0f)\n",
				sum/float64(len(health)), len(health), worst.path, worst.score)
		} else {
			fmt.Println("health: no crawls recorded yet")
		}

		for _, status := range []types.IssueStatus{
			types.StatusPending, types.StatusApproved, types.StatusDeferred,
			types.StatusResolved, types.StatusRejected, types.StatusSuperseded,
		} {
			issues, err := rt.store.ListIssues(store.IssueFilter{ProjectID: statsProjectID, Status: status})
			if err != nil {
				return failf(exitFailure, "list issues: %v", err)
			}
			if len(issues) > 0 {
				fmt.Printf("issues %s: %d\n", status, len(issues))
			}
		}
		return nil
	},
}

var watchProjectID string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch a project checkout and enqueue crawls for settled changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		if watchProjectID == "" {
			return failf(exitFailure, "--project is required")
		}
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		project, err := rt.store.GetProject(watchProjectID)
		if err != nil {
			return failf(exitFailure, "load project: %v", err)
		}
		sink := func(projectID string, changes []watcher.Change) {
			paths := make([]string, 0, len(changes))
			for _, ch := range changes {
				if ch.Kind == watcher.ChangeModified {
					paths = append(paths, ch.Path)
				}
			}
			if len(paths) == 0 {
				return
			}
			payload, err := json.Marshal(crawl.Task{ProjectID: projectID, Changed: paths})
			if err != nil {
				return
			}
			if _, err := rt.queue.Enqueue(queue.QueueCrawl, payload, 1); err != nil {
				fmt.Fprintf(os.Stderr, "enqueue crawl: %v\n", err)
			}
		}

		w, err := watcher.New(project.ID, project.RootPath, sink)
		if err != nil {
			return failf(exitFailure, "create watcher: %v", err)
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := w.Start(ctx); err != nil {
			return failf(exitFailure, "start watcher: %v", err)
		}
		defer w.Stop()
		fmt.Printf("watching %s (ctrl-c to stop)\n", project.RootPath)
		<-ctx.Done()

		stats := w.GetStats()
		fmt.Printf("\n%d events, %d batches, %d files reported\n",
			stats.EventsSeen, stats.BatchesFlushed, stats.FilesReported)
		return nil
	},
}

var (
	exportProjectID string
	exportFormat    string
	exportOut       string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export issues as JSON or CSV",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportProjectID == "" {
			return failf(exitFailure, "--project is required")
		}
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		issues, err := rt.store.ListIssues(store.IssueFilter{ProjectID: exportProjectID})
		if err != nil {
			return failf(exitFailure, "list issues: %v", err)
		}

		out := os.Stdout
		if exportOut != "" {
			f, err := os.Create(exportOut)
			if err != nil {
				return failf(exitFailure, "create output: %v", err)
			}
			defer f.Close()
			out = f
		}

		switch exportFormat {
		case "json":
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(issues)
		case "csv":
			w := csv.NewWriter(out)
			if err := w.Write([]string{"id", "status", "severity", "kind", "path", "line",
				"occurrences", "detector", "fingerprint", "message"}); err != nil {
				return err
			}
			for _, is := range issues {
				if err := w.Write([]string{
					is.ID, string(is.Status), string(is.Severity), string(is.Kind),
					is.Path, strconv.Itoa(is.Line), strconv.Itoa(is.Occurrences),
					is.DetectorID, is.Fingerprint, is.Message,
				}); err != nil {
					return err
				}
			}
			w.Flush()
			return w.Error()
		default:
			return failf(exitFailure, "format must be json or csv, got %q", exportFormat)
		}
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return failf(exitFailure, "marshal config: %v", err)
		}
		os.Stdout.Write(data)
		return nil
	},
}

var (
	cleanProjectID string
	cleanOlderThan time.Duration
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Compact old file snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cleanProjectID == "" {
			return failf(exitFailure, "--project is required")
		}
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		n, err := rt.store.CompactSnapshots(cleanProjectID, time.Now().Add(-cleanOlderThan))
		if err != nil {
			return failf(exitFailure, "compact snapshots: %v", err)
		}
		fmt.Printf("removed %d snapshot rows older than %s\n", n, cleanOlderThan)
		return nil
	},
}

var guidesProjectID string

var guidesCmd = &cobra.Command{
	Use:   "guides",
	Short: "Author missing expert guides and revise the underperforming ones",
	RunE: func(cmd *cobra.Command, args []string) error {
		if guidesProjectID == "" {
			return failf(exitFailure, "--project is required")
		}
		if cfg.Model.APIKey == "" {
			return failf(exitAuth, "model api key not configured (MODEL_API_KEY)")
		}
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		project, err := rt.store.GetProject(guidesProjectID)
		if err != nil {
			return failf(exitFailure, "load project: %v", err)
		}
		llm := generate.NewAnthropicClient(cfg.Model, cfg.ModelTimeout())
		mgr := experts.NewManager(rt.store, llm)
		authored, err := mgr.EnsureGuides(cmd.Context(), project)
		if err != nil {
			return modelFail("author guides", err)
		}
		revised, err := mgr.ReviseUnderperformers(cmd.Context(), project)
		if err != nil {
			return modelFail("revise guides", err)
		}
		fmt.Printf("%d guides authored, %d revised\n", len(authored), revised)
		return nil
	},
}

var recheckCmd = &cobra.Command{
	Use:   "recheck <fix-id>",
	Short: "Re-verify an applied fix immediately instead of waiting for its monitor window",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := openRuntime()
		if err != nil {
			return err
		}
		defer rt.Close()

		orch := orchestrate.New(rt.store, nil, nil, detect.DefaultRegistry(),
			bus.New(), rt.queue, locks.NewRegistry(), cfg, nil)
		regressed, err := orch.RecheckNow(cmd.Context(), args[0])
		if err != nil {
			return failf(exitFailure, "recheck: %v", err)
		}
		if regressed {
			fmt.Printf("fix %s: regressed\n", args[0])
			return failf(exitFailure, "fix %s has regressed", args[0])
		}
		fmt.Printf("fix %s: clean\n", args[0])
		return nil
	},
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	initCmd.Flags().StringVar(&initTenantName, "tenant", "", "create a tenant with this name")
	initCmd.Flags().StringVar(&initProjectName, "project", "", "create a project with this name (requires --tenant)")
	initCmd.Flags().StringVar(&initRepoURL, "repo", "", "project repository URL, matched by webhook pushes")
	initCmd.Flags().StringVar(&initRootPath, "root", "", "project checkout root (default: current directory)")

	crawlCmd.Flags().StringVar(&crawlProjectID, "project", "", "project id")
	crawlCmd.Flags().BoolVar(&crawlAutoFix, "auto-fix", false, "queue discovered issues straight into the fix pipeline")
	crawlCmd.Flags().IntVar(&crawlBudget, "budget", 0, "override the per-crawl file budget (0 = config default)")

	guidesCmd.Flags().StringVar(&guidesProjectID, "project", "", "project id")

	issuesCmd.Flags().StringVar(&issuesProjectID, "project", "", "project id")
	issuesCmd.Flags().StringVar(&issuesStatus, "status", "", "filter by status")
	issuesCmd.Flags().StringVar(&issuesSeverity, "severity", "", "filter by severity")
	issuesCmd.Flags().StringVar(&issuesKind, "kind", "", "filter by kind")
	issuesCmd.Flags().IntVar(&issuesLimit, "limit", 50, "max rows")

	reviewCmd.Flags().StringVar(&reviewActor, "actor", "cli", "actor recorded in the audit trail")

	statsCmd.Flags().StringVar(&statsProjectID, "project", "", "project id")

	watchCmd.Flags().StringVar(&watchProjectID, "project", "", "project id")

	exportCmd.Flags().StringVar(&exportProjectID, "project", "", "project id")
	exportCmd.Flags().StringVar(&exportFormat, "format", "json", "json or csv")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output file (default: stdout)")

	cleanCmd.Flags().StringVar(&cleanProjectID, "project", "", "project id")
	cleanCmd.Flags().DurationVar(&cleanOlderThan, "older-than", 30*24*time.Hour, "snapshot age cutoff")
}
