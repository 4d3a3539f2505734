package orchestrate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"codewarden/internal/bus"
	"codewarden/internal/logging"
	"codewarden/internal/queue"
	"codewarden/internal/store"
	"codewarden/internal/types"
)

// notification is the payload of jobs on the notification queue.
type notification struct {
	Event     string `json:"event"`
	ProjectID string `json:"project_id"`
	Path      string `json:"path,omitempty"`
	FixID     string `json:"fix_id,omitempty"`
	Severity  string `json:"severity"`
	Detail    string `json:"detail"`
}

// HandleMonitorJob runs when a scheduled monitor job fires at the end of a
// fix's monitoring window. A regression means the defect's fingerprint is
// back on the fixed file; the fix is then rolled back to the pre-fix bytes
// and the learning credit reversed.
func (o *Orchestrator) HandleMonitorJob(ctx context.Context, payload []byte) error {
	var task monitorTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return fmt.Errorf("malformed monitor task: %w", err)
	}
	log := logging.Get(logging.CategoryMonitor)

	project, err := o.store.GetProject(task.ProjectID)
	if err != nil {
		return err
	}
	abs := filepath.Join(project.RootPath, task.Path)
	content, err := os.ReadFile(abs)
	if err != nil {
		// A deleted file cannot regress; the fix outcome stands.
		if os.IsNotExist(err) {
			log.Debug("monitored file %s is gone, fix %s stands", task.Path, task.FixID)
			return nil
		}
		return err
	}

	if !o.regressed(task, content, project) {
		log.Info("fix %s survived its monitoring window", task.FixID)
		return nil
	}

	return o.rollback(ctx, task, project, abs)
}

// regressed reports whether the defect fingerprint is present again, either
// freshly detected on the current bytes or as a re-opened issue row.
func (o *Orchestrator) regressed(task monitorTask, content []byte, project types.Project) bool {
	for _, iss := range o.registry.Scan(task.Path, content, project) {
		if iss.Fingerprint == task.Fingerprint {
			return true
		}
	}
	open, err := o.store.ListIssues(store.IssueFilter{
		ProjectID:   task.ProjectID,
		Fingerprint: task.Fingerprint,
		OpenOnly:    true,
	})
	if err != nil {
		logging.Get(logging.CategoryMonitor).Error("regression lookup failed: %v", err)
		return false
	}
	return len(open) > 0
}

func (o *Orchestrator) rollback(ctx context.Context, task monitorTask, project types.Project, abs string) error {
	release, err := o.locks.Acquire(ctx, task.ProjectID, task.Path)
	if err != nil {
		return err
	}
	defer release()

	if err := writeAtomically(abs, []byte(task.PreContent)); err != nil {
		return fmt.Errorf("failed to restore pre-fix content: %w", err)
	}

	o.bus.Publish(bus.TopicFixRolledBack, store.RollbackUpdate{
		FixID:       task.FixID,
		IssueID:     task.IssueID,
		ProjectID:   task.ProjectID,
		Fingerprint: task.Fingerprint,
		Generator:   task.Generator,
		Kind:        task.Kind,
		GuideIDs:    task.GuideIDs,
	})

	// The defect is live again; reopen it as a fresh issue so the pipeline
	// can try differently next time.
	if _, err := o.store.UpsertIssue(types.Issue{
		ProjectID:   task.ProjectID,
		Path:        task.Path,
		Kind:        task.Kind,
		Severity:    types.SeverityMedium,
		Message:     "regression after automated fix",
		DetectorID:  "monitor",
		Fingerprint: task.Fingerprint,
	}); err != nil {
		logging.Get(logging.CategoryMonitor).Error("failed to reopen issue for %s: %v", task.Fingerprint, err)
	}

	o.notify(notification{
		Event:     "fix_rolled_back",
		ProjectID: task.ProjectID,
		Path:      task.Path,
		FixID:     task.FixID,
		Severity:  "critical",
		Detail:    fmt.Sprintf("defect %s regressed within the monitoring window; pre-fix content restored", task.Fingerprint[:12]),
	})
	logging.Get(logging.CategoryMonitor).Warn("rolled back fix %s on %s", task.FixID, task.Path)
	return nil
}

func (o *Orchestrator) notify(n notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		return
	}
	if _, err := o.queue.Enqueue(queue.QueueNotification, payload, 0); err != nil {
		logging.Get(logging.CategoryMonitor).Error("failed to enqueue notification: %v", err)
	}
}

// RecheckNow is the manual monitor entry point used by the CLI: it checks a
// fixed file immediately instead of waiting for the scheduled job.
func (o *Orchestrator) RecheckNow(ctx context.Context, fixID string) (bool, error) {
	fix, err := o.store.GetFixRecord(fixID)
	if err != nil {
		return false, err
	}
	issue, err := o.store.GetIssue(fix.IssueID)
	if err != nil {
		return false, err
	}
	project, err := o.store.GetProject(fix.ProjectID)
	if err != nil {
		return false, err
	}
	content, err := os.ReadFile(filepath.Join(project.RootPath, issue.Path))
	if err != nil {
		return false, err
	}
	task := monitorTask{
		FixID:       fixID,
		IssueID:     issue.ID,
		ProjectID:   fix.ProjectID,
		Path:        issue.Path,
		Fingerprint: issue.Fingerprint,
		Generator:   fix.Generator,
		Kind:        issue.Kind,
	}
	return o.regressed(task, content, project), nil
}
