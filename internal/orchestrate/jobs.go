package orchestrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"codewarden/internal/logging"
)

// FixTask is the payload of a fix-queue job, enqueued when an issue is
// approved for automated fixing or handed over directly by an auto-fix
// crawl.
type FixTask struct {
	IssueID string `json:"issue_id"`
}

// HandleFixJob decodes a fix-queue payload and runs the pipeline. Outcomes
// the pipeline itself resolves (skip, defer, no candidate) complete the job;
// only infrastructure errors surface for retry.
func (o *Orchestrator) HandleFixJob(ctx context.Context, payload []byte) error {
	var task FixTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return fmt.Errorf("malformed fix task: %w", err)
	}
	record, err := o.Run(ctx, task.IssueID)
	if errors.Is(err, ErrNotFixable) {
		// The issue moved on since it was enqueued (reviewed again, already
		// resolved). Retrying would not change that.
		logging.Orchestrator("fix job for issue %s dropped: %v", task.IssueID, err)
		return nil
	}
	if err != nil {
		return err
	}
	logging.Orchestrator("fix job for issue %s done: decision=%s", task.IssueID, record.Decision)
	return nil
}
