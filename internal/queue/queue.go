// Package queue implements the durable, prioritized job queue on SQLite.
//
// Jobs are delivered at-least-once: a worker claims a lease bounded by a
// visibility timeout, and a lease that is neither completed nor renewed
// expires, making the job eligible again. Handlers must therefore be
// idempotent. Jobs that exhaust their attempts move to a dead-letter table
// carrying the last error.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"codewarden/internal/logging"
	"codewarden/internal/types"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Named queues used by the platform.
const (
	QueueCrawl        = "crawl"
	QueueFix          = "fix"
	QueueAnalysis     = "analysis"
	QueueNotification = "notification"
)

// ErrEmpty is returned by TryDequeue when no job is eligible.
var ErrEmpty = errors.New("queue empty")

// ErrLeaseLost is returned when a lease operation races with expiry.
var ErrLeaseLost = errors.New("lease lost")

// Options tune delivery behavior.
type Options struct {
	MaxAttempts       int           // default 5
	VisibilityTimeout time.Duration // default 60s
	BackoffBase       time.Duration // default 1s
	BackoffCap        time.Duration // default 5m
}

func (o *Options) fill() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 60 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 5 * time.Minute
	}
}

// Job is one unit of queued work.
type Job struct {
	ID        string
	Queue     string
	Payload   []byte
	Priority  int // larger runs first
	Attempts  int
	CreatedAt time.Time
}

// Queue is the SQLite-backed job queue.
type Queue struct {
	db    *sql.DB
	opts  Options
	clock types.Clock
}

// Open initializes the queue database at path (":memory:" for tests).
func Open(path string, opts Options, clock types.Clock) (*Queue, error) {
	opts.fill()
	if clock == nil {
		clock = types.SystemClock()
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create queue directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.QueueDebug("failed to set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.QueueDebug("failed to set journal_mode=WAL: %v", err)
	}

	q := &Queue{db: db, opts: opts, clock: clock}
	if err := q.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize queue schema: %w", err)
	}
	logging.Queue("job queue ready at %s", path)
	return q, nil
}

// Close closes the underlying database.
func (q *Queue) Close() error { return q.db.Close() }

func (q *Queue) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		queue TEXT NOT NULL,
		payload BLOB NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL,
		available_at INTEGER NOT NULL,
		leased_until INTEGER,
		lease_token TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(queue, available_at, priority);

	CREATE TABLE IF NOT EXISTS dead_letters (
		id TEXT PRIMARY KEY,
		queue TEXT NOT NULL,
		payload BLOB NOT NULL,
		priority INTEGER NOT NULL,
		attempts INTEGER NOT NULL,
		last_error TEXT NOT NULL,
		failed_at INTEGER NOT NULL
	);
	`
	_, err := q.db.Exec(schema)
	return err
}

// Enqueue adds a job to a named queue and returns its id.
func (q *Queue) Enqueue(queueName string, payload []byte, priority int) (string, error) {
	return q.EnqueueDelayed(queueName, payload, priority, 0)
}

// EnqueueDelayed adds a job that becomes eligible only after the delay.
// Used to schedule monitor checks at the end of the monitoring window.
func (q *Queue) EnqueueDelayed(queueName string, payload []byte, priority int, delay time.Duration) (string, error) {
	id := uuid.NewString()
	now := q.clock.Now()
	_, err := q.db.Exec(`
		INSERT INTO jobs (id, queue, payload, priority, attempts, max_attempts, available_at, created_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?)`,
		id, queueName, payload, priority, q.opts.MaxAttempts, now.Add(delay).UnixMilli(), now.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	logging.QueueDebug("enqueued job %s on %s (priority=%d, delay=%s)", id, queueName, priority, delay)
	return id, nil
}

// Lease is an active claim on a job, valid until the visibility timeout
// expires or Complete/Fail is called.
type Lease struct {
	Job   Job
	q     *Queue
	token string
}

// TryDequeue claims the highest-priority eligible job from any of the named
// queues, or returns ErrEmpty. Lease expiry is handled here: a job whose
// lease lapsed is eligible again.
func (q *Queue) TryDequeue(queues ...string) (*Lease, error) {
	if len(queues) == 0 {
		queues = []string{QueueCrawl, QueueFix, QueueAnalysis, QueueNotification}
	}
	now := q.clock.Now().UnixMilli()

	tx, err := q.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	placeholders := ""
	args := make([]interface{}, 0, len(queues)+2)
	for i, name := range queues {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, name)
	}
	args = append(args, now, now)

	var job Job
	var created int64
	err = tx.QueryRow(`
		SELECT id, queue, payload, priority, attempts, created_at FROM jobs
		WHERE queue IN (`+placeholders+`)
		  AND available_at <= ?
		  AND (leased_until IS NULL OR leased_until <= ?)
		ORDER BY priority DESC, created_at, id
		LIMIT 1`, args...).
		Scan(&job.ID, &job.Queue, &job.Payload, &job.Priority, &job.Attempts, &created)
	if err == sql.ErrNoRows {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	job.CreatedAt = time.UnixMilli(created)

	token := uuid.NewString()
	leasedUntil := q.clock.Now().Add(q.opts.VisibilityTimeout).UnixMilli()
	_, err = tx.Exec(`
		UPDATE jobs SET attempts = attempts + 1, leased_until = ?, lease_token = ?
		WHERE id = ?`, leasedUntil, token, job.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to lease job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	job.Attempts++
	logging.QueueDebug("leased job %s from %s (attempt=%d)", job.ID, job.Queue, job.Attempts)
	return &Lease{Job: job, q: q, token: token}, nil
}

// Dequeue blocks until a job is available or the context is cancelled,
// polling with a short interval.
func (q *Queue) Dequeue(ctx context.Context, queues ...string) (*Lease, error) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		lease, err := q.TryDequeue(queues...)
		if err == nil {
			return lease, nil
		}
		if !errors.Is(err, ErrEmpty) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Renew extends the lease by the visibility timeout.
func (l *Lease) Renew() error {
	until := l.q.clock.Now().Add(l.q.opts.VisibilityTimeout).UnixMilli()
	res, err := l.q.db.Exec(`
		UPDATE jobs SET leased_until = ? WHERE id = ? AND lease_token = ?`,
		until, l.Job.ID, l.token)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Complete removes the job; the work is done.
func (l *Lease) Complete() error {
	res, err := l.q.db.Exec(`DELETE FROM jobs WHERE id = ? AND lease_token = ?`, l.Job.ID, l.token)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	logging.QueueDebug("completed job %s", l.Job.ID)
	return nil
}

// Fail records a failed attempt. The job is retried with exponential backoff
// and jitter until max attempts, then moved to the dead-letter table with
// the last error.
func (l *Lease) Fail(cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}

	tx, err := l.q.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT attempts, max_attempts FROM jobs WHERE id = ? AND lease_token = ?`,
		l.Job.ID, l.token).Scan(&attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrLeaseLost
	}
	if err != nil {
		return fmt.Errorf("failed to load job for failure: %w", err)
	}

	if attempts >= maxAttempts {
		_, err = tx.Exec(`
			INSERT INTO dead_letters (id, queue, payload, priority, attempts, last_error, failed_at)
			SELECT id, queue, payload, priority, attempts, ?, ? FROM jobs WHERE id = ?`,
			msg, l.q.clock.Now().UnixMilli(), l.Job.ID)
		if err != nil {
			return fmt.Errorf("failed to dead-letter job: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM jobs WHERE id = ?`, l.Job.ID); err != nil {
			return fmt.Errorf("failed to remove dead job: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		logging.Get(logging.CategoryQueue).Warn("job %s exhausted %d attempts, dead-lettered: %s",
			l.Job.ID, attempts, msg)
		return nil
	}

	delay := l.q.backoff(attempts)
	availableAt := l.q.clock.Now().Add(delay).UnixMilli()
	_, err = tx.Exec(`
		UPDATE jobs SET available_at = ?, leased_until = NULL, lease_token = NULL
		WHERE id = ?`, availableAt, l.Job.ID)
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	logging.QueueDebug("job %s failed (attempt %d/%d), retrying in %s: %s",
		l.Job.ID, attempts, maxAttempts, delay, msg)
	return nil
}

// backoff computes exponential backoff with full jitter: a uniform delay in
// (0, min(cap, base*2^(attempt-1))].
func (q *Queue) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	max := q.opts.BackoffBase << uint(attempt-1)
	if max > q.opts.BackoffCap || max <= 0 {
		max = q.opts.BackoffCap
	}
	return time.Duration(rand.Int63n(int64(max))) + time.Millisecond
}

// Depth returns the number of jobs currently waiting or leased on a queue.
func (q *Queue) Depth(queueName string) (int, error) {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE queue = ?`, queueName).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return n, nil
}

// DeadLetter is a job that exhausted its attempts.
type DeadLetter struct {
	Job       Job
	LastError string
	FailedAt  time.Time
}

// DeadLetters lists dead-lettered jobs for a queue, oldest first.
func (q *Queue) DeadLetters(queueName string) ([]DeadLetter, error) {
	rows, err := q.db.Query(`
		SELECT id, queue, payload, priority, attempts, last_error, failed_at
		FROM dead_letters WHERE queue = ? ORDER BY failed_at`, queueName)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var dls []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		var failedAt int64
		if err := rows.Scan(&dl.Job.ID, &dl.Job.Queue, &dl.Job.Payload, &dl.Job.Priority,
			&dl.Job.Attempts, &dl.LastError, &failedAt); err != nil {
			return nil, err
		}
		dl.FailedAt = time.UnixMilli(failedAt)
		dls = append(dls, dl)
	}
	return dls, rows.Err()
}

// Status reports where a job currently is: queued, leased, done (absent), or
// dead-lettered.
func (q *Queue) Status(jobID string) (string, error) {
	var leasedUntil sql.NullInt64
	err := q.db.QueryRow(`SELECT leased_until FROM jobs WHERE id = ?`, jobID).Scan(&leasedUntil)
	if err == nil {
		if leasedUntil.Valid && leasedUntil.Int64 > q.clock.Now().UnixMilli() {
			return "running", nil
		}
		return "queued", nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("failed to read job status: %w", err)
	}
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM dead_letters WHERE id = ?`, jobID).Scan(&n); err != nil {
		return "", err
	}
	if n > 0 {
		return "failed", nil
	}
	return "done", nil
}
