// Package worker runs the process's job consumers: a fixed-size pool that
// leases jobs, keeps their leases alive while handlers run, and converts
// every failure mode (error, panic, timeout) into a queue Fail so delivery
// semantics stay with the queue.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"codewarden/internal/logging"
	"codewarden/internal/queue"
)

// Handler processes one job payload. Handlers must be idempotent: the queue
// is at-least-once and a crashed worker's job is redelivered.
type Handler func(ctx context.Context, payload []byte) error

type ctxKey int

const jobIDKey ctxKey = iota

// JobID returns the queue job id of the job the handler is processing, or ""
// outside a handler. Handlers use it to key per-job artifacts (crawl stats).
func JobID(ctx context.Context) string {
	id, _ := ctx.Value(jobIDKey).(string)
	return id
}

// Pool consumes jobs from a set of queues with bounded concurrency.
type Pool struct {
	queue       *queue.Queue
	concurrency int
	handlers    map[string]Handler
	renewEvery  time.Duration

	mu      sync.Mutex
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	running bool
}

// NewPool creates a pool of the given concurrency.
func NewPool(q *queue.Queue, concurrency int, renewEvery time.Duration) *Pool {
	if concurrency <= 0 {
		concurrency = 8
	}
	if renewEvery <= 0 {
		renewEvery = 20 * time.Second
	}
	return &Pool{
		queue:       q,
		concurrency: concurrency,
		handlers:    make(map[string]Handler),
		renewEvery:  renewEvery,
	}
}

// Handle registers the handler for a queue. Must be called before Start.
func (p *Pool) Handle(queueName string, h Handler) {
	p.handlers[queueName] = h
}

// Start launches the workers. Non-blocking.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true

	ctx, p.cancel = context.WithCancel(ctx)
	queues := make([]string, 0, len(p.handlers))
	for name := range p.handlers {
		queues = append(queues, name)
	}

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.run(ctx, i, queues)
	}
	logging.Get(logging.CategoryWorker).Info("worker pool started: %d workers on %v", p.concurrency, queues)
}

// Stop cancels the workers and waits for in-flight handlers to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	logging.Get(logging.CategoryWorker).Info("worker pool stopped")
}

func (p *Pool) run(ctx context.Context, id int, queues []string) {
	defer p.wg.Done()
	for {
		lease, err := p.queue.Dequeue(ctx, queues...)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logging.Get(logging.CategoryWorker).Error("worker %d dequeue failed: %v", id, err)
			continue
		}
		p.process(ctx, lease)
	}
}

func (p *Pool) process(ctx context.Context, lease *queue.Lease) {
	handler := p.handlers[lease.Job.Queue]
	if handler == nil {
		// No handler can ever process it here; give it back for a process
		// that can.
		lease.Fail(fmt.Errorf("no handler for queue %s", lease.Job.Queue))
		return
	}

	// Keep the lease alive while the handler runs.
	renewCtx, stopRenewal := context.WithCancel(ctx)
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		ticker := time.NewTicker(p.renewEvery)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				if err := lease.Renew(); err != nil {
					logging.Get(logging.CategoryWorker).Warn("lease renewal for job %s failed: %v",
						lease.Job.ID, err)
					return
				}
			}
		}
	}()

	err := p.invoke(context.WithValue(ctx, jobIDKey, lease.Job.ID), handler, lease.Job.Payload)
	stopRenewal()
	<-renewDone

	if err != nil {
		logging.Get(logging.CategoryWorker).Warn("job %s on %s failed: %v", lease.Job.ID, lease.Job.Queue, err)
		if ferr := lease.Fail(err); ferr != nil {
			logging.Get(logging.CategoryWorker).Error("failed to fail job %s: %v", lease.Job.ID, ferr)
		}
		return
	}
	if cerr := lease.Complete(); cerr != nil {
		logging.Get(logging.CategoryWorker).Error("failed to complete job %s: %v", lease.Job.ID, cerr)
	}
}

// invoke isolates handler panics and surfaces them as job failures, so one
// poisoned payload cannot kill the pool.
func (p *Pool) invoke(ctx context.Context, handler Handler, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, payload)
}
