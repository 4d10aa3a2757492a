// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/orbitmesh/orbitmesh/internal/domain"
	"github.com/orbitmesh/orbitmesh/internal/jobstore"
	"github.com/orbitmesh/orbitmesh/internal/registry"
	"github.com/orbitmesh/orbitmesh/internal/resilience"
	"github.com/orbitmesh/orbitmesh/internal/router"
	"github.com/orbitmesh/orbitmesh/internal/session"
	"github.com/orbitmesh/orbitmesh/pkg/id"
)

// Config configures a Dispatcher.
type Config struct {
	QueueCapacity  int
	Workers        int
	AckTimeout     time.Duration // how long an Assigned job waits for job.progress/ack before reassignment
	DefaultTimeout time.Duration // used when a JobRequest doesn't specify one
	IdempotencyTTL time.Duration

	// AckTimeoutCountsAgainstMaxRetries resolves the Open Question of whether
	// an ack-timeout reassignment consumes one of the job's MaxRetries or is
	// free (spec §4.5 Open Question). Default false: reassignment is
	// considered an infrastructure hiccup, not a job failure, and an
	// ack-timeout never fails the job. Either way RetryCount itself always
	// increments on ack-timeout; when true, an ack-timeout that takes
	// RetryCount past MaxRetries fails the job. HandleResult's failure-retry
	// check reads the same RetryCount, so earlier ack-timeouts leave fewer
	// failure retries.
	AckTimeoutCountsAgainstMaxRetries bool

	// MaxUnroutableAttempts bounds how many times worker() will requeue a job
	// the router couldn't place (no eligible agent). The job fails once
	// UnroutableAttempts exceeds this. Zero disables the ceiling.
	MaxUnroutableAttempts int
	// BackoffBase and BackoffMax bound the exponential-with-jitter delay
	// worker() waits between unroutable requeue attempts (spec §4.5 step 2).
	BackoffBase time.Duration
	BackoffMax  time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:         10_000,
		Workers:               8,
		AckTimeout:            15 * time.Second,
		DefaultTimeout:        5 * time.Minute,
		IdempotencyTTL:        10 * time.Minute,
		MaxUnroutableAttempts: 5,
		BackoffBase:           100 * time.Millisecond,
		BackoffMax:            30 * time.Second,
		Logger:                slog.Default(),
	}
}

// Dispatcher pulls jobs off a priority queue, routes them to agents, and
// tracks ack/execution timeouts (spec §4.6).
type Dispatcher struct {
	cfg      Config
	log      *slog.Logger
	jobs     jobstore.JobStore
	registry *registry.Registry
	sessions *session.Manager
	queue    *Queue
	idemp    *idempotencyCache

	cursorMu sync.Mutex
	cursors  map[string]*router.Cursor // keyed by group|capability bucket

	countMu   sync.Mutex
	jobCounts map[string]int // agentID -> in-flight job count

	timersMu  sync.Mutex
	ackTimers map[string]*time.Timer
	runTimers map[string]*time.Timer

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Dispatcher. It registers itself with registry to receive
// reassignment callbacks when an agent's heartbeat times out.
func New(cfg Config, jobs jobstore.JobStore, reg *registry.Registry, sessions *session.Manager) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := &Dispatcher{
		cfg:       cfg,
		log:       cfg.Logger,
		jobs:      jobs,
		registry:  reg,
		sessions:  sessions,
		queue:     NewQueue(cfg.QueueCapacity),
		idemp:     newIdempotencyCache(cfg.IdempotencyTTL),
		cursors:   make(map[string]*router.Cursor),
		jobCounts: make(map[string]int),
		ackTimers: make(map[string]*time.Timer),
		runTimers: make(map[string]*time.Timer),
		stopCh:    make(chan struct{}),
	}
	if reg != nil {
		reg.OnReassign(d.reassignAgentJobs)
	}
	return d
}

// Start launches the worker pool and the idempotency-cache sweeper.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	d.wg.Add(1)
	go d.sweepLoop(ctx)
}

// Stop closes the queue and waits for workers to drain.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		_ = d.queue.Close()
	})
	d.wg.Wait()
}

// Enqueue admits a new job request, deduplicating by IdempotencyKey within
// the configured TTL (spec §8 idempotence law: re-submitting the same key
// returns the original job rather than creating a second one).
func (d *Dispatcher) Enqueue(ctx context.Context, req domain.JobRequest) (*domain.Job, error) {
	if existingID, ok := d.idemp.Lookup(req.IdempotencyKey); ok {
		return d.jobs.Get(ctx, existingID)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.cfg.DefaultTimeout
	}

	job := &domain.Job{
		ID:                   id.New(id.KindJob),
		IdempotencyKey:       req.IdempotencyKey,
		Command:              req.Command,
		Payload:              req.Payload,
		Priority:             req.Priority,
		Pattern:              req.Pattern,
		Timeout:              timeout,
		TargetAgentID:        req.TargetAgentID,
		TargetGroup:          req.TargetGroup,
		RequiredCapabilities: req.RequiredCapabilities,
		MaxRetries:           req.MaxRetries,
		Status:               domain.JobPending,
		CreatedAt:            time.Now(),
	}

	if err := d.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	d.idemp.Remember(req.IdempotencyKey, job.ID)

	if err := d.queue.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Cancel transitions a job to Cancelled if it hasn't already reached a
// terminal state, notifying the agent if one is assigned.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	job, err := d.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	updated, err := d.jobs.Transition(ctx, jobID, job.Version, func(j *domain.Job) error {
		j.Status = domain.JobCancelled
		now := time.Now()
		j.CompletedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	d.clearTimers(jobID)
	d.decrementCount(job.AssignedAgentID)

	if updated.AssignedAgentID != "" {
		_, _ = d.sessions.Call(ctx, updated.AssignedAgentID, session.MethodCancelJob, map[string]string{"jobId": jobID})
	}
	return nil
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		job, err := d.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		if err := d.assign(ctx, job); err != nil {
			if !d.handleUnroutable(ctx, job, err) {
				return
			}
		}
	}
}

// handleUnroutable records one more failed routing attempt for job and
// either requeues it after an exponential backoff delay or fails it once
// MaxUnroutableAttempts is exceeded (spec §4.5 step 2). It returns false if
// ctx was cancelled while waiting out the backoff, signalling worker to stop.
func (d *Dispatcher) handleUnroutable(ctx context.Context, job *domain.Job, routeErr error) bool {
	current, err := d.jobs.Get(ctx, job.ID)
	if err != nil || current.Status != domain.JobPending {
		return true
	}

	attempts := current.UnroutableAttempts + 1
	if d.cfg.MaxUnroutableAttempts > 0 && attempts > d.cfg.MaxUnroutableAttempts {
		d.log.Warn("dispatcher: job failed, exhausted unroutable attempts", "job_id", job.ID, "attempts", attempts, "error", routeErr)
		_, _ = d.jobs.Transition(ctx, job.ID, current.Version, func(j *domain.Job) error {
			j.Status = domain.JobFailed
			j.Error = fmt.Sprintf("no eligible agent after %d attempts: %v", attempts, routeErr)
			now := time.Now()
			j.CompletedAt = &now
			return nil
		})
		return true
	}

	updated, err := d.jobs.Transition(ctx, job.ID, current.Version, func(j *domain.Job) error {
		j.UnroutableAttempts = attempts
		return nil
	})
	if err != nil {
		return true
	}

	delay := resilience.Backoff(attempts, resilience.RetryConfig{
		InitialDelay: d.cfg.BackoffBase,
		MaxDelay:     d.cfg.BackoffMax,
	})
	d.log.Warn("dispatcher: assignment failed, requeueing with backoff", "job_id", job.ID, "attempt", attempts, "delay", delay, "error", routeErr)
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return false
	}
	_ = d.queue.Enqueue(ctx, updated)
	return true
}

func (d *Dispatcher) assign(ctx context.Context, job *domain.Job) error {
	agents := d.registry.ListByFilter(registry.Filter{Group: job.TargetGroup})

	policy := router.PolicyRoundRobin
	if job.TargetAgentID != "" {
		policy = router.PolicyPreferredAgentWithFallback
	}

	snap := router.Snapshot{Agents: agents, JobCountByAgent: d.snapshotCounts()}
	agent, err := router.Route(snap, router.Request{
		Policy:               policy,
		TargetAgentID:        job.TargetAgentID,
		TargetGroup:          job.TargetGroup,
		RequiredCapabilities: job.RequiredCapabilities,
	}, d.cursorFor(job.TargetGroup))
	if err != nil {
		return err
	}

	current, err := d.jobs.Get(ctx, job.ID)
	if err != nil {
		return err
	}
	if current.Status != domain.JobPending {
		return nil // already handled (e.g. cancelled, or a duplicate dequeue)
	}

	updated, err := d.jobs.Transition(ctx, job.ID, current.Version, func(j *domain.Job) error {
		j.Status = domain.JobAssigned
		j.AssignedAgentID = agent.ID
		now := time.Now()
		j.AssignedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	d.incrementCount(agent.ID)

	_, err = d.sessions.Call(ctx, agent.ID, session.MethodAssignJob, map[string]any{
		"jobId": job.ID, "command": job.Command, "payload": job.Payload,
	})
	if err != nil {
		// agent unreachable: release the slot immediately rather than waiting
		// out the full ack timeout.
		d.handleAckTimeout(job.ID)
		return nil
	}

	d.startAckTimer(updated)
	return nil
}

func (d *Dispatcher) startAckTimer(job *domain.Job) {
	timer := time.AfterFunc(d.cfg.AckTimeout, func() { d.handleAckTimeout(job.ID) })
	d.timersMu.Lock()
	d.ackTimers[job.ID] = timer
	d.timersMu.Unlock()
}

func (d *Dispatcher) startRunTimer(job *domain.Job) {
	timer := time.AfterFunc(job.Timeout, func() { d.handleJobTimeout(job.ID) })
	d.timersMu.Lock()
	d.runTimers[job.ID] = timer
	d.timersMu.Unlock()
}

func (d *Dispatcher) clearTimers(jobID string) {
	d.timersMu.Lock()
	if t, ok := d.ackTimers[jobID]; ok {
		t.Stop()
		delete(d.ackTimers, jobID)
	}
	if t, ok := d.runTimers[jobID]; ok {
		t.Stop()
		delete(d.runTimers, jobID)
	}
	d.timersMu.Unlock()
}

// HandleAck records that the agent has started executing the job (spec §4.6:
// Assigned -> Running). It cancels the ack timer and starts the job timeout.
func (d *Dispatcher) HandleAck(ctx context.Context, jobID string) error {
	job, err := d.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != domain.JobAssigned {
		return nil
	}
	updated, err := d.jobs.Transition(ctx, jobID, job.Version, func(j *domain.Job) error {
		j.Status = domain.JobRunning
		now := time.Now()
		j.StartedAt = &now
		return nil
	})
	if err != nil {
		return err
	}

	d.timersMu.Lock()
	if t, ok := d.ackTimers[jobID]; ok {
		t.Stop()
		delete(d.ackTimers, jobID)
	}
	d.timersMu.Unlock()

	d.startRunTimer(updated)
	return nil
}

// HandleResult records a terminal outcome reported by the agent (spec §4.6:
// Running -> Completed/Failed, or Running -> Pending if the result is a
// failure and the job still has retries left).
func (d *Dispatcher) HandleResult(ctx context.Context, jobID string, success bool, result []byte, errMsg string) error {
	job, err := d.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	if !success && job.MaxRetries > 0 && job.RetryCount < job.MaxRetries {
		updated, err := d.jobs.Transition(ctx, jobID, job.Version, func(j *domain.Job) error {
			j.Status = domain.JobPending
			j.RetryCount++
			j.AssignedAgentID = ""
			j.Error = errMsg
			return nil
		})
		if err != nil {
			return err
		}
		d.clearTimers(jobID)
		d.decrementCount(job.AssignedAgentID)
		return d.queue.Enqueue(ctx, updated)
	}

	status := domain.JobFailed
	if success {
		status = domain.JobCompleted
	}
	_, err = d.jobs.Transition(ctx, jobID, job.Version, func(j *domain.Job) error {
		j.Status = status
		j.Result = result
		j.Error = errMsg
		now := time.Now()
		j.CompletedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	d.clearTimers(jobID)
	d.decrementCount(job.AssignedAgentID)
	return nil
}

// handleAckTimeout reassigns a job whose agent never acknowledged it in time
// (Assigned -> Pending, spec §4.5's ack-timeout path, distinct from
// maxRetries-driven failure retries).
func (d *Dispatcher) handleAckTimeout(jobID string) {
	ctx := context.Background()
	job, err := d.jobs.Get(ctx, jobID)
	if err != nil || job.Status != domain.JobAssigned {
		return
	}

	// retryCount always increments on ack-timeout (spec §4.3's unconditional
	// AckTimeout() retryCount++ label); only with
	// AckTimeoutCountsAgainstMaxRetries can it push the job past MaxRetries.
	retryCount := job.RetryCount + 1
	if d.cfg.AckTimeoutCountsAgainstMaxRetries && job.MaxRetries > 0 && retryCount > job.MaxRetries {
		_, _ = d.jobs.Transition(ctx, jobID, job.Version, func(j *domain.Job) error {
			j.Status = domain.JobFailed
			j.Error = "exceeded max retries after ack timeout"
			j.RetryCount = retryCount
			return nil
		})
		d.decrementCount(job.AssignedAgentID)
		return
	}

	d.decrementCount(job.AssignedAgentID)
	updated, err := d.jobs.Transition(ctx, jobID, job.Version, func(j *domain.Job) error {
		j.Status = domain.JobPending
		j.AssignedAgentID = ""
		j.RetryCount = retryCount
		return nil
	})
	if err != nil {
		return
	}
	d.timersMu.Lock()
	delete(d.ackTimers, jobID)
	d.timersMu.Unlock()

	_ = d.queue.Enqueue(ctx, updated)
}

// handleJobTimeout marks a running job TimedOut once its execution deadline
// elapses (spec §4.5: Running -> TimedOut).
func (d *Dispatcher) handleJobTimeout(jobID string) {
	ctx := context.Background()
	job, err := d.jobs.Get(ctx, jobID)
	if err != nil || job.Status != domain.JobRunning {
		return
	}
	_, err = d.jobs.Transition(ctx, jobID, job.Version, func(j *domain.Job) error {
		j.Status = domain.JobTimedOut
		now := time.Now()
		j.CompletedAt = &now
		return nil
	})
	if err != nil {
		return
	}
	d.timersMu.Lock()
	delete(d.runTimers, jobID)
	d.timersMu.Unlock()
	d.decrementCount(job.AssignedAgentID)
}

// reassignAgentJobs is invoked by the registry's heartbeat sweep for an
// agent that just went Disconnected. Every job it held Assigned/Running goes
// back to Pending and is re-enqueued.
func (d *Dispatcher) reassignAgentJobs(ctx context.Context, agentID string) {
	lister, ok := d.jobs.(jobstore.JobLister)
	if !ok {
		return
	}
	for _, status := range []domain.JobStatus{domain.JobAssigned, domain.JobRunning} {
		jobs, _, err := lister.List(ctx, domain.JobFilter{Status: status, AssignedAgent: agentID}, 0, 0)
		if err != nil {
			continue
		}
		for _, job := range jobs {
			d.clearTimers(job.ID)
			updated, err := d.jobs.Transition(ctx, job.ID, job.Version, func(j *domain.Job) error {
				j.Status = domain.JobPending
				j.AssignedAgentID = ""
				return nil
			})
			if err != nil {
				continue
			}
			d.decrementCount(agentID)
			_ = d.queue.Enqueue(ctx, updated)
		}
	}
}

func (d *Dispatcher) sweepLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.idemp.sweep()
		}
	}
}

func (d *Dispatcher) cursorFor(bucket string) *router.Cursor {
	d.cursorMu.Lock()
	defer d.cursorMu.Unlock()
	c, ok := d.cursors[bucket]
	if !ok {
		c = &router.Cursor{}
		d.cursors[bucket] = c
	}
	return c
}

func (d *Dispatcher) incrementCount(agentID string) {
	d.countMu.Lock()
	d.jobCounts[agentID]++
	d.countMu.Unlock()
}

func (d *Dispatcher) decrementCount(agentID string) {
	if agentID == "" {
		return
	}
	d.countMu.Lock()
	if d.jobCounts[agentID] > 0 {
		d.jobCounts[agentID]--
	}
	d.countMu.Unlock()
}

func (d *Dispatcher) snapshotCounts() map[string]int {
	d.countMu.Lock()
	defer d.countMu.Unlock()
	out := make(map[string]int, len(d.jobCounts))
	for k, v := range d.jobCounts {
		out[k] = v
	}
	return out
}

// QueueDepth exposes the current queue length for the Observable surface.
func (d *Dispatcher) QueueDepth() int {
	return d.queue.Len()
}
