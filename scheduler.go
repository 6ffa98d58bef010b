package courier

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-tick/courier/internal/repository"
	"github.com/google/uuid"
)

// Scheduler ticks at a fixed cadence, finds due jobs and hands them to the
// executor. Ticks never overlap. Executions run asynchronously, so a long job
// does not hold back the next tick.
//
// Several schedulers may share a store: a scheduled run is claimed by
// advancing next_run_at with a compare-and-set, a retry by clearing its retry
// record, so each due run starts in exactly one process.
type Scheduler struct {
	cfg      *CourierConfig
	repo     repository.Repository
	jobs     *JobRegistry
	executor *Executor
	memberID string

	mu       sync.Mutex
	running  bool
	draining bool
	cancel   context.CancelFunc
	loopDone chan struct{}
	inflight sync.WaitGroup
}

func NewScheduler(cfg *CourierConfig, repo repository.Repository, jobs *JobRegistry, executor *Executor) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		repo:     repo,
		jobs:     jobs,
		executor: executor,
		memberID: uuid.NewString(),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrSchedulerStarted
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	s.running = true

	go s.loop(loopCtx, s.loopDone)
	log.Printf("[Scheduler] Started %s (tick %v)", s.memberID, s.cfg.tickInterval)

	return nil
}

// Stop ends the tick loop and waits for in-flight executions until ctx is
// done. Executions still running after that keep going; their records are
// finished when they return or expired by the next scheduler to tick.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.draining = true
	cancel, loopDone := s.cancel, s.loopDone
	s.mu.Unlock()

	cancel()
	<-loopDone

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()

		s.mu.Lock()
		s.draining = false
		s.mu.Unlock()
		close(drained)
	}()

	select {
	case <-drained:
		log.Printf("[Scheduler] Stopped %s", s.memberID)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running executions: %w", ctx.Err())
	}
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.tickInterval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[Scheduler] Tick failed: %v", err)
			s.cfg.onError(err)
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// Tick runs one evaluation pass and returns the number of executions it
// started. Execution happens in the background; Wait blocks until those
// executions finish.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.cfg.now()

	expired, err := s.repo.ExpireRunningExecutions(ctx, s.cfg.executionGrace, now)
	if err != nil {
		s.cfg.onError(fmt.Errorf("expiring abandoned executions: %w", err))
	} else if expired > 0 {
		log.Printf("[Scheduler] Recorded %d abandoned executions as timed out", expired)
	}

	due, err := s.jobs.ListDueJobs(ctx, now)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, job := range due {
		if ctx.Err() != nil {
			return started, ctx.Err()
		}

		attempt, ok, err := s.claim(ctx, job, now)
		if err != nil {
			s.cfg.onError(fmt.Errorf("claiming %s: %w", job.Name, err))
			continue
		}
		if !ok {
			continue
		}

		s.launch(job, attempt)
		started++
	}

	return started, nil
}

// claim takes ownership of a due retry or a due scheduled run. A pending
// retry wins over the regular schedule.
func (s *Scheduler) claim(ctx context.Context, job Job, now time.Time) (int, bool, error) {
	if job.RetryAt != nil && !job.RetryAt.After(now) {
		ok, err := s.repo.ClaimRetry(ctx, job.ID, *job.RetryAt, now)
		if err != nil || !ok {
			return 0, false, err
		}

		attempt := 2
		if job.RetryAttempt != nil {
			attempt = *job.RetryAttempt
		}
		return attempt, true, nil
	}

	if job.NextRunAt == nil || job.NextRunAt.After(now) {
		return 0, false, nil
	}

	next, err := job.Schedule.NextRun(&now, now)
	if err != nil {
		return 0, false, err
	}

	ok, err := s.repo.AdvanceSchedule(ctx, job.ID, job.NextRunAt, now, next)
	if err != nil || !ok {
		return 0, false, err
	}

	return 1, true, nil
}

func (s *Scheduler) launch(job Job, attempt int) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()

		exec, err := s.executor.Run(context.Background(), job, TriggeredByScheduler, attempt)
		if errors.Is(err, ErrJobAlreadyRunning) {
			log.Printf("[Scheduler] Skipped %s: previous run still in progress", job.Name)
			return
		}
		if err != nil {
			log.Printf("[Scheduler] Job %s: %v", job.Name, err)
			s.cfg.onError(err)
			return
		}

		log.Printf("[Scheduler] Job %s attempt %d finished: %s", job.Name, exec.Attempt, exec.Status)
	}()
}

// Wait blocks until every execution started by Tick has finished.
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

// Trigger runs a job now on behalf of actor, outside the schedule. It does
// not move the job's next run and may overlap a scheduled execution.
// Cancelling ctx stops the wait for the job lookup only; once started, the
// run is bounded by the job's timeout. Triggers are refused with
// ErrSchedulerStopping while Stop drains running executions.
func (s *Scheduler) Trigger(ctx context.Context, jobID, actor string) (JobExecution, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return JobExecution{}, err
	}

	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return JobExecution{}, ErrSchedulerStopping
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	defer s.inflight.Done()

	return s.executor.Run(context.WithoutCancel(ctx), job, ManualTrigger(actor), 1)
}
