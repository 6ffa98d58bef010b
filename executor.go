package courier

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"github.com/go-tick/courier/internal/repository"
	"github.com/google/uuid"
)

// Executor runs one job execution: it records it as running, races the task
// body against the job's timeout and persists the outcome before returning.
type Executor struct {
	cfg       *CourierConfig
	repo      repository.Repository
	tasks     *TaskRegistry
	queue     *Queue
	cooldowns *CooldownLedger
	sink      TriggerSink
}

// NewExecutor wires an executor. A nil sink drops notifyOn triggers.
func NewExecutor(cfg *CourierConfig, repo repository.Repository, tasks *TaskRegistry, queue *Queue, cooldowns *CooldownLedger, sink TriggerSink) *Executor {
	if sink == nil {
		sink = discardSink{}
	}

	return &Executor{
		cfg:       cfg,
		repo:      repo,
		tasks:     tasks,
		queue:     queue,
		cooldowns: cooldowns,
		sink:      sink,
	}
}

type taskOutcome struct {
	result *TaskResult
	err    error
}

// Run executes job once. Scheduler-triggered runs are exclusive per job and
// fail with ErrJobAlreadyRunning while another one is running; manual runs
// are not. Run never blocks past the job's timeout waiting for the task body.
func (e *Executor) Run(ctx context.Context, job Job, triggeredBy string, attempt int) (JobExecution, error) {
	if attempt < 1 {
		attempt = 1
	}

	exec := JobExecution{
		ID:          uuid.NewString(),
		JobID:       job.ID,
		TriggeredBy: triggeredBy,
		Attempt:     attempt,
		Status:      ExecutionRunning,
		StartedAt:   e.cfg.now(),
		Errors:      []string{},
	}

	row, err := executionToRow(exec)
	if err != nil {
		return JobExecution{}, err
	}
	started, err := e.repo.StartExecution(ctx, row)
	if err != nil {
		return JobExecution{}, fmt.Errorf("starting execution of %s: %w", job.Name, err)
	}
	if !started {
		return JobExecution{}, fmt.Errorf("%w: %s", ErrJobAlreadyRunning, job.Name)
	}

	outcome, timedOut := e.race(ctx, job, attempt)
	e.finish(&exec, job, outcome, timedOut)

	// the outcome is persisted even if the caller has given up
	persistCtx := context.WithoutCancel(ctx)
	if err := e.persist(persistCtx, exec); err != nil {
		return exec, err
	}

	if exec.Status == ExecutionFailed || exec.Status == ExecutionTimeout {
		e.scheduleRetry(persistCtx, job, exec)
	}
	e.raise(persistCtx, job, exec)

	return exec, nil
}

// race runs the task body in its own goroutine. On timeout the body's context
// is cancelled and the goroutine is left to finish on its own.
func (e *Executor) race(ctx context.Context, job Job, attempt int) (taskOutcome, bool) {
	task, err := e.tasks.Lookup(job.TemplateType)
	if err != nil {
		return taskOutcome{err: err}, false
	}

	timeout := job.timeout()
	if timeout <= 0 {
		timeout = defaultTimeoutSeconds * time.Second
	}
	// cancelled only once the timer below has decided the outcome
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	tc := &TaskContext{
		Job:        job,
		Attempt:    attempt,
		Parameters: job.Parameters,
		Queue:      e.queue,
		Cooldowns:  e.cooldowns,
	}

	done := make(chan taskOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[Executor] Task %s panicked: %v\n%s", job.TemplateType, r, debug.Stack())
				done <- taskOutcome{err: fmt.Errorf("task panicked: %v", r)}
			}
		}()

		result, err := task.Execute(runCtx, tc)
		done <- taskOutcome{result: result, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return out, false
	case <-timer.C:
		return taskOutcome{}, true
	case <-ctx.Done():
		return taskOutcome{err: ctx.Err()}, false
	}
}

func (e *Executor) finish(exec *JobExecution, job Job, out taskOutcome, timedOut bool) {
	finished := e.cfg.now()
	exec.FinishedAt = &finished
	elapsed := finished.Sub(exec.StartedAt).Seconds()

	switch {
	case timedOut:
		exec.Status = ExecutionTimeout
		exec.Errors = append(exec.Errors, fmt.Sprintf("%v after %ds", ErrExecutionTimeout, job.TimeoutSeconds))
	case out.err != nil:
		exec.Status = ExecutionFailed
		exec.Errors = append(exec.Errors, out.err.Error())
	case out.result != nil && out.result.Status == TaskFailed:
		exec.Status = ExecutionFailed
		if len(out.result.Errors) == 0 && out.result.Message != "" {
			exec.Errors = append(exec.Errors, out.result.Message)
		}
	default:
		exec.Status = ExecutionSuccess
	}

	if out.result != nil {
		result := *out.result
		if result.Status == "" {
			result.Status = TaskSuccess
		}
		if result.DurationSeconds == 0 {
			result.DurationSeconds = elapsed
		}
		exec.Result = &result
		exec.Errors = append(exec.Errors, result.Errors...)
	}
}

func (e *Executor) persist(ctx context.Context, exec JobExecution) error {
	row, err := executionToRow(exec)
	if err != nil {
		return err
	}

	err = e.repo.FinishExecution(ctx, row)
	if errors.Is(err, repository.ErrNotFound) {
		// already recorded as abandoned by the scheduler's expiry pass
		log.Printf("[Executor] Execution %s finished as %s after it was expired", exec.ID, exec.Status)
		return nil
	}
	if err != nil {
		return fmt.Errorf("recording execution %s: %w", exec.ID, err)
	}

	return nil
}

// scheduleRetry leaves a retry record on the job for the scheduler tick to
// pick up. The chain ends once attempt exceeds MaxRetries.
func (e *Executor) scheduleRetry(ctx context.Context, job Job, exec JobExecution) {
	if exec.Attempt > job.RetryPolicy.MaxRetries {
		return
	}

	at := e.cfg.now().Add(time.Duration(job.RetryPolicy.RetryDelaySeconds) * time.Second)
	if err := e.repo.ScheduleRetry(ctx, job.ID, exec.Attempt+1, at); err != nil {
		log.Printf("[Executor] Failed to schedule retry of %s: %v", job.Name, err)
		e.cfg.onError(err)
		return
	}

	log.Printf("[Executor] Job %s %s on attempt %d, retry %d at %s",
		job.Name, exec.Status, exec.Attempt, exec.Attempt+1, at.Format(time.RFC3339))
}

func (e *Executor) raise(ctx context.Context, job Job, exec JobExecution) {
	triggers := job.NotifyOn.Failure
	if exec.Status == ExecutionSuccess {
		triggers = job.NotifyOn.Success
	}

	for _, trigger := range triggers {
		if err := e.sink.Raise(ctx, trigger, job, exec); err != nil {
			log.Printf("[Executor] Trigger %s for %s: %v", trigger, job.Name, err)
			e.cfg.onError(err)
		}
	}
}
