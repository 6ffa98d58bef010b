package courier

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Built-in template types.
const (
	TemplateNotificationRecovery = "notification_recovery"
	TemplateNotificationRetry    = "notification_retry"
	TemplatePendingReminder      = "pending_reminder"
	TemplateHistoryRetention     = "history_retention"
)

// RecoveryTask is the stuck-processing sweep as a job.
type RecoveryTask struct {
	cfg *CourierConfig
}

func (t *RecoveryTask) ValidateParameters(params Parameters) error {
	minutes, err := params.Int("timeout_minutes", 0)
	if err != nil {
		return err
	}
	if minutes < 0 {
		return newValidationError("parameters.timeout_minutes", "must be positive")
	}
	return nil
}

func (t *RecoveryTask) Execute(ctx context.Context, tc *TaskContext) (*TaskResult, error) {
	timeout := t.cfg.recoveryTimeout
	if minutes, _ := tc.Parameters.Int("timeout_minutes", 0); minutes > 0 {
		timeout = time.Duration(minutes) * time.Minute
	}

	sweep, err := tc.Queue.ResetStuckProcessing(ctx, timeout)
	if err != nil {
		return nil, err
	}

	return &TaskResult{
		Status:          TaskSuccess,
		Message:         fmt.Sprintf("returned %d notifications to pending, failed %d", sweep.Requeued, sweep.Failed),
		RecordsAffected: int(sweep.Total()),
		Details: map[string]any{
			"timeout_minutes": timeout.Minutes(),
			"requeued":        sweep.Requeued,
			"failed":          sweep.Failed,
		},
	}, nil
}

// RetryTask requeues notifications that failed for a transient reason once
// their backoff has passed. Requests at max attempts stay failed.
type RetryTask struct {
	cfg *CourierConfig
}

func (t *RetryTask) ValidateParameters(params Parameters) error {
	for _, key := range []string{"max_attempts", "backoff_minutes"} {
		n, err := params.Int(key, 0)
		if err != nil {
			return err
		}
		if n < 0 {
			return newValidationError("parameters."+key, "must not be negative")
		}
	}
	return nil
}

func (t *RetryTask) Execute(ctx context.Context, tc *TaskContext) (*TaskResult, error) {
	maxAttempts, _ := tc.Parameters.Int("max_attempts", t.cfg.maxAttempts)
	backoff, _ := tc.Parameters.Int("backoff_minutes", 5)

	count, err := tc.Queue.RequeueTransientFailures(ctx, maxAttempts, time.Duration(backoff)*time.Minute)
	if err != nil {
		return nil, err
	}

	return &TaskResult{
		Status:          TaskSuccess,
		Message:         fmt.Sprintf("requeued %d notifications", count),
		RecordsAffected: int(count),
	}, nil
}

// ReminderCandidate is a recipient with a standing condition worth a
// reminder. Count measures the condition (unread messages, open requests)
// and is stored as the reminder's snapshot.
type ReminderCandidate struct {
	Recipient    string
	Count        int
	TemplateData map[string]any
}

// ReminderSource lists the recipients a reminder kind currently applies to.
type ReminderSource interface {
	Candidates(ctx context.Context, params Parameters) ([]ReminderCandidate, error)
}

type ReminderSourceFunc func(ctx context.Context, params Parameters) ([]ReminderCandidate, error)

func (f ReminderSourceFunc) Candidates(ctx context.Context, params Parameters) ([]ReminderCandidate, error) {
	return f(ctx, params)
}

// ReminderTask is the generic nag job. For each candidate it checks the
// cooldown ledger, skips recipients whose count has not grown since the last
// reminder, enqueues and records the reminder.
type ReminderTask struct {
	mu      sync.RWMutex
	sources map[string]ReminderSource
}

func NewReminderTask() *ReminderTask {
	return &ReminderTask{sources: make(map[string]ReminderSource)}
}

func (t *ReminderTask) AddSource(kind string, source ReminderSource) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sources[kind] = source
}

func (t *ReminderTask) source(kind string) (ReminderSource, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sources[kind]
	return s, ok
}

func (t *ReminderTask) ValidateParameters(params Parameters) error {
	kind, err := params.String("reminder_kind", "")
	if err != nil {
		return err
	}
	if kind == "" {
		return newValidationError("parameters.reminder_kind", "required")
	}
	if _, ok := t.source(kind); !ok {
		return newValidationError("parameters.reminder_kind", fmt.Sprintf("no source registered for %q", kind))
	}

	if cooldown, err := params.Int("cooldown_minutes", 0); err != nil {
		return err
	} else if cooldown < 0 {
		return newValidationError("parameters.cooldown_minutes", "must not be negative")
	}

	if _, err := params.String("trigger", ""); err != nil {
		return err
	}

	channels, err := params.Strings("channels", nil)
	if err != nil {
		return err
	}
	for _, c := range channels {
		if !Channel(c).valid() {
			return newValidationError("parameters.channels", fmt.Sprintf("unknown channel %q", c))
		}
	}

	priority, err := params.String("priority", string(PriorityLow))
	if err != nil {
		return err
	}
	if !Priority(priority).valid() {
		return newValidationError("parameters.priority", fmt.Sprintf("unknown priority %q", priority))
	}

	return nil
}

func (t *ReminderTask) Execute(ctx context.Context, tc *TaskContext) (*TaskResult, error) {
	kind, _ := tc.Parameters.String("reminder_kind", "")
	source, ok := t.source(kind)
	if !ok {
		return nil, fmt.Errorf("no reminder source for %q", kind)
	}

	cooldownMinutes, _ := tc.Parameters.Int("cooldown_minutes", 240)
	window := time.Duration(cooldownMinutes) * time.Minute
	trigger, _ := tc.Parameters.String("trigger", kind)
	priority, _ := tc.Parameters.String("priority", string(PriorityLow))
	names, _ := tc.Parameters.Strings("channels", []string{string(ChannelPush)})
	channels := make([]Channel, 0, len(names))
	for _, name := range names {
		channels = append(channels, Channel(name))
	}

	candidates, err := source.Candidates(ctx, tc.Parameters)
	if err != nil {
		return nil, fmt.Errorf("listing %s candidates: %w", kind, err)
	}

	result := &TaskResult{Status: TaskSuccess, RecordsProcessed: len(candidates)}
	skipped := 0
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		sent, err := t.remind(ctx, tc, c, kind, trigger, channels, Priority(priority), window)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", c.Recipient, err))
			continue
		}
		if sent {
			result.RecordsAffected++
		} else {
			skipped++
		}
	}

	switch {
	case len(result.Errors) > 0 && result.RecordsAffected == 0 && skipped == 0:
		result.Status = TaskFailed
	case len(result.Errors) > 0:
		result.Status = TaskPartial
	}
	result.Message = fmt.Sprintf("%d reminded, %d skipped, %d errors", result.RecordsAffected, skipped, len(result.Errors))
	result.Details = map[string]any{"reminder_kind": kind, "skipped": skipped}

	return result, nil
}

func (t *ReminderTask) remind(ctx context.Context, tc *TaskContext, c ReminderCandidate, kind, trigger string, channels []Channel, priority Priority, window time.Duration) (bool, error) {
	should, err := tc.Cooldowns.ShouldRemind(ctx, c.Recipient, kind, window)
	if err != nil || !should {
		return false, err
	}

	last, ok, err := tc.Cooldowns.Last(ctx, c.Recipient, kind)
	if err != nil {
		return false, err
	}
	if ok && c.Count <= snapshotCount(last.Snapshot) {
		return false, nil
	}

	data := map[string]any{"count": c.Count}
	for k, v := range c.TemplateData {
		data[k] = v
	}

	if _, err := tc.Queue.Enqueue(ctx, EnqueueRequest{
		Recipient:    c.Recipient,
		Trigger:      trigger,
		Channels:     channels,
		Priority:     priority,
		TemplateData: data,
	}); err != nil {
		return false, err
	}

	return true, tc.Cooldowns.RecordReminder(ctx, c.Recipient, kind, map[string]any{"count": c.Count})
}

func snapshotCount(snapshot map[string]any) int {
	n, err := Parameters(snapshot).Int("count", 0)
	if err != nil {
		return 0
	}
	return n
}

type historyPruner interface {
	PruneDeliveryLog(ctx context.Context, before time.Time) (int64, error)
	PruneExecutions(ctx context.Context, before time.Time) (int64, error)
}

// RetentionTask deletes delivery log entries and finished executions older
// than retention_days.
type RetentionTask struct {
	cfg   *CourierConfig
	store historyPruner
}

func (t *RetentionTask) ValidateParameters(params Parameters) error {
	days, err := params.Int("retention_days", 30)
	if err != nil {
		return err
	}
	if days <= 0 {
		return newValidationError("parameters.retention_days", "must be positive")
	}
	return nil
}

func (t *RetentionTask) Execute(ctx context.Context, tc *TaskContext) (*TaskResult, error) {
	days, _ := tc.Parameters.Int("retention_days", 30)
	before := t.cfg.now().AddDate(0, 0, -days)

	logs, err := t.store.PruneDeliveryLog(ctx, before)
	if err != nil {
		return nil, fmt.Errorf("pruning delivery log: %w", err)
	}
	execs, err := t.store.PruneExecutions(ctx, before)
	if err != nil {
		return nil, fmt.Errorf("pruning executions: %w", err)
	}

	return &TaskResult{
		Status:          TaskSuccess,
		Message:         fmt.Sprintf("removed %d delivery log entries and %d executions", logs, execs),
		RecordsAffected: int(logs + execs),
		Details: map[string]any{
			"before":         before.Format(time.RFC3339),
			"delivery_log":   logs,
			"job_executions": execs,
			"retention_days": days,
		},
	}, nil
}

func registerBuiltinTasks(tasks *TaskRegistry, cfg *CourierConfig, store historyPruner, reminders *ReminderTask) error {
	builtins := map[string]Task{
		TemplateNotificationRecovery: &RecoveryTask{cfg: cfg},
		TemplateNotificationRetry:    &RetryTask{cfg: cfg},
		TemplatePendingReminder:      reminders,
		TemplateHistoryRetention:     &RetentionTask{cfg: cfg, store: store},
	}

	for name, task := range builtins {
		if err := tasks.Register(name, task); err != nil {
			return err
		}
	}

	return nil
}
