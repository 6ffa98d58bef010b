package repository

import (
	"context"
	"database/sql"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-tick/courier/internal/model"
	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
)

// memory keeps every table behind one mutex, so each method is atomic the
// same way a single conditional statement is atomic in Postgres.
type memory struct {
	mu   sync.Mutex
	txMu sync.Mutex

	jobs          map[string]model.Job
	executions    map[string]model.JobExecution
	notifications map[string]model.Notification
	deliveryLog   []model.DeliveryLogEntry
	cooldowns     map[string]model.CooldownRecord
	targets       map[string]model.DeliveryTarget
}

func (m *memory) CreateJob(_ context.Context, job model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.ID]; ok {
		return ErrConflict
	}
	for _, existing := range m.jobs {
		if existing.DeletedAt == nil && existing.Name == job.Name {
			return ErrConflict
		}
	}

	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *memory) UpdateJob(_ context.Context, job model.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.jobs[job.ID]
	if !ok || current.DeletedAt != nil {
		return ErrNotFound
	}
	for id, existing := range m.jobs {
		if id != job.ID && existing.DeletedAt == nil && existing.Name == job.Name {
			return ErrConflict
		}
	}

	current.Name = job.Name
	current.TemplateType = job.TemplateType
	current.Parameters = slices.Clone(job.Parameters)
	current.ScheduleType = job.ScheduleType
	current.Schedule = job.Schedule
	current.Metadata = slices.Clone(job.Metadata)
	current.Enabled = job.Enabled
	current.TimeoutSeconds = job.TimeoutSeconds
	current.MaxRetries = job.MaxRetries
	current.RetryDelaySeconds = job.RetryDelaySeconds
	current.NotifyOnSuccess = slices.Clone(job.NotifyOnSuccess)
	current.NotifyOnFailure = slices.Clone(job.NotifyOnFailure)
	current.NextRunAt = clonePtr(job.NextRunAt)
	current.UpdatedAt = job.UpdatedAt
	m.jobs[job.ID] = current

	return nil
}

func (m *memory) GetJob(_ context.Context, id string) (model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok || job.DeletedAt != nil {
		return model.Job{}, ErrNotFound
	}

	return cloneJob(job), nil
}

func (m *memory) ListJobs(_ context.Context) ([]model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobs := make([]model.Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if job.DeletedAt == nil {
			jobs = append(jobs, cloneJob(job))
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })

	return jobs, nil
}

func (m *memory) ListDueJobs(_ context.Context, now time.Time) ([]model.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	jobs := make([]model.Job, 0)
	for _, job := range m.jobs {
		if !job.Enabled || job.DeletedAt != nil {
			continue
		}
		if notAfter(job.NextRunAt, now) || notAfter(job.RetryAt, now) {
			jobs = append(jobs, cloneJob(job))
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return earliest(jobs[i]).Before(earliest(jobs[j])) })

	return jobs, nil
}

func (m *memory) SetJobEnabled(_ context.Context, id string, enabled bool, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok || job.DeletedAt != nil {
		return ErrNotFound
	}
	job.Enabled = enabled
	job.UpdatedAt = now
	m.jobs[id] = job

	return nil
}

func (m *memory) SoftDeleteJob(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok || job.DeletedAt != nil {
		return ErrNotFound
	}
	job.Enabled = false
	job.DeletedAt = &now
	job.RetryAttempt = nil
	job.RetryAt = nil
	job.UpdatedAt = now
	m.jobs[id] = job

	return nil
}

func (m *memory) AdvanceSchedule(_ context.Context, jobID string, expected *time.Time, lastRun, nextRun time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok || !sameTime(job.NextRunAt, expected) {
		return false, nil
	}
	job.LastRunAt = &lastRun
	job.NextRunAt = &nextRun
	job.UpdatedAt = lastRun
	m.jobs[jobID] = job

	return true, nil
}

func (m *memory) ScheduleRetry(_ context.Context, jobID string, attempt int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok || job.DeletedAt != nil {
		return nil
	}
	job.RetryAttempt = &attempt
	job.RetryAt = &at
	m.jobs[jobID] = job

	return nil
}

func (m *memory) ClaimRetry(_ context.Context, jobID string, at, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok || job.RetryAt == nil || !job.RetryAt.Equal(at) {
		return false, nil
	}
	job.RetryAttempt = nil
	job.RetryAt = nil
	job.LastRunAt = &now
	job.UpdatedAt = now
	m.jobs[jobID] = job

	return true, nil
}

func (m *memory) StartExecution(_ context.Context, exec model.JobExecution) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if exec.TriggeredBy == "scheduler" && exec.Status == "running" {
		for _, other := range m.executions {
			if other.JobID == exec.JobID && other.Status == "running" && other.TriggeredBy == "scheduler" {
				return false, nil
			}
		}
	}
	if _, ok := m.executions[exec.ID]; ok {
		return false, ErrConflict
	}

	m.executions[exec.ID] = cloneExecution(exec)
	return true, nil
}

func (m *memory) FinishExecution(_ context.Context, exec model.JobExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.executions[exec.ID]
	if !ok || current.Status != "running" {
		return ErrNotFound
	}
	current.Status = exec.Status
	current.FinishedAt = clonePtr(exec.FinishedAt)
	current.Result = slices.Clone(exec.Result)
	current.Errors = slices.Clone(exec.Errors)
	m.executions[exec.ID] = current

	return nil
}

func (m *memory) ListExecutions(_ context.Context, filter model.ExecutionFilter) ([]model.JobExecution, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	matched := make([]model.JobExecution, 0)
	for _, exec := range m.executions {
		if exec.JobID != filter.JobID {
			continue
		}
		if filter.Status != "" && exec.Status != filter.Status {
			continue
		}
		matched = append(matched, cloneExecution(exec))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].StartedAt.After(matched[j].StartedAt) })

	total := len(matched)
	if filter.Offset >= len(matched) {
		return []model.JobExecution{}, total, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}

	return matched, total, nil
}

func (m *memory) ExpireRunningExecutions(_ context.Context, grace time.Duration, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for id, exec := range m.executions {
		if exec.Status != "running" {
			continue
		}
		job, ok := m.jobs[exec.JobID]
		if !ok {
			continue
		}
		deadline := exec.StartedAt.Add(time.Duration(job.TimeoutSeconds)*time.Second + grace)
		if !deadline.Before(now) {
			continue
		}
		finished := now
		exec.Status = "timeout"
		exec.FinishedAt = &finished
		exec.Errors = append(slices.Clone(exec.Errors), "execution abandoned")
		m.executions[id] = exec
		count++
	}

	return count, nil
}

func (m *memory) PruneExecutions(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for id, exec := range m.executions {
		if exec.Status != "running" && exec.StartedAt.Before(before) {
			delete(m.executions, id)
			count++
		}
	}

	return count, nil
}

func (m *memory) InsertNotification(_ context.Context, n model.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.notifications[n.ID]; ok {
		return ErrConflict
	}
	m.notifications[n.ID] = cloneNotification(n)

	return nil
}

func (m *memory) GetNotification(_ context.Context, id string) (model.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.notifications[id]
	if !ok {
		return model.Notification{}, ErrNotFound
	}

	return cloneNotification(n), nil
}

func (m *memory) ClaimNotifications(_ context.Context, channel string, limit int, now time.Time) ([]model.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		return []model.Notification{}, nil
	}

	candidates := make([]model.Notification, 0)
	for _, n := range m.notifications {
		if n.Status != "pending" {
			continue
		}
		if channel != "" && !slices.Contains(n.Channels, channel) {
			continue
		}
		candidates = append(candidates, n)
	}
	sort.Slice(candidates, func(i, j int) bool {
		ri, rj := priorityRank(candidates[i].Priority), priorityRank(candidates[j].Priority)
		if ri != rj {
			return ri < rj
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	claimed := make([]model.Notification, 0, len(candidates))
	for _, n := range candidates {
		started := now
		n.Status = "processing"
		n.ProcessingStartedAt = &started
		n.UpdatedAt = now
		m.notifications[n.ID] = n
		claimed = append(claimed, cloneNotification(n))
	}

	return claimed, nil
}

func (m *memory) CompleteNotification(_ context.Context, id, status string, reason *string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.notifications[id]
	if !ok || n.Status != "processing" {
		return false, nil
	}
	n.Status = status
	n.StatusReason = clonePtr(reason)
	n.Attempts++
	n.ProcessingStartedAt = nil
	n.UpdatedAt = now
	m.notifications[id] = n

	return true, nil
}

func (m *memory) ResetStuckNotifications(_ context.Context, cutoff time.Time, maxAttempts int, reason string, now time.Time) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var requeued, failed int64
	for id, n := range m.notifications {
		if n.Status != "processing" || n.ProcessingStartedAt == nil || !n.ProcessingStartedAt.Before(cutoff) {
			continue
		}
		n.Attempts++
		if n.Attempts >= maxAttempts {
			n.Status = "failed"
			n.StatusReason = clonePtr(&reason)
			failed++
		} else {
			n.Status = "pending"
			requeued++
		}
		n.ProcessingStartedAt = nil
		n.UpdatedAt = now
		m.notifications[id] = n
	}

	return requeued, failed, nil
}

func (m *memory) CancelNotification(_ context.Context, id string, reason *string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.notifications[id]
	if !ok || n.Status != "pending" {
		return false, nil
	}
	n.Status = "cancelled"
	n.StatusReason = clonePtr(reason)
	n.UpdatedAt = now
	m.notifications[id] = n

	return true, nil
}

func (m *memory) RequeueFailedNotifications(_ context.Context, reasonPrefix string, maxAttempts int, cutoff, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for id, n := range m.notifications {
		if n.Status != "failed" || n.StatusReason == nil || !strings.HasPrefix(*n.StatusReason, reasonPrefix) {
			continue
		}
		if n.Attempts >= maxAttempts || !n.UpdatedAt.Before(cutoff) {
			continue
		}
		n.Status = "pending"
		n.StatusReason = nil
		n.UpdatedAt = now
		m.notifications[id] = n
		count++
	}

	return count, nil
}

func (m *memory) CountNotificationsByStatus(_ context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[string]int64)
	for _, n := range m.notifications {
		counts[n.Status]++
	}

	return counts, nil
}

func (m *memory) InsertDeliveryLog(_ context.Context, entry model.DeliveryLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deliveryLog = append(m.deliveryLog, entry)
	return nil
}

func (m *memory) ListDeliveryLog(_ context.Context, notificationID string) ([]model.DeliveryLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]model.DeliveryLogEntry, 0)
	for _, entry := range m.deliveryLog {
		if entry.NotificationID == notificationID {
			entries = append(entries, entry)
		}
	}

	return entries, nil
}

func (m *memory) PruneDeliveryLog(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.deliveryLog[:0]
	var count int64
	for _, entry := range m.deliveryLog {
		if entry.CreatedAt.Before(before) {
			count++
			continue
		}
		kept = append(kept, entry)
	}
	m.deliveryLog = kept

	return count, nil
}

func (m *memory) GetCooldown(_ context.Context, recipient, kind string) (model.CooldownRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.cooldowns[cooldownKey(recipient, kind)]
	if !ok {
		return model.CooldownRecord{}, ErrNotFound
	}
	rec.Snapshot = slices.Clone(rec.Snapshot)

	return rec, nil
}

func (m *memory) UpsertCooldown(_ context.Context, rec model.CooldownRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec.Snapshot = slices.Clone(rec.Snapshot)
	m.cooldowns[cooldownKey(rec.Recipient, rec.ReminderKind)] = rec

	return nil
}

func (m *memory) UpsertTarget(_ context.Context, target model.DeliveryTarget) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := targetKey(target.Recipient, target.Channel, target.Target)
	if existing, ok := m.targets[key]; ok {
		existing.Active = true
		existing.DeactivatedAt = nil
		existing.DeactivatedReason = nil
		m.targets[key] = existing
		return nil
	}
	target.Active = true
	m.targets[key] = target

	return nil
}

func (m *memory) ListActiveTargets(_ context.Context, recipient, channel string) ([]model.DeliveryTarget, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	targets := make([]model.DeliveryTarget, 0)
	for _, t := range m.targets {
		if t.Recipient == recipient && t.Channel == channel && t.Active {
			targets = append(targets, t)
		}
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].CreatedAt.Before(targets[j].CreatedAt) })

	return targets, nil
}

func (m *memory) DeactivateTarget(_ context.Context, recipient, channel, target, reason string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := targetKey(recipient, channel, target)
	t, ok := m.targets[key]
	if !ok || !t.Active {
		return nil
	}
	t.Active = false
	t.DeactivatedAt = &now
	t.DeactivatedReason = &reason
	m.targets[key] = t

	return nil
}

// InTx serializes transactional callers against each other only; it gives no
// rollback.
func (m *memory) InTx(_ context.Context, _ *sql.TxOptions, fn func(Repository) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	return fn(m)
}

func NewMemory() Repository {
	return &memory{
		jobs:          make(map[string]model.Job),
		executions:    make(map[string]model.JobExecution),
		notifications: make(map[string]model.Notification),
		cooldowns:     make(map[string]model.CooldownRecord),
		targets:       make(map[string]model.DeliveryTarget),
	}
}

func priorityRank(priority string) int {
	switch priority {
	case "critical":
		return 0
	case "high":
		return 1
	case "medium":
		return 2
	default:
		return 3
	}
}

func notAfter(t *time.Time, now time.Time) bool {
	return t != nil && !t.After(now)
}

func earliest(job model.Job) time.Time {
	switch {
	case job.NextRunAt == nil && job.RetryAt == nil:
		return time.Time{}
	case job.NextRunAt == nil:
		return *job.RetryAt
	case job.RetryAt == nil || job.NextRunAt.Before(*job.RetryAt):
		return *job.NextRunAt
	default:
		return *job.RetryAt
	}
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func cooldownKey(recipient, kind string) string {
	return recipient + "\x00" + kind
}

func targetKey(recipient, channel, target string) string {
	return recipient + "\x00" + channel + "\x00" + target
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneJob(job model.Job) model.Job {
	job.Parameters = cloneJSON(job.Parameters)
	job.Metadata = cloneJSON(job.Metadata)
	job.NotifyOnSuccess = cloneArray(job.NotifyOnSuccess)
	job.NotifyOnFailure = cloneArray(job.NotifyOnFailure)
	job.LastRunAt = clonePtr(job.LastRunAt)
	job.NextRunAt = clonePtr(job.NextRunAt)
	job.RetryAttempt = clonePtr(job.RetryAttempt)
	job.RetryAt = clonePtr(job.RetryAt)
	job.DeletedAt = clonePtr(job.DeletedAt)
	return job
}

func cloneExecution(exec model.JobExecution) model.JobExecution {
	exec.FinishedAt = clonePtr(exec.FinishedAt)
	exec.Result = cloneJSON(exec.Result)
	exec.Errors = cloneArray(exec.Errors)
	return exec
}

func cloneNotification(n model.Notification) model.Notification {
	n.Channels = cloneArray(n.Channels)
	n.TemplateData = cloneJSON(n.TemplateData)
	n.ProcessingStartedAt = clonePtr(n.ProcessingStartedAt)
	n.StatusReason = clonePtr(n.StatusReason)
	return n
}

func cloneJSON(j types.JSONText) types.JSONText {
	return slices.Clone(j)
}

func cloneArray(a pq.StringArray) pq.StringArray {
	return slices.Clone(a)
}
