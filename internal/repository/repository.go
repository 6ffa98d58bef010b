package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-tick/courier/internal/model"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var (
	ErrTransactionNotSupported = fmt.Errorf("transaction not supported")
	ErrNotFound                = fmt.Errorf("record not found")
	ErrConflict                = fmt.Errorf("record already exists")
)

type Repository interface {
	CreateJob(ctx context.Context, job model.Job) error
	UpdateJob(ctx context.Context, job model.Job) error
	GetJob(ctx context.Context, id string) (model.Job, error)
	ListJobs(ctx context.Context) ([]model.Job, error)
	ListDueJobs(ctx context.Context, now time.Time) ([]model.Job, error)
	SetJobEnabled(ctx context.Context, id string, enabled bool, now time.Time) error
	SoftDeleteJob(ctx context.Context, id string, now time.Time) error
	AdvanceSchedule(ctx context.Context, jobID string, expected *time.Time, lastRun, nextRun time.Time) (bool, error)
	ScheduleRetry(ctx context.Context, jobID string, attempt int, at time.Time) error
	ClaimRetry(ctx context.Context, jobID string, at, now time.Time) (bool, error)

	StartExecution(ctx context.Context, exec model.JobExecution) (bool, error)
	FinishExecution(ctx context.Context, exec model.JobExecution) error
	ListExecutions(ctx context.Context, filter model.ExecutionFilter) ([]model.JobExecution, int, error)
	ExpireRunningExecutions(ctx context.Context, grace time.Duration, now time.Time) (int64, error)
	PruneExecutions(ctx context.Context, before time.Time) (int64, error)

	InsertNotification(ctx context.Context, n model.Notification) error
	GetNotification(ctx context.Context, id string) (model.Notification, error)
	ClaimNotifications(ctx context.Context, channel string, limit int, now time.Time) ([]model.Notification, error)
	CompleteNotification(ctx context.Context, id, status string, reason *string, now time.Time) (bool, error)
	ResetStuckNotifications(ctx context.Context, cutoff time.Time, maxAttempts int, reason string, now time.Time) (requeued, failed int64, err error)
	CancelNotification(ctx context.Context, id string, reason *string, now time.Time) (bool, error)
	RequeueFailedNotifications(ctx context.Context, reasonPrefix string, maxAttempts int, cutoff, now time.Time) (int64, error)
	CountNotificationsByStatus(ctx context.Context) (map[string]int64, error)

	InsertDeliveryLog(ctx context.Context, entry model.DeliveryLogEntry) error
	ListDeliveryLog(ctx context.Context, notificationID string) ([]model.DeliveryLogEntry, error)
	PruneDeliveryLog(ctx context.Context, before time.Time) (int64, error)

	GetCooldown(ctx context.Context, recipient, kind string) (model.CooldownRecord, error)
	UpsertCooldown(ctx context.Context, rec model.CooldownRecord) error

	UpsertTarget(ctx context.Context, target model.DeliveryTarget) error
	ListActiveTargets(ctx context.Context, recipient, channel string) ([]model.DeliveryTarget, error)
	DeactivateTarget(ctx context.Context, recipient, channel, target, reason string, now time.Time) error

	InTx(ctx context.Context, opts *sql.TxOptions, fn func(Repository) error) error
}

type Connection interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

type transactionalConnection interface {
	Connection
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
}

const jobColumns = `id, name, template_type, parameters, schedule_type, schedule, metadata, enabled,
	timeout_seconds, max_retries, retry_delay_seconds, notify_on_success, notify_on_failure,
	last_run_at, next_run_at, retry_attempt, retry_at, deleted_at, created_at, updated_at`

const notificationColumns = `id, recipient, trigger, channels, priority, template_data, status, attempts,
	processing_started_at, status_reason, created_at, updated_at`

type repository struct {
	db Connection
}

func (r *repository) CreateJob(ctx context.Context, job model.Job) error {
	_, err := r.db.ExecContext(
		ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		job.ID,
		job.Name,
		job.TemplateType,
		job.Parameters,
		job.ScheduleType,
		job.Schedule,
		job.Metadata,
		job.Enabled,
		job.TimeoutSeconds,
		job.MaxRetries,
		job.RetryDelaySeconds,
		job.NotifyOnSuccess,
		job.NotifyOnFailure,
		job.LastRunAt,
		job.NextRunAt,
		job.RetryAttempt,
		job.RetryAt,
		job.DeletedAt,
		job.CreatedAt,
		job.UpdatedAt,
	)

	return mapError(err)
}

func (r *repository) UpdateJob(ctx context.Context, job model.Job) error {
	res, err := r.db.ExecContext(
		ctx,
		`UPDATE jobs
		SET name = $2, template_type = $3, parameters = $4, schedule_type = $5, schedule = $6,
			metadata = $7, enabled = $8, timeout_seconds = $9, max_retries = $10,
			retry_delay_seconds = $11, notify_on_success = $12, notify_on_failure = $13,
			next_run_at = $14, updated_at = $15
		WHERE id = $1 AND deleted_at IS NULL`,
		job.ID,
		job.Name,
		job.TemplateType,
		job.Parameters,
		job.ScheduleType,
		job.Schedule,
		job.Metadata,
		job.Enabled,
		job.TimeoutSeconds,
		job.MaxRetries,
		job.RetryDelaySeconds,
		job.NotifyOnSuccess,
		job.NotifyOnFailure,
		job.NextRunAt,
		job.UpdatedAt,
	)
	if err != nil {
		return mapError(err)
	}

	return requireAffected(res)
}

func (r *repository) GetJob(ctx context.Context, id string) (model.Job, error) {
	var job model.Job
	err := r.db.GetContext(ctx, &job, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND deleted_at IS NULL`, id)

	return job, mapError(err)
}

func (r *repository) ListJobs(ctx context.Context) ([]model.Job, error) {
	var jobs []model.Job
	err := r.db.SelectContext(ctx, &jobs, `SELECT `+jobColumns+` FROM jobs WHERE deleted_at IS NULL ORDER BY name`)

	return jobs, err
}

func (r *repository) ListDueJobs(ctx context.Context, now time.Time) ([]model.Job, error) {
	var jobs []model.Job
	err := r.db.SelectContext(
		ctx,
		&jobs,
		`SELECT `+jobColumns+`
		FROM jobs
		WHERE enabled AND deleted_at IS NULL
		  AND (next_run_at <= $1 OR retry_at <= $1)
		ORDER BY LEAST(next_run_at, retry_at)`,
		now,
	)

	return jobs, err
}

func (r *repository) SetJobEnabled(ctx context.Context, id string, enabled bool, now time.Time) error {
	res, err := r.db.ExecContext(
		ctx,
		`UPDATE jobs SET enabled = $2, updated_at = $3 WHERE id = $1 AND deleted_at IS NULL`,
		id,
		enabled,
		now,
	)
	if err != nil {
		return mapError(err)
	}

	return requireAffected(res)
}

func (r *repository) SoftDeleteJob(ctx context.Context, id string, now time.Time) error {
	res, err := r.db.ExecContext(
		ctx,
		`UPDATE jobs
		SET enabled = FALSE, deleted_at = $2, retry_attempt = NULL, retry_at = NULL, updated_at = $2
		WHERE id = $1 AND deleted_at IS NULL`,
		id,
		now,
	)
	if err != nil {
		return mapError(err)
	}

	return requireAffected(res)
}

func (r *repository) AdvanceSchedule(ctx context.Context, jobID string, expected *time.Time, lastRun, nextRun time.Time) (bool, error) {
	var advanced bool
	err := r.db.GetContext(
		ctx,
		&advanced,
		`SELECT advance_job_schedule($1, $2, $3, $4)`,
		jobID,
		expected,
		lastRun,
		nextRun,
	)

	return advanced, err
}

func (r *repository) ScheduleRetry(ctx context.Context, jobID string, attempt int, at time.Time) error {
	_, err := r.db.ExecContext(
		ctx,
		`UPDATE jobs SET retry_attempt = $2, retry_at = $3 WHERE id = $1 AND deleted_at IS NULL`,
		jobID,
		attempt,
		at,
	)

	return err
}

func (r *repository) ClaimRetry(ctx context.Context, jobID string, at, now time.Time) (bool, error) {
	var claimed bool
	err := r.db.GetContext(ctx, &claimed, `SELECT claim_job_retry($1, $2, $3)`, jobID, at, now)

	return claimed, err
}

func (r *repository) StartExecution(ctx context.Context, exec model.JobExecution) (bool, error) {
	res, err := r.db.ExecContext(
		ctx,
		`INSERT INTO job_executions (id, job_id, triggered_by, attempt, status, started_at, finished_at, result, errors)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (job_id) WHERE status = 'running' AND triggered_by = 'scheduler' DO NOTHING`,
		exec.ID,
		exec.JobID,
		exec.TriggeredBy,
		exec.Attempt,
		exec.Status,
		exec.StartedAt,
		exec.FinishedAt,
		exec.Result,
		exec.Errors,
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *repository) FinishExecution(ctx context.Context, exec model.JobExecution) error {
	res, err := r.db.ExecContext(
		ctx,
		`UPDATE job_executions
		SET status = $2, finished_at = $3, result = $4, errors = $5
		WHERE id = $1 AND status = 'running'`,
		exec.ID,
		exec.Status,
		exec.FinishedAt,
		exec.Result,
		exec.Errors,
	)
	if err != nil {
		return mapError(err)
	}

	return requireAffected(res)
}

func (r *repository) ListExecutions(ctx context.Context, filter model.ExecutionFilter) ([]model.JobExecution, int, error) {
	var total int
	err := r.db.GetContext(
		ctx,
		&total,
		`SELECT count(*) FROM job_executions WHERE job_id = $1 AND ($2 = '' OR status = $2)`,
		filter.JobID,
		filter.Status,
	)
	if err != nil {
		return nil, 0, err
	}

	limit := sql.NullInt64{Int64: int64(filter.Limit), Valid: filter.Limit > 0}

	var execs []model.JobExecution
	err = r.db.SelectContext(
		ctx,
		&execs,
		`SELECT id, job_id, triggered_by, attempt, status, started_at, finished_at, result, errors
		FROM job_executions
		WHERE job_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY started_at DESC
		LIMIT $3 OFFSET $4`,
		filter.JobID,
		filter.Status,
		limit,
		filter.Offset,
	)

	return execs, total, err
}

func (r *repository) ExpireRunningExecutions(ctx context.Context, grace time.Duration, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(
		ctx,
		`UPDATE job_executions e
		SET status = 'timeout',
			finished_at = $2,
			errors = array_append(e.errors, 'execution abandoned')
		FROM jobs j
		WHERE e.job_id = j.id
		  AND e.status = 'running'
		  AND e.started_at + make_interval(secs => j.timeout_seconds) + make_interval(secs => $1) < $2`,
		grace.Seconds(),
		now,
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

func (r *repository) PruneExecutions(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(
		ctx,
		`DELETE FROM job_executions WHERE status <> 'running' AND started_at < $1`,
		before,
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

func (r *repository) InsertNotification(ctx context.Context, n model.Notification) error {
	_, err := r.db.ExecContext(
		ctx,
		`INSERT INTO notification_requests (`+notificationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		n.ID,
		n.Recipient,
		n.Trigger,
		n.Channels,
		n.Priority,
		n.TemplateData,
		n.Status,
		n.Attempts,
		n.ProcessingStartedAt,
		n.StatusReason,
		n.CreatedAt,
		n.UpdatedAt,
	)

	return mapError(err)
}

func (r *repository) GetNotification(ctx context.Context, id string) (model.Notification, error) {
	var n model.Notification
	err := r.db.GetContext(ctx, &n, `SELECT `+notificationColumns+` FROM notification_requests WHERE id = $1`, id)

	return n, mapError(err)
}

func (r *repository) ClaimNotifications(ctx context.Context, channel string, limit int, now time.Time) ([]model.Notification, error) {
	var claimed []model.Notification
	err := r.db.SelectContext(
		ctx,
		&claimed,
		`SELECT `+notificationColumns+` FROM claim_pending_notifications($1, $2, $3)`,
		channel,
		limit,
		now,
	)

	return claimed, err
}

func (r *repository) CompleteNotification(ctx context.Context, id, status string, reason *string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(
		ctx,
		`UPDATE notification_requests
		SET status = $2,
			status_reason = $3,
			attempts = attempts + 1,
			processing_started_at = NULL,
			updated_at = $4
		WHERE id = $1 AND status = 'processing'`,
		id,
		status,
		reason,
		now,
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *repository) ResetStuckNotifications(ctx context.Context, cutoff time.Time, maxAttempts int, reason string, now time.Time) (int64, int64, error) {
	var swept struct {
		Requeued int64 `db:"requeued"`
		Failed   int64 `db:"failed"`
	}
	err := r.db.GetContext(
		ctx,
		&swept,
		`SELECT requeued, failed FROM reset_stuck_notifications($1, $2, $3, $4)`,
		cutoff,
		maxAttempts,
		reason,
		now,
	)

	return swept.Requeued, swept.Failed, err
}

func (r *repository) CancelNotification(ctx context.Context, id string, reason *string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(
		ctx,
		`UPDATE notification_requests
		SET status = 'cancelled', status_reason = $2, updated_at = $3
		WHERE id = $1 AND status = 'pending'`,
		id,
		reason,
		now,
	)
	if err != nil {
		return false, mapError(err)
	}

	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *repository) RequeueFailedNotifications(ctx context.Context, reasonPrefix string, maxAttempts int, cutoff, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(
		ctx,
		`UPDATE notification_requests
		SET status = 'pending', status_reason = NULL, updated_at = $4
		WHERE status = 'failed'
		  AND status_reason LIKE $1 || '%'
		  AND attempts < $2
		  AND updated_at < $3`,
		reasonPrefix,
		maxAttempts,
		cutoff,
		now,
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

func (r *repository) CountNotificationsByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int64  `db:"count"`
	}
	err := r.db.SelectContext(
		ctx,
		&rows,
		`SELECT status, count(*) AS count FROM notification_requests GROUP BY status`,
	)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}

	return counts, nil
}

func (r *repository) InsertDeliveryLog(ctx context.Context, entry model.DeliveryLogEntry) error {
	_, err := r.db.ExecContext(
		ctx,
		`INSERT INTO delivery_log (id, notification_id, recipient, trigger, channel, status,
			success_count, failure_count, payload_preview, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		entry.ID,
		entry.NotificationID,
		entry.Recipient,
		entry.Trigger,
		entry.Channel,
		entry.Status,
		entry.SuccessCount,
		entry.FailureCount,
		entry.PayloadPreview,
		entry.CreatedAt,
	)

	return err
}

func (r *repository) ListDeliveryLog(ctx context.Context, notificationID string) ([]model.DeliveryLogEntry, error) {
	var entries []model.DeliveryLogEntry
	err := r.db.SelectContext(
		ctx,
		&entries,
		`SELECT id, notification_id, recipient, trigger, channel, status, success_count,
			failure_count, payload_preview, created_at
		FROM delivery_log
		WHERE notification_id = $1
		ORDER BY created_at`,
		notificationID,
	)

	return entries, err
}

func (r *repository) PruneDeliveryLog(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM delivery_log WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

func (r *repository) GetCooldown(ctx context.Context, recipient, kind string) (model.CooldownRecord, error) {
	var rec model.CooldownRecord
	err := r.db.GetContext(
		ctx,
		&rec,
		`SELECT recipient, reminder_kind, last_sent_at, snapshot
		FROM reminder_cooldowns
		WHERE recipient = $1 AND reminder_kind = $2`,
		recipient,
		kind,
	)

	return rec, mapError(err)
}

func (r *repository) UpsertCooldown(ctx context.Context, rec model.CooldownRecord) error {
	_, err := r.db.ExecContext(
		ctx,
		`INSERT INTO reminder_cooldowns (recipient, reminder_kind, last_sent_at, snapshot)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (recipient, reminder_kind)
		DO UPDATE SET last_sent_at = EXCLUDED.last_sent_at, snapshot = EXCLUDED.snapshot`,
		rec.Recipient,
		rec.ReminderKind,
		rec.LastSentAt,
		rec.Snapshot,
	)

	return err
}

func (r *repository) UpsertTarget(ctx context.Context, target model.DeliveryTarget) error {
	_, err := r.db.ExecContext(
		ctx,
		`INSERT INTO delivery_targets (id, recipient, channel, target, active, created_at)
		VALUES ($1, $2, $3, $4, TRUE, $5)
		ON CONFLICT (recipient, channel, target)
		DO UPDATE SET active = TRUE, deactivated_at = NULL, deactivated_reason = NULL`,
		target.ID,
		target.Recipient,
		target.Channel,
		target.Target,
		target.CreatedAt,
	)

	return err
}

func (r *repository) ListActiveTargets(ctx context.Context, recipient, channel string) ([]model.DeliveryTarget, error) {
	var targets []model.DeliveryTarget
	err := r.db.SelectContext(
		ctx,
		&targets,
		`SELECT id, recipient, channel, target, active, created_at, deactivated_at, deactivated_reason
		FROM delivery_targets
		WHERE recipient = $1 AND channel = $2 AND active
		ORDER BY created_at`,
		recipient,
		channel,
	)

	return targets, err
}

func (r *repository) DeactivateTarget(ctx context.Context, recipient, channel, target, reason string, now time.Time) error {
	_, err := r.db.ExecContext(
		ctx,
		`UPDATE delivery_targets
		SET active = FALSE, deactivated_at = $4, deactivated_reason = $5
		WHERE recipient = $1 AND channel = $2 AND target = $3 AND active`,
		recipient,
		channel,
		target,
		now,
		reason,
	)

	return err
}

func (r *repository) InTx(ctx context.Context, opts *sql.TxOptions, fn func(Repository) error) error {
	conn, ok := r.db.(transactionalConnection)
	if !ok {
		return ErrTransactionNotSupported
	}

	tx, err := conn.BeginTxx(ctx, opts)
	if err != nil {
		return err
	}

	if err := fn(&repository{tx}); err != nil {
		return errors.Join(err, tx.Rollback())
	}

	return tx.Commit()
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", ErrConflict, pqErr.Constraint)
		case "22P02":
			// malformed uuid, nothing can match it
			return ErrNotFound
		}
	}

	return err
}

func NewPostgresFromDB(db *sqlx.DB) Repository {
	return &repository{db}
}
