package model

import (
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
)

type Job struct {
	ID                string         `db:"id"`
	Name              string         `db:"name"`
	TemplateType      string         `db:"template_type"`
	Parameters        types.JSONText `db:"parameters"`
	ScheduleType      string         `db:"schedule_type"`
	Schedule          string         `db:"schedule"`
	Metadata          types.JSONText `db:"metadata"`
	Enabled           bool           `db:"enabled"`
	TimeoutSeconds    int            `db:"timeout_seconds"`
	MaxRetries        int            `db:"max_retries"`
	RetryDelaySeconds int            `db:"retry_delay_seconds"`
	NotifyOnSuccess   pq.StringArray `db:"notify_on_success"`
	NotifyOnFailure   pq.StringArray `db:"notify_on_failure"`
	LastRunAt         *time.Time     `db:"last_run_at"`
	NextRunAt         *time.Time     `db:"next_run_at"`
	RetryAttempt      *int           `db:"retry_attempt"`
	RetryAt           *time.Time     `db:"retry_at"`
	DeletedAt         *time.Time     `db:"deleted_at"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

type JobExecution struct {
	ID          string         `db:"id"`
	JobID       string         `db:"job_id"`
	TriggeredBy string         `db:"triggered_by"`
	Attempt     int            `db:"attempt"`
	Status      string         `db:"status"`
	StartedAt   time.Time      `db:"started_at"`
	FinishedAt  *time.Time     `db:"finished_at"`
	Result      types.JSONText `db:"result"`
	Errors      pq.StringArray `db:"errors"`
}

// ExecutionFilter narrows a job's execution history. Zero Limit means no limit.
type ExecutionFilter struct {
	JobID  string
	Status string
	Limit  int
	Offset int
}

type Notification struct {
	ID                  string         `db:"id"`
	Recipient           string         `db:"recipient"`
	Trigger             string         `db:"trigger"`
	Channels            pq.StringArray `db:"channels"`
	Priority            string         `db:"priority"`
	TemplateData        types.JSONText `db:"template_data"`
	Status              string         `db:"status"`
	Attempts            int            `db:"attempts"`
	ProcessingStartedAt *time.Time     `db:"processing_started_at"`
	StatusReason        *string        `db:"status_reason"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

type DeliveryLogEntry struct {
	ID             string    `db:"id"`
	NotificationID string    `db:"notification_id"`
	Recipient      string    `db:"recipient"`
	Trigger        string    `db:"trigger"`
	Channel        string    `db:"channel"`
	Status         string    `db:"status"`
	SuccessCount   int       `db:"success_count"`
	FailureCount   int       `db:"failure_count"`
	PayloadPreview string    `db:"payload_preview"`
	CreatedAt      time.Time `db:"created_at"`
}

type CooldownRecord struct {
	Recipient    string         `db:"recipient"`
	ReminderKind string         `db:"reminder_kind"`
	LastSentAt   time.Time      `db:"last_sent_at"`
	Snapshot     types.JSONText `db:"snapshot"`
}

type DeliveryTarget struct {
	ID                string     `db:"id"`
	Recipient         string     `db:"recipient"`
	Channel           string     `db:"channel"`
	Target            string     `db:"target"`
	Active            bool       `db:"active"`
	CreatedAt         time.Time  `db:"created_at"`
	DeactivatedAt     *time.Time `db:"deactivated_at"`
	DeactivatedReason *string    `db:"deactivated_reason"`
}
