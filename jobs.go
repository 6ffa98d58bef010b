package courier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-tick/courier/internal/model"
	"github.com/go-tick/courier/internal/repository"
	"github.com/google/uuid"
)

const defaultTimeoutSeconds = 300

// JobSpec is the operator-supplied part of a job definition.
type JobSpec struct {
	Name           string      `json:"name"`
	TemplateType   string      `json:"template_type"`
	Parameters     Parameters  `json:"parameters"`
	Schedule       Schedule    `json:"schedule"`
	Enabled        *bool       `json:"enabled,omitempty"`
	TimeoutSeconds int         `json:"timeout_seconds"`
	RetryPolicy    RetryPolicy `json:"retry_policy"`
	NotifyOn       NotifyOn    `json:"notify_on"`
}

// JobRegistry owns job definitions and their execution history.
type JobRegistry struct {
	cfg   *CourierConfig
	repo  repository.Repository
	tasks *TaskRegistry
}

func NewJobRegistry(cfg *CourierConfig, repo repository.Repository, tasks *TaskRegistry) *JobRegistry {
	return &JobRegistry{cfg: cfg, repo: repo, tasks: tasks}
}

func (r *JobRegistry) CreateJob(ctx context.Context, spec JobSpec) (Job, error) {
	if err := r.validate(&spec); err != nil {
		return Job{}, err
	}

	now := r.cfg.now()
	next, err := spec.Schedule.NextRun(nil, now)
	if err != nil {
		return Job{}, err
	}

	enabled := true
	if spec.Enabled != nil {
		enabled = *spec.Enabled
	}

	job := Job{
		ID:             uuid.NewString(),
		Name:           spec.Name,
		TemplateType:   spec.TemplateType,
		Parameters:     spec.Parameters,
		Schedule:       spec.Schedule,
		Enabled:        enabled,
		TimeoutSeconds: spec.TimeoutSeconds,
		RetryPolicy:    spec.RetryPolicy,
		NotifyOn:       spec.NotifyOn,
		NextRunAt:      &next,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	row, err := jobToRow(r.cfg, job)
	if err != nil {
		return Job{}, err
	}
	if err := r.repo.CreateJob(ctx, row); err != nil {
		return Job{}, mapJobError(err)
	}

	return job, nil
}

// UpdateJob replaces a job's definition. A changed schedule is re-anchored at
// now rather than at the previous schedule's next run.
func (r *JobRegistry) UpdateJob(ctx context.Context, id string, spec JobSpec) (Job, error) {
	if err := r.validate(&spec); err != nil {
		return Job{}, err
	}

	var updated Job
	err := r.repo.InTx(ctx, nil, func(repo repository.Repository) error {
		row, err := repo.GetJob(ctx, id)
		if err != nil {
			return mapJobError(err)
		}

		job, err := jobFromRow(r.cfg, row)
		if err != nil {
			return err
		}

		now := r.cfg.now()
		if job.Schedule != spec.Schedule {
			var anchor *time.Time
			if job.LastRunAt != nil {
				anchor = &now
			}
			next, err := spec.Schedule.NextRun(anchor, now)
			if err != nil {
				return err
			}
			job.NextRunAt = &next
		}

		job.Name = spec.Name
		job.TemplateType = spec.TemplateType
		job.Parameters = spec.Parameters
		job.Schedule = spec.Schedule
		if spec.Enabled != nil {
			job.Enabled = *spec.Enabled
		}
		job.TimeoutSeconds = spec.TimeoutSeconds
		job.RetryPolicy = spec.RetryPolicy
		job.NotifyOn = spec.NotifyOn
		job.UpdatedAt = now

		updatedRow, err := jobToRow(r.cfg, job)
		if err != nil {
			return err
		}
		if err := repo.UpdateJob(ctx, updatedRow); err != nil {
			return mapJobError(err)
		}

		updated = job
		return nil
	})

	return updated, err
}

// DeleteJob retires a job. Execution history keeps referencing it, so the row
// is soft-deleted and disabled instead of removed.
func (r *JobRegistry) DeleteJob(ctx context.Context, id string) error {
	return mapJobError(r.repo.SoftDeleteJob(ctx, id, r.cfg.now()))
}

// SetEnabled toggles future scheduling. An execution already running is not
// affected.
func (r *JobRegistry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return mapJobError(r.repo.SetJobEnabled(ctx, id, enabled, r.cfg.now()))
}

func (r *JobRegistry) GetJob(ctx context.Context, id string) (Job, error) {
	row, err := r.repo.GetJob(ctx, id)
	if err != nil {
		return Job{}, mapJobError(err)
	}

	return jobFromRow(r.cfg, row)
}

func (r *JobRegistry) ListJobs(ctx context.Context) ([]Job, error) {
	rows, err := r.repo.ListJobs(ctx)
	if err != nil {
		return nil, err
	}

	jobs := make([]Job, 0, len(rows))
	for _, row := range rows {
		job, err := jobFromRow(r.cfg, row)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

// ListDueJobs returns enabled jobs whose next run or pending retry is due.
func (r *JobRegistry) ListDueJobs(ctx context.Context, now time.Time) ([]Job, error) {
	rows, err := r.repo.ListDueJobs(ctx, now)
	if err != nil {
		return nil, err
	}

	jobs := make([]Job, 0, len(rows))
	for _, row := range rows {
		job, err := jobFromRow(r.cfg, row)
		if err != nil {
			r.cfg.onError(err)
			continue
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}

func (r *JobRegistry) GetExecutions(ctx context.Context, jobID string, filter ExecutionFilter) (ExecutionPage, error) {
	if filter.Limit < 0 || filter.Offset < 0 {
		return ExecutionPage{}, newValidationError("pagination", "limit and offset must not be negative")
	}

	rows, total, err := r.repo.ListExecutions(ctx, model.ExecutionFilter{
		JobID:  jobID,
		Status: string(filter.Status),
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
	if err != nil {
		return ExecutionPage{}, err
	}

	items := make([]JobExecution, 0, len(rows))
	for _, row := range rows {
		items = append(items, executionFromRow(row))
	}

	return ExecutionPage{Items: items, Total: total}, nil
}

func (r *JobRegistry) validate(spec *JobSpec) error {
	spec.Name = strings.TrimSpace(spec.Name)
	if spec.Name == "" {
		return newValidationError("name", "required")
	}
	if err := spec.Schedule.Validate(); err != nil {
		return err
	}

	task, err := r.tasks.Lookup(spec.TemplateType)
	if err != nil {
		return &ValidationError{Field: "template_type", Reason: err.Error()}
	}

	if spec.Parameters == nil {
		spec.Parameters = Parameters{}
	}
	if err := task.ValidateParameters(spec.Parameters); err != nil {
		if errors.Is(err, ErrValidation) {
			return err
		}
		return newValidationError("parameters", err.Error())
	}

	if spec.TimeoutSeconds == 0 {
		spec.TimeoutSeconds = defaultTimeoutSeconds
	}
	if spec.TimeoutSeconds < 0 {
		return newValidationError("timeout_seconds", "must be positive")
	}
	if spec.RetryPolicy.MaxRetries < 0 {
		return newValidationError("retry_policy.max_retries", "must not be negative")
	}
	if spec.RetryPolicy.RetryDelaySeconds < 0 {
		return newValidationError("retry_policy.retry_delay_seconds", "must not be negative")
	}

	return nil
}

func mapJobError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return ErrJobNotFound
	case errors.Is(err, repository.ErrConflict):
		return fmt.Errorf("%w: %v", ErrJobNameTaken, err)
	default:
		return err
	}
}
