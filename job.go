package courier

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-tick/courier/internal/model"
	"github.com/lib/pq"
)

type ExecutionStatus string

const (
	ExecutionRunning ExecutionStatus = "running"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
	ExecutionTimeout ExecutionStatus = "timeout"
)

const TriggeredByScheduler = "scheduler"

// ManualTrigger labels an execution started by an operator.
func ManualTrigger(actor string) string {
	if actor == "" {
		actor = "unknown"
	}
	return "manual:" + actor
}

type RetryPolicy struct {
	MaxRetries        int `json:"max_retries"`
	RetryDelaySeconds int `json:"retry_delay_seconds"`
}

// NotifyOn names the notification triggers raised after an execution
// finishes. They are handed to the TriggerSink, not sent directly.
type NotifyOn struct {
	Success []string `json:"success,omitempty"`
	Failure []string `json:"failure,omitempty"`
}

type Job struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	TemplateType   string      `json:"template_type"`
	Parameters     Parameters  `json:"parameters"`
	Schedule       Schedule    `json:"schedule"`
	Enabled        bool        `json:"enabled"`
	TimeoutSeconds int         `json:"timeout_seconds"`
	RetryPolicy    RetryPolicy `json:"retry_policy"`
	NotifyOn       NotifyOn    `json:"notify_on"`
	LastRunAt      *time.Time  `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time  `json:"next_run_at,omitempty"`
	RetryAttempt   *int        `json:"retry_attempt,omitempty"`
	RetryAt        *time.Time  `json:"retry_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

func (j Job) timeout() time.Duration {
	return time.Duration(j.TimeoutSeconds) * time.Second
}

type JobExecution struct {
	ID          string          `json:"id"`
	JobID       string          `json:"job_id"`
	TriggeredBy string          `json:"triggered_by"`
	Attempt     int             `json:"attempt"`
	Status      ExecutionStatus `json:"status"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	Result      *TaskResult     `json:"result,omitempty"`
	Errors      []string        `json:"errors"`
}

func (e JobExecution) Finished() bool {
	return e.Status != ExecutionRunning
}

type ExecutionFilter struct {
	Status ExecutionStatus
	Limit  int
	Offset int
}

type ExecutionPage struct {
	Items []JobExecution `json:"items"`
	Total int            `json:"total"`
}

// Parameters is the opaque configuration a job hands to its task body.
type Parameters map[string]any

func (p Parameters) Has(key string) bool {
	_, ok := p[key]
	return ok
}

func (p Parameters) Int(key string, def int) (int, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}

	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, newValidationError("parameters."+key, "must be a whole number")
		}
		return int(n), nil
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, newValidationError("parameters."+key, "must be a whole number")
		}
		return int(i), nil
	default:
		return 0, newValidationError("parameters."+key, fmt.Sprintf("unexpected type %T", v))
	}
}

func (p Parameters) String(key, def string) (string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}

	s, ok := v.(string)
	if !ok {
		return "", newValidationError("parameters."+key, "must be a string")
	}
	return s, nil
}

func (p Parameters) Strings(key string, def []string) ([]string, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}

	switch list := v.(type) {
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, newValidationError("parameters."+key, "must be a list of strings")
			}
			out = append(out, s)
		}
		return out, nil
	case string:
		out := make([]string, 0)
		for _, part := range strings.Split(list, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	default:
		return nil, newValidationError("parameters."+key, "must be a list of strings")
	}
}

func jobToRow(cfg *CourierConfig, job Job) (model.Job, error) {
	sch, err := cfg.scheduleSerializer(job.Schedule)
	if err != nil {
		return model.Job{}, err
	}

	params := job.Parameters
	if params == nil {
		params = Parameters{}
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return model.Job{}, err
	}

	return model.Job{
		ID:                job.ID,
		Name:              job.Name,
		TemplateType:      job.TemplateType,
		Parameters:        rawParams,
		ScheduleType:      sch.ScheduleType,
		Schedule:          sch.Schedule,
		Metadata:          sch.Metadata,
		Enabled:           job.Enabled,
		TimeoutSeconds:    job.TimeoutSeconds,
		MaxRetries:        job.RetryPolicy.MaxRetries,
		RetryDelaySeconds: job.RetryPolicy.RetryDelaySeconds,
		NotifyOnSuccess:   stringArray(job.NotifyOn.Success),
		NotifyOnFailure:   stringArray(job.NotifyOn.Failure),
		LastRunAt:         job.LastRunAt,
		NextRunAt:         job.NextRunAt,
		RetryAttempt:      job.RetryAttempt,
		RetryAt:           job.RetryAt,
		CreatedAt:         job.CreatedAt,
		UpdatedAt:         job.UpdatedAt,
	}, nil
}

func jobFromRow(cfg *CourierConfig, row model.Job) (Job, error) {
	sch, err := cfg.scheduleDeserializer(ScheduleRow{
		ScheduleType: row.ScheduleType,
		Schedule:     row.Schedule,
		Metadata:     row.Metadata,
	})
	if err != nil {
		return Job{}, fmt.Errorf("job %s: %w", row.ID, err)
	}

	params := Parameters{}
	if err := row.Parameters.Unmarshal(&params); err != nil {
		return Job{}, fmt.Errorf("job %s parameters: %w", row.ID, err)
	}

	return Job{
		ID:             row.ID,
		Name:           row.Name,
		TemplateType:   row.TemplateType,
		Parameters:     params,
		Schedule:       sch,
		Enabled:        row.Enabled,
		TimeoutSeconds: row.TimeoutSeconds,
		RetryPolicy: RetryPolicy{
			MaxRetries:        row.MaxRetries,
			RetryDelaySeconds: row.RetryDelaySeconds,
		},
		NotifyOn: NotifyOn{
			Success: []string(row.NotifyOnSuccess),
			Failure: []string(row.NotifyOnFailure),
		},
		LastRunAt:    row.LastRunAt,
		NextRunAt:    row.NextRunAt,
		RetryAttempt: row.RetryAttempt,
		RetryAt:      row.RetryAt,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}, nil
}

func executionToRow(exec JobExecution) (model.JobExecution, error) {
	result := []byte("{}")
	if exec.Result != nil {
		raw, err := json.Marshal(exec.Result)
		if err != nil {
			return model.JobExecution{}, err
		}
		result = raw
	}

	return model.JobExecution{
		ID:          exec.ID,
		JobID:       exec.JobID,
		TriggeredBy: exec.TriggeredBy,
		Attempt:     exec.Attempt,
		Status:      string(exec.Status),
		StartedAt:   exec.StartedAt,
		FinishedAt:  exec.FinishedAt,
		Result:      result,
		Errors:      stringArray(exec.Errors),
	}, nil
}

func executionFromRow(row model.JobExecution) JobExecution {
	exec := JobExecution{
		ID:          row.ID,
		JobID:       row.JobID,
		TriggeredBy: row.TriggeredBy,
		Attempt:     row.Attempt,
		Status:      ExecutionStatus(row.Status),
		StartedAt:   row.StartedAt,
		FinishedAt:  row.FinishedAt,
		Errors:      []string(row.Errors),
	}
	if exec.Errors == nil {
		exec.Errors = []string{}
	}

	var result TaskResult
	if len(row.Result) > 0 && row.Result.String() != "{}" {
		if err := row.Result.Unmarshal(&result); err == nil {
			exec.Result = &result
		}
	}

	return exec
}

func stringArray(values []string) pq.StringArray {
	if values == nil {
		return pq.StringArray{}
	}
	return pq.StringArray(values)
}
