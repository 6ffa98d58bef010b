package courier

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

type TaskStatus string

const (
	TaskSuccess TaskStatus = "success"
	TaskPartial TaskStatus = "partial"
	TaskFailed  TaskStatus = "failed"
)

// TaskResult is the structured outcome a task body reports.
type TaskResult struct {
	Status           TaskStatus     `json:"status"`
	Message          string         `json:"message,omitempty"`
	Details          map[string]any `json:"details,omitempty"`
	RecordsProcessed int            `json:"records_processed"`
	RecordsAffected  int            `json:"records_affected"`
	Errors           []string       `json:"errors,omitempty"`
	Warnings         []string       `json:"warnings,omitempty"`
	DurationSeconds  float64        `json:"duration_seconds"`
}

// TaskContext is what a task body gets to work with. Cancellation of ctx is
// the only signal a body receives when its execution times out.
type TaskContext struct {
	Job        Job
	Attempt    int
	Parameters Parameters
	Queue      *Queue
	Cooldowns  *CooldownLedger
}

// Task is the body behind a job's template type.
type Task interface {
	ValidateParameters(params Parameters) error
	Execute(ctx context.Context, tc *TaskContext) (*TaskResult, error)
}

// TaskFunc adapts a function without parameter validation to Task.
type TaskFunc func(ctx context.Context, tc *TaskContext) (*TaskResult, error)

func (f TaskFunc) ValidateParameters(Parameters) error { return nil }

func (f TaskFunc) Execute(ctx context.Context, tc *TaskContext) (*TaskResult, error) {
	return f(ctx, tc)
}

// TaskRegistry maps template types to task bodies. It is filled at process
// start and read by job validation and the executor.
type TaskRegistry struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{tasks: make(map[string]Task)}
}

func (r *TaskRegistry) Register(templateType string, task Task) error {
	if templateType == "" || task == nil {
		return newValidationError("template_type", "name and task are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[templateType]; ok {
		return fmt.Errorf("template type %q already registered", templateType)
	}
	r.tasks[templateType] = task

	return nil
}

func (r *TaskRegistry) Lookup(templateType string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[templateType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTemplateType, templateType)
	}

	return task, nil
}

func (r *TaskRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}
