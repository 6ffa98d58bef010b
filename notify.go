package courier

import (
	"context"
	"errors"
	"fmt"
)

// TriggerSink receives the notifyOn triggers of finished executions. Deciding
// who hears about a trigger, and how, is the sink's business.
type TriggerSink interface {
	Raise(ctx context.Context, trigger string, job Job, exec JobExecution) error
}

type TriggerSinkFunc func(ctx context.Context, trigger string, job Job, exec JobExecution) error

func (f TriggerSinkFunc) Raise(ctx context.Context, trigger string, job Job, exec JobExecution) error {
	return f(ctx, trigger, job, exec)
}

type discardSink struct{}

func (discardSink) Raise(context.Context, string, Job, JobExecution) error { return nil }

// OperatorSink turns every trigger into an email to a fixed list of operator
// recipients.
type OperatorSink struct {
	queue      *Queue
	recipients []string
}

func NewOperatorSink(queue *Queue, recipients ...string) *OperatorSink {
	return &OperatorSink{queue: queue, recipients: recipients}
}

func (s *OperatorSink) Raise(ctx context.Context, trigger string, job Job, exec JobExecution) error {
	priority := PriorityLow
	if exec.Status != ExecutionSuccess {
		priority = PriorityHigh
	}

	subject := fmt.Sprintf("Job %s: %s", job.Name, exec.Status)
	body := fmt.Sprintf("Job %s (%s) finished as %s on attempt %d.", job.Name, job.TemplateType, exec.Status, exec.Attempt)
	if len(exec.Errors) > 0 {
		body += " Errors: " + exec.Errors[0]
	}

	var errs []error
	for _, recipient := range s.recipients {
		_, err := s.queue.Enqueue(ctx, EnqueueRequest{
			Recipient: recipient,
			Trigger:   trigger,
			Channels:  []Channel{ChannelEmail},
			Priority:  priority,
			TemplateData: map[string]any{
				"subject":      subject,
				"body":         body,
				"job_id":       job.ID,
				"execution_id": exec.ID,
				"status":       string(exec.Status),
			},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("enqueue for %s: %w", recipient, err))
		}
	}

	return errors.Join(errs...)
}
