package courier

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/go-tick/courier/internal/model"
	"github.com/go-tick/courier/internal/repository"
	"github.com/google/uuid"
)

// Queue is the durable store of notification requests. Every state change is
// a single conditional update in the repository, so any number of
// dispatchers, in any number of processes, can share it.
type Queue struct {
	cfg  *CourierConfig
	repo repository.Repository
}

func NewQueue(cfg *CourierConfig, repo repository.Repository) *Queue {
	return &Queue{cfg: cfg, repo: repo}
}

// Enqueue validates and stores a new pending request and returns its id.
// Whether the recipient exists is the producer's concern.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if err := validateEnqueue(&req); err != nil {
		return "", err
	}

	now := q.cfg.now()
	n := NotificationRequest{
		ID:           uuid.NewString(),
		Recipient:    req.Recipient,
		Trigger:      req.Trigger,
		Channels:     req.Channels,
		Priority:     req.Priority,
		TemplateData: req.TemplateData,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	row, err := notificationToRow(n)
	if err != nil {
		return "", err
	}
	if err := q.repo.InsertNotification(ctx, row); err != nil {
		return "", err
	}

	return n.ID, nil
}

// ClaimPending atomically moves up to limit pending requests that include
// channel to processing and returns them. An empty channel claims from every
// channel. No request is ever returned to two callers.
func (q *Queue) ClaimPending(ctx context.Context, channel Channel, limit int) ([]NotificationRequest, error) {
	if limit <= 0 {
		return []NotificationRequest{}, nil
	}

	rows, err := q.repo.ClaimNotifications(ctx, string(channel), limit, q.cfg.now())
	if err != nil {
		return nil, fmt.Errorf("claiming %s notifications: %w", channel, err)
	}

	claimed := make([]NotificationRequest, 0, len(rows))
	for _, row := range rows {
		n, err := notificationFromRow(row)
		if err != nil {
			// claimed but unreadable; terminate it so the sweep does not recycle it forever
			reason := "malformed: " + err.Error()
			if _, cerr := q.repo.CompleteNotification(ctx, row.ID, string(StatusFailed), &reason, q.cfg.now()); cerr != nil {
				q.cfg.onError(cerr)
			}
			q.cfg.onError(err)
			continue
		}
		claimed = append(claimed, n)
	}

	sort.SliceStable(claimed, func(i, j int) bool {
		ri, rj := claimed[i].Priority.rank(), claimed[j].Priority.rank()
		if ri != rj {
			return ri < rj
		}
		return claimed[i].CreatedAt.Before(claimed[j].CreatedAt)
	})

	return claimed, nil
}

// MarkTerminal moves a processing request to a terminal status and counts the
// attempt.
func (q *Queue) MarkTerminal(ctx context.Context, id string, status NotificationStatus, reason string) error {
	if !status.Terminal() {
		return newValidationError("status", fmt.Sprintf("%q is not terminal", status))
	}

	var r *string
	if reason != "" {
		r = &reason
	}

	ok, err := q.repo.CompleteNotification(ctx, id, string(status), r, q.cfg.now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotProcessing, id)
	}

	return nil
}

// StuckSweep counts what ResetStuckProcessing did with abandoned claims.
type StuckSweep struct {
	Requeued int64
	Failed   int64
}

func (s StuckSweep) Total() int64 { return s.Requeued + s.Failed }

// ResetStuckProcessing recovers every request that has been processing for
// longer than timeout. An abandoned claim counts as an attempt: the request
// goes back to pending, or fails with max_attempts_exceeded once it has used
// its last one.
func (q *Queue) ResetStuckProcessing(ctx context.Context, timeout time.Duration) (StuckSweep, error) {
	if timeout <= 0 {
		return StuckSweep{}, newValidationError("timeout", "must be positive")
	}

	now := q.cfg.now()
	reason := ReasonMaxAttempts + ": abandoned while processing"
	requeued, failed, err := q.repo.ResetStuckNotifications(ctx, now.Add(-timeout), q.cfg.maxAttempts, reason, now)
	if err != nil {
		return StuckSweep{}, err
	}

	sweep := StuckSweep{Requeued: requeued, Failed: failed}
	if sweep.Total() > 0 {
		log.Printf("[Queue] Recovered %d stuck notifications (timeout %v): %d pending, %d failed",
			sweep.Total(), timeout, requeued, failed)
	}

	return sweep, nil
}

// Cancel withdraws a request that no dispatcher has claimed yet.
func (q *Queue) Cancel(ctx context.Context, id, reason string) error {
	var r *string
	if reason != "" {
		r = &reason
	}

	ok, err := q.repo.CancelNotification(ctx, id, r, q.cfg.now())
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotificationMissing, id)
	}
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	if _, err := q.Get(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrNotPending, id)
}

// RequeueTransientFailures returns transiently failed requests to pending once
// backoff has passed, as long as they are below maxAttempts.
func (q *Queue) RequeueTransientFailures(ctx context.Context, maxAttempts int, backoff time.Duration) (int64, error) {
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.maxAttempts
	}

	now := q.cfg.now()
	count, err := q.repo.RequeueFailedNotifications(ctx, ReasonTransientPrefix, maxAttempts, now.Add(-backoff), now)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		log.Printf("[Queue] Requeued %d transiently failed notifications", count)
	}

	return count, nil
}

func (q *Queue) Get(ctx context.Context, id string) (NotificationRequest, error) {
	row, err := q.repo.GetNotification(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return NotificationRequest{}, fmt.Errorf("%w: %s", ErrNotificationMissing, id)
	}
	if err != nil {
		return NotificationRequest{}, err
	}

	return notificationFromRow(row)
}

func (q *Queue) DeliveryLog(ctx context.Context, id string) ([]DeliveryLogEntry, error) {
	rows, err := q.repo.ListDeliveryLog(ctx, id)
	if err != nil {
		return nil, err
	}

	entries := make([]DeliveryLogEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, deliveryLogFromRow(row))
	}

	return entries, nil
}

// Stats reports counts per status and the share of attempted requests that
// went out.
func (q *Queue) Stats(ctx context.Context) (QueueStats, error) {
	counts, err := q.repo.CountNotificationsByStatus(ctx)
	if err != nil {
		return QueueStats{}, err
	}

	stats := QueueStats{Counts: make(map[NotificationStatus]int64, len(counts))}
	for status, n := range counts {
		stats.Counts[NotificationStatus(status)] = n
		stats.Total += n
	}

	succeeded := stats.Counts[StatusSent] + stats.Counts[StatusDelivered]
	if attempted := succeeded + stats.Counts[StatusFailed]; attempted > 0 {
		stats.SuccessRate = float64(succeeded) / float64(attempted)
	}

	return stats, nil
}

func (q *Queue) appendDeliveryLog(ctx context.Context, entry DeliveryLogEntry) error {
	return q.repo.InsertDeliveryLog(ctx, model.DeliveryLogEntry{
		ID:             uuid.NewString(),
		NotificationID: entry.NotificationID,
		Recipient:      entry.Recipient,
		Trigger:        entry.Trigger,
		Channel:        string(entry.Channel),
		Status:         string(entry.Status),
		SuccessCount:   entry.SuccessCount,
		FailureCount:   entry.FailureCount,
		PayloadPreview: entry.PayloadPreview,
		CreatedAt:      entry.Timestamp,
	})
}

func validateEnqueue(req *EnqueueRequest) error {
	req.Recipient = strings.TrimSpace(req.Recipient)
	if req.Recipient == "" {
		return newValidationError("recipient", "required")
	}

	req.Trigger = strings.TrimSpace(req.Trigger)
	if req.Trigger == "" {
		return newValidationError("trigger", "required")
	}

	if len(req.Channels) == 0 {
		return &ValidationError{Field: "channels", Reason: "at least one channel is required", Err: ErrEmptyChannels}
	}
	seen := make(map[Channel]struct{}, len(req.Channels))
	for _, c := range req.Channels {
		if !c.valid() {
			return newValidationError("channels", fmt.Sprintf("unknown channel %q", c))
		}
		if _, ok := seen[c]; ok {
			return newValidationError("channels", fmt.Sprintf("duplicate channel %q", c))
		}
		seen[c] = struct{}{}
	}

	if req.Priority == "" {
		req.Priority = PriorityMedium
	}
	if !req.Priority.valid() {
		return newValidationError("priority", fmt.Sprintf("unknown priority %q", req.Priority))
	}

	return nil
}
