package courier

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-tick/courier/internal/model"
	"github.com/go-tick/courier/internal/repository"
)

// Reminder is the last reminder of one kind sent to one recipient.
type Reminder struct {
	Recipient    string         `json:"recipient"`
	ReminderKind string         `json:"reminder_kind"`
	LastSentAt   time.Time      `json:"last_sent_at"`
	Snapshot     map[string]any `json:"snapshot,omitempty"`
}

// CooldownLedger remembers when each recipient was last reminded of each
// kind of standing condition.
//
// ShouldRemind followed by RecordReminder is not atomic. Two jobs racing on
// the same recipient may both remind; a duplicate reminder is acceptable here,
// unlike a duplicate notification claim.
type CooldownLedger struct {
	cfg  *CourierConfig
	repo repository.Repository
}

func NewCooldownLedger(cfg *CourierConfig, repo repository.Repository) *CooldownLedger {
	return &CooldownLedger{cfg: cfg, repo: repo}
}

// ShouldRemind reports whether no reminder of kind reached recipient within
// window.
func (l *CooldownLedger) ShouldRemind(ctx context.Context, recipient, kind string, window time.Duration) (bool, error) {
	last, ok, err := l.Last(ctx, recipient, kind)
	if err != nil || !ok {
		return err == nil, err
	}

	return !l.cfg.now().Before(last.LastSentAt.Add(window)), nil
}

// RecordReminder stamps recipient and kind with now, replacing any earlier
// record.
func (l *CooldownLedger) RecordReminder(ctx context.Context, recipient, kind string, snapshot map[string]any) error {
	if recipient == "" || kind == "" {
		return newValidationError("reminder", "recipient and kind are required")
	}

	raw := []byte("{}")
	if snapshot != nil {
		b, err := json.Marshal(snapshot)
		if err != nil {
			return newValidationError("snapshot", err.Error())
		}
		raw = b
	}

	return l.repo.UpsertCooldown(ctx, model.CooldownRecord{
		Recipient:    recipient,
		ReminderKind: kind,
		LastSentAt:   l.cfg.now(),
		Snapshot:     raw,
	})
}

// Last returns the stored reminder, if any.
func (l *CooldownLedger) Last(ctx context.Context, recipient, kind string) (Reminder, bool, error) {
	rec, err := l.repo.GetCooldown(ctx, recipient, kind)
	if errors.Is(err, repository.ErrNotFound) {
		return Reminder{}, false, nil
	}
	if err != nil {
		return Reminder{}, false, err
	}

	snapshot := map[string]any{}
	if len(rec.Snapshot) > 0 {
		if err := rec.Snapshot.Unmarshal(&snapshot); err != nil {
			return Reminder{}, false, err
		}
	}

	return Reminder{
		Recipient:    rec.Recipient,
		ReminderKind: rec.ReminderKind,
		LastSentAt:   rec.LastSentAt,
		Snapshot:     snapshot,
	}, true, nil
}
