package courier

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-tick/courier/internal/model"
)

type NotificationStatus string

const (
	StatusPending    NotificationStatus = "pending"
	StatusProcessing NotificationStatus = "processing"
	StatusSent       NotificationStatus = "sent"
	StatusDelivered  NotificationStatus = "delivered"
	StatusFailed     NotificationStatus = "failed"
	StatusSkipped    NotificationStatus = "skipped"
	StatusCancelled  NotificationStatus = "cancelled"
)

func (s NotificationStatus) Terminal() bool {
	switch s {
	case StatusSent, StatusDelivered, StatusFailed, StatusSkipped, StatusCancelled:
		return true
	default:
		return false
	}
}

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	default:
		return 3
	}
}

func (p Priority) valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	default:
		return false
	}
}

type Channel string

const (
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

func (c Channel) valid() bool {
	switch c {
	case ChannelPush, ChannelEmail, ChannelSMS:
		return true
	default:
		return false
	}
}

// Status reasons recorded on terminal notifications.
const (
	ReasonNoActiveSubscriptions = "no_active_subscriptions"
	ReasonInvalidTarget         = "invalid_target"
	ReasonTransientPrefix       = "transient"
	ReasonMaxAttempts           = "max_attempts_exceeded"
	ReasonRenderFailed          = "render_failed"
)

type NotificationRequest struct {
	ID                  string             `json:"id"`
	Recipient           string             `json:"recipient"`
	Trigger             string             `json:"trigger"`
	Channels            []Channel          `json:"channels"`
	Priority            Priority           `json:"priority"`
	TemplateData        map[string]any     `json:"template_data"`
	Status              NotificationStatus `json:"status"`
	Attempts            int                `json:"attempts"`
	ProcessingStartedAt *time.Time         `json:"processing_started_at,omitempty"`
	StatusReason        *string            `json:"status_reason,omitempty"`
	CreatedAt           time.Time          `json:"created_at"`
	UpdatedAt           time.Time          `json:"updated_at"`
}

// EnqueueRequest is what an event producer hands to the queue.
type EnqueueRequest struct {
	Recipient    string         `json:"recipient"`
	Trigger      string         `json:"trigger"`
	Channels     []Channel      `json:"channels"`
	Priority     Priority       `json:"priority"`
	TemplateData map[string]any `json:"template_data"`
}

type DeliveryLogEntry struct {
	ID             string             `json:"id"`
	NotificationID string             `json:"notification_id"`
	Recipient      string             `json:"recipient"`
	Trigger        string             `json:"trigger"`
	Channel        Channel            `json:"channel"`
	Status         NotificationStatus `json:"status"`
	SuccessCount   int                `json:"success_count"`
	FailureCount   int                `json:"failure_count"`
	PayloadPreview string             `json:"payload_preview"`
	Timestamp      time.Time          `json:"timestamp"`
}

type QueueStats struct {
	Counts      map[NotificationStatus]int64 `json:"counts"`
	Total       int64                        `json:"total"`
	SuccessRate float64                      `json:"success_rate"`
}

func notificationFromRow(row model.Notification) (NotificationRequest, error) {
	channels := make([]Channel, 0, len(row.Channels))
	for _, c := range row.Channels {
		channels = append(channels, Channel(c))
	}

	data := map[string]any{}
	if err := row.TemplateData.Unmarshal(&data); err != nil {
		return NotificationRequest{}, fmt.Errorf("notification %s template data: %w", row.ID, err)
	}

	return NotificationRequest{
		ID:                  row.ID,
		Recipient:           row.Recipient,
		Trigger:             row.Trigger,
		Channels:            channels,
		Priority:            Priority(row.Priority),
		TemplateData:        data,
		Status:              NotificationStatus(row.Status),
		Attempts:            row.Attempts,
		ProcessingStartedAt: row.ProcessingStartedAt,
		StatusReason:        row.StatusReason,
		CreatedAt:           row.CreatedAt,
		UpdatedAt:           row.UpdatedAt,
	}, nil
}

func notificationToRow(n NotificationRequest) (model.Notification, error) {
	channels := make([]string, 0, len(n.Channels))
	for _, c := range n.Channels {
		channels = append(channels, string(c))
	}

	data := n.TemplateData
	if data == nil {
		data = map[string]any{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return model.Notification{}, newValidationError("template_data", err.Error())
	}

	return model.Notification{
		ID:                  n.ID,
		Recipient:           n.Recipient,
		Trigger:             n.Trigger,
		Channels:            stringArray(channels),
		Priority:            string(n.Priority),
		TemplateData:        raw,
		Status:              string(n.Status),
		Attempts:            n.Attempts,
		ProcessingStartedAt: n.ProcessingStartedAt,
		StatusReason:        n.StatusReason,
		CreatedAt:           n.CreatedAt,
		UpdatedAt:           n.UpdatedAt,
	}, nil
}

func deliveryLogFromRow(row model.DeliveryLogEntry) DeliveryLogEntry {
	return DeliveryLogEntry{
		ID:             row.ID,
		NotificationID: row.NotificationID,
		Recipient:      row.Recipient,
		Trigger:        row.Trigger,
		Channel:        Channel(row.Channel),
		Status:         NotificationStatus(row.Status),
		SuccessCount:   row.SuccessCount,
		FailureCount:   row.FailureCount,
		PayloadPreview: row.PayloadPreview,
		Timestamp:      row.CreatedAt,
	}
}
