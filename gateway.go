package courier

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/go-tick/courier/internal/model"
	"github.com/go-tick/courier/internal/repository"
	"github.com/google/uuid"
)

// SendResult is what a gateway reports for one wire-level send. A failed send
// carries its classification in Err, usually a *DispatchError.
type SendResult struct {
	Success   bool
	Delivered bool
	MessageID string
	Err       error
}

// Kind returns the failure classification of an unsuccessful send.
func (r SendResult) Kind() FailureKind {
	if r.Success {
		return ""
	}

	var de *DispatchError
	if errors.As(r.Err, &de) {
		return de.Kind
	}
	return FailureUnknown
}

func Sent(messageID string) SendResult {
	return SendResult{Success: true, MessageID: messageID}
}

func Delivered(messageID string) SendResult {
	return SendResult{Success: true, Delivered: true, MessageID: messageID}
}

func Failed(kind FailureKind, err error) SendResult {
	return SendResult{Err: NewDispatchError(kind, err)}
}

// Gateways do no retrying of their own. Retries belong to the queue.
type PushGateway interface {
	SendPush(ctx context.Context, target, title, body string, data map[string]string) SendResult
}

type EmailGateway interface {
	SendEmail(ctx context.Context, address, subject, html, text string) SendResult
}

type SMSGateway interface {
	SendSMS(ctx context.Context, phoneNumber, body string) SendResult
}

// Gateways bundles the adapters a dispatcher sends through. A nil adapter
// means the channel cannot be dispatched by this process.
type Gateways struct {
	Push  PushGateway
	Email EmailGateway
	SMS   SMSGateway
}

func (g Gateways) supports(channel Channel) bool {
	switch channel {
	case ChannelPush:
		return g.Push != nil
	case ChannelEmail:
		return g.Email != nil
	case ChannelSMS:
		return g.SMS != nil
	default:
		return false
	}
}

func (g Gateways) send(ctx context.Context, channel Channel, target string, msg Message) SendResult {
	switch channel {
	case ChannelPush:
		return g.Push.SendPush(ctx, target, msg.Title, msg.Body, msg.Data)
	case ChannelEmail:
		return g.Email.SendEmail(ctx, target, msg.Subject, msg.HTML, msg.Text)
	case ChannelSMS:
		return g.SMS.SendSMS(ctx, target, msg.Body)
	default:
		return Failed(FailureUnknown, fmt.Errorf("%w: %s", ErrNoGateway, channel))
	}
}

// TargetDirectory resolves a recipient to its active delivery targets on a
// channel (device tokens, verified addresses, phone numbers) and retires
// targets that a gateway reported as invalid.
type TargetDirectory interface {
	Targets(ctx context.Context, recipient string, channel Channel) ([]string, error)
	Deactivate(ctx context.Context, recipient string, channel Channel, target, reason string) error
}

// StoreTargetDirectory keeps delivery targets in the delivery_targets table.
type StoreTargetDirectory struct {
	cfg  *CourierConfig
	repo repository.Repository
}

func NewStoreTargetDirectory(cfg *CourierConfig, repo repository.Repository) *StoreTargetDirectory {
	return &StoreTargetDirectory{cfg: cfg, repo: repo}
}

// Register adds a target, or reactivates it if it was retired.
func (d *StoreTargetDirectory) Register(ctx context.Context, recipient string, channel Channel, target string) error {
	if recipient == "" || target == "" {
		return newValidationError("target", "recipient and target are required")
	}
	if !channel.valid() {
		return newValidationError("channel", fmt.Sprintf("unknown channel %q", channel))
	}

	return d.repo.UpsertTarget(ctx, model.DeliveryTarget{
		ID:        uuid.NewString(),
		Recipient: recipient,
		Channel:   string(channel),
		Target:    target,
		Active:    true,
		CreatedAt: d.cfg.now(),
	})
}

func (d *StoreTargetDirectory) Targets(ctx context.Context, recipient string, channel Channel) ([]string, error) {
	rows, err := d.repo.ListActiveTargets(ctx, recipient, string(channel))
	if err != nil {
		return nil, err
	}

	targets := make([]string, 0, len(rows))
	for _, row := range rows {
		targets = append(targets, row.Target)
	}

	return targets, nil
}

func (d *StoreTargetDirectory) Deactivate(ctx context.Context, recipient string, channel Channel, target, reason string) error {
	if err := d.repo.DeactivateTarget(ctx, recipient, string(channel), target, reason, d.cfg.now()); err != nil {
		return err
	}

	log.Printf("[Targets] Deactivated %s target %s for %s: %s", channel, MaskTarget(target), recipient, reason)
	return nil
}

// MaskTarget hides all but the edges of a token, address or phone number.
func MaskTarget(target string) string {
	r := []rune(target)
	if len(r) <= 8 {
		return "***"
	}
	return string(r[:4]) + "..." + string(r[len(r)-4:])
}
