// Package gateway holds channel adapters that only log what they would send.
// They let the daemon run end to end before real transports are wired in.
package gateway

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/go-tick/courier"
)

var sequence atomic.Int64

func messageID(channel string) string {
	return fmt.Sprintf("log_%s_%d_%d", channel, time.Now().UnixNano(), sequence.Add(1))
}

type LogPush struct{}

func (LogPush) SendPush(ctx context.Context, target, title, body string, data map[string]string) courier.SendResult {
	if err := ctx.Err(); err != nil {
		return courier.Failed(courier.FailureTransient, err)
	}

	log.Printf("[Gateway push] Would send to %s: %s - %s", courier.MaskTarget(target), title, body)
	return courier.Sent(messageID("push"))
}

type LogEmail struct{}

func (LogEmail) SendEmail(ctx context.Context, address, subject, html, text string) courier.SendResult {
	if err := ctx.Err(); err != nil {
		return courier.Failed(courier.FailureTransient, err)
	}

	log.Printf("[Gateway email] Would send to %s: %s (%d bytes html, %d bytes text)",
		courier.MaskTarget(address), subject, len(html), len(text))
	return courier.Sent(messageID("email"))
}

type LogSMS struct{}

func (LogSMS) SendSMS(ctx context.Context, phoneNumber, body string) courier.SendResult {
	if err := ctx.Err(); err != nil {
		return courier.Failed(courier.FailureTransient, err)
	}

	log.Printf("[Gateway sms] Would send to %s: %s", courier.MaskTarget(phoneNumber), body)
	return courier.Sent(messageID("sms"))
}

// Logging returns log-only adapters for every channel.
func Logging() courier.Gateways {
	return courier.Gateways{
		Push:  LogPush{},
		Email: LogEmail{},
		SMS:   LogSMS{},
	}
}
