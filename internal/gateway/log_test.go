package gateway

import (
	"context"
	"testing"

	"github.com/go-tick/courier"
	"github.com/stretchr/testify/assert"
)

func TestLoggingGatewaysShouldSucceed(t *testing.T) {
	gw := Logging()
	ctx := context.Background()

	results := []courier.SendResult{
		gw.Push.SendPush(ctx, "device-token-0123456789", "Hi", "body", nil),
		gw.Email.SendEmail(ctx, "alice@example.com", "Hi", "<p>body</p>", "body"),
		gw.SMS.SendSMS(ctx, "+15550100", "body"),
	}

	ids := map[string]bool{}
	for _, res := range results {
		assert.True(t, res.Success)
		assert.False(t, res.Delivered)
		assert.NotEmpty(t, res.MessageID)
		ids[res.MessageID] = true
	}
	assert.Len(t, ids, 3)
}

func TestLoggingGatewaysShouldFailTransientlyOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := Logging().SMS.SendSMS(ctx, "+15550100", "body")
	assert.False(t, res.Success)
	assert.Equal(t, courier.FailureTransient, res.Kind())
}
