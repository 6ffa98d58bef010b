package courier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registerTarget(t *testing.T, c *Courier, recipient string, channel Channel, target string) {
	t.Helper()

	dir, ok := c.Targets.(*StoreTargetDirectory)
	require.True(t, ok)
	require.NoError(t, dir.Register(context.Background(), recipient, channel, target))
}

func dispatchAll(t *testing.T, c *Courier) {
	t.Helper()

	d := NewDispatcher(c.cfg, c.Queue, c.deps.Gateways, c.Targets, c.deps.Renderer, "")
	for {
		n, err := d.RunOnce(context.Background())
		require.NoError(t, err)
		if n == 0 {
			return
		}
	}
}

func requireStatus(t *testing.T, c *Courier, id string, status NotificationStatus) NotificationRequest {
	t.Helper()

	n, err := c.Queue.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, status, n.Status)

	return n
}

func TestDispatchWithoutTargetsShouldSkip(t *testing.T) {
	gw := newFakeGateway()
	c := newTestCourier(t, newFakeClock(), Dependencies{Gateways: gw.gateways()})
	id := enqueue(t, c.Queue, "alice", ChannelPush)

	dispatchAll(t, c)

	n := requireStatus(t, c, id, StatusSkipped)
	require.NotNil(t, n.StatusReason)
	assert.Equal(t, ReasonNoActiveSubscriptions, *n.StatusReason)
	assert.Equal(t, 1, n.Attempts)
	assert.Empty(t, gw.Sent())

	entries, err := c.Queue.DeliveryLog(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, StatusSkipped, entries[0].Status)
	assert.Equal(t, ChannelPush, entries[0].Channel)
}

func TestDispatchFallbackShouldTryChannelsInOrder(t *testing.T) {
	gw := newFakeGateway()
	c := newTestCourier(t, newFakeClock(), Dependencies{Gateways: gw.gateways()})
	registerTarget(t, c, "alice", ChannelSMS, "+15550001111")
	id := enqueue(t, c.Queue, "alice", ChannelPush, ChannelSMS)

	dispatchAll(t, c)

	requireStatus(t, c, id, StatusSent)
	sent := gw.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, ChannelSMS, sent[0].channel)

	entries, err := c.Queue.DeliveryLog(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	statuses := map[Channel]NotificationStatus{}
	for _, e := range entries {
		statuses[e.Channel] = e.Status
	}
	assert.Equal(t, StatusSkipped, statuses[ChannelPush])
	assert.Equal(t, StatusSent, statuses[ChannelSMS])
}

func TestDispatchFallbackShouldStopAtFirstSuccess(t *testing.T) {
	gw := newFakeGateway()
	c := newTestCourier(t, newFakeClock(), Dependencies{Gateways: gw.gateways()})
	registerTarget(t, c, "alice", ChannelPush, "device-token-aaaa")
	registerTarget(t, c, "alice", ChannelSMS, "+15550001111")
	enqueue(t, c.Queue, "alice", ChannelPush, ChannelSMS)

	dispatchAll(t, c)

	sent := gw.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, ChannelPush, sent[0].channel)
}

func TestDispatchAllShouldSendOnEveryChannel(t *testing.T) {
	gw := newFakeGateway()
	c := newTestCourier(t, newFakeClock(), Dependencies{Gateways: gw.gateways()},
		WithDeliveryPolicy(func(trigger string) DeliveryMode {
			if trigger == "new_message" {
				return DeliverAll
			}
			return DeliverFallback
		}))
	registerTarget(t, c, "alice", ChannelPush, "device-token-aaaa")
	registerTarget(t, c, "alice", ChannelEmail, "alice@example.com")
	id := enqueue(t, c.Queue, "alice", ChannelPush, ChannelEmail)

	dispatchAll(t, c)

	requireStatus(t, c, id, StatusSent)
	channels := map[Channel]int{}
	for _, m := range gw.Sent() {
		channels[m.channel]++
	}
	assert.Equal(t, map[Channel]int{ChannelPush: 1, ChannelEmail: 1}, channels)

	entries, err := c.Queue.DeliveryLog(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestDispatchShouldDeactivateInvalidTargets(t *testing.T) {
	gw := newFakeGateway()
	gw.results["device-token-dead"] = Failed(FailureInvalidTarget, errors.New("unregistered"))
	c := newTestCourier(t, newFakeClock(), Dependencies{Gateways: gw.gateways()})
	registerTarget(t, c, "alice", ChannelPush, "device-token-good")
	registerTarget(t, c, "alice", ChannelPush, "device-token-dead")
	id := enqueue(t, c.Queue, "alice", ChannelPush)

	dispatchAll(t, c)

	requireStatus(t, c, id, StatusSent)
	targets, err := c.Targets.Targets(context.Background(), "alice", ChannelPush)
	require.NoError(t, err)
	assert.Equal(t, []string{"device-token-good"}, targets)

	entries, err := c.Queue.DeliveryLog(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].SuccessCount)
	assert.Equal(t, 1, entries[0].FailureCount)
}

func TestDispatchWithOnlyInvalidTargetsShouldFail(t *testing.T) {
	gw := newFakeGateway()
	gw.results["+15550009999"] = Failed(FailureInvalidTarget, errors.New("not a mobile number"))
	c := newTestCourier(t, newFakeClock(), Dependencies{Gateways: gw.gateways()})
	registerTarget(t, c, "bob", ChannelSMS, "+15550009999")
	id := enqueue(t, c.Queue, "bob", ChannelSMS)

	dispatchAll(t, c)

	n := requireStatus(t, c, id, StatusFailed)
	require.NotNil(t, n.StatusReason)
	assert.Equal(t, ReasonInvalidTarget, *n.StatusReason)

	targets, err := c.Targets.Targets(context.Background(), "bob", ChannelSMS)
	require.NoError(t, err)
	assert.Empty(t, targets)
}

func TestDispatchTransientFailureShouldBeRetryableUntilMaxAttempts(t *testing.T) {
	gw := newFakeGateway()
	gw.results["+15550001111"] = Failed(FailureTransient, errors.New("rate limited"))
	c := newTestCourier(t, newFakeClock(), Dependencies{Gateways: gw.gateways()}, WithMaxAttempts(2))
	registerTarget(t, c, "alice", ChannelSMS, "+15550001111")
	id := enqueue(t, c.Queue, "alice", ChannelSMS)

	dispatchAll(t, c)

	n := requireStatus(t, c, id, StatusFailed)
	require.NotNil(t, n.StatusReason)
	assert.True(t, strings.HasPrefix(*n.StatusReason, ReasonTransientPrefix), *n.StatusReason)

	c.cfg.clock.(*fakeClock).Advance(c.cfg.recoveryTimeout)
	count, err := c.Queue.RequeueTransientFailures(context.Background(), 2, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	dispatchAll(t, c)

	n = requireStatus(t, c, id, StatusFailed)
	assert.Equal(t, 2, n.Attempts)
	assert.True(t, strings.HasPrefix(*n.StatusReason, ReasonMaxAttempts), *n.StatusReason)
}

func TestDispatchShouldReportDeliveredWhenConfirmed(t *testing.T) {
	gw := newFakeGateway()
	gw.results["alice@example.com"] = Delivered("msg-1")
	c := newTestCourier(t, newFakeClock(), Dependencies{Gateways: gw.gateways()})
	registerTarget(t, c, "alice", ChannelEmail, "alice@example.com")
	id := enqueue(t, c.Queue, "alice", ChannelEmail)

	dispatchAll(t, c)

	requireStatus(t, c, id, StatusDelivered)
}

func TestDispatchShouldFailWithoutGateway(t *testing.T) {
	gw := newFakeGateway()
	c := newTestCourier(t, newFakeClock(), Dependencies{Gateways: Gateways{Push: gw}})
	registerTarget(t, c, "alice", ChannelSMS, "+15550001111")
	id := enqueue(t, c.Queue, "alice", ChannelSMS)

	dispatchAll(t, c)

	n := requireStatus(t, c, id, StatusFailed)
	require.NotNil(t, n.StatusReason)
	assert.Contains(t, *n.StatusReason, ErrNoGateway.Error())
}

func TestDispatchShouldPrefixAndTruncateText(t *testing.T) {
	gw := newFakeGateway()
	c := newTestCourier(t, newFakeClock(), Dependencies{Gateways: gw.gateways()},
		WithProductName("Courier"), WithSMSMaxLength(20), WithDeliveryPolicy(func(string) DeliveryMode { return DeliverAll }))
	registerTarget(t, c, "alice", ChannelSMS, "+15550001111")
	registerTarget(t, c, "alice", ChannelPush, "device-token-aaaa")

	_, err := c.Queue.Enqueue(context.Background(), EnqueueRequest{
		Recipient:    "alice",
		Trigger:      "new_message",
		Channels:     []Channel{ChannelSMS, ChannelPush},
		TemplateData: map[string]any{"title": "Courier update", "body": "You have a new message waiting"},
	})
	require.NoError(t, err)

	dispatchAll(t, c)

	var sms, push sentMessage
	for _, m := range gw.Sent() {
		switch m.channel {
		case ChannelSMS:
			sms = m
		case ChannelPush:
			push = m
		}
	}
	assert.Equal(t, "Courier: You have a…", sms.body)
	assert.Equal(t, 20, utf8.RuneCountInString(sms.body))
	assert.Equal(t, "Courier update", push.title)
	assert.Equal(t, "You have a new message waiting", push.body)
}

func TestDispatchFailureShouldNotAbortBatch(t *testing.T) {
	gw := newFakeGateway()
	collector := &errorCollector{}
	c := newTestCourier(t, newFakeClock(), Dependencies{Gateways: gw.gateways()}, WithErrorObservers(collector))
	registerTarget(t, c, "alice", ChannelPush, "device-token-aaaa")
	registerTarget(t, c, "bob", ChannelPush, "device-token-bbbb")

	broken, err := c.Queue.Enqueue(context.Background(), EnqueueRequest{
		Recipient: "alice",
		Trigger:   "new_message",
		Channels:  []Channel{ChannelPush},
	})
	require.NoError(t, err)
	ok := enqueue(t, c.Queue, "bob", ChannelPush)

	dispatchAll(t, c)

	n := requireStatus(t, c, broken, StatusFailed)
	assert.True(t, strings.HasPrefix(*n.StatusReason, ReasonRenderFailed))
	requireStatus(t, c, ok, StatusSent)
	assert.Len(t, collector.Errors(), 1)
}

// brokenPushGateway panics when asked to push to target.
type brokenPushGateway struct {
	*fakeGateway
	target string
}

func (g brokenPushGateway) SendPush(ctx context.Context, target, title, body string, data map[string]string) SendResult {
	if target == g.target {
		panic("gateway bug")
	}
	return g.fakeGateway.SendPush(ctx, target, title, body, data)
}

func TestDispatchGatewayPanicShouldFailOnlyThatRequest(t *testing.T) {
	tests := []struct {
		name string
		mode DeliveryMode
	}{
		{"fallback", DeliverFallback},
		{"deliver_all", DeliverAll},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := newFakeGateway()
			gateways := gw.gateways()
			gateways.Push = brokenPushGateway{fakeGateway: gw, target: "bad-token-aaaa"}

			collector := &errorCollector{}
			c := newTestCourier(t, newFakeClock(), Dependencies{Gateways: gateways},
				WithErrorObservers(collector),
				WithDeliveryPolicy(func(string) DeliveryMode { return tt.mode }))
			registerTarget(t, c, "alice", ChannelPush, "bad-token-aaaa")
			registerTarget(t, c, "alice", ChannelEmail, "alice@example.com")
			registerTarget(t, c, "bob", ChannelPush, "good-token-bbbb")

			alice := enqueue(t, c.Queue, "alice", ChannelPush, ChannelEmail)
			bob := enqueue(t, c.Queue, "bob", ChannelPush)

			dispatchAll(t, c)

			n := requireStatus(t, c, alice, StatusFailed)
			require.NotNil(t, n.StatusReason)
			assert.Equal(t, "unknown: panic: gateway bug", *n.StatusReason)
			assert.Equal(t, 1, n.Attempts)
			requireStatus(t, c, bob, StatusSent)
			assert.Len(t, collector.Errors(), 1)
		})
	}
}

func TestConcurrentDispatchersShouldSendEachRequestOnce(t *testing.T) {
	gw := newFakeGateway()
	c := newTestCourier(t, newFakeClock(), Dependencies{Gateways: gw.gateways()}, WithBatchSize(3))
	const total = 30
	for i := range total {
		recipient := fmt.Sprintf("user-%d", i)
		registerTarget(t, c, recipient, ChannelEmail, recipient+"@example.com")
		enqueue(t, c.Queue, recipient, ChannelEmail)
	}

	dispatchers := c.AddDispatchers([]Channel{ChannelEmail}, 4)
	var wg sync.WaitGroup
	for _, d := range dispatchers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				n, err := d.RunOnce(context.Background())
				if !assert.NoError(t, err) || n == 0 {
					return
				}
			}
		}()
	}
	wg.Wait()

	perTarget := map[string]int{}
	for _, m := range gw.Sent() {
		perTarget[m.target]++
	}
	assert.Len(t, perTarget, total)
	for target, n := range perTarget {
		assert.Equal(t, 1, n, target)
	}

	stats, err := c.Queue.Stats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, total, stats.Counts[StatusSent])
}

func TestDispatcherStartStop(t *testing.T) {
	gw := newFakeGateway()
	c := newTestCourier(t, newFakeClock(), Dependencies{Gateways: gw.gateways()})
	d := c.AddDispatchers([]Channel{ChannelPush}, 1)[0]

	d.Start()
	d.Start()
	assert.True(t, d.IsRunning())

	d.Stop()
	assert.False(t, d.IsRunning())
	d.Stop()
}
