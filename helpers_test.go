package courier

import (
	"context"
	"sync"
	"testing"
	"time"

	gotick "github.com/go-tick/core"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type errorCollector struct {
	mu   sync.Mutex
	errs []error
}

func (c *errorCollector) OnError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs = append(c.errs, err)
}

func (c *errorCollector) Errors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.errs...)
}

func newTestCourier(t *testing.T, clock *fakeClock, deps Dependencies, options ...gotick.Option[CourierConfig]) *Courier {
	t.Helper()

	options = append([]gotick.Option[CourierConfig]{WithClock(clock)}, options...)
	c, err := NewInMemory(DefaultCourierConfig(options...), deps)
	require.NoError(t, err)

	return c
}

type sentMessage struct {
	channel Channel
	target  string
	title   string
	body    string
	subject string
}

// fakeGateway implements every channel adapter and answers from results,
// keyed by target. Targets without an entry succeed.
type fakeGateway struct {
	mu      sync.Mutex
	results map[string]SendResult
	sent    []sentMessage
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{results: make(map[string]SendResult)}
}

func (g *fakeGateway) respond(channel Channel, msg sentMessage) SendResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	msg.channel = channel
	g.sent = append(g.sent, msg)
	if res, ok := g.results[msg.target]; ok {
		return res
	}
	return Sent("ok")
}

func (g *fakeGateway) SendPush(_ context.Context, target, title, body string, _ map[string]string) SendResult {
	return g.respond(ChannelPush, sentMessage{target: target, title: title, body: body})
}

func (g *fakeGateway) SendEmail(_ context.Context, address, subject, _, text string) SendResult {
	return g.respond(ChannelEmail, sentMessage{target: address, subject: subject, body: text})
}

func (g *fakeGateway) SendSMS(_ context.Context, phoneNumber, body string) SendResult {
	return g.respond(ChannelSMS, sentMessage{target: phoneNumber, body: body})
}

func (g *fakeGateway) Sent() []sentMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]sentMessage(nil), g.sent...)
}

func (g *fakeGateway) gateways() Gateways {
	return Gateways{Push: g, Email: g, SMS: g}
}
