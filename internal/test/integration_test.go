package test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-tick/courier"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type errorObserver struct {
	t *testing.T
}

func (e *errorObserver) OnError(err error) {
	assert.NoError(e.t, err)
}

var _ courier.ErrorObserver = (*errorObserver)(nil)

type countingGateway struct {
	mu   sync.Mutex
	sent map[string]int
}

func (g *countingGateway) SendEmail(_ context.Context, address, _, _, _ string) courier.SendResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent[address]++
	return courier.Sent("msg-" + address)
}

func open(t *testing.T) *courier.Courier {
	t.Helper()

	conn := os.Getenv("COURIER_TEST_CONN")
	if conn == "" {
		t.Skip("COURIER_TEST_CONN is not set")
	}

	ctx := context.Background()
	cfg := courier.DefaultCourierConfig(
		courier.WithConn(conn),
		courier.WithErrorObservers(&errorObserver{t}),
		courier.WithTickInterval(50*time.Millisecond),
		courier.WithPollInterval(20*time.Millisecond),
	)

	c, err := courier.Open(ctx, cfg, courier.Dependencies{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Migrate(ctx))

	db, err := sqlx.ConnectContext(ctx, "postgres", conn)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.ExecContext(ctx, `TRUNCATE jobs, job_executions, notification_requests, delivery_log,
		reminder_cooldowns, delivery_targets CASCADE`)
	require.NoError(t, err)

	return c
}

func TestDispatchersShouldDeliverEachRequestOnce(t *testing.T) {
	gw := &countingGateway{sent: make(map[string]int)}
	c := open(t)
	ctx := context.Background()

	// rewire with the counting gateway over the same store
	cfg := courier.DefaultCourierConfig(courier.WithConn(os.Getenv("COURIER_TEST_CONN")), courier.WithPollInterval(20*time.Millisecond))
	c2, err := courier.Open(ctx, cfg, courier.Dependencies{Gateways: courier.Gateways{Email: gw}})
	require.NoError(t, err)
	defer c2.Close()

	dir, ok := c2.Targets.(*courier.StoreTargetDirectory)
	require.True(t, ok)

	const recipients = 40
	for i := range recipients {
		recipient := fmt.Sprintf("user-%02d", i)
		require.NoError(t, dir.Register(ctx, recipient, courier.ChannelEmail, recipient+"@example.com"))
		_, err := c.Queue.Enqueue(ctx, courier.EnqueueRequest{
			Recipient:    recipient,
			Trigger:      "digest",
			Channels:     []courier.Channel{courier.ChannelEmail},
			TemplateData: map[string]any{"subject": "Digest", "body": "Your weekly digest"},
		})
		require.NoError(t, err)
	}

	c2.AddDispatchers([]courier.Channel{courier.ChannelEmail}, 4)
	require.NoError(t, c2.Start(ctx))

	require.Eventually(t, func() bool {
		stats, err := c.Queue.Stats(ctx)
		return err == nil && stats.Counts[courier.StatusSent] == recipients
	}, 10*time.Second, 50*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, c2.Stop(stopCtx))

	gw.mu.Lock()
	defer gw.mu.Unlock()
	assert.Len(t, gw.sent, recipients)
	for address, n := range gw.sent {
		assert.Equal(t, 1, n, address)
	}
}

func TestSchedulersShouldShareJobs(t *testing.T) {
	c := open(t)
	ctx := context.Background()

	var runs atomic.Int32
	task := courier.TaskFunc(func(context.Context, *courier.TaskContext) (*courier.TaskResult, error) {
		runs.Add(1)
		return &courier.TaskResult{Status: courier.TaskSuccess}, nil
	})
	require.NoError(t, c.Tasks.Register("count", task))

	other, err := courier.Open(ctx, courier.DefaultCourierConfig(courier.WithConn(os.Getenv("COURIER_TEST_CONN"))), courier.Dependencies{})
	require.NoError(t, err)
	defer other.Close()
	require.NoError(t, other.Tasks.Register("count", task))

	_, err = c.Jobs.CreateJob(ctx, courier.JobSpec{
		Name:         "shared",
		TemplateType: "count",
		Schedule:     courier.IntervalSchedule(3600),
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, s := range []*courier.Scheduler{c.Scheduler, other.Scheduler} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Tick(ctx)
			assert.NoError(t, err)
			s.Wait()
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, runs.Load())
}
