package courier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureBuiltinJobsShouldScheduleRecoveryOnce(t *testing.T) {
	clock := newFakeClock()
	c := newTestCourier(t, clock, Dependencies{}, WithMaintenanceInterval(2*time.Minute))
	ctx := context.Background()

	require.NoError(t, c.EnsureBuiltinJobs(ctx))
	require.NoError(t, c.EnsureBuiltinJobs(ctx))

	jobs, err := c.Jobs.ListJobs(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	byName := map[string]Job{}
	for _, job := range jobs {
		byName[job.Name] = job
	}
	require.Contains(t, byName, TemplateNotificationRecovery)
	require.Contains(t, byName, TemplateNotificationRetry)
	assert.Equal(t, 120, byName[TemplateNotificationRecovery].Schedule.IntervalSeconds)

	due, err := c.Jobs.ListDueJobs(ctx, clock.Now())
	require.NoError(t, err)
	assert.Len(t, due, 2)
}

func TestEnsureBuiltinJobsShouldKeepExistingJob(t *testing.T) {
	c := newTestCourier(t, newFakeClock(), Dependencies{})
	ctx := context.Background()

	custom := createJob(t, c, JobSpec{
		Name:         TemplateNotificationRecovery,
		TemplateType: TemplateNotificationRecovery,
		Schedule:     IntervalSchedule(60),
		Parameters:   Parameters{"timeout_minutes": 30},
	})

	require.NoError(t, c.EnsureBuiltinJobs(ctx))

	job, err := c.Jobs.GetJob(ctx, custom.ID)
	require.NoError(t, err)
	assert.Equal(t, 60, job.Schedule.IntervalSeconds)

	jobs, err := c.Jobs.ListJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestBuiltinRecoveryJobShouldRecoverAbandonedClaims(t *testing.T) {
	clock := newFakeClock()
	c := newTestCourier(t, clock, Dependencies{})
	ctx := context.Background()
	require.NoError(t, c.EnsureBuiltinJobs(ctx))

	id := enqueue(t, c.Queue, "alice", ChannelPush)
	_, err := c.Queue.ClaimPending(ctx, ChannelPush, 10)
	require.NoError(t, err)

	clock.Advance(20 * time.Minute)
	started, err := c.Scheduler.Tick(ctx)
	require.NoError(t, err)
	c.Scheduler.Wait()
	assert.Equal(t, 2, started)

	n := requireStatus(t, c, id, StatusPending)
	assert.Equal(t, 1, n.Attempts)
}
