package courier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShouldRemindShouldHonourCooldownWindow(t *testing.T) {
	clock := newFakeClock()
	c := newTestCourier(t, clock, Dependencies{})
	ctx := context.Background()
	window := 4 * time.Hour

	ok, err := c.Cooldowns.ShouldRemind(ctx, "alice", "pending_messages", window)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Cooldowns.RecordReminder(ctx, "alice", "pending_messages", map[string]any{"count": 3}))

	ok, err = c.Cooldowns.ShouldRemind(ctx, "alice", "pending_messages", window)
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(window - time.Second)
	ok, err = c.Cooldowns.ShouldRemind(ctx, "alice", "pending_messages", window)
	require.NoError(t, err)
	assert.False(t, ok)

	clock.Advance(time.Second)
	ok, err = c.Cooldowns.ShouldRemind(ctx, "alice", "pending_messages", window)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCooldownsShouldBeKeyedByRecipientAndKind(t *testing.T) {
	c := newTestCourier(t, newFakeClock(), Dependencies{})
	ctx := context.Background()

	require.NoError(t, c.Cooldowns.RecordReminder(ctx, "alice", "pending_messages", nil))

	ok, err := c.Cooldowns.ShouldRemind(ctx, "alice", "data_cleanup", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Cooldowns.ShouldRemind(ctx, "bob", "pending_messages", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRecordReminderShouldOverwrite(t *testing.T) {
	clock := newFakeClock()
	c := newTestCourier(t, clock, Dependencies{})
	ctx := context.Background()

	require.NoError(t, c.Cooldowns.RecordReminder(ctx, "alice", "pending_messages", map[string]any{"count": 1}))
	clock.Advance(time.Hour)
	require.NoError(t, c.Cooldowns.RecordReminder(ctx, "alice", "pending_messages", map[string]any{"count": 4}))

	last, ok, err := c.Cooldowns.Last(ctx, "alice", "pending_messages")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, clock.Now(), last.LastSentAt)
	assert.EqualValues(t, 4, last.Snapshot["count"])
}

func TestRecordReminderShouldValidate(t *testing.T) {
	c := newTestCourier(t, newFakeClock(), Dependencies{})

	assert.ErrorIs(t, c.Cooldowns.RecordReminder(context.Background(), "", "pending_messages", nil), ErrValidation)
}
