package courier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeDeserializeShouldWork(t *testing.T) {
	tests := []struct {
		name       string
		schedule   Schedule
		additional func(t *testing.T, row ScheduleRow, schedule Schedule)
	}{
		{
			name:     "interval",
			schedule: IntervalSchedule(60),
			additional: func(t *testing.T, row ScheduleRow, _ Schedule) {
				assert.Equal(t, "interval", row.ScheduleType)
				assert.Equal(t, "60", row.Schedule)
			},
		},
		{
			name:     "cron",
			schedule: CronSchedule("1 * * * *", ""),
			additional: func(t *testing.T, row ScheduleRow, schedule Schedule) {
				assert.Equal(t, "cron", row.ScheduleType)
				assert.Empty(t, schedule.Timezone)
			},
		},
		{
			name:     "cron_timezone",
			schedule: CronSchedule("0 9 * * 1-5", "Europe/Berlin"),
			additional: func(t *testing.T, row ScheduleRow, schedule Schedule) {
				assert.JSONEq(t, `{"timezone":"Europe/Berlin"}`, string(row.Metadata))
				assert.Equal(t, "Europe/Berlin", schedule.Timezone)
			},
		},
		{
			name:     "cron_descriptor",
			schedule: CronSchedule("@hourly", "UTC"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row, err := DefaultScheduleSerializer(tt.schedule)
			require.NoError(t, err)

			deserialized, err := DefaultScheduleDeserializer(row)
			require.NoError(t, err)

			assert.Equal(t, tt.schedule, deserialized)

			if tt.additional != nil {
				tt.additional(t, row, deserialized)
			}
		})
	}
}

func TestSerializeShouldRejectMalformedSchedules(t *testing.T) {
	_, err := DefaultScheduleSerializer(CronSchedule("not a cron", ""))
	assert.ErrorIs(t, err, ErrCannotParseSchedule)

	_, err = DefaultScheduleSerializer(IntervalSchedule(0))
	assert.ErrorIs(t, err, ErrCannotParseSchedule)

	_, err = DefaultScheduleSerializer(Schedule{Kind: "calendar"})
	assert.ErrorIs(t, err, ErrUnknownScheduleType)
}

func TestDeserializeShouldRejectUnknownRows(t *testing.T) {
	_, err := DefaultScheduleDeserializer(ScheduleRow{ScheduleType: "seq", Schedule: "x"})
	assert.ErrorIs(t, err, ErrUnknownScheduleType)

	_, err = DefaultScheduleDeserializer(ScheduleRow{ScheduleType: "interval", Schedule: "soon"})
	assert.ErrorIs(t, err, ErrCannotParseSchedule)
}
