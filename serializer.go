package courier

import (
	"encoding/json"
	"strconv"

	"github.com/robfig/cron/v3"
)

// ScheduleRow is the persisted form of a Schedule.
type ScheduleRow struct {
	ScheduleType string
	Schedule     string
	Metadata     []byte
}

func DefaultScheduleSerializer(schedule Schedule) (ScheduleRow, error) {
	metadata := make(map[string]any)

	switch schedule.Kind {
	case ScheduleInterval:
		if schedule.IntervalSeconds <= 0 {
			return ScheduleRow{}, ErrCannotParseSchedule
		}

		mdata, err := json.Marshal(metadata)
		if err != nil {
			return ScheduleRow{}, err
		}

		return ScheduleRow{
			ScheduleType: string(ScheduleInterval),
			Schedule:     strconv.Itoa(schedule.IntervalSeconds),
			Metadata:     mdata,
		}, nil
	case ScheduleCron:
		if _, err := cron.ParseStandard(schedule.Expression); err != nil {
			return ScheduleRow{}, ErrCannotParseSchedule
		}

		if schedule.Timezone != "" {
			metadata["timezone"] = schedule.Timezone
		}

		mdata, err := json.Marshal(metadata)
		if err != nil {
			return ScheduleRow{}, err
		}

		return ScheduleRow{
			ScheduleType: string(ScheduleCron),
			Schedule:     schedule.Expression,
			Metadata:     mdata,
		}, nil
	default:
		return ScheduleRow{}, ErrUnknownScheduleType
	}
}

func DefaultScheduleDeserializer(row ScheduleRow) (Schedule, error) {
	var result Schedule

	switch ScheduleKind(row.ScheduleType) {
	case ScheduleInterval:
		seconds, err := strconv.Atoi(row.Schedule)
		if err != nil || seconds <= 0 {
			return Schedule{}, ErrCannotParseSchedule
		}

		result = IntervalSchedule(seconds)
	case ScheduleCron:
		if _, err := cron.ParseStandard(row.Schedule); err != nil {
			return Schedule{}, ErrCannotParseSchedule
		}

		result = CronSchedule(row.Schedule, "")
	default:
		return Schedule{}, ErrUnknownScheduleType
	}

	if len(row.Metadata) > 0 {
		var metadata map[string]any
		if err := json.Unmarshal(row.Metadata, &metadata); err != nil {
			return Schedule{}, err
		}

		if tz, ok := metadata["timezone"]; ok {
			if name, ok := tz.(string); ok {
				result.Timezone = name
			}
		}
	}

	return result, nil
}
