package courier

import (
	"slices"
	"time"

	gotick "github.com/go-tick/core"
)

type ScheduleSerializer func(Schedule) (ScheduleRow, error)
type ScheduleDeserializer func(ScheduleRow) (Schedule, error)

// DeliveryPolicy decides, per trigger, whether a multi-channel request falls
// back through its channels in order or goes out on all of them at once.
type DeliveryPolicy func(trigger string) DeliveryMode

// ErrorObserver receives errors that have no caller to return to, such as
// store failures inside the tick or dispatch loops.
type ErrorObserver interface {
	OnError(err error)
}

type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type CourierConfig struct {
	conn string

	scheduleSerializer   ScheduleSerializer
	scheduleDeserializer ScheduleDeserializer

	tickInterval    time.Duration
	executionGrace  time.Duration
	pollInterval    time.Duration
	batchSize       int
	recoveryTimeout time.Duration
	maxAttempts     int
	maintenance     time.Duration

	productName    string
	smsMaxLength   int
	previewLength  int
	deliveryPolicy DeliveryPolicy

	clock          Clock
	errorObservers []ErrorObserver
}

func DefaultCourierConfig(options ...gotick.Option[CourierConfig]) *CourierConfig {
	config := &CourierConfig{
		scheduleSerializer:   DefaultScheduleSerializer,
		scheduleDeserializer: DefaultScheduleDeserializer,
		tickInterval:         5 * time.Second,
		executionGrace:       time.Minute,
		pollInterval:         time.Second,
		batchSize:            10,
		recoveryTimeout:      15 * time.Minute,
		maxAttempts:          5,
		maintenance:          5 * time.Minute,
		smsMaxLength:         160,
		previewLength:        200,
		deliveryPolicy:       func(string) DeliveryMode { return DeliverFallback },
		clock:                realClock{},
	}

	for _, option := range options {
		option(config)
	}

	return config
}

func WithConn(conn string) gotick.Option[CourierConfig] {
	return func(config *CourierConfig) {
		config.conn = conn
	}
}

func WithScheduleSerializer(serializer ScheduleSerializer) gotick.Option[CourierConfig] {
	return func(config *CourierConfig) {
		config.scheduleSerializer = serializer
	}
}

func WithScheduleDeserializer(deserializer ScheduleDeserializer) gotick.Option[CourierConfig] {
	return func(config *CourierConfig) {
		config.scheduleDeserializer = deserializer
	}
}

// WithTickInterval sets how often the scheduler evaluates due jobs.
func WithTickInterval(interval time.Duration) gotick.Option[CourierConfig] {
	return func(config *CourierConfig) {
		if interval > 0 {
			config.tickInterval = interval
		}
	}
}

// WithExecutionGrace sets how long past its timeout a running execution may
// stay unfinished before the scheduler records it as abandoned.
func WithExecutionGrace(grace time.Duration) gotick.Option[CourierConfig] {
	return func(config *CourierConfig) {
		if grace >= 0 {
			config.executionGrace = grace
		}
	}
}

func WithPollInterval(interval time.Duration) gotick.Option[CourierConfig] {
	return func(config *CourierConfig) {
		if interval > 0 {
			config.pollInterval = interval
		}
	}
}

func WithBatchSize(size int) gotick.Option[CourierConfig] {
	return func(config *CourierConfig) {
		if size > 0 {
			config.batchSize = size
		}
	}
}

// WithRecoveryTimeout sets how long a notification may stay processing
// before the recovery sweep returns it to pending.
func WithRecoveryTimeout(timeout time.Duration) gotick.Option[CourierConfig] {
	return func(config *CourierConfig) {
		if timeout > 0 {
			config.recoveryTimeout = timeout
		}
	}
}

// WithMaintenanceInterval sets the schedule of the recovery and retry jobs
// created by EnsureBuiltinJobs.
func WithMaintenanceInterval(interval time.Duration) gotick.Option[CourierConfig] {
	return func(config *CourierConfig) {
		if interval >= time.Second {
			config.maintenance = interval
		}
	}
}

func WithMaxAttempts(attempts int) gotick.Option[CourierConfig] {
	return func(config *CourierConfig) {
		if attempts > 0 {
			config.maxAttempts = attempts
		}
	}
}

// WithProductName sets the prefix every dispatched text carries.
func WithProductName(name string) gotick.Option[CourierConfig] {
	return func(config *CourierConfig) {
		config.productName = name
	}
}

func WithSMSMaxLength(length int) gotick.Option[CourierConfig] {
	return func(config *CourierConfig) {
		if length > 0 {
			config.smsMaxLength = length
		}
	}
}

func WithDeliveryPolicy(policy DeliveryPolicy) gotick.Option[CourierConfig] {
	return func(config *CourierConfig) {
		if policy != nil {
			config.deliveryPolicy = policy
		}
	}
}

func WithClock(clock Clock) gotick.Option[CourierConfig] {
	return func(config *CourierConfig) {
		if clock != nil {
			config.clock = clock
		}
	}
}

func WithErrorObservers(observers ...ErrorObserver) gotick.Option[CourierConfig] {
	return func(config *CourierConfig) {
		config.errorObservers = append(config.errorObservers, observers...)
	}
}

func (c *CourierConfig) now() time.Time {
	return c.clock.Now()
}

func (c *CourierConfig) onError(err error) {
	for _, observer := range slices.Clone(c.errorObservers) {
		observer.OnError(err)
	}
}
