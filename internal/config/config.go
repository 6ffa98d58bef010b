package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-tick/courier"
	gotick "github.com/go-tick/core"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr             string
	DatabaseURL          string
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool

	SchedulerTick   time.Duration
	ExecutionGrace  time.Duration
	RecoveryTimeout time.Duration
	// MaintenanceInterval schedules the built-in recovery and retry jobs.
	MaintenanceInterval time.Duration

	DispatchChannels     []courier.Channel
	DispatchWorkers      int
	DispatchBatchSize    int
	DispatchPollInterval time.Duration
	MaxAttempts          int

	ProductName        string
	SMSMaxLength       int
	OperatorRecipients []string
}

// Load reads the daemon configuration from the environment, after loading a
// .env file if one is present.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		HTTPAddr:             getenv("HTTP_ADDR", ":8080"),
		DatabaseURL:          getenv("DATABASE_URL", ""),
		CORSAllowCredentials: getenv("CORS_ALLOW_CREDENTIALS", "false") == "true",
		CORSAllowedOrigins:   splitList(getenv("CORS_ALLOWED_ORIGINS", "")),
		ProductName:          getenv("PRODUCT_NAME", ""),
		OperatorRecipients:   splitList(getenv("OPERATOR_RECIPIENTS", "")),
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("missing env: DATABASE_URL")
	}

	var err error
	if cfg.SchedulerTick, err = getDuration("SCHEDULER_TICK", 5*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ExecutionGrace, err = getDuration("EXECUTION_GRACE", time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.RecoveryTimeout, err = getDuration("RECOVERY_TIMEOUT", 15*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.MaintenanceInterval, err = getDuration("MAINTENANCE_INTERVAL", 5*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.MaintenanceInterval < time.Second {
		return Config{}, fmt.Errorf("MAINTENANCE_INTERVAL: must be at least 1s, got %v", cfg.MaintenanceInterval)
	}
	if cfg.DispatchPollInterval, err = getDuration("DISPATCH_POLL_INTERVAL", time.Second); err != nil {
		return Config{}, err
	}
	if cfg.DispatchWorkers, err = getInt("DISPATCH_WORKERS", 1); err != nil {
		return Config{}, err
	}
	if cfg.DispatchBatchSize, err = getInt("DISPATCH_BATCH_SIZE", 10); err != nil {
		return Config{}, err
	}
	if cfg.MaxAttempts, err = getInt("MAX_ATTEMPTS", 5); err != nil {
		return Config{}, err
	}
	if cfg.SMSMaxLength, err = getInt("SMS_MAX_LENGTH", 160); err != nil {
		return Config{}, err
	}

	for _, name := range splitList(getenv("DISPATCH_CHANNELS", "push,email,sms")) {
		switch ch := courier.Channel(name); ch {
		case courier.ChannelPush, courier.ChannelEmail, courier.ChannelSMS:
			cfg.DispatchChannels = append(cfg.DispatchChannels, ch)
		default:
			return Config{}, fmt.Errorf("DISPATCH_CHANNELS: unknown channel %q", name)
		}
	}

	return cfg, nil
}

// CourierOptions translates the daemon configuration into engine options.
func (c Config) CourierOptions() []gotick.Option[courier.CourierConfig] {
	return []gotick.Option[courier.CourierConfig]{
		courier.WithConn(c.DatabaseURL),
		courier.WithTickInterval(c.SchedulerTick),
		courier.WithExecutionGrace(c.ExecutionGrace),
		courier.WithRecoveryTimeout(c.RecoveryTimeout),
		courier.WithMaintenanceInterval(c.MaintenanceInterval),
		courier.WithPollInterval(c.DispatchPollInterval),
		courier.WithBatchSize(c.DispatchBatchSize),
		courier.WithMaxAttempts(c.MaxAttempts),
		courier.WithProductName(c.ProductName),
		courier.WithSMSMaxLength(c.SMSMaxLength),
	}
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func getInt(key string, def int) (int, error) {
	v := getenv(key, "")
	if v == "" {
		return def, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s: expected a positive integer, got %q", key, v)
	}
	return n, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := getenv(key, "")
	if v == "" {
		return def, nil
	}

	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("%s: expected a duration such as 30s, got %q", key, v)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
