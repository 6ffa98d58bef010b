package courier

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-tick/courier/internal/repository"
	"github.com/jmoiron/sqlx"

	_ "github.com/lib/pq"
)

// Dependencies are the collaborators the embedding application provides.
// Targets defaults to the store-backed directory, Renderer to
// TemplateDataRenderer and Sink to dropping notifyOn triggers.
type Dependencies struct {
	Gateways Gateways
	Targets  TargetDirectory
	Renderer Renderer
	Sink     TriggerSink
}

// Courier wires the scheduler, executor, queue and dispatchers over one store.
type Courier struct {
	cfg  *CourierConfig
	db   *sqlx.DB
	repo repository.Repository

	Tasks     *TaskRegistry
	Reminders *ReminderTask
	Jobs      *JobRegistry
	Queue     *Queue
	Cooldowns *CooldownLedger
	Targets   TargetDirectory
	Executor  *Executor
	Scheduler *Scheduler

	deps        Dependencies
	mu          sync.Mutex
	dispatchers []*Dispatcher
}

// Open connects to the Postgres database named by the config's connection
// string and wires a Courier over it.
func Open(ctx context.Context, cfg *CourierConfig, deps Dependencies) (*Courier, error) {
	if cfg.conn == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.conn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	c, err := newCourier(cfg, repository.NewPostgresFromDB(db), deps)
	if err != nil {
		return nil, errors.Join(err, db.Close())
	}
	c.db = db

	return c, nil
}

// NewInMemory wires a Courier over a process-local store. Claims are still
// atomic, but only among dispatchers in this process.
func NewInMemory(cfg *CourierConfig, deps Dependencies) (*Courier, error) {
	return newCourier(cfg, repository.NewMemory(), deps)
}

func newCourier(cfg *CourierConfig, repo repository.Repository, deps Dependencies) (*Courier, error) {
	c := &Courier{
		cfg:       cfg,
		repo:      repo,
		Tasks:     NewTaskRegistry(),
		Reminders: NewReminderTask(),
		Queue:     NewQueue(cfg, repo),
		Cooldowns: NewCooldownLedger(cfg, repo),
		deps:      deps,
	}

	if err := registerBuiltinTasks(c.Tasks, cfg, repo, c.Reminders); err != nil {
		return nil, err
	}

	c.Targets = deps.Targets
	if c.Targets == nil {
		c.Targets = NewStoreTargetDirectory(cfg, repo)
	}

	c.Jobs = NewJobRegistry(cfg, repo, c.Tasks)
	c.Executor = NewExecutor(cfg, repo, c.Tasks, c.Queue, c.Cooldowns, deps.Sink)
	c.Scheduler = NewScheduler(cfg, repo, c.Jobs, c.Executor)

	return c, nil
}

// EnsureBuiltinJobs creates the notification recovery and retry jobs unless
// jobs with those names already exist. It is safe to call from every process
// sharing a store.
func (c *Courier) EnsureBuiltinJobs(ctx context.Context) error {
	existing, err := c.Jobs.ListJobs(ctx)
	if err != nil {
		return err
	}
	names := make(map[string]bool, len(existing))
	for _, job := range existing {
		names[job.Name] = true
	}

	interval := IntervalSchedule(int(c.cfg.maintenance / time.Second))
	builtins := []JobSpec{
		{
			Name:         TemplateNotificationRecovery,
			TemplateType: TemplateNotificationRecovery,
			Schedule:     interval,
		},
		{
			Name:         TemplateNotificationRetry,
			TemplateType: TemplateNotificationRetry,
			Schedule:     interval,
		},
	}

	for _, spec := range builtins {
		if names[spec.Name] {
			continue
		}

		_, err := c.Jobs.CreateJob(ctx, spec)
		if errors.Is(err, ErrJobNameTaken) {
			continue
		}
		if err != nil {
			return fmt.Errorf("creating %s job: %w", spec.Name, err)
		}
		log.Printf("[Courier] Created %s job every %v", spec.Name, c.cfg.maintenance)
	}

	return nil
}

// Migrate creates the schema. It is a no-op for the in-memory store.
func (c *Courier) Migrate(ctx context.Context) error {
	if c.db == nil {
		return nil
	}
	return repository.Migrate(ctx, c.db)
}

// Ping checks the store is reachable.
func (c *Courier) Ping(ctx context.Context) error {
	if c.db == nil {
		return nil
	}
	return c.db.PingContext(ctx)
}

// AddDispatchers creates workers dispatchers per channel. An empty channel
// list means one pool claiming from every channel.
func (c *Courier) AddDispatchers(channels []Channel, workers int) []*Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if len(channels) == 0 {
		channels = []Channel{""}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	added := make([]*Dispatcher, 0, len(channels)*workers)
	for _, channel := range channels {
		for range workers {
			d := NewDispatcher(c.cfg, c.Queue, c.deps.Gateways, c.Targets, c.deps.Renderer, channel)
			added = append(added, d)
		}
	}
	c.dispatchers = append(c.dispatchers, added...)

	return added
}

// Start starts the scheduler and every dispatcher.
func (c *Courier) Start(ctx context.Context) error {
	if err := c.Scheduler.Start(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.dispatchers {
		d.Start()
	}

	return nil
}

// Stop stops dispatchers first, so no new work is claimed, then drains the
// scheduler.
func (c *Courier) Stop(ctx context.Context) error {
	c.mu.Lock()
	dispatchers := append([]*Dispatcher(nil), c.dispatchers...)
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, d := range dispatchers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Stop()
		}()
	}
	wg.Wait()

	return c.Scheduler.Stop(ctx)
}

func (c *Courier) Close() error {
	if c.db == nil {
		return nil
	}

	log.Printf("[Courier] Closing database connection")
	return c.db.Close()
}
