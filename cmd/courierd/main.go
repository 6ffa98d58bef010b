package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-tick/courier"
	"github.com/go-tick/courier/internal/admin"
	"github.com/go-tick/courier/internal/config"
	"github.com/go-tick/courier/internal/gateway"
)

type logObserver struct{}

func (logObserver) OnError(err error) {
	log.Printf("[Courier] %v", err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	options := append(cfg.CourierOptions(), courier.WithErrorObservers(logObserver{}))
	courierCfg := courier.DefaultCourierConfig(options...)

	ctx := context.Background()

	// operator sink needs the queue, which only exists after Open
	var sink courier.TriggerSinkFunc
	deps := courier.Dependencies{
		Gateways: gateway.Logging(),
		Sink: courier.TriggerSinkFunc(func(ctx context.Context, trigger string, job courier.Job, exec courier.JobExecution) error {
			if sink == nil {
				return nil
			}
			return sink(ctx, trigger, job, exec)
		}),
	}

	c, err := courier.Open(ctx, courierCfg, deps)
	if err != nil {
		log.Fatal(err)
	}
	defer c.Close()

	if err := c.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	if err := c.EnsureBuiltinJobs(ctx); err != nil {
		log.Fatal(err)
	}

	if len(cfg.OperatorRecipients) > 0 {
		sink = courier.NewOperatorSink(c.Queue, cfg.OperatorRecipients...).Raise
	}

	c.AddDispatchers(cfg.DispatchChannels, cfg.DispatchWorkers)
	if err := c.Start(ctx); err != nil {
		log.Fatal(err)
	}

	h := &admin.Handler{Jobs: c.Jobs, Scheduler: c.Scheduler, Queue: c.Queue}
	r := admin.NewRouter(h, admin.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowCredentials: cfg.CORSAllowCredentials,
		Ping:             c.Ping,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("listening on %s\n", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	// graceful shutdown
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	if err := c.Stop(shutdownCtx); err != nil {
		log.Printf("[Courier] %v", err)
	}
}
