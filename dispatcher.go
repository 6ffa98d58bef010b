package courier

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Dispatcher drains the notification queue for one channel. Any number of
// dispatchers may run against the same queue, in this process or others;
// the queue's atomic claim is what keeps them from sending a request twice.
type Dispatcher struct {
	cfg      *CourierConfig
	queue    *Queue
	gateways Gateways
	targets  TargetDirectory
	renderer Renderer
	channel  Channel
	name     string

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewDispatcher creates a dispatcher claiming requests that include channel.
// An empty channel claims requests on any channel. A nil renderer means
// TemplateDataRenderer.
func NewDispatcher(cfg *CourierConfig, queue *Queue, gateways Gateways, targets TargetDirectory, renderer Renderer, channel Channel) *Dispatcher {
	if renderer == nil {
		renderer = TemplateDataRenderer
	}

	name := string(channel)
	if name == "" {
		name = "all"
	}

	return &Dispatcher{
		cfg:      cfg,
		queue:    queue,
		gateways: gateways,
		targets:  targets,
		renderer: renderer,
		channel:  channel,
		name:     name,
	}
}

func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run()
	log.Printf("[Dispatcher %s] Started (batch %d, poll %v)", d.name, d.cfg.batchSize, d.cfg.pollInterval)
}

// Stop waits for the batch in flight to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	close(d.stopCh)
	d.wg.Wait()
	log.Printf("[Dispatcher %s] Stopped", d.name)
}

func (d *Dispatcher) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Dispatcher) run() {
	defer d.wg.Done()

	ctx := context.Background()
	ticker := time.NewTicker(d.cfg.pollInterval)
	defer ticker.Stop()

	for {
		n, err := d.RunOnce(ctx)
		if err != nil {
			log.Printf("[Dispatcher %s] Claim failed: %v", d.name, err)
			d.cfg.onError(err)
		}

		// a full batch usually means more is waiting
		if n == d.cfg.batchSize {
			select {
			case <-d.stopCh:
				return
			default:
				continue
			}
		}

		select {
		case <-ticker.C:
		case <-d.stopCh:
			return
		}
	}
}

// RunOnce claims one batch and dispatches every request in it. It returns
// the number of requests claimed. A failure on one request never stops the
// rest of the batch.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	batch, err := d.queue.ClaimPending(ctx, d.channel, d.cfg.batchSize)
	if err != nil {
		return 0, err
	}

	for _, req := range batch {
		if err := d.dispatchRecovered(ctx, req); err != nil {
			log.Printf("[Dispatcher %s] Notification %s: %v", d.name, req.ID, err)
			d.cfg.onError(err)
		}
	}

	return len(batch), nil
}

type channelOutcome struct {
	channel   Channel
	attempted bool
	succeeded int
	delivered int
	failed    int
	errs      []error
	message   Message
}

func (o channelOutcome) status() NotificationStatus {
	switch {
	case !o.attempted:
		return StatusSkipped
	case o.succeeded > 0 && o.delivered == o.succeeded:
		return StatusDelivered
	case o.succeeded > 0:
		return StatusSent
	default:
		return StatusFailed
	}
}

// dispatchRecovered turns a panic in a renderer or gateway into a failed
// request, so the worker and the rest of its batch carry on.
func (d *Dispatcher) dispatchRecovered(ctx context.Context, req NotificationRequest) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}

		log.Printf("[Dispatcher %s] Notification %s panicked: %v\n%s", d.name, req.ID, r, debug.Stack())
		err = fmt.Errorf("dispatch of %s panicked: %v", req.ID, r)

		reason := fmt.Sprintf("%s: panic: %v", FailureUnknown, r)
		if merr := d.queue.MarkTerminal(ctx, req.ID, StatusFailed, reason); merr != nil {
			err = errors.Join(err, merr)
		}
	}()

	return d.dispatch(ctx, req)
}

func (d *Dispatcher) dispatch(ctx context.Context, req NotificationRequest) error {
	msg, err := d.renderer.Render(req)
	if err != nil {
		reason := ReasonRenderFailed + ": " + err.Error()
		if merr := d.queue.MarkTerminal(ctx, req.ID, StatusFailed, reason); merr != nil {
			return errors.Join(err, merr)
		}
		return err
	}

	var outcomes []channelOutcome
	if len(req.Channels) > 1 && d.cfg.deliveryPolicy(req.Trigger) == DeliverAll {
		outcomes = d.sendAll(ctx, req, msg)
	} else {
		outcomes = d.sendFallback(ctx, req, msg)
	}

	status, reason := d.resolve(req, outcomes)
	markErr := d.queue.MarkTerminal(ctx, req.ID, status, reason)
	if markErr != nil {
		// most likely reclaimed by the recovery sweep while we were sending
		markErr = fmt.Errorf("marking %s: %w", status, markErr)
	}

	now := d.cfg.now()
	var logErrs []error
	for _, o := range outcomes {
		entry := DeliveryLogEntry{
			NotificationID: req.ID,
			Recipient:      req.Recipient,
			Trigger:        req.Trigger,
			Channel:        o.channel,
			Status:         o.status(),
			SuccessCount:   o.succeeded,
			FailureCount:   o.failed,
			PayloadPreview: o.message.preview(o.channel, d.cfg.previewLength),
			Timestamp:      now,
		}
		if err := d.queue.appendDeliveryLog(ctx, entry); err != nil {
			logErrs = append(logErrs, err)
		}
	}

	if reason != "" {
		log.Printf("[Dispatcher %s] Notification %s for %s: %s (%s)", d.name, req.ID, req.Recipient, status, reason)
	}

	return errors.Join(append([]error{markErr}, logErrs...)...)
}

// sendFallback walks the channels in order and stops at the first that
// reaches the recipient.
func (d *Dispatcher) sendFallback(ctx context.Context, req NotificationRequest, msg Message) []channelOutcome {
	outcomes := make([]channelOutcome, 0, len(req.Channels))
	for _, channel := range req.Channels {
		o := d.sendChannel(ctx, req, channel, msg)
		outcomes = append(outcomes, o)
		if o.succeeded > 0 {
			break
		}
	}

	return outcomes
}

func (d *Dispatcher) sendAll(ctx context.Context, req NotificationRequest, msg Message) []channelOutcome {
	outcomes := make([]channelOutcome, len(req.Channels))

	var (
		g        errgroup.Group
		once     sync.Once
		panicked any
	)
	for i, channel := range req.Channels {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					once.Do(func() { panicked = r })
				}
			}()

			outcomes[i] = d.sendChannel(ctx, req, channel, msg)
			return nil
		})
	}
	_ = g.Wait()

	// surfaced on the dispatching goroutine, where dispatchRecovered handles it
	if panicked != nil {
		panic(panicked)
	}

	return outcomes
}

func (d *Dispatcher) sendChannel(ctx context.Context, req NotificationRequest, channel Channel, msg Message) channelOutcome {
	o := channelOutcome{
		channel: channel,
		message: msg.finalize(channel, d.cfg.productName, d.cfg.smsMaxLength),
	}

	targets, err := d.targets.Targets(ctx, req.Recipient, channel)
	if err != nil {
		o.attempted = true
		o.failed = 1
		o.errs = append(o.errs, NewDispatchError(FailureTransient, fmt.Errorf("resolving targets: %w", err)))
		return o
	}
	if len(targets) == 0 {
		return o
	}

	o.attempted = true
	if !d.gateways.supports(channel) {
		o.failed = len(targets)
		o.errs = append(o.errs, NewDispatchError(FailureUnknown, fmt.Errorf("%w: %s", ErrNoGateway, channel)))
		return o
	}

	for _, target := range targets {
		res := d.gateways.send(ctx, channel, target, o.message)
		if res.Success {
			o.succeeded++
			if res.Delivered {
				o.delivered++
			}
			continue
		}

		o.failed++
		err := res.Err
		if err == nil {
			err = NewDispatchError(FailureUnknown, errors.New("gateway reported failure without error"))
		}
		o.errs = append(o.errs, err)

		if res.Kind() == FailureInvalidTarget {
			if derr := d.targets.Deactivate(ctx, req.Recipient, channel, target, err.Error()); derr != nil {
				log.Printf("[Dispatcher %s] Failed to deactivate %s target %s: %v", d.name, channel, MaskTarget(target), derr)
				d.cfg.onError(derr)
			}
		}
	}

	return o
}

// resolve folds the per-channel outcomes into the request's terminal status.
func (d *Dispatcher) resolve(req NotificationRequest, outcomes []channelOutcome) (NotificationStatus, string) {
	var (
		attempted, succeeded, delivered int
		transient, invalid, unknown     []error
	)
	for _, o := range outcomes {
		if o.attempted {
			attempted++
		}
		succeeded += o.succeeded
		delivered += o.delivered
		for _, err := range o.errs {
			switch {
			case IsTransient(err):
				transient = append(transient, err)
			case IsPermanent(err):
				invalid = append(invalid, err)
			default:
				unknown = append(unknown, err)
			}
		}
	}

	switch {
	case succeeded > 0 && delivered == succeeded:
		return StatusDelivered, ""
	case succeeded > 0:
		return StatusSent, ""
	case attempted == 0:
		return StatusSkipped, ReasonNoActiveSubscriptions
	case len(transient) > 0:
		reason := fmt.Sprintf("%s: %v", ReasonTransientPrefix, transient[0])
		if req.Attempts+1 >= d.cfg.maxAttempts {
			reason = fmt.Sprintf("%s: %v", ReasonMaxAttempts, transient[0])
		}
		return StatusFailed, reason
	case len(invalid) > 0 && len(unknown) == 0:
		return StatusFailed, ReasonInvalidTarget
	case len(unknown) > 0:
		return StatusFailed, fmt.Sprintf("%s: %v", FailureUnknown, unknown[0])
	default:
		return StatusFailed, string(FailureUnknown)
	}
}
