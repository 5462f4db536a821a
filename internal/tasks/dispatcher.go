package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConcurrency  = 4
	defaultPollInterval = time.Second
	defaultLease        = 2 * time.Minute
	defaultMinBackoff   = 5 * time.Second
	defaultMaxBackoff   = 10 * time.Minute
)

var (
	// ErrThrottled reschedules the task with backoff without counting an attempt.
	ErrThrottled = errors.New("tasks: throttled")
	// ErrPermanent drops the task without further retries.
	ErrPermanent = errors.New("tasks: permanent failure")
)

// Delivery is one execution of a task. Attempt starts at 1.
type Delivery struct {
	Task    Task
	Attempt int
}

// Decode unmarshals the task payload.
func (d Delivery) Decode(target any) error {
	if len(d.Task.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(d.Task.Payload, target)
}

// Result lists tasks to enqueue atomically with the completion of the current one.
type Result struct {
	FollowUps []Spec
}

type Handler func(ctx context.Context, delivery Delivery) (Result, error)

// RetryPolicy controls redelivery of a queue. MaxAttempts of zero retries forever.
type RetryPolicy struct {
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	MaxAttempts int
}

func (p RetryPolicy) backoff(count int) time.Duration {
	minBackoff := p.MinBackoff
	if minBackoff <= 0 {
		minBackoff = defaultMinBackoff
	}
	maxBackoff := p.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	delay := minBackoff
	for step := 1; step < count && delay < maxBackoff; step++ {
		delay *= 2
	}
	if delay > maxBackoff {
		delay = maxBackoff
	}
	return delay
}

type DispatcherConfig struct {
	Queue        *Queue
	Logger       *zap.Logger
	Concurrency  int
	PollInterval time.Duration
	Lease        time.Duration
	Policies     map[string]RetryPolicy
}

// Dispatcher claims due tasks and runs their handlers with bounded concurrency.
type Dispatcher struct {
	queue        *Queue
	logger       *zap.Logger
	concurrency  int
	pollInterval time.Duration
	lease        time.Duration
	policies     map[string]RetryPolicy
	handlers     map[string]Handler
}

func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Queue == nil {
		return nil, errors.New("tasks: queue is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	lease := cfg.Lease
	if lease <= 0 {
		lease = defaultLease
	}
	policies := make(map[string]RetryPolicy, len(cfg.Policies))
	for name, policy := range cfg.Policies {
		policies[name] = policy
	}
	return &Dispatcher{
		queue:        cfg.Queue,
		logger:       logger,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		lease:        lease,
		policies:     policies,
		handlers:     make(map[string]Handler),
	}, nil
}

// Handle registers the handler for a task target.
func (d *Dispatcher) Handle(target string, handler Handler) {
	d.handlers[target] = handler
}

// Run polls until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
		processed, err := d.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			d.logger.Error("task dispatch failed", zap.Error(err))
		}
		if processed > 0 {
			timer.Reset(0)
			continue
		}
		timer.Reset(d.pollInterval)
	}
}

// RunOnce claims one batch of due tasks and processes it.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	claimed, err := d.queue.Claim(ctx, d.concurrency*2, d.lease)
	if err != nil {
		return 0, err
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(d.concurrency)
	for _, task := range claimed {
		task := task
		group.Go(func() error {
			return d.process(groupCtx, task)
		})
	}
	return len(claimed), group.Wait()
}

func (d *Dispatcher) process(ctx context.Context, task Task) error {
	fields := []zap.Field{
		zap.String("task_id", task.ID),
		zap.String("queue", task.Queue),
		zap.String("target", task.Target),
		zap.String("org_id", task.OrgID),
	}
	handler, ok := d.handlers[task.Target]
	if !ok {
		d.logger.Warn("no handler for task target, dropping", fields...)
		return d.queue.Drop(ctx, task)
	}

	delivery := Delivery{Task: task, Attempt: task.Attempts + 1}
	result, err := handler(ctx, delivery)
	if err == nil {
		return d.queue.Complete(ctx, task, result.FollowUps)
	}

	policy := d.policies[task.Queue]
	fields = append(fields, zap.Int("attempt", delivery.Attempt), zap.Error(err))
	switch {
	case errors.Is(err, ErrThrottled):
		delay := policy.backoff(task.Throttles + 1)
		d.logger.Info("task throttled, rescheduling", append(fields, zap.Duration("delay", delay))...)
		return d.queue.Retry(ctx, task, delay, err, true)
	case errors.Is(err, ErrPermanent):
		d.logger.Warn("task failed permanently, dropping", fields...)
		return d.queue.Drop(ctx, task)
	case policy.MaxAttempts > 0 && delivery.Attempt >= policy.MaxAttempts:
		d.logger.Error("task exhausted retries, dropping", fields...)
		return d.queue.Drop(ctx, task)
	default:
		delay := policy.backoff(delivery.Attempt)
		d.logger.Info("task failed, rescheduling", append(fields, zap.Duration("delay", delay))...)
		return d.queue.Retry(ctx, task, delay, err, false)
	}
}
