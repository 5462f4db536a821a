// Package tasks is a durable at-least-once task queue stored next to the ledger.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingTarget   = errors.New("task target is required")
	noOpLogger         = zap.NewNop()
)

// Task is one scheduled delivery. Attempts counts completed failed deliveries.
type Task struct {
	ID         string         `gorm:"column:id;primaryKey;size:64;not null"`
	Queue      string         `gorm:"column:queue;size:64;not null;index"`
	Target     string         `gorm:"column:target;size:64;not null;index:idx_tasks_target_org"`
	OrgID      string         `gorm:"column:org_id;size:190;index:idx_tasks_target_org"`
	Payload    datatypes.JSON `gorm:"column:payload"`
	RunAt      time.Time      `gorm:"column:run_at;not null;index"`
	Attempts   int            `gorm:"column:attempts;not null"`
	Throttles  int            `gorm:"column:throttles;not null"`
	LeaseUntil *time.Time     `gorm:"column:lease_until"`
	LastError  string         `gorm:"column:last_error;type:text"`
	CreatedAt  time.Time      `gorm:"column:created_at"`
}

func (Task) TableName() string {
	return "tasks"
}

// Models lists the schema owned by this package.
func Models() []any {
	return []any{&Task{}}
}

// Spec describes a task to enqueue.
type Spec struct {
	Queue   string
	Target  string
	OrgID   string
	Payload any
	Delay   time.Duration
}

type QueueConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Queue persists tasks in the same database as the ledger so enqueues can join a unit of work.
type Queue struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Queue{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Enqueue inserts a task in its own statement.
func (q *Queue) Enqueue(ctx context.Context, spec Spec) (Task, error) {
	return q.EnqueueTx(q.db.WithContext(ctx), spec)
}

// EnqueueTx inserts a task using the supplied handle, typically a unit of work transaction.
func (q *Queue) EnqueueTx(tx *gorm.DB, spec Spec) (Task, error) {
	task, err := q.build(spec)
	if err != nil {
		return Task{}, err
	}
	if err := tx.Create(&task).Error; err != nil {
		return Task{}, fmt.Errorf("tasks: enqueue %s: %w", spec.Target, err)
	}
	q.logger.Debug("task enqueued",
		zap.String("task_id", task.ID),
		zap.String("queue", task.Queue),
		zap.String("target", task.Target),
		zap.String("org_id", task.OrgID),
		zap.Time("run_at", task.RunAt))
	return task, nil
}

func (q *Queue) build(spec Spec) (Task, error) {
	if spec.Target == "" {
		return Task{}, errMissingTarget
	}
	queueName := spec.Queue
	if queueName == "" {
		queueName = spec.Target
	}
	var payload datatypes.JSON
	if spec.Payload != nil {
		encoded, err := json.Marshal(spec.Payload)
		if err != nil {
			return Task{}, fmt.Errorf("tasks: encode payload for %s: %w", spec.Target, err)
		}
		payload = encoded
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Task{}, fmt.Errorf("tasks: generate id: %w", err)
	}
	return Task{
		ID:      id.String(),
		Queue:   queueName,
		Target:  spec.Target,
		OrgID:   spec.OrgID,
		Payload: payload,
		RunAt:   q.clock().UTC().Add(spec.Delay),
	}, nil
}

// Outstanding reports whether a task for the target and org is waiting or running.
func (q *Queue) Outstanding(tx *gorm.DB, target, orgID string) (bool, error) {
	var count int64
	err := tx.Model(&Task{}).
		Where("target = ? AND org_id = ?", target, orgID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("tasks: count outstanding %s: %w", target, err)
	}
	return count > 0, nil
}

// Pending lists tasks for a target, oldest first.
func (q *Queue) Pending(ctx context.Context, target string) ([]Task, error) {
	var pending []Task
	err := q.db.WithContext(ctx).
		Where("target = ?", target).
		Order("run_at ASC").
		Find(&pending).Error
	if err != nil {
		return nil, fmt.Errorf("tasks: list %s: %w", target, err)
	}
	return pending, nil
}

// Claim leases up to limit due tasks. A task is only handed to one claimer per lease.
func (q *Queue) Claim(ctx context.Context, limit int, lease time.Duration) ([]Task, error) {
	now := q.clock().UTC()
	var due []Task
	err := q.db.WithContext(ctx).
		Where("run_at <= ? AND (lease_until IS NULL OR lease_until < ?)", now, now).
		Order("run_at ASC").
		Limit(limit).
		Find(&due).Error
	if err != nil {
		return nil, fmt.Errorf("tasks: select due: %w", err)
	}

	leaseUntil := now.Add(lease)
	claimed := make([]Task, 0, len(due))
	for _, task := range due {
		result := q.db.WithContext(ctx).
			Model(&Task{}).
			Where("id = ? AND (lease_until IS NULL OR lease_until < ?)", task.ID, now).
			Update("lease_until", leaseUntil)
		if result.Error != nil {
			return claimed, fmt.Errorf("tasks: lease %s: %w", task.ID, result.Error)
		}
		if result.RowsAffected == 1 {
			task.LeaseUntil = &leaseUntil
			claimed = append(claimed, task)
		}
	}
	return claimed, nil
}

// Complete deletes the task and enqueues its follow-ups in one transaction.
func (q *Queue) Complete(ctx context.Context, task Task, followUps []Spec) error {
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&Task{}, "id = ?", task.ID).Error; err != nil {
			return fmt.Errorf("tasks: delete %s: %w", task.ID, err)
		}
		for _, spec := range followUps {
			if _, err := q.EnqueueTx(tx, spec); err != nil {
				return err
			}
		}
		return nil
	})
}

// Retry releases the lease and schedules the next delivery.
// Throttled retries do not advance the attempt counter.
func (q *Queue) Retry(ctx context.Context, task Task, delay time.Duration, cause error, throttled bool) error {
	updates := map[string]any{
		"run_at":      q.clock().UTC().Add(delay),
		"lease_until": nil,
	}
	if cause != nil {
		updates["last_error"] = cause.Error()
	}
	if throttled {
		updates["throttles"] = task.Throttles + 1
	} else {
		updates["attempts"] = task.Attempts + 1
	}
	err := q.db.WithContext(ctx).Model(&Task{}).Where("id = ?", task.ID).Updates(updates).Error
	if err != nil {
		return fmt.Errorf("tasks: reschedule %s: %w", task.ID, err)
	}
	return nil
}

// Drop deletes a task without follow-ups.
func (q *Queue) Drop(ctx context.Context, task Task) error {
	return q.Complete(ctx, task, nil)
}
