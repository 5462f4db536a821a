package tasks

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Periodic is a job run on a fixed interval, like a cron entry.
type Periodic struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

// RunPeriodic runs every job on its interval until ctx is cancelled. A failing run is logged
// and the job keeps its schedule. Jobs with a non-positive interval are skipped.
func RunPeriodic(ctx context.Context, logger *zap.Logger, jobs ...Periodic) error {
	if logger == nil {
		logger = noOpLogger
	}
	group, groupCtx := errgroup.WithContext(ctx)
	for _, job := range jobs {
		job := job
		if job.Every <= 0 || job.Run == nil {
			logger.Info("periodic job disabled", zap.String("job", job.Name))
			continue
		}
		group.Go(func() error {
			ticker := time.NewTicker(job.Every)
			defer ticker.Stop()
			for {
				select {
				case <-groupCtx.Done():
					return nil
				case <-ticker.C:
				}
				if err := job.Run(groupCtx); err != nil {
					if errors.Is(err, context.Canceled) {
						return nil
					}
					logger.Error("periodic job failed", zap.String("job", job.Name), zap.Error(err))
				}
			}
		})
	}
	return group.Wait()
}

// EnqueueEvery returns a periodic job that enqueues spec on each tick.
func (q *Queue) EnqueueEvery(name string, every time.Duration, spec Spec) Periodic {
	return Periodic{
		Name:  name,
		Every: every,
		Run: func(ctx context.Context) error {
			_, err := q.Enqueue(ctx, spec)
			return err
		},
	}
}
