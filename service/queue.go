// service/queue.go
package service

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// enrollJob is one queued feature, identified by its position in the batch
type enrollJob struct {
	index   int
	feature []float64
}

// RecordQueue fans enrollment jobs out to a bounded set of workers. A worker
// that returns an error stops dispatch; jobs already running finish, queued
// ones are skipped. Cancelling the context has the same effect.
type RecordQueue struct {
	workers int
	handle  func(ctx context.Context, job enrollJob) error
}

// NewRecordQueue creates a queue running handle on at most workers goroutines
func NewRecordQueue(workers int, handle func(ctx context.Context, job enrollJob) error) *RecordQueue {
	if workers < 1 {
		workers = 1
	}
	return &RecordQueue{
		workers: workers,
		handle:  handle,
	}
}

// Process runs every feature through the handler and waits for the workers to
// drain. It returns the first handler error.
func (q *RecordQueue) Process(ctx context.Context, features [][]float64) error {
	g, gctx := errgroup.WithContext(ctx)
	jobCh := make(chan enrollJob)

	// Producer
	g.Go(func() error {
		defer close(jobCh)
		for i, feature := range features {
			if gctx.Err() != nil {
				return nil
			}
			select {
			case <-gctx.Done():
				return nil
			case jobCh <- enrollJob{index: i, feature: feature}:
			}
		}
		return nil
	})

	// Workers
	for w := 0; w < q.workers; w++ {
		g.Go(func() error {
			for job := range jobCh {
				if gctx.Err() != nil {
					// Keep draining so the producer is never blocked
					continue
				}
				if err := q.handle(gctx, job); err != nil {
					return err
				}
			}
			return nil
		})
	}

	return g.Wait()
}
