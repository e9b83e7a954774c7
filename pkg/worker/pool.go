package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/swaprelay/pkg/order"
	"github.com/uhyunpark/swaprelay/pkg/queue"
	"github.com/uhyunpark/swaprelay/pkg/util"
)

// Pool runs n consumers against one queue. Different orders proceed in
// parallel; each job is processed by a single consumer.
type Pool struct {
	q      queue.Queue
	w      *Worker
	n      int
	clock  util.Clock
	log    *zap.SugaredLogger
	onDone func(job order.Job, err error)
}

func NewPool(q queue.Queue, w *Worker, n int, log *zap.SugaredLogger) *Pool {
	if n <= 0 {
		n = 1
	}
	return &Pool{q: q, w: w, n: n, clock: w.clock, log: log}
}

// OnDone registers a hook called after every processed job.
func (p *Pool) OnDone(f func(job order.Job, err error)) { p.onDone = f }

// Run blocks until ctx is done or the queue is closed.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Infow("worker_pool_starting", "concurrency", p.n)
	var g errgroup.Group
	for i := 0; i < p.n; i++ {
		g.Go(func() error { return p.consume(ctx, i) })
	}
	err := g.Wait()
	p.log.Infow("worker_pool_stopped")
	return err
}

func (p *Pool) consume(ctx context.Context, id int) error {
	for {
		d, err := p.q.Dequeue(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil, errors.Is(err, queue.ErrQueueClosed):
			return nil
		default:
			p.log.Warnw("job_dequeue_failed", "consumer", id, "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-p.clock.After(500 * time.Millisecond):
			}
			continue
		}

		job := d.Job()
		perr := p.safeProcess(ctx, job)
		if perr != nil {
			p.log.Infow("job_processed_with_failure", "consumer", id, "order_id", job.OrderID, "err", perr)
		}
		if err := d.Ack(context.WithoutCancel(ctx)); err != nil {
			p.log.Warnw("job_ack_failed", "consumer", id, "order_id", job.OrderID, "err", err)
		}
		if p.onDone != nil {
			p.onDone(job, perr)
		}
	}
}

// safeProcess turns a panic inside processing into a FAILED order so the
// consumer keeps running.
func (p *Pool) safeProcess(ctx context.Context, job order.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorw("job_panic", "order_id", job.OrderID, "panic", r)
			err = p.w.fail(ctx, job, "panic", "", fmt.Errorf("panic: %v", r))
		}
	}()
	return p.w.Process(ctx, job)
}
