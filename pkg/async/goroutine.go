package async

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/perimetra/idpsync/pkg/observability"
)

func ensureLogger(logger *observability.Logger) *observability.Logger {
	if logger == nil {
		return observability.NewLogger(observability.InfoLevel, os.Stderr)
	}
	return logger
}

// SafeGo runs fn in a goroutine with a timeout, panic recovery and
// error logging. Use it instead of a bare `go func()` for work whose
// failure should be logged but never crash the daemon.
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, job string, fn func(context.Context) error) {
	logger = ensureLogger(logger).WithField("job", job)
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				logger.WithFields(map[string]interface{}{
					"panic": fmt.Sprintf("%v", r),
					"stack": string(debug.Stack()),
				}).Error("Recovered panic in background task")
			}
		}()

		if err := fn(ctx); err != nil {
			logger.WithError(err).Warn("Background task failed")
		}
	}()
}

// WorkerPool is a fixed set of workers draining a task channel. Tasks
// run under a per-task timeout with panic recovery; errors surface on
// a buffered channel the owner may drain or ignore.
type WorkerPool struct {
	workers int
	job     string
	timeout time.Duration
	logger  *observability.Logger

	workCh chan func(context.Context) error
	doneCh chan struct{}
	errCh  chan error

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
}

// NewWorkerPool starts workers goroutines reading from a buffered task
// channel. The pool runs until Shutdown or parent context cancellation.
func NewWorkerPool(ctx context.Context, logger *observability.Logger, workers int, job string, timeout time.Duration) *WorkerPool {
	ctx, cancel := context.WithCancel(ctx)

	pool := &WorkerPool{
		workers: workers,
		job:     job,
		timeout: timeout,
		logger:  ensureLogger(logger).WithField("job", job),
		workCh:  make(chan func(context.Context) error, workers*2),
		doneCh:  make(chan struct{}),
		errCh:   make(chan error, workers*10),
		ctx:     ctx,
		cancel:  cancel,
	}

	go func() {
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				pool.worker(id)
			}(i)
		}
		wg.Wait()
		close(pool.doneCh)
	}()

	return pool
}

// Submit queues a task. Returns an error once the pool has shut down.
func (p *WorkerPool) Submit(fn func(context.Context) error) error {
	select {
	case <-p.doneCh:
		return fmt.Errorf("worker pool shut down")
	default:
	}

	// Shutdown may close workCh between the check above and the send;
	// the recover turns that race into a clean error.
	submitted := false
	func() {
		defer func() { recover() }()
		select {
		case p.workCh <- fn:
			submitted = true
		case <-p.doneCh:
		}
	}()
	if !submitted {
		return fmt.Errorf("worker pool shut down")
	}
	return nil
}

// Shutdown stops accepting tasks, lets workers drain the queue and
// waits up to timeout before force-cancelling.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	var shutdownErr error

	p.shutdownOnce.Do(func() {
		func() {
			defer func() { recover() }()
			close(p.workCh)
		}()

		select {
		case <-p.doneCh:
			p.cancel()
		case <-time.After(timeout):
			p.cancel()
			shutdownErr = fmt.Errorf("worker pool shutdown timed out after %v", timeout)
		}
	})

	return shutdownErr
}

// Errors exposes task failures. The channel is buffered; when full,
// further errors are logged and dropped rather than blocking workers.
func (p *WorkerPool) Errors() <-chan error {
	return p.errCh
}

func (p *WorkerPool) worker(id int) {
	for {
		select {
		case <-p.ctx.Done():
			return

		case fn, ok := <-p.workCh:
			if !ok {
				return
			}

			ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
			func() {
				defer cancel()
				defer func() {
					if r := recover(); r != nil {
						p.logger.WithFields(map[string]interface{}{
							"worker": id,
							"panic":  fmt.Sprintf("%v", r),
							"stack":  string(debug.Stack()),
						}).Error("Recovered panic in worker")
						p.report(fmt.Errorf("panic: %v", r))
					}
				}()

				if err := fn(ctx); err != nil {
					p.report(err)
				}
			}()
		}
	}
}

func (p *WorkerPool) report(err error) {
	select {
	case p.errCh <- err:
	default:
		p.logger.WithError(err).Warn("Error channel full, dropping error")
	}
}

// Batch fans a slice out over a temporary pool and returns every error
// once all items finish.
func Batch[T any](ctx context.Context, logger *observability.Logger, items []T, workers int, job string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	pool := NewWorkerPool(ctx, logger, workers, job, timeout)

	for _, item := range items {
		item := item
		if err := pool.Submit(func(ctx context.Context) error {
			return fn(ctx, item)
		}); err != nil {
			return []error{err}
		}
	}

	close(pool.workCh)
	<-pool.doneCh
	pool.cancel()

	var errs []error
	for {
		select {
		case err := <-pool.errCh:
			errs = append(errs, err)
		default:
			return errs
		}
	}
}
