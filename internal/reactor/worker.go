package reactor

import (
	"context"
	"runtime/debug"
	"time"
)

// Worker is a background goroutine started by Spawn.
type Worker struct {
	done   chan struct{}
	cancel context.CancelFunc
}

// Done is closed when the worker returns.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Cancel cancels the worker's context. Workers blocked in I/O must also have
// their connections closed to return promptly.
func (w *Worker) Cancel() {
	w.cancel()
}

// Wait blocks until the worker returns.
func (w *Worker) Wait() {
	<-w.done
}

// Spawn runs fn on a new worker goroutine.
//
// When the pool is at its ceiling, Spawn blocks until a running worker
// finishes. The wait is logged once it passes the warning threshold and
// abandoned with ErrSaturated at the limit.
func (r *Reactor) Spawn(ctx context.Context, fn func(ctx context.Context)) (*Worker, error) {
	select {
	case <-r.stop:
		return nil, ErrStopped
	default:
	}

	if err := r.acquire(ctx); err != nil {
		return nil, err
	}

	wctx, cancel := context.WithCancel(ctx)
	w := &Worker{done: make(chan struct{}), cancel: cancel}

	r.mu.Lock()
	r.workers[w] = struct{}{}
	r.mu.Unlock()
	r.live.Add(1)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.fail(p, debug.Stack())
			}
			cancel()
			r.live.Add(-1)
			r.release()
			close(w.done)
		}()
		fn(wctx)
	}()
	return w, nil
}

func (r *Reactor) acquire(ctx context.Context) error {
	if r.slots == nil {
		return nil
	}

	select {
	case r.slots <- struct{}{}:
		return nil
	default:
	}

	start := time.Now()
	limit := time.NewTimer(r.waitLimit)
	defer limit.Stop()

	var warn <-chan time.Time
	if r.waitWarn > 0 && r.waitWarn < r.waitLimit {
		wt := time.NewTimer(r.waitWarn)
		defer wt.Stop()
		warn = wt.C
	}

	for {
		select {
		case r.slots <- struct{}{}:
			if waited := time.Since(start); waited >= r.waitWarn {
				r.logger.Info("worker_slot_acquired", "waited_ms", waited.Milliseconds())
			}
			return nil
		case <-warn:
			r.logger.Warn("worker_pool_saturated",
				"max_workers", r.maxWorkers,
				"waited_ms", time.Since(start).Milliseconds(),
			)
			warn = nil
		case <-limit.C:
			r.logger.Error("worker_pool_wait_expired",
				"max_workers", r.maxWorkers,
				"waited_ms", time.Since(start).Milliseconds(),
			)
			return ErrSaturated
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stop:
			return ErrStopped
		}
	}
}

func (r *Reactor) release() {
	if r.slots == nil {
		return
	}
	<-r.slots
}
