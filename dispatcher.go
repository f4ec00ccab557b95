package wrpc_async

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/wukong-cloud/wrpc-async/util/logx"
)

var ErrDispatcherStopped = errors.New("rpc: dispatcher is stopped")

type task interface {
	run()
}

// dispatcher runs tasks on a fixed set of workers. Its queue is unbounded
// so post never blocks the event loop; backpressure is the admission
// policy's job.
type dispatcher struct {
	workers int
	logger  *logx.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	tasks   []task
	started bool
	stopped bool

	busy atomic.Int64
	wg   sync.WaitGroup
}

func newDispatcher(workers int, logger *logx.Logger) *dispatcher {
	if workers <= 0 {
		workers = 1
	}
	d := &dispatcher{workers: workers, logger: logger}
	d.cond = sync.NewCond(&d.mu)
	return d
}

func (d *dispatcher) start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
}

func (d *dispatcher) post(t task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ErrDispatcherStopped
	}
	d.tasks = append(d.tasks, t)
	d.cond.Signal()
	return nil
}

// stop refuses new tasks, lets the workers run what is already queued and
// waits for them to exit or for ctx to expire.
func (d *dispatcher) stop(ctx context.Context) error {
	d.mu.Lock()
	d.stopped = true
	d.cond.Broadcast()
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *dispatcher) work() {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		for len(d.tasks) == 0 && !d.stopped {
			d.cond.Wait()
		}
		if len(d.tasks) == 0 {
			d.mu.Unlock()
			return
		}
		t := d.tasks[0]
		d.tasks[0] = nil
		d.tasks = d.tasks[1:]
		d.mu.Unlock()

		d.exec(t)
	}
}

func (d *dispatcher) exec(t task) {
	d.busy.Add(1)
	defer d.busy.Add(-1)
	defer logx.Recover(d.logger, "dispatcher.exec")
	t.run()
}

// pending is the number of tasks waiting for a worker.
func (d *dispatcher) pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tasks)
}

func (d *dispatcher) running() int64 {
	return d.busy.Load()
}
