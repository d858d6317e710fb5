// Package workerpool runs blocking jobs on a fixed set of goroutines, fed by
// a bounded queue.
package workerpool

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"github.com/joeycumines/go-ioreactor/internal/invariant"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by Submit once Shutdown or Close has been called.
var ErrClosed = errors.New("workerpool: pool closed")

type (
	// Config models optional configuration, for New.
	Config struct {
		// OnPanic receives the value recovered from a panicking job.
		// **Defaults to discarding the panic, if nil.** An invariant
		// violation is never recovered, and aborts the process.
		OnPanic func(v any)

		// OnDrop is called once per queued job that Close prevented from
		// running, after all workers have exited.
		OnDrop func(job func())

		// Workers is the number of worker goroutines, if positive.
		// **Defaults to runtime.NumCPU(), if 0, or Config is nil.**
		Workers int

		// QueueSize is the number of jobs that may be pending, beyond those
		// currently running, before Submit blocks.
		// **Defaults to 4 * Workers, if 0, or Config is nil.**
		// Negative values mean an unbuffered queue.
		QueueSize int
	}

	// Pool is a bounded worker pool. Instances must be initialized using the
	// New factory.
	Pool struct {
		// betteralign:ignore

		onPanic  func(v any)
		onDrop   func(job func())
		ctx      context.Context
		cancel   context.CancelFunc
		jobs     chan func()
		stopped  chan struct{}
		done     chan struct{}
		stopOnce sync.Once
		// read-locked by senders, so stop never races a send
		mu      sync.RWMutex
		workers int
	}
)

// New starts a new Pool, using the provided config, which may be nil.
//
// The Pool.Close method and/or Pool.Shutdown method should be called when
// the Pool is no longer needed.
func New(config *Config) *Pool {
	x := Pool{
		workers: runtime.NumCPU(),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}

	queueSize := 0
	if config != nil {
		if config.Workers > 0 {
			x.workers = config.Workers
		}
		queueSize = config.QueueSize
		x.onPanic = config.OnPanic
		x.onDrop = config.OnDrop
	}
	if queueSize == 0 {
		queueSize = 4 * x.workers
	} else if queueSize < 0 {
		queueSize = 0
	}

	x.jobs = make(chan func(), queueSize)
	x.ctx, x.cancel = context.WithCancel(context.Background())

	var group errgroup.Group
	for i := 0; i < x.workers; i++ {
		group.Go(x.worker)
	}

	go func() {
		defer close(x.done)
		_ = group.Wait()
		x.dropQueued()
	}()

	return &x
}

// Workers returns the number of worker goroutines.
func (x *Pool) Workers() int {
	return x.workers
}

// Submit queues job, blocking while the queue is full. An error is returned
// if ctx is canceled first, or if the Pool is stopped, in which case job will
// never run.
func (x *Pool) Submit(ctx context.Context, job func()) error {
	if job == nil {
		panic(`workerpool: nil job`)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	select {
	case <-x.stopped:
		return ErrClosed
	default:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-x.ctx.Done():
		return ErrClosed
	case x.jobs <- job:
		return nil
	}
}

// Shutdown will immediately prevent further jobs via Submit, then wait for
// all already running or queued jobs to complete. An error will be returned
// if ctx is canceled prior to this, causing a forced Close.
//
// This method is unsafe to call from within a job.
func (x *Pool) Shutdown(ctx context.Context) (err error) {
	x.stop()

	select {
	case <-ctx.Done():
		if x.ctx.Err() == nil {
			err = ctx.Err() // indicating we forcibly closed
		}
		x.cancel()
		<-x.done
	case <-x.done:
	}

	return err
}

// Close prevents further jobs via Submit, discards queued jobs that have not
// yet started, and waits for running jobs to finish.
//
// This method is unsafe to call from within a job.
func (x *Pool) Close() error {
	x.cancel()
	x.stop()
	<-x.done
	return nil
}

// Done is closed once every worker has exited.
func (x *Pool) Done() <-chan struct{} {
	return x.done
}

func (x *Pool) stop() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.stopOnce.Do(func() {
		close(x.stopped)
	})
}

func (x *Pool) worker() error {
	for {
		if x.ctx.Err() != nil {
			return nil
		}
		select {
		case <-x.ctx.Done():
			return nil
		case job := <-x.jobs:
			x.execute(job)
		case <-x.stopped:
			// no more sends are possible, finish what is queued
			for x.ctx.Err() == nil {
				select {
				case job := <-x.jobs:
					x.execute(job)
				default:
					return nil
				}
			}
			return nil
		}
	}
}

func (x *Pool) execute(job func()) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if invariant.Is(r) {
			panic(r)
		}
		if x.onPanic != nil {
			x.onPanic(r)
		}
	}()
	job()
}

func (x *Pool) dropQueued() {
	for {
		select {
		case job := <-x.jobs:
			if x.onDrop != nil {
				x.onDrop(job)
			}
		default:
			return
		}
	}
}
