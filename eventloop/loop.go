//go:build linux || darwin

package eventloop

import (
	"bytes"
	"context"
	"encoding/binary"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-ioreactor/internal/invariant"
	"github.com/joeycumines/go-ioreactor/liveness"
	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// Loop is a single-goroutine reactor: timers, two task queues, and an I/O
// poller, all serviced by the goroutine that calls [Loop.Run].
type Loop struct { // betteralign:ignore
	// Prevent copying
	_ [0]func()

	opts   *loopOptions
	logger *logiface.Logger[logiface.Event]

	state *stateCell

	external taskQueue // Submit
	internal taskQueue // SubmitInternal (priority)

	timers      timerHeap
	timerIndex  map[TimerID]*timer
	nextTimerID atomic.Uint64

	poller fdPoller

	stopOnce sync.Once

	wakePipe      int
	wakePipeWrite int
	wakeBuf       [8]byte
	wakePending   atomic.Uint32

	loopGoroutineID atomic.Uint64

	loopDone chan struct{}

	// in-flight submit counter, for shutdown synchronization
	inflight atomic.Int64

	batchBuf []func()

	stopIdleWatch func()
}

// New creates a new event loop. The loop does nothing until [Loop.Run].
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	wakeFd, wakeWriteFd, err := createWakeFd()
	if err != nil {
		return nil, err
	}

	loop := &Loop{
		opts:          cfg,
		logger:        cfg.logger,
		state:         new(stateCell),
		timerIndex:    make(map[TimerID]*timer),
		wakePipe:      wakeFd,
		wakePipeWrite: wakeWriteFd,
		loopDone:      make(chan struct{}),
		batchBuf:      make([]func(), cfg.tickBudget),
	}

	closeWake := func() {
		_ = unix.Close(wakeFd)
		if wakeWriteFd != wakeFd {
			_ = unix.Close(wakeWriteFd)
		}
	}

	if err := loop.poller.Init(); err != nil {
		closeWake()
		return nil, err
	}

	if err := loop.poller.RegisterFD(wakeFd, EventRead, func(IOEvents) {
		loop.drainWakeUpPipe()
	}); err != nil {
		_ = loop.poller.Close()
		closeWake()
		return nil, err
	}

	if cfg.keepAlive != nil {
		// releases from other goroutines must not leave the loop asleep
		loop.stopIdleWatch = cfg.keepAlive.NotifyIdle(func() { _ = loop.Wake() })
	}

	return loop, nil
}

// Logger returns the logger the loop was configured with, possibly nil.
// A nil logger is valid, and discards everything.
func (l *Loop) Logger() *logiface.Logger[logiface.Event] {
	return l.logger
}

// KeepAlive returns the registry configured via [WithKeepAlive], or nil.
func (l *Loop) KeepAlive() *liveness.Registry {
	return l.opts.keepAlive
}

// Run services the loop on the calling goroutine, returning once it has
// terminated: via Shutdown, Close, ctx (returning ctx.Err()), or idleness
// under [WithKeepAlive] (returning nil). A loop runs at most once.
func (l *Loop) Run(ctx context.Context) error {
	if l.isLoopThread() {
		return ErrReentrantRun
	}

	if !l.state.TryTransition(StateAwake, StateRunning) {
		if l.state.Load() == StateTerminated {
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}

	defer close(l.loopDone)

	return l.run(ctx)
}

// Shutdown gracefully shuts down the event loop, running all queued tasks.
// It waits for termination to complete, or for ctx.
func (l *Loop) Shutdown(ctx context.Context) error {
	result := ErrLoopTerminated
	l.stopOnce.Do(func() {
		result = l.shutdownImpl(ctx)
	})
	return result
}

func (l *Loop) shutdownImpl(ctx context.Context) error {
	previous, ok := l.state.beginTermination()
	if !ok {
		if previous == StateTerminated {
			return ErrLoopTerminated
		}
	} else {
		switch previous {
		case StateAwake:
			l.state.Store(StateTerminated)
			l.closeFDs()
			return nil
		case StateSleeping:
			_ = l.submitWakeup()
		}
	}

	select {
	case <-l.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the body of Run, on the loop goroutine.
func (l *Loop) run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.loopGoroutineID.Store(getGoroutineID())
	defer l.loopGoroutineID.Store(0)

	// wake the loop on cancellation
	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = l.submitWakeup()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	for {
		select {
		case <-ctx.Done():
			if previous, ok := l.state.beginTermination(); ok && previous == StateSleeping {
				_ = l.submitWakeup()
			}
			l.shutdown()
			return ctx.Err()
		default:
		}

		if state := l.state.Load(); state == StateTerminating || state == StateTerminated {
			l.shutdown()
			return nil
		}

		l.tick()

		if l.idle() {
			if _, ok := l.state.beginTermination(); ok {
				l.logger.Debug().Log(`eventloop: idle, exiting`)
			}
			l.shutdown()
			return nil
		}
	}
}

// idle reports whether a keep-alive loop has nothing left to do.
func (l *Loop) idle() bool {
	return l.opts.keepAlive != nil &&
		l.opts.keepAlive.Live() == 0 &&
		l.inflight.Load() == 0 &&
		l.internal.size() == 0 &&
		l.external.size() == 0
}

// shutdown marks the loop Terminated, so new submissions are refused, then
// runs everything already accepted, including tasks enqueued by those
// tasks. Submitters that passed the state check before the store are
// waited on via inflight.
func (l *Loop) shutdown() {
	l.state.Store(StateTerminated)

	for quiet := 0; quiet < 3; {
		l.awaitSubmitters()
		if l.drainQueues() || l.inflight.Load() > 0 {
			quiet = 0
			continue
		}
		quiet++
		runtime.Gosched()
	}

	l.closeFDs()
}

func (l *Loop) awaitSubmitters() {
	for spins := 0; l.inflight.Load() > 0; spins++ {
		if spins < 1000 {
			runtime.Gosched()
		} else {
			time.Sleep(100 * time.Microsecond)
		}
	}
}

// drainQueues runs both queues until empty, internal first, reporting
// whether anything ran.
func (l *Loop) drainQueues() (ran bool) {
	for _, q := range [...]*taskQueue{&l.internal, &l.external} {
		for {
			task, ok := q.pop()
			if !ok {
				break
			}
			l.safeExecute(task)
			ran = true
		}
	}
	return ran
}

// tick runs timers, then both queues, then waits for I/O.
func (l *Loop) tick() {
	l.runTimers()
	l.processInternalQueue()
	l.processExternal()
	l.poll()
}

func (l *Loop) processInternalQueue() {
	for {
		task, ok := l.internal.pop()
		if !ok {
			return
		}
		l.safeExecute(task)
	}
}

// processExternal runs at most one tick budget's worth of external tasks.
func (l *Loop) processExternal() {
	n := l.external.popBatch(l.batchBuf)
	for i := 0; i < n; i++ {
		l.safeExecute(l.batchBuf[i])
		l.batchBuf[i] = nil
	}
}

// poll waits for readiness, unless there is already work queued.
func (l *Loop) poll() {
	if !l.state.TryTransition(StateRunning, StateSleeping) {
		return
	}

	// anything queued (or an idle exit) means don't block
	timeout := l.calculateTimeout()
	if l.external.size() > 0 || l.internal.size() > 0 || l.idle() {
		timeout = 0
	}

	if _, err := l.poller.PollIO(timeout); err != nil {
		l.logger.Crit().
			Err(err).
			Log(`eventloop: poll failed, terminating loop`)
		l.state.TryTransition(StateSleeping, StateTerminating)
		return
	}

	l.state.TryTransition(StateSleeping, StateRunning)
}

// drainWakeUpPipe empties the wake fd, re-arming Wake.
func (l *Loop) drainWakeUpPipe() {
	for {
		if _, err := unix.Read(l.wakePipe, l.wakeBuf[:]); err != nil {
			break
		}
	}
	l.wakePending.Store(0)
}

// submitWakeup makes the wake fd readable. The 8-byte write is what an
// eventfd requires, and is harmless on a pipe. Errors are expected while
// shutting down.
func (l *Loop) submitWakeup() error {
	if l.state.Load() == StateTerminated {
		return ErrLoopTerminated
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(l.wakePipeWrite, buf[:])
	return err
}

// Wake wakes the loop if it is blocked in poll. It is a no-op otherwise.
func (l *Loop) Wake() error {
	if l.state.Load() != StateSleeping {
		return nil
	}
	if l.wakePending.CompareAndSwap(0, 1) {
		if err := l.submitWakeup(); err != nil {
			l.wakePending.Store(0)
		}
	}
	return nil
}

// Submit queues task to run on the loop. Safe from any goroutine. Tasks
// are accepted until the loop reaches StateTerminated, so those submitted
// during a graceful shutdown still run.
func (l *Loop) Submit(task func()) error {
	return l.submit(&l.external, task)
}

// SubmitInternal submits a task to the internal priority queue, which is
// always drained before the external queue.
func (l *Loop) SubmitInternal(task func()) error {
	return l.submit(&l.internal, task)
}

func (l *Loop) submit(q *taskQueue, task func()) error {
	l.inflight.Add(1)
	defer l.inflight.Add(-1)

	if l.state.Load() == StateTerminated {
		return ErrLoopTerminated
	}

	q.push(task)

	return l.Wake()
}

// RegisterFD registers a file descriptor for I/O monitoring. The callback
// runs on the loop goroutine, with the same panic handling as tasks.
func (l *Loop) RegisterFD(fd int, events IOEvents, callback IOCallback) error {
	if callback == nil {
		return l.poller.RegisterFD(fd, events, nil)
	}
	return l.poller.RegisterFD(fd, events, func(ev IOEvents) {
		defer l.recoverTask()
		callback(ev)
	})
}

// UnregisterFD stops monitoring fd. Call it before closing fd.
func (l *Loop) UnregisterFD(fd int) error {
	return l.poller.UnregisterFD(fd)
}

// ModifyFD replaces the interest mask for fd.
func (l *Loop) ModifyFD(fd int, events IOEvents) error {
	return l.poller.ModifyFD(fd, events)
}

// State is safe to call from any goroutine.
func (l *Loop) State() LoopState {
	return l.state.Load()
}

// Done is closed once a started loop has fully stopped.
func (l *Loop) Done() <-chan struct{} {
	return l.loopDone
}

// safeExecute runs fn, logging rather than propagating a panic. See
// recoverTask.
func (l *Loop) safeExecute(fn func()) {
	if fn == nil {
		return
	}

	defer l.recoverTask()

	fn()
}

// recoverTask logs a task panic and lets the loop carry on, except for an
// invariant violation, which is re-raised out of Run.
func (l *Loop) recoverTask() {
	r := recover()
	if r == nil {
		return
	}
	if invariant.Is(r) {
		l.logger.Crit().
			Err(r.(error)).
			Log(`eventloop: invariant violated, aborting`)
		panic(r)
	}
	l.logger.Err().
		Err(PanicError{Value: r}).
		Log(`eventloop: task panicked`)
}

// closeFDs releases the poller and wake fds, and the idle watch.
func (l *Loop) closeFDs() {
	if l.stopIdleWatch != nil {
		l.stopIdleWatch()
	}
	_ = l.poller.Close()
	_ = unix.Close(l.wakePipe)
	if l.wakePipeWrite != l.wakePipe {
		_ = unix.Close(l.wakePipeWrite)
	}
}

// IsLoopThread reports whether the caller is running on the loop goroutine.
func (l *Loop) IsLoopThread() bool {
	return l.isLoopThread()
}

func (l *Loop) isLoopThread() bool {
	loopID := l.loopGoroutineID.Load()
	if loopID == 0 {
		return false
	}
	return getGoroutineID() == loopID
}

// getGoroutineID parses the current goroutine's ID from the header of its
// stack trace ("goroutine 123 [running]:"), returning 0 on failure.
func getGoroutineID() uint64 {
	var buf [64]byte
	b := bytes.TrimPrefix(buf[:runtime.Stack(buf[:], false)], []byte(`goroutine `))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

// Close immediately terminates the event loop. Queued tasks still run (the
// loop goroutine drains both queues on its way out), but Close does not wait.
func (l *Loop) Close() error {
	previous, ok := l.state.beginTermination()
	if !ok {
		if previous == StateTerminated {
			return ErrLoopTerminated
		}
		return nil
	}
	switch previous {
	case StateAwake:
		l.state.Store(StateTerminated)
		l.closeFDs()
	case StateSleeping:
		_ = l.submitWakeup()
	}
	return nil
}
