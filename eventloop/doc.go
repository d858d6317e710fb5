// Package eventloop provides the single-goroutine reactor that the rest of
// this module dispatches onto.
//
// # Architecture
//
// A [Loop] owns an I/O poller (epoll on Linux, kqueue on macOS), two task
// queues, and a timer heap. All callbacks (tasks, timers, and FD readiness
// callbacks) run on the goroutine that called [Loop.Run], which is locked to
// its OS thread for the duration.
//
// Task priority ordering within each tick:
//  1. Expired timers (earliest deadline first)
//  2. Internal queue tasks ([Loop.SubmitInternal]), used for completions
//  3. External queue tasks ([Loop.Submit]), bounded per tick
//  4. I/O readiness callbacks ([Loop.RegisterFD])
//
// # Thread Safety
//
//   - [Loop.Submit], [Loop.SubmitInternal], [Loop.ScheduleTimer] are safe to
//     call from any goroutine
//   - FD registration methods are safe to call from any goroutine, though in
//     practice they are called from loop callbacks
//   - [Loop.CancelTimer] must be called on the loop goroutine
//
// # Keep-alive
//
// Configured [WithKeepAlive], the loop exits on its own (Run returns nil)
// once it has no queued tasks and the [liveness.Registry] count is zero.
// Pending timers do not keep the loop alive.
//
// # Usage
//
//	loop, err := eventloop.New(eventloop.WithKeepAlive(liveness.Default))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer loop.Close()
//
//	token := liveness.Default.Acquire()
//	loop.Submit(func() {
//	    defer token.Release()
//	    fmt.Println("hello from the loop")
//	})
//
//	if err := loop.Run(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
package eventloop
