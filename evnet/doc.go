// Package evnet implements non-blocking TCP connections and listeners on top
// of an [eventloop.Loop].
//
// All socket I/O happens on the loop goroutine, driven by readiness events,
// and every [Handler] and [ListenerHandler] callback is delivered there. The
// only work that leaves the loop is hostname resolution, which runs on a
// [workerpool.Pool] and crosses back as a single completion.
//
// A [Conn] moves through the states
//
//	Idle -> [Resolving] -> Connecting -> Connected -> Closing -> Closed
//
// and never backwards. Exactly one Handler.OnClose fires for every Conn that
// got past Idle, after its socket has been unregistered and closed, at which
// point the Conn's [liveness.Token] is released.
package evnet
