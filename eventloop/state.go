package eventloop

import (
	"sync/atomic"
)

// LoopState is the lifecycle phase of a Loop, see [Loop.State].
//
// Run moves Awake to Running. While running, the loop alternates between
// Running and Sleeping (blocked in poll). Shutdown, Close, context
// cancellation, and keep-alive idleness all move a live loop to
// Terminating, and it reaches Terminated once its queues are drained.
// Terminated is final. A loop that never ran goes straight there.
type LoopState uint32

const (
	StateAwake LoopState = iota
	StateTerminated
	StateSleeping
	StateRunning
	StateTerminating
)

var loopStateNames = [...]string{
	StateAwake:       `Awake`,
	StateTerminated:  `Terminated`,
	StateSleeping:    `Sleeping`,
	StateRunning:     `Running`,
	StateTerminating: `Terminating`,
}

func (s LoopState) String() string {
	if int(s) < len(loopStateNames) {
		return loopStateNames[s]
	}
	return `Unknown`
}

// stateCell holds a LoopState, for lock-free access from any goroutine.
// Running and Sleeping are only ever entered via CAS. Terminated is stored
// unconditionally, since nothing leaves it.
type stateCell struct { // betteralign:ignore
	_ [64]byte //nolint:unused
	v atomic.Uint32
	_ [60]byte //nolint:unused
}

func (s *stateCell) Load() LoopState {
	return LoopState(s.v.Load())
}

func (s *stateCell) Store(state LoopState) {
	s.v.Store(uint32(state))
}

func (s *stateCell) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

// beginTermination moves any live state to Terminating. It returns the
// state it replaced, or the current state and false, if termination was
// already underway.
func (s *stateCell) beginTermination() (LoopState, bool) {
	for {
		current := s.Load()
		switch current {
		case StateTerminating, StateTerminated:
			return current, false
		}
		if s.TryTransition(current, StateTerminating) {
			return current, true
		}
	}
}
