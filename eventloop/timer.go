//go:build linux || darwin

package eventloop

import (
	"container/heap"
	"time"
)

// TimerID identifies a timer scheduled via [Loop.ScheduleTimer].
type TimerID uint64

// timer represents a scheduled task
type timer struct {
	when  time.Time
	fn    func()
	id    TimerID
	index int
}

// timerHeap is a min-heap ordered by deadline, then by scheduling order.
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].id < h[j].id
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// ScheduleTimer schedules fn to run on the loop goroutine after delay.
// Safe to call from any goroutine. The timer fires at most once.
func (l *Loop) ScheduleTimer(delay time.Duration, fn func()) (TimerID, error) {
	if delay < 0 {
		delay = 0
	}
	t := &timer{
		when: time.Now().Add(delay),
		fn:   fn,
		id:   TimerID(l.nextTimerID.Add(1)),
	}
	if l.isLoopThread() {
		l.addTimer(t)
		return t.id, nil
	}
	if err := l.SubmitInternal(func() { l.addTimer(t) }); err != nil {
		return 0, err
	}
	return t.id, nil
}

// CancelTimer stops a pending timer. It must be called on the loop goroutine.
// Returns ErrTimerNotFound if the timer has already fired, been cancelled,
// or (if scheduled from another goroutine) has not yet been added.
func (l *Loop) CancelTimer(id TimerID) error {
	if !l.isLoopThread() {
		return ErrNotLoopThread
	}
	t, ok := l.timerIndex[id]
	if !ok {
		return ErrTimerNotFound
	}
	delete(l.timerIndex, id)
	if t.index >= 0 {
		heap.Remove(&l.timers, t.index)
	}
	return nil
}

func (l *Loop) addTimer(t *timer) {
	heap.Push(&l.timers, t)
	l.timerIndex[t.id] = t
}

// runTimers executes all expired timers.
func (l *Loop) runTimers() {
	now := time.Now()
	for len(l.timers) > 0 {
		if l.timers[0].when.After(now) {
			break
		}
		t := heap.Pop(&l.timers).(*timer)
		delete(l.timerIndex, t.id)
		l.safeExecute(t.fn)
	}
}

// calculateTimeout determines how long to block in poll, in milliseconds.
func (l *Loop) calculateTimeout() int {
	maxDelay := time.Duration(l.opts.maxPollWait) * time.Millisecond

	if len(l.timers) > 0 {
		delay := time.Until(l.timers[0].when)
		if delay < 0 {
			delay = 0
		}
		if delay < maxDelay {
			maxDelay = delay
		}
	}

	// Ceiling rounding: if 0 < delta < 1ms, round up to 1ms
	if maxDelay > 0 && maxDelay < time.Millisecond {
		return 1
	}

	return int(maxDelay.Milliseconds())
}
