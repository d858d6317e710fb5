package eventloop

import (
	"github.com/joeycumines/go-ioreactor/liveness"
	"github.com/joeycumines/logiface"
)

const (
	defaultTickBudget = 1024
	// upper bound on a single poll, in milliseconds, when no timer is due
	defaultMaxPollWait = 10_000
)

type loopOptions struct {
	logger      *logiface.Logger[logiface.Event]
	keepAlive   *liveness.Registry
	tickBudget  int
	maxPollWait int
}

// LoopOption configures a Loop, see [New].
type LoopOption interface {
	applyLoop(*loopOptions) error
}

type loopOptionFunc func(*loopOptions) error

func (f loopOptionFunc) applyLoop(opts *loopOptions) error { return f(opts) }

// WithLogger attaches a structured logger, used to report recovered panics
// and poll failures. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return loopOptionFunc(func(opts *loopOptions) error {
		opts.logger = logger
		return nil
	})
}

// WithKeepAlive makes the loop exit on its own, once both queues are empty
// and the registry's count is zero. Timers alone do not keep it running.
func WithKeepAlive(registry *liveness.Registry) LoopOption {
	return loopOptionFunc(func(opts *loopOptions) error {
		opts.keepAlive = registry
		return nil
	})
}

// WithTickBudget bounds the number of external tasks run per tick.
// Values <= 0 are ignored. Defaults to 1024.
func WithTickBudget(n int) LoopOption {
	return loopOptionFunc(func(opts *loopOptions) error {
		if n > 0 {
			opts.tickBudget = n
		}
		return nil
	})
}

func resolveLoopOptions(opts []LoopOption) (*loopOptions, error) {
	cfg := loopOptions{
		tickBudget:  defaultTickBudget,
		maxPollWait: defaultMaxPollWait,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyLoop(&cfg); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}
