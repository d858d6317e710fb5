//go:build linux || darwin

package main

import (
	"context"
	"errors"
	"io"

	"github.com/joeycumines/go-ioreactor/asyncfs"
	"github.com/joeycumines/go-ioreactor/eventloop"
	"github.com/joeycumines/go-ioreactor/liveness"
	"github.com/joeycumines/go-ioreactor/workerpool"
	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// reactor is the loop, pool, and filesystem bridge shared by every command.
// The loop runs until nothing holds a token, or the context is done.
type reactor struct {
	loop     *eventloop.Loop
	pool     *workerpool.Pool
	fs       *asyncfs.FS
	registry *liveness.Registry
	logger   *logiface.Logger[logiface.Event]
	// first failure reported via fail, only touched on the loop goroutine
	err error
}

func newReactor(cfg *Config, stderr io.Writer) (*reactor, error) {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	r := reactor{
		registry: liveness.NewRegistry(),
		logger: stumpy.L.New(
			stumpy.L.WithStumpy(stumpy.WithWriter(stderr)),
			stumpy.L.WithLevel(level),
		).Logger(),
	}

	r.loop, err = eventloop.New(
		eventloop.WithKeepAlive(r.registry),
		eventloop.WithLogger(r.logger),
	)
	if err != nil {
		return nil, err
	}

	r.pool = workerpool.New(&workerpool.Config{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		OnPanic: func(v any) {
			r.logger.Err().
				Any(`panic`, v).
				Log(`ioreactor: worker panicked`)
		},
	})

	r.fs = asyncfs.New(r.loop, r.pool)

	return &r, nil
}

// run submits start, then runs the loop on the calling goroutine until it
// goes idle. The first error from start or fail is returned. Cancelling ctx
// is not an error.
func (x *reactor) run(ctx context.Context, start func() error) error {
	defer func() { _ = x.pool.Close() }()

	if err := x.loop.Submit(func() { x.fail(start()) }); err != nil {
		_ = x.loop.Close()
		return err
	}

	err := x.loop.Run(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}
	if x.err != nil {
		return x.err
	}
	return err
}

// fail records err, if it is the first. Must be called on the loop
// goroutine.
func (x *reactor) fail(err error) {
	if err != nil && x.err == nil {
		x.err = err
	}
}
