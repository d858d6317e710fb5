package workerpool

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joeycumines/go-ioreactor/internal/invariant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_defaults(t *testing.T) {
	for _, tc := range [...]struct {
		name    string
		config  *Config
		workers int
		queue   int
	}{
		{`nil config`, nil, runtime.NumCPU(), 4 * runtime.NumCPU()},
		{`explicit`, &Config{Workers: 3, QueueSize: 5}, 3, 5},
		{`default queue`, &Config{Workers: 2}, 2, 8},
		{`unbuffered`, &Config{Workers: 1, QueueSize: -1}, 1, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := New(tc.config)
			defer p.Close()
			assert.Equal(t, tc.workers, p.Workers())
			assert.Equal(t, tc.queue, cap(p.jobs))
		})
	}
}

func TestPool_Submit_runsJobs(t *testing.T) {
	p := New(&Config{Workers: 4})
	defer p.Close()

	var wg sync.WaitGroup
	var count atomic.Int32
	for i := 0; i < 100; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(context.Background(), func() {
			defer wg.Done()
			count.Add(1)
		}))
	}
	wg.Wait()
	assert.Equal(t, int32(100), count.Load())
}

func TestPool_Submit_boundedConcurrency(t *testing.T) {
	p := New(&Config{Workers: 2, QueueSize: 10})
	defer p.Close()

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(context.Background(), func() {
			defer wg.Done()
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
		}))
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPool_Submit_ctxCanceledWhileFull(t *testing.T) {
	p := New(&Config{Workers: 1, QueueSize: -1})
	defer p.Close()

	block := make(chan struct{})
	defer close(block)
	require.NoError(t, p.Submit(context.Background(), func() { <-block }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Submit(ctx, func() {}), context.DeadlineExceeded)
}

func TestPool_Shutdown_runsQueued(t *testing.T) {
	p := New(&Config{Workers: 1, QueueSize: 10})

	block := make(chan struct{})
	var count atomic.Int32
	require.NoError(t, p.Submit(context.Background(), func() { <-block }))
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(context.Background(), func() { count.Add(1) }))
	}

	shutdown := make(chan error, 1)
	go func() { shutdown <- p.Shutdown(context.Background()) }()

	// rejected as soon as shutdown begins
	require.Eventually(t, func() bool {
		select {
		case <-p.stopped:
			return true
		default:
			return false
		}
	}, time.Second, time.Millisecond)
	assert.ErrorIs(t, p.Submit(context.Background(), func() {}), ErrClosed)

	close(block)
	require.NoError(t, <-shutdown)
	assert.Equal(t, int32(5), count.Load())
}

func TestPool_Shutdown_ctxTimeoutForcesClose(t *testing.T) {
	var dropped atomic.Int32
	p := New(&Config{Workers: 1, QueueSize: 10, OnDrop: func(func()) { dropped.Add(1) }})

	block := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func() { <-block }))
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Submit(context.Background(), func() { t.Error(`should have been dropped`) }))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(block)
	}()
	assert.ErrorIs(t, p.Shutdown(ctx), context.DeadlineExceeded)
	assert.Equal(t, int32(3), dropped.Load())
}

func TestPool_Close_dropsQueued(t *testing.T) {
	var dropped atomic.Int32
	p := New(&Config{Workers: 1, QueueSize: 10, OnDrop: func(func()) { dropped.Add(1) }})

	started := make(chan struct{})
	block := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func() {
		close(started)
		<-block
	}))
	<-started
	for i := 0; i < 4; i++ {
		require.NoError(t, p.Submit(context.Background(), func() { t.Error(`should have been dropped`) }))
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(block)
	}()
	require.NoError(t, p.Close())
	assert.Equal(t, int32(4), dropped.Load())
	assert.ErrorIs(t, p.Submit(context.Background(), func() {}), ErrClosed)

	select {
	case <-p.Done():
	default:
		t.Fatal(`expected done`)
	}
}

func TestPool_panicRecovered(t *testing.T) {
	recovered := make(chan any, 1)
	p := New(&Config{Workers: 1, OnPanic: func(v any) { recovered <- v }})
	defer p.Close()

	require.NoError(t, p.Submit(context.Background(), func() { panic(`boom`) }))
	assert.Equal(t, `boom`, <-recovered)

	ran := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func() { close(ran) }))
	<-ran
}

func TestPool_invariantViolationAborts(t *testing.T) {
	if os.Getenv(`WORKERPOOL_TEST_ABORT`) == `1` {
		p := New(&Config{Workers: 1, OnPanic: func(any) {}})
		_ = p.Submit(context.Background(), func() {
			invariant.Panicf(`widget count %d`, -1)
		})
		_ = p.Shutdown(context.Background())
		return
	}

	cmd := exec.Command(os.Args[0], `-test.run=^TestPool_invariantViolationAborts$`)
	cmd.Env = append(os.Environ(), `WORKERPOOL_TEST_ABORT=1`)
	out, err := cmd.CombinedOutput()

	var exitErr *exec.ExitError
	require.True(t, errors.As(err, &exitErr), `expected abnormal exit, got %v: %s`, err, out)
	assert.Contains(t, string(out), `panic: widget count -1`)
}

func TestPool_Submit_nilJobPanics(t *testing.T) {
	p := New(&Config{Workers: 1})
	defer p.Close()
	assert.Panics(t, func() { _ = p.Submit(context.Background(), nil) })
}
