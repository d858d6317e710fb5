package eventloop

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a goroutine-safe bytes.Buffer, for capturing log output.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (x *syncBuffer) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.Write(p)
}

func (x *syncBuffer) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.buf.String()
}

func newTestLogger(w *syncBuffer) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w), stumpy.WithTimeField(``)),
		stumpy.L.WithLevel(logiface.LevelDebug),
	).Logger()
}

// startLoop runs a new loop in the background, stopping it on cleanup.
func startLoop(t *testing.T, opts ...LoopOption) (*Loop, <-chan error) {
	t.Helper()
	loop, err := New(opts...)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- loop.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-loop.Done():
		case <-time.After(5 * time.Second):
			t.Error(`loop did not stop`)
		}
	})
	waitForRunning(t, loop)
	return loop, runDone
}

func waitForRunning(t *testing.T, loop *Loop) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := loop.State(); s == StateRunning || s == StateSleeping {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf(`loop not running: %s`, loop.State())
}

// runOnLoop executes fn on the loop goroutine and waits for it.
func runOnLoop(t *testing.T, loop *Loop, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, loop.Submit(func() {
		defer close(done)
		fn()
	}))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal(`timed out waiting for loop task`)
	}
}
