package eventloop

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskQueue_fifoAcrossGrowth(t *testing.T) {
	var q taskQueue
	const n = minQueueCap*3 + 7
	var got []int
	for i := 0; i < n; i++ {
		q.push(func() { got = append(got, i) })
	}
	require.Equal(t, n, q.size())

	for {
		task, ok := q.pop()
		if !ok {
			break
		}
		task()
	}
	require.Len(t, got, n)
	for i, v := range got {
		if v != i {
			t.Fatalf(`index %d: got %d`, i, v)
		}
	}
	assert.Equal(t, 0, q.size())

	// reusable after draining
	q.push(func() {})
	_, ok := q.pop()
	assert.True(t, ok)
	_, ok = q.pop()
	assert.False(t, ok)
}

func TestTaskQueue_wrapAround(t *testing.T) {
	var q taskQueue
	var got []int
	push := func(v int) { q.push(func() { got = append(got, v) }) }

	// advance head past the middle, then fill so the ring wraps and grows
	for i := 0; i < minQueueCap; i++ {
		push(-1)
	}
	buf := make([]func(), minQueueCap-3)
	n := q.popBatch(buf)
	require.Equal(t, minQueueCap-3, n)
	for i := 0; i < minQueueCap+10; i++ {
		push(i)
	}
	require.Equal(t, minQueueCap+13, q.size())

	got = nil
	for {
		task, ok := q.pop()
		if !ok {
			break
		}
		task()
	}
	require.Len(t, got, minQueueCap+13)
	assert.Equal(t, []int{-1, -1, -1, 0, 1}, got[:5])
	assert.Equal(t, minQueueCap+9, got[len(got)-1])
}

func TestTaskQueue_popBatch(t *testing.T) {
	var q taskQueue
	for i := 0; i < 10; i++ {
		q.push(func() {})
	}
	buf := make([]func(), 4)
	assert.Equal(t, 4, q.popBatch(buf))
	assert.Equal(t, 4, q.popBatch(buf))
	assert.Equal(t, 2, q.popBatch(buf))
	assert.Equal(t, 0, q.popBatch(buf))
}

func TestTaskQueue_concurrentPush(t *testing.T) {
	var q taskQueue
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				q.push(func() {})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 4000, q.size())
	var count int
	for {
		if _, ok := q.pop(); !ok {
			break
		}
		count++
	}
	assert.Equal(t, 4000, count)
}
