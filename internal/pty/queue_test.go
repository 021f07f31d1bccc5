package pty

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOutputQueueDropsWhenFull(t *testing.T) {
	q := newOutputQueue()
	for i := 0; i < outputQueueCapacity; i++ {
		assert.True(t, q.enqueue([]byte{byte(i)}))
	}
	assert.False(t, q.enqueue([]byte("overflow")))
	assert.Equal(t, uint64(1), q.droppedCount())
}

func TestOutputQueueFIFOOrder(t *testing.T) {
	q := newOutputQueue()
	q.enqueue([]byte("a"))
	q.enqueue([]byte("b"))

	first, ok := q.tryDequeue()
	assert.True(t, ok)
	assert.Equal(t, "a", string(first))

	second, ok := q.tryDequeue()
	assert.True(t, ok)
	assert.Equal(t, "b", string(second))
}

func TestDequeueWaitTimesOut(t *testing.T) {
	q := newOutputQueue()
	start := time.Now()
	_, ok := q.dequeueWait(30 * time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestDequeueWaitReturnsAvailableChunkImmediately(t *testing.T) {
	q := newOutputQueue()
	q.enqueue([]byte("ready"))
	chunk, ok := q.dequeueWait(time.Second)
	assert.True(t, ok)
	assert.Equal(t, "ready", string(chunk))
}
