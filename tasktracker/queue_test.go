package tasktracker

import (
	"container/heap"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newJob(priority Priority, seq uint64) *job {
	return &job{task: Task{Priority: priority}, seq: seq}
}

func TestPriorityQueueOrdersByPriorityThenFIFO(t *testing.T) {
	q := &priorityQueue{}
	heap.Init(q)

	heap.Push(q, newJob(PriorityNormal, 0))
	heap.Push(q, newJob(PriorityUrgent, 1))
	heap.Push(q, newJob(PriorityLow, 2))
	heap.Push(q, newJob(PriorityUrgent, 3))

	first := heap.Pop(q).(*job)
	assert.Equal(t, PriorityUrgent, first.task.Priority)
	assert.EqualValues(t, 1, first.seq)

	second := heap.Pop(q).(*job)
	assert.Equal(t, PriorityUrgent, second.task.Priority)
	assert.EqualValues(t, 3, second.seq)

	third := heap.Pop(q).(*job)
	assert.Equal(t, PriorityNormal, third.task.Priority)

	fourth := heap.Pop(q).(*job)
	assert.Equal(t, PriorityLow, fourth.task.Priority)
}

func TestPriorityQueueRemoveMidQueue(t *testing.T) {
	q := &priorityQueue{}
	heap.Init(q)

	a := newJob(PriorityNormal, 0)
	b := newJob(PriorityNormal, 1)
	c := newJob(PriorityNormal, 2)
	heap.Push(q, a)
	heap.Push(q, b)
	heap.Push(q, c)

	q.remove(b)
	require.Equal(t, -1, b.index)
	require.Equal(t, 2, q.Len())

	first := heap.Pop(q).(*job)
	assert.Same(t, a, first)
	second := heap.Pop(q).(*job)
	assert.Same(t, c, second)
}

func TestPriorityQueueRemoveNotQueuedIsNoop(t *testing.T) {
	q := &priorityQueue{}
	heap.Init(q)
	j := newJob(PriorityNormal, 0)
	j.index = -1
	q.remove(j)
	assert.Equal(t, 0, q.Len())
}
