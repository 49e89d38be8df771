package dispatch

import (
	"alertpipe/internal/types"
	"container/heap"
	"time"
)

// task is one pending delivery of an alert to a sink
type task struct {
	alert   types.Alert
	sink    int
	attempt int // number of the next attempt, starting at 1
	due     time.Time
	seq     uint64
}

// taskQueue is a min-heap ordered by due time, then insertion order
type taskQueue []*task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].due.Equal(q[j].due) {
		return q[i].seq < q[j].seq
	}
	return q[i].due.Before(q[j].due)
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(*task)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}

// popDue removes and returns the earliest task due at or before now
func (q *taskQueue) popDue(now time.Time) *task {
	if q.Len() == 0 || (*q)[0].due.After(now) {
		return nil
	}
	return heap.Pop(q).(*task)
}

// peek returns the earliest due time
func (q taskQueue) peek() (time.Time, bool) {
	if len(q) == 0 {
		return time.Time{}, false
	}
	return q[0].due, true
}
