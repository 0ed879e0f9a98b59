package pool

import "container/heap"

// Priority orders waiters blocked on acquire. It has no effect on callers
// that get a connection without waiting.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// waiter is a caller suspended in Acquire until a connection is handed to
// it or its deadline passes.
type waiter[C any] struct {
	priority Priority
	seq      uint64
	ch       chan *Conn[C]
	index    int
}

// waiterQueue is a heap ordered by priority (high first), then FIFO within
// equal priority.
type waiterQueue[C any] []*waiter[C]

func (q waiterQueue[C]) Len() int { return len(q) }

func (q waiterQueue[C]) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q waiterQueue[C]) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *waiterQueue[C]) Push(x any) {
	w := x.(*waiter[C])
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *waiterQueue[C]) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}

func (q *waiterQueue[C]) push(w *waiter[C]) { heap.Push(q, w) }

func (q *waiterQueue[C]) pop() *waiter[C] {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*waiter[C])
}

// remove deletes a waiter that timed out or was cancelled. Reports whether
// the waiter was still queued.
func (q *waiterQueue[C]) remove(w *waiter[C]) bool {
	if w.index < 0 {
		return false
	}
	heap.Remove(q, w.index)
	return true
}
