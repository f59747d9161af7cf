package dispatch

import (
	"container/heap"

	"github.com/tabwire/bridge/pkg/types"
)

// requestHeap orders waiting requests by priority, FIFO within a
// priority class via the admission sequence number.
type requestHeap []*pendingRequest

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority > h[j].req.Priority
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *requestHeap) Push(x interface{}) {
	*h = append(*h, x.(*pendingRequest))
}

func (h *requestHeap) Pop() interface{} {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return p
}

// requestQueue is the bounded admission queue in front of the in-flight
// window. Callers hold the dispatcher lock; the queue itself is not
// thread safe.
type requestQueue struct {
	heap    requestHeap
	maxSize int
	nextSeq uint64
}

func newRequestQueue(maxSize int) *requestQueue {
	q := &requestQueue{maxSize: maxSize}
	heap.Init(&q.heap)
	return q
}

// push adds a request, failing when the queue is at capacity
func (q *requestQueue) push(p *pendingRequest) error {
	if q.maxSize > 0 && q.heap.Len() >= q.maxSize {
		return types.NewError(types.ErrCodeResourceExhausted, "dispatch queue is full")
	}
	p.seq = q.nextSeq
	q.nextSeq++
	heap.Push(&q.heap, p)
	return nil
}

// pop removes the next request to dispatch, nil when empty
func (q *requestQueue) pop() *pendingRequest {
	if q.heap.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.heap).(*pendingRequest)
}

// remove deletes one specific queued request, reporting whether it was
// still there
func (q *requestQueue) remove(p *pendingRequest) bool {
	for i, item := range q.heap {
		if item == p {
			heap.Remove(&q.heap, i)
			return true
		}
	}
	return false
}

// drain removes and returns everything queued
func (q *requestQueue) drain() []*pendingRequest {
	out := make([]*pendingRequest, 0, q.heap.Len())
	for q.heap.Len() > 0 {
		out = append(out, heap.Pop(&q.heap).(*pendingRequest))
	}
	return out
}

func (q *requestQueue) len() int {
	return q.heap.Len()
}
