// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gateway

import (
	"container/heap"
	"sync"

	"github.com/traylinx/aibridge/internal/store"
)

// task is one queued unit of work.
type task struct {
	rec      *store.Record
	priority int
	stream   bool
	seq      uint64
	index    int
}

// taskHeap orders by priority (higher first), then submission order.
type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// requestQueue is a bounded priority queue feeding the worker pool.
// Queued tasks can be removed by request id before a worker picks them up.
type requestQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	heap    taskHeap
	byID    map[string]*task
	nextSeq uint64
	max     int
	closed  bool
}

func newRequestQueue(max int) *requestQueue {
	q := &requestQueue{
		byID: make(map[string]*task),
		max:  max,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// enqueueAll admits every task or none, so a group submission is never
// half-queued.
func (q *requestQueue) enqueueAll(tasks []*task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || len(q.heap)+len(tasks) > q.max {
		return false
	}
	for _, t := range tasks {
		t.seq = q.nextSeq
		q.nextSeq++
		heap.Push(&q.heap, t)
		q.byID[t.rec.ID] = t
	}
	q.cond.Broadcast()
	return true
}

// dequeue blocks until a task is available. It returns false once the
// queue is closed.
func (q *requestQueue) dequeue() (*task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.heap) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return nil, false
	}
	t := heap.Pop(&q.heap).(*task)
	delete(q.byID, t.rec.ID)
	return t, true
}

// remove pulls a still-queued task out by id.
func (q *requestQueue) remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, t.index)
	delete(q.byID, id)
	return true
}

// close stops admissions and wakes every worker, returning the tasks that
// never ran.
func (q *requestQueue) close() []*task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	remaining := make([]*task, 0, len(q.heap))
	for q.heap.Len() > 0 {
		t := heap.Pop(&q.heap).(*task)
		delete(q.byID, t.rec.ID)
		remaining = append(remaining, t)
	}
	q.cond.Broadcast()
	return remaining
}

func (q *requestQueue) capacity() int { return q.max }

func (q *requestQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// byProvider counts queued tasks per provider.
func (q *requestQueue) byProvider() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := make(map[string]int, len(q.heap))
	for _, t := range q.heap {
		counts[t.rec.Provider]++
	}
	return counts
}
