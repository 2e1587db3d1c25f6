package executor

import (
	"container/heap"
	"sync"

	"github.com/tthsd/tthsd/internal/rangeplan"
)

// rangeHeap orders pending ranges by ascending start offset, the way the
// planner requires remaining ranges to be scheduled after a resume. This
// is internal/engine/queue.go's downloadHeap (there ordered by Priority,
// a max-heap over *downloads*) repurposed into a min-heap over *ranges*
// within one task.
type rangeHeap []*rangeplan.Range

func (h rangeHeap) Len() int { return len(h) }
func (h rangeHeap) Less(i, j int) bool {
	return h[i].Start < h[j].Start
}
func (h rangeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *rangeHeap) Push(x any) {
	*h = append(*h, x.(*rangeplan.Range))
}

func (h *rangeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// rangeQueue is the FIFO-by-offset queue the executor's bounded worker
// pool pulls from, guarded by a sync.Cond the way spec.md describes
// workers "parking on a resume condition": a worker blocks here both when
// the queue is empty and when the task is paused.
//
// inFlight counts ranges that have been handed to a worker by Pop but not
// yet released, i.e. ranges for which a worker may hold an open HTTP
// response. It is incremented inside Pop's own lock so there is no gap
// between "range left the queue" and "range is accounted as in flight" -
// WaitParked relies on that atomicity to know when it is safe to report
// every worker parked.
type rangeQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	heap     rangeHeap
	paused   bool
	draining bool
	inFlight int
}

func newRangeQueue() *rangeQueue {
	q := &rangeQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *rangeQueue) Push(r *rangeplan.Range) {
	q.mu.Lock()
	heap.Push(&q.heap, r)
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Pop blocks until a range is available, the queue is draining (stop), or
// the queue is unpaused having been paused. Returns ok=false when the queue
// is draining, or when no range is pending and none is in flight (every
// range is finished).
func (q *rangeQueue) Pop() (r *rangeplan.Range, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.draining {
			return nil, false
		}
		if q.paused {
			q.cond.Wait()
			continue
		}
		if len(q.heap) > 0 {
			r := heap.Pop(&q.heap).(*rangeplan.Range)
			q.inFlight++
			return r, true
		}
		if q.draining {
			return nil, false
		}
		if q.inFlight == 0 {
			return nil, false
		}
		q.cond.Wait()
	}
}

// Release marks a range handed out by Pop as no longer in flight, i.e. the
// worker holding it has either finished it or abandoned its HTTP response
// and returned the range to the queue. WaitParked blocks on this count
// reaching zero.
func (q *rangeQueue) Release() {
	q.mu.Lock()
	q.inFlight--
	q.mu.Unlock()
	q.cond.Broadcast()
}

// WaitParked blocks until no range is in flight, i.e. every worker that
// had an open HTTP response has released it. Callers use this after Pause
// to confirm the §3 invariant that a paused task holds no open response
// before announcing the pause.
func (q *rangeQueue) WaitParked() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.inFlight > 0 {
		q.cond.Wait()
	}
}

func (q *rangeQueue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

func (q *rangeQueue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Drain marks the queue as finished, waking every blocked worker so they
// can observe draining=true and exit.
func (q *rangeQueue) Drain() {
	q.mu.Lock()
	q.draining = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *rangeQueue) Draining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}

func (q *rangeQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}
