package engine

import (
	"container/heap"

	"github.com/reverie-audio/reverie/internal/channel"
)

// agentRec carries the scheduling state for one agent. Records live in
// the run queue while queued and travel with the agent's Context while it
// runs, so a reschedule during Run can reuse the recorded original delay.
type agentRec struct {
	agent   Agent
	channel channel.ID
	runtime int64

	// origDelay is the delay in seconds recorded at the agent's first
	// scheduling, used when a reschedule gives no delay. Negative until
	// first set.
	origDelay float64

	queued bool
	seq    uint64 // insertion order; breaks runtime ties
	index  int    // heap position
}

// postRec carries the registration state for one posted event agent.
type postRec struct {
	agent   EventAgent
	channel channel.ID
	events  []string
}

// agentQueue is a min-heap of agent records ordered by runtime, ties
// broken by insertion order.
type agentQueue []*agentRec

func (q agentQueue) Len() int { return len(q) }

func (q agentQueue) Less(i, j int) bool {
	if q[i].runtime != q[j].runtime {
		return q[i].runtime < q[j].runtime
	}
	return q[i].seq < q[j].seq
}

func (q agentQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *agentQueue) Push(x any) {
	rec := x.(*agentRec)
	rec.index = len(*q)
	*q = append(*q, rec)
}

func (q *agentQueue) Pop() any {
	old := *q
	n := len(old)
	rec := old[n-1]
	old[n-1] = nil
	rec.index = -1
	*q = old[:n-1]
	return rec
}

// push inserts a record, keeping the heap ordered.
func (e *Engine) pushAgent(rec *agentRec) {
	heap.Push(&e.queue, rec)
}

// popAgent removes and returns the earliest record.
func (e *Engine) popAgent() *agentRec {
	return heap.Pop(&e.queue).(*agentRec)
}

// removeAgent removes a specific record from the middle of the queue.
func (e *Engine) removeAgent(rec *agentRec) {
	if rec.index >= 0 {
		heap.Remove(&e.queue, rec.index)
	}
}
