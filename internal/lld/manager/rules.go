package manager

import (
	"container/heap"

	"github.com/webeonic/treegix-sub007/internal/lld/protocol"
)

// ruleQueue holds the pending values of one LLD rule in arrival order.
// values[0] is either in flight or next to be dispatched.
type ruleQueue struct {
	ruleID uint64
	values []*protocol.Value
}

func (q *ruleQueue) head() *protocol.Value {
	return q.values[0]
}

func (q *ruleQueue) push(v *protocol.Value) {
	q.values = append(q.values, v)
}

// pop drops the head value and reports whether values remain.
func (q *ruleQueue) pop() bool {
	q.values[0] = nil
	q.values = q.values[1:]
	if len(q.values) == 0 {
		q.values = nil
		return false
	}
	return true
}

// ruleIndex owns the queued values of all rules and orders the rules that
// are ready for dispatch by the timestamp of their oldest value.
//
// A rule is either absent (no pending values), queued (present in the index
// and in the ready heap) or in flight (present in the index only).
type ruleIndex struct {
	rules map[uint64]*ruleQueue
	ready ruleHeap
}

func newRuleIndex() *ruleIndex {
	return &ruleIndex{
		rules: make(map[uint64]*ruleQueue),
	}
}

// enqueue appends v to its rule queue. Only a rule seen for the first time
// enters the ready heap; a queued or in-flight rule keeps its state.
func (ri *ruleIndex) enqueue(v *protocol.Value) {
	if q, ok := ri.rules[v.RuleID]; ok {
		q.push(v)
		return
	}

	q := &ruleQueue{ruleID: v.RuleID, values: []*protocol.Value{v}}
	ri.rules[v.RuleID] = q
	ri.schedule(q)
}

func (ri *ruleIndex) schedule(q *ruleQueue) {
	heap.Push(&ri.ready, ruleRef{ruleID: q.ruleID, ts: q.head().Timestamp})
}

// hasReady reports whether a rule waits for a worker.
func (ri *ruleIndex) hasReady() bool {
	return ri.ready.Len() > 0
}

// popReady removes the rule with the oldest pending value from the ready
// heap. The rule stays indexed while in flight.
func (ri *ruleIndex) popReady() *ruleQueue {
	ref := heap.Pop(&ri.ready).(ruleRef)
	return ri.rules[ref.ruleID]
}

// advance discards the head value of an in-flight rule. The rule is queued
// again when values remain and removed from the index otherwise.
func (ri *ruleIndex) advance(ruleID uint64) {
	q, ok := ri.rules[ruleID]
	if !ok {
		return
	}
	if q.pop() {
		ri.schedule(q)
		return
	}
	delete(ri.rules, ruleID)
}

func (ri *ruleIndex) ruleCount() int {
	return len(ri.rules)
}

func (ri *ruleIndex) readyCount() int {
	return ri.ready.Len()
}
