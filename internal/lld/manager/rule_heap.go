package manager

import "github.com/webeonic/treegix-sub007/internal/lld/protocol"

// ruleRef is a ready heap element. The timestamp is a copy of the rule's
// head value timestamp, which cannot change while the rule is queued.
type ruleRef struct {
	ruleID uint64
	ts     protocol.Timespec
}

// ruleHeap implements heap.Interface as a min-heap on ts.
type ruleHeap []ruleRef

func (h ruleHeap) Len() int           { return len(h) }
func (h ruleHeap) Less(i, j int) bool { return h[i].ts.Compare(h[j].ts) < 0 }
func (h ruleHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *ruleHeap) Push(x any) {
	*h = append(*h, x.(ruleRef))
}

func (h *ruleHeap) Pop() any {
	old := *h
	n := len(old)
	ref := old[n-1]
	*h = old[:n-1]
	return ref
}
