package manager

import (
	"fmt"

	"github.com/webeonic/treegix-sub007/internal/ipc"
)

// worker is one pre-allocated worker slot.
type worker struct {
	index  int
	client ipc.Client

	// ruleID is valid only while busy is set.
	ruleID uint64
	busy   bool
}

// workerPool tracks the worker slots, which of them are idle and which
// slot every registered client is bound to. Idle slots are handed out in
// FIFO order.
type workerPool struct {
	workers  []worker
	free     []int
	byClient map[uint64]int
	next     int
}

func newWorkerPool(size int) *workerPool {
	p := &workerPool{
		workers:  make([]worker, size),
		free:     make([]int, 0, size),
		byClient: make(map[uint64]int, size),
	}
	for i := range p.workers {
		p.workers[i].index = i
	}
	return p
}

// register binds client to the next unassigned slot and marks it idle.
// Slots are assigned strictly in order and never reused.
func (p *workerPool) register(client ipc.Client) (*worker, error) {
	if _, ok := p.byClient[client.ID()]; ok {
		return nil, fmt.Errorf("%w: client %d", ErrDuplicateWorker, client.ID())
	}
	if p.next == len(p.workers) {
		return nil, fmt.Errorf("%w: %d slots configured", ErrTooManyWorkers, len(p.workers))
	}

	w := &p.workers[p.next]
	p.next++
	w.client = client
	p.byClient[client.ID()] = w.index
	p.release(w)

	return w, nil
}

func (p *workerPool) lookup(client ipc.Client) (*worker, error) {
	index, ok := p.byClient[client.ID()]
	if !ok {
		return nil, fmt.Errorf("%w: client %d", ErrUnknownClient, client.ID())
	}
	return &p.workers[index], nil
}

// acquire pops the longest idle worker.
func (p *workerPool) acquire() (*worker, bool) {
	if len(p.free) == 0 {
		return nil, false
	}
	index := p.free[0]
	p.free = p.free[1:]
	return &p.workers[index], true
}

func (p *workerPool) release(w *worker) {
	p.free = append(p.free, w.index)
}

func (p *workerPool) size() int {
	return len(p.workers)
}

func (p *workerPool) registered() int {
	return p.next
}

func (p *workerPool) freeCount() int {
	return len(p.free)
}

func (p *workerPool) busyCount() int {
	n := 0
	for i := range p.workers {
		if p.workers[i].busy {
			n++
		}
	}
	return n
}
