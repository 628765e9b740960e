package reactor

import (
	"strconv"
	"sync/atomic"
)

// Pool is the bounded set of worker reactors that ingest sessions are
// assigned to round-robin. The main reactor (listener only) is not part of
// the pool.
type Pool struct {
	workers []*Reactor
	next    atomic.Uint64
}

// NewPool creates and starts n worker reactors.
func NewPool(n int, namePrefix string) *Pool {
	p := &Pool{workers: make([]*Reactor, n)}
	for i := 0; i < n; i++ {
		w := New(namePrefix + "-" + strconv.Itoa(i))
		p.workers[i] = w
		go w.Run()
	}
	return p
}

// Next returns the next worker in round-robin order.
func (p *Pool) Next() *Reactor {
	i := p.next.Add(1) - 1
	return p.workers[i%uint64(len(p.workers))]
}

// All returns every worker reactor, for shutdown fan-out.
func (p *Pool) All() []*Reactor {
	return p.workers
}

// Stop stops every worker reactor and waits for each to exit.
func (p *Pool) Stop() {
	for _, w := range p.workers {
		w.Stop()
	}
}
