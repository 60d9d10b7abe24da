package tcc

import (
	"sync"

	"go.uber.org/atomic"
)

// QueryPlan is a one-shot, per-request iterator of candidate hosts.
type QueryPlan interface {
	// Next returns the next host to try, or nil when the plan is exhausted.
	Next() *Host
}

// LoadBalancingPolicy decides host order for every request. The dispatcher
// introduces no reordering of its own.
type LoadBalancingPolicy interface {
	Init(hosts []*Host)
	NewQueryPlan() QueryPlan
}

// RoundRobinPolicy cycles through the host set, starting each plan one
// position after the previous one.
type RoundRobinPolicy struct {
	hostLock *sync.RWMutex
	hosts    []*Host
	position *atomic.Uint64
}

// NewRoundRobinPolicy creates a policy with no hosts; call Init before use.
func NewRoundRobinPolicy() *RoundRobinPolicy {
	return &RoundRobinPolicy{
		hostLock: &sync.RWMutex{},
		position: atomic.NewUint64(0),
	}
}

// Init replaces the candidate host set.
func (p *RoundRobinPolicy) Init(hosts []*Host) {
	p.hostLock.Lock()
	p.hosts = hosts
	p.hostLock.Unlock()
}

// NewQueryPlan snapshots the host set and rotates the starting position.
func (p *RoundRobinPolicy) NewQueryPlan() QueryPlan {

	p.hostLock.RLock()
	hosts := make([]*Host, len(p.hosts))
	copy(hosts, p.hosts)
	p.hostLock.RUnlock()

	return &roundRobinPlan{
		hosts: hosts,
		start: p.position.Inc() - 1,
	}
}

type roundRobinPlan struct {
	hosts []*Host
	start uint64
	taken int
}

func (qp *roundRobinPlan) Next() *Host {

	if qp.taken >= len(qp.hosts) {
		return nil
	}

	host := qp.hosts[(qp.start+uint64(qp.taken))%uint64(len(qp.hosts))]
	qp.taken++
	return host
}
