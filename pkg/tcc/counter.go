package tcc

import (
	cmap "github.com/orcaman/concurrent-map"
	"go.uber.org/atomic"
)

// HostConnectionCounter tracks how many fully-established connections each
// host currently contributes, enforcing the per-host ceiling during growth.
// Each count is an atomic updated by compare-and-swap; finding a host's
// counter goes through the concurrent map, which takes a shard lock, so the
// path as a whole is not lock-free. The counter is an admission gate only; the
// pool's connection set stays authoritative for iteration and flush.
type HostConnectionCounter struct {
	counts cmap.ConcurrentMap
}

// NewHostConnectionCounter creates an empty counter set.
func NewHostConnectionCounter() *HostConnectionCounter {
	return &HostConnectionCounter{counts: cmap.New()}
}

func (hc *HostConnectionCounter) counter(address Address) *atomic.Int64 {

	key := address.String()
	if v, ok := hc.counts.Get(key); ok {
		return v.(*atomic.Int64)
	}

	fresh := atomic.NewInt64(0)
	if !hc.counts.SetIfAbsent(key, fresh) {
		v, _ := hc.counts.Get(key)
		return v.(*atomic.Int64)
	}

	return fresh
}

// TryIncrease admits one more connection for the host unless the ceiling has
// been reached.
func (hc *HostConnectionCounter) TryIncrease(address Address, ceiling int64) bool {

	counter := hc.counter(address)
	for {
		current := counter.Load()
		if current >= ceiling {
			return false
		}
		if counter.CAS(current, current+1) {
			return true
		}
	}
}

// Decrease releases one connection slot for the host.
func (hc *HostConnectionCounter) Decrease(address Address) {
	hc.counter(address).Dec()
}

// Count reports the established connections for the host.
func (hc *HostConnectionCounter) Count(address Address) int64 {
	return hc.counter(address).Load()
}
