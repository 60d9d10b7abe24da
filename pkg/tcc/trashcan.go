package tcc

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Trashcan parks connections that have been unlinked from their pool but may
// still receive a late transport callback. Entries survive until the turn
// after they were parked, so a connection is never released inside a callback
// that is still on the stack.
type Trashcan struct {
	logger log.Logger

	// loop-confined; two phases rotated once per turn
	fresh []*PooledConnection
	ready []*PooledConnection
}

func newTrashcan(logger log.Logger) *Trashcan {
	return &Trashcan{logger: logger}
}

// Put parks a connection for at least one full loop turn. Loop goroutine.
func (t *Trashcan) Put(pc *PooledConnection) {
	t.fresh = append(t.fresh, pc)
}

// drain releases everything parked before the previous turn boundary and
// rotates the rest forward. Loop goroutine, once per turn.
func (t *Trashcan) drain() {

	for _, pc := range t.ready {
		_ = level.Debug(t.logger).Log("msg", "releasing connection", "id", pc.ConnectionID)
		pc.released.Store(true)
	}

	t.ready = t.fresh
	t.fresh = nil
}

// drainAll empties both phases at shutdown.
func (t *Trashcan) drainAll() {

	for _, pc := range append(t.ready, t.fresh...) {
		pc.released.Store(true)
	}

	t.ready = nil
	t.fresh = nil
}
