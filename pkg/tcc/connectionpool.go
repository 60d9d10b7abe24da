package tcc

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
)

// poolState tracks where a pool is in its lifecycle.
type poolState int32

const (
	poolStateGrowing poolState = iota
	poolStateReady
	poolStateReconnecting
	poolStateClosing
	poolStateClosed
)

func (s poolState) String() string {
	switch s {
	case poolStateGrowing:
		return "growing"
	case poolStateReady:
		return "ready"
	case poolStateReconnecting:
		return "reconnecting"
	case poolStateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// ConnectionPool maintains the live connections for one host address and
// replaces them as they are lost. All lifecycle mutation runs on the event
// loop; FindLeastBusy is safe from any goroutine.
type ConnectionPool struct {
	manager  *ConnectionPoolManager
	address  Address
	settings *poolSettings
	logger   log.Logger

	connLock    *sync.RWMutex
	connections []*PooledConnection // ascending ConnectionID

	state *atomic.Int32

	// loop-confined
	connIDSeq       uint64
	pendingConnects int
	reconnectTimer  *LoopTimer
	reconnectRounds uint32
	notifiedDown    bool
	everUp          bool
}

// newConnectionPool wraps an initial set of ready transport connections.
// Called by the pool connector on the loop goroutine.
func newConnectionPool(manager *ConnectionPoolManager, address Address, conns []Connection) *ConnectionPool {

	p := &ConnectionPool{
		manager:  manager,
		address:  address,
		settings: manager.settings,
		logger:   log.With(manager.logger, "pool", address.String()),
		connLock: &sync.RWMutex{},
		state:    atomic.NewInt32(int32(poolStateGrowing)),
	}

	for _, conn := range conns {
		p.addConnection(conn)
	}

	if p.Size() > 0 {
		p.state.Store(int32(poolStateReady))
	}

	return p
}

// Address returns the host this pool services.
func (p *ConnectionPool) Address() Address {
	return p.address
}

// Size reports the number of live connections.
func (p *ConnectionPool) Size() int {
	p.connLock.RLock()
	defer p.connLock.RUnlock()

	return len(p.connections)
}

// FindLeastBusy returns the live connection with the fewest in-flight streams
// among those with at least one free stream id. Ties break toward the lowest
// connection id. Returns nil when the pool is empty, saturated or closing.
func (p *ConnectionPool) FindLeastBusy() *PooledConnection {

	if s := p.currentState(); s == poolStateClosing || s == poolStateClosed {
		return nil
	}

	p.connLock.RLock()
	defer p.connLock.RUnlock()

	var best *PooledConnection
	for _, pc := range p.connections {
		if pc.IsClosing() || pc.AvailableStreams() == 0 {
			continue
		}
		if best == nil || pc.InFlight() < best.InFlight() {
			best = pc
		}
	}

	return best
}

// Close starts a graceful close of every connection. The pool unregisters
// itself from the manager once the last connection reports closed. Loop
// goroutine.
func (p *ConnectionPool) Close() {

	if s := p.currentState(); s == poolStateClosing || s == poolStateClosed {
		return
	}
	p.state.Store(int32(poolStateClosing))

	if p.reconnectTimer != nil {
		p.reconnectTimer.Stop()
		p.reconnectTimer = nil
	}

	p.connLock.RLock()
	conns := make([]*PooledConnection, len(p.connections))
	copy(conns, p.connections)
	p.connLock.RUnlock()

	if len(conns) == 0 {
		p.maybeClosed()
		return
	}

	for _, pc := range conns {
		pc.close()
	}
}

func (p *ConnectionPool) currentState() poolState {
	return poolState(p.state.Load())
}

// addConnection admits one established transport connection. Loop goroutine.
func (p *ConnectionPool) addConnection(conn Connection) {

	if s := p.currentState(); s == poolStateClosing || s == poolStateClosed {
		conn.Close()
		return
	}

	if !p.manager.counter.TryIncrease(p.address, int64(p.settings.numConnectionsPerHost)) {
		// Surplus from a swap race; the pool set stays authoritative.
		conn.Close()
		return
	}

	pc := newPooledConnection(p, conn, p.connIDSeq)
	p.connIDSeq++

	p.connLock.Lock()
	p.connections = append(p.connections, pc)
	p.connLock.Unlock()
}

// handleConnectionClosed unlinks a dead connection, parks it in the trashcan
// and drives the down/reconnect transitions. Loop goroutine.
func (p *ConnectionPool) handleConnectionClosed(pc *PooledConnection, err error) {

	p.connLock.Lock()
	removed := false
	for i, candidate := range p.connections {
		if candidate == pc {
			p.connections = append(p.connections[:i], p.connections[i+1:]...)
			removed = true
			break
		}
	}
	p.connLock.Unlock()

	if !removed {
		return
	}

	p.manager.counter.Decrease(p.address)
	pc.terminate(ErrConnectionClosed)
	p.manager.trashcan.Put(pc)

	switch p.currentState() {
	case poolStateClosing:
		p.maybeClosed()
		return
	case poolStateClosed:
		return
	}

	if err != nil {
		_ = level.Warn(p.logger).Log("msg", "connection lost", "id", pc.ConnectionID, "err", err)
	}

	if p.Size() == 0 && !p.notifiedDown {
		p.notifiedDown = true
		p.manager.notifyDown(p)
	}

	p.state.Store(int32(poolStateReconnecting))
	p.scheduleReconnect()
}

// handleTransportError is connection-fatal; query errors never come this way.
func (p *ConnectionPool) handleTransportError(pc *PooledConnection, err error) {
	_ = level.Warn(p.logger).Log("msg", "transport error", "id", pc.ConnectionID, "err", err)
	pc.close()
}

// scheduleReconnect arms a single delayed retry. Simultaneous losses coalesce
// into one timer; the retry itself fans out only as far as the missing count.
func (p *ConnectionPool) scheduleReconnect() {

	if p.reconnectTimer != nil {
		return
	}
	if s := p.currentState(); s == poolStateClosing || s == poolStateClosed {
		return
	}

	p.reconnectTimer = p.manager.loop.Schedule(p.settings.reconnectWait, p.reconnect)
}

// reconnect grows the pool back toward the target count. Loop goroutine.
func (p *ConnectionPool) reconnect() {

	p.reconnectTimer = nil

	if s := p.currentState(); s == poolStateClosing || s == poolStateClosed {
		return
	}

	missing := int(p.settings.numConnectionsPerHost) - p.Size() - p.pendingConnects
	if missing <= 0 {
		return
	}

	_ = level.Debug(p.logger).Log("msg", "reconnecting", "missing", missing)

	settings := p.manager.connectionSettings()
	for i := 0; i < missing; i++ {
		p.pendingConnects++
		p.manager.transport.Connect(p.address, settings, p.handleReconnect)
	}
}

// handleReconnect lands one reconnect attempt. Loop goroutine.
func (p *ConnectionPool) handleReconnect(conn Connection, connErr *ConnectionError) {

	p.pendingConnects--

	if s := p.currentState(); s == poolStateClosing || s == poolStateClosed {
		if conn != nil {
			conn.Close()
		}
		p.maybeClosed()
		return
	}

	if connErr != nil {
		_ = level.Warn(p.logger).Log("msg", "reconnect attempt failed", "code", connErr.Code, "err", connErr.Message)

		if p.pendingConnects == 0 {
			p.reconnectRounds++
			if p.settings.reconnectLimit > 0 && p.reconnectRounds >= p.settings.reconnectLimit {
				_ = level.Error(p.logger).Log("msg", "reconnect limit reached, closing pool", "rounds", p.reconnectRounds)
				p.Close()
				return
			}
			p.scheduleReconnect()
		}
		return
	}

	p.reconnectRounds = 0
	p.addConnection(conn)

	if p.Size() > 0 {
		p.state.Store(int32(poolStateReady))
		if p.notifiedDown {
			p.notifiedDown = false
			p.manager.notifyUp(p)
		}
	}

	if p.Size()+p.pendingConnects < int(p.settings.numConnectionsPerHost) {
		p.scheduleReconnect()
	}
}

// requiresFlush marks this pool for the end-of-turn drain. Safe from any
// goroutine.
func (p *ConnectionPool) requiresFlush() {
	p.manager.requiresFlush(p)
}

// flush writes out every connection's pending batch. Loop goroutine.
func (p *ConnectionPool) flush() {

	p.connLock.RLock()
	conns := make([]*PooledConnection, len(p.connections))
	copy(conns, p.connections)
	p.connLock.RUnlock()

	for _, pc := range conns {
		pc.flush()
	}
}

// maybeClosed finishes the close once the last connection and the last
// pending connect have landed. It must be the final call on any path that
// can unregister the pool.
func (p *ConnectionPool) maybeClosed() {

	if p.currentState() != poolStateClosing {
		return
	}
	if p.Size() > 0 || p.pendingConnects > 0 {
		return
	}

	p.state.Store(int32(poolStateClosed))
	_ = level.Debug(p.logger).Log("msg", "pool closed")

	p.manager.notifyClosed(p, p.everUp && !p.notifiedDown)
}
