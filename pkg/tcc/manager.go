package tcc

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

const (
	closeStateOpen int32 = iota
	closeStateClosing
	closeStateClosed
)

// ConnectionPoolManager owns one ConnectionPool per reachable host address
// and aggregates their lifecycle events for a single listener.
//
// Add, Remove, Close and Flush run on the event-loop goroutine; callers off
// the loop post themselves with the loop's Invoke. Keyspace/SetKeyspace and
// FindLeastBusy are safe from any goroutine.
type ConnectionPoolManager struct {
	loop      *EventLoop
	ownsLoop  bool
	transport Connector
	logger    log.Logger
	settings  *poolSettings

	poolLock *sync.RWMutex
	pools    map[Address]*ConnectionPool

	// loop-confined
	pendingPools []*ConnectionPoolConnector

	flushLock *sync.Mutex
	toFlush   map[*ConnectionPool]struct{}

	trashcan *Trashcan
	counter  *HostConnectionCounter

	keyspaceLock *sync.Mutex
	keyspace     string

	listenerLock *sync.RWMutex
	listener     PoolListener

	closeState *atomic.Int32
	done       chan struct{}
}

// NewConnectionPoolManager wires a manager onto the given transport. A nil
// loop gets a private one, started here and stopped after OnClose; a supplied
// loop is the caller's to run. A nil logger silences logging.
func NewConnectionPoolManager(seasoning *CqlSeasoning, transport Connector, loop *EventLoop, logger log.Logger) (*ConnectionPoolManager, error) {

	if seasoning == nil || seasoning.PoolConfig == nil {
		return nil, errors.New("poolmanager requires a PoolConfig")
	}
	if seasoning.PoolConfig.NumConnectionsPerHost == 0 {
		return nil, errors.New("poolmanager numconnectionsperhost can't be 0")
	}
	if seasoning.PoolConfig.MaxStreamsPerConnection == 0 {
		return nil, errors.New("poolmanager maxstreamsperconnection can't be 0")
	}
	if transport == nil {
		return nil, errors.New("poolmanager requires a transport connector")
	}

	if logger == nil {
		logger = log.NewNopLogger()
	}

	ownsLoop := false
	if loop == nil {
		loop = NewEventLoop()
		ownsLoop = true
	}

	keyspace := ""
	if seasoning.SessionConfig != nil {
		keyspace = seasoning.SessionConfig.Keyspace
	}

	m := &ConnectionPoolManager{
		loop:         loop,
		ownsLoop:     ownsLoop,
		transport:    transport,
		logger:       logger,
		settings:     newPoolSettings(seasoning.PoolConfig, seasoning.CompressionConfig),
		poolLock:     &sync.RWMutex{},
		pools:        make(map[Address]*ConnectionPool),
		flushLock:    &sync.Mutex{},
		toFlush:      make(map[*ConnectionPool]struct{}),
		trashcan:     newTrashcan(logger),
		counter:      NewHostConnectionCounter(),
		keyspaceLock: &sync.Mutex{},
		keyspace:     keyspace,
		listenerLock: &sync.RWMutex{},
		listener:     noOpListener,
		closeState:   atomic.NewInt32(closeStateOpen),
		done:         make(chan struct{}),
	}

	loop.OnTick(m.onTick)

	if ownsLoop {
		loop.Start()
	}

	return m, nil
}

// Loop exposes the event loop so off-loop callers can post themselves.
func (m *ConnectionPoolManager) Loop() *EventLoop {
	return m.loop
}

// Add starts a pool for the address. Idempotent: a present pool or an
// in-flight connector for the same address makes this a no-op, as does a
// closing manager. Loop goroutine.
func (m *ConnectionPoolManager) Add(address Address) {

	if m.closeState.Load() != closeStateOpen {
		return
	}

	m.poolLock.RLock()
	_, present := m.pools[address]
	m.poolLock.RUnlock()
	if present {
		return
	}

	for _, connector := range m.pendingPools {
		if connector.Address() == address {
			return
		}
	}

	_ = level.Debug(m.logger).Log("msg", "connecting pool", "addr", address.String())

	connector := newConnectionPoolConnector(m, address, m.handlePoolConnect)
	m.pendingPools = append(m.pendingPools, connector)
	connector.connect()
}

// Remove starts closing the pool for the address; the pool unregisters
// itself once its last connection is closed. Idempotent. Loop goroutine.
func (m *ConnectionPoolManager) Remove(address Address) {

	m.poolLock.RLock()
	pool, present := m.pools[address]
	m.poolLock.RUnlock()
	if !present {
		return
	}

	pool.Close()
}

// Available snapshots the addresses that currently have a registered pool.
func (m *ConnectionPoolManager) Available() []Address {
	m.poolLock.RLock()
	defer m.poolLock.RUnlock()

	result := make([]Address, 0, len(m.pools))
	for address := range m.pools {
		result = append(result, address)
	}
	return result
}

// FindLeastBusy returns the least busy connection of the pool for the
// address, or nil when the pool is absent, saturated or closing. Safe from
// any goroutine.
func (m *ConnectionPoolManager) FindLeastBusy(address Address) *PooledConnection {

	pool := m.pool(address)
	if pool == nil {
		return nil
	}

	return pool.FindLeastBusy()
}

// Flush drains every pool that queued writes since the last drain. Runs at
// the end of every loop turn; callable directly on the loop goroutine.
func (m *ConnectionPoolManager) Flush() {

	m.flushLock.Lock()
	toFlush := m.toFlush
	m.toFlush = make(map[*ConnectionPool]struct{})
	m.flushLock.Unlock()

	for pool := range toFlush {
		pool.flush()
	}
}

// Close shuts every pool down and cancels every pending connector. The
// listener's OnClose fires exactly once, after the last pool reports closed;
// Done unblocks then. Loop goroutine.
func (m *ConnectionPoolManager) Close() {

	if m.closeState.CAS(closeStateOpen, closeStateClosing) {
		_ = level.Debug(m.logger).Log("msg", "closing pool manager")

		m.poolLock.RLock()
		pools := make([]*ConnectionPool, 0, len(m.pools))
		for _, pool := range m.pools {
			pools = append(pools, pool)
		}
		m.poolLock.RUnlock()

		for _, pool := range pools {
			pool.Close()
		}

		for _, connector := range m.pendingPools {
			connector.Cancel()
		}
		m.pendingPools = nil
	}

	m.maybeClosed()
}

// Done is closed after the listener's OnClose has fired.
func (m *ConnectionPoolManager) Done() <-chan struct{} {
	return m.done
}

// SetListener swaps the lifecycle listener. A nil listener restores the
// shared no-op listener so callbacks never need a nil check. Safe from any
// goroutine; the swap is atomic with respect to the loop.
func (m *ConnectionPoolManager) SetListener(listener PoolListener) {

	if listener == nil {
		listener = noOpListener
	}

	m.listenerLock.Lock()
	m.listener = listener
	m.listenerLock.Unlock()
}

// Keyspace returns the session-wide default keyspace. Safe from any
// goroutine.
func (m *ConnectionPoolManager) Keyspace() string {
	m.keyspaceLock.Lock()
	defer m.keyspaceLock.Unlock()

	return m.keyspace
}

// SetKeyspace changes the keyspace stamped onto connections created from now
// on. Safe from any goroutine.
func (m *ConnectionPoolManager) SetKeyspace(keyspace string) {
	m.keyspaceLock.Lock()
	defer m.keyspaceLock.Unlock()

	m.keyspace = keyspace
}

func (m *ConnectionPoolManager) currentListener() PoolListener {
	m.listenerLock.RLock()
	defer m.listenerLock.RUnlock()

	return m.listener
}

func (m *ConnectionPoolManager) pool(address Address) *ConnectionPool {
	m.poolLock.RLock()
	defer m.poolLock.RUnlock()

	return m.pools[address]
}

// connectionSettings builds the bundle handed to the transport for each new
// connection, stamped with the current keyspace.
func (m *ConnectionPoolManager) connectionSettings() *ConnectionSettings {
	settings := *m.settings.connectionSettings
	settings.Keyspace = m.Keyspace()
	return &settings
}

// onTick runs at every loop turn boundary: batched writes go out, then the
// trashcan rotates.
func (m *ConnectionPoolManager) onTick() {
	m.Flush()
	m.trashcan.drain()
}

// handlePoolConnect lands a pool connector. Loop goroutine.
func (m *ConnectionPoolManager) handlePoolConnect(connector *ConnectionPoolConnector) {

	for i, pending := range m.pendingPools {
		if pending == connector {
			m.pendingPools = append(m.pendingPools[:i], m.pendingPools[i+1:]...)
			break
		}
	}

	if connector.IsOK() {
		m.addPool(connector.releasePool())
		return
	}

	connErr := connector.Error()
	_ = level.Error(m.logger).Log("msg", "pool connect failed", "addr", connector.Address().String(), "code", connErr.Code, "err", connErr.Message)
	m.notifyCriticalError(connector.Address(), connErr.Code, connErr.Message)
}

// The methods below form the upward contract pools use; they are deliberately
// unexported so only this package can drive them.

func (m *ConnectionPoolManager) addPool(pool *ConnectionPool) {

	_ = level.Debug(m.logger).Log("msg", "adding pool", "addr", pool.Address().String())

	m.poolLock.Lock()
	m.pools[pool.Address()] = pool
	m.poolLock.Unlock()

	if pool.Size() > 0 {
		m.notifyUp(pool)
	}
}

func (m *ConnectionPoolManager) notifyUp(pool *ConnectionPool) {
	pool.everUp = true
	m.currentListener().OnPoolUp(pool.Address())
}

func (m *ConnectionPoolManager) notifyDown(pool *ConnectionPool) {
	m.currentListener().OnPoolDown(pool.Address())
}

func (m *ConnectionPoolManager) notifyCriticalError(address Address, code ConnectionErrorCode, message string) {
	m.currentListener().OnPoolCriticalError(address, code, message)
}

func (m *ConnectionPoolManager) notifyClosed(pool *ConnectionPool, shouldNotifyDown bool) {

	m.poolLock.Lock()
	delete(m.pools, pool.Address())
	m.poolLock.Unlock()

	m.flushLock.Lock()
	delete(m.toFlush, pool)
	m.flushLock.Unlock()

	if shouldNotifyDown {
		m.currentListener().OnPoolDown(pool.Address())
	}

	m.maybeClosed()
}

func (m *ConnectionPoolManager) requiresFlush(pool *ConnectionPool) {

	m.flushLock.Lock()
	_, present := m.toFlush[pool]
	m.toFlush[pool] = struct{}{}
	m.flushLock.Unlock()

	if !present {
		m.loop.Wake()
	}
}

// maybeClosed is the only site that moves closing to closed and fires
// OnClose. It must be the last call in any function that can release the
// manager.
func (m *ConnectionPoolManager) maybeClosed() {

	if m.closeState.Load() != closeStateClosing {
		return
	}

	m.poolLock.RLock()
	remaining := len(m.pools)
	m.poolLock.RUnlock()
	if remaining > 0 {
		return
	}

	if !m.closeState.CAS(closeStateClosing, closeStateClosed) {
		return
	}

	m.trashcan.drainAll()

	_ = level.Debug(m.logger).Log("msg", "pool manager closed")
	m.currentListener().OnClose(m)
	close(m.done)

	if m.ownsLoop {
		m.loop.stopAsync()
	}
}
