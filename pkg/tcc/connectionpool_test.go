package tcc

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolHappyStart(t *testing.T) {

	manager, connector, loop := newTestManager(t, newTestSeasoning())
	listener := &recordingListener{}
	manager.SetListener(listener)

	address := testAddress(1)
	loop.Invoke(func() { manager.Add(address) })
	settle(loop)

	assert.Equal(t, 1, listener.upCount())
	assert.Equal(t, 0, listener.downCount())
	assert.Equal(t, []Address{address}, manager.Available())
	assert.Equal(t, 2, connector.attemptCount())

	pc := manager.FindLeastBusy(address)
	require.NotNil(t, pc)
	assert.Equal(t, int64(0), pc.InFlight())
}

func TestPoolAllConnectsFail(t *testing.T) {

	manager, connector, loop := newTestManager(t, newTestSeasoning())
	listener := &recordingListener{}
	manager.SetListener(listener)

	connector.setFailure(&ConnectionError{Code: ConnectionErrorRefused, Message: "connection refused"})

	address := testAddress(2)
	loop.Invoke(func() { manager.Add(address) })
	settle(loop)

	require.Equal(t, 1, listener.criticalCount())
	critical := listener.firstCritical()
	assert.Equal(t, address, critical.address)
	assert.Equal(t, ConnectionErrorRefused, critical.code)

	assert.Empty(t, manager.Available())
	assert.Equal(t, 0, listener.upCount())
	assert.Equal(t, 0, listener.downCount())
}

func TestPoolLoseOneAndRecover(t *testing.T) {

	manager, connector, loop := newTestManager(t, newTestSeasoning())
	listener := &recordingListener{}
	manager.SetListener(listener)

	address := testAddress(3)
	loop.Invoke(func() { manager.Add(address) })
	settle(loop)

	conns := connector.connections()
	require.Len(t, conns, 2)

	conns[0].remoteClose(errors.New("broken pipe"))
	settle(loop)

	// Pool stays up on a partial loss.
	assert.Equal(t, 0, listener.downCount())

	require.Eventually(t, func() bool {
		return manager.pool(address).Size() == 2
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, listener.upCount())
	assert.Equal(t, 3, connector.attemptCount())
}

func TestPoolEmptyAndDownThenUp(t *testing.T) {

	manager, connector, loop := newTestManager(t, newTestSeasoning())
	listener := &recordingListener{}
	manager.SetListener(listener)

	address := testAddress(4)
	loop.Invoke(func() { manager.Add(address) })
	settle(loop)

	connector.setFailure(&ConnectionError{Code: ConnectionErrorTimeout, Message: "i/o timeout"})

	for _, conn := range connector.connections() {
		conn.remoteClose(errors.New("broken pipe"))
	}
	settle(loop)

	assert.Equal(t, 1, listener.downCount())
	assert.Nil(t, manager.FindLeastBusy(address))

	// Attempts keep coming every reconnect interval while the host is gone.
	require.Eventually(t, func() bool {
		return connector.attemptCount() >= 4
	}, time.Second, 5*time.Millisecond)

	connector.setFailure(nil)

	require.Eventually(t, func() bool {
		return listener.upCount() == 2 && manager.pool(address).Size() == 2
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, listener.downCount())
}

func TestPoolSingleConnectionReconnectCadence(t *testing.T) {

	seasoning := newTestSeasoning()
	seasoning.PoolConfig.NumConnectionsPerHost = 1

	manager, connector, loop := newTestManager(t, seasoning)

	address := testAddress(5)
	loop.Invoke(func() { manager.Add(address) })
	settle(loop)

	require.Equal(t, 1, connector.attemptCount())

	connector.setFailure(&ConnectionError{Code: ConnectionErrorRefused, Message: "connection refused"})
	connector.connections()[0].remoteClose(errors.New("broken pipe"))
	settle(loop)

	// One attempt per interval, never a burst.
	start := time.Now()
	require.Eventually(t, func() bool {
		return connector.attemptCount() >= 4
	}, time.Second, 5*time.Millisecond)

	elapsed := time.Since(start)
	wait := time.Duration(seasoning.PoolConfig.ReconnectWaitInterval) * time.Millisecond
	assert.GreaterOrEqual(t, elapsed, 2*wait)
}

func TestPoolFindLeastBusyPrefersLowestInFlight(t *testing.T) {

	manager, _, loop := newTestManager(t, newTestSeasoning())

	address := testAddress(6)
	loop.Invoke(func() { manager.Add(address) })
	settle(loop)

	first := manager.FindLeastBusy(address)
	require.NotNil(t, first)
	assert.Equal(t, uint64(0), first.ConnectionID) // tie breaks toward the lowest id

	_, ok := first.ReserveStream()
	require.True(t, ok)

	second := manager.FindLeastBusy(address)
	require.NotNil(t, second)
	assert.Equal(t, uint64(1), second.ConnectionID)
}

func TestPoolFindLeastBusySkipsSaturated(t *testing.T) {

	seasoning := newTestSeasoning()
	seasoning.PoolConfig.NumConnectionsPerHost = 1
	seasoning.PoolConfig.MaxStreamsPerConnection = 2

	manager, _, loop := newTestManager(t, seasoning)

	address := testAddress(7)
	loop.Invoke(func() { manager.Add(address) })
	settle(loop)

	pc := manager.FindLeastBusy(address)
	require.NotNil(t, pc)

	_, ok := pc.ReserveStream()
	require.True(t, ok)
	_, ok = pc.ReserveStream()
	require.True(t, ok)

	assert.Nil(t, manager.FindLeastBusy(address))
}

func TestPoolClosedPoolReturnsNothing(t *testing.T) {

	manager, _, loop := newTestManager(t, newTestSeasoning())

	address := testAddress(8)
	loop.Invoke(func() { manager.Add(address) })
	settle(loop)

	loop.Invoke(func() { manager.Remove(address) })
	settle(loop)

	assert.Nil(t, manager.FindLeastBusy(address))
	assert.Empty(t, manager.Available())
}

func TestPoolReconnectLimitClosesPool(t *testing.T) {

	seasoning := newTestSeasoning()
	seasoning.PoolConfig.NumConnectionsPerHost = 1
	seasoning.PoolConfig.ReconnectLimit = 2

	manager, connector, loop := newTestManager(t, seasoning)
	listener := &recordingListener{}
	manager.SetListener(listener)

	address := testAddress(9)
	loop.Invoke(func() { manager.Add(address) })
	settle(loop)

	connector.setFailure(&ConnectionError{Code: ConnectionErrorRefused, Message: "connection refused"})
	connector.connections()[0].remoteClose(errors.New("broken pipe"))

	require.Eventually(t, func() bool {
		return len(manager.Available()) == 0
	}, time.Second, 5*time.Millisecond)

	// The pool emptied once, which already announced down; closing does not
	// repeat it.
	assert.Equal(t, 1, listener.downCount())
}

func TestPoolTrashcanDefersRelease(t *testing.T) {

	manager, connector, loop := newTestManager(t, newTestSeasoning())

	address := testAddress(10)
	loop.Invoke(func() { manager.Add(address) })
	settle(loop)

	pc := manager.FindLeastBusy(address)
	require.NotNil(t, pc)

	conns := connector.connections()

	// The close callback parks the connection; a task queued behind it runs
	// in the same turn, before any turn boundary can release it. Release
	// happens at a later boundary.
	inspected := make(chan struct{})
	var target *PooledConnection
	var releasedEarly bool
	loop.Invoke(func() {
		conns[0].remoteClose(errors.New("broken pipe"))
		loop.Post(func() {
			defer close(inspected)
			trashed := append(manager.trashcan.fresh, manager.trashcan.ready...)
			if len(trashed) == 1 {
				target = trashed[0]
				releasedEarly = target.released.Load()
			}
		})
	})
	<-inspected

	require.NotNil(t, target)
	assert.False(t, releasedEarly)

	require.Eventually(t, func() bool {
		return target.released.Load()
	}, time.Second, 5*time.Millisecond)
}
