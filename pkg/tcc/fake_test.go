package tcc

import (
	"fmt"
	"sync"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
)

type fakeWrite struct {
	streamID int16
	frame    []byte
	cb       ResponseCallback
}

// fakeConnection implements Connection for tests.
type fakeConnection struct {
	address Address
	loop    *EventLoop

	lock      *sync.Mutex
	closed    bool
	onClose   func(error)
	writes    []fakeWrite
	responder func(streamID int16, frame []byte, cb ResponseCallback)
}

func newFakeConnection(address Address, loop *EventLoop) *fakeConnection {
	return &fakeConnection{
		address: address,
		loop:    loop,
		lock:    &sync.Mutex{},
	}
}

func (f *fakeConnection) Address() Address { return f.address }

func (f *fakeConnection) IsClosed() bool {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.closed
}

func (f *fakeConnection) Write(streamID int16, frame []byte, cb ResponseCallback) error {

	f.lock.Lock()
	if f.closed {
		f.lock.Unlock()
		return ErrConnectionClosed
	}
	f.writes = append(f.writes, fakeWrite{streamID: streamID, frame: frame, cb: cb})
	responder := f.responder
	f.lock.Unlock()

	if responder != nil {
		f.loop.Post(func() { responder(streamID, frame, cb) })
	}

	return nil
}

func (f *fakeConnection) Close() { f.shutdown(nil) }

// remoteClose simulates the peer severing the connection.
func (f *fakeConnection) remoteClose(err error) { f.shutdown(err) }

func (f *fakeConnection) shutdown(err error) {

	f.lock.Lock()
	if f.closed {
		f.lock.Unlock()
		return
	}
	f.closed = true
	onClose := f.onClose
	f.lock.Unlock()

	if onClose != nil {
		f.loop.Post(func() { onClose(err) })
	}
}

func (f *fakeConnection) OnClose(fn func(err error)) {
	f.lock.Lock()
	f.onClose = fn
	f.lock.Unlock()
}

func (f *fakeConnection) writeCount() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return len(f.writes)
}

func (f *fakeConnection) writtenFrames() []fakeWrite {
	f.lock.Lock()
	defer f.lock.Unlock()
	writes := make([]fakeWrite, len(f.writes))
	copy(writes, f.writes)
	return writes
}

type pendingConnect struct {
	address Address
	cb      ConnectCallback
}

// fakeConnector scripts connect outcomes for tests.
type fakeConnector struct {
	loop *EventLoop

	lock         *sync.Mutex
	manual       bool
	failWith     *ConnectionError
	attempts     int
	pending      []pendingConnect
	conns        []*fakeConnection
	lastSettings *ConnectionSettings
	responder    func(streamID int16, frame []byte, cb ResponseCallback)
}

func newFakeConnector(loop *EventLoop) *fakeConnector {
	return &fakeConnector{
		loop: loop,
		lock: &sync.Mutex{},
	}
}

func (fc *fakeConnector) Connect(address Address, settings *ConnectionSettings, cb ConnectCallback) {

	fc.lock.Lock()
	fc.attempts++
	fc.lastSettings = settings

	if fc.manual {
		fc.pending = append(fc.pending, pendingConnect{address: address, cb: cb})
		fc.lock.Unlock()
		return
	}

	failWith := fc.failWith
	responder := fc.responder
	fc.lock.Unlock()

	if failWith != nil {
		failure := *failWith
		fc.loop.Post(func() { cb(nil, &failure) })
		return
	}

	conn := newFakeConnection(address, fc.loop)
	conn.responder = responder

	fc.lock.Lock()
	fc.conns = append(fc.conns, conn)
	fc.lock.Unlock()

	fc.loop.Post(func() { cb(conn, nil) })
}

// completePending releases held attempts, all succeeding or all failing.
func (fc *fakeConnector) completePending(connErr *ConnectionError) {

	fc.lock.Lock()
	pending := fc.pending
	fc.pending = nil
	fc.lock.Unlock()

	for _, p := range pending {
		p := p
		if connErr != nil {
			failure := *connErr
			fc.loop.Post(func() { p.cb(nil, &failure) })
			continue
		}

		conn := newFakeConnection(p.address, fc.loop)
		fc.lock.Lock()
		fc.conns = append(fc.conns, conn)
		fc.lock.Unlock()

		fc.loop.Post(func() { p.cb(conn, nil) })
	}
}

func (fc *fakeConnector) setManual(manual bool) {
	fc.lock.Lock()
	fc.manual = manual
	fc.lock.Unlock()
}

func (fc *fakeConnector) setFailure(connErr *ConnectionError) {
	fc.lock.Lock()
	fc.failWith = connErr
	fc.lock.Unlock()
}

func (fc *fakeConnector) setResponder(fn func(streamID int16, frame []byte, cb ResponseCallback)) {
	fc.lock.Lock()
	fc.responder = fn
	fc.lock.Unlock()
}

func (fc *fakeConnector) attemptCount() int {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	return fc.attempts
}

func (fc *fakeConnector) pendingCount() int {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	return len(fc.pending)
}

func (fc *fakeConnector) connections() []*fakeConnection {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	conns := make([]*fakeConnection, len(fc.conns))
	copy(conns, fc.conns)
	return conns
}

func (fc *fakeConnector) settingsSeen() *ConnectionSettings {
	fc.lock.Lock()
	defer fc.lock.Unlock()
	return fc.lastSettings
}

type criticalEvent struct {
	address Address
	code    ConnectionErrorCode
	message string
}

// recordingListener captures every pool event and flags any event delivered
// after OnClose.
type recordingListener struct {
	lock       sync.Mutex
	ups        []Address
	downs      []Address
	criticals  []criticalEvent
	closes     int
	afterClose int
}

func (r *recordingListener) OnPoolUp(address Address) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closes > 0 {
		r.afterClose++
	}
	r.ups = append(r.ups, address)
}

func (r *recordingListener) OnPoolDown(address Address) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closes > 0 {
		r.afterClose++
	}
	r.downs = append(r.downs, address)
}

func (r *recordingListener) OnPoolCriticalError(address Address, code ConnectionErrorCode, message string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closes > 0 {
		r.afterClose++
	}
	r.criticals = append(r.criticals, criticalEvent{address: address, code: code, message: message})
}

func (r *recordingListener) OnClose(*ConnectionPoolManager) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.closes++
}

func (r *recordingListener) upCount() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.ups)
}

func (r *recordingListener) downCount() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.downs)
}

func (r *recordingListener) criticalCount() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.criticals)
}

func (r *recordingListener) firstCritical() criticalEvent {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.criticals[0]
}

func (r *recordingListener) closeCount() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.closes
}

func (r *recordingListener) eventsAfterClose() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.afterClose
}

func newTestSeasoning() *CqlSeasoning {
	return &CqlSeasoning{
		PoolConfig: &PoolConfig{
			ApplicationName:         "tcc-test",
			NumConnectionsPerHost:   2,
			ReconnectWaitInterval:   20,
			QueueSizeIO:             32,
			MaxStreamsPerConnection: 4,
		},
		SessionConfig: &SessionConfig{Keyspace: "tcc_test"},
	}
}

func newTestManager(t *testing.T, seasoning *CqlSeasoning) (*ConnectionPoolManager, *fakeConnector, *EventLoop) {
	t.Helper()

	loop := NewEventLoop()
	connector := newFakeConnector(loop)

	manager, err := NewConnectionPoolManager(seasoning, connector, loop, log.NewNopLogger())
	require.NoError(t, err)

	loop.Start()
	t.Cleanup(loop.Stop)

	return manager, connector, loop
}

// settle runs enough empty turns for queued callbacks, flushes and trashcan
// rotations to land.
func settle(loop *EventLoop) {
	for i := 0; i < 10; i++ {
		loop.Invoke(func() {})
	}
}

func testAddress(lastOctet int) Address {
	return Address{IP: fmt.Sprintf("10.0.0.%d", lastOctet), Port: 9042}
}
