package tcc

import (
	"sync"

	"github.com/Workiva/go-datastructures/queue"
	"go.uber.org/atomic"
)

// maxConnectionErrors is the per-connection replacement threshold. A
// connection that accumulates this many recorded errors is torn down and
// grown back through the reconnect path.
const maxConnectionErrors = 5

// pendingWrite is one frame waiting for the batched flush.
type pendingWrite struct {
	streamID int16
	frame    []byte
	cb       ResponseCallback
}

// PooledConnection wraps a transport Connection with the in-flight accounting
// and write batching the pool needs to hand it out.
type PooledConnection struct {
	// ConnectionID is stable for the life of the connection and scoped to its
	// pool; least-busy ties break toward the lowest id.
	ConnectionID uint64

	conn Connection
	pool *ConnectionPool

	streams  *streamRegistry
	inflight *atomic.Int64
	errCount *atomic.Uint32
	closing  *atomic.Bool
	released *atomic.Bool

	opLock      *sync.Mutex
	outstanding map[int16]ResponseCallback

	pendingWrites *queue.Queue
	queueSizeIO   uint64
	compression   *CompressionConfig
}

func newPooledConnection(pool *ConnectionPool, conn Connection, id uint64) *PooledConnection {

	pc := &PooledConnection{
		ConnectionID:  id,
		conn:          conn,
		pool:          pool,
		streams:       newStreamRegistry(pool.settings.maxStreamsPerConnection),
		inflight:      atomic.NewInt64(0),
		errCount:      atomic.NewUint32(0),
		closing:       atomic.NewBool(false),
		released:      atomic.NewBool(false),
		opLock:        &sync.Mutex{},
		outstanding:   make(map[int16]ResponseCallback),
		pendingWrites: queue.New(int64(pool.settings.queueSizeIO)),
		queueSizeIO:   pool.settings.queueSizeIO,
		compression:   pool.settings.compression,
	}

	conn.OnClose(pc.handleClose)

	return pc
}

// Address returns the host endpoint this connection is attached to.
func (pc *PooledConnection) Address() Address {
	return pc.conn.Address()
}

// InFlight returns the number of reserved, not yet completed stream ids.
func (pc *PooledConnection) InFlight() int64 {
	return pc.inflight.Load()
}

// AvailableStreams reports how many stream ids remain free.
func (pc *PooledConnection) AvailableStreams() int {
	return pc.streams.Available()
}

// ErrorCount returns the monotonically increasing error count.
func (pc *PooledConnection) ErrorCount() uint32 {
	return pc.errCount.Load()
}

// IsClosing reports whether the connection is on its way out.
func (pc *PooledConnection) IsClosing() bool {
	return pc.closing.Load() || pc.conn.IsClosed()
}

// ReserveStream takes a free stream id and counts it in-flight. Safe from any
// goroutine.
func (pc *PooledConnection) ReserveStream() (int16, bool) {

	if pc.IsClosing() {
		return -1, false
	}

	id, ok := pc.streams.Reserve()
	if !ok {
		return -1, false
	}

	pc.inflight.Inc()
	return id, true
}

// ReleaseStream returns an unused reservation without a write.
func (pc *PooledConnection) ReleaseStream(id int16) {
	pc.streams.Release(id)
	pc.inflight.Dec()
}

// RecordError counts a query-level failure against this connection. Query
// errors are observational until the replacement threshold, where the pool
// tears the connection down and grows a fresh one.
func (pc *PooledConnection) RecordError() {
	if pc.errCount.Inc() < maxConnectionErrors {
		return
	}

	pc.close()
}

// Write queues one frame for the batched flush. The stream id must have been
// reserved on this connection; on error the reservation is released.
func (pc *PooledConnection) Write(streamID int16, frame []byte, cb ResponseCallback) error {

	if pc.IsClosing() {
		pc.ReleaseStream(streamID)
		return ErrConnectionClosed
	}

	if pc.compression.Enabled {
		compressed, err := compressFrame(pc.compression, frame)
		if err != nil {
			pc.ReleaseStream(streamID)
			return err
		}
		frame = compressed
	}

	if uint64(pc.pendingWrites.Len()) >= pc.queueSizeIO {
		pc.ReleaseStream(streamID)
		return ErrWriteQueueFull
	}

	if err := pc.pendingWrites.Put(&pendingWrite{streamID: streamID, frame: frame, cb: cb}); err != nil {
		pc.ReleaseStream(streamID)
		return ErrConnectionClosed
	}

	pc.pool.requiresFlush()
	return nil
}

// flush drains the pending-write queue into the transport. Loop goroutine.
func (pc *PooledConnection) flush() {

	if pc.pendingWrites.Empty() {
		return
	}

	items, err := pc.pendingWrites.Get(pc.pendingWrites.Len())
	if err != nil {
		return // disposed during close; terminate already failed the writes
	}

	for _, item := range items {
		w := item.(*pendingWrite)

		if pc.conn.IsClosed() {
			pc.failWrite(w, ErrConnectionClosed)
			continue
		}

		pc.opLock.Lock()
		pc.outstanding[w.streamID] = w.cb
		pc.opLock.Unlock()

		streamID := w.streamID
		if err := pc.conn.Write(streamID, w.frame, func(frame []byte, err error) {
			pc.completeStream(streamID, frame, err)
		}); err != nil {
			pc.opLock.Lock()
			delete(pc.outstanding, streamID)
			pc.opLock.Unlock()
			pc.failWrite(w, err)
		}
	}
}

// completeStream lands one response. A stream no longer in the outstanding
// map was already failed during close; the straggler is absorbed here.
func (pc *PooledConnection) completeStream(streamID int16, frame []byte, err error) {

	pc.opLock.Lock()
	cb, ok := pc.outstanding[streamID]
	if ok {
		delete(pc.outstanding, streamID)
	}
	pc.opLock.Unlock()

	if !ok {
		return
	}

	pc.streams.Release(streamID)
	pc.inflight.Dec()

	if err != nil {
		pc.errCount.Inc()
		pc.pool.handleTransportError(pc, err)
		cb(nil, err)
		return
	}

	cb(frame, nil)
}

func (pc *PooledConnection) failWrite(w *pendingWrite, err error) {
	pc.streams.Release(w.streamID)
	pc.inflight.Dec()
	w.cb(nil, err)
}

// close tears the transport connection down. Outstanding requests fail when
// the transport reports the close back through OnClose.
func (pc *PooledConnection) close() {
	if !pc.closing.CAS(false, true) {
		return
	}

	pc.conn.Close()
}

// handleClose is the transport's OnClose handler. Loop goroutine.
func (pc *PooledConnection) handleClose(err error) {
	pc.closing.Store(true)
	pc.pool.handleConnectionClosed(pc, err)
}

// terminate fails every queued and outstanding request. Runs on the loop
// after the connection has been unlinked from its pool.
func (pc *PooledConnection) terminate(err error) {

	if !pc.pendingWrites.Empty() {
		items, getErr := pc.pendingWrites.Get(pc.pendingWrites.Len())
		if getErr == nil {
			for _, item := range items {
				pc.failWrite(item.(*pendingWrite), err)
			}
		}
	}
	pc.pendingWrites.Dispose()

	pc.opLock.Lock()
	outstanding := pc.outstanding
	pc.outstanding = make(map[int16]ResponseCallback)
	pc.opLock.Unlock()

	for id, cb := range outstanding {
		pc.streams.Release(id)
		pc.inflight.Dec()
		cb(nil, err)
	}
}
