package tcc

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolManagerClosed names a manager that is closing or closed. The
	// manager's own operations treat a closing manager as a no-op and do not
	// return it. You can check for this error with errors.Is.
	ErrPoolManagerClosed = errors.New("connection pool manager closed")

	// ErrPoolClosed names a connection pool whose close has been triggered.
	// No function in this package returns it.
	ErrPoolClosed = errors.New("connection pool closed")

	// ErrConnectionClosed is returned when a write lands on a connection that
	// is already closed.
	ErrConnectionClosed = errors.New("connection is already closed")

	// ErrWriteQueueFull is returned when the per-connection pending-write
	// queue has reached QueueSizeIO.
	ErrWriteQueueFull = errors.New("pending-write queue is full")

	// ErrNoStreams names a connection with no free stream ids left.
	// ReserveStream reports that case with a false result, not this error.
	ErrNoStreams = errors.New("no stream ids available")
)

// NoHostAvailableError reports that an entire query plan was exhausted
// without a successful stream reservation.
type NoHostAvailableError struct {
	TriedHosts []Address
}

func (e *NoHostAvailableError) Error() string {
	return fmt.Sprintf("no host available to execute request (%d tried)", len(e.TriedHosts))
}
