package tcc

import "fmt"

// ResponseCallback receives the server frame for one stream, or the
// transport error that killed the request.
type ResponseCallback func(frame []byte, err error)

// ConnectCallback receives a ready Connection or the reason one could not be
// made. Exactly one of the two arguments is set.
type ConnectCallback func(conn Connection, connErr *ConnectionError)

// Connection is a live transport channel speaking the native protocol.
// Implementations live in the transport layer; the pool only drives its
// lifecycle and multiplexes streams over it.
type Connection interface {
	Address() Address
	IsClosed() bool

	// Write delivers one request frame on the given stream. The callback
	// fires exactly once, on the event-loop goroutine.
	Write(streamID int16, frame []byte, cb ResponseCallback) error

	Close()

	// OnClose registers the close handler. It fires exactly once, on the
	// event-loop goroutine, whether the close was local or peer-initiated.
	OnClose(fn func(err error))
}

// Connector brings raw Connections up for the pool layer. Handshake,
// authentication and protocol negotiation all happen behind this interface.
// The callback must be delivered on the event-loop goroutine.
type Connector interface {
	Connect(address Address, settings *ConnectionSettings, cb ConnectCallback)
}

// ConnectionErrorCode classifies connect failures.
type ConnectionErrorCode int32

const (
	// ConnectionErrorGeneric covers failures with no better classification.
	ConnectionErrorGeneric ConnectionErrorCode = iota

	// ConnectionErrorRefused means the peer actively refused the connection.
	ConnectionErrorRefused

	// ConnectionErrorTimeout means the connect attempt timed out.
	ConnectionErrorTimeout

	// ConnectionErrorAuth means the transport-level handshake was rejected.
	ConnectionErrorAuth
)

func (c ConnectionErrorCode) String() string {
	switch c {
	case ConnectionErrorRefused:
		return "refused"
	case ConnectionErrorTimeout:
		return "timeout"
	case ConnectionErrorAuth:
		return "auth"
	default:
		return "generic"
	}
}

// ConnectionError carries the code and message of a failed connect attempt.
type ConnectionError struct {
	Code    ConnectionErrorCode
	Message string
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect failed (%s): %s", e.Code, e.Message)
}
