package tcc

// PoolListener receives pool lifecycle events. Callbacks run on the
// event-loop goroutine and must tolerate the manager being in closing;
// OnClose is the last callback ever fired.
type PoolListener interface {
	OnPoolUp(address Address)
	OnPoolDown(address Address)
	OnPoolCriticalError(address Address, code ConnectionErrorCode, message string)
	OnClose(manager *ConnectionPoolManager)
}

// nopPoolListener is the stateless shared stand-in used whenever no listener
// is supplied, so the manager never nil-checks.
type nopPoolListener struct{}

func (nopPoolListener) OnPoolUp(Address) {}

func (nopPoolListener) OnPoolDown(Address) {}

func (nopPoolListener) OnPoolCriticalError(Address, ConnectionErrorCode, string) {}

func (nopPoolListener) OnClose(*ConnectionPoolManager) {}

var noOpListener PoolListener = nopPoolListener{}
