package tcc

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// ConnectionPoolConnector opens the initial set of connections for a new pool
// and reports success or critical failure exactly once. One-shot: a connector
// is used for a single address and then discarded.
type ConnectionPoolConnector struct {
	manager *ConnectionPoolManager
	address Address
	target  int
	logger  log.Logger

	// loop-confined
	remaining   int
	connections []Connection
	firstErr    *ConnectionError
	canceled    bool
	callback    func(*ConnectionPoolConnector)
	pool        *ConnectionPool
}

func newConnectionPoolConnector(manager *ConnectionPoolManager, address Address, callback func(*ConnectionPoolConnector)) *ConnectionPoolConnector {
	return &ConnectionPoolConnector{
		manager:  manager,
		address:  address,
		target:   int(manager.settings.numConnectionsPerHost),
		logger:   log.With(manager.logger, "connector", address.String()),
		callback: callback,
	}
}

// Address returns the host this connector is bringing up.
func (c *ConnectionPoolConnector) Address() Address {
	return c.address
}

// IsOK reports whether at least one connection came up.
func (c *ConnectionPoolConnector) IsOK() bool {
	return c.pool != nil
}

// Error returns the first connect error when nothing came up.
func (c *ConnectionPoolConnector) Error() *ConnectionError {
	return c.firstErr
}

// connect starts every attempt in parallel. Loop goroutine.
func (c *ConnectionPoolConnector) connect() {

	c.remaining = c.target

	settings := c.manager.connectionSettings()
	for i := 0; i < c.target; i++ {
		c.manager.transport.Connect(c.address, settings, c.handleConnect)
	}
}

// handleConnect lands one attempt. Loop goroutine.
func (c *ConnectionPoolConnector) handleConnect(conn Connection, connErr *ConnectionError) {

	c.remaining--

	if c.canceled {
		if conn != nil {
			conn.Close()
		}
		return
	}

	if connErr != nil {
		if c.firstErr == nil {
			c.firstErr = connErr
		}
		_ = level.Debug(c.logger).Log("msg", "connect attempt failed", "code", connErr.Code, "err", connErr.Message)
	} else {
		c.connections = append(c.connections, conn)
	}

	if c.remaining == 0 {
		c.finish()
	}
}

func (c *ConnectionPoolConnector) finish() {

	if len(c.connections) > 0 {
		c.pool = newConnectionPool(c.manager, c.address, c.connections)
		c.connections = nil
	}

	c.callback(c)
}

// Cancel drops the connector. Attempts still in flight are closed as they
// land and the completion callback never fires. Idempotent, and safe after
// any subset of the attempts have completed.
func (c *ConnectionPoolConnector) Cancel() {

	if c.canceled {
		return
	}
	c.canceled = true

	for _, conn := range c.connections {
		conn.Close()
	}
	c.connections = nil
}

// releasePool hands the ready pool to the manager.
func (c *ConnectionPoolConnector) releasePool() *ConnectionPool {
	pool := c.pool
	c.pool = nil
	return pool
}
