package tcc

import (
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
)

// RequestCallback receives the response frame for one request.
type RequestCallback func(frame []byte)

// RequestErrback receives the structured error for one request.
type RequestErrback func(err error)

// SessionDispatcher routes requests across the manager's pools following the
// load balancing policy's per-request query plan. It doubles as the
// manager's listener so pool events keep host state current; an optional
// inner listener still receives every event.
type SessionDispatcher struct {
	id      uuid.UUID
	manager *ConnectionPoolManager
	policy  LoadBalancingPolicy
	logger  log.Logger

	hostLock *sync.RWMutex
	hosts    map[Address]*Host

	inner PoolListener
}

// NewSessionDispatcher builds a dispatcher over an already-populated host
// set and installs it as the manager's listener.
func NewSessionDispatcher(manager *ConnectionPoolManager, policy LoadBalancingPolicy, hosts []*Host, listener PoolListener, logger log.Logger) *SessionDispatcher {

	if logger == nil {
		logger = log.NewNopLogger()
	}
	if listener == nil {
		listener = noOpListener
	}

	s := &SessionDispatcher{
		id:       uuid.New(),
		manager:  manager,
		policy:   policy,
		logger:   logger,
		hostLock: &sync.RWMutex{},
		hosts:    make(map[Address]*Host, len(hosts)),
		inner:    listener,
	}

	for _, host := range hosts {
		s.hosts[host.Address] = host
	}

	policy.Init(hosts)
	manager.SetListener(s)

	return s
}

// ID identifies this dispatcher instance.
func (s *SessionDispatcher) ID() uuid.UUID {
	return s.id
}

// Execute walks the query plan and writes the frame on the least busy
// connection of the first host that can take it, returning the reserved
// stream id. When the plan is exhausted the errback receives a
// NoHostAvailableError listing every host that was tried, and -1 is
// returned. Safe from any goroutine.
func (s *SessionDispatcher) Execute(frame []byte, cb RequestCallback, eb RequestErrback) int16 {

	plan := s.policy.NewQueryPlan()
	var tried []Address

	for host := plan.Next(); host != nil; host = plan.Next() {

		if !host.IsUp() {
			tried = append(tried, host.Address)
			continue
		}

		if streamID, ok := s.tryHost(host.Address, frame, cb, eb); ok {
			return streamID
		}

		tried = append(tried, host.Address)
	}

	_ = level.Debug(s.logger).Log("msg", "query plan exhausted", "tried", len(tried))
	eb(&NoHostAvailableError{TriedHosts: tried})
	return -1
}

// tryHost attempts a reservation on the host's pool, retrying within the
// pool — bounded by its size — when another writer races away the last
// stream slot.
func (s *SessionDispatcher) tryHost(address Address, frame []byte, cb RequestCallback, eb RequestErrback) (int16, bool) {

	pool := s.manager.pool(address)
	if pool == nil {
		return -1, false
	}

	attempts := pool.Size()
	for i := 0; i < attempts; i++ {

		pc := pool.FindLeastBusy()
		if pc == nil {
			return -1, false
		}

		streamID, ok := pc.ReserveStream()
		if !ok {
			continue
		}

		err := pc.Write(streamID, frame, func(respFrame []byte, err error) {
			if err != nil {
				eb(err)
				return
			}
			cb(respFrame)
		})
		if err != nil {
			continue // Write released the reservation; try another connection
		}

		return streamID, true
	}

	return -1, false
}

// OnPoolUp marks the host up and forwards the event.
func (s *SessionDispatcher) OnPoolUp(address Address) {
	s.setHostState(address, HostStateUp)
	s.inner.OnPoolUp(address)
}

// OnPoolDown marks the host down and forwards the event.
func (s *SessionDispatcher) OnPoolDown(address Address) {
	s.setHostState(address, HostStateDown)
	s.inner.OnPoolDown(address)
}

// OnPoolCriticalError marks the host down and forwards the event.
func (s *SessionDispatcher) OnPoolCriticalError(address Address, code ConnectionErrorCode, message string) {
	s.setHostState(address, HostStateDown)
	s.inner.OnPoolCriticalError(address, code, message)
}

// OnClose forwards the final event.
func (s *SessionDispatcher) OnClose(manager *ConnectionPoolManager) {
	s.inner.OnClose(manager)
}

func (s *SessionDispatcher) setHostState(address Address, state HostState) {

	s.hostLock.RLock()
	host, ok := s.hosts[address]
	s.hostLock.RUnlock()

	if ok {
		host.setState(state)
	}
}
