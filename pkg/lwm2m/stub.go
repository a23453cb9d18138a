package lwm2m

import (
	"sync"

	"github.com/edgeworks/avc-agent/pkg/logging"
	"github.com/edgeworks/avc-agent/pkg/transport"
)

// StubEngine is a minimal Engine binding over the UDP transport. It opens
// and tears down the datagram path and reports management session events,
// which is enough to bring the agent up against a test server.
// TODO: replace with the lwm2mcore binding once its DTLS layer is wired.
type StubEngine struct {
	log    logging.Logger
	server string

	mu         sync.Mutex
	handler    Handler
	conn       *transport.Conn
	registered bool
	active     bool
}

var _ Engine = (*StubEngine)(nil)

func NewStubEngine(log logging.Logger, server string) *StubEngine {
	return &StubEngine{log: log, server: server}
}

// SetHandler binds the event consumer. Must be called before Connect.
func (e *StubEngine) SetHandler(h Handler) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
}

func (e *StubEngine) RegisterObjects(endpoint string) bool {
	if endpoint == "" {
		return false
	}
	e.mu.Lock()
	e.registered = true
	e.mu.Unlock()
	e.log.WithField("endpoint", endpoint).Debug("objects registered")
	return true
}

func (e *StubEngine) Connect() bool {
	e.mu.Lock()
	if !e.registered || e.conn != nil {
		e.mu.Unlock()
		return false
	}
	conn, err := transport.Open(e.log, ":0", e.onDatagram)
	if err != nil {
		e.mu.Unlock()
		e.log.WithError(err).Error("transport open failed")
		return false
	}
	if err := conn.Connect(e.server); err != nil {
		e.mu.Unlock()
		conn.Close()
		e.log.WithError(err).Error("transport connect failed")
		return false
	}
	e.conn = conn
	e.active = true
	h := e.handler
	e.mu.Unlock()

	if h != nil {
		go h.OnSession(Event{Kind: EventSessionStarted})
	}
	return true
}

func (e *StubEngine) Disconnect() bool {
	e.mu.Lock()
	h := e.handler
	wasActive := e.active
	e.active = false
	e.mu.Unlock()
	if wasActive && h != nil {
		go h.OnSession(Event{Kind: EventSessionFinished})
	}
	return wasActive
}

func (e *StubEngine) RegistrationUpdate() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *StubEngine) Push(payload []byte) bool {
	e.mu.Lock()
	conn := e.conn
	active := e.active
	e.mu.Unlock()
	if !active || conn == nil {
		return false
	}
	if _, err := conn.Send(payload); err != nil {
		e.log.WithError(err).Error("push send failed")
		return false
	}
	return true
}

func (e *StubEngine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Free releases the transport. Safe to call when nothing is held.
func (e *StubEngine) Free() {
	e.mu.Lock()
	conn := e.conn
	e.conn = nil
	e.registered = false
	e.active = false
	e.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (e *StubEngine) onDatagram(d transport.Datagram) {
	e.log.WithField("from", d.Addr.String()).Debug("datagram received")
}
