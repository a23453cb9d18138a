package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/edgeworks/avc-agent/pkg/bearer"
	"github.com/edgeworks/avc-agent/pkg/internal/logfields"
	"github.com/edgeworks/avc-agent/pkg/logging"
	"github.com/edgeworks/avc-agent/pkg/lwm2m"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// DefaultRetryInterval gates reconnection after a failed management session.
const DefaultRetryInterval = 10 * time.Minute

// State is the connection lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	BearerUp
	Active
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case BearerUp:
		return "bearer-up"
	case Active:
		return "session-active"
	case Disconnecting:
		return "disconnecting"
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

type messageKind int

const (
	msgSession messageKind = iota
	msgPackage
	msgBearer
	msgBootstrapFailure
	msgRetry
)

type message struct {
	kind messageKind
	ev   lwm2m.Event
	bst  bearer.State
}

// PackageHandler consumes one package class's events.
type PackageHandler func(lwm2m.Event)

// Controller owns the session lifecycle for one device. Only one live
// session exists at a time; Connect enforces the busy and duplicate checks,
// and every mutation of the context runs either on the event loop or under
// the controller lock.
type Controller struct {
	log      logging.Logger
	engine   lwm2m.Engine
	bearer   bearer.Bearer
	handlers map[lwm2m.PackageType]PackageHandler

	retryInterval time.Duration
	events        chan message

	mu           sync.Mutex
	state        State
	endpoint     string
	bootstrap    bool
	retryPending bool
	retryTimer   *time.Timer
	bsDeferred   bool
}

// Assert the controller as the engine's event handler.
var _ lwm2m.Handler = (*Controller)(nil)

func New(log logging.Logger, engine lwm2m.Engine, b bearer.Bearer, endpoint string, retryInterval time.Duration) (*Controller, error) {
	if retryInterval <= 0 {
		retryInterval = DefaultRetryInterval
	}
	c := &Controller{
		log:           log,
		engine:        engine,
		bearer:        b,
		handlers:      map[lwm2m.PackageType]PackageHandler{},
		retryInterval: retryInterval,
		events:        make(chan message, 16),
	}
	if err := c.checkProviders(); err != nil {
		return nil, err
	}
	c.endpoint = endpoint
	return c, nil
}

func (c *Controller) checkProviders() error {
	switch {
	case c.engine == nil:
		return errors.New("protocol engine is nil")
	case c.bearer == nil:
		return errors.New("data bearer is nil")
	}
	return nil
}

// HandlePackage registers the downstream handler for one package class.
func (c *Controller) HandlePackage(t lwm2m.PackageType, h PackageHandler) {
	c.mu.Lock()
	c.handlers[t] = h
	c.mu.Unlock()
}

// State reports the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run drives the event loop until the context ends.
func (c *Controller) Run(ctx context.Context) error {
	c.log.Debug("starting")
	defer c.log.Debug("finished")
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-c.events:
			c.dispatch(m)
		}
	}
}

// Connect requests the data bearer and returns immediately; the session
// opens asynchronously once the bearer observer reports up. Connecting
// while a retry timer runs is busy; connecting twice is a duplicate.
func (c *Controller) Connect() error {
	c.mu.Lock()
	switch {
	case c.retryPending:
		c.mu.Unlock()
		return errors.Wrap(lwm2m.ErrBusy, "retry timer running")
	case c.state != Disconnected:
		c.mu.Unlock()
		return errors.Wrapf(lwm2m.ErrDuplicate, "already %s", c.state)
	}
	c.state = Connecting
	c.mu.Unlock()

	if err := c.bearer.Request(c.observeBearer); err != nil {
		c.mu.Lock()
		c.state = Disconnected
		c.mu.Unlock()
		c.log.WithError(err).Error("bearer request failed")
		return errors.Wrap(lwm2m.ErrGeneral, "requesting bearer")
	}
	return nil
}

// Disconnect closes the session, releases the bearer, and resets the
// context. It faults unless the engine's step timer indicates an active
// session.
func (c *Controller) Disconnect() error {
	if !c.engine.Active() {
		return errors.Wrap(lwm2m.ErrGeneral, "no active session")
	}
	c.mu.Lock()
	c.state = Disconnecting
	c.mu.Unlock()

	c.engine.Disconnect()
	c.teardown()
	return nil
}

// Update requests a registration refresh from the engine.
func (c *Controller) Update() error {
	if !c.engine.RegistrationUpdate() {
		return errors.Wrap(lwm2m.ErrGeneral, "registration update refused")
	}
	return nil
}

// Push forwards application data over the session. The engine rejects
// concurrent pushes itself; a refusal surfaces as busy.
func (c *Controller) Push(payload []byte) error {
	if payload == nil {
		return errors.Wrap(lwm2m.ErrInvalidArg, "push payload")
	}
	if !c.engine.Active() {
		return errors.Wrap(lwm2m.ErrGeneral, "no active session")
	}
	if !c.engine.Push(payload) {
		return errors.Wrap(lwm2m.ErrBusy, "push already in flight")
	}
	return nil
}

// OnSession receives a session event from the engine. Dispatch is deferred
// onto the event loop; the engine's callback stack never runs teardown.
func (c *Controller) OnSession(ev lwm2m.Event) {
	c.events <- message{kind: msgSession, ev: ev}
}

// OnPackage receives a package event from the engine.
func (c *Controller) OnPackage(ev lwm2m.Event) {
	c.events <- message{kind: msgPackage, ev: ev}
}

func (c *Controller) observeBearer(s bearer.State) {
	c.events <- message{kind: msgBearer, bst: s}
}

func (c *Controller) dispatch(m message) {
	switch m.kind {
	case msgBearer:
		if m.bst == bearer.Up {
			c.bearerUp()
		} else {
			c.bearerDown()
		}
	case msgSession:
		c.sessionEvent(m.ev)
	case msgPackage:
		c.packageEvent(m.ev)
	case msgBootstrapFailure:
		c.log.Warn("bootstrap session failed, disconnecting")
		c.mu.Lock()
		c.state = Disconnecting
		c.bsDeferred = false
		c.mu.Unlock()
		c.engine.Disconnect()
		c.teardown()
	case msgRetry:
		c.retryFired()
	}
}

// bearerUp registers the protocol objects under the device endpoint name and
// opens the connection. A registration failure leaves the state unchanged so
// the caller may retry.
func (c *Controller) bearerUp() {
	c.mu.Lock()
	if c.endpoint == "" {
		c.endpoint = uuid.NewString()
		c.log.WithField("endpoint", c.endpoint).Info("generated device endpoint name")
	}
	endpoint := c.endpoint
	c.mu.Unlock()

	if !c.engine.RegisterObjects(endpoint) {
		c.log.Error("object registration refused")
		return
	}
	c.mu.Lock()
	c.state = BearerUp
	c.mu.Unlock()

	if !c.engine.Connect() {
		c.log.Error("engine connect refused")
		c.teardown()
		c.scheduleRetry()
	}
}

// bearerDown releases protocol resources and the bearer observer. Calling it
// with nothing held is a no-op.
func (c *Controller) bearerDown() {
	c.mu.Lock()
	if c.state == Disconnected {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.log.Info("bearer down")
	c.teardown()
}

func (c *Controller) sessionEvent(ev lwm2m.Event) {
	log := c.log.WithFields(logfields.Event(ev))
	switch ev.Kind {
	case lwm2m.EventSessionStarted:
		log.Info("session started")
		c.mu.Lock()
		c.state = Active
		c.bootstrap = ev.Bootstrap
		c.mu.Unlock()

	case lwm2m.EventSessionFailed:
		if ev.Bootstrap {
			// Teardown must not run on the engine's callback stack; a
			// deferred pseudo-event decouples the two, and only one may be
			// outstanding.
			c.mu.Lock()
			deferred := c.bsDeferred
			c.bsDeferred = true
			c.mu.Unlock()
			if !deferred {
				go func() { c.events <- message{kind: msgBootstrapFailure} }()
			}
			return
		}
		// Under a management session the engine falls back to bootstrap on
		// its own; schedule a fresh attempt in case it gives up.
		log.Warn("management session failed")
		c.scheduleRetry()

	case lwm2m.EventSessionFinished:
		log.Info("session finished")
		c.teardown()

	default:
		log.Debug("ignoring session event")
	}
}

// packageEvent fans a package event out to the class's registered handler.
// An unrecognized package type is logged and otherwise ignored.
func (c *Controller) packageEvent(ev lwm2m.Event) {
	c.mu.Lock()
	h, ok := c.handlers[ev.Package]
	c.mu.Unlock()
	if !ok {
		c.log.WithFields(logfields.Event(ev)).Warn("event for unrecognized package type")
		return
	}
	h(ev)
}

// teardown releases the bearer and engine state and resets the context.
// Idempotent; the lock keeps re-entrant callbacks from observing a
// half-torn-down context.
func (c *Controller) teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Disconnected {
		return
	}
	c.engine.Free()
	if err := c.bearer.Release(); err != nil {
		c.log.WithError(err).Warn("bearer release failed")
	}
	c.state = Disconnected
	c.bootstrap = false
}

func (c *Controller) scheduleRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.retryTimer != nil {
		return
	}
	c.retryPending = true
	c.log.WithField("interval", c.retryInterval).Info("scheduling session retry")
	c.retryTimer = time.AfterFunc(c.retryInterval, func() {
		c.events <- message{kind: msgRetry}
	})
}

func (c *Controller) retryFired() {
	c.mu.Lock()
	c.retryPending = false
	c.retryTimer = nil
	idle := c.state == Disconnected
	c.mu.Unlock()
	if !idle {
		return
	}
	if err := c.Connect(); err != nil {
		c.log.WithError(err).Error("retry connect failed")
	}
}
