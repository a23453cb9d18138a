package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/edgeworks/avc-agent/pkg/bearer"
	"github.com/edgeworks/avc-agent/pkg/internal/testoutput"
	"github.com/edgeworks/avc-agent/pkg/logging"
	"github.com/edgeworks/avc-agent/pkg/lwm2m"
	"github.com/pkg/errors"
	"gotest.tools/assert"
)

type fakeEngine struct {
	mu          sync.Mutex
	registerOK  bool
	connectOK   bool
	updateOK    bool
	pushOK      bool
	active      bool
	registers   []string
	connects    int
	disconnects int
	frees       int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{registerOK: true, connectOK: true, updateOK: true, pushOK: true}
}

func (e *fakeEngine) RegisterObjects(endpoint string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.registers = append(e.registers, endpoint)
	return e.registerOK
}

func (e *fakeEngine) Connect() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connects++
	if e.connectOK {
		e.active = true
	}
	return e.connectOK
}

func (e *fakeEngine) Disconnect() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disconnects++
	e.active = false
	return true
}

func (e *fakeEngine) RegistrationUpdate() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.updateOK
}

func (e *fakeEngine) Push(payload []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pushOK
}

func (e *fakeEngine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *fakeEngine) Free() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frees++
	e.active = false
}

func (e *fakeEngine) set(fn func(*fakeEngine)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e)
}

func (e *fakeEngine) snapshot() fakeEngine {
	e.mu.Lock()
	defer e.mu.Unlock()
	return fakeEngine{
		registers:   append([]string{}, e.registers...),
		connects:    e.connects,
		disconnects: e.disconnects,
		frees:       e.frees,
	}
}

type fakeBearer struct {
	mu         sync.Mutex
	requestErr error
	requests   int
	releases   int
	observer   bearer.Observer
}

func (b *fakeBearer) Request(obs bearer.Observer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests++
	if b.requestErr != nil {
		return b.requestErr
	}
	b.observer = obs
	return nil
}

func (b *fakeBearer) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releases++
	return nil
}

func (b *fakeBearer) Connected() bool { return false }

func (b *fakeBearer) up() {
	b.mu.Lock()
	obs := b.observer
	b.mu.Unlock()
	obs(bearer.Up)
}

func (b *fakeBearer) down() {
	b.mu.Lock()
	obs := b.observer
	b.mu.Unlock()
	obs(bearer.Down)
}

func (b *fakeBearer) counts() (requests, releases int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requests, b.releases
}

type harness struct {
	engine *fakeEngine
	bearer *fakeBearer
	ctrl   *Controller
}

func newHarness(t *testing.T, retryInterval time.Duration) *harness {
	t.Helper()
	eng := newFakeEngine()
	brr := &fakeBearer{}
	ctrl, err := New(testoutput.Logger(t, logging.New("session")), eng, brr, "dev-01", retryInterval)
	assert.NilError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctrl.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return &harness{engine: eng, bearer: brr, ctrl: ctrl}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("never observed: %s", what)
}

// drain posts a package event and waits for its handler, guaranteeing every
// earlier message has been dispatched.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	done := make(chan struct{}, 1)
	h.ctrl.HandlePackage(lwm2m.PackageSoftware, func(lwm2m.Event) { done <- struct{}{} })
	h.ctrl.OnPackage(lwm2m.Event{Kind: lwm2m.EventDownloadProgress, Package: lwm2m.PackageSoftware})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event loop stalled")
	}
}

// connect drives the harness all the way to an active session.
func (h *harness) connect(t *testing.T) {
	t.Helper()
	assert.NilError(t, h.ctrl.Connect())
	h.bearer.up()
	waitFor(t, "bearer-up state", func() bool { return h.ctrl.State() == BearerUp })
	h.ctrl.OnSession(lwm2m.Event{Kind: lwm2m.EventSessionStarted})
	waitFor(t, "active state", func() bool { return h.ctrl.State() == Active })
}

func TestConnectBringsSessionUp(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.connect(t)
	eng := h.engine.snapshot()
	assert.DeepEqual(t, eng.registers, []string{"dev-01"})
	assert.Equal(t, eng.connects, 1)
}

func TestConnectGeneratesEndpointName(t *testing.T) {
	eng := newFakeEngine()
	brr := &fakeBearer{}
	ctrl, err := New(testoutput.Logger(t, logging.New("session")), eng, brr, "", time.Hour)
	assert.NilError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	assert.NilError(t, ctrl.Connect())
	brr.up()
	waitFor(t, "bearer-up state", func() bool { return ctrl.State() == BearerUp })
	regs := eng.snapshot().registers
	assert.Equal(t, len(regs), 1)
	assert.Check(t, regs[0] != "")
}

func TestConnectTwiceIsDuplicate(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.connect(t)
	err := h.ctrl.Connect()
	assert.Check(t, lwm2m.Is(err, lwm2m.ErrDuplicate))
}

func TestConnectDuringRetryIsBusy(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.engine.set(func(e *fakeEngine) { e.connectOK = false })

	assert.NilError(t, h.ctrl.Connect())
	h.bearer.up()
	waitFor(t, "teardown after refused connect", func() bool { return h.ctrl.State() == Disconnected })
	h.drain(t)

	err := h.ctrl.Connect()
	assert.Check(t, lwm2m.Is(err, lwm2m.ErrBusy))
}

func TestConnectBearerFailure(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.bearer.mu.Lock()
	h.bearer.requestErr = errors.New("no modem")
	h.bearer.mu.Unlock()

	err := h.ctrl.Connect()
	assert.Check(t, lwm2m.Is(err, lwm2m.ErrGeneral))
	assert.Equal(t, h.ctrl.State(), Disconnected)
}

func TestRetryReconnectsAfterRefusedConnect(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond)
	h.engine.set(func(e *fakeEngine) { e.connectOK = false })

	assert.NilError(t, h.ctrl.Connect())
	h.bearer.up()
	waitFor(t, "teardown after refused connect", func() bool { return h.ctrl.State() == Disconnected })

	// Let the next attempt through.
	h.engine.set(func(e *fakeEngine) { e.connectOK = true })
	waitFor(t, "second bearer request", func() bool {
		requests, _ := h.bearer.counts()
		return requests == 2
	})
}

func TestRegistrationRefusalLeavesStateForRetry(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.engine.set(func(e *fakeEngine) { e.registerOK = false })

	assert.NilError(t, h.ctrl.Connect())
	h.bearer.up()
	waitFor(t, "registration attempt", func() bool { return len(h.engine.snapshot().registers) == 1 })
	assert.Equal(t, h.ctrl.State(), Connecting)
	assert.Equal(t, h.engine.snapshot().connects, 0)
}

func TestBootstrapFailureDisconnectsExactlyOnce(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.connect(t)

	// The engine may report the failure more than once; only one deferred
	// disconnect runs.
	h.ctrl.OnSession(lwm2m.Event{Kind: lwm2m.EventSessionFailed, Bootstrap: true})
	h.ctrl.OnSession(lwm2m.Event{Kind: lwm2m.EventSessionFailed, Bootstrap: true})
	waitFor(t, "teardown after bootstrap failure", func() bool { return h.ctrl.State() == Disconnected })

	eng := h.engine.snapshot()
	assert.Equal(t, eng.disconnects, 1)
	assert.Equal(t, eng.frees, 1)
	_, releases := h.bearer.counts()
	assert.Equal(t, releases, 1)
}

func TestSessionFinishedTearsDown(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.connect(t)

	h.ctrl.OnSession(lwm2m.Event{Kind: lwm2m.EventSessionFinished})
	waitFor(t, "teardown after session finished", func() bool { return h.ctrl.State() == Disconnected })
	assert.Equal(t, h.engine.snapshot().frees, 1)
}

func TestBearerDownTearsDownOnce(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.connect(t)

	h.bearer.down()
	h.bearer.down()
	waitFor(t, "teardown after bearer down", func() bool { return h.ctrl.State() == Disconnected })
	waitFor(t, "single release", func() bool {
		_, releases := h.bearer.counts()
		return releases == 1
	})
	assert.Equal(t, h.engine.snapshot().frees, 1)
}

func TestDisconnectRequiresActiveSession(t *testing.T) {
	h := newHarness(t, time.Hour)
	err := h.ctrl.Disconnect()
	assert.Check(t, lwm2m.Is(err, lwm2m.ErrGeneral))
}

func TestDisconnectClosesSession(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.connect(t)

	assert.NilError(t, h.ctrl.Disconnect())
	assert.Equal(t, h.ctrl.State(), Disconnected)
	eng := h.engine.snapshot()
	assert.Equal(t, eng.disconnects, 1)
	assert.Equal(t, eng.frees, 1)
}

func TestPushChecks(t *testing.T) {
	h := newHarness(t, time.Hour)

	assert.Check(t, lwm2m.Is(h.ctrl.Push(nil), lwm2m.ErrInvalidArg))
	assert.Check(t, lwm2m.Is(h.ctrl.Push([]byte("x")), lwm2m.ErrGeneral))

	h.connect(t)
	assert.NilError(t, h.ctrl.Push([]byte("x")))

	h.engine.set(func(e *fakeEngine) { e.pushOK = false })
	assert.Check(t, lwm2m.Is(h.ctrl.Push([]byte("x")), lwm2m.ErrBusy))
}

func TestUpdateReflectsEngine(t *testing.T) {
	h := newHarness(t, time.Hour)
	h.connect(t)
	assert.NilError(t, h.ctrl.Update())

	h.engine.set(func(e *fakeEngine) { e.updateOK = false })
	assert.Check(t, lwm2m.Is(h.ctrl.Update(), lwm2m.ErrGeneral))
}

func TestUnknownPackageTypeIgnored(t *testing.T) {
	h := newHarness(t, time.Hour)
	got := make(chan lwm2m.Event, 2)
	h.ctrl.HandlePackage(lwm2m.PackageFirmware, func(ev lwm2m.Event) { got <- ev })

	h.ctrl.OnPackage(lwm2m.Event{Kind: lwm2m.EventDownloadFinished, Package: lwm2m.PackageSoftware})
	h.ctrl.OnPackage(lwm2m.Event{Kind: lwm2m.EventDownloadFinished, Package: lwm2m.PackageFirmware})

	select {
	case ev := <-got:
		assert.Equal(t, ev.Package, lwm2m.PackageFirmware)
	case <-time.After(2 * time.Second):
		t.Fatal("firmware handler never ran")
	}
	select {
	case ev := <-got:
		t.Fatalf("unexpected second dispatch for %s", ev.Package)
	case <-time.After(50 * time.Millisecond):
	}
}
