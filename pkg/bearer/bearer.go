package bearer

import (
	"sync"

	"github.com/edgeworks/avc-agent/pkg/logging"
	"github.com/pkg/errors"
)

// State is the data bearer's connectivity state.
type State int

const (
	Down State = iota
	Up
)

func (s State) String() string {
	if s == Up {
		return "up"
	}
	return "down"
}

// Observer is notified of bearer state changes. Notifications arrive
// asynchronously, never from inside Request or Release.
type Observer func(State)

// Bearer is the underlying data connection the management session runs over.
// Request is asynchronous: it starts bringing the bearer up and reports
// completion through the observer.
type Bearer interface {
	Request(Observer) error
	Release() error
	Connected() bool
}

// hostBearer treats the host's existing network connectivity as the bearer.
// Radio modules with a real connection manager implement Bearer against
// their own control plane instead.
type hostBearer struct {
	log logging.Logger

	mu       sync.Mutex
	observer Observer
	up       bool
}

// NewHostBearer returns a Bearer over the host's network stack.
func NewHostBearer(log logging.Logger) Bearer {
	return &hostBearer{log: log}
}

func (b *hostBearer) Request(obs Observer) error {
	if obs == nil {
		return errors.New("bearer observer must be provided")
	}
	b.mu.Lock()
	if b.observer != nil {
		b.mu.Unlock()
		return errors.New("bearer already requested")
	}
	b.observer = obs
	b.mu.Unlock()

	// The host stack is already routed; report up off the caller's stack.
	go func() {
		b.mu.Lock()
		cur := b.observer
		b.up = cur != nil
		b.mu.Unlock()
		if cur != nil {
			b.log.Debug("bearer up")
			cur(Up)
		}
	}()
	return nil
}

func (b *hostBearer) Release() error {
	b.mu.Lock()
	obs := b.observer
	b.observer = nil
	wasUp := b.up
	b.up = false
	b.mu.Unlock()
	if obs != nil && wasUp {
		b.log.Debug("bearer released")
	}
	return nil
}

func (b *hostBearer) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.up
}
