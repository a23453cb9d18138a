package lwm2m

// Engine is the boundary to the protocol engine proper. The engine owns CoAP
// encoding, the LWM2M object model and DTLS; this module only drives its
// lifecycle and consumes its events. Boolean results follow the engine's
// native convention and are translated to result codes by the caller.
type Engine interface {
	// RegisterObjects declares the standard object set under the given
	// device endpoint name. Must be called before Connect.
	RegisterObjects(endpoint string) bool
	// Connect opens the protocol connection. Completion is reported through
	// the handler as a session event.
	Connect() bool
	// Disconnect closes any open session.
	Disconnect() bool
	// RegistrationUpdate refreshes the server registration.
	RegistrationUpdate() bool
	// Push forwards application data over the session. A false return means
	// a prior push is still in flight.
	Push(payload []byte) bool
	// Active reports whether the engine's step timer indicates a live
	// session.
	Active() bool
	// Free releases engine resources. Safe to call when nothing is held.
	Free()
}
