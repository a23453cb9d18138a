package lwm2m

// Handler receives engine events split by family.
type Handler interface {
	OnSession(Event)
	OnPackage(Event)
}

// HandlerFuncs adapts bare functions to the Handler interface. Unset
// functions drop their events.
type HandlerFuncs struct {
	OnSessionFunc func(Event)
	OnPackageFunc func(Event)
}

func (fn *HandlerFuncs) OnSession(e Event) {
	if fn.OnSessionFunc != nil {
		fn.OnSessionFunc(e)
	}
}

func (fn *HandlerFuncs) OnPackage(e Event) {
	if fn.OnPackageFunc != nil {
		fn.OnPackageFunc(e)
	}
}
