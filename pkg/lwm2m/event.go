package lwm2m

import "fmt"

// PackageType distinguishes the firmware and software update classes.
type PackageType int

const (
	// PackageFirmware is the single-instance firmware update class.
	PackageFirmware PackageType = iota
	// PackageSoftware is the multi-instance software component class.
	PackageSoftware
)

func (t PackageType) String() string {
	switch t {
	case PackageFirmware:
		return "firmware"
	case PackageSoftware:
		return "software"
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

// Known reports whether the type is one of the supported update classes.
func (t PackageType) Known() bool {
	return t == PackageFirmware || t == PackageSoftware
}

// PackageURIMaxLen bounds the package URI a server may write.
const PackageURIMaxLen = 255

// NoServerID is the sentinel used when a credential is not server-scoped.
const NoServerID uint16 = 0xFFFF

// EventKind tags the events the protocol engine reports to the session
// controller.
type EventKind int

const (
	EventSessionStarted EventKind = iota
	EventSessionFailed
	EventSessionFinished
	EventDownloadProgress
	EventDownloadFinished
	EventDownloadFailed
	EventUpdateStarted
	EventUpdateFinished
	EventUpdateFailed
)

func (k EventKind) String() string {
	switch k {
	case EventSessionStarted:
		return "session-started"
	case EventSessionFailed:
		return "session-failed"
	case EventSessionFinished:
		return "session-finished"
	case EventDownloadProgress:
		return "download-progress"
	case EventDownloadFinished:
		return "download-finished"
	case EventDownloadFailed:
		return "download-failed"
	case EventUpdateStarted:
		return "update-started"
	case EventUpdateFinished:
		return "update-finished"
	case EventUpdateFailed:
		return "update-failed"
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// Session reports whether the event belongs to the session family.
func (k EventKind) Session() bool {
	switch k {
	case EventSessionStarted, EventSessionFailed, EventSessionFinished:
		return true
	}
	return false
}

// Event is the tagged union the engine delivers to its registered handler.
// Session events carry Bootstrap; package events carry Package and, for
// progress, the completed byte count.
type Event struct {
	Kind      EventKind
	Bootstrap bool
	Package   PackageType
	Progress  uint64
}

func (e Event) String() string {
	if e.Kind.Session() {
		mode := "management"
		if e.Bootstrap {
			mode = "bootstrap"
		}
		return fmt.Sprintf("%s(%s)", e.Kind, mode)
	}
	return fmt.Sprintf("%s(%s)", e.Kind, e.Package)
}
