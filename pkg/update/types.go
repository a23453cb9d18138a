package update

import (
	"fmt"

	"github.com/edgeworks/avc-agent/pkg/lwm2m"
)

// State is the persisted update state, shared by the firmware and software
// classes. Values are wire-stable; they are what lands in the record files.
type State uint32

const (
	StateIdle        State = 0
	StateDownloading State = 1
	StateDownloaded  State = 2
	StateUpdating    State = 3
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDownloading:
		return "downloading"
	case StateDownloaded:
		return "downloaded"
	case StateUpdating:
		return "updating"
	}
	return fmt.Sprintf("unknown(%d)", uint32(s))
}

// Result is the persisted update result.
type Result uint32

const (
	// ResultDefaultNormal is the firmware class's initial, no-error result.
	ResultDefaultNormal      Result = 0
	ResultSuccess            Result = 1
	ResultNotEnoughFlash     Result = 2
	ResultOutOfMemory        Result = 3
	ResultConnectionLost     Result = 4
	ResultIntegrityFailure   Result = 5
	ResultUnsupportedPackage Result = 6
	ResultInvalidURI         Result = 7
	ResultInstallFailure     Result = 8
)

// ResultInitial is the software class's initial result. It shares the
// firmware default's encoding but is named separately because the two
// classes document their defaults independently.
const ResultInitial Result = 0

func (r Result) String() string {
	switch r {
	case ResultDefaultNormal:
		return "default"
	case ResultSuccess:
		return "success"
	case ResultNotEnoughFlash:
		return "not-enough-flash"
	case ResultOutOfMemory:
		return "out-of-memory"
	case ResultConnectionLost:
		return "connection-lost"
	case ResultIntegrityFailure:
		return "integrity-failure"
	case ResultUnsupportedPackage:
		return "unsupported-package"
	case ResultInvalidURI:
		return "invalid-uri"
	case ResultInstallFailure:
		return "install-failure"
	}
	return fmt.Sprintf("unknown(%d)", uint32(r))
}

// DefaultResult is the type-specific initial result value.
func DefaultResult(t lwm2m.PackageType) Result {
	if t == lwm2m.PackageSoftware {
		return ResultInitial
	}
	return ResultDefaultNormal
}

func recordPrefix(t lwm2m.PackageType) string {
	if t == lwm2m.PackageSoftware {
		return "sw"
	}
	return "fw"
}

func stateRecord(t lwm2m.PackageType) string  { return recordPrefix(t) + "/updateState" }
func resultRecord(t lwm2m.PackageType) string { return recordPrefix(t) + "/updateResult" }
