package lwm2m

import "github.com/pkg/errors"

// Result codes returned across the porting-layer boundary. Callers compare
// with errors.Cause so wrapped annotations stay intact.
var (
	// ErrInvalidArg reports malformed or out-of-range caller input. It is
	// always checked before any state is touched.
	ErrInvalidArg = errors.New("invalid argument")
	// ErrGeneral reports an internal operation failure with no further
	// detail. It is non-retryable without outside intervention.
	ErrGeneral = errors.New("general error")
	// ErrBusy reports a conflicting operation already in progress.
	ErrBusy = errors.New("busy")
	// ErrDuplicate reports an operation redundant with the current state.
	ErrDuplicate = errors.New("duplicate")
	// ErrNotFound reports a missing lookup subject.
	ErrNotFound = errors.New("not found")
	// ErrIncorrectRange reports a caller buffer too small for the subject.
	ErrIncorrectRange = errors.New("incorrect range")
	// ErrOverflow reports a subject over a documented size limit.
	ErrOverflow = errors.New("overflow")
)

// Is reports whether err's cause is the given result code.
func Is(err, code error) bool {
	return errors.Cause(err) == code
}
