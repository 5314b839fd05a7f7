package request

import "errors"

// Error kinds surfaced to callers. Wrap with fmt.Errorf("%w: ...") for detail and
// compare with errors.Is.
var (
	ErrValidation           = errors.New("request: validation failed")
	ErrNotFound             = errors.New("request: not found")
	ErrForbidden            = errors.New("request: forbidden")
	ErrInvalidTransition    = errors.New("request: invalid transition")
	ErrAlreadyCommitted     = errors.New("request: already committed")
	ErrDuplicateApplication = errors.New("request: duplicate application")
	ErrSelfCommitForbidden  = errors.New("request: cannot volunteer for own request")
)

var (
	// ErrDuplicateID is returned by Insert when the id is already stored.
	ErrDuplicateID = errors.New("request: id already exists")
	// ErrInvariant signals a mutation that would break the aggregate's invariants.
	// It is never expected at runtime and indicates a bug in the caller.
	ErrInvariant = errors.New("request: invariant violated")
)
