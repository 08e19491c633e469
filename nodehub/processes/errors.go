package processes

import "errors"

var (
	// ErrPortInUse is returned when the requested ws port is claimed by a
	// tracked instance, an in-flight start, or an untracked listener.
	ErrPortInUse = errors.New("processes: port in use")
	// ErrNotFound is returned for operations on an unknown instance id.
	ErrNotFound = errors.New("processes: instance not found")
	// ErrIO covers data directory and execution unit setup failures.
	ErrIO = errors.New("processes: io error")
	// ErrKey is returned when the signing key cannot be loaded or used.
	ErrKey = errors.New("processes: key error")
	// ErrInvalidAddress is returned for a malformed listen address override.
	ErrInvalidAddress = errors.New("processes: invalid address")
)
