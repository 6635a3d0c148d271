// Package transport declares the external tape-library transport
// collaborator (spec.md §1, §6): the physical robot/SCSI layer that
// moves media into and out of drives. The core only invokes the
// operations below; the SCSI protocol itself is out of scope.
package transport

import "context"

// Library is the physical media-handling robot for one resource family's
// library.
type Library interface {
	// Open establishes the session with the library (audit: library_open).
	Open(ctx context.Context) error

	// Scan enumerates media currently present in the library
	// (audit: library_scan).
	Scan(ctx context.Context) ([]string, error)

	// Move physically loads mediumName into drive driveName, unloading
	// whatever the drive previously held first if it is non-empty
	// (audit: device_load).
	Move(ctx context.Context, mediumName, driveName string) error

	// Eject physically removes whatever medium drive driveName holds
	// (audit: device_unload).
	Eject(ctx context.Context, driveName string) error

	// Close releases the session.
	Close() error
}

// ErrConnectionFailed classifies an error as transport-unreachable per
// spec.md §7: neither device nor medium health is touched, and the
// sub-request is requeued rather than failed.
type ErrConnectionFailed struct {
	Cause error
}

func (e *ErrConnectionFailed) Error() string {
	if e.Cause == nil {
		return "transport: connection failed"
	}
	return "transport: connection failed: " + e.Cause.Error()
}

func (e *ErrConnectionFailed) Unwrap() error { return e.Cause }
