// Package errkind classifies the failure modes the core distinguishes
// when deciding local recovery and what, if anything, to surface to the
// client (spec.md §7).
package errkind

import "github.com/pkg/errors"

// Kind is one of the behavioural error classes from spec.md §7's table.
// It is attached to an error with Wrap/Is, the way rclone's backends
// attach fs.Error* sentinels to wrapped causes.
type Kind int

const (
	// TransportUnreachable: library SCSI / TLC. Request requeued; neither
	// device nor medium is blamed.
	TransportUnreachable Kind = iota
	// MediumDefect: load/mount/format failure attributable to the medium.
	MediumDefect
	// DriveDefect: load/unload/format failure attributable to the drive.
	DriveDefect
	// FullFilesystem: a write-mount came up read-only.
	FullFilesystem
	// NoCompatibleDrive: the dispatcher found no drive compatible with a
	// medium's technology.
	NoCompatibleDrive
	// ProtocolError: malformed/unparseable request at intake.
	ProtocolError
	// Shutdown: scheduler shutdown in progress.
	Shutdown
)

func (k Kind) String() string {
	switch k {
	case TransportUnreachable:
		return "transport_unreachable"
	case MediumDefect:
		return "medium_defect"
	case DriveDefect:
		return "drive_defect"
	case FullFilesystem:
		return "full_filesystem"
	case NoCompatibleDrive:
		return "no_compatible_drive"
	case ProtocolError:
		return "protocol_error"
	case Shutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

type kindError struct {
	kind  Kind
	cause error
}

func (e *kindError) Error() string {
	if e.cause == nil {
		return e.kind.String()
	}
	return e.kind.String() + ": " + e.cause.Error()
}

func (e *kindError) Unwrap() error { return e.cause }

// Wrap attaches kind to cause. A nil cause is allowed, for sentinel-style
// kind errors that carry no underlying OS/library error.
func Wrap(kind Kind, cause error) error {
	return &kindError{kind: kind, cause: cause}
}

// Wrapf is Wrap with an errors.Wrapf-formatted cause.
func Wrapf(kind Kind, cause error, format string, args ...interface{}) error {
	return Wrap(kind, errors.Wrapf(cause, format, args...))
}

// KindOf extracts the Kind attached to err, if any.
func KindOf(err error) (Kind, bool) {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind, true
	}
	return 0, false
}

// Is reports whether err was wrapped with the given kind anywhere in its
// chain.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// ENOSPC is returned by a write sub-request when the mounted medium came
// up read-only (spec.md §4.2 "write-mount verification").
var ENOSPC = errors.New("no space left on medium")

// ENODEV is returned when no drive is compatible with a medium's
// technology (spec.md §4.4/§7).
var ENODEV = errors.New("no compatible drive for medium")
