package utils

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Sentinel errors for volume lifecycle conditions.
// Use errors.Is() to check for these rather than string matching.
var (
	// ErrConfiguration indicates a volume or device layout that cannot be served
	ErrConfiguration = errors.New("invalid configuration")

	// ErrNoSuitableFilesystem indicates no driver recognized or mounted any partition
	ErrNoSuitableFilesystem = errors.New("no suitable filesystem")

	// ErrUnrecoverableMedia indicates a filesystem check hit an I/O failure
	ErrUnrecoverableMedia = errors.New("unrecoverable media error")

	// ErrBusy indicates the volume is in the wrong state or the target stayed busy
	ErrBusy = errors.New("device or resource busy")

	// ErrNotMounted indicates an unmount was requested for a volume that is not mounted
	ErrNotMounted = errors.New("not mounted")

	// ErrAlreadyMounted indicates the single loop slot is already in use
	ErrAlreadyMounted = errors.New("already mounted")

	// ErrMediaRemoved indicates the media disappeared before or during the operation
	ErrMediaRemoved = errors.New("media removed")

	// ErrDeleted indicates the volume is being deleted
	ErrDeleted = errors.New("volume deleted")

	// ErrVolumeNotFound indicates the requested volume does not exist
	ErrVolumeNotFound = errors.New("volume not found")

	// ErrVolumeExists indicates a volume with the same label is already registered
	ErrVolumeExists = errors.New("volume already exists")

	// ErrInvalidParameter indicates an invalid parameter was provided
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrInvalidState indicates the operation does not apply in the current state
	ErrInvalidState = errors.New("invalid volume state")

	// ErrCircuitOpen indicates mounts of this volume are suspended after repeated media failures
	ErrCircuitOpen = errors.New("circuit breaker open")
)

var errnoBySentinel = []struct {
	err   error
	errno unix.Errno
}{
	{ErrConfiguration, unix.EINVAL},
	{ErrNoSuitableFilesystem, unix.ENODATA},
	{ErrUnrecoverableMedia, unix.EIO},
	{ErrBusy, unix.EBUSY},
	{ErrNotMounted, unix.EINVAL},
	{ErrAlreadyMounted, unix.EBUSY},
	{ErrMediaRemoved, unix.ENODEV},
	{ErrDeleted, unix.ENODEV},
	{ErrVolumeNotFound, unix.ENOENT},
	{ErrVolumeExists, unix.EEXIST},
	{ErrInvalidParameter, unix.EINVAL},
	{ErrInvalidState, unix.EINVAL},
	{ErrCircuitOpen, unix.EAGAIN},
}

// Errno maps an error returned by a volume operation to the OS error code a
// command client expects. nil maps to 0. Errors carrying their own errno keep it.
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	for _, m := range errnoBySentinel {
		if errors.Is(err, m.err) {
			return m.errno
		}
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}

// IsBusy reports whether err is an EBUSY from the kernel.
func IsBusy(err error) bool {
	return errors.Is(err, unix.EBUSY)
}

// IsNotMountedErrno reports whether an unmount failed only because nothing was
// mounted at the target (EINVAL) or the target is gone (ENOENT).
func IsNotMountedErrno(err error) bool {
	return errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOENT)
}
