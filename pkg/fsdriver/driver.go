// Package fsdriver implements the filesystem drivers a volume probes, mounts
// and formats with. Each driver wraps an external check tool plus a kernel
// filesystem type.
package fsdriver

// CheckResult is the outcome of probing a device with one driver
type CheckResult int

const (
	// Recognized means the device holds this filesystem and it may be mounted
	Recognized CheckResult = iota

	// NotRecognized means the device does not hold this filesystem; try the next driver
	NotRecognized

	// Unrecoverable means the check hit an I/O failure; stop probing this partition
	Unrecoverable
)

func (r CheckResult) String() string {
	switch r {
	case Recognized:
		return "recognized"
	case NotRecognized:
		return "not_recognized"
	case Unrecoverable:
		return "unrecoverable"
	default:
		return "unknown"
	}
}

// MountOptions describes ownership and flags for a volume mount
type MountOptions struct {
	ReadOnly bool
	Remount  bool
	Exec     bool
	UID      int
	GID      int
	Mask     uint32
	// CreateLostAndFound asks drivers that support it to create LOST.DIR
	CreateLostAndFound bool
}

// FormatOptions describes how to lay down a new filesystem
type FormatOptions struct {
	// Label is the volume label, empty for the tool default
	Label string
}

// Driver probes, mounts and formats one filesystem type
type Driver interface {
	// Name returns the kernel filesystem type, e.g. "vfat"
	Name() string

	// Check probes device for this filesystem
	Check(device string) CheckResult

	// Mount mounts device at mountpoint
	Mount(device, mountpoint string, opts MountOptions) error

	// Format creates this filesystem on device
	Format(device string, opts FormatOptions) error
}
