package mount

import (
	"fmt"

	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// Mount flags accepted by Mounter.Mount
const (
	FlagReadOnly = unix.MS_RDONLY
	FlagNoSuid   = unix.MS_NOSUID
	FlagNoDev    = unix.MS_NODEV
	FlagNoExec   = unix.MS_NOEXEC
	FlagDirSync  = unix.MS_DIRSYNC
	FlagRemount  = unix.MS_REMOUNT
)

// Mounter handles kernel mount operations
type Mounter interface {
	// Mount mounts source to target with the given fsType, flags and data string
	Mount(source, target, fsType string, flags uintptr, data string) error

	// BindMount makes source visible at target
	BindMount(source, target string) error

	// MoveMount atomically relocates the mount at source to target
	MoveMount(source, target string) error

	// Unmount unmounts the target
	Unmount(target string) error

	// IsMountPoint checks if a path is currently a mount point
	IsMountPoint(path string) (bool, error)

	// MakeBlockDevice creates a block device node at path
	MakeBlockDevice(path string, major, minor uint32) error
}

// mounter implements Mounter using mount(2), umount(2) and mknod(2)
type mounter struct {
	mount   func(source, target, fsType string, flags uintptr, data string) error
	unmount func(target string, flags int) error
	mknod   func(path string, mode uint32, dev int) error
	table   *MountTable
}

// NewMounter creates a new kernel mounter
func NewMounter() Mounter {
	return &mounter{
		mount:   unix.Mount,
		unmount: unix.Unmount,
		mknod:   unix.Mknod,
		table:   NewMountTable(),
	}
}

// Mount mounts source to target with the given filesystem type, flags and data
func (m *mounter) Mount(source, target, fsType string, flags uintptr, data string) error {
	klog.V(4).Infof("Mounting %s to %s (fsType: %s, flags: %#x, data: %q)", source, target, fsType, flags, data)

	if err := m.mount(source, target, fsType, flags, data); err != nil {
		return fmt.Errorf("mount %s on %s (%s): %w", source, target, fsType, err)
	}

	klog.V(2).Infof("Mounted %s to %s (%s)", source, target, fsType)
	return nil
}

// BindMount makes source visible at target
func (m *mounter) BindMount(source, target string) error {
	klog.V(4).Infof("Bind mounting %s to %s", source, target)

	if err := m.mount(source, target, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("bind mount %s on %s: %w", source, target, err)
	}

	klog.V(2).Infof("Bind mounted %s to %s", source, target)
	return nil
}

// MoveMount relocates the mount at source to target
func (m *mounter) MoveMount(source, target string) error {
	klog.V(4).Infof("Moving mount %s -> %s", source, target)

	if err := m.mount(source, target, "", unix.MS_MOVE, ""); err != nil {
		return fmt.Errorf("move mount %s -> %s: %w", source, target, err)
	}

	klog.V(2).Infof("Moved mount %s -> %s", source, target)
	return nil
}

// Unmount unmounts the target path. Unlike a shell umount it does not check
// the mount table first; EINVAL is returned when nothing is mounted.
func (m *mounter) Unmount(target string) error {
	klog.V(4).Infof("Unmounting %s", target)

	if err := m.unmount(target, 0); err != nil {
		return fmt.Errorf("umount %s: %w", target, err)
	}

	klog.V(2).Infof("Unmounted %s", target)
	return nil
}

// IsMountPoint checks if a path is a mount point
func (m *mounter) IsMountPoint(path string) (bool, error) {
	return m.table.IsMounted(path)
}

// MakeBlockDevice creates a 0660 block device node. An existing node is not an error.
func (m *mounter) MakeBlockDevice(path string, major, minor uint32) error {
	klog.V(4).Infof("Creating block device node %s (%d:%d)", path, major, minor)

	err := m.mknod(path, unix.S_IFBLK|0660, int(unix.Mkdev(major, minor)))
	if err != nil && err != unix.EEXIST {
		return fmt.Errorf("mknod %s (%d:%d): %w", path, major, minor, err)
	}
	return nil
}
