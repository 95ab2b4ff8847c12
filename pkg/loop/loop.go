// Package loop attaches image files to a loop block device.
package loop

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

const (
	// DefaultDevice is the loop device used for image mounts
	DefaultDevice = "/dev/block/loop0"
	// DefaultControl is the node that hands out free loop devices
	DefaultControl = "/dev/loop-control"
	// DefaultDeviceDir is where loop<N> nodes live
	DefaultDeviceDir = "/dev/block"
)

// Binder attaches one image at a time to a loop device
type Binder interface {
	// Bind attaches image to the device
	Bind(image string) error
	// Unbind detaches whatever is attached
	Unbind() error
	// Path returns the loop block device path
	Path() string
}

// Device is a Binder for a single kernel loop device
type Device struct {
	path string
}

// NewDevice creates a binder for the loop device at path
func NewDevice(path string) *Device {
	return &Device{path: path}
}

// Path returns the loop block device path
func (d *Device) Path() string {
	return d.path
}

// Bind attaches image with LOOP_SET_FD
func (d *Device) Bind(image string) error {
	dev, err := os.OpenFile(d.path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("unable to open loop device %s: %w", d.path, err)
	}
	defer dev.Close()

	file, err := os.OpenFile(image, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("unable to open image %s: %w", image, err)
	}
	defer file.Close()

	if err := unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_SET_FD, int(file.Fd())); err != nil {
		return fmt.Errorf("LOOP_SET_FD %s on %s: %w", image, d.path, err)
	}

	klog.V(2).Infof("Attached %s to %s", image, d.path)
	return nil
}

// Unbind detaches the device with LOOP_CLR_FD
func (d *Device) Unbind() error {
	dev, err := os.OpenFile(d.path, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("unable to open loop device %s: %w", d.path, err)
	}
	defer dev.Close()

	if err := unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_CLR_FD, 0); err != nil {
		return fmt.Errorf("LOOP_CLR_FD on %s: %w", d.path, err)
	}

	klog.V(2).Infof("Detached %s", d.path)
	return nil
}

// Allocator hands out loop devices nothing is attached to
type Allocator interface {
	Allocate() (Binder, error)
}

// Pool allocates loop devices through loop-control
type Pool struct {
	control string
	dir     string
}

// NewPool creates an allocator asking control for free devices, whose nodes
// are named loop<N> under dir
func NewPool(control, dir string) *Pool {
	return &Pool{control: control, dir: dir}
}

// Allocate returns the first free loop device. The device stays free until
// something binds it, so callers serialize Allocate and Bind.
func (p *Pool) Allocate() (Binder, error) {
	ctl, err := os.OpenFile(p.control, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("unable to open loop control %s: %w", p.control, err)
	}
	defer ctl.Close()

	n, err := unix.IoctlRetInt(int(ctl.Fd()), unix.LOOP_CTL_GET_FREE)
	if err != nil {
		return nil, fmt.Errorf("LOOP_CTL_GET_FREE on %s: %w", p.control, err)
	}

	path := filepath.Join(p.dir, fmt.Sprintf("loop%d", n))
	klog.V(4).Infof("Allocated loop device %s", path)
	return NewDevice(path), nil
}
