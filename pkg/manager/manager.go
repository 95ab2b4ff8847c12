// Package manager owns every volume of the daemon. It serializes operations
// per volume, routes hotplug events to the volume that claims the device,
// hosts the loop image mount and USB mass storage sharing, and throttles
// automatic mounts after media insertion.
package manager

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"git.srvlab.io/whiskey/vold/pkg/circuitbreaker"
	"git.srvlab.io/whiskey/vold/pkg/hotplug"
	"git.srvlab.io/whiskey/vold/pkg/utils"
	"git.srvlab.io/whiskey/vold/pkg/volume"
	"golang.org/x/time/rate"
	"k8s.io/klog/v2"
)

// ShareMethodUMS is the only supported share method
const ShareMethodUMS = "ums"

// loopLockKey serializes loop image operations; it can't collide with a volume label
const loopLockKey = "/loop"

// Options tunes manager behavior
type Options struct {
	// AutoMount mounts a volume once its media is fully discovered
	AutoMount bool
	// AutoMountInterval and AutoMountBurst bound automatic mounts per volume
	AutoMountInterval time.Duration
	AutoMountBurst    int
	// UMSLunFile is the USB mass storage LUN backing file
	UMSLunFile string
	// Breaker tunes the per-volume mount circuit breaker
	Breaker circuitbreaker.Settings
}

// DefaultOptions returns the stock manager options
func DefaultOptions() Options {
	return Options{
		AutoMount:         true,
		AutoMountInterval: 10 * time.Second,
		AutoMountBurst:    2,
		UMSLunFile:        "/sys/devices/platform/usb_mass_storage/lun0/file",
		Breaker:           circuitbreaker.DefaultSettings(),
	}
}

// Manager tracks the configured volumes and runs their operations
type Manager struct {
	env  *volume.Env
	opts Options

	// mu protects volumes and limiters
	mu       sync.RWMutex
	volumes  []*volume.Volume
	limiters map[string]*rate.Limiter

	// volumeLocks provides per-volume operation locking
	volumeLocks *VolumeLockManager
	breakers    *circuitbreaker.VolumeCircuitBreaker

	automounts sync.WaitGroup
	closed     atomic.Bool
}

// New creates a manager and registers it as the environment's hotplug sink,
// so synthetic events raised by volumes come back through HandleBlockEvent
func New(env *volume.Env, opts Options) (*Manager, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: manager needs a volume environment", utils.ErrConfiguration)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	if opts.AutoMountInterval <= 0 {
		opts.AutoMountInterval = DefaultOptions().AutoMountInterval
	}
	if opts.AutoMountBurst <= 0 {
		opts.AutoMountBurst = 1
	}

	m := &Manager{
		env:         env,
		opts:        opts,
		limiters:    make(map[string]*rate.Limiter),
		volumeLocks: NewVolumeLockManager(),
		breakers:    circuitbreaker.NewVolumeCircuitBreaker(opts.Breaker),
	}
	env.Hotplug = m
	return m, nil
}

// AddVolume creates and starts a volume
func (m *Manager) AddVolume(cfg volume.Config) (*volume.Volume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, v := range m.volumes {
		if v.Label() == cfg.Label {
			return nil, fmt.Errorf("%w: %s", utils.ErrVolumeExists, cfg.Label)
		}
	}

	v, err := volume.New(m.env, cfg)
	if err != nil {
		return nil, err
	}
	v.Start()

	m.volumes = append(m.volumes, v)
	m.limiters[cfg.Label] = rate.NewLimiter(rate.Every(m.opts.AutoMountInterval), m.opts.AutoMountBurst)
	klog.V(2).Infof("Added volume %s at %s (%s)", cfg.Label, cfg.Mountpoint, cfg.Type)
	return v, nil
}

// LookupVolume returns the volume with label
func (m *Manager) LookupVolume(label string) (*volume.Volume, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, v := range m.volumes {
		if v.Label() == label {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", utils.ErrVolumeNotFound, label)
}

// Volumes returns the volumes in the order they were added
func (m *Manager) Volumes() []*volume.Volume {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*volume.Volume(nil), m.volumes...)
}

// SetDebug toggles debug logging on every volume
func (m *Manager) SetDebug(enable bool) {
	for _, v := range m.Volumes() {
		v.SetDebug(enable)
	}
}

// withVolume runs fn holding the per-volume lock of label
func (m *Manager) withVolume(label string, fn func(v *volume.Volume) error) error {
	if _, err := m.LookupVolume(label); err != nil {
		return err
	}

	m.volumeLocks.Lock(label)
	defer m.volumeLocks.Unlock(label)

	// the volume may have been deleted while we waited
	v, err := m.LookupVolume(label)
	if err != nil {
		return err
	}
	return fn(v)
}

// MountVolume mounts label. Mounting a volume that is already mounted is a no-op.
func (m *Manager) MountVolume(label string) error {
	return m.withVolume(label, func(v *volume.Volume) error {
		if v.State() == volume.StateMounted {
			klog.V(2).Infof("Volume %s already mounted (idempotent)", label)
			return nil
		}

		err := m.breakers.Execute(label, v.Mount)
		if errors.Is(err, utils.ErrCircuitOpen) {
			m.env.Metrics.RecordBreakerRejection()
			klog.Warningf("Mount of volume %s rejected: %v", label, err)
		}
		return err
	})
}

// UnmountVolume unmounts label. Unmounting a volume that is not mounted is a no-op.
func (m *Manager) UnmountVolume(label string, force, revert bool) error {
	return m.withVolume(label, func(v *volume.Volume) error {
		err := v.Unmount(force, revert)
		if errors.Is(err, utils.ErrNotMounted) {
			klog.V(2).Infof("Volume %s not mounted, nothing to unmount (idempotent)", label)
			return nil
		}
		return err
	})
}

// FormatVolume formats label. A successful format clears a tripped mount breaker.
func (m *Manager) FormatVolume(label string) error {
	return m.withVolume(label, func(v *volume.Volume) error {
		if err := v.Format(); err != nil {
			return err
		}
		m.breakers.Reset(label)
		return nil
	})
}

// ShareVolume exports label over method, which must be "ums"
func (m *Manager) ShareVolume(label, method string) error {
	if err := m.checkShare(method); err != nil {
		return err
	}
	return m.withVolume(label, func(v *volume.Volume) error {
		if v.State() == volume.StateShared {
			klog.V(2).Infof("Volume %s already shared (idempotent)", label)
			return nil
		}
		return v.Share(m.opts.UMSLunFile)
	})
}

// UnshareVolume withdraws the export of label over method
func (m *Manager) UnshareVolume(label, method string) error {
	if err := m.checkShare(method); err != nil {
		return err
	}
	return m.withVolume(label, func(v *volume.Volume) error {
		return v.Unshare(m.opts.UMSLunFile)
	})
}

func (m *Manager) checkShare(method string) error {
	if method != ShareMethodUMS {
		return fmt.Errorf("%w: unknown share method %q", utils.ErrInvalidParameter, method)
	}
	if m.opts.UMSLunFile == "" {
		return fmt.Errorf("%w: no ums lunfile configured", utils.ErrConfiguration)
	}
	return nil
}

// ShareEnabled reports whether label is currently shared over method
func (m *Manager) ShareEnabled(label, method string) (bool, error) {
	if method != ShareMethodUMS {
		return false, fmt.Errorf("%w: unknown share method %q", utils.ErrInvalidParameter, method)
	}
	v, err := m.LookupVolume(label)
	if err != nil {
		return false, err
	}
	return v.State() == volume.StateShared, nil
}

// FilesystemLabel returns the filesystem label of label's media
func (m *Manager) FilesystemLabel(label string) (string, error) {
	var fsLabel string
	err := m.withVolume(label, func(v *volume.Volume) error {
		var err error
		fsLabel, err = v.FilesystemLabel()
		return err
	})
	return fsLabel, err
}

// DeleteVolume force-unmounts label if needed and forgets it
func (m *Manager) DeleteVolume(label string) error {
	v, err := m.LookupVolume(label)
	if err != nil {
		return err
	}
	// an in-flight mount aborts at its next checkpoint
	v.RequestDelete()

	m.volumeLocks.Lock(label)
	m.teardown(v)

	m.mu.Lock()
	for i, cur := range m.volumes {
		if cur == v {
			m.volumes = append(m.volumes[:i], m.volumes[i+1:]...)
			break
		}
	}
	delete(m.limiters, label)
	m.mu.Unlock()

	m.breakers.Reset(label)
	m.volumeLocks.Forget(label)
	klog.V(2).Infof("Deleted volume %s", label)
	return nil
}

// teardown unmounts a volume that is going away and marks it Deleting
func (m *Manager) teardown(v *volume.Volume) {
	if v.State() == volume.StateShared {
		if err := v.Unshare(m.opts.UMSLunFile); err != nil {
			klog.Errorf("Failed to unshare volume %s (%v)", v.Label(), err)
		}
	}
	if v.State() == volume.StateMounted || !v.MountedPartitions().Empty() {
		if err := v.Unmount(true, false); err != nil && !errors.Is(err, utils.ErrNotMounted) {
			klog.Errorf("Failed to unmount volume %s (%v)", v.Label(), err)
		}
	}
	v.MarkDeleting()
}

// HandleBlockEvent routes a block uevent to the volume that claims its device path
func (m *Manager) HandleBlockEvent(evt *hotplug.Event) {
	v := m.claimant(evt.DevPath)
	if v == nil {
		klog.V(4).Infof("No volume claims %s", evt)
		return
	}

	if evt.Action == hotplug.ActionRemove && evt.IsDisk() {
		// flag removal before waiting on the lock so a running mount notices
		v.MarkMediaRemoved()
	}

	label := v.Label()
	m.volumeLocks.Lock(label)
	v.HandleBlockEvent(evt)
	ready := evt.Action == hotplug.ActionAdd && v.State() == volume.StateIdle
	m.volumeLocks.Unlock(label)

	if ready && m.opts.AutoMount {
		m.scheduleAutomount(label)
	}
}

func (m *Manager) claimant(devPath string) *volume.Volume {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.volumes {
		if v.Claims(devPath) {
			return v
		}
	}
	return nil
}

// scheduleAutomount mounts label in the background unless it was mounted too recently
func (m *Manager) scheduleAutomount(label string) {
	if m.closed.Load() {
		return
	}

	m.mu.RLock()
	limiter := m.limiters[label]
	m.mu.RUnlock()
	if limiter == nil {
		return
	}
	if !limiter.Allow() {
		m.env.Metrics.RecordAutomountThrottled()
		klog.Warningf("Automount of volume %s throttled", label)
		return
	}

	m.automounts.Add(1)
	go func() {
		defer m.automounts.Done()
		if m.closed.Load() {
			return
		}
		if err := m.MountVolume(label); err != nil {
			klog.Errorf("Automount of volume %s failed: %v", label, err)
			return
		}
		klog.V(2).Infof("Automounted volume %s", label)
	}()
}

// WaitAutomounts blocks until scheduled automounts have finished
func (m *Manager) WaitAutomounts() {
	m.automounts.Wait()
}

// MountLoop mounts image through the loop device and returns its directory.
// Mounting the image that is already bound is a no-op.
func (m *Manager) MountLoop(image string) (string, error) {
	if m.env.Loop == nil {
		return "", fmt.Errorf("%w: no loop device configured", utils.ErrConfiguration)
	}

	m.volumeLocks.Lock(loopLockKey)
	defer m.volumeLocks.Unlock(loopLockKey)

	if bound, dir := m.env.Loop.Image(); bound == image {
		klog.V(2).Infof("Loop image %s already mounted at %s (idempotent)", image, dir)
		return dir, nil
	}
	return m.env.Loop.Mount(m.env, image)
}

// UnmountLoop unmounts the loop image. Nothing bound is a no-op.
func (m *Manager) UnmountLoop(force bool) error {
	if m.env.Loop == nil {
		return fmt.Errorf("%w: no loop device configured", utils.ErrConfiguration)
	}

	m.volumeLocks.Lock(loopLockKey)
	defer m.volumeLocks.Unlock(loopLockKey)

	err := m.env.Loop.Unmount(m.env, force)
	if errors.Is(err, utils.ErrNotMounted) {
		klog.V(2).Infof("No loop image mounted, nothing to unmount (idempotent)")
		return nil
	}
	return err
}

func (m *Manager) obbs() (*volume.ObbMounts, error) {
	if m.env.Obb == nil {
		return nil, fmt.Errorf("%w: no loop control device configured", utils.ErrConfiguration)
	}
	return m.env.Obb, nil
}

// MountObb mounts image on a loop device of its own, readable by ownerUID
func (m *Manager) MountObb(image string, ownerUID int) (string, error) {
	obbs, err := m.obbs()
	if err != nil {
		return "", err
	}
	return obbs.Mount(m.env, image, ownerUID)
}

// UnmountObb unmounts image and frees its loop device
func (m *Manager) UnmountObb(image string, force bool) error {
	obbs, err := m.obbs()
	if err != nil {
		return err
	}
	return obbs.Unmount(m.env, image, force)
}

// ListMountedObbs returns the mounted obb images. Nothing is returned when
// obb support is not configured.
func (m *Manager) ListMountedObbs() []string {
	if m.env.Obb == nil {
		return nil
	}
	return m.env.Obb.List()
}

// ObbMountPath returns the directory image is mounted at
func (m *Manager) ObbMountPath(image string) (string, error) {
	obbs, err := m.obbs()
	if err != nil {
		return "", err
	}
	return obbs.MountPath(image)
}

// Shutdown unmounts everything and marks every volume Deleting
func (m *Manager) Shutdown() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}
	klog.Infof("Shutting down volume manager")

	for _, v := range m.Volumes() {
		v.RequestDelete()
	}
	m.automounts.Wait()

	if m.env.Loop != nil {
		if err := m.UnmountLoop(true); err != nil {
			klog.Errorf("Failed to unmount loop image (%v)", err)
		}
	}
	if m.env.Obb != nil {
		if err := m.env.Obb.UnmountAll(m.env, true); err != nil {
			klog.Errorf("Failed to unmount obb images (%v)", err)
		}
	}

	for _, v := range m.Volumes() {
		label := v.Label()
		m.volumeLocks.Lock(label)
		m.teardown(v)
		m.volumeLocks.Unlock(label)
	}
	klog.Infof("Volume manager stopped")
}
