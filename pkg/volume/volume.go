package volume

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"git.srvlab.io/whiskey/vold/pkg/broadcast"
	"git.srvlab.io/whiskey/vold/pkg/utils"
	"k8s.io/klog/v2"
)

// Flags are the static properties of a volume
type Flags struct {
	Removable    bool
	Encryptable  bool
	NonRemovable bool
}

// Config describes one managed volume
type Config struct {
	Label      string
	Mountpoint string
	Type       Type
	Flags      Flags
	// PartIdx selects a single partition (1-based); -1 mounts every partition
	PartIdx int
	// SysfsPaths are the device path prefixes this volume claims
	SysfsPaths []string
	// AsecStaging stages the mount privately and hides the secure area.
	// Only valid for the primary storage mountpoint.
	AsecStaging bool
}

// Volume is one removable or fixed storage device and its lifecycle.
// Operations are not reentrant; the manager serializes them per volume.
type Volume struct {
	env *Env
	cfg Config

	// mu guards state; broadcasts are sent while it is held so clients see
	// transitions in order
	mu    sync.Mutex
	state State

	mediaRemoved    atomic.Bool
	deleteRequested atomic.Bool
	debug           atomic.Bool

	layout       diskLayout
	pendingParts int
	mountedParts PartitionSet

	// saved is the raw device layout while an encryption mapping is active
	saved *diskLayout

	fakeSdcardParts PartitionSet
	fakeSdcardLink  string
	ownsVirtual     bool
}

// New creates a volume in the Init state
func New(env *Env, cfg Config) (*Volume, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: volume %s has no environment", utils.ErrConfiguration, cfg.Label)
	}
	if err := utils.ValidatePathComponent(cfg.Label); err != nil {
		return nil, fmt.Errorf("%w: bad volume label %q: %v", utils.ErrConfiguration, cfg.Label, err)
	}
	if err := utils.ValidateMountpoint(cfg.Mountpoint); err != nil {
		return nil, err
	}
	if cfg.PartIdx == 0 || cfg.PartIdx < -1 || cfg.PartIdx > MaxPartitions {
		return nil, fmt.Errorf("%w: volume %s partition index %d out of range", utils.ErrConfiguration, cfg.Label, cfg.PartIdx)
	}
	if cfg.AsecStaging && cfg.Mountpoint != env.PrimaryStorage {
		return nil, fmt.Errorf("%w: volume %s stages secure storage but %s is not the primary storage (%s)",
			utils.ErrConfiguration, cfg.Label, cfg.Mountpoint, env.PrimaryStorage)
	}

	v := &Volume{
		env:   env,
		cfg:   cfg,
		state: StateInit,
	}
	klog.V(4).Infof("Created volume %s at %s (type %s, partition %d)", cfg.Label, cfg.Mountpoint, cfg.Type, cfg.PartIdx)
	return v, nil
}

// Label returns the volume label
func (v *Volume) Label() string { return v.cfg.Label }

// Mountpoint returns the public mountpoint
func (v *Volume) Mountpoint() string { return v.cfg.Mountpoint }

// Type returns the volume type
func (v *Volume) Type() Type { return v.cfg.Type }

// SetDebug promotes debug logging for this volume to the default verbosity
func (v *Volume) SetDebug(enable bool) { v.debug.Store(enable) }

// State returns the current lifecycle state
func (v *Volume) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// MountedPartitions returns the set of mounted partition indexes
func (v *Volume) MountedPartitions() PartitionSet { return v.mountedParts }

// ValidPartitions returns the set of partitions reported by hotplug
func (v *Volume) ValidPartitions() PartitionSet { return v.layout.valid }

// IsMounted reports whether partition idx (0-based, or WholeDisk) is mounted
func (v *Volume) IsMounted(idx int) bool { return v.mountedParts.Has(idx) }

// DiskDevice returns the device number currently used for the disk
func (v *Volume) DiskDevice() Device { return v.layout.disk }

// FilesystemType returns the driver that mounted partition idx, empty if none
func (v *Volume) FilesystemType(idx int) string {
	if idx == WholeDisk {
		idx = 0
	}
	if idx < 0 || idx >= MaxPartitions {
		return ""
	}
	return v.layout.parts[idx].fsType
}

// Claims reports whether a hotplug device path belongs to this volume
func (v *Volume) Claims(devPath string) bool {
	for _, prefix := range v.cfg.SysfsPaths {
		if devPath == prefix || strings.HasPrefix(devPath, strings.TrimSuffix(prefix, "/")+"/") {
			return true
		}
	}
	return false
}

// Start moves a freshly added volume from Init to NoMedia
func (v *Volume) Start() {
	v.transitionFrom(StateInit, StateNoMedia)
}

// RequestDelete makes an in-flight mount abort at its next checkpoint
func (v *Volume) RequestDelete() {
	v.deleteRequested.Store(true)
}

// MarkMediaRemoved makes an in-flight mount abort at its next checkpoint.
// Safe to call without holding the per-volume operation lock.
func (v *Volume) MarkMediaRemoved() {
	v.mediaRemoved.Store(true)
}

// MarkDeleting moves the volume to its terminal state
func (v *Volume) MarkDeleting() {
	v.deleteRequested.Store(true)
	v.setState(StateDeleting)
}

func (v *Volume) isPrimary() bool {
	return v.env.PrimaryStorage != "" && v.cfg.Mountpoint == v.env.PrimaryStorage
}

func (v *Volume) debugf(format string, args ...interface{}) {
	if v.debug.Load() || klog.V(4).Enabled() {
		klog.InfofDepth(1, format, args...)
	}
}

// setState records a transition and broadcasts it
func (v *Volume) setState(s State) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.setStateLocked(s)
}

func (v *Volume) setStateLocked(s State) {
	old := v.state
	if old == s {
		klog.Warningf("Volume %s: duplicate state (%d)", v.cfg.Label, s)
		return
	}
	if old == StateDeleting {
		klog.Warningf("Volume %s is being deleted, ignoring state change to %s", v.cfg.Label, s)
		return
	}

	v.state = s
	klog.V(2).Infof("Volume %s state changing %d (%s) -> %d (%s)", v.cfg.Label, old.Code(), old, s.Code(), s)
	v.env.Metrics.RecordStateTransition(s.String())

	if s != StateDeleting {
		v.env.broadcast(broadcast.VolumeStateChange, "%s", stateChangeMessage(v.cfg.Label, v.cfg.Mountpoint, old, s))
	}
}

// transitionFrom moves to next only when the volume is still in from
func (v *Volume) transitionFrom(from, next State) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != from {
		return false
	}
	v.setStateLocked(next)
	return true
}

func stateChangeMessage(label, mountpoint string, old, s State) string {
	return fmt.Sprintf("Volume %s %s state changed from %d (%s) to %d (%s)",
		label, mountpoint, old.Code(), old, s.Code(), s)
}

// checkpoint reports deletion or media removal observed during a mount
func (v *Volume) checkpoint() error {
	if v.deleteRequested.Load() {
		klog.Warningf("Volume %s is being deleted, aborting mount", v.cfg.Label)
		return fmt.Errorf("%w: volume %s", utils.ErrDeleted, v.cfg.Label)
	}
	if v.mediaRemoved.Load() {
		klog.Warningf("Volume %s media removed, aborting mount", v.cfg.Label)
		v.env.broadcast(broadcast.VolumeMountFailedNoMedia, "Volume %s %s mount failed - no media",
			v.cfg.Label, v.cfg.Mountpoint)
		return fmt.Errorf("%w: volume %s", utils.ErrMediaRemoved, v.cfg.Label)
	}
	return nil
}
