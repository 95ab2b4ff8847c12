package volume

import (
	"errors"
	"fmt"
	"time"

	"git.srvlab.io/whiskey/vold/pkg/utils"
	"k8s.io/klog/v2"
)

// Unmount unmounts every mounted partition of the volume.
//
// With force, processes holding the mount are signalled as retries run out.
// With revert, an active encryption mapping is torn down afterwards. A
// failure leaves the volume Mounted (still published) or NoMedia (staged
// storage could not be restored); Unmounting is never the resting state.
func (v *Volume) Unmount(force, revert bool) (err error) {
	start := time.Now()
	defer func() {
		v.env.Metrics.RecordVolumeOp("unmount", err, time.Since(start))
	}()

	if v.env.Loop != nil && v.env.Loop.ImageUnder(v.cfg.Mountpoint) {
		klog.Warningf("Loop image mounted from %s, unmounting it first", v.cfg.Mountpoint)
		if lErr := v.env.Loop.Unmount(v.env, true); lErr != nil {
			klog.Errorf("Failed to unmount loop image (%v)", lErr)
		}
	}
	if v.env.Obb != nil {
		if oErr := v.env.Obb.UnmountUnder(v.env, v.cfg.Mountpoint, force); oErr != nil {
			klog.Errorf("Failed to unmount obb images on %s (%v)", v.cfg.Mountpoint, oErr)
		}
	}

	if v.State() != StateMounted {
		mounted, _ := v.env.Mounter.IsMountPoint(v.cfg.Mountpoint)
		if !mounted && v.mountedParts.Empty() {
			klog.Errorf("Volume %s unmount request when not mounted", v.cfg.Label)
			return fmt.Errorf("%w: volume %s", utils.ErrNotMounted, v.cfg.Label)
		}
		klog.Errorf("Volume %s is mounted, but not in state %s. Trying anyways", v.cfg.Label, StateMounted)
	}

	v.setState(StateUnmounting)
	time.Sleep(v.env.Retry.UnmountGrace)

	v.unmountFakeSdcard()

	if v.cfg.AsecStaging {
		if err := v.teardownStaged(force); err != nil {
			if errors.Is(err, errStorageOffline) {
				v.setState(StateNoMedia)
			} else {
				v.restoreMounted()
			}
			return err
		}
		v.mountedParts = 0
	} else if !v.cfg.Type.mountsPerPartition() {
		if err := v.env.doUnmount(v.cfg.Mountpoint, true); err != nil {
			klog.Errorf("Failed to unmount %s (%v)", v.cfg.Mountpoint, err)
			v.restoreMounted()
			return err
		}
		v.revertVirtualSdcard()
		v.mountedParts = 0
	} else {
		for !v.mountedParts.Empty() {
			idx := v.mountedParts.Lowest()
			if v.mountedParts.Has(WholeDisk) {
				idx = WholeDisk
			}
			if err := v.unmountPartition(idx); err != nil {
				v.restoreMounted()
				return err
			}
		}
	}

	klog.V(2).Infof("%s unmounted successfully", v.cfg.Mountpoint)

	if revert && v.isRemapped() {
		v.revertCrypto()
	}

	if v.mediaRemoved.Load() {
		if v.State() != StateNoMedia {
			v.setState(StateNoMedia)
		}
	} else {
		v.transitionFrom(StateUnmounting, StateIdle)
	}

	if v.cfg.Type.mountsPerPartition() {
		v.removePartitionDir(v.cfg.Mountpoint)
	}
	return nil
}

// restoreMounted returns a volume whose unmount failed to Mounted
func (v *Volume) restoreMounted() {
	if v.mountedParts.Empty() {
		v.transitionFrom(StateUnmounting, StateIdle)
		return
	}
	v.transitionFrom(StateUnmounting, StateMounted)
}

// unmountPartition force-unmounts a single per-partition mount
func (v *Volume) unmountPartition(idx int) error {
	if !v.mountedParts.Has(idx) {
		return nil
	}

	if v.fakeSdcardParts.Has(idx) {
		v.unmountFakeSdcard()
		if !v.mountedParts.Has(idx) {
			return nil
		}
	}

	target, err := v.partitionTarget(v.nodeFor(idx))
	if err != nil {
		// A name that never validated can't have been mounted
		v.mountedParts = v.mountedParts.Remove(idx)
		return nil
	}

	if err := v.env.doUnmount(target, true); err != nil {
		klog.Errorf("Failed to unmount %s (%v)", target, err)
		return err
	}
	v.removePartitionDir(target)
	v.mountedParts = v.mountedParts.Remove(idx)
	v.debugf("Volume %s partition %d unmounted from %s", v.cfg.Label, idx+1, target)
	return nil
}
