package volume

import (
	"errors"
	"fmt"
	"os"
	"time"

	"git.srvlab.io/whiskey/vold/pkg/broadcast"
	"git.srvlab.io/whiskey/vold/pkg/fsdriver"
	"git.srvlab.io/whiskey/vold/pkg/utils"
	"k8s.io/klog/v2"
)

// Mount probes and mounts the volume's partitions.
//
// The volume must be Idle. Each partition goes through Checking; the first
// driver that recognizes it mounts it. Returns ErrNoSuitableFilesystem when
// nothing could be mounted, ErrUnrecoverableMedia when a check failed with an
// I/O error, and ErrMediaRemoved or ErrDeleted when the mount was aborted.
func (v *Volume) Mount() (err error) {
	start := time.Now()
	defer func() {
		v.env.Metrics.RecordVolumeOp("mount", err, time.Since(start))
	}()

	if st := v.State(); st != StateIdle {
		klog.Errorf("Volume %s mount request when in state %s", v.cfg.Label, st)
		if st == StateNoMedia {
			return fmt.Errorf("%w: volume %s has no media", utils.ErrMediaRemoved, v.cfg.Label)
		}
		return fmt.Errorf("%w: volume %s is %s", utils.ErrBusy, v.cfg.Label, st)
	}

	if mounted, mErr := v.env.Mounter.IsMountPoint(v.cfg.Mountpoint); mErr != nil {
		klog.V(4).Infof("Unable to check mount state of %s: %v", v.cfg.Mountpoint, mErr)
	} else if mounted {
		klog.Warningf("Volume %s is idle but appears to be mounted - fixing", v.cfg.Label)
		v.setState(StateMounted)
		return nil
	}

	nodes, err := v.deviceNodes()
	if err != nil {
		klog.Errorf("Failed to get device nodes for volume %s (%v)", v.cfg.Label, err)
		return err
	}

	if v.needsCryptoMapping() {
		if nodes, err = v.setupCrypto(nodes); err != nil {
			return err
		}
	}

	if v.cfg.Type.mountsPerPartition() {
		if err := os.MkdirAll(v.cfg.Mountpoint, 0755); err != nil {
			return fmt.Errorf("unable to create mountpoint %s: %w", v.cfg.Mountpoint, err)
		}
	}
	if v.cfg.AsecStaging {
		if err := os.MkdirAll(v.env.Paths.StagingDir, 0700); err != nil {
			return fmt.Errorf("unable to create staging dir %s: %w", v.env.Paths.StagingDir, err)
		}
		v.releaseVirtualSdcard()
	}

	opts := v.mountOptions()
	for _, node := range nodes {
		if err := v.checkpoint(); err != nil {
			return v.abortMount(err)
		}

		target, tErr := v.partitionTarget(node)
		if tErr != nil {
			klog.Warningf("Skipping %s of volume %s: %v", node.Dev, v.cfg.Label, tErr)
			continue
		}

		device := v.env.devicePath(node.Dev)
		klog.V(2).Infof("%s being considered for volume %s at %s", device, v.cfg.Label, target)

		if !v.enterChecking() {
			return v.abortMount(v.checkpoint())
		}

		winner, res := v.env.detectFilesystem(device)
		switch res {
		case fsdriver.Unrecoverable:
			v.unwindMounted()
			v.transitionFrom(StateChecking, StateIdle)
			v.env.broadcast(broadcast.VolumeMountFailedDamaged, "Volume %s %s mount failed - damaged", v.cfg.Label, v.cfg.Mountpoint)
			return fmt.Errorf("%w: %s on volume %s", utils.ErrUnrecoverableMedia, device, v.cfg.Label)
		case fsdriver.NotRecognized:
			klog.Warningf("%s does not contain a supported filesystem", device)
			v.removePartitionDir(target)
			continue
		}

		var fsName string
		if v.cfg.AsecStaging {
			fsName, err = v.env.mountWithFallback(device, v.env.Paths.StagingDir, winner, opts)
			if err != nil {
				klog.Errorf("%s failed to mount via any driver on staging (%v)", device, err)
				continue
			}
			if err := v.exposeStaged(); err != nil {
				v.unwindMounted()
				v.transitionFrom(StateChecking, StateIdle)
				return err
			}
		} else {
			if v.cfg.Type.mountsPerPartition() {
				if err := os.MkdirAll(target, 0755); err != nil {
					klog.Errorf("Unable to create %s (%v)", target, err)
					continue
				}
			}
			fsName, err = v.env.mountWithFallback(device, target, winner, opts)
			if err != nil {
				klog.Errorf("%s failed to mount via any driver (%v)", device, err)
				v.removePartitionDir(target)
				continue
			}
			if v.cfg.Type == TypeFlash {
				v.exposeVirtualSdcard(target)
			}
			v.exposeFakeSdcard(node, target)
		}

		v.mountedParts = v.mountedParts.Add(node.Index)
		v.recordFilesystem(node.Index, fsName)
		v.debugf("Volume %s partition %s mounted as %s", v.cfg.Label, node.Dev, fsName)

		if !v.cfg.Type.mountsPerPartition() {
			break
		}
	}

	klog.V(2).Infof("Volume %s mounted partitions: %s", v.cfg.Label, v.mountedParts)
	if !v.mountedParts.Empty() {
		if err := v.checkpoint(); err != nil {
			return v.abortMount(err)
		}
		v.setState(StateMounted)
		return nil
	}

	if v.cfg.Type.mountsPerPartition() {
		v.removePartitionDir(v.cfg.Mountpoint)
	}
	klog.Errorf("Volume %s found no suitable devices for mounting :(", v.cfg.Label)
	if v.State() != StateIdle {
		v.setState(StateIdle)
	}
	v.env.broadcast(broadcast.VolumeMountFailedBlank, "Volume %s %s mount failed - blank", v.cfg.Label, v.cfg.Mountpoint)
	return fmt.Errorf("%w: volume %s", utils.ErrNoSuitableFilesystem, v.cfg.Label)
}

// enterChecking moves to Checking unless media removal or deletion got there first
func (v *Volume) enterChecking() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.mediaRemoved.Load() || v.deleteRequested.Load() {
		return false
	}
	if v.state == StateChecking {
		return true
	}
	v.setStateLocked(StateChecking)
	return v.state == StateChecking
}

// abortMount unwinds partial mounts after a failed checkpoint and leaves the
// volume in the state matching the cause
func (v *Volume) abortMount(cause error) error {
	v.unwindMounted()
	switch {
	case errors.Is(cause, utils.ErrDeleted):
		v.setState(StateDeleting)
	case errors.Is(cause, utils.ErrMediaRemoved):
		if v.State() != StateNoMedia {
			v.setState(StateNoMedia)
		}
	}
	return cause
}

// unwindMounted unmounts every partition mounted by the current attempt
func (v *Volume) unwindMounted() {
	if v.mountedParts.Empty() {
		return
	}
	klog.Warningf("Volume %s unwinding partitions %s", v.cfg.Label, v.mountedParts)

	if v.cfg.AsecStaging {
		v.unwindStaged()
		v.mountedParts = 0
		return
	}

	v.unmountFakeSdcard()
	for _, idx := range v.mountedParts.Indexes() {
		target := v.cfg.Mountpoint
		if v.cfg.Type.mountsPerPartition() {
			if t, err := v.partitionTarget(v.nodeFor(idx)); err == nil {
				target = t
			}
		}
		if err := v.env.doUnmount(target, true); err != nil {
			klog.Errorf("Failed to unwind %s (%v)", target, err)
			continue
		}
		if v.cfg.Type.mountsPerPartition() {
			v.removePartitionDir(target)
		}
		v.mountedParts = v.mountedParts.Remove(idx)
	}
	v.revertVirtualSdcard()
}

func (v *Volume) mountOptions() fsdriver.MountOptions {
	gid := GIDMediaRW
	if v.isPrimary() {
		gid = GIDSdcardRW
	}
	return fsdriver.MountOptions{
		UID:                OwnerUID,
		GID:                gid,
		Mask:               DefaultMaskBits,
		CreateLostAndFound: true,
	}
}

// deviceNodes lists the nodes to try, in ascending partition order
func (v *Volume) deviceNodes() ([]Node, error) {
	if v.layout.disk.IsZero() {
		return nil, fmt.Errorf("%w: volume %s has no disk", utils.ErrMediaRemoved, v.cfg.Label)
	}

	if v.layout.noParts {
		return []Node{{Index: WholeDisk, Dev: v.layout.disk, Name: v.cfg.Label}}, nil
	}

	if v.cfg.PartIdx != -1 {
		idx := v.cfg.PartIdx - 1
		if !v.layout.valid.Has(idx) {
			return nil, fmt.Errorf("%w: partition %d of volume %s is not present", utils.ErrMediaRemoved, v.cfg.PartIdx, v.cfg.Label)
		}
		return []Node{v.nodeFor(idx)}, nil
	}

	var nodes []Node
	for _, idx := range v.layout.valid.Indexes() {
		nodes = append(nodes, v.nodeFor(idx))
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: volume %s has no partitions", utils.ErrMediaRemoved, v.cfg.Label)
	}
	return nodes, nil
}

func (v *Volume) nodeFor(idx int) Node {
	if idx == WholeDisk {
		return Node{Index: WholeDisk, Dev: v.layout.disk, Name: v.cfg.Label}
	}
	p := v.layout.parts[idx]
	return Node{
		Index: idx,
		Dev:   Device{Major: v.layout.disk.Major, Minor: p.minor},
		Name:  p.name,
	}
}

// partitionTarget returns where node is mounted
func (v *Volume) partitionTarget(node Node) (string, error) {
	if !v.cfg.Type.mountsPerPartition() {
		return v.cfg.Mountpoint, nil
	}
	return utils.JoinUnder(v.cfg.Mountpoint, node.Name)
}

func (v *Volume) removePartitionDir(dir string) {
	if !v.cfg.Type.mountsPerPartition() {
		return
	}
	if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
		klog.V(4).Infof("Unable to remove %s (%v)", dir, err)
	}
}

func (v *Volume) recordFilesystem(idx int, fsName string) {
	if idx == WholeDisk {
		idx = 0
	}
	v.layout.parts[idx].fsType = fsName
}
