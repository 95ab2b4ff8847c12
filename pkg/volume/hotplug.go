package volume

import (
	"fmt"

	"git.srvlab.io/whiskey/vold/pkg/broadcast"
	"git.srvlab.io/whiskey/vold/pkg/hotplug"
	"k8s.io/klog/v2"
)

// HandleBlockEvent applies a disk or partition uevent claimed by this volume
func (v *Volume) HandleBlockEvent(evt *hotplug.Event) {
	v.debugf("Volume %s received %s", v.cfg.Label, evt)

	switch evt.Action {
	case hotplug.ActionAdd:
		if evt.IsDisk() {
			v.handleDiskAdded(evt)
		} else if evt.IsPartition() {
			v.handlePartitionAdded(evt)
		}
	case hotplug.ActionRemove:
		if evt.IsDisk() {
			v.handleDiskRemoved(evt)
		} else if evt.IsPartition() {
			v.handlePartitionRemoved(evt)
		}
	default:
		klog.V(4).Infof("Volume %s ignoring %s event", v.cfg.Label, evt.Action)
	}
}

func (v *Volume) handleDiskAdded(evt *hotplug.Event) {
	switch st := v.State(); st {
	case StateNoMedia, StateIdle, StatePending:
	default:
		klog.Warningf("Volume %s ignoring disk add while %s", v.cfg.Label, st)
		return
	}

	v.mediaRemoved.Store(false)
	dev := Device{Major: evt.Major, Minor: evt.Minor}
	v.layout = diskLayout{disk: dev, nparts: evt.NParts, noParts: evt.NParts == 0}
	v.saved = nil
	v.pendingParts = evt.NParts
	v.mountedParts = 0

	nodePath := v.env.devicePath(dev)
	if err := v.env.Mounter.MakeBlockDevice(nodePath, dev.Major, dev.Minor); err != nil {
		klog.Errorf("Error making device node '%s' (%v)", nodePath, err)
	}

	v.env.broadcast(broadcast.VolumeDiskInserted, "Volume %s %s disk inserted (%d:%d)",
		v.cfg.Label, v.cfg.Mountpoint, dev.Major, dev.Minor)

	if v.pendingParts == 0 {
		v.setStateIfChanged(StateIdle)
		return
	}
	v.debugf("Volume %s waiting for %d partitions", v.cfg.Label, v.pendingParts)
	v.setStateIfChanged(StatePending)
}

func (v *Volume) handlePartitionAdded(evt *hotplug.Event) {
	if evt.PartN < 1 || evt.PartN > MaxPartitions {
		klog.Errorf("Volume %s partition number %d out of range", v.cfg.Label, evt.PartN)
		return
	}
	if v.layout.disk.IsZero() {
		klog.Warningf("Volume %s got partition %d before its disk", v.cfg.Label, evt.PartN)
		v.layout.disk = Device{Major: evt.Major}
	}

	idx := evt.PartN - 1
	name := evt.DevName
	if name == "" {
		name = fmt.Sprintf("%s%d", v.cfg.Label, evt.PartN)
	}
	v.layout.parts[idx] = partSlot{minor: evt.Minor, name: name}
	v.layout.valid = v.layout.valid.Add(idx)
	v.layout.noParts = false

	dev := Device{Major: evt.Major, Minor: evt.Minor}
	nodePath := v.env.devicePath(dev)
	if err := v.env.Mounter.MakeBlockDevice(nodePath, dev.Major, dev.Minor); err != nil {
		klog.Errorf("Error making device node '%s' (%v)", nodePath, err)
	}

	if v.pendingParts > 0 {
		v.pendingParts--
	}
	v.debugf("Volume %s partition %d (%s) added, %d pending", v.cfg.Label, evt.PartN, name, v.pendingParts)

	if v.pendingParts == 0 {
		v.transitionFrom(StatePending, StateIdle)
	}
}

func (v *Volume) handlePartitionRemoved(evt *hotplug.Event) {
	if evt.PartN < 1 || evt.PartN > MaxPartitions {
		klog.Errorf("Volume %s partition number %d out of range", v.cfg.Label, evt.PartN)
		return
	}
	idx := evt.PartN - 1

	if v.mountedParts.Has(idx) {
		klog.Warningf("Volume %s partition %d removed while mounted", v.cfg.Label, evt.PartN)
		v.env.broadcast(broadcast.VolumeBadRemoval, "Volume %s %s bad removal (%d:%d)",
			v.cfg.Label, v.cfg.Mountpoint, evt.Major, evt.Minor)
		v.releaseRemovedPartition(idx)
	}

	// a partition that is still mounted stays valid so it can be torn down later
	if v.mountedParts.Has(idx) {
		klog.Warningf("Volume %s partition %d is gone but still mounted", v.cfg.Label, evt.PartN)
		return
	}
	v.layout.valid = v.layout.valid.Remove(idx)
}

// releaseRemovedPartition force unmounts a partition whose device went away
func (v *Volume) releaseRemovedPartition(idx int) {
	if !v.cfg.Type.mountsPerPartition() {
		if err := v.Unmount(true, false); err != nil {
			klog.Errorf("Failed to unmount volume %s on bad removal (%v)", v.cfg.Label, err)
		}
		return
	}
	if err := v.unmountPartition(idx); err != nil {
		klog.Errorf("Failed to unmount partition %d of volume %s (%v)", idx+1, v.cfg.Label, err)
		return
	}
	if v.mountedParts.Empty() {
		v.removePartitionDir(v.cfg.Mountpoint)
		v.transitionFrom(StateMounted, StateIdle)
	}
}

func (v *Volume) handleDiskRemoved(evt *hotplug.Event) {
	v.mediaRemoved.Store(true)

	if st := v.State(); st == StateMounted || !v.mountedParts.Empty() {
		v.env.broadcast(broadcast.VolumeBadRemoval, "Volume %s %s bad removal (%d:%d)",
			v.cfg.Label, v.cfg.Mountpoint, evt.Major, evt.Minor)
		if err := v.Unmount(true, false); err != nil {
			klog.Errorf("Failed to unmount volume %s on bad removal (%v)", v.cfg.Label, err)
		}
	}

	if v.saved != nil {
		v.revertCrypto()
	}

	v.env.broadcast(broadcast.VolumeDiskRemoved, "Volume %s %s disk removed (%d:%d)",
		v.cfg.Label, v.cfg.Mountpoint, evt.Major, evt.Minor)

	v.layout = diskLayout{}
	v.pendingParts = 0
	v.setStateIfChanged(StateNoMedia)
}

// setStateIfChanged applies s unless the volume is already there
func (v *Volume) setStateIfChanged(s State) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state != s {
		v.setStateLocked(s)
	}
}
