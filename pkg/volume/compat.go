package volume

import (
	"os"
	"path/filepath"

	"git.srvlab.io/whiskey/vold/pkg/broadcast"
	"git.srvlab.io/whiskey/vold/pkg/hotplug"
	"git.srvlab.io/whiskey/vold/pkg/utils"
	"k8s.io/klog/v2"
)

const (
	virtualSdcardDir   = ".vsdcard"
	virtualSdcardLabel = "sdcard"
)

// exposeFakeSdcard republishes the first removable mount as the legacy
// sdcard: the partition mount is replaced by a symlink to the canonical path
// and a synthetic hotplug event hands the device to the sdcard volume
func (v *Volume) exposeFakeSdcard(node Node, target string) {
	env := v.env
	if !env.FakeSdcard || !v.cfg.Flags.Removable || env.Hotplug == nil {
		return
	}
	if env.SdcardMounted() || !v.fakeSdcardParts.Empty() {
		return
	}

	if err := env.Mounter.Unmount(target); err != nil && !utils.IsNotMountedErrno(err) {
		klog.Errorf("Unable to release %s for the legacy sdcard (%v)", target, err)
		return
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		klog.Warningf("Unable to remove %s (%v)", target, err)
	}

	evt := hotplug.FakeSdcardEvent(hotplug.ActionAdd, node.Dev.Major, node.Dev.Minor)
	klog.V(2).Infof("Fake sdcard event: %q", evt.Encode())
	env.Metrics.RecordSyntheticEvent(string(evt.Action))
	env.Hotplug.HandleBlockEvent(evt)

	if err := os.Symlink(env.Paths.FakeSdcard, target); err != nil {
		klog.Errorf("Unable to link %s to %s (%v)", target, env.Paths.FakeSdcard, err)
	}

	v.fakeSdcardParts = v.fakeSdcardParts.Add(node.Index)
	v.fakeSdcardLink = target
}

// unmountFakeSdcard withdraws the legacy sdcard published by this volume
func (v *Volume) unmountFakeSdcard() {
	if v.fakeSdcardParts.Empty() {
		return
	}

	env := v.env
	idx := v.fakeSdcardParts.Lowest()
	if v.fakeSdcardParts.Has(WholeDisk) {
		idx = WholeDisk
	}
	node := v.nodeFor(idx)

	if env.Hotplug != nil {
		evt := hotplug.FakeSdcardEvent(hotplug.ActionRemove, node.Dev.Major, node.Dev.Minor)
		klog.V(2).Infof("Fake sdcard event: %q", evt.Encode())
		env.Metrics.RecordSyntheticEvent(string(evt.Action))
		env.Hotplug.HandleBlockEvent(evt)
	}

	if v.fakeSdcardLink != "" {
		if err := os.Remove(v.fakeSdcardLink); err != nil && !os.IsNotExist(err) {
			klog.Errorf("Unable to remove legacy sdcard link %s (%v)", v.fakeSdcardLink, err)
		}
	}

	for _, i := range v.fakeSdcardParts.Indexes() {
		v.mountedParts = v.mountedParts.Remove(i)
	}
	v.fakeSdcardParts = 0
	v.fakeSdcardLink = ""
}

// exposeVirtualSdcard backs the canonical sdcard path with a directory on
// flash while no real sdcard is mounted
func (v *Volume) exposeVirtualSdcard(target string) {
	env := v.env
	env.compat.mu.Lock()
	env.compat.flashMounted = true
	skip := !env.VirtualSdcard || env.compat.virtualSdcardMounted || env.compat.sdcardMounted
	if !skip {
		env.compat.virtualSdcardMounted = true
	}
	env.compat.mu.Unlock()
	if skip {
		return
	}

	canonical := env.Paths.FakeSdcard
	backing := filepath.Join(target, virtualSdcardDir)
	if err := os.MkdirAll(backing, 0775); err != nil {
		klog.Errorf("Unable to create virtual sdcard %s (%v)", backing, err)
	}
	if err := os.Remove(canonical); err != nil && !os.IsNotExist(err) {
		klog.Warningf("Unable to remove %s (%v)", canonical, err)
	}
	if err := os.Symlink(backing, canonical); err != nil {
		klog.Errorf("Unable to link %s to %s (%v)", canonical, backing, err)
	}
	v.ownsVirtual = true

	klog.V(2).Infof("Virtual sdcard at %s backed by %s", canonical, backing)
	env.broadcast(broadcast.VolumeStateChange, "%s",
		stateChangeMessage(virtualSdcardLabel, canonical, StateIdle, StateMounted))
}

// releaseVirtualSdcard gives the canonical sdcard path back to a real sdcard
func (v *Volume) releaseVirtualSdcard() {
	env := v.env
	env.compat.mu.Lock()
	active := env.compat.virtualSdcardMounted
	env.compat.virtualSdcardMounted = false
	env.compat.mu.Unlock()
	if !active {
		return
	}

	canonical := env.Paths.FakeSdcard
	if info, err := os.Lstat(canonical); err == nil && info.Mode()&os.ModeSymlink != 0 {
		if err := os.Remove(canonical); err != nil {
			klog.Errorf("Unable to remove virtual sdcard link %s (%v)", canonical, err)
		}
	}
	if err := os.MkdirAll(canonical, 0755); err != nil {
		klog.Errorf("Unable to recreate %s (%v)", canonical, err)
	}
	klog.V(2).Infof("Virtual sdcard at %s released for real media", canonical)
}

// revertVirtualSdcard undoes exposeVirtualSdcard when this flash volume goes away
func (v *Volume) revertVirtualSdcard() {
	if v.cfg.Type != TypeFlash {
		return
	}
	env := v.env
	env.compat.mu.Lock()
	env.compat.flashMounted = false
	active := v.ownsVirtual && env.compat.virtualSdcardMounted
	if active {
		env.compat.virtualSdcardMounted = false
	}
	env.compat.mu.Unlock()
	v.ownsVirtual = false
	if !active {
		return
	}

	canonical := env.Paths.FakeSdcard
	if info, err := os.Lstat(canonical); err == nil && info.Mode()&os.ModeSymlink != 0 {
		if err := os.Remove(canonical); err != nil {
			klog.Errorf("Unable to remove virtual sdcard link %s (%v)", canonical, err)
		}
	}
	if err := os.MkdirAll(canonical, 0755); err != nil {
		klog.Errorf("Unable to recreate %s (%v)", canonical, err)
	}

	env.broadcast(broadcast.VolumeStateChange, "%s",
		stateChangeMessage(virtualSdcardLabel, canonical, StateMounted, StateIdle))
}
