package volume

import (
	"path/filepath"
	"testing"

	"git.srvlab.io/whiskey/vold/pkg/broadcast"
	"git.srvlab.io/whiskey/vold/pkg/hotplug"
	"git.srvlab.io/whiskey/vold/test/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestHandleBlockEvent_DiskDiscovery(t *testing.T) {
	h := newHarness(t)
	v := h.newVolume(Config{Label: "sdcard1", Mountpoint: "/storage/sdcard1", Type: TypeSDCard})

	v.HandleBlockEvent(&hotplug.Event{Action: hotplug.ActionAdd, DevType: hotplug.DevTypeDisk, Major: 179, Minor: 0, NParts: 2})
	assert.Equal(t, StatePending, v.State())
	assert.Equal(t, Device{Major: 179, Minor: 0}, v.DiskDevice())
	assert.Equal(t, []string{"Volume sdcard1 /storage/sdcard1 disk inserted (179:0)"}, h.bcast.Texts(broadcast.VolumeDiskInserted))
	assert.FileExists(t, h.device(179, 0))

	v.HandleBlockEvent(&hotplug.Event{Action: hotplug.ActionAdd, DevType: hotplug.DevTypePartition, Major: 179, Minor: 1, PartN: 1, DevName: "mmcblk1p1"})
	assert.Equal(t, StatePending, v.State())

	v.HandleBlockEvent(&hotplug.Event{Action: hotplug.ActionAdd, DevType: hotplug.DevTypePartition, Major: 179, Minor: 2, PartN: 2, DevName: "mmcblk1p2"})
	assert.Equal(t, StateIdle, v.State())
	assert.Equal(t, PartitionSet(0b11), v.ValidPartitions())
	assert.FileExists(t, h.device(179, 2))

	// out of range partitions are ignored
	v.HandleBlockEvent(&hotplug.Event{Action: hotplug.ActionAdd, DevType: hotplug.DevTypePartition, Major: 179, Minor: 40, PartN: 40})
	assert.Equal(t, PartitionSet(0b11), v.ValidPartitions())

	// change events are ignored
	v.HandleBlockEvent(&hotplug.Event{Action: hotplug.ActionChange, DevType: hotplug.DevTypeDisk, Major: 179, Minor: 0})
	assert.Equal(t, StateIdle, v.State())
}

func TestHandleBlockEvent_WholeDisk(t *testing.T) {
	h := newHarness(t)
	v := h.newVolume(Config{Label: "sdcard1", Mountpoint: "/storage/sdcard1", Type: TypeSDCard})

	h.insertDisk(v, 179, 0, 0)
	assert.Equal(t, StateIdle, v.State())
	assert.True(t, v.ValidPartitions().Empty())

	require.NoError(t, v.Mount())
	assert.Equal(t, PartitionSet(1<<WholeDisk), v.MountedPartitions())
}

func TestHandleBlockEvent_DiskRemovedWhileMounted(t *testing.T) {
	h := newHarness(t)
	v := h.newVolume(Config{Label: "sdcard1", Mountpoint: "/storage/sdcard1", Type: TypeSDCard})
	h.insertDisk(v, 179, 0, 1)
	require.NoError(t, v.Mount())

	h.removeDisk(v, 179, 0)
	assert.Equal(t, StateNoMedia, v.State())
	assert.Empty(t, h.mounter.MountedPaths())
	assert.True(t, v.DiskDevice().IsZero())
	assert.True(t, h.bcast.Contains(broadcast.VolumeBadRemoval, "Volume sdcard1 /storage/sdcard1 bad removal (179:0)"))
	assert.True(t, h.bcast.Contains(broadcast.VolumeDiskRemoved, "Volume sdcard1 /storage/sdcard1 disk removed (179:0)"))

	msgs := h.bcast.Messages()
	require.NotEmpty(t, msgs)
	assert.Equal(t, broadcast.VolumeDiskRemoved, msgs[len(msgs)-1].Code)

	// reinsertion clears the removal
	h.insertDisk(v, 179, 0, 1)
	assert.Equal(t, StateIdle, v.State())
	require.NoError(t, v.Mount())
}

func TestHandleBlockEvent_DiskRemovedWhileIdle(t *testing.T) {
	h := newHarness(t)
	v := h.newVolume(Config{Label: "sdcard1", Mountpoint: "/storage/sdcard1", Type: TypeSDCard})
	h.insertDisk(v, 179, 0, 1)

	h.removeDisk(v, 179, 0)
	assert.Equal(t, StateNoMedia, v.State())
	assert.Empty(t, h.bcast.Texts(broadcast.VolumeBadRemoval))
	assert.Len(t, h.bcast.Texts(broadcast.VolumeDiskRemoved), 1)
}

func TestHandleBlockEvent_PartitionRemovedWhileMounted(t *testing.T) {
	h := newHarness(t)
	mp := filepath.Join(h.root, "usb")
	v := h.newVolume(Config{Label: "usb", Mountpoint: mp, Type: TypeUMS})
	h.insertDisk(v, 8, 0, 2)
	require.NoError(t, v.Mount())

	v.HandleBlockEvent(&hotplug.Event{Action: hotplug.ActionRemove, DevType: hotplug.DevTypePartition, Major: 8, Minor: 2, PartN: 2})
	assert.Equal(t, PartitionSet(0b01), v.MountedPartitions())
	assert.Equal(t, PartitionSet(0b01), v.ValidPartitions())
	assert.False(t, h.mounter.IsMounted(filepath.Join(mp, "mmcblk1p2")))
	assert.Equal(t, StateMounted, v.State())
	assert.True(t, h.bcast.Contains(broadcast.VolumeBadRemoval, "bad removal (8:2)"))

	v.HandleBlockEvent(&hotplug.Event{Action: hotplug.ActionRemove, DevType: hotplug.DevTypePartition, Major: 8, Minor: 1, PartN: 1})
	assert.Equal(t, StateIdle, v.State())
	assert.Empty(t, h.mounter.MountedPaths())
}

func TestHandleBlockEvent_PartitionRemovedUnmountFails(t *testing.T) {
	h := newHarness(t)
	mp := filepath.Join(h.root, "usb")
	v := h.newVolume(Config{Label: "usb", Mountpoint: mp, Type: TypeUMS})
	h.insertDisk(v, 8, 0, 2)
	require.NoError(t, v.Mount())

	target := filepath.Join(mp, "mmcblk1p2")
	h.mounter.Errors.Fail(mock.OpUnmount, target, unix.EIO, 1)
	v.HandleBlockEvent(&hotplug.Event{Action: hotplug.ActionRemove, DevType: hotplug.DevTypePartition, Major: 8, Minor: 2, PartN: 2})

	// still mounted, so it is still accounted as valid
	assert.True(t, h.mounter.IsMounted(target))
	assert.Equal(t, PartitionSet(0b11), v.MountedPartitions())
	assert.Equal(t, PartitionSet(0b11), v.ValidPartitions())

	require.NoError(t, v.Unmount(true, false))
	assert.Equal(t, StateIdle, v.State())
	assert.Empty(t, h.mounter.MountedPaths())
}
