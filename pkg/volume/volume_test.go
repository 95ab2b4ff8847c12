package volume

import (
	"path/filepath"
	"testing"

	"git.srvlab.io/whiskey/vold/pkg/broadcast"
	"git.srvlab.io/whiskey/vold/pkg/fsdriver"
	"git.srvlab.io/whiskey/vold/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		code  int
		name  string
	}{
		{StateInit, -1, "Initializing"},
		{StateNoMedia, 0, "No-Media"},
		{StateIdle, 1, "Idle-Unmounted"},
		{StatePending, 2, "Pending"},
		{StateChecking, 3, "Checking"},
		{StateMounted, 4, "Mounted"},
		{StateUnmounting, 5, "Unmounting"},
		{StateFormatting, 6, "Formatting"},
		{StateShared, 7, "Shared-Unmounted"},
		{StateSharedMnt, 8, "Shared-Mounted"},
		{StateDeleting, 9, "Deleting"},
		{State(42), 42, "Unknown-Error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.state.Code())
			assert.Equal(t, tt.name, tt.state.String())
		})
	}
}

func TestNew_Validation(t *testing.T) {
	h := newHarness(t)
	h.env.PrimaryStorage = "/mnt/sdcard"

	tests := []struct {
		name string
		cfg  Config
	}{
		{"empty label", Config{Mountpoint: "/mnt/a", PartIdx: -1}},
		{"label with slash", Config{Label: "a/b", Mountpoint: "/mnt/a", PartIdx: -1}},
		{"relative mountpoint", Config{Label: "a", Mountpoint: "mnt/a", PartIdx: -1}},
		{"unclean mountpoint", Config{Label: "a", Mountpoint: "/mnt/../a", PartIdx: -1}},
		{"zero partition index", Config{Label: "a", Mountpoint: "/mnt/a", PartIdx: 0}},
		{"partition index too large", Config{Label: "a", Mountpoint: "/mnt/a", PartIdx: 32}},
		{"staging off primary", Config{Label: "a", Mountpoint: "/mnt/a", PartIdx: -1, AsecStaging: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(h.env, tt.cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, utils.ErrConfiguration)
		})
	}

	v, err := New(h.env, Config{Label: "sdcard", Mountpoint: "/mnt/sdcard", PartIdx: -1, AsecStaging: true})
	require.NoError(t, err)
	assert.Equal(t, StateInit, v.State())
}

func TestSetState_BroadcastsTransitions(t *testing.T) {
	h := newHarness(t)
	v := h.newVolume(Config{Label: "sdcard1", Mountpoint: "/storage/sdcard1", Type: TypeSDCard})

	assert.Equal(t, StateNoMedia, v.State())
	require.Equal(t, []string{
		"Volume sdcard1 /storage/sdcard1 state changed from -1 (Initializing) to 0 (No-Media)",
	}, h.stateChanges())

	// duplicate transitions are dropped
	v.setState(StateNoMedia)
	assert.Len(t, h.stateChanges(), 1)

	// deleting is terminal and silent
	v.MarkDeleting()
	assert.Equal(t, StateDeleting, v.State())
	v.setState(StateIdle)
	assert.Equal(t, StateDeleting, v.State())
	assert.Len(t, h.stateChanges(), 1)
}

// One FAT partition: exfat rejects it, vfat takes it.
func TestMount_ScenarioA(t *testing.T) {
	h := newHarness(t)
	v := h.newVolume(Config{Label: "sdcard1", Mountpoint: "/storage/sdcard1", Type: TypeSDCard, Flags: Flags{Removable: true}})
	h.insertDisk(v, 179, 0, 1)
	require.Equal(t, StateIdle, v.State())

	require.NoError(t, v.Mount())
	assert.Equal(t, StateMounted, v.State())
	assert.Equal(t, PartitionSet(0b1), v.MountedPartitions())
	assert.True(t, v.IsMounted(0))
	assert.Equal(t, "vfat", v.FilesystemType(0))
	assert.Equal(t, []string{h.device(179, 1)}, h.exfat.GetCheckCalls())

	rec, ok := h.mounter.Record("/storage/sdcard1")
	require.True(t, ok)
	assert.Equal(t, h.device(179, 1), rec.Source)

	mountCalls := h.vfat.GetMountCalls()
	require.Len(t, mountCalls, 1)
	assert.Equal(t, OwnerUID, mountCalls[0].Opts.UID)
	assert.Equal(t, GIDMediaRW, mountCalls[0].Opts.GID)
	assert.Equal(t, uint32(DefaultMaskBits), mountCalls[0].Opts.Mask)

	require.NoError(t, v.Unmount(false, false))
	assert.Equal(t, StateIdle, v.State())
	assert.True(t, v.MountedPartitions().Empty())
	assert.False(t, h.mounter.IsMounted("/storage/sdcard1"))

	assert.Equal(t, []string{
		"Volume sdcard1 /storage/sdcard1 state changed from -1 (Initializing) to 0 (No-Media)",
		"Volume sdcard1 /storage/sdcard1 state changed from 0 (No-Media) to 2 (Pending)",
		"Volume sdcard1 /storage/sdcard1 state changed from 2 (Pending) to 1 (Idle-Unmounted)",
		"Volume sdcard1 /storage/sdcard1 state changed from 1 (Idle-Unmounted) to 3 (Checking)",
		"Volume sdcard1 /storage/sdcard1 state changed from 3 (Checking) to 4 (Mounted)",
		"Volume sdcard1 /storage/sdcard1 state changed from 4 (Mounted) to 5 (Unmounting)",
		"Volume sdcard1 /storage/sdcard1 state changed from 5 (Unmounting) to 1 (Idle-Unmounted)",
	}, h.stateChanges())
}

// Every driver rejects every partition.
func TestMount_ScenarioB(t *testing.T) {
	h := newHarness(t)
	h.vfat.SetDefaultResult(fsdriver.NotRecognized)
	v := h.newVolume(Config{Label: "sdcard1", Mountpoint: "/storage/sdcard1", Type: TypeSDCard})
	h.insertDisk(v, 179, 0, 1)

	err := v.Mount()
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrNoSuitableFilesystem)
	assert.Equal(t, StateIdle, v.State())
	assert.True(t, v.MountedPartitions().Empty())
	assert.Empty(t, h.mounter.MountedPaths())
	assert.True(t, h.bcast.Contains(broadcast.VolumeMountFailedBlank, "Volume sdcard1 /storage/sdcard1 mount failed - blank"))
}

func TestMount_AlternatesIdleMounted(t *testing.T) {
	h := newHarness(t)
	v := h.newVolume(Config{Label: "sdcard1", Mountpoint: "/storage/sdcard1", Type: TypeSDCard})
	h.insertDisk(v, 179, 0, 1)

	for i := 0; i < 5; i++ {
		require.NoError(t, v.Mount())
		require.Equal(t, StateMounted, v.State())
		require.NoError(t, v.Unmount(i%2 == 0, false))
		require.Equal(t, StateIdle, v.State())
	}
	assert.Empty(t, h.term.GetCalls())
}

func TestMount_SelfHealsWhenAlreadyMounted(t *testing.T) {
	h := newHarness(t)
	v := h.newVolume(Config{Label: "sdcard1", Mountpoint: "/storage/sdcard1", Type: TypeSDCard})
	h.insertDisk(v, 179, 0, 1)
	h.mounter.SetMounted("/storage/sdcard1", "/dev/block/vold/179:1")

	require.NoError(t, v.Mount())
	assert.Equal(t, StateMounted, v.State())
	assert.Empty(t, h.vfat.GetCheckCalls())
	assert.Empty(t, h.vfat.GetMountCalls())
}

func TestMount_Preconditions(t *testing.T) {
	h := newHarness(t)
	v := h.newVolume(Config{Label: "sdcard1", Mountpoint: "/storage/sdcard1", Type: TypeSDCard})

	err := v.Mount()
	assert.ErrorIs(t, err, utils.ErrMediaRemoved)

	h.insertDisk(v, 179, 0, 1)
	require.NoError(t, v.Mount())
	err = v.Mount()
	assert.ErrorIs(t, err, utils.ErrBusy)
	assert.Equal(t, StateMounted, v.State())
}

func TestMount_UnrecoverableMedia(t *testing.T) {
	h := newHarness(t)
	h.exfat.SetResult(filepath.Join(h.env.Paths.DeviceDir, "179:1"), fsdriver.Unrecoverable)
	v := h.newVolume(Config{Label: "sdcard1", Mountpoint: "/storage/sdcard1", Type: TypeSDCard})
	h.insertDisk(v, 179, 0, 1)

	err := v.Mount()
	assert.ErrorIs(t, err, utils.ErrUnrecoverableMedia)
	assert.Equal(t, StateIdle, v.State())
	assert.Empty(t, h.vfat.GetCheckCalls())
	assert.True(t, h.bcast.Contains(broadcast.VolumeMountFailedDamaged, "mount failed - damaged"))
}

func TestMount_FallsBackToNextDriver(t *testing.T) {
	h := newHarness(t)
	h.vfat.SetMountError(assert.AnError)
	v := h.newVolume(Config{Label: "sdcard1", Mountpoint: "/storage/sdcard1", Type: TypeSDCard})
	h.insertDisk(v, 179, 0, 1)

	require.NoError(t, v.Mount())
	assert.Equal(t, "exfat", v.FilesystemType(0))
	assert.Len(t, h.vfat.GetMountCalls(), 1)
	assert.Len(t, h.exfat.GetMountCalls(), 1)
}

func TestMount_PrimaryUsesSdcardGroup(t *testing.T) {
	h := newHarness(t)
	h.env.PrimaryStorage = "/mnt/sdcard"
	v := h.newVolume(Config{Label: "sdcard", Mountpoint: "/mnt/sdcard", Type: TypeSDCard})
	h.insertDisk(v, 179, 0, 0)

	require.NoError(t, v.Mount())
	calls := h.vfat.GetMountCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, GIDSdcardRW, calls[0].Opts.GID)
	assert.Equal(t, h.device(179, 0), calls[0].Device)
	assert.True(t, v.IsMounted(WholeDisk))
}

func TestMount_PerPartitionVolume(t *testing.T) {
	h := newHarness(t)
	mp := filepath.Join(h.root, "usb")
	v := h.newVolume(Config{Label: "usb", Mountpoint: mp, Type: TypeUMS})
	h.insertDisk(v, 8, 0, 2)

	require.NoError(t, v.Mount())
	assert.Equal(t, PartitionSet(0b11), v.MountedPartitions())
	assert.True(t, h.mounter.IsMounted(filepath.Join(mp, "mmcblk1p1")))
	assert.True(t, h.mounter.IsMounted(filepath.Join(mp, "mmcblk1p2")))
	assert.DirExists(t, filepath.Join(mp, "mmcblk1p2"))

	require.NoError(t, v.Unmount(false, false))
	assert.Equal(t, StateIdle, v.State())
	assert.Empty(t, h.mounter.MountedPaths())
	assert.NoDirExists(t, mp)
}

func TestMount_SinglePartitionIndex(t *testing.T) {
	h := newHarness(t)
	v := h.newVolume(Config{Label: "sdcard1", Mountpoint: "/storage/sdcard1", Type: TypeSDCard, PartIdx: 2})
	h.insertDisk(v, 179, 0, 2)

	require.NoError(t, v.Mount())
	assert.Equal(t, PartitionSet(0b10), v.MountedPartitions())
	assert.Equal(t, []string{h.device(179, 2)}, h.vfat.GetCheckCalls())
}

func TestMount_MediaRemovedMidLoop(t *testing.T) {
	h := newHarness(t)
	mp := filepath.Join(h.root, "usb")
	v := h.newVolume(Config{Label: "usb", Mountpoint: mp, Type: TypeUMS})
	h.insertDisk(v, 8, 0, 2)

	h.vfat.OnCheck = func(device string) {
		v.MarkMediaRemoved()
	}

	err := v.Mount()
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrMediaRemoved)
	assert.Equal(t, StateNoMedia, v.State())
	assert.True(t, v.MountedPartitions().Empty())
	assert.Empty(t, h.mounter.MountedPaths(), "partitions mounted before the removal are unwound")
	assert.True(t, h.bcast.Contains(broadcast.VolumeMountFailedNoMedia, "Volume usb "+mp+" mount failed - no media"))
}

func TestMount_DeletedMidLoop(t *testing.T) {
	h := newHarness(t)
	mp := filepath.Join(h.root, "usb")
	v := h.newVolume(Config{Label: "usb", Mountpoint: mp, Type: TypeUMS})
	h.insertDisk(v, 8, 0, 2)

	h.vfat.OnCheck = func(device string) {
		v.RequestDelete()
	}

	err := v.Mount()
	assert.ErrorIs(t, err, utils.ErrDeleted)
	assert.Equal(t, StateDeleting, v.State())
	assert.Empty(t, h.mounter.MountedPaths())
}

func TestUnmount_NotMounted(t *testing.T) {
	h := newHarness(t)
	v := h.newVolume(Config{Label: "sdcard1", Mountpoint: "/storage/sdcard1", Type: TypeSDCard})
	h.insertDisk(v, 179, 0, 1)

	err := v.Unmount(true, false)
	assert.ErrorIs(t, err, utils.ErrNotMounted)
	assert.Equal(t, StateIdle, v.State())
}
