package volume

import (
	"testing"

	"git.srvlab.io/whiskey/vold/pkg/process"
	"git.srvlab.io/whiskey/vold/pkg/utils"
	"git.srvlab.io/whiskey/vold/test/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func mountedSdcard(t *testing.T, h *harness) *Volume {
	t.Helper()
	v := h.newVolume(Config{Label: "sdcard1", Mountpoint: "/storage/sdcard1", Type: TypeSDCard})
	h.insertDisk(v, 179, 0, 1)
	require.NoError(t, v.Mount())
	return v
}

func TestUnmount_BusyEscalation(t *testing.T) {
	tests := []struct {
		name        string
		busy        int
		wantErr     bool
		wantHangups int
		wantKills   int
		wantState   State
	}{
		{name: "not busy", busy: 0, wantState: StateIdle},
		{name: "busy three times", busy: 3, wantState: StateIdle},
		{name: "busy four times", busy: 4, wantHangups: 1, wantState: StateIdle},
		{name: "busy five times", busy: 5, wantHangups: 1, wantKills: 1, wantState: StateIdle},
		{name: "busy forever", busy: -1, wantErr: true, wantHangups: 1, wantKills: 15, wantState: StateMounted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			v := mountedSdcard(t, h)
			if tt.busy != 0 {
				h.mounter.Errors.Fail(mock.OpUnmount, "/storage/sdcard1", unix.EBUSY, tt.busy)
			}

			err := v.Unmount(true, false)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, utils.ErrBusy)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantHangups, h.term.Count(process.SignalHangup))
			assert.Equal(t, tt.wantKills, h.term.Count(process.SignalKill))
			assert.Equal(t, tt.wantState, v.State())
			for _, c := range h.term.GetCalls() {
				assert.Equal(t, "/storage/sdcard1", c.Path)
			}
		})
	}
}

func TestUnmount_NonBusyErrorAborts(t *testing.T) {
	h := newHarness(t)
	v := mountedSdcard(t, h)
	h.mounter.Errors.Fail(mock.OpUnmount, "/storage/sdcard1", unix.EIO, 1)

	err := v.Unmount(true, false)
	assert.ErrorIs(t, err, unix.EIO)
	assert.Equal(t, StateMounted, v.State())
	assert.Equal(t, 1, h.mounter.CountCalls(mock.OpUnmount, "/storage/sdcard1"))
	assert.Empty(t, h.term.GetCalls())
}

func TestMoveMount_Escalation(t *testing.T) {
	tests := []struct {
		name        string
		force       bool
		busy        int
		wantErr     bool
		wantHangups int
		wantKills   int
	}{
		{name: "busy twice", force: true, busy: 2},
		{name: "busy three times", force: true, busy: 3, wantHangups: 1},
		{name: "busy forever", force: true, busy: -1, wantErr: true, wantHangups: 1, wantKills: 1},
		{name: "busy forever without force", force: false, busy: -1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.mounter.SetMounted("/src", "/dev/block/vold/179:1")
			h.mounter.Errors.Fail(mock.OpMove, "/src", unix.EBUSY, tt.busy)

			err := h.env.moveMount("/src", "/dst", tt.force)
			if tt.wantErr {
				assert.ErrorIs(t, err, utils.ErrBusy)
				assert.Equal(t, 5, h.mounter.CountCalls(mock.OpMove, "/src"))
			} else {
				require.NoError(t, err)
				assert.True(t, h.mounter.IsMounted("/dst"))
			}
			assert.Equal(t, tt.wantHangups, h.term.Count(process.SignalHangup))
			assert.Equal(t, tt.wantKills, h.term.Count(process.SignalKill))
		})
	}
}

func TestDoUnmount_NotMountedIsSuccess(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.env.doUnmount("/nothing/here", true))
	h.mounter.Errors.Fail(mock.OpUnmount, "/gone", unix.ENOENT, 1)
	require.NoError(t, h.env.doUnmount("/gone", true))
}

func TestEscalation_SignalFor(t *testing.T) {
	e := Escalation{HangupAfter: 4, KillAfter: 5}
	assert.Equal(t, process.SignalNone, e.signalFor(1))
	assert.Equal(t, process.SignalNone, e.signalFor(3))
	assert.Equal(t, process.SignalHangup, e.signalFor(4))
	assert.Equal(t, process.SignalKill, e.signalFor(5))
	assert.Equal(t, process.SignalKill, e.signalFor(19))
	assert.Equal(t, process.SignalNone, Escalation{}.signalFor(10))
}
