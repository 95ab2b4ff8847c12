package volume

import (
	"testing"

	"git.srvlab.io/whiskey/vold/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encryptedVolume(t *testing.T, h *harness) *Volume {
	t.Helper()
	h.env.PrimaryStorage = "/mnt/sdcard"
	h.env.CryptoState = CryptoStateEncrypted
	return h.newVolume(Config{
		Label:      "sdcard",
		Mountpoint: "/mnt/sdcard",
		Type:       TypeFlash,
		Flags:      Flags{NonRemovable: true, Encryptable: true},
	})
}

func TestMount_EncryptedUsesMappedDevice(t *testing.T) {
	h := newHarness(t)
	v := encryptedVolume(t, h)
	h.insertDisk(v, 179, 0, 0)

	require.NoError(t, v.Mount())
	assert.Equal(t, StateMounted, v.State())
	assert.Equal(t, Device{Major: 252, Minor: 0}, v.DiskDevice())
	assert.Equal(t, []string{"sdcard@179:0"}, h.crypto.GetSetupCalls())
	assert.FileExists(t, h.device(252, 0))

	rec, ok := h.mounter.Record("/mnt/sdcard")
	require.True(t, ok)
	assert.Equal(t, h.device(252, 0), rec.Source)

	// a second mount reuses the active mapping
	require.NoError(t, v.Unmount(false, false))
	require.NoError(t, v.Mount())
	assert.Len(t, h.crypto.GetSetupCalls(), 1)

	require.NoError(t, v.Unmount(false, true))
	assert.Equal(t, []string{"sdcard"}, h.crypto.GetRevertCalls())
	assert.Equal(t, Device{Major: 179, Minor: 0}, v.DiskDevice())
	assert.False(t, v.isRemapped())
}

func TestMount_EncryptedRejectsMultipleNodes(t *testing.T) {
	h := newHarness(t)
	v := encryptedVolume(t, h)
	h.insertDisk(v, 179, 0, 2)

	err := v.Mount()
	require.Error(t, err)
	assert.ErrorIs(t, err, utils.ErrConfiguration)
	assert.Empty(t, h.crypto.GetSetupCalls())
	assert.Equal(t, StateIdle, v.State())
}

func TestMount_CryptoOnlyForEncryptedRole(t *testing.T) {
	tests := []struct {
		name  string
		flags Flags
		state string
	}{
		{"removable", Flags{Removable: true, Encryptable: true}, CryptoStateEncrypted},
		{"not encryptable", Flags{NonRemovable: true}, CryptoStateEncrypted},
		{"device unencrypted", Flags{NonRemovable: true, Encryptable: true}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.env.PrimaryStorage = "/mnt/sdcard"
			h.env.CryptoState = tt.state
			v := h.newVolume(Config{Label: "sdcard", Mountpoint: "/mnt/sdcard", Type: TypeSDCard, Flags: tt.flags})
			h.insertDisk(v, 179, 0, 0)

			require.NoError(t, v.Mount())
			assert.Empty(t, h.crypto.GetSetupCalls())
			assert.Equal(t, Device{Major: 179, Minor: 0}, v.DiskDevice())
		})
	}
}

func TestMount_CryptoSetupFailure(t *testing.T) {
	h := newHarness(t)
	h.crypto.SetupErr = assert.AnError
	v := encryptedVolume(t, h)
	h.insertDisk(v, 179, 0, 0)

	err := v.Mount()
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, StateIdle, v.State())
	assert.Empty(t, h.mounter.MountedPaths())
}
