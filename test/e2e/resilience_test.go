package e2e

import (
	"golang.org/x/sys/unix"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"git.srvlab.io/whiskey/vold/pkg/broadcast"
	"git.srvlab.io/whiskey/vold/pkg/fsdriver"
	"git.srvlab.io/whiskey/vold/pkg/process"
	"git.srvlab.io/whiskey/vold/pkg/utils"
	"git.srvlab.io/whiskey/vold/pkg/volume"
	"git.srvlab.io/whiskey/vold/test/mock"
)

var _ = Describe("Resilience [E2E-02]", func() {
	var v *volume.Volume

	BeforeEach(func() {
		v = env.addSdcard(false)
		env.insertDisk(sdcardSysfs, "mmcblk1", 179, 0, 1)
	})

	Context("when the mountpoint stays busy", func() {
		BeforeEach(func() {
			Expect(env.manager.MountVolume("sdcard")).To(Succeed())
		})

		It("should signal holders and finish unmounting", func() {
			env.mounter.Errors.Fail(mock.OpUnmount, v.Mountpoint(), unix.EBUSY, 5)

			Expect(env.manager.UnmountVolume("sdcard", true, false)).To(Succeed())
			Expect(v.State()).To(Equal(volume.StateIdle))
			Expect(env.terminator.Count(process.SignalHangup)).To(Equal(1))
			Expect(env.terminator.Count(process.SignalKill)).To(Equal(1))
		})

		It("should give up and stay mounted when the target never frees", func() {
			env.mounter.Errors.Fail(mock.OpUnmount, v.Mountpoint(), unix.EBUSY, -1)

			err := env.manager.UnmountVolume("sdcard", true, false)
			Expect(err).To(MatchError(utils.ErrBusy))
			Expect(v.State()).To(Equal(volume.StateMounted))
			Expect(env.mounter.IsMounted(v.Mountpoint())).To(BeTrue())
		})

		It("should not signal anyone without force", func() {
			env.mounter.Errors.Fail(mock.OpUnmount, v.Mountpoint(), unix.EBUSY, 3)

			Expect(env.manager.UnmountVolume("sdcard", false, false)).To(Succeed())
			Expect(env.terminator.GetCalls()).To(BeEmpty())
		})
	})

	It("should clean up after the card is pulled while mounted", func() {
		Expect(env.manager.MountVolume("sdcard")).To(Succeed())

		env.removePartition(sdcardSysfs, "mmcblk1", 179, 0, 1)
		env.removeDisk(sdcardSysfs, "mmcblk1", 179, 0)

		Expect(v.State()).To(Equal(volume.StateNoMedia))
		Expect(env.mounter.MountedPaths()).To(BeEmpty())
		Expect(env.bcast.Contains(broadcast.VolumeBadRemoval, "bad removal")).To(BeTrue())
		Expect(env.manager.MountVolume("sdcard")).To(MatchError(utils.ErrMediaRemoved))
	})

	It("should stop probing damaged media once the breaker opens", func() {
		env.vfat.SetDefaultResult(fsdriver.Unrecoverable)

		for i := 0; i < 3; i++ {
			Expect(env.manager.MountVolume("sdcard")).To(MatchError(utils.ErrUnrecoverableMedia))
		}
		Expect(env.manager.MountVolume("sdcard")).To(MatchError(utils.ErrCircuitOpen))
		Expect(env.vfat.GetCheckCalls()).To(HaveLen(3))
		Expect(env.bcast.Contains(broadcast.VolumeMountFailedDamaged, "damaged")).To(BeTrue())
	})

	It("should self-heal when the volume is already mounted", func() {
		env.mounter.SetMounted(v.Mountpoint(), env.device(179, 1))

		Expect(env.manager.MountVolume("sdcard")).To(Succeed())
		Expect(v.State()).To(Equal(volume.StateMounted))
		Expect(env.vfat.GetMountCalls()).To(BeEmpty())
	})
})
