package e2e

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/vold/pkg/broadcast"
	"git.srvlab.io/whiskey/vold/pkg/fsdriver"
	"git.srvlab.io/whiskey/vold/pkg/manager"
	"git.srvlab.io/whiskey/vold/pkg/volume"
)

var _ = Describe("Volume Lifecycle [E2E-01]", func() {
	It("should complete full volume lifecycle (insert, mount, unmount, remove)", func() {
		v := env.addSdcard(false)
		Expect(v.State()).To(Equal(volume.StateNoMedia))

		By("Step 1: Inserting an sdcard with one partition")
		env.insertDisk(sdcardSysfs, "mmcblk1", 179, 0, 1)
		Expect(v.State()).To(Equal(volume.StateIdle))
		Expect(v.ValidPartitions().Has(0)).To(BeTrue())
		Expect(env.device(179, 1)).To(BeAnExistingFile())

		By("Step 2: Mounting the volume")
		Expect(env.manager.MountVolume("sdcard")).To(Succeed())
		Expect(v.State()).To(Equal(volume.StateMounted))
		rec, ok := env.mounter.Record(v.Mountpoint())
		Expect(ok).To(BeTrue())
		Expect(rec.Source).To(Equal(env.device(179, 1)))
		Expect(v.FilesystemType(0)).To(Equal("vfat"))
		klog.Infof("Mounted %s from %s", v.Mountpoint(), rec.Source)

		By("Step 3: Unmounting the volume")
		Expect(env.manager.UnmountVolume("sdcard", false, false)).To(Succeed())
		Expect(v.State()).To(Equal(volume.StateIdle))
		Expect(env.mounter.MountedPaths()).To(BeEmpty())

		By("Step 4: Removing the media")
		env.removeDisk(sdcardSysfs, "mmcblk1", 179, 0)
		Expect(v.State()).To(Equal(volume.StateNoMedia))
		Expect(env.bcast.Contains(broadcast.VolumeDiskRemoved, "disk removed")).To(BeTrue())

		By("Step 5: Verifying broadcasts followed every transition in order")
		Expect(env.stateCodes("sdcard")).To(Equal([]int{0, 2, 1, 3, 4, 5, 1, 0}))
	})

	It("should fall back to the next filesystem driver", func() {
		v := env.addSdcard(false)
		env.ntfs.SetDefaultResult(fsdriver.NotRecognized)
		env.insertDisk(sdcardSysfs, "mmcblk1", 179, 0, 1)

		Expect(env.manager.MountVolume("sdcard")).To(Succeed())
		Expect(env.ntfs.GetCheckCalls()).To(HaveLen(1))
		Expect(env.ntfs.GetMountCalls()).To(BeEmpty())
		Expect(env.vfat.GetMountCalls()).To(HaveLen(1))
		Expect(v.FilesystemType(0)).To(Equal("vfat"))
	})

	It("should report blank media and stay idle", func() {
		v := env.addSdcard(false)
		env.vfat.SetDefaultResult(fsdriver.NotRecognized)
		env.insertDisk(sdcardSysfs, "mmcblk1", 179, 0, 1)

		Expect(env.manager.MountVolume("sdcard")).NotTo(Succeed())
		Expect(v.State()).To(Equal(volume.StateIdle))
		Expect(env.bcast.Contains(broadcast.VolumeMountFailedBlank, "mount failed - blank")).To(BeTrue())
	})

	It("should format then mount blank media", func() {
		v := env.addSdcard(false)
		env.insertDisk(sdcardSysfs, "mmcblk1", 179, 0, 1)

		Expect(env.manager.FormatVolume("sdcard")).To(Succeed())
		Expect(v.State()).To(Equal(volume.StateIdle))
		formats := env.vfat.GetFormatCalls()
		Expect(formats).To(HaveLen(1))
		Expect(formats[0].Device).To(Equal(env.device(179, 1)))

		Expect(env.manager.MountVolume("sdcard")).To(Succeed())
		Expect(v.State()).To(Equal(volume.StateMounted))
		Expect(env.manager.FormatVolume("sdcard")).NotTo(Succeed())
	})

	It("should mount automatically after insertion", func() {
		opts := manager.DefaultOptions()
		opts.UMSLunFile = ""
		env.restart(opts)
		v := env.addSdcard(false)

		env.insertDisk(sdcardSysfs, "mmcblk1", 179, 0, 1)
		Eventually(v.State).Should(Equal(volume.StateMounted))
		env.manager.WaitAutomounts()
		Expect(env.vfat.GetMountCalls()).To(HaveLen(1))
	})

	It("should delete a mounted volume", func() {
		v := env.addSdcard(false)
		env.insertDisk(sdcardSysfs, "mmcblk1", 179, 0, 1)
		Expect(env.manager.MountVolume("sdcard")).To(Succeed())

		Expect(env.manager.DeleteVolume("sdcard")).To(Succeed())
		Expect(v.State()).To(Equal(volume.StateDeleting))
		Expect(env.mounter.MountedPaths()).To(BeEmpty())
		_, err := env.manager.LookupVolume("sdcard")
		Expect(err).To(HaveOccurred())
	})
})
