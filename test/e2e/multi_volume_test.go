package e2e

import (
	"fmt"
	"path/filepath"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"git.srvlab.io/whiskey/vold/pkg/volume"
)

var _ = Describe("Multiple Volumes [E2E-03]", func() {
	It("should route hotplug events to the claiming volume", func() {
		sdcard := env.addSdcard(false)
		usb := env.addUSB()

		env.insertDisk(usbSysfs, "sda", 8, 0, 2)
		Expect(usb.State()).To(Equal(volume.StateIdle))
		Expect(sdcard.State()).To(Equal(volume.StateNoMedia))

		env.insertDisk("/devices/platform/unclaimed", "sdb", 8, 16, 1)
		Expect(sdcard.State()).To(Equal(volume.StateNoMedia))
	})

	It("should mount each partition of a mass storage device", func() {
		usb := env.addUSB()
		env.insertDisk(usbSysfs, "sda", 8, 0, 2)

		Expect(env.manager.MountVolume("usb")).To(Succeed())
		Expect(usb.MountedPartitions().Indexes()).To(HaveLen(2))
		for i := 1; i <= 2; i++ {
			Expect(env.mounter.IsMounted(filepath.Join(env.usbMountpoint(), fmt.Sprintf("sda%d", i)))).To(BeTrue())
		}

		By("Pulling one partition")
		env.removePartition(usbSysfs, "sda", 8, 0, 1)
		Expect(usb.State()).To(Equal(volume.StateMounted))
		Expect(usb.IsMounted(0)).To(BeFalse())
		Expect(usb.IsMounted(1)).To(BeTrue())

		By("Pulling the last partition")
		env.removePartition(usbSysfs, "sda", 8, 0, 2)
		Expect(usb.State()).To(Equal(volume.StateIdle))
		Expect(env.mounter.MountedPaths()).To(BeEmpty())

		env.removeDisk(usbSysfs, "sda", 8, 0)
		Expect(usb.State()).To(Equal(volume.StateNoMedia))
	})

	It("should run operations on different volumes concurrently", func() {
		sdcard := env.addSdcard(false)
		usb := env.addUSB()
		env.insertDisk(sdcardSysfs, "mmcblk1", 179, 0, 1)
		env.insertDisk(usbSysfs, "sda", 8, 0, 1)

		var wg sync.WaitGroup
		for _, label := range []string{"sdcard", "usb"} {
			wg.Add(1)
			go func(label string) {
				defer GinkgoRecover()
				defer wg.Done()
				for i := 0; i < 10; i++ {
					Expect(env.manager.MountVolume(label)).To(Succeed())
					Expect(env.manager.UnmountVolume(label, true, false)).To(Succeed())
				}
			}(label)
		}
		wg.Wait()

		Expect(sdcard.State()).To(Equal(volume.StateIdle))
		Expect(usb.State()).To(Equal(volume.StateIdle))
		Expect(env.mounter.MountedPaths()).To(BeEmpty())
	})

	It("should unmount everything on shutdown", func() {
		sdcard := env.addSdcard(false)
		usb := env.addUSB()
		env.insertDisk(sdcardSysfs, "mmcblk1", 179, 0, 1)
		env.insertDisk(usbSysfs, "sda", 8, 0, 2)
		Expect(env.manager.MountVolume("sdcard")).To(Succeed())
		Expect(env.manager.MountVolume("usb")).To(Succeed())

		env.manager.Shutdown()
		Expect(sdcard.State()).To(Equal(volume.StateDeleting))
		Expect(usb.State()).To(Equal(volume.StateDeleting))
		Expect(env.mounter.MountedPaths()).To(BeEmpty())
	})
})
