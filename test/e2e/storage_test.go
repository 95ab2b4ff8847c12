package e2e

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"git.srvlab.io/whiskey/vold/pkg/utils"
	"git.srvlab.io/whiskey/vold/pkg/volume"
)

var _ = Describe("Primary Storage [E2E-04]", func() {
	It("should stage the primary sdcard and hide its secure area", func() {
		v := env.addSdcard(true)
		env.insertDisk(sdcardSysfs, "mmcblk1", 179, 0, 1)
		paths := env.env.Paths

		Expect(env.manager.MountVolume("sdcard")).To(Succeed())
		Expect(v.State()).To(Equal(volume.StateMounted))
		Expect(env.env.SdcardMounted()).To(BeTrue())

		rec, ok := env.mounter.Record(v.Mountpoint())
		Expect(ok).To(BeTrue())
		Expect(rec.Source).To(Equal(env.device(179, 1)))
		Expect(env.mounter.IsMounted(paths.StagingDir)).To(BeFalse())
		Expect(env.mounter.IsMounted(paths.AsecDir)).To(BeTrue())

		Expect(env.manager.UnmountVolume("sdcard", false, false)).To(Succeed())
		Expect(env.mounter.MountedPaths()).To(BeEmpty())
		Expect(env.env.SdcardMounted()).To(BeFalse())
	})

	It("should map encrypted internal storage through the crypto layer", func() {
		env.env.CryptoState = volume.CryptoStateEncrypted
		v, err := env.manager.AddVolume(volume.Config{
			Label:      "sdcard",
			Mountpoint: env.env.PrimaryStorage,
			Type:       volume.TypeFlash,
			Flags:      volume.Flags{NonRemovable: true, Encryptable: true},
			PartIdx:    -1,
			SysfsPaths: []string{sdcardSysfs},
		})
		Expect(err).NotTo(HaveOccurred())
		env.insertDisk(sdcardSysfs, "mmcblk0", 179, 0, 0)

		Expect(env.manager.MountVolume("sdcard")).To(Succeed())
		Expect(env.crypto.GetSetupCalls()).To(ConsistOf("sdcard@179:0"))
		rec, ok := env.mounter.Record(v.Mountpoint())
		Expect(ok).To(BeTrue())
		Expect(rec.Source).To(Equal(env.device(252, 0)))

		By("Reverting the mapping on unmount")
		Expect(env.manager.UnmountVolume("sdcard", false, true)).To(Succeed())
		Expect(env.crypto.GetRevertCalls()).To(ConsistOf("sdcard"))
		Expect(v.DiskDevice()).To(Equal(volume.Device{Major: 179, Minor: 0}))
	})
})

var _ = Describe("Loop Images [E2E-05]", func() {
	var image string

	BeforeEach(func() {
		image = filepath.Join(env.root, "data", "game.obb")
		Expect(os.MkdirAll(filepath.Dir(image), 0755)).To(Succeed())
		Expect(os.WriteFile(image, []byte("obb"), 0644)).To(Succeed())
	})

	It("should mount an image read-only and tear it down", func() {
		dir, err := env.manager.MountLoop(image)
		Expect(err).NotTo(HaveOccurred())
		Expect(filepath.Dir(dir)).To(Equal(env.env.Paths.LoopDir))
		Expect(dir).To(BeADirectory())
		Expect(env.binder.Image()).To(Equal(image))

		calls := env.vfat.GetMountCalls()
		Expect(calls).To(HaveLen(1))
		Expect(calls[0].Opts.ReadOnly).To(BeTrue())

		again, err := env.manager.MountLoop(image)
		Expect(err).NotTo(HaveOccurred())
		Expect(again).To(Equal(dir))

		Expect(env.manager.UnmountLoop(false)).To(Succeed())
		Expect(dir).NotTo(BeADirectory())
		Expect(env.binder.Image()).To(BeEmpty())
	})

	It("should refuse a second image while one is bound", func() {
		_, err := env.manager.MountLoop(image)
		Expect(err).NotTo(HaveOccurred())

		other := filepath.Join(env.root, "data", "other.obb")
		Expect(os.WriteFile(other, []byte("obb"), 0644)).To(Succeed())
		_, err = env.manager.MountLoop(other)
		Expect(err).To(MatchError(utils.ErrAlreadyMounted))
	})
})
