package e2e

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/gomega"

	"git.srvlab.io/whiskey/vold/pkg/fsdriver"
	"git.srvlab.io/whiskey/vold/pkg/hotplug"
	"git.srvlab.io/whiskey/vold/pkg/manager"
	"git.srvlab.io/whiskey/vold/pkg/observability"
	"git.srvlab.io/whiskey/vold/pkg/volume"
	"git.srvlab.io/whiskey/vold/test/mock"
)

// Constants for test configuration
const (
	defaultTimeout = 5 * time.Second
	pollInterval   = 10 * time.Millisecond

	sdcardSysfs = "/devices/platform/mmc/mmc_host/mmc1"
	usbSysfs    = "/devices/platform/usb/usb1"
)

// testEnv is a manager wired to mocks, rooted in a temp dir
type testEnv struct {
	root       string
	env        *volume.Env
	manager    *manager.Manager
	mounter    *mock.MockMounter
	vfat       *mock.MockDriver
	ntfs       *mock.MockDriver
	terminator *mock.MockTerminator
	bcast      *mock.MockBroadcaster
	crypto     *mock.MockCrypto
	binder     *mock.MockBinder
	metrics    *observability.Metrics
}

func newTestEnv(root string) *testEnv {
	m := mock.NewMockMounter()
	e := &testEnv{
		root:       root,
		mounter:    m,
		vfat:       mock.NewMockDriver("vfat", m),
		ntfs:       mock.NewMockDriver("ntfs", m),
		terminator: mock.NewMockTerminator(),
		bcast:      mock.NewMockBroadcaster(),
		crypto:     mock.NewMockCrypto(252, 0),
		binder:     mock.NewMockBinder(filepath.Join(root, "dev", "loop0")),
		metrics:    observability.NewMetrics(),
	}
	e.vfat.SetDefaultResult(fsdriver.Recognized)

	retry := volume.DefaultRetryPolicy()
	retry.MoveInterval = time.Millisecond
	retry.UnmountInterval = time.Millisecond
	retry.UnmountGrace = 0
	retry.DeviceNodeTimeout = time.Second

	e.env = &volume.Env{
		Mounter:         m,
		Drivers:         []fsdriver.Driver{e.ntfs, e.vfat},
		Crypto:          e.crypto,
		Terminator:      e.terminator,
		PartitionWriter: &mock.MockPartitionWriter{},
		Broadcaster:     e.bcast,
		Metrics:         e.metrics,
		Loop:            volume.NewLoopMount(e.binder),
		Paths: volume.Paths{
			DeviceDir:  filepath.Join(root, "dev", "block", "vold"),
			StagingDir: filepath.Join(root, "mnt", "secure", "staging"),
			AsecDir:    filepath.Join(root, "mnt", "secure", "asec"),
			LoopDir:    filepath.Join(root, "mnt", "obb"),
			FakeSdcard: filepath.Join(root, "mnt", "fakesdcard"),
		},
		Retry:          retry,
		PrimaryStorage: filepath.Join(root, "mnt", "sdcard"),
		FormatDriver:   "vfat",
	}

	Expect(os.MkdirAll(e.env.PrimaryStorage, 0755)).To(Succeed())

	opts := manager.DefaultOptions()
	opts.AutoMount = false
	opts.UMSLunFile = ""

	mgr, err := manager.New(e.env, opts)
	Expect(err).NotTo(HaveOccurred())
	e.manager = mgr
	return e
}

// restart replaces the manager with one using opts, keeping the mocks
func (e *testEnv) restart(opts manager.Options) {
	e.manager.Shutdown()
	mgr, err := manager.New(e.env, opts)
	Expect(err).NotTo(HaveOccurred())
	e.manager = mgr
}

// addSdcard adds the primary sdcard volume; staged selects the hidden secure area layout
func (e *testEnv) addSdcard(staged bool) *volume.Volume {
	v, err := e.manager.AddVolume(volume.Config{
		Label:       "sdcard",
		Mountpoint:  e.env.PrimaryStorage,
		Type:        volume.TypeSDCard,
		Flags:       volume.Flags{Removable: true},
		PartIdx:     -1,
		SysfsPaths:  []string{sdcardSysfs},
		AsecStaging: staged,
	})
	Expect(err).NotTo(HaveOccurred())
	return v
}

func (e *testEnv) addUSB() *volume.Volume {
	v, err := e.manager.AddVolume(volume.Config{
		Label:      "usb",
		Mountpoint: e.usbMountpoint(),
		Type:       volume.TypeUMS,
		Flags:      volume.Flags{Removable: true},
		PartIdx:    -1,
		SysfsPaths: []string{usbSysfs},
	})
	Expect(err).NotTo(HaveOccurred())
	return v
}

// insertDisk delivers a disk add followed by nparts partition adds
func (e *testEnv) insertDisk(sysfs, name string, major, minor uint32, nparts int) {
	disk := fmt.Sprintf("%s/block/%s", sysfs, name)
	e.manager.HandleBlockEvent(&hotplug.Event{
		Action:    hotplug.ActionAdd,
		DevPath:   disk,
		Subsystem: "block",
		Major:     major,
		Minor:     minor,
		DevName:   name,
		DevType:   hotplug.DevTypeDisk,
		NParts:    nparts,
	})
	for i := 1; i <= nparts; i++ {
		e.manager.HandleBlockEvent(&hotplug.Event{
			Action:    hotplug.ActionAdd,
			DevPath:   fmt.Sprintf("%s/%s%d", disk, name, i),
			Subsystem: "block",
			Major:     major,
			Minor:     minor + uint32(i),
			DevName:   fmt.Sprintf("%s%d", name, i),
			DevType:   hotplug.DevTypePartition,
			PartN:     i,
		})
	}
}

func (e *testEnv) removePartition(sysfs, name string, major, minor uint32, partN int) {
	e.manager.HandleBlockEvent(&hotplug.Event{
		Action:    hotplug.ActionRemove,
		DevPath:   fmt.Sprintf("%s/block/%s/%s%d", sysfs, name, name, partN),
		Subsystem: "block",
		Major:     major,
		Minor:     minor + uint32(partN),
		DevType:   hotplug.DevTypePartition,
		PartN:     partN,
	})
}

func (e *testEnv) removeDisk(sysfs, name string, major, minor uint32) {
	e.manager.HandleBlockEvent(&hotplug.Event{
		Action:    hotplug.ActionRemove,
		DevPath:   fmt.Sprintf("%s/block/%s", sysfs, name),
		Subsystem: "block",
		Major:     major,
		Minor:     minor,
		DevName:   name,
		DevType:   hotplug.DevTypeDisk,
	})
}

// usbMountpoint is created on disk by per-partition mounts, so it lives under root
func (e *testEnv) usbMountpoint() string {
	return filepath.Join(e.root, "mnt", "usb")
}

func (e *testEnv) device(major, minor uint32) string {
	return filepath.Join(e.env.Paths.DeviceDir, fmt.Sprintf("%d:%d", major, minor))
}

// stateCodes extracts the new-state codes from the 605 broadcasts of label
func (e *testEnv) stateCodes(label string) []int {
	var codes []int
	for _, text := range e.bcast.Texts(605) {
		var (
			l, mp, from, to string
			fromCode, code  int
		)
		if _, err := fmt.Sscanf(text, "Volume %s %s state changed from %d %s to %d %s", &l, &mp, &fromCode, &from, &code, &to); err != nil {
			continue
		}
		if l == label {
			codes = append(codes, code)
		}
	}
	return codes
}
