package volume

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"git.srvlab.io/whiskey/vold/pkg/fsdriver"
	"git.srvlab.io/whiskey/vold/pkg/hotplug"
	"git.srvlab.io/whiskey/vold/pkg/observability"
	"git.srvlab.io/whiskey/vold/test/mock"
	"github.com/stretchr/testify/require"
)

// harness is a volume environment backed entirely by mocks
type harness struct {
	t       *testing.T
	root    string
	env     *Env
	mounter *mock.MockMounter
	exfat   *mock.MockDriver
	vfat    *mock.MockDriver
	crypto  *mock.MockCrypto
	term    *mock.MockTerminator
	bcast   *mock.MockBroadcaster
	parts   *mock.MockPartitionWriter
	sink    *mock.MockHotplugSink
}

func testRetryPolicy() RetryPolicy {
	p := DefaultRetryPolicy()
	p.MoveInterval = time.Millisecond
	p.UnmountInterval = time.Millisecond
	p.UnmountGrace = 0
	p.DeviceNodeTimeout = time.Second
	return p
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()

	m := mock.NewMockMounter()
	h := &harness{
		t:       t,
		root:    root,
		mounter: m,
		exfat:   mock.NewMockDriver("exfat", m),
		vfat:    mock.NewMockDriver("vfat", m),
		crypto:  mock.NewMockCrypto(252, 0),
		term:    mock.NewMockTerminator(),
		bcast:   mock.NewMockBroadcaster(),
		parts:   &mock.MockPartitionWriter{},
		sink:    &mock.MockHotplugSink{},
	}
	h.vfat.SetDefaultResult(fsdriver.Recognized)

	h.env = &Env{
		Mounter:         m,
		Drivers:         []fsdriver.Driver{h.exfat, h.vfat},
		Crypto:          h.crypto,
		Terminator:      h.term,
		PartitionWriter: h.parts,
		Broadcaster:     h.bcast,
		Hotplug:         h.sink,
		Metrics:         observability.NewMetrics(),
		Paths: Paths{
			DeviceDir:  filepath.Join(root, "dev"),
			StagingDir: filepath.Join(root, "secure", "staging"),
			AsecDir:    filepath.Join(root, "secure", "asec"),
			LoopDir:    filepath.Join(root, "obb"),
			FakeSdcard: filepath.Join(root, "sdcard"),
		},
		Retry:        testRetryPolicy(),
		FormatDriver: "vfat",
	}
	require.NoError(t, h.env.Validate())
	return h
}

// dir returns a directory under the harness root, created on disk
func (h *harness) dir(name string) string {
	h.t.Helper()
	p := filepath.Join(h.root, name)
	require.NoError(h.t, os.MkdirAll(p, 0755))
	return p
}

func (h *harness) newVolume(cfg Config) *Volume {
	h.t.Helper()
	if cfg.PartIdx == 0 {
		cfg.PartIdx = -1
	}
	v, err := New(h.env, cfg)
	require.NoError(h.t, err)
	v.Start()
	return v
}

func (h *harness) device(major, minor uint32) string {
	return filepath.Join(h.env.Paths.DeviceDir, fmt.Sprintf("%d:%d", major, minor))
}

// insertDisk delivers a disk add followed by its partitions (minors minor+1..)
func (h *harness) insertDisk(v *Volume, major, minor uint32, nparts int) {
	v.HandleBlockEvent(&hotplug.Event{
		Action:  hotplug.ActionAdd,
		DevPath: "/devices/platform/mmc/block/mmcblk1",
		Major:   major,
		Minor:   minor,
		DevName: "mmcblk1",
		DevType: hotplug.DevTypeDisk,
		NParts:  nparts,
	})
	for i := 1; i <= nparts; i++ {
		v.HandleBlockEvent(&hotplug.Event{
			Action:  hotplug.ActionAdd,
			DevPath: fmt.Sprintf("/devices/platform/mmc/block/mmcblk1/mmcblk1p%d", i),
			Major:   major,
			Minor:   minor + uint32(i),
			DevName: fmt.Sprintf("mmcblk1p%d", i),
			DevType: hotplug.DevTypePartition,
			PartN:   i,
		})
	}
}

func (h *harness) removeDisk(v *Volume, major, minor uint32) {
	v.HandleBlockEvent(&hotplug.Event{
		Action:  hotplug.ActionRemove,
		DevPath: "/devices/platform/mmc/block/mmcblk1",
		Major:   major,
		Minor:   minor,
		DevType: hotplug.DevTypeDisk,
	})
}

// stateChanges returns the state-change broadcast texts for label
func (h *harness) stateChanges() []string {
	return h.bcast.Texts(605)
}
