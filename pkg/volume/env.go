package volume

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"git.srvlab.io/whiskey/vold/pkg/broadcast"
	"git.srvlab.io/whiskey/vold/pkg/fsdriver"
	"git.srvlab.io/whiskey/vold/pkg/hotplug"
	"git.srvlab.io/whiskey/vold/pkg/mount"
	"git.srvlab.io/whiskey/vold/pkg/observability"
	"git.srvlab.io/whiskey/vold/pkg/partition"
	"git.srvlab.io/whiskey/vold/pkg/process"
	"git.srvlab.io/whiskey/vold/pkg/utils"
)

// Primary storage ownership
const (
	OwnerUID        = 1000 // AID_SYSTEM
	GIDSdcardRW     = 1015 // AID_SDCARD_RW
	GIDMediaRW      = 1023 // AID_MEDIA_RW
	DefaultMaskBits = 0002
)

// CryptoStateEncrypted is the device encryption state that triggers remapping
const CryptoStateEncrypted = "encrypted"

// Paths are the fixed filesystem locations used by the lifecycle
type Paths struct {
	// DeviceDir holds the per-volume block device nodes (<major>:<minor>)
	DeviceDir string
	// StagingDir is the private mountpoint for staged primary storage
	StagingDir string
	// AsecDir is the privileged directory the secure area is bound to
	AsecDir string
	// LoopDir holds per-image loop mountpoints
	LoopDir string
	// FakeSdcard is the canonical sdcard path for legacy clients
	FakeSdcard string
}

// DefaultPaths returns the stock device layout
func DefaultPaths() Paths {
	return Paths{
		DeviceDir:  "/dev/block/vold",
		StagingDir: "/mnt/secure/staging",
		AsecDir:    "/mnt/secure/asec",
		LoopDir:    "/mnt/obb",
		FakeSdcard: "/mnt/sdcard",
	}
}

// stagingSecureDir is the secure area inside the staged filesystem
func (p Paths) stagingSecureDir() string {
	return filepath.Join(p.StagingDir, ".android_secure")
}

// stagingLegacySecureDir is the secure area name used by old releases
func (p Paths) stagingLegacySecureDir() string {
	return filepath.Join(p.StagingDir, "android_secure")
}

// Escalation sets the busy-failure counts after which holders are signalled
type Escalation struct {
	HangupAfter int
	KillAfter   int
}

// signalFor returns the action to take after the given number of busy failures
func (e Escalation) signalFor(failures int) process.Signal {
	switch {
	case e.KillAfter > 0 && failures >= e.KillAfter:
		return process.SignalKill
	case e.HangupAfter > 0 && failures >= e.HangupAfter:
		return process.SignalHangup
	default:
		return process.SignalNone
	}
}

// RetryPolicy bounds the busy-target retry loops
type RetryPolicy struct {
	MoveAttempts      int
	MoveInterval      time.Duration
	MoveEscalation    Escalation
	UnmountAttempts   int
	UnmountInterval   time.Duration
	UnmountEscalation Escalation
	// UnmountGrace is the pause after entering Unmounting so clients can let go
	UnmountGrace time.Duration
	// DeviceNodeTimeout bounds the wait for a decrypted device node
	DeviceNodeTimeout time.Duration
}

// DefaultRetryPolicy returns the stock retry bounds
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MoveAttempts:      5,
		MoveInterval:      250 * time.Millisecond,
		MoveEscalation:    Escalation{HangupAfter: 3, KillAfter: 4},
		UnmountAttempts:   20,
		UnmountInterval:   time.Second,
		UnmountEscalation: Escalation{HangupAfter: 4, KillAfter: 5},
		UnmountGrace:      time.Second,
		DeviceNodeTimeout: 30 * time.Second,
	}
}

// LabelReader reads a filesystem label from a device
type LabelReader interface {
	ReadLabel(device string) (string, error)
}

// Env is the shared context every volume of one manager operates in
type Env struct {
	Mounter         mount.Mounter
	Drivers         []fsdriver.Driver
	Crypto          CryptoMapper
	Terminator      process.Terminator
	PartitionWriter partition.Writer
	Broadcaster     broadcast.Broadcaster
	Hotplug         hotplug.Sink
	Labels          LabelReader
	Metrics         *observability.Metrics
	Loop            *LoopMount
	Obb             *ObbMounts

	Paths Paths
	Retry RetryPolicy

	// PrimaryStorage is the mountpoint of the primary external storage role
	PrimaryStorage string
	// CryptoState is the device encryption state ("encrypted" triggers remapping)
	CryptoState string
	// FakeSdcard exposes the first removable mount at Paths.FakeSdcard
	FakeSdcard bool
	// VirtualSdcard backs Paths.FakeSdcard with a directory on flash
	VirtualSdcard bool
	// FormatDriver names the driver used by Format
	FormatDriver string
	// FlashFormatLabel is the label given to formatted flash volumes
	FlashFormatLabel string

	compat compatState
}

// compatState is the legacy sdcard bookkeeping shared by all volumes
type compatState struct {
	mu                   sync.Mutex
	sdcardMounted        bool
	virtualSdcardMounted bool
	flashMounted         bool
}

// Validate checks that the collaborators every volume needs are present
func (e *Env) Validate() error {
	switch {
	case e.Mounter == nil:
		return fmt.Errorf("%w: volume environment needs a mounter", utils.ErrConfiguration)
	case len(e.Drivers) == 0:
		return fmt.Errorf("%w: volume environment needs at least one filesystem driver", utils.ErrConfiguration)
	case e.Terminator == nil:
		return fmt.Errorf("%w: volume environment needs a process terminator", utils.ErrConfiguration)
	case e.Broadcaster == nil:
		return fmt.Errorf("%w: volume environment needs a broadcaster", utils.ErrConfiguration)
	case e.Retry.MoveAttempts < 1 || e.Retry.UnmountAttempts < 1:
		return fmt.Errorf("%w: retry attempts must be at least 1", utils.ErrConfiguration)
	}
	return nil
}

// devicePath returns the node path for dev
func (e *Env) devicePath(dev Device) string {
	return filepath.Join(e.Paths.DeviceDir, dev.String())
}

// driver returns the configured driver called name
func (e *Env) driver(name string) (fsdriver.Driver, error) {
	for _, d := range e.Drivers {
		if d.Name() == name {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: no %s filesystem driver configured", utils.ErrConfiguration, name)
}

// broadcast sends a notification when a broadcaster is configured
func (e *Env) broadcast(code int, format string, args ...interface{}) {
	if e.Broadcaster == nil {
		return
	}
	e.Broadcaster.SendBroadcast(code, fmt.Sprintf(format, args...))
}

// SdcardMounted reports whether the canonical sdcard is currently published
func (e *Env) SdcardMounted() bool {
	e.compat.mu.Lock()
	defer e.compat.mu.Unlock()
	return e.compat.sdcardMounted
}

func (e *Env) setSdcardMounted(v bool) {
	e.compat.mu.Lock()
	defer e.compat.mu.Unlock()
	e.compat.sdcardMounted = v
}
