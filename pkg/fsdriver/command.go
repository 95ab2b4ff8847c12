package fsdriver

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"git.srvlab.io/whiskey/vold/pkg/mount"
	"git.srvlab.io/whiskey/vold/pkg/utils"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// Mount data layouts understood by CommandDriver
const (
	// DataFAT emits uid, gid, fmask and dmask
	DataFAT = "fat"
	// DataUmask emits uid, gid and umask
	DataUmask = "umask"
	// DataOwner emits uid and gid only
	DataOwner = "owner"
)

// Options configures a CommandDriver. Field tags match the keys accepted in
// the filesystems section of the daemon config.
type Options struct {
	// CheckCommand is the check tool and its flags; the device is appended.
	// Empty means the driver only probes the filesystem type with blkid.
	CheckCommand []string `mapstructure:"check_command"`

	// NotRecognizedCodes are check exit codes meaning "not this filesystem"
	NotRecognizedCodes []int `mapstructure:"not_recognized_codes"`

	// RecheckCodes are check exit codes meaning "repaired, run again"
	RecheckCodes []int `mapstructure:"recheck_codes"`

	// MaxRechecks bounds how many times a repaired filesystem is rechecked
	MaxRechecks int `mapstructure:"max_rechecks"`

	// TolerateCheckErrors mounts a filesystem whose check failed with any
	// other exit code instead of reporting unrecoverable media
	TolerateCheckErrors bool `mapstructure:"tolerate_check_errors"`

	// ProbeTypes are the blkid TYPE values this driver accepts
	ProbeTypes []string `mapstructure:"probe_types"`

	// FormatCommand is the mkfs tool and its flags; the device is appended
	FormatCommand []string `mapstructure:"format_command"`

	// LabelFlag passes FormatOptions.Label to FormatCommand
	LabelFlag string `mapstructure:"label_flag"`

	// MountType is the kernel filesystem type passed to mount(2)
	MountType string `mapstructure:"mount_type"`

	// DataStyle selects the ownership options layout (fat, umask, owner)
	DataStyle string `mapstructure:"data_style"`

	// ExtraData is appended to the generated mount data
	ExtraData string `mapstructure:"extra_data"`

	// ReadOnly forces read-only mounts
	ReadOnly bool `mapstructure:"read_only"`

	// LostAndFound creates LOST.DIR after mounting when requested
	LostAndFound bool `mapstructure:"lost_and_found"`
}

// CommandDriver is a Driver backed by external check/format tools and mount(2)
type CommandDriver struct {
	name        string
	opts        Options
	mounter     mount.Mounter
	execCommand func(name string, args ...string) *exec.Cmd
	lookPath    func(file string) (string, error)
}

// New creates a driver called name. MountType defaults to name.
func New(name string, mounter mount.Mounter, opts Options) (*CommandDriver, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: driver name cannot be empty", utils.ErrConfiguration)
	}
	if mounter == nil {
		return nil, fmt.Errorf("%w: driver %s needs a mounter", utils.ErrConfiguration, name)
	}
	if opts.MountType == "" {
		opts.MountType = name
	}
	if len(opts.ProbeTypes) == 0 {
		opts.ProbeTypes = []string{opts.MountType}
	}
	switch opts.DataStyle {
	case "", DataFAT, DataUmask, DataOwner:
	default:
		return nil, fmt.Errorf("%w: driver %s has unknown data style %q", utils.ErrConfiguration, name, opts.DataStyle)
	}

	return &CommandDriver{
		name:        name,
		opts:        opts,
		mounter:     mounter,
		execCommand: exec.Command,
		lookPath:    exec.LookPath,
	}, nil
}

// Name returns the driver name
func (d *CommandDriver) Name() string {
	return d.name
}

// Check runs the check tool against device and classifies its exit code
func (d *CommandDriver) Check(device string) CheckResult {
	if len(d.opts.CheckCommand) == 0 {
		return d.probeType(device)
	}

	tool := d.opts.CheckCommand[0]
	if _, err := d.lookPath(tool); err != nil {
		klog.Warningf("%s not found, skipping %s checks and probing type only", tool, d.name)
		return d.probeType(device)
	}

	args := append(slices.Clone(d.opts.CheckCommand[1:]), device)
	for pass := 1; ; pass++ {
		klog.V(4).Infof("Checking %s for %s (pass %d): %s %s", device, d.name, pass, tool, strings.Join(args, " "))

		output, err := d.execCommand(tool, args...).CombinedOutput()
		klog.V(5).Infof("%s output: %s", tool, string(output))

		if err == nil {
			klog.V(2).Infof("Filesystem check of %s completed OK (%s)", device, d.name)
			return Recognized
		}

		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			klog.Warningf("Failed to run %s on %s (%v), probing type only", tool, device, err)
			return d.probeType(device)
		}

		code := exitErr.ExitCode()
		switch {
		case slices.Contains(d.opts.NotRecognizedCodes, code):
			klog.V(4).Infof("%s is not a %s filesystem (exit code %d)", device, d.name, code)
			return NotRecognized
		case slices.Contains(d.opts.RecheckCodes, code):
			if pass <= d.opts.MaxRechecks {
				klog.Warningf("Filesystem on %s modified - rechecking (pass %d)", device, pass)
				continue
			}
			klog.Errorf("Failing check of %s after too many rechecks", device)
			return Unrecoverable
		case d.opts.TolerateCheckErrors:
			klog.Warningf("%s check of %s found errors (exit code %d), mounting anyway", d.name, device, code)
			return Recognized
		default:
			klog.Errorf("Filesystem check of %s failed (unknown exit code %d)", device, code)
			return Unrecoverable
		}
	}
}

// probeType asks blkid for the filesystem type
func (d *CommandDriver) probeType(device string) CheckResult {
	output, err := d.execCommand("blkid", "-o", "value", "-s", "TYPE", device).CombinedOutput()
	if err != nil {
		// blkid exits 2 when it finds nothing; anything else is also not a match
		klog.V(4).Infof("blkid found no filesystem type on %s: %v", device, err)
		return NotRecognized
	}

	fsType := strings.TrimSpace(string(output))
	if slices.Contains(d.opts.ProbeTypes, fsType) {
		klog.V(4).Infof("blkid reports %s on %s", fsType, device)
		return Recognized
	}
	return NotRecognized
}

// Mount mounts device at mountpoint with volume ownership options
func (d *CommandDriver) Mount(device, mountpoint string, opts MountOptions) error {
	flags := uintptr(mount.FlagNoDev | mount.FlagNoSuid | mount.FlagDirSync)
	if !opts.Exec {
		flags |= mount.FlagNoExec
	}
	if opts.ReadOnly || d.opts.ReadOnly {
		flags |= mount.FlagReadOnly
	}
	if opts.Remount {
		flags |= mount.FlagRemount
	}

	data := d.mountData(opts)
	err := d.mounter.Mount(device, mountpoint, d.opts.MountType, flags, data)
	if err != nil && errors.Is(err, unix.EROFS) && flags&mount.FlagReadOnly == 0 {
		klog.Warningf("%s appears to be a read only filesystem - retrying mount RO", device)
		flags |= mount.FlagReadOnly
		err = d.mounter.Mount(device, mountpoint, d.opts.MountType, flags, data)
	}
	if err != nil {
		return fmt.Errorf("%s mount of %s failed: %w", d.name, device, err)
	}

	if opts.CreateLostAndFound && d.opts.LostAndFound && flags&mount.FlagReadOnly == 0 {
		lostDir := filepath.Join(mountpoint, "LOST.DIR")
		if err := os.MkdirAll(lostDir, 0755); err != nil {
			klog.Errorf("Unable to create LOST.DIR on %s (%v)", mountpoint, err)
		}
	}
	return nil
}

func (d *CommandDriver) mountData(opts MountOptions) string {
	var data string
	switch d.opts.DataStyle {
	case DataUmask:
		data = fmt.Sprintf("uid=%d,gid=%d,umask=%o", opts.UID, opts.GID, opts.Mask)
	case DataOwner:
		data = fmt.Sprintf("uid=%d,gid=%d", opts.UID, opts.GID)
	default:
		data = fmt.Sprintf("uid=%d,gid=%d,fmask=%o,dmask=%o", opts.UID, opts.GID, opts.Mask, opts.Mask)
	}
	if d.opts.ExtraData != "" {
		data += "," + d.opts.ExtraData
	}
	return data
}

// Format creates the filesystem on device
func (d *CommandDriver) Format(device string, opts FormatOptions) error {
	if len(d.opts.FormatCommand) == 0 {
		return fmt.Errorf("%w: %s driver cannot format", utils.ErrInvalidParameter, d.name)
	}

	tool := d.opts.FormatCommand[0]
	args := slices.Clone(d.opts.FormatCommand[1:])
	if opts.Label != "" && d.opts.LabelFlag != "" {
		args = append(args, d.opts.LabelFlag, opts.Label)
	}
	args = append(args, device)

	klog.V(2).Infof("Formatting %s as %s", device, d.name)
	output, err := d.execCommand(tool, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %w, output: %s", tool, err, string(output))
	}

	klog.V(4).Infof("%s output: %s", tool, string(output))
	klog.V(2).Infof("Successfully formatted %s with %s", device, d.name)
	return nil
}
