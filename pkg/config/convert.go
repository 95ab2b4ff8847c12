package config

import (
	"fmt"
	"strconv"

	"git.srvlab.io/whiskey/vold/pkg/circuitbreaker"
	"git.srvlab.io/whiskey/vold/pkg/fsdriver"
	"git.srvlab.io/whiskey/vold/pkg/manager"
	"git.srvlab.io/whiskey/vold/pkg/mount"
	"git.srvlab.io/whiskey/vold/pkg/volume"
	"github.com/mitchellh/mapstructure"
)

// PartitionAuto mounts every partition of a volume
const PartitionAuto = "auto"

// ParsePartition maps a partition setting to a volume partition index
func ParsePartition(s string) (int, error) {
	if s == "" || s == PartitionAuto {
		return -1, nil
	}
	idx, err := strconv.Atoi(s)
	if err != nil || idx < 1 || idx > volume.MaxPartitions {
		return 0, fmt.Errorf("partition %q must be %q or 1-%d", s, PartitionAuto, volume.MaxPartitions)
	}
	return idx, nil
}

// VolumePaths converts the paths section
func (c *Config) VolumePaths() volume.Paths {
	return volume.Paths{
		DeviceDir:  c.Paths.DeviceDir,
		StagingDir: c.Paths.StagingDir,
		AsecDir:    c.Paths.AsecDir,
		LoopDir:    c.Paths.LoopDir,
		FakeSdcard: c.Paths.FakeSdcard,
	}
}

// RetryPolicy converts the retry section
func (c *Config) RetryPolicy() volume.RetryPolicy {
	r := c.Retry
	return volume.RetryPolicy{
		MoveAttempts:      r.MoveAttempts,
		MoveInterval:      r.MoveInterval,
		MoveEscalation:    volume.Escalation{HangupAfter: r.MoveHangupAfter, KillAfter: r.MoveKillAfter},
		UnmountAttempts:   r.UnmountAttempts,
		UnmountInterval:   r.UnmountInterval,
		UnmountEscalation: volume.Escalation{HangupAfter: r.UnmountHangupAfter, KillAfter: r.UnmountKillAfter},
		UnmountGrace:      r.UnmountGrace,
		DeviceNodeTimeout: r.DeviceNodeTimeout,
	}
}

// ManagerOptions converts the automount, breaker and share settings
func (c *Config) ManagerOptions() manager.Options {
	return manager.Options{
		AutoMount:         c.AutoMount.Enabled,
		AutoMountInterval: c.AutoMount.Interval,
		AutoMountBurst:    c.AutoMount.Burst,
		UMSLunFile:        c.Paths.UMSLunFile,
		Breaker: circuitbreaker.Settings{
			ConsecutiveFailures: c.Breaker.ConsecutiveFailures,
			Timeout:             c.Breaker.Timeout,
			Interval:            c.Breaker.Interval,
		},
	}
}

// ToVolume converts one volume entry
func (v VolumeConfig) ToVolume() (volume.Config, error) {
	t, ok := volume.ParseType(v.Type)
	if !ok || t == volume.TypeUnknown {
		return volume.Config{}, fmt.Errorf("volume %s: unknown type %q", v.Label, v.Type)
	}
	idx, err := ParsePartition(v.Partition)
	if err != nil {
		return volume.Config{}, fmt.Errorf("volume %s: %w", v.Label, err)
	}
	return volume.Config{
		Label:      v.Label,
		Mountpoint: v.Mountpoint,
		Type:       t,
		Flags: volume.Flags{
			Removable:    v.Removable,
			Encryptable:  v.Encryptable,
			NonRemovable: v.NonRemovable,
		},
		PartIdx:     idx,
		SysfsPaths:  v.SysfsPaths,
		AsecStaging: v.AsecStaging,
	}, nil
}

// BuildDrivers creates the filesystem drivers in configured order.
// Each entry's options are decoded over the built-in defaults for its name.
func (c *Config) BuildDrivers(mounter mount.Mounter) ([]fsdriver.Driver, error) {
	if len(c.Filesystems) == 0 {
		return fsdriver.NewDefaultDrivers(mounter)
	}

	drivers := make([]fsdriver.Driver, 0, len(c.Filesystems))
	for _, fs := range c.Filesystems {
		opts, err := DecodeDriverOptions(fs.Name, fs.Options)
		if err != nil {
			return nil, err
		}
		d, err := fsdriver.New(fs.Name, mounter, opts)
		if err != nil {
			return nil, err
		}
		drivers = append(drivers, d)
	}
	return drivers, nil
}

// DecodeDriverOptions decodes a filesystem's option map on top of its
// built-in defaults. Lists may be given as comma-separated strings.
func DecodeDriverOptions(name string, options map[string]any) (fsdriver.Options, error) {
	opts, err := fsdriver.Defaults(name)
	if err != nil {
		// not built in; everything comes from the config
		opts = fsdriver.Options{}
		if len(options) == 0 {
			return opts, fmt.Errorf("filesystem %s has no built-in defaults and no options", name)
		}
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		// replace default lists instead of merging into them
		ZeroFields:  true,
		ErrorUnused: true,
		Result:      &opts,
	})
	if err != nil {
		return opts, fmt.Errorf("failed to create decoder for filesystem %s: %w", name, err)
	}
	if err := decoder.Decode(options); err != nil {
		return opts, fmt.Errorf("failed to decode filesystem %s options: %w", name, err)
	}
	return opts, nil
}
