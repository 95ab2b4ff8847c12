package config

import (
	"time"

	"git.srvlab.io/whiskey/vold/pkg/circuitbreaker"
	"git.srvlab.io/whiskey/vold/pkg/loop"
	"git.srvlab.io/whiskey/vold/pkg/volume"
)

// envKeys are the scalar settings that can be overridden from VOLD_* variables
var envKeys = []string{
	"logging.verbosity",
	"logging.file",
	"paths.device_dir",
	"paths.loop_device",
	"paths.loop_control",
	"paths.ums_lun_file",
	"storage.primary_storage",
	"storage.crypto_state",
	"storage.fake_sdcard",
	"storage.virtual_sdcard",
	"storage.format_filesystem",
	"automount.enabled",
	"automount.interval",
	"automount.burst",
	"metrics.enabled",
	"metrics.address",
}

// ApplyDefaults fills in every unset value
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyPathsDefaults(&cfg.Paths)
	applyStorageDefaults(&cfg.Storage)
	applyRetryDefaults(&cfg.Retry)
	applyAutoMountDefaults(&cfg.AutoMount)
	applyBreakerDefaults(&cfg.Breaker)
	applyMetricsDefaults(&cfg.Metrics)

	for i := range cfg.Volumes {
		if cfg.Volumes[i].Partition == "" {
			cfg.Volumes[i].Partition = PartitionAuto
		}
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.File == "" {
		return
	}
	if cfg.MaxSizeMB == 0 {
		cfg.MaxSizeMB = 10
	}
	if cfg.MaxBackups == 0 {
		cfg.MaxBackups = 3
	}
	if cfg.MaxAgeDays == 0 {
		cfg.MaxAgeDays = 28
	}
}

func applyPathsDefaults(cfg *PathsConfig) {
	d := volume.DefaultPaths()
	if cfg.DeviceDir == "" {
		cfg.DeviceDir = d.DeviceDir
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = d.StagingDir
	}
	if cfg.AsecDir == "" {
		cfg.AsecDir = d.AsecDir
	}
	if cfg.LoopDir == "" {
		cfg.LoopDir = d.LoopDir
	}
	if cfg.FakeSdcard == "" {
		cfg.FakeSdcard = d.FakeSdcard
	}
	if cfg.LoopControl != "" && cfg.LoopDeviceDir == "" {
		cfg.LoopDeviceDir = loop.DefaultDeviceDir
	}
}

func applyStorageDefaults(cfg *StorageConfig) {
	if cfg.FormatFilesystem == "" {
		cfg.FormatFilesystem = "vfat"
	}
}

func applyRetryDefaults(cfg *RetryConfig) {
	d := volume.DefaultRetryPolicy()
	if cfg.MoveAttempts == 0 {
		cfg.MoveAttempts = d.MoveAttempts
	}
	if cfg.MoveInterval == 0 {
		cfg.MoveInterval = d.MoveInterval
	}
	if cfg.MoveHangupAfter == 0 && cfg.MoveKillAfter == 0 {
		cfg.MoveHangupAfter = d.MoveEscalation.HangupAfter
		cfg.MoveKillAfter = d.MoveEscalation.KillAfter
	}
	if cfg.UnmountAttempts == 0 {
		cfg.UnmountAttempts = d.UnmountAttempts
	}
	if cfg.UnmountInterval == 0 {
		cfg.UnmountInterval = d.UnmountInterval
	}
	if cfg.UnmountHangupAfter == 0 && cfg.UnmountKillAfter == 0 {
		cfg.UnmountHangupAfter = d.UnmountEscalation.HangupAfter
		cfg.UnmountKillAfter = d.UnmountEscalation.KillAfter
	}
	if cfg.UnmountGrace == 0 {
		cfg.UnmountGrace = d.UnmountGrace
	}
	if cfg.DeviceNodeTimeout == 0 {
		cfg.DeviceNodeTimeout = d.DeviceNodeTimeout
	}
}

func applyAutoMountDefaults(cfg *AutoMountConfig) {
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Burst == 0 {
		cfg.Burst = 2
	}
}

func applyBreakerDefaults(cfg *BreakerConfig) {
	d := circuitbreaker.DefaultSettings()
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = d.ConsecutiveFailures
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = d.Timeout
	}
	if cfg.Interval == 0 {
		cfg.Interval = d.Interval
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Address == "" {
		cfg.Address = ":9810"
	}
}

// GetDefaultConfig returns a configuration with every default applied and no volumes
func GetDefaultConfig() *Config {
	cfg := &Config{AutoMount: AutoMountConfig{Enabled: true}}
	ApplyDefaults(cfg)
	return cfg
}
