// Package config loads the daemon configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (VOLD_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultConfigPath is where the daemon looks for its config file
const DefaultConfigPath = "/etc/vold/vold.yaml"

// Config is the complete daemon configuration
type Config struct {
	// Logging controls klog verbosity and the optional rotating log file
	Logging LoggingConfig `mapstructure:"logging"`

	// Paths are the fixed filesystem locations of the lifecycle
	Paths PathsConfig `mapstructure:"paths"`

	// Storage holds system-wide storage roles and legacy compat switches
	Storage StorageConfig `mapstructure:"storage"`

	// Retry bounds the busy-target retry loops
	Retry RetryConfig `mapstructure:"retry"`

	// AutoMount controls mounting on media insertion
	AutoMount AutoMountConfig `mapstructure:"automount"`

	// Breaker tunes the per-volume mount circuit breaker
	Breaker BreakerConfig `mapstructure:"breaker"`

	// Metrics controls the prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Filesystems is the ordered detection and mount fallback list.
	// Empty means the built-in order.
	Filesystems []FilesystemConfig `mapstructure:"filesystems" validate:"dive"`

	// Volumes are the managed volumes, in the order they are added
	Volumes []VolumeConfig `mapstructure:"volumes" validate:"dive"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	// Verbosity is the klog -v level
	Verbosity int `mapstructure:"verbosity" validate:"gte=0,lte=10"`

	// File enables a rotating log file in addition to stderr
	File string `mapstructure:"file" validate:"omitempty,startswith=/"`

	// MaxSizeMB is the size at which the log file is rotated
	MaxSizeMB int `mapstructure:"max_size_mb" validate:"gte=0"`

	// MaxBackups is the number of rotated files kept
	MaxBackups int `mapstructure:"max_backups" validate:"gte=0"`

	// MaxAgeDays is how long rotated files are kept
	MaxAgeDays int `mapstructure:"max_age_days" validate:"gte=0"`

	// Compress gzips rotated files
	Compress bool `mapstructure:"compress"`
}

// PathsConfig holds device and mount locations
type PathsConfig struct {
	DeviceDir  string `mapstructure:"device_dir" validate:"required,startswith=/"`
	StagingDir string `mapstructure:"staging_dir" validate:"required,startswith=/"`
	AsecDir    string `mapstructure:"asec_dir" validate:"required,startswith=/"`
	LoopDir    string `mapstructure:"loop_dir" validate:"required,startswith=/"`
	FakeSdcard string `mapstructure:"fake_sdcard" validate:"required,startswith=/"`

	// LoopDevice is the loop node used for image mounts; empty disables them
	LoopDevice string `mapstructure:"loop_device" validate:"omitempty,startswith=/"`

	// LoopControl is the loop-control node obb mounts allocate devices from;
	// empty disables them
	LoopControl   string `mapstructure:"loop_control" validate:"omitempty,startswith=/"`
	LoopDeviceDir string `mapstructure:"loop_device_dir" validate:"omitempty,startswith=/"`

	// UMSLunFile is the USB mass storage LUN backing file
	UMSLunFile string `mapstructure:"ums_lun_file" validate:"omitempty,startswith=/"`
}

// StorageConfig holds storage roles
type StorageConfig struct {
	// PrimaryStorage is the mountpoint of the primary external storage
	PrimaryStorage string `mapstructure:"primary_storage" validate:"omitempty,startswith=/"`

	// CryptoState is the device encryption state
	CryptoState string `mapstructure:"crypto_state"`

	// FakeSdcard exposes the first removable mount at paths.fake_sdcard
	FakeSdcard bool `mapstructure:"fake_sdcard"`

	// VirtualSdcard backs paths.fake_sdcard with a directory on flash
	VirtualSdcard bool `mapstructure:"virtual_sdcard"`

	// FormatFilesystem is the filesystem written by format
	FormatFilesystem string `mapstructure:"format_filesystem" validate:"required"`

	// FlashFormatLabel is the label given to formatted flash volumes
	FlashFormatLabel string `mapstructure:"flash_format_label"`
}

// RetryConfig bounds the move and unmount retry loops
type RetryConfig struct {
	MoveAttempts       int           `mapstructure:"move_attempts" validate:"gte=1"`
	MoveInterval       time.Duration `mapstructure:"move_interval" validate:"gt=0"`
	MoveHangupAfter    int           `mapstructure:"move_hangup_after" validate:"gte=0"`
	MoveKillAfter      int           `mapstructure:"move_kill_after" validate:"gte=0"`
	UnmountAttempts    int           `mapstructure:"unmount_attempts" validate:"gte=1"`
	UnmountInterval    time.Duration `mapstructure:"unmount_interval" validate:"gt=0"`
	UnmountHangupAfter int           `mapstructure:"unmount_hangup_after" validate:"gte=0"`
	UnmountKillAfter   int           `mapstructure:"unmount_kill_after" validate:"gte=0"`
	UnmountGrace       time.Duration `mapstructure:"unmount_grace" validate:"gte=0"`
	DeviceNodeTimeout  time.Duration `mapstructure:"device_node_timeout" validate:"gt=0"`
}

// AutoMountConfig controls mounting on insertion
type AutoMountConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Interval and Burst throttle automatic mounts per volume
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
	Burst    int           `mapstructure:"burst" validate:"gte=1"`
}

// BreakerConfig tunes the per-volume circuit breaker
type BreakerConfig struct {
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures" validate:"gte=1"`
	Timeout             time.Duration `mapstructure:"timeout" validate:"gt=0"`
	Interval            time.Duration `mapstructure:"interval" validate:"gte=0"`
}

// MetricsConfig controls the prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address" validate:"required_if=Enabled true"`
}

// FilesystemConfig selects a filesystem driver and overrides its options.
//
// Options are decoded into fsdriver.Options on top of the built-in
// defaults for Name; a filesystem without built-in defaults must at least
// set probe_types or check_command.
type FilesystemConfig struct {
	Name    string         `mapstructure:"name" validate:"required"`
	Options map[string]any `mapstructure:"options"`
}

// VolumeConfig describes one managed volume
type VolumeConfig struct {
	Label      string `mapstructure:"label" validate:"required"`
	Mountpoint string `mapstructure:"mountpoint" validate:"required,startswith=/"`
	Type       string `mapstructure:"type" validate:"required,oneof=flash sdcard ums sata"`

	// Partition is a 1-based partition index, or "auto" for every partition
	Partition string `mapstructure:"partition"`

	// SysfsPaths are the device path prefixes the volume claims
	SysfsPaths []string `mapstructure:"sysfs_paths" validate:"dive,startswith=/"`

	Removable    bool `mapstructure:"removable"`
	Encryptable  bool `mapstructure:"encryptable"`
	NonRemovable bool `mapstructure:"nonremovable"`

	// AsecStaging stages the mount and hides the secure area (primary storage only)
	AsecStaging bool `mapstructure:"asec_staging"`
}

// Load loads configuration from file, environment, and defaults.
// An empty configPath reads DefaultConfigPath if it exists.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// setupViper configures environment overrides and the config file.
// Example: VOLD_AUTOMOUNT_ENABLED=false
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("VOLD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("automount.enabled", true)

	// AutomaticEnv only applies to keys viper already knows about
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.SetConfigFile(DefaultConfigPath)
	v.SetConfigType("yaml")
}

// readConfigFile reads the configuration file. A missing default file is not an error.
func readConfigFile(v *viper.Viper, configPath string) error {
	err := v.ReadInConfig()
	if err == nil {
		return nil
	}

	if configPath == "" {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
	}
	return fmt.Errorf("failed to read config file: %w", err)
}
