package config

import (
	"fmt"
	"slices"

	"git.srvlab.io/whiskey/vold/pkg/fsdriver"
	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom rules
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

// validateCustomRules performs validation that can't be expressed in tags
func validateCustomRules(cfg *Config) error {
	labels := make(map[string]bool)
	mountpoints := make(map[string]bool)
	for i, vol := range cfg.Volumes {
		if labels[vol.Label] {
			return fmt.Errorf("volumes[%d]: duplicate label %q", i, vol.Label)
		}
		labels[vol.Label] = true

		if mountpoints[vol.Mountpoint] {
			return fmt.Errorf("volumes[%d]: duplicate mountpoint %q", i, vol.Mountpoint)
		}
		mountpoints[vol.Mountpoint] = true

		if _, err := ParsePartition(vol.Partition); err != nil {
			return fmt.Errorf("volumes[%d]: %w", i, err)
		}
		if vol.AsecStaging && vol.Mountpoint != cfg.Storage.PrimaryStorage {
			return fmt.Errorf("volumes[%d]: asec_staging requires mountpoint %q to be storage.primary_storage", i, vol.Mountpoint)
		}
		if vol.Removable && vol.NonRemovable {
			return fmt.Errorf("volumes[%d]: removable and nonremovable are exclusive", i)
		}
	}

	names := make([]string, 0, len(cfg.Filesystems))
	for i, fs := range cfg.Filesystems {
		if slices.Contains(names, fs.Name) {
			return fmt.Errorf("filesystems[%d]: duplicate filesystem %q", i, fs.Name)
		}
		names = append(names, fs.Name)
	}
	if len(names) == 0 {
		names = fsdriver.DefaultOrder
	}
	if !slices.Contains(names, cfg.Storage.FormatFilesystem) {
		return fmt.Errorf("storage: format_filesystem %q is not a configured filesystem", cfg.Storage.FormatFilesystem)
	}

	if cfg.Retry.MoveKillAfter > 0 && cfg.Retry.MoveKillAfter < cfg.Retry.MoveHangupAfter {
		return fmt.Errorf("retry: move_kill_after must not precede move_hangup_after")
	}
	if cfg.Retry.UnmountKillAfter > 0 && cfg.Retry.UnmountKillAfter < cfg.Retry.UnmountHangupAfter {
		return fmt.Errorf("retry: unmount_kill_after must not precede unmount_hangup_after")
	}
	return nil
}

// formatValidationError converts validator errors into user-friendly messages
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
