package volume

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"git.srvlab.io/whiskey/vold/pkg/mount"
	"git.srvlab.io/whiskey/vold/pkg/process"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

const (
	autorunFile = "autorun.inf"

	// secureOverlayData hides the secure area behind an empty read-only tmpfs
	secureOverlayData = "size=0,mode=000,uid=0,gid=0"
)

// exposeStaged publishes a filesystem mounted on the staging dir. The secure
// area is bound to the privileged dir and obscured before the move, so it
// is never visible at the public mountpoint. On failure nothing stays mounted.
func (v *Volume) exposeStaged() error {
	paths := v.env.Paths

	v.protectFromAutorun()

	if err := v.createBindMounts(); err != nil {
		klog.Errorf("Failed to create bindmounts (%v)", err)
		v.discardStaging()
		return fmt.Errorf("unable to hide secure storage of volume %s: %w", v.cfg.Label, err)
	}

	if err := v.env.moveMount(paths.StagingDir, v.cfg.Mountpoint, false); err != nil {
		klog.Errorf("Failed to move mount %s -> %s (%v)", paths.StagingDir, v.cfg.Mountpoint, err)
		v.discardBindMounts()
		v.discardStaging()
		return fmt.Errorf("unable to publish volume %s: %w", v.cfg.Label, err)
	}

	v.env.setSdcardMounted(true)
	return nil
}

// createBindMounts binds the staged secure area to the privileged dir and
// mounts an empty read-only tmpfs over it
func (v *Volume) createBindMounts() error {
	paths := v.env.Paths
	secure := paths.stagingSecureDir()
	legacy := paths.stagingLegacySecureDir()

	if _, err := os.Stat(legacy); err == nil {
		if _, err := os.Stat(secure); os.IsNotExist(err) {
			if err := os.Rename(legacy, secure); err != nil {
				klog.Errorf("Failed to rename legacy asec dir (%v)", err)
			}
		}
	}

	info, err := os.Stat(secure)
	switch {
	case os.IsNotExist(err):
		if err := os.Mkdir(secure, 0777); err != nil {
			return fmt.Errorf("unable to create %s: %w", secure, err)
		}
	case err != nil:
		return fmt.Errorf("unable to stat %s: %w", secure, err)
	case !info.IsDir():
		return fmt.Errorf("%s is not a directory: %w", secure, unix.ENOTDIR)
	}

	if err := os.MkdirAll(paths.AsecDir, 0700); err != nil {
		return fmt.Errorf("unable to create %s: %w", paths.AsecDir, err)
	}
	if err := v.env.Mounter.BindMount(secure, paths.AsecDir); err != nil {
		return fmt.Errorf("failed to bind %s to %s: %w", secure, paths.AsecDir, err)
	}

	if err := v.mountSecureOverlay(); err != nil {
		if uErr := v.env.Mounter.Unmount(paths.AsecDir); uErr != nil {
			klog.Errorf("Failed to remove bindmount %s (%v)", paths.AsecDir, uErr)
		}
		return err
	}
	return nil
}

func (v *Volume) mountSecureOverlay() error {
	secure := v.env.Paths.stagingSecureDir()
	if err := v.env.Mounter.Mount("tmpfs", secure, "tmpfs", mount.FlagReadOnly, secureOverlayData); err != nil {
		return fmt.Errorf("failed to obscure %s: %w", secure, err)
	}
	return nil
}

// protectFromAutorun deletes autorun.inf from the staged filesystem
func (v *Volume) protectFromAutorun() {
	path := filepath.Join(v.env.Paths.StagingDir, autorunFile)
	if _, err := os.Lstat(path); err != nil {
		return
	}

	klog.Warningf("Volume contains an autorun.inf! - removing")
	v.env.terminateHolders(path, process.SignalKill)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		klog.Errorf("Failed to remove %s (%v)", path, err)
	}
}

func (v *Volume) discardStaging() {
	if err := v.env.doUnmount(v.env.Paths.StagingDir, true); err != nil {
		klog.Errorf("Failed to unmount staging %s (%v)", v.env.Paths.StagingDir, err)
	}
}

func (v *Volume) discardBindMounts() {
	paths := v.env.Paths
	for _, target := range []string{paths.stagingSecureDir(), paths.AsecDir} {
		if err := v.env.doUnmount(target, true); err != nil {
			klog.Errorf("Failed to remove %s (%v)", target, err)
		}
	}
}

// unwindStaged removes a published staged mount without compensation
func (v *Volume) unwindStaged() {
	paths := v.env.Paths
	if err := v.env.moveMount(v.cfg.Mountpoint, paths.StagingDir, true); err != nil {
		klog.Errorf("Failed to unpublish %s (%v)", v.cfg.Mountpoint, err)
	}
	v.discardBindMounts()
	v.discardStaging()
	v.env.setSdcardMounted(false)
}

// teardownStep names the staged-unmount step that failed
type teardownStep int

const (
	stepUnpublish teardownStep = iota
	stepOverlay
	stepBind
	stepStaging
)

// errStorageOffline marks a teardown whose compensation also failed
var errStorageOffline = errors.New("storage offline")

// teardownStaged reverses exposeStaged. When a step fails, the steps already
// done are redone so the volume is published again; if that also fails the
// error wraps errStorageOffline.
func (v *Volume) teardownStaged(force bool) error {
	paths := v.env.Paths

	if err := v.env.moveMount(v.cfg.Mountpoint, paths.StagingDir, force); err != nil {
		klog.Errorf("Failed to move mount %s => %s (%v)", v.cfg.Mountpoint, paths.StagingDir, err)
		return err
	}

	v.protectFromAutorun()

	var failed teardownStep
	var cause error
	if cause = v.env.doUnmount(paths.stagingSecureDir(), force); cause != nil {
		klog.Errorf("Failed to unmount tmpfs on %s (%v)", paths.stagingSecureDir(), cause)
		failed = stepOverlay
	} else if cause = v.env.doUnmount(paths.AsecDir, force); cause != nil {
		klog.Errorf("Failed to remove bindmount on %s (%v)", paths.AsecDir, cause)
		failed = stepBind
	} else if cause = v.env.doUnmount(paths.StagingDir, force); cause != nil {
		klog.Errorf("Failed to unmount %s (%v)", paths.StagingDir, cause)
		failed = stepStaging
	} else {
		v.env.setSdcardMounted(false)
		return nil
	}

	return v.restoreStaged(failed, force, cause)
}

// restoreStaged redoes the teardown steps completed before failed
func (v *Volume) restoreStaged(failed teardownStep, force bool, cause error) error {
	paths := v.env.Paths

	switch failed {
	case stepStaging:
		if err := v.env.Mounter.BindMount(paths.stagingSecureDir(), paths.AsecDir); err != nil {
			klog.Errorf("Failed to restore bindmount after failure! - Storage will appear offline!")
			return fmt.Errorf("%w: %v (restore: %v)", errStorageOffline, cause, err)
		}
		fallthrough
	case stepBind:
		if err := v.mountSecureOverlay(); err != nil {
			klog.Errorf("Failed to restore tmpfs after failure! - Storage will appear offline!")
			return fmt.Errorf("%w: %v (restore: %v)", errStorageOffline, cause, err)
		}
		fallthrough
	case stepOverlay:
		if err := v.env.moveMount(paths.StagingDir, v.cfg.Mountpoint, force); err != nil {
			klog.Errorf("Failed to republish %s after failure! - Storage will appear offline!", v.cfg.Mountpoint)
			return fmt.Errorf("%w: %v (restore: %v)", errStorageOffline, cause, err)
		}
	}
	return fmt.Errorf("unmount of %s rolled back: %w", v.cfg.Mountpoint, cause)
}
