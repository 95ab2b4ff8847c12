package volume

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"git.srvlab.io/whiskey/vold/pkg/fsdriver"
	"git.srvlab.io/whiskey/vold/pkg/loop"
	"git.srvlab.io/whiskey/vold/pkg/utils"
	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

// LoopMount tracks the single image bound to the loop device
type LoopMount struct {
	binder loop.Binder

	mu    sync.Mutex
	image string
	dir   string
}

// NewLoopMount creates an empty loop mount backed by binder
func NewLoopMount(binder loop.Binder) *LoopMount {
	return &LoopMount{binder: binder}
}

// Image returns the bound image path and its mount directory, empty when idle
func (l *LoopMount) Image() (image, dir string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.image, l.dir
}

// ImageUnder reports whether the bound image lives below dir
func (l *LoopMount) ImageUnder(dir string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return isBelow(l.image, dir)
}

// loopDir is the mount directory for image, stable across restarts
func loopDir(base, image string) string {
	return filepath.Join(base, uuid.NewSHA1(uuid.NameSpaceURL, []byte(image)).String())
}

// Mount binds image to the loop device and mounts it with the driver cascade
func (l *LoopMount) Mount(env *Env, image string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.image != "" {
		return "", fmt.Errorf("%w: loop device holds %s", utils.ErrAlreadyMounted, l.image)
	}
	if !filepath.IsAbs(image) {
		return "", fmt.Errorf("%w: loop image %q must be an absolute path", utils.ErrInvalidParameter, image)
	}
	if _, err := os.Stat(image); err != nil {
		return "", fmt.Errorf("loop image %s: %w", image, err)
	}

	dir := loopDir(env.Paths.LoopDir, image)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("unable to create loop mountpoint %s: %w", dir, err)
	}

	if err := l.binder.Bind(image); err != nil {
		removeDir(dir)
		return "", err
	}

	device := l.binder.Path()
	winner, res := env.detectFilesystem(device)
	if res == fsdriver.Unrecoverable {
		l.release(dir)
		return "", fmt.Errorf("%w: loop image %s", utils.ErrUnrecoverableMedia, image)
	}
	if res == fsdriver.NotRecognized {
		l.release(dir)
		return "", fmt.Errorf("%w: loop image %s", utils.ErrNoSuitableFilesystem, image)
	}

	opts := fsdriver.MountOptions{ReadOnly: true, UID: OwnerUID, GID: GIDSdcardRW, Mask: DefaultMaskBits}
	fsName, err := env.mountWithFallback(device, dir, winner, opts)
	if err != nil {
		l.release(dir)
		return "", err
	}

	l.image = image
	l.dir = dir
	klog.V(2).Infof("Loop image %s mounted at %s as %s", image, dir, fsName)
	return dir, nil
}

// Unmount unmounts and detaches the bound image
func (l *LoopMount) Unmount(env *Env, force bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.image == "" {
		return fmt.Errorf("%w: no loop image bound", utils.ErrNotMounted)
	}

	if err := env.doUnmount(l.dir, force); err != nil {
		return fmt.Errorf("unable to unmount loop image %s: %w", l.image, err)
	}
	removeDir(l.dir)
	if err := l.binder.Unbind(); err != nil {
		klog.Errorf("Failed to detach %s (%v)", l.binder.Path(), err)
	}

	klog.V(2).Infof("Loop image %s unmounted", l.image)
	l.image = ""
	l.dir = ""
	return nil
}

func (l *LoopMount) release(dir string) {
	releaseBinder(l.binder, dir)
}

func removeDir(dir string) {
	if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
		klog.V(4).Infof("Unable to remove %s (%v)", dir, err)
	}
}
